package hlog

import "github.com/ehrlich-b/go-hlog/internal/constants"

// Re-exports of the internal tuning defaults, for callers building their
// own Settings without importing internal/constants directly.
const (
	DefaultPageSizeBits    = constants.DefaultPageSizeBits
	DefaultMemorySizeBits  = constants.DefaultMemorySizeBits
	DefaultSegmentSizeBits = constants.DefaultSegmentSizeBits
	DefaultMutableFraction = constants.DefaultMutableFraction
	FirstValidAddress      = constants.FirstValidAddress
)
