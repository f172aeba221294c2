// Package commitstore provides the external commit-metadata sink the log
// persists its RecoveryInfo blob to on every commit.
package commitstore

// CommitManager is the external collaborator that durably persists and
// retrieves the log's commit metadata blob. Implementations must make
// Commit crash-atomic: a process killed mid-Commit must leave either the
// previous blob or the new one readable by GetLatestCommit, never a
// half-written one.
type CommitManager interface {
	// Commit durably persists metadata, replacing any prior blob.
	Commit(metadata []byte) error

	// GetLatestCommit returns the most recently committed metadata blob,
	// or (nil, nil) if nothing has ever been committed.
	GetLatestCommit() ([]byte, error)

	// Close releases any resources held by the manager.
	Close() error
}
