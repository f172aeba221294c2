// Command hlogcat opens an hlog log rooted at a directory and either
// appends lines from stdin into it or scans and prints its committed
// records.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ehrlich-b/go-hlog"
	"github.com/ehrlich-b/go-hlog/commitstore"
	"github.com/ehrlich-b/go-hlog/device"
	"github.com/ehrlich-b/go-hlog/internal/logging"
)

func main() {
	var (
		dir     = flag.String("dir", "", "directory holding the log's segment and commit files (required)")
		doAppend = flag.Bool("append", false, "read lines from stdin, append each, commit on EOF")
		doScan   = flag.Bool("scan", false, "print every committed record as addr\\tlength\\tpayload")
		verbose  = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "hlogcat: -dir is required")
		os.Exit(1)
	}
	if !*doAppend && !*doScan {
		fmt.Fprintln(os.Stderr, "hlogcat: one of -append or -scan is required")
		os.Exit(1)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		logger.Error("failed to create log directory", "error", err)
		os.Exit(1)
	}
	base := filepath.Join(*dir, "hlog")

	dev := device.NewSegmentedFile(base, hlog.DefaultSegmentSizeBits)
	cm := commitstore.NewLocalFile(base + ".commit")

	settings := hlog.DefaultSettings(dev)
	log, err := hlog.Open(settings, hlog.WithCommitManager(cm), hlog.WithLogger(logger))
	if err != nil {
		logger.Error("failed to open log", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	switch {
	case *doAppend:
		runAppend(ctx, log, logger)
	case *doScan:
		runScan(log, logger)
	}

	if err := log.Dispose(); err != nil {
		logger.Error("failed to dispose log", "error", err)
		os.Exit(1)
	}

	snap := log.MetricsSnapshot()
	fmt.Printf("appends=%d bytes=%d flushes=%d commits=%d scanned=%d backpressure_retries=%d\n",
		snap.AppendOps, snap.AppendBytes, snap.FlushOps, snap.CommitOps, snap.ScanRecords, snap.BackpressureRetries)
}

func runAppend(ctx context.Context, log *hlog.Log, logger *logging.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	count := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		addr, err := log.Append(line)
		if err != nil {
			logger.Error("append failed", "error", err)
			continue
		}
		count++
		logger.Debug("appended line", "addr", addr, "length", len(line))
	}
	if err := scanner.Err(); err != nil {
		logger.Error("reading stdin failed", "error", err)
	}
	if err := log.FlushAndCommit(true); err != nil {
		logger.Error("commit on EOF failed", "error", err)
	}
	logger.Info("append finished", "count", count, "committed_until", log.CommittedUntilAddress())
}

func runScan(log *hlog.Log, logger *logging.Logger) {
	it, err := log.Scan(log.BeginAddress(), log.CommittedUntilAddress(), hlog.ScanOptions{})
	if err != nil {
		logger.Error("scan failed to start", "error", err)
		return
	}
	defer it.Close()

	for {
		payload, length, addr, _, ok := it.GetNext()
		if !ok {
			break
		}
		fmt.Printf("%d\t%d\t%s\n", addr, length, payload)
	}
}
