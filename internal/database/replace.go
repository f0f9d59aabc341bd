package database

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sethvargo/go-retry"
)

// linearBackoff waits step, 2*step, 3*step...
func linearBackoff(step time.Duration) retry.Backoff {
	var attempt int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return time.Duration(attempt) * step, false
	})
}

// atomicReplace moves src over dst: fsync src, rename, fsync the directory.
func atomicReplace(ctx context.Context, src, dst string, attempts uint64, step time.Duration, logger *slog.Logger) error {
	if attempts == 0 {
		attempts = 1
	}
	b := retry.WithMaxRetries(attempts-1, linearBackoff(step))

	var attempt int
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if err := replaceOnce(src, dst); err != nil {
			logger.WarnContext(ctx, "Failed to replace database file",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		return nil
	})
}

func replaceOnce(src, dst string) error {
	if err := syncFile(src); err != nil {
		return fmt.Errorf("sync %s: %w", filepath.Base(src), err)
	}
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	for _, side := range []string{dst + "-journal", dst + "-wal", dst + "-shm"} {
		_ = os.Remove(side)
	}
	return syncDir(filepath.Dir(dst))
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
