package database

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealdb/internal/shared/testutil"
)

func TestLinearBackoff(t *testing.T) {
	b := linearBackoff(time.Second)
	for _, want := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		got, stop := b.Next()
		assert.False(t, stop)
		assert.Equal(t, want, got)
	}
}

func TestAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "new.tmp")
	dst := filepath.Join(dir, "seek.db")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0600))
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0600))
	require.NoError(t, os.WriteFile(dst+"-journal", []byte("stale"), 0600))

	logger, _ := testutil.NewTestLogger(t)
	require.NoError(t, atomicReplace(context.Background(), src, dst, 3, time.Millisecond, logger))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.NoFileExists(t, src)
	assert.NoFileExists(t, dst+"-journal")
}

func TestAtomicReplaceGivesUp(t *testing.T) {
	dir := t.TempDir()
	logger, handler := testutil.NewTestLogger(t)

	err := atomicReplace(context.Background(), filepath.Join(dir, "missing.tmp"), filepath.Join(dir, "seek.db"), 3, time.Millisecond, logger)
	require.Error(t, err)
	assert.Len(t, handler.GetRecordsByLevel(slog.LevelWarn), 3)
}
