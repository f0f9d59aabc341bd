package testutil

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBufferedSlogHandler(t *testing.T) {
	logger, handler := NewTestLogger(t)

	logger.With("component", "keys").Info("key created", "store", "registry")
	logger.Warn("store write failed")
	logger.WithGroup("db").Error("open failed", "path", "x.db")

	assert.Equal(t, 3, handler.Count())
	assert.True(t, handler.ContainsMessage("key created"))
	assert.True(t, handler.ContainsAttr("component", "keys"))
	assert.True(t, handler.ContainsAttr("db.path", "x.db"))
	assert.Len(t, handler.GetRecordsByLevel(slog.LevelWarn), 1)
	AssertLogContains(t, handler, slog.LevelInfo, "key created")
	AssertNoSecrets(t, handler, "super-secret")
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)
	assert.Equal(t, start, c.Now())
	c.Advance(31 * time.Minute)
	assert.Equal(t, start.Add(31*time.Minute), c.Now())
}
