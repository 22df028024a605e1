package mrf

import (
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logLine struct {
	level string
	msg   string
	args  []any
}

// recordingLogger is a Logger that is not a *slog.Logger.
type recordingLogger struct {
	mu    sync.Mutex
	lines []logLine
}

func (l *recordingLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.add("error", msg, args) }

func (l *recordingLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{level: level, msg: msg, args: args})
}

func (l *recordingLogger) all() []logLine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logLine(nil), l.lines...)
}

func TestSlogFrom_PassesSlogThrough(t *testing.T) {
	sl := testLogger()
	assert.Same(t, sl, slogFrom(sl))
}

func TestSlogFrom_ForwardsToLogger(t *testing.T) {
	rec := &recordingLogger{}
	sl := slogFrom(rec)

	sl.Debug("dropped", "k", 1)
	sl.Info("connected", "url", "ws://ms1")
	sl.Warn("reconnecting", "attempt", 2)
	sl.Error("dial failed", "error", errors.New("refused"))

	lines := rec.all()
	require.Len(t, lines, 3)
	assert.Equal(t, logLine{level: "info", msg: "connected", args: []any{"url", "ws://ms1"}}, lines[0])
	assert.Equal(t, logLine{level: "info", msg: "reconnecting", args: []any{"attempt", int64(2)}}, lines[1])
	assert.Equal(t, "error", lines[2].level)
	assert.Equal(t, "dial failed", lines[2].msg)
	require.Len(t, lines[2].args, 2)
	assert.Equal(t, "error", lines[2].args[0])
	assert.EqualError(t, lines[2].args[1].(error), "refused")
}

func TestSlogFrom_AttrsAndGroups(t *testing.T) {
	rec := &recordingLogger{}
	sl := slogFrom(rec).With("app", "astmrf").WithGroup("ari").With("host", "ms1")

	sl.Info("event", "type", "StasisStart", slog.Group("channel", "id", "1.1"))

	lines := rec.all()
	require.Len(t, lines, 1)
	assert.Equal(t, []any{
		"app", "astmrf",
		"ari.host", "ms1",
		"ari.type", "StasisStart",
		"ari.channel.id", "1.1",
	}, lines[0].args)
}
