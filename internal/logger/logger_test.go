//go:build !integration

package logger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_LogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	cfg := &domain.Config{
		Version: "1.0.0",
		Logging: domain.LoggingConfig{Level: "INFO", Path: dir, MaxFileSize: 1, MaxBackupCount: 1},
	}

	l, ok := New(cfg).(*DefaultLogger)
	require.True(t, ok)
	assert.DirExists(t, dir)
	require.NotNil(t, l.lumberjackLog)
	assert.Equal(t, zerolog.InfoLevel, l.level)
	assert.Contains(t, l.lumberjackLog.Filename, "kura-")
}

func TestCheckRotate(t *testing.T) {
	dir := t.TempDir()
	cfg := &domain.Config{Version: "1.0.0", Logging: domain.LoggingConfig{Level: "DEBUG", Path: dir}}
	l := New(cfg).(*DefaultLogger)

	l.now = func() time.Time { return time.Date(2031, 1, 2, 0, 0, 1, 0, time.Local) }
	l.Info().Msg("after midnight")

	assert.Equal(t, "2031-01-02", l.currentDate)
	assert.Equal(t, filepath.Join(dir, "kura-2031-01-02.log"), l.lumberjackLog.Filename)
}

func TestSetLogLevel(t *testing.T) {
	l := New(&domain.Config{Version: "dev"}).(*DefaultLogger)

	cases := map[string]zerolog.Level{
		"INFO":    zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		"ERROR":   zerolog.ErrorLevel,
		"WARN":    zerolog.WarnLevel,
		"TRACE":   zerolog.TraceLevel,
		"INVALID": zerolog.Disabled,
	}
	for input, want := range cases {
		l.SetLogLevel(input)
		assert.Equal(t, want, l.level, input)
		assert.Equal(t, want, l.log.GetLevel(), input)
	}
}

func TestRegisterSSEWriter(t *testing.T) {
	pub := &mockSSE{}
	l := New(&domain.Config{Version: "1.0.0", Logging: domain.LoggingConfig{Level: "DEBUG"}})

	l.RegisterSSEWriter(pub)
	l.Warn().Str("cache", "kura-v1").Msg("deleted")

	require.NotNil(t, pub.lastPublishedEvent)
	assert.Equal(t, LogStream, pub.lastPublishedTopic)
	assert.Contains(t, string(pub.lastPublishedEvent.Data), "cache=kura-v1")
}

func TestMock(t *testing.T) {
	l := Mock()
	require.NotNil(t, l)

	assert.NotPanics(t, func() {
		l.Log().Msg("x")
		l.Error().Msg("x")
		l.Err(nil).Msg("x")
		l.Warn().Msg("x")
		l.Info().Msg("x")
		l.Debug().Msg("x")
		l.Trace().Msg("x")
		sub := l.With().Str("module", "test").Logger()
		sub.Info().Msg("x")
	})
}

var _ SSEPublisher = (*sse.Server)(nil)
