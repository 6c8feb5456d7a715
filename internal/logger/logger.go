package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flurbudurbur/Kura/internal/domain"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger interface
type Logger interface {
	Log() *zerolog.Event
	Fatal() *zerolog.Event
	Err(err error) *zerolog.Event
	Error() *zerolog.Event
	Warn() *zerolog.Event
	Info() *zerolog.Event
	Trace() *zerolog.Event
	Debug() *zerolog.Event
	With() zerolog.Context
	RegisterSSEWriter(pub SSEPublisher)
	SetLogLevel(level string)
}

// DefaultLogger default logging controller
type DefaultLogger struct {
	mu            sync.Mutex
	log           zerolog.Logger
	level         zerolog.Level
	writers       []io.Writer
	logDir        string
	currentDate   string
	lumberjackLog *lumberjack.Logger
	now           func() time.Time
}

func New(cfg *domain.Config) Logger {
	l := &DefaultLogger{
		writers:     make([]io.Writer, 0),
		level:       zerolog.DebugLevel,
		now:         time.Now,
		currentDate: time.Now().Format("2006-01-02"),
	}

	// use pretty logging for dev only
	if cfg.Version == "dev" {
		l.writers = append(l.writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		l.writers = append(l.writers, os.Stderr)
	}

	if cfg.Logging.Path != "" {
		l.logDir = cfg.Logging.Path
		if _, err := os.Stat(l.logDir); os.IsNotExist(err) {
			if err := os.MkdirAll(l.logDir, 0755); err != nil {
				fmt.Printf("Failed to create log directory: %v\n", err)
			}
		}

		l.lumberjackLog = &lumberjack.Logger{
			Filename:   l.logFilename(),
			MaxSize:    cfg.Logging.MaxFileSize,
			MaxBackups: cfg.Logging.MaxBackupCount,
		}

		l.writers = append(l.writers, l.lumberjackLog)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	l.SetLogLevel(cfg.Logging.Level)

	return l
}

func (l *DefaultLogger) logFilename() string {
	return filepath.Join(l.logDir, fmt.Sprintf("kura-%s.log", l.currentDate))
}

// rebuild must be called with mu held.
func (l *DefaultLogger) rebuild() {
	l.log = zerolog.New(io.MultiWriter(l.writers...)).Level(l.level).With().Stack().Logger()
}

// RegisterSSEWriter tees every log line to the logs stream.
func (l *DefaultLogger) RegisterSSEWriter(pub SSEPublisher) {
	l.mu.Lock()
	l.writers = append(l.writers, NewSSEWriter(pub))
	l.rebuild()
	l.mu.Unlock()

	l.Info().Msg("SSE writer registered for logging")
}

// checkRotate starts a new dated log file once the day changes.
func (l *DefaultLogger) checkRotate() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lumberjackLog == nil || l.logDir == "" {
		return
	}

	today := l.now().Format("2006-01-02")
	if today == l.currentDate {
		return
	}

	l.currentDate = today
	_ = l.lumberjackLog.Close()
	l.lumberjackLog.Filename = l.logFilename()
}

func (l *DefaultLogger) SetLogLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch level {
	case "INFO":
		l.level = zerolog.InfoLevel
	case "DEBUG":
		l.level = zerolog.DebugLevel
	case "ERROR":
		l.level = zerolog.ErrorLevel
	case "WARN":
		l.level = zerolog.WarnLevel
	case "TRACE":
		l.level = zerolog.TraceLevel
	default:
		l.level = zerolog.Disabled
	}

	l.rebuild()
}

func (l *DefaultLogger) logger() *zerolog.Logger {
	l.checkRotate()

	l.mu.Lock()
	defer l.mu.Unlock()
	lg := l.log
	return &lg
}

// Log log something without a level.
func (l *DefaultLogger) Log() *zerolog.Event {
	return l.logger().Log().Timestamp()
}

// Fatal log something at fatal level. This will exit!
func (l *DefaultLogger) Fatal() *zerolog.Event {
	return l.logger().Fatal().Timestamp()
}

// Error log something at Error level
func (l *DefaultLogger) Error() *zerolog.Event {
	return l.logger().Error().Timestamp()
}

// Err log something at Err level
func (l *DefaultLogger) Err(err error) *zerolog.Event {
	return l.logger().Err(err).Timestamp()
}

// Warn log something at warning level.
func (l *DefaultLogger) Warn() *zerolog.Event {
	return l.logger().Warn().Timestamp()
}

// Info log something at info level.
func (l *DefaultLogger) Info() *zerolog.Event {
	return l.logger().Info().Timestamp()
}

// Debug log something at debug level.
func (l *DefaultLogger) Debug() *zerolog.Event {
	return l.logger().Debug().Timestamp()
}

// Trace log something at trace level.
func (l *DefaultLogger) Trace() *zerolog.Event {
	return l.logger().Trace().Timestamp()
}

// With log with context
func (l *DefaultLogger) With() zerolog.Context {
	return l.logger().With().Timestamp()
}
