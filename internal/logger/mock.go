package logger

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Mock returns a logger that discards everything.
func Mock() Logger {
	l := &DefaultLogger{
		writers:     []io.Writer{io.Discard},
		level:       zerolog.Disabled,
		now:         time.Now,
		currentDate: "2006-01-02",
	}
	l.rebuild()

	return l
}
