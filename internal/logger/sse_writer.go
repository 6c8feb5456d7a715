package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"
)

// LogStream is the SSE stream log lines are published to.
const LogStream = "logs"

const defaultTimeFormat = "15:04:05"

// SSEPublisher is the part of *sse.Server the writer needs.
type SSEPublisher interface {
	Publish(id string, event *sse.Event)
}

type LogMessage struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (m LogMessage) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// SSEWriter renders zerolog JSON events like the console writer and
// publishes each line on the logs stream.
type SSEWriter struct {
	SSE        SSEPublisher
	TimeFormat string
	PartsOrder []string
}

func defaultPartsOrder() []string {
	return []string{
		zerolog.CallerFieldName,
		zerolog.MessageFieldName,
	}
}

func NewSSEWriter(pub SSEPublisher, options ...func(w *SSEWriter)) SSEWriter {
	w := SSEWriter{
		SSE:        pub,
		TimeFormat: defaultTimeFormat,
		PartsOrder: defaultPartsOrder(),
	}

	for _, opt := range options {
		opt(&w)
	}

	return w
}

func (w SSEWriter) Write(p []byte) (n int, err error) {
	if w.SSE == nil {
		return 0, nil
	}

	var evt map[string]interface{}
	d := json.NewDecoder(bytes.NewReader(p))
	d.UseNumber()
	if err := d.Decode(&evt); err != nil {
		return 0, fmt.Errorf("cannot decode event: %s", err)
	}

	buf := new(bytes.Buffer)
	for _, part := range w.PartsOrder {
		w.writePart(buf, evt, part)
	}
	w.writeFields(buf, evt)

	msg := LogMessage{
		Time:    defaultFormatTimestamp(w.TimeFormat)(evt[zerolog.TimestampFieldName]),
		Level:   defaultFormatLevel()(evt[zerolog.LevelFieldName]),
		Message: buf.String(),
	}

	data, err := msg.Bytes()
	if err != nil {
		return 0, fmt.Errorf("cannot encode log message: %s", err)
	}

	w.SSE.Publish(LogStream, &sse.Event{Data: data})

	return len(p), nil
}

func (w SSEWriter) writeFields(buf *bytes.Buffer, evt map[string]interface{}) {
	fields := make([]string, 0, len(evt))
	for field := range evt {
		switch field {
		case zerolog.LevelFieldName, zerolog.TimestampFieldName, zerolog.MessageFieldName, zerolog.CallerFieldName:
			continue
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)

	// error goes first
	for i, field := range fields {
		if field == zerolog.ErrorFieldName {
			fields = append([]string{field}, append(fields[:i:i], fields[i+1:]...)...)
			break
		}
	}

	for _, field := range fields {
		fn := defaultFormatFieldName()
		fv := defaultFormatFieldValue
		if field == zerolog.ErrorFieldName {
			fn = defaultFormatErrFieldName()
			fv = defaultFormatErrFieldValue()
		}

		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(fn(field))

		switch value := evt[field].(type) {
		case string:
			if needsQuote(value) {
				buf.WriteString(fv(strconv.Quote(value)))
			} else {
				buf.WriteString(fv(value))
			}
		case json.Number:
			buf.WriteString(fv(value))
		default:
			b, err := json.Marshal(value)
			if err != nil {
				fmt.Fprintf(buf, "[error: %v]", err)
			} else {
				buf.WriteString(fv(string(b)))
			}
		}
	}
}

func (w SSEWriter) writePart(buf *bytes.Buffer, evt map[string]interface{}, p string) {
	var f func(interface{}) string

	switch p {
	case zerolog.LevelFieldName:
		f = defaultFormatLevel()
	case zerolog.TimestampFieldName:
		f = defaultFormatTimestamp(w.TimeFormat)
	case zerolog.MessageFieldName:
		f = defaultFormatMessage
	case zerolog.CallerFieldName:
		f = defaultFormatCaller()
	default:
		f = defaultFormatFieldValue
	}

	s := f(evt[p])
	if len(s) == 0 {
		return
	}
	if buf.Len() > 0 {
		buf.WriteByte(' ')
	}
	buf.WriteString(s)
}

func needsQuote(s string) bool {
	for i := range s {
		if s[i] < 0x20 || s[i] > 0x7e || s[i] == ' ' || s[i] == '\\' || s[i] == '"' {
			return true
		}
	}
	return false
}

func defaultFormatTimestamp(timeFormat string) func(interface{}) string {
	if timeFormat == "" {
		timeFormat = defaultTimeFormat
	}
	return func(i interface{}) string {
		switch tt := i.(type) {
		case string:
			ts, err := time.Parse(zerolog.TimeFieldFormat, tt)
			if err != nil {
				return tt
			}
			return ts.Local().Format(timeFormat)
		case json.Number:
			n, err := tt.Int64()
			if err != nil {
				return tt.String()
			}
			var ts time.Time
			switch zerolog.TimeFieldFormat {
			case zerolog.TimeFormatUnixMs:
				ts = time.UnixMilli(n)
			case zerolog.TimeFormatUnixMicro:
				ts = time.UnixMicro(n)
			default:
				ts = time.Unix(n, 0)
			}
			return ts.Local().Format(timeFormat)
		}
		return "<nil>"
	}
}

func defaultFormatLevel() func(interface{}) string {
	return func(i interface{}) string {
		ll, ok := i.(string)
		if !ok {
			return "???"
		}
		switch ll {
		case zerolog.LevelTraceValue:
			return "TRC"
		case zerolog.LevelDebugValue:
			return "DBG"
		case zerolog.LevelInfoValue:
			return "INF"
		case zerolog.LevelWarnValue:
			return "WRN"
		case zerolog.LevelErrorValue:
			return "ERR"
		case zerolog.LevelFatalValue:
			return "FTL"
		case zerolog.LevelPanicValue:
			return "PNC"
		}
		return ll
	}
}

func defaultFormatCaller() func(interface{}) string {
	return func(i interface{}) string {
		c, _ := i.(string)
		if c == "" {
			return ""
		}
		if cwd, err := os.Getwd(); err == nil {
			if rel, err := filepath.Rel(cwd, c); err == nil && !strings.HasPrefix(rel, "..") {
				c = rel
			}
		}
		return c + " >"
	}
}

func defaultFormatMessage(i interface{}) string {
	if i == nil {
		return ""
	}
	return fmt.Sprintf("%s", i)
}

func defaultFormatFieldName() func(interface{}) string {
	return func(i interface{}) string {
		return fmt.Sprintf("%s=", i)
	}
}

func defaultFormatFieldValue(i interface{}) string {
	return fmt.Sprintf("%s", i)
}

func defaultFormatErrFieldName() func(interface{}) string {
	return func(i interface{}) string {
		return fmt.Sprintf("%s=", i)
	}
}

func defaultFormatErrFieldValue() func(interface{}) string {
	return func(i interface{}) string {
		return fmt.Sprintf("%s=", i)
	}
}
