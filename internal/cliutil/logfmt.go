package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Paintersrp/procbind/internal/logmux"
)

// LogRecord represents a line of child output ready for JSON encoding.
type LogRecord struct {
	Timestamp time.Time `json:"ts"`
	Process   string    `json:"process"`
	Pid       int       `json:"pid,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	Source    string    `json:"source"`
}

// NewLogRecord converts a muxed line into a structured log record with
// secrets masked.
func NewLogRecord(line logmux.Line) LogRecord {
	level := line.Level
	if level == "" || level == "info" {
		if inferred := inferLogLevel(line.Message); inferred != "" {
			level = inferred
		} else if level == "" {
			level = "info"
		}
	}
	source := line.Source
	if source == "" {
		source = logmux.SourceSystem
	}
	return LogRecord{
		Timestamp: line.Timestamp,
		Process:   line.Process,
		Pid:       line.Pid,
		Level:     level,
		Message:   RedactSecrets(line.Message),
		Source:    source,
	}
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|info)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn":
		return "warn"
	case "info":
		return "info"
	default:
		return ""
	}
}

// EncodeLine encodes a line to JSON, reporting errors to stderr if needed.
func EncodeLine(enc *json.Encoder, stderr io.Writer, line logmux.Line) {
	if enc == nil {
		return
	}
	record := NewLogRecord(line)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode log: %v\n", err)
	}
}

// TextLine renders a line for humans. Raw lines are passed through
// unprefixed so that a single child's output looks like running it directly.
func TextLine(line logmux.Line, prefix bool) string {
	msg := RedactSecrets(line.Message)
	if line.Source == logmux.SourceSystem {
		return fmt.Sprintf("[%s] %s: %s", logmux.SourceSystem, line.Level, msg)
	}
	if !prefix {
		return msg
	}
	return fmt.Sprintf("[%s:%d %s] %s", line.Process, line.Pid, line.Source, msg)
}
