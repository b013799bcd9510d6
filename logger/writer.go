package logger

import (
	"fmt"
	"os"
	"time"
)

// LogWriter is the sink for formatted log lines. Implement it to route
// logs through a platform facility instead of stderr.
type LogWriter interface {
	Write(level LogLevel, timestamp time.Time, message string)
}

// StandardWriter writes timestamped lines to a file, stderr by default.
type StandardWriter struct {
	output *os.File
}

// NewStandardWriter creates a writer targeting stderr.
func NewStandardWriter() *StandardWriter {
	return &StandardWriter{output: os.Stderr}
}

// SetOutput redirects the writer.
func (w *StandardWriter) SetOutput(output *os.File) {
	w.output = output
}

// Write implements the LogWriter interface.
func (w *StandardWriter) Write(level LogLevel, timestamp time.Time, message string) {
	formattedTime := timestamp.Format("2006/01/02 15:04:05")
	fmt.Fprintf(w.output, "%s: %s %s\n", level.String(), formattedTime, message)
}
