// Package logger configures the process-wide logrus logger shared by every
// Net Probe component.
//
// Components take an entry once, usually at construction:
//
//	log := logger.ForComponent("probe")
//
// Initialize reconfigures the same underlying logger in place, so entries
// taken before a logging reload pick up the new level, format and output.
package logger

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// ComponentField is the structured field naming the emitting component.
const ComponentField = "component"

const fileBufferSize = 64 * 1024

var (
	base = logrus.New()

	// mu guards logFile and serializes Initialize.
	mu      sync.Mutex
	logFile *bufferedFile
)

func init() {
	base.SetFormatter(newFormatterUnchecked("text"))
	base.SetOutput(os.Stdout)
	base.SetLevel(logrus.InfoLevel)
}

// Initialize applies level (debug, info, warn, error, fatal), format (json, text)
// and output (stdout, stderr, file) to the global logger. outputFile is required
// when output is "file". On error the logger is left unchanged. A log file opened
// by an earlier call is flushed and closed once the new output is in place.
func Initialize(level, format, output, outputFile string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	formatter, err := newFormatter(format)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	writer, file, err := openOutput(output, outputFile)
	if err != nil {
		return err
	}

	base.SetLevel(lvl)
	base.SetFormatter(formatter)
	base.SetOutput(writer)

	previous := logFile
	logFile = file
	if previous != nil {
		if err := previous.Close(); err != nil {
			base.WithError(err).Warn("Failed to close previous log file")
		}
	}
	return nil
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch format {
	case "json", "text":
		return newFormatterUnchecked(format), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: must be json or text", format)
	}
}

func newFormatterUnchecked(format string) logrus.Formatter {
	if format == "json" {
		return &logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"}
	}
	return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"}
}

func openOutput(output, path string) (io.Writer, *bufferedFile, error) {
	switch output {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	case "file":
		if path == "" {
			return nil, nil, fmt.Errorf("logFile must be specified when logOutput is 'file'")
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %q: %w", path, err)
		}
		bf := &bufferedFile{w: bufio.NewWriterSize(f, fileBufferSize), f: f}
		return bf, bf, nil
	default:
		return nil, nil, fmt.Errorf("invalid log output %q: must be stdout, stderr, or file", output)
	}
}

// bufferedFile is a log file behind a write buffer.
type bufferedFile struct {
	mu sync.Mutex
	w  *bufio.Writer
	f  *os.File
}

func (b *bufferedFile) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.w.Write(p)
}

func (b *bufferedFile) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.w.Flush()
}

// Close flushes the buffer and closes the file.
func (b *bufferedFile) Close() error {
	flushErr := b.Flush()
	closeErr := b.f.Close()
	if flushErr != nil {
		return fmt.Errorf("failed to flush log buffer: %w", flushErr)
	}
	return closeErr
}

// SetOutput redirects the global logger. Tests use it to capture or discard output.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// ForComponent returns an entry tagged with the component field.
func ForComponent(name string) *logrus.Entry {
	return base.WithField(ComponentField, name)
}

// GetLevel returns the current log level.
func GetLevel() logrus.Level {
	return base.GetLevel()
}

// Close flushes and closes the log file, if any, and sends further output to
// stderr. It is safe to call more than once.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile == nil {
		return nil
	}
	base.SetOutput(os.Stderr)
	err := logFile.Close()
	logFile = nil
	return err
}
