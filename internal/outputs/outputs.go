// Package outputs publishes job output values (launch template id, fleet
// id, instance id, label) so the stop invocation can pick them up.
//
// On GitHub Actions values are appended to the file named by GITHUB_OUTPUT
// as name=value lines.  Elsewhere they are printed to stdout in the same
// format.
package outputs

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// EnvVar names the file GitHub Actions reads step outputs from.
const EnvVar = "GITHUB_OUTPUT"

// Writer appends name=value lines to an output sink.
type Writer struct {
	mu     sync.Mutex
	path   string
	stdout io.Writer
	logger *slog.Logger
}

// New returns a Writer appending to path.  An empty path writes to stdout.
func New(path string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Writer{path: path, stdout: os.Stdout, logger: logger}
}

// FromEnv returns a Writer for the file named by GITHUB_OUTPUT.
func FromEnv(logger *slog.Logger) *Writer {
	return New(os.Getenv(EnvVar), logger)
}

// Set publishes one output value.  Newlines are rejected because the
// name=value format cannot carry them.
func (w *Writer) Set(name, value string) error {
	if strings.ContainsAny(name, "=\n") || strings.Contains(value, "\n") {
		return fmt.Errorf("output %q: name or value contains an invalid character", name)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	line := name + "=" + value + "\n"
	if w.path == "" {
		_, err := io.WriteString(w.stdout, line)
		return err
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening output file %s: %w", w.path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("writing output %s: %w", name, err)
	}
	w.logger.Debug("output set", slog.String("name", name), slog.String("value", value))
	return nil
}

// Report is a provisioner reporter: it publishes the value and logs, but
// does not fail, when the write is rejected.
func (w *Writer) Report(name, value string) {
	if err := w.Set(name, value); err != nil {
		w.logger.Error("failed to set output",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	}
}
