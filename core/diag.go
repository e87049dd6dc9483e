package core

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Severity ranks a diagnostic.
type Severity int

const (
	SeverityNote Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityNote:
		return "note"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	}
	return "unknown"
}

// Diagnostic is a side-channel message produced by the data path. Diagnostics
// never abort ingestion; malformed input degrades to null or string fields.
type Diagnostic struct {
	Severity Severity
	Message  string
	Notes    []string
}

// Diagnosticf builds a diagnostic with a formatted message.
func Diagnosticf(sev Severity, format string, args ...any) Diagnostic {
	return Diagnostic{Severity: sev, Message: fmt.Sprintf(format, args...)}
}

// WithNote appends a note line to the diagnostic.
func (d Diagnostic) WithNote(format string, args ...any) Diagnostic {
	d.Notes = append(d.Notes, fmt.Sprintf(format, args...))
	return d
}

// DiagnosticHandler receives diagnostics from builders and operators.
type DiagnosticHandler interface {
	Emit(Diagnostic)
}

// LogDiagnostics forwards diagnostics to a logrus entry.
type LogDiagnostics struct {
	Entry *logrus.Entry
}

// Emit implements DiagnosticHandler.
func (l *LogDiagnostics) Emit(d Diagnostic) {
	entry := l.Entry
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	if len(d.Notes) > 0 {
		entry = entry.WithField("notes", d.Notes)
	}
	switch d.Severity {
	case SeverityError:
		entry.Error(d.Message)
	case SeverityWarning:
		entry.Warn(d.Message)
	default:
		entry.Info(d.Message)
	}
}

// CollectingDiagnostics buffers diagnostics for inspection, mostly in tests
// and pipeline sinks.
type CollectingDiagnostics struct {
	mu    sync.Mutex
	diags []Diagnostic
}

// Emit implements DiagnosticHandler.
func (c *CollectingDiagnostics) Emit(d Diagnostic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diags = append(c.diags, d)
}

// Drain returns and clears the buffered diagnostics.
func (c *CollectingDiagnostics) Drain() []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.diags
	c.diags = nil
	return out
}

// Warnings returns the buffered warnings without clearing them.
func (c *CollectingDiagnostics) Warnings() []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Diagnostic
	for _, d := range c.diags {
		if d.Severity == SeverityWarning {
			out = append(out, d)
		}
	}
	return out
}

// discardDiagnostics drops everything. Used when a caller passes nil.
type discardDiagnostics struct{}

func (discardDiagnostics) Emit(Diagnostic) {}

func orDiscard(dh DiagnosticHandler) DiagnosticHandler {
	if dh == nil {
		return discardDiagnostics{}
	}
	return dh
}
