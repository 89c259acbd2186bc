package utils

import (
	"time"

	"github.com/rs/zerolog"
)

// Timer measures the wall-clock duration of a named operation.
type Timer struct {
	start time.Time
	name  string
	log   zerolog.Logger
}

// NewTimer starts a timer for the given operation name.
func NewTimer(name string, log zerolog.Logger) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
		log:   log,
	}
}

// Stop logs the elapsed duration and returns it. Slow operations escalate
// the log level (Info above 10s, Warn above 30s) so they surface without
// debug logging enabled.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)

	event := t.log.Debug()
	switch {
	case elapsed > 30*time.Second:
		event = t.log.Warn()
	case elapsed > 10*time.Second:
		event = t.log.Info()
	}
	event.
		Str("operation", t.name).
		Dur("elapsed", elapsed).
		Msg("Operation timed")

	return elapsed
}

// OperationTimer provides a defer-friendly way to measure operation duration
//
// Usage:
//
//	func MyFunction() {
//	    defer utils.OperationTimer("my_function", log)()
//	}
func OperationTimer(operation string, log zerolog.Logger) func() {
	t := NewTimer(operation, log)
	return func() { t.Stop() }
}
