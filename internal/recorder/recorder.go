// Package recorder persists one row per deployment attempt.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Record is the outcome of one deployment or uninstall.
type Record struct {
	ID           string
	Serial       string
	Package      string
	Mode         string
	Strategy     string
	State        string
	Outcome      string
	FailedStep   string
	Error        string
	ChangedPaths []string
	FellBack     bool
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Duration is FinishedAt - StartedAt, or zero when either is unset.
func (r Record) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the attempt reached the completed state.
func (r Record) Succeeded() bool {
	return strings.EqualFold(r.State, "completed")
}

// Recorder stores deployment records.
type Recorder interface {
	Name() string
	Record(ctx context.Context, rec Record) error
	Close() error
}

// Noop is the default implementation when recording is disabled.
type Noop struct{}

func (Noop) Name() string                         { return "noop" }
func (Noop) Record(context.Context, Record) error { return nil }
func (Noop) Close() error                         { return nil }

// Multi fans a record out to every sink, joining their errors.
type Multi []Recorder

func (m Multi) Name() string {
	names := make([]string, 0, len(m))
	for _, sink := range m {
		if sink != nil {
			names = append(names, sink.Name())
		}
	}
	return strings.Join(names, "+")
}

func (m Multi) Record(ctx context.Context, rec Record) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, rec); err != nil {
			errs = append(errs, pkgerrors.Wrap(err, fmt.Sprintf("%s record failed", sink.Name())))
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Close(); err != nil {
			errs = append(errs, pkgerrors.Wrap(err, fmt.Sprintf("%s close failed", sink.Name())))
		}
	}
	return errors.Join(errs...)
}
