// Package notify delivers tracker events to every configured sink.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/linnemanlabs/erwatch/internal/tracker"
)

// Sink is a named publisher.
type Sink struct {
	Name      string
	Publisher tracker.Publisher
}

// Fanout delivers each event to all sinks in order. A failing sink does not
// stop delivery to the others; the errors are joined.
type Fanout struct {
	sinks []Sink
}

// NewFanout returns a Fanout over sinks, skipping nil publishers.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s.Publisher != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Names lists the active sinks.
func (f *Fanout) Names() []string {
	out := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		out[i] = s.Name
	}
	return out
}

// Publish implements tracker.Publisher.
func (f *Fanout) Publish(ctx context.Context, ev tracker.Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publisher.Publish(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}
