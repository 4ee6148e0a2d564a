package notify

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/linnemanlabs/erwatch/internal/tracker"
)

func TestFanout_DeliversToAll(t *testing.T) {
	t.Parallel()

	var got []string
	sink := func(name string, err error) Sink {
		return Sink{Name: name, Publisher: tracker.PublisherFunc(func(_ context.Context, ev tracker.Event) error {
			got = append(got, name+":"+ev.ID)
			return err
		})}
	}

	slackErr := errors.New("webhook returned 500")
	f := NewFanout(sink("slack", slackErr), Sink{Name: "nil"}, sink("hub", nil))

	if names := f.Names(); !slices.Equal(names, []string{"slack", "hub"}) {
		t.Errorf("Names() = %v", names)
	}

	err := f.Publish(context.Background(), tracker.Event{ID: "r1:sla_breach"})
	if !errors.Is(err, slackErr) {
		t.Fatalf("Publish error = %v, want wrapped slack error", err)
	}
	if !strings.HasPrefix(err.Error(), "slack: ") {
		t.Errorf("error = %q, want sink name prefix", err)
	}
	if !slices.Equal(got, []string{"slack:r1:sla_breach", "hub:r1:sla_breach"}) {
		t.Errorf("deliveries = %v", got)
	}
}

func TestFanout_Empty(t *testing.T) {
	t.Parallel()

	if err := NewFanout().Publish(context.Background(), tracker.Event{}); err != nil {
		t.Errorf("empty fanout Publish = %v", err)
	}
}
