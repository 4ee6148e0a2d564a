package hub

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linnemanlabs/erwatch/internal/sla"
	"github.com/linnemanlabs/erwatch/internal/tracker"
)

func event(id string, p sla.Priority) tracker.Event {
	return tracker.Event{
		ID:          id,
		Type:        tracker.EventSLAWarning,
		RequestID:   id,
		CaseID:      "case-1",
		RequestType: sla.TypeImaging,
		Priority:    p,
		Status:      sla.StatusWarning,
	}
}

func TestPublish_DeliversToMatchingSubscribers(t *testing.T) {
	t.Parallel()

	h := New(4)
	all, cancelAll := h.Subscribe(Filter{})
	defer cancelAll()
	crit, cancelCrit := h.Subscribe(Filter{Priority: sla.PriorityCritical})
	defer cancelCrit()

	_ = h.Publish(context.Background(), event("a", sla.PriorityStable))
	_ = h.Publish(context.Background(), event("b", sla.PriorityCritical))

	if got := len(all.C); got != 2 {
		t.Errorf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(crit.C); got != 1 {
		t.Fatalf("critical subscriber got %d events, want 1", got)
	}
	if ev := <-crit.C; ev.ID != "b" {
		t.Errorf("critical subscriber got %q, want b", ev.ID)
	}
}

func TestPublish_DropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := New(1)
	drops := 0
	h.OnDrop(func() { drops++ })
	sub, cancel := h.Subscribe(Filter{})
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		if err := h.Publish(context.Background(), event(id, sla.PriorityUrgent)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	if h.Dropped() != 2 || drops != 2 {
		t.Errorf("Dropped() = %d, hook calls = %d, want 2", h.Dropped(), drops)
	}
	if ev := <-sub.C; ev.ID != "a" {
		t.Errorf("buffered event = %q, want a", ev.ID)
	}
}

func TestSubscribe_CancelIsIdempotent(t *testing.T) {
	t.Parallel()

	h := New(0)
	sub, cancel := h.Subscribe(Filter{})
	if h.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", h.Len())
	}
	cancel()
	cancel()
	if h.Len() != 0 {
		t.Errorf("Len() after cancel = %d, want 0", h.Len())
	}
	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed after cancel")
	}
	// publishing after cancel must not panic on the closed channel
	_ = h.Publish(context.Background(), event("x", sla.PriorityStable))
}

func TestFilter(t *testing.T) {
	t.Parallel()

	ev := event("a", sla.PriorityUrgent)
	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty", Filter{}, true},
		{"priority match", Filter{Priority: sla.PriorityUrgent}, true},
		{"priority mismatch", Filter{Priority: sla.PriorityStable}, false},
		{"type mismatch", Filter{RequestType: sla.TypeLab}, false},
		{"case match", Filter{CaseID: "case-1", RequestType: sla.TypeImaging}, true},
		{"case mismatch", Filter{CaseID: "case-2"}, false},
	}
	for _, tt := range tests {
		if got := tt.f.match(ev); got != tt.want {
			t.Errorf("%s: match = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSSEHandler_StreamsEvents(t *testing.T) {
	t.Parallel()

	h := New(4)
	srv := httptest.NewServer(h.SSEHandler(time.Hour))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?priority=critical", http.NoBody)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = h.Publish(ctx, event("skip", sla.PriorityStable))
	_ = h.Publish(ctx, event("01JX:sla_warning", sla.PriorityCritical))

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}

	if len(lines) != 3 {
		t.Fatalf("frame = %q, want id/event/data lines", lines)
	}
	if lines[0] != "id: 01JX:sla_warning" || lines[1] != "event: sla_warning" {
		t.Errorf("frame header = %q", lines[:2])
	}
	if !strings.HasPrefix(lines[2], "data: {") || !strings.Contains(lines[2], `"priority":"critical"`) {
		t.Errorf("data line = %q", lines[2])
	}
}

func TestSSEHandler_RejectsUnknownPriority(t *testing.T) {
	t.Parallel()

	h := New(1)
	rec := httptest.NewRecorder()
	h.SSEHandler(0).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?priority=whenever", http.NoBody))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if h.Len() != 0 {
		t.Error("rejected request should not subscribe")
	}
}

func TestWSHandler_StreamsEvents(t *testing.T) {
	t.Parallel()

	h := New(4)
	srv := httptest.NewServer(h.WSHandler(time.Hour, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?request_type=imaging"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	lab := event("lab-1", sla.PriorityCritical)
	lab.RequestType = sla.TypeLab
	_ = h.Publish(context.Background(), lab)
	_ = h.Publish(context.Background(), event("img-1", sla.PriorityUrgent))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got tracker.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != "img-1" || got.Type != tracker.EventSLAWarning {
		t.Errorf("event = %+v, want img-1 warning", got)
	}

	_ = conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for h.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after client closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSHandler_RejectsCrossOrigin(t *testing.T) {
	t.Parallel()

	h := New(1)
	srv := httptest.NewServer(h.WSHandler(0, nil))
	defer srv.Close()

	hdr := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), hdr)
	if err == nil {
		t.Fatal("expected handshake failure for foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}
