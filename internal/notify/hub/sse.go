package hub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/erwatch/internal/sla"
)

// DefaultHeartbeat is how often an idle stream gets a keepalive comment.
const DefaultHeartbeat = 25 * time.Second

// SSEHandler streams hub events as text/event-stream. Query parameters
// priority, request_type and case_id narrow the stream.
func (h *Hub) SSEHandler(heartbeat time.Duration) http.HandlerFunc {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		L := log.FromContext(ctx)

		rc := http.NewResponseController(w)

		f, ok := filterFromQuery(w, r)
		if !ok {
			return
		}

		// streams outlive the server write timeout
		_ = rc.SetWriteDeadline(time.Time{})

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		if err := rc.Flush(); err != nil {
			L.Warn(ctx, "sse flush unsupported", "err", err)
			return
		}

		sub, cancel := h.Subscribe(f)
		defer cancel()
		L.Info(ctx, "sse subscriber connected", "subscriber", sub.ID, "subscribers", h.Len())

		tick := time.NewTicker(heartbeat)
		defer tick.Stop()

		for {
			select {
			case <-ctx.Done():
				L.Info(ctx, "sse subscriber disconnected", "subscriber", sub.ID)
				return
			case <-tick.C:
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					L.Error(ctx, err, "marshal sse event", "event_id", ev.ID)
					continue
				}
				if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data); err != nil {
					return
				}
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// filterFromQuery reads the stream filter from r, answering 400 when it
// is invalid.
func filterFromQuery(w http.ResponseWriter, r *http.Request) (Filter, bool) {
	q := r.URL.Query()
	f := Filter{
		Priority:    sla.Priority(q.Get("priority")),
		RequestType: sla.RequestType(q.Get("request_type")),
		CaseID:      q.Get("case_id"),
	}
	if f.Priority != "" && !f.Priority.Valid() {
		http.Error(w, "unknown priority", http.StatusBadRequest)
		return Filter{}, false
	}
	return f, true
}
