package hub

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/linnemanlabs/go-core/log"
)

const wsWriteWait = 10 * time.Second

// WSHandler streams hub events to WebSocket clients as JSON text frames,
// with the same query filters as SSEHandler. Incoming messages are
// ignored; the read side only watches for the client going away. A nil
// checkOrigin allows same-origin requests only.
func (h *Hub) WSHandler(heartbeat time.Duration, checkOrigin func(*http.Request) bool) http.HandlerFunc {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		L := log.FromContext(ctx)

		f, ok := filterFromQuery(w, r)
		if !ok {
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the error response
			L.Warn(ctx, "websocket upgrade failed", "err", err)
			return
		}
		defer func() { _ = conn.Close() }()

		sub, cancel := h.Subscribe(f)
		defer cancel()
		L.Info(ctx, "websocket subscriber connected", "subscriber", sub.ID, "subscribers", h.Len())

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			conn.SetReadLimit(512)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		tick := time.NewTicker(heartbeat)
		defer tick.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-gone:
				L.Info(ctx, "websocket subscriber disconnected", "subscriber", sub.ID)
				return
			case <-tick.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}
}
