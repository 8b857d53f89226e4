package http

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orchestrator/controlplane/internal/logbus"
)

// upgrader is grounded on the teacher's internal/webui/server.go
// websocket upgrader, adapted from a chat connection to a per-run log
// subscriber. Origin checking is left to the CORS middleware in front
// of this handler; the upgrader itself accepts any origin the edge
// already let through.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsPingInterval = 20 * time.Second

// streamLogsWS upgrades to a WebSocket and streams log/step events
// for a run until the client disconnects, the context is cancelled,
// or the subscriber's backlog overflows — the register/defer-unregister
// shape follows the teacher's SSEHandler.HandleSSEStream.
func (h *APIHandler) streamLogsWS(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := h.store.GetRun(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("http: websocket upgrade failed for run %s: %v", runID, err)
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe(runID)
	defer sub.Unsubscribe()

	ctx := r.Context()
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(wsEventPayload(ev)); err != nil {
				return
			}
		}
	}
}

type wsEvent struct {
	Kind string `json:"kind"`
	Log  any    `json:"log,omitempty"`
	Step any    `json:"step,omitempty"`
}

func wsEventPayload(ev logbus.Event) wsEvent {
	out := wsEvent{Kind: string(ev.Kind)}
	if ev.Log != nil {
		out.Log = ev.Log
	}
	if ev.Step != nil {
		out.Step = ev.Step
	}
	return out
}
