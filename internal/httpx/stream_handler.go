package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/ariefcatur/go-realtime-auctions/internal/auction"
	"github.com/ariefcatur/go-realtime-auctions/internal/broadcast"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"log/slog"
	"net/http"
	"time"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	sseHeartbeat = 15 * time.Second
)

type Subscriber interface {
	Subscribe(auctionID string) *broadcast.Subscription
}

type StateReader interface {
	CurrentState(ctx context.Context, auctionID string) (auction.State, error)
}

// StreamHandler serves live price updates over SSE and WebSocket. Every
// stream opens with a snapshot of the current state and ends once the
// auction is shown closed or cancelled.
type StreamHandler struct {
	Hub      Subscriber
	State    StateReader
	Upgrader websocket.Upgrader
}

// snapshot is the first frame on every stream.
type snapshot struct {
	Type string `json:"type"`
	auction.State
}

func (h *StreamHandler) Register(r chi.Router) {
	r.Get("/auctions/{id}/stream", h.sse)
	r.Get("/auctions/{id}/ws", h.ws)
}

func (h *StreamHandler) open(w http.ResponseWriter, r *http.Request) (*broadcast.Subscription, snapshot, bool) {
	auctionID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// subscribe first so nothing committed after the snapshot is missed
	sub := h.Hub.Subscribe(auctionID)
	st, err := h.State.CurrentState(ctx, auctionID)
	if err != nil {
		sub.Close()
		writeError(w, err)
		return nil, snapshot{}, false
	}
	return sub, snapshot{Type: "snapshot", State: st}, true
}

func (h *StreamHandler) sse(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}
	sub, snap, ok := h.open(w, r)
	if !ok {
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, snap.Type, snap); err != nil {
		return
	}
	flusher.Flush()
	cur := broadcast.NewCursor(snap.State)
	if cur.Finished() {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-sub.C:
			if !ok {
				return
			}
			if !cur.Admit(u) {
				continue
			}
			if err := writeEvent(w, string(u.Type), u); err != nil {
				return
			}
			flusher.Flush()
			if cur.Finished() {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}

func (h *StreamHandler) ws(w http.ResponseWriter, r *http.Request) {
	sub, snap, ok := h.open(w, r)
	if !ok {
		return
	}
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		slog.Debug("websocket upgrade failed", slog.Any("err", err))
		return
	}

	done := make(chan struct{})
	go readPump(conn, done)
	writePump(conn, sub, snap, done)
}

// readPump only handles control frames; viewers do not send anything.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("websocket read", slog.Any("err", err))
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, sub *broadcast.Subscription, snap snapshot, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(snap); err != nil {
		return
	}
	cur := broadcast.NewCursor(snap.State)
	if cur.Finished() {
		closeFinished(conn)
		return
	}
	for {
		select {
		case <-done:
			return
		case u, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// dropped as a slow viewer, or the hub stopped
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "stream ended"))
				return
			}
			if !cur.Admit(u) {
				continue
			}
			if err := conn.WriteJSON(u); err != nil {
				return
			}
			if cur.Finished() {
				closeFinished(conn)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closeFinished(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "auction finished"))
}
