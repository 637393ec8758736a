// Package telemetry streams engine status to websocket subscribers. It is a
// read-only window: clients receive the status feed and send nothing back.
package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Status is one telemetry frame.
type Status struct {
	Ts          time.Time          `json:"ts"`
	Mode        string             `json:"mode"`
	Halted      bool               `json:"halted"`
	HaltReason  string             `json:"halt_reason,omitempty"`
	DailyPnL    float64            `json:"daily_pnl"`
	DailyTrades int                `json:"daily_trades"`
	Positions   map[string]float64 `json:"positions,omitempty"`
}

// Hub fans status frames out to every connected client. Slow or broken
// clients are dropped rather than allowed to stall the feed.
type Hub struct {
	log *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	last    []byte
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Publish marshals the status and writes it to every client. A nil *Hub is a
// valid no-op so telemetry can be left unconfigured.
func (h *Hub) Publish(s Status) {
	if h == nil {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		h.log.Warn("telemetry marshal failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = payload
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// ServeHTTP upgrades the request and registers the client. New clients
// immediately receive the most recent frame.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	last := h.last
	h.mu.Unlock()
	if last != nil {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		conn.WriteMessage(websocket.TextMessage, last)
	}
	// Drain and discard client frames so pings are answered and closes
	// are noticed.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Serve runs the telemetry endpoint at addr until ctx is cancelled. A nil
// hub or empty addr disables it.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	if h == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", h)

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	h.log.Info("telemetry listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
