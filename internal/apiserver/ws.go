package apiserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"

	"github.com/ondrix/escrow/backend/internal/escrow"
)

type websocketSubscribeRequest struct {
	Type string `json:"type"`
	Sale string `json:"sale"`
}

type websocketEnvelope struct {
	Type  string `json:"type"`
	Sale  string `json:"sale,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	TS    int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type statusFetcher func(ctx context.Context, sale solana.PublicKey) (*escrow.StatusReport, error)

// statusHub serves sale status over websocket connections. Every
// connection polls its subscriptions on a ticker; mutations additionally
// wake all connections through notify so clients see state changes
// without waiting out the interval.
type statusHub struct {
	logger *slog.Logger
	fetch  statusFetcher

	mu    sync.Mutex
	wake  map[chan struct{}]struct{}
	conns map[*websocket.Conn]struct{}
}

func newStatusHub(logger *slog.Logger, fetch statusFetcher) *statusHub {
	return &statusHub{
		logger: logger,
		fetch:  fetch,
		wake:   map[chan struct{}]struct{}{},
		conns:  map[*websocket.Conn]struct{}{},
	}
}

func (h *statusHub) notify(solana.PublicKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.wake {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *statusHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		_ = conn.Close()
	}
}

func (h *statusHub) register(conn *websocket.Conn) chan struct{} {
	wakeCh := make(chan struct{}, 1)
	h.mu.Lock()
	h.wake[wakeCh] = struct{}{}
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	return wakeCh
}

func (h *statusHub) unregister(conn *websocket.Conn, wakeCh chan struct{}) {
	h.mu.Lock()
	delete(h.wake, wakeCh)
	delete(h.conns, conn)
	h.mu.Unlock()
}

func (h *statusHub) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newSubscriptionSet()
	if sale := strings.TrimSpace(r.URL.Query().Get("sale")); sale != "" {
		if pk, err := solana.PublicKeyFromBase58(sale); err == nil {
			subs.Add(pk)
		}
	}

	wakeCh := h.register(conn)
	defer h.unregister(conn, wakeCh)

	readErrCh := make(chan error, 1)
	go h.readLoop(ctx, conn, subs, readErrCh)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				h.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case <-wakeCh:
			if !h.pushStatuses(ctx, conn, subs) {
				return
			}
		case <-ticker.C:
			if !h.pushStatuses(ctx, conn, subs) {
				return
			}
		}
	}
}

func (h *statusHub) pushStatuses(ctx context.Context, conn *websocket.Conn, subs *subscriptionSet) bool {
	for _, sale := range subs.List() {
		report, err := h.fetch(ctx, sale)
		if err != nil {
			envelope := websocketEnvelope{Type: "error", Sale: sale.String(), Error: "failed to fetch sale status", TS: time.Now().Unix()}
			if writeErr := writeWebsocketJSON(conn, envelope); writeErr != nil {
				return false
			}
			continue
		}
		envelope := websocketEnvelope{Type: "status", Sale: sale.String(), Data: report, TS: time.Now().Unix()}
		if err := writeWebsocketJSON(conn, envelope); err != nil {
			return false
		}
	}
	return true
}

func (h *statusHub) readLoop(ctx context.Context, conn *websocket.Conn, subs *subscriptionSet, readErrCh chan<- error) {
	conn.SetReadLimit(1024 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		sale, err := solana.PublicKeyFromBase58(strings.TrimSpace(message.Sale))
		if err != nil {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(message.Type)) {
		case "subscribe":
			subs.Add(sale)
		case "unsubscribe":
			subs.Remove(sale)
		}
	}
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

type subscriptionSet struct {
	mu    sync.RWMutex
	items map[solana.PublicKey]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[solana.PublicKey]struct{}{}}
}

func (s *subscriptionSet) Add(sale solana.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[sale] = struct{}{}
}

func (s *subscriptionSet) Remove(sale solana.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, sale)
}

func (s *subscriptionSet) List() []solana.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]solana.PublicKey, 0, len(s.items))
	for sale := range s.items {
		out = append(out, sale)
	}
	return out
}
