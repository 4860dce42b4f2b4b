package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mikeyg42/framepipe/internal/enclog"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// StatsHandler serves pipeline status as a JSON document and as a websocket
// stream.
type StatsHandler struct {
	provider StatusProvider
	interval time.Duration
	upgrader websocket.Upgrader
	limiter  *RateLimiter
	log      enclog.Logger

	mu      sync.Mutex
	closing chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewStatsHandler creates a stats handler pushing a snapshot every interval
// to stream subscribers.
func NewStatsHandler(provider StatusProvider, interval time.Duration, origins []string) *StatsHandler {
	if interval <= 0 {
		interval = time.Second
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &StatsHandler{
		provider: provider,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
		limiter: NewRateLimiter(10, time.Minute),
		log:     enclog.L().Named("api.stats"),
		closing: make(chan struct{}),
	}
}

// RegisterRoutes registers stats API routes
func (h *StatsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/stats", h.handleGetStats)
	mux.HandleFunc("/api/stats/stream", h.limiter.Middleware(h.handleStream))
}

func (h *StatsHandler) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.provider.Status())
}

func (h *StatsHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		h.log.Warn("websocket upgrade failed", enclog.Error(err))
		return
	}
	defer conn.Close()
	h.log.Debug("stats subscriber connected", enclog.String("remote", r.RemoteAddr))

	// the read loop only handles control frames and notices the peer leaving
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Debug("stats subscriber read error", enclog.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	send := func() bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(h.provider.Status()) == nil
	}
	if !send() {
		return
	}
	for {
		select {
		case <-ticker.C:
			if !send() {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-h.closing:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(writeWait))
			return
		case <-gone:
			return
		}
	}
}

// CloseStreams ends every stream and waits for the handlers to return.
func (h *StatsHandler) CloseStreams() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.closing)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
