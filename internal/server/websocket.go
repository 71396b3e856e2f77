package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tesar-games/arena-server/internal/battle"
	"github.com/tesar-games/arena-server/internal/config"
)

// MatchReader reads the authoritative copy of a match.
type MatchReader interface {
	Get(ctx context.Context, id uint64) (*battle.Match, error)
}

// FeedMessage is one frame of the spectate feed.
type FeedMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

type spectator struct {
	conn    *websocket.Conn
	send    chan []byte
	matchID uint64
}

type feedEvent struct {
	matchID uint64
	payload []byte
}

// Hub fans match updates out to spectators of that match.
type Hub struct {
	logger       *zap.Logger
	writeTimeout time.Duration

	spectators map[uint64]map[*spectator]bool
	register   chan *spectator
	unregister chan *spectator
	broadcast  chan feedEvent
	done       chan struct{}
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(writeTimeout time.Duration, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Hub{
		logger:       logger,
		writeTimeout: writeTimeout,
		spectators:   make(map[uint64]map[*spectator]bool),
		register:     make(chan *spectator),
		unregister:   make(chan *spectator),
		broadcast:    make(chan feedEvent, 256),
		done:         make(chan struct{}),
	}
}

// Run owns the spectator table until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, set := range h.spectators {
				for s := range set {
					close(s.send)
				}
			}
			h.spectators = map[uint64]map[*spectator]bool{}
			return

		case s := <-h.register:
			set, ok := h.spectators[s.matchID]
			if !ok {
				set = make(map[*spectator]bool)
				h.spectators[s.matchID] = set
			}
			set[s] = true
			h.logger.Debug("spectator registered", zap.Uint64("match_id", s.matchID))

		case s := <-h.unregister:
			h.remove(s)

		case ev := <-h.broadcast:
			for s := range h.spectators[ev.matchID] {
				select {
				case s.send <- ev.payload:
				default:
					// slow reader
					h.remove(s)
				}
			}
		}
	}
}

func (h *Hub) remove(s *spectator) {
	set, ok := h.spectators[s.matchID]
	if !ok || !set[s] {
		return
	}
	delete(set, s)
	close(s.send)
	if len(set) == 0 {
		delete(h.spectators, s.matchID)
	}
	h.logger.Debug("spectator unregistered", zap.Uint64("match_id", s.matchID))
}

// Publish queues a match view for its spectators. It never blocks; updates
// are dropped when the hub is saturated or stopped.
func (h *Hub) Publish(m *battle.Match) {
	payload, err := json.Marshal(FeedMessage{Type: "match", Data: matchView(m)})
	if err != nil {
		h.logger.Error("failed to encode match view", zap.Uint64("match_id", m.ID), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- feedEvent{matchID: m.ID, payload: payload}:
	case <-h.done:
	default:
		h.logger.Warn("spectate feed saturated, dropping update", zap.Uint64("match_id", m.ID))
	}
}

func (h *Hub) serve(conn *websocket.Conn, m *battle.Match) {
	s := &spectator{
		conn:    conn,
		send:    make(chan []byte, 16),
		matchID: m.ID,
	}

	initial, err := json.Marshal(FeedMessage{Type: "match", Data: matchView(m)})
	if err != nil {
		_ = conn.Close()
		return
	}
	s.send <- initial

	select {
	case h.register <- s:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go h.writePump(s)
	go h.readPump(s)
}

// readPump discards client frames and detects disconnects.
func (h *Hub) readPump(s *spectator) {
	defer func() {
		select {
		case h.unregister <- s:
		case <-h.done:
		}
	}()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(s *spectator) {
	defer s.conn.Close()
	for payload := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
}

// NewRouter serves the spectate feed, a JSON match read and a health probe.
func NewRouter(cfg config.WebSocketConfig, hub *Hub, matches MatchReader, logger *zap.Logger) *mux.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	upgrader := newUpgrader(cfg.AllowedOrigins)

	load := func(w http.ResponseWriter, r *http.Request) (*battle.Match, bool) {
		id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			http.Error(w, "invalid match id", http.StatusBadRequest)
			return nil, false
		}
		m, err := matches.Get(r.Context(), id)
		switch {
		case errors.Is(err, battle.ErrMatchNotFound):
			http.Error(w, "match not found", http.StatusNotFound)
			return nil, false
		case err != nil:
			logger.Error("failed to load match", zap.Uint64("match_id", id), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return nil, false
		}
		return m, true
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/matches/{id:[0-9]+}", func(w http.ResponseWriter, r *http.Request) {
		m, ok := load(w, r)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(matchView(m))
	}).Methods(http.MethodGet)

	r.HandleFunc("/ws/matches/{id:[0-9]+}", func(w http.ResponseWriter, r *http.Request) {
		m, ok := load(w, r)
		if !ok {
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		hub.serve(conn, m)
	})

	return r
}

// StartWebSocketServer serves the spectate feed until ctx is cancelled.
func StartWebSocketServer(ctx context.Context, cfg config.WebSocketConfig, hub *Hub, matches MatchReader, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           NewRouter(cfg, hub, matches, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("websocket server listening", zap.String("address", cfg.Address))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
