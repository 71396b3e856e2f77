package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tesar-games/arena-server/internal/battle"
	"github.com/tesar-games/arena-server/internal/config"
)

type staticMatches struct {
	mu      sync.Mutex
	matches map[uint64]*battle.Match
}

func (s *staticMatches) Get(_ context.Context, id uint64) (*battle.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, battle.ErrMatchNotFound
	}
	return m.Clone(), nil
}

func newFeed(t *testing.T) (*httptest.Server, *Hub, *battle.Match) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	m, err := battle.NewMatch(7, battle.KindDuel, "alice", time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	reader := &staticMatches{matches: map[uint64]*battle.Match{7: m}}

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(time.Second, logger)
	go hub.Run(ctx)

	srv := httptest.NewServer(NewRouter(config.WebSocketConfig{}, hub, reader, logger))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv, hub, m
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFeed(t *testing.T, conn *websocket.Conn) FeedMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg FeedMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestSpectateFeed(t *testing.T) {
	srv, hub, m := newFeed(t)
	conn := dial(t, srv, "/ws/matches/7")

	first := readFeed(t, conn)
	assert.Equal(t, "match", first.Type)
	assert.Equal(t, "7", first.Data["match_id"])
	assert.Equal(t, "waiting", first.Data["status"])

	_, err := m.Join("bob", time.Unix(1_700_000_010, 0))
	require.NoError(t, err)
	hub.Publish(m)

	next := readFeed(t, conn)
	assert.Equal(t, "active", next.Data["status"])
	assert.Equal(t, []any{"alice", "bob"}, next.Data["players"])
}

func TestSpectateFeedFiltersByMatch(t *testing.T) {
	srv, hub, m := newFeed(t)
	conn := dial(t, srv, "/ws/matches/7")
	readFeed(t, conn)

	other, err := battle.NewMatch(8, battle.KindDuel, "carol", time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	hub.Publish(other)
	hub.Publish(m)

	msg := readFeed(t, conn)
	assert.Equal(t, "7", msg.Data["match_id"], "updates for other matches are not delivered")
}

func TestRouterHTTP(t *testing.T) {
	srv, _, _ := newFeed(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(srv.URL + "/matches/7")
	require.NoError(t, err)
	var view map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	_ = resp.Body.Close()
	assert.Equal(t, "1v1", view["kind"])

	resp, err = http.Get(srv.URL + "/matches/99")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/matches/99", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpgraderOrigins(t *testing.T) {
	up := newUpgrader([]string{"https://arena.example"})

	r := httptest.NewRequest(http.MethodGet, "/ws/matches/1", nil)
	r.Header.Set("Origin", "https://arena.example")
	assert.True(t, up.CheckOrigin(r))

	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, up.CheckOrigin(r))

	assert.True(t, newUpgrader(nil).CheckOrigin(r))
}
