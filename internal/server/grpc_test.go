package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tesar-games/arena-server/internal/catalog"
	"github.com/tesar-games/arena-server/internal/loadout"
	"github.com/tesar-games/arena-server/internal/match"
	"github.com/tesar-games/arena-server/internal/residency"
	"github.com/tesar-games/arena-server/internal/reward"
	"github.com/tesar-games/arena-server/internal/session"
)

type harness struct {
	conn     *grpc.ClientConn
	manager  *match.Manager
	sessions *session.Manager
	ledger   *reward.MemoryLedger
	now      time.Time
}

func newHarness(t *testing.T, extra ...grpc.UnaryServerInterceptor) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	clock := func() time.Time { return now }

	protocol := residency.NewProtocol(residency.NewMemoryStore(logger), residency.NewMemoryVenue(logger), logger)
	protocol.SetClock(clock)

	loadouts := loadout.NewMemoryProvider(logger)
	for _, p := range []string{"alice", "bob"} {
		require.NoError(t, loadouts.Put(context.Background(), &loadout.Loadout{
			Authority: p,
			Deck:      [loadout.DeckSize]uint8{1, 2, 3},
			Inventory: map[uint8]loadout.CardProgress{
				1: {Level: 1, Amount: 1},
				2: {Level: 1, Amount: 1},
				3: {Level: 1, Amount: 1},
			},
		}))
	}

	sessions := session.NewManager([]byte("0123456789abcdef"), time.Hour, logger)
	sessions.SetClock(clock)
	ledger := reward.NewMemoryLedger(0, logger)
	gate := reward.NewGate(protocol, ledger, reward.Amounts{Trophies: 50, MMR: 30}, logger)
	mgr := match.NewManager(protocol, catalog.Default(), loadouts, sessions, gate, logger,
		match.WithClock(clock),
		match.WithSimulationAuthority("simulator"),
	)

	interceptors := append([]grpc.UnaryServerInterceptor{
		RecoveryInterceptor(logger),
		LoggingInterceptor(logger),
	}, extra...)
	srv := grpc.NewServer(grpc.UnaryInterceptor(ChainUnaryInterceptors(interceptors...)))
	Register(srv, NewArenaServer(mgr, sessions, logger))

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &harness{conn: conn, manager: mgr, sessions: sessions, ledger: ledger, now: now}
}

func (h *harness) call(t *testing.T, identity, method string, fields map[string]any) (*structpb.Struct, error) {
	t.Helper()
	return h.callWithToken(t, identity, "", method, fields)
}

func (h *harness) callWithToken(t *testing.T, identity, token, method string, fields map[string]any) (*structpb.Struct, error) {
	t.Helper()
	in, err := structpb.NewStruct(fields)
	require.NoError(t, err)

	ctx := context.Background()
	if identity != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, IdentityHeader, identity)
	}
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, SessionTokenHeader, token)
	}

	out := new(structpb.Struct)
	err = h.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
	return out, err
}

func matchField(t *testing.T, out *structpb.Struct) map[string]any {
	t.Helper()
	m, ok := out.AsMap()["match"].(map[string]any)
	require.True(t, ok, "response carries a match view")
	return m
}

func TestArenaDuelFlow(t *testing.T) {
	h := newHarness(t)

	out, err := h.call(t, "alice", "CreateMatch", map[string]any{"match_id": "42", "kind": "1v1"})
	require.NoError(t, err)
	view := matchField(t, out)
	assert.Equal(t, "42", view["match_id"])
	assert.Equal(t, "waiting", view["status"])

	out, err = h.call(t, "bob", "JoinMatch", map[string]any{"match_id": 42})
	require.NoError(t, err)
	assert.Equal(t, float64(1), out.AsMap()["slot"])
	assert.Equal(t, "active", matchField(t, out)["status"])

	out, err = h.call(t, "alice", "DeployUnit", map[string]any{"match_id": "42", "card_index": 0, "x": 3, "y": -5})
	require.NoError(t, err)
	entity := out.AsMap()["entity"].(map[string]any)
	assert.Equal(t, float64(1), entity["card_id"])
	assert.Equal(t, float64(125), entity["health"])
	assert.Equal(t, []any{float64(200), float64(500)}, matchField(t, out)["elixir"])

	out, err = h.call(t, "", "GetMatch", map[string]any{"match_id": "42"})
	require.NoError(t, err)
	assert.Len(t, matchField(t, out)["entities"], 1)

	_, err = h.call(t, "alice", "EndMatch", map[string]any{"match_id": "42", "winner": 0})
	require.NoError(t, err)

	out, err = h.call(t, "alice", "ClaimReward", map[string]any{"match_id": "42"})
	require.NoError(t, err)
	grant := out.AsMap()["grant"].(map[string]any)
	assert.Equal(t, "reward:42:0", grant["key"])
	assert.Equal(t, uint64(50), h.ledger.Balance("alice").Trophies)

	_, err = h.call(t, "alice", "ClaimReward", map[string]any{"match_id": "42"})
	assert.Equal(t, codes.Aborted, status.Code(err))

	_, err = h.call(t, "bob", "ClaimReward", map[string]any{"match_id": "42"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestArenaErrorMapping(t *testing.T) {
	h := newHarness(t)

	_, err := h.call(t, "", "CreateMatch", map[string]any{"match_id": "1", "kind": "1v1"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = h.call(t, "alice", "CreateMatch", map[string]any{"kind": "1v1"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.call(t, "alice", "CreateMatch", map[string]any{"match_id": "1", "kind": "3v3"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.call(t, "alice", "CreateMatch", map[string]any{"match_id": "1", "kind": "1v1"})
	require.NoError(t, err)
	_, err = h.call(t, "alice", "CreateMatch", map[string]any{"match_id": "1", "kind": "1v1"})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = h.call(t, "alice", "DeployUnit", map[string]any{"match_id": "1", "card_index": 0, "x": 0, "y": 0})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "GAME_NOT_ACTIVE")

	_, err = h.call(t, "", "GetMatch", map[string]any{"match_id": "999"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.call(t, "bob", "JoinMatch", map[string]any{"match_id": "1"})
	require.NoError(t, err)

	_, err = h.call(t, "alice", "DeployUnit", map[string]any{"match_id": "1", "card_index": 7, "x": 0, "y": 0})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.call(t, "alice", "ApplyTowerDamage", map[string]any{"match_id": "1", "tower": 0, "amount": 10})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = h.call(t, "simulator", "ApplyTowerDamage", map[string]any{"match_id": "1", "tower": 0, "amount": 10})
	assert.NoError(t, err)
}

func TestArenaSessionCapability(t *testing.T) {
	h := newHarness(t)

	_, err := h.call(t, "alice", "CreateMatch", map[string]any{"match_id": "5", "kind": "duel"})
	require.NoError(t, err)
	_, err = h.call(t, "bob", "JoinMatch", map[string]any{"match_id": "5"})
	require.NoError(t, err)

	out, err := h.call(t, "alice", "IssueSession", map[string]any{"signer": "alice-hot-key"})
	require.NoError(t, err)
	token := out.AsMap()["token"].(string)
	require.NotEmpty(t, token)

	out, err = h.callWithToken(t, "alice-hot-key", token, "DeployUnit", map[string]any{"match_id": "5", "card_index": 1, "x": 0, "y": 0})
	require.NoError(t, err)
	assert.Equal(t, float64(0), out.AsMap()["entity"].(map[string]any)["owner"])

	_, err = h.callWithToken(t, "mallory", token, "DeployUnit", map[string]any{"match_id": "5", "card_index": 0, "x": 0, "y": 0})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = h.call(t, "alice", "RevokeSession", map[string]any{"token": token})
	require.NoError(t, err)
	_, err = h.callWithToken(t, "alice-hot-key", token, "DeployUnit", map[string]any{"match_id": "5", "card_index": 0, "x": 0, "y": 0})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestArenaDelegationRoundTrip(t *testing.T) {
	h := newHarness(t)

	_, err := h.call(t, "alice", "CreateMatch", map[string]any{"match_id": "9", "kind": "1v1"})
	require.NoError(t, err)
	_, err = h.call(t, "bob", "JoinMatch", map[string]any{"match_id": "9"})
	require.NoError(t, err)

	out, err := h.call(t, "alice", "Delegate", map[string]any{"match_id": "9"})
	require.NoError(t, err)
	assert.NotEmpty(t, out.AsMap()["lease_id"])

	out, err = h.call(t, "bob", "DeployUnit", map[string]any{"match_id": "9", "card_index": 2, "x": 1, "y": 1})
	require.NoError(t, err)
	assert.Equal(t, "delegated", matchField(t, out)["residency"])

	out, err = h.call(t, "alice", "CommitAndUndelegate", map[string]any{"match_id": "9"})
	require.NoError(t, err)
	view := matchField(t, out)
	assert.Equal(t, "durable", view["residency"])
	assert.Len(t, view["entities"], 1)
}

func TestRecoveryInterceptor(t *testing.T) {
	interceptor := RecoveryInterceptor(zap.NewNop())
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/Panic"},
		func(context.Context, any) (any, error) { panic("boom") })
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestChainUnaryInterceptorsOrder(t *testing.T) {
	var order []string
	record := func(name string) grpc.UnaryServerInterceptor {
		return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			order = append(order, name)
			return handler(ctx, req)
		}
	}
	chain := ChainUnaryInterceptors(record("outer"), record("inner"))
	resp, err := chain(context.Background(), "req", &grpc.UnaryServerInfo{}, func(_ context.Context, req any) (any, error) {
		order = append(order, "handler")
		return req, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "req", resp)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestDeployRateLimit(t *testing.T) {
	limiter := NewRateLimiter(rate.Every(time.Hour), 1, DeployUnitMethod)
	h := newHarness(t, limiter.Interceptor())

	_, err := h.call(t, "alice", "CreateMatch", map[string]any{"match_id": "3", "kind": "1v1"})
	require.NoError(t, err)
	_, err = h.call(t, "bob", "JoinMatch", map[string]any{"match_id": "3"})
	require.NoError(t, err)

	_, err = h.call(t, "alice", "DeployUnit", map[string]any{"match_id": "3", "card_index": 0, "x": 0, "y": 0})
	require.NoError(t, err)
	_, err = h.call(t, "alice", "DeployUnit", map[string]any{"match_id": "3", "card_index": 0, "x": 0, "y": 0})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	// limits are per identity and per method
	_, err = h.call(t, "bob", "DeployUnit", map[string]any{"match_id": "3", "card_index": 0, "x": 0, "y": 0})
	assert.NoError(t, err)
	_, err = h.call(t, "alice", "GetMatch", map[string]any{"match_id": "3"})
	assert.NoError(t, err)
}
