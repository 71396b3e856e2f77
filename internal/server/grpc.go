package server

import (
	"context"
	"math"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tesar-games/arena-server/internal/battle"
	"github.com/tesar-games/arena-server/internal/match"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "arena.v1.Arena"

// DeployUnitMethod is the full method name throttled by the deploy limiter.
const DeployUnitMethod = "/" + ServiceName + "/DeployUnit"

// ArenaService is the handler set registered under ServiceName. Messages are
// google.protobuf.Struct so any gRPC client can call it without generated
// stubs.
type ArenaService interface {
	CreateMatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	JoinMatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EndMatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeployUnit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApplyTowerDamage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delegate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Commit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CommitAndUndelegate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClaimReward(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IssueSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RevokeSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type handlerFunc func(ArenaService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(ArenaService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the arena service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ArenaService)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CreateMatch", ArenaService.CreateMatch),
		unaryMethod("JoinMatch", ArenaService.JoinMatch),
		unaryMethod("EndMatch", ArenaService.EndMatch),
		unaryMethod("DeployUnit", ArenaService.DeployUnit),
		unaryMethod("ApplyTowerDamage", ArenaService.ApplyTowerDamage),
		unaryMethod("Delegate", ArenaService.Delegate),
		unaryMethod("Commit", ArenaService.Commit),
		unaryMethod("CommitAndUndelegate", ArenaService.CommitAndUndelegate),
		unaryMethod("ClaimReward", ArenaService.ClaimReward),
		unaryMethod("GetMatch", ArenaService.GetMatch),
		unaryMethod("IssueSession", ArenaService.IssueSession),
		unaryMethod("RevokeSession", ArenaService.RevokeSession),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "arena/v1/arena.proto",
}

// SessionIssuer issues and revokes capability tokens.
type SessionIssuer interface {
	Issue(authority, signer string) (string, time.Time, error)
	Revoke(token string) error
}

// arenaServer implements ArenaService on top of the match manager.
type arenaServer struct {
	matches  *match.Manager
	sessions SessionIssuer
	logger   *zap.Logger
}

// NewArenaServer creates the gRPC service implementation.
func NewArenaServer(matches *match.Manager, sessions SessionIssuer, logger *zap.Logger) ArenaService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &arenaServer{
		matches:  matches,
		sessions: sessions,
		logger:   logger,
	}
}

// Register attaches the arena service to s.
func Register(s *grpc.Server, svc ArenaService) {
	s.RegisterService(&ServiceDesc, svc)
}

func matchResponse(m *battle.Match, extra map[string]any) (*structpb.Struct, error) {
	fields := map[string]any{"match": matchView(m)}
	for k, v := range extra {
		fields[k] = v
	}
	return toStruct(fields)
}

// ==================== Match lifecycle ====================

// CreateMatch creates a waiting match with the caller in slot 0.
func (s *arenaServer) CreateMatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	id, err := uintField(req, "match_id")
	if err != nil {
		return nil, err
	}
	kindName, err := stringField(req, "kind")
	if err != nil {
		return nil, err
	}
	kind, err := battle.ParseKind(kindName)
	if err != nil {
		return nil, toStatus(err)
	}

	m, err := s.matches.CreateMatch(ctx, id, caller, kind)
	if err != nil {
		return nil, toStatus(err)
	}

	s.logger.Info("match created via grpc",
		zap.Uint64("match_id", id),
		zap.String("host", extractHostFromContext(ctx)),
	)
	return matchResponse(m, nil)
}

// JoinMatch seats the caller in the first free slot.
func (s *arenaServer) JoinMatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	id, err := uintField(req, "match_id")
	if err != nil {
		return nil, err
	}

	m, slot, err := s.matches.JoinMatch(ctx, id, caller)
	if err != nil {
		return nil, toStatus(err)
	}
	return matchResponse(m, map[string]any{"slot": slot})
}

// EndMatch completes a match with a declared winner side or the draw value.
func (s *arenaServer) EndMatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	id, err := uintField(req, "match_id")
	if err != nil {
		return nil, err
	}
	winner, err := intField(req, "winner", 0, math.MaxUint8)
	if err != nil {
		return nil, err
	}

	m, err := s.matches.EndMatch(ctx, id, caller, uint8(winner))
	if err != nil {
		return nil, toStatus(err)
	}
	return matchResponse(m, nil)
}

// ==================== Combat ====================

// DeployUnit spends elixir and spawns a unit from the caller's deck.
func (s *arenaServer) DeployUnit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	id, err := uintField(req, "match_id")
	if err != nil {
		return nil, err
	}
	cardIndex, err := intField(req, "card_index", math.MinInt32, math.MaxInt32)
	if err != nil {
		return nil, err
	}
	x, err := intField(req, "x", math.MinInt32, math.MaxInt32)
	if err != nil {
		return nil, err
	}
	y, err := intField(req, "y", math.MinInt32, math.MaxInt32)
	if err != nil {
		return nil, err
	}

	entity, m, err := s.matches.DeployUnit(ctx, id, caller, int(cardIndex), int32(x), int32(y))
	if err != nil {
		return nil, toStatus(err)
	}
	return matchResponse(m, map[string]any{"entity": entityView(entity)})
}

// ApplyTowerDamage records damage reported by the simulation authority.
func (s *arenaServer) ApplyTowerDamage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	id, err := uintField(req, "match_id")
	if err != nil {
		return nil, err
	}
	tower, err := intField(req, "tower", math.MinInt32, math.MaxInt32)
	if err != nil {
		return nil, err
	}
	amount, err := intField(req, "amount", 0, math.MaxInt32)
	if err != nil {
		return nil, err
	}

	m, err := s.matches.ApplyTowerDamage(ctx, id, caller, int(tower), int32(amount))
	if err != nil {
		return nil, toStatus(err)
	}
	return matchResponse(m, nil)
}

// ==================== Residency ====================

// Delegate moves write authority for a match to the fast venue.
func (s *arenaServer) Delegate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	id, err := uintField(req, "match_id")
	if err != nil {
		return nil, err
	}

	lease, err := s.matches.Delegate(ctx, id, caller)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"lease_id": lease})
}

// Commit checkpoints the venue copy without giving up delegation.
func (s *arenaServer) Commit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	id, err := uintField(req, "match_id")
	if err != nil {
		return nil, err
	}

	m, err := s.matches.Commit(ctx, id, caller)
	if err != nil {
		return nil, toStatus(err)
	}
	return matchResponse(m, nil)
}

// CommitAndUndelegate returns write authority to the durable store.
func (s *arenaServer) CommitAndUndelegate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	id, err := uintField(req, "match_id")
	if err != nil {
		return nil, err
	}

	m, err := s.matches.CommitAndUndelegate(ctx, id, caller)
	if err != nil {
		return nil, toStatus(err)
	}
	return matchResponse(m, nil)
}

// ==================== Rewards & reads ====================

// ClaimReward pays the caller's winner reward once.
func (s *arenaServer) ClaimReward(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	id, err := uintField(req, "match_id")
	if err != nil {
		return nil, err
	}

	grant, err := s.matches.ClaimReward(ctx, id, caller)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"grant": grantView(grant)})
}

// GetMatch returns the authoritative view of a match. No identity needed.
func (s *arenaServer) GetMatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := uintField(req, "match_id")
	if err != nil {
		return nil, err
	}
	m, err := s.matches.Get(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return matchResponse(m, nil)
}

// ==================== Sessions ====================

// IssueSession lets the caller authorize a session key to act for it.
func (s *arenaServer) IssueSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	signer, err := stringField(req, "signer")
	if err != nil {
		return nil, err
	}

	token, expires, err := s.sessions.Issue(caller.Identity, signer)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{
		"token":      token,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

// RevokeSession invalidates a capability token before it expires.
func (s *arenaServer) RevokeSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := callerFromContext(ctx); err != nil {
		return nil, err
	}
	token, err := stringField(req, "token")
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Revoke(token); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{})
}

// Helper function to extract host from context
func extractHostFromContext(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != net.Addr(nil) {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
