package server

import (
	"context"
	"math"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tesar-games/arena-server/internal/session"
)

// IdentityHeader carries the authenticated identity of the caller, as set by
// the edge proxy that verified the player's signature.
const IdentityHeader = "x-arena-identity"

// SessionTokenHeader carries an optional capability token.
const SessionTokenHeader = "x-arena-session-token"

func metadataValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

// callerFromContext builds the session caller for a request.
func callerFromContext(ctx context.Context) (session.Caller, error) {
	identity := metadataValue(ctx, IdentityHeader)
	if identity == "" {
		return session.Caller{}, status.Error(codes.Unauthenticated, IdentityHeader+" is required")
	}
	return session.Caller{
		Identity: identity,
		Token:    metadataValue(ctx, SessionTokenHeader),
	}, nil
}

func invalidField(name, reason string) error {
	return status.Errorf(codes.InvalidArgument, "%s %s", name, reason)
}

// uintField reads an unsigned id. Large ids should be sent as decimal strings
// since JSON numbers lose precision above 2^53.
func uintField(req *structpb.Struct, name string) (uint64, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, invalidField(name, "is required")
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(kind.StringValue, 10, 64)
		if err != nil {
			return 0, invalidField(name, "must be an unsigned integer")
		}
		return n, nil
	case *structpb.Value_NumberValue:
		f := kind.NumberValue
		if f < 0 || f != math.Trunc(f) || f > 1<<53 {
			return 0, invalidField(name, "must be an unsigned integer")
		}
		return uint64(f), nil
	default:
		return 0, invalidField(name, "must be a number or string")
	}
}

func intField(req *structpb.Struct, name string, lo, hi int64) (int64, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, invalidField(name, "is required")
	}
	num, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, invalidField(name, "must be a number")
	}
	f := num.NumberValue
	if f != math.Trunc(f) || f < float64(lo) || f > float64(hi) {
		return 0, invalidField(name, "is out of range")
	}
	return int64(f), nil
}

func stringField(req *structpb.Struct, name string) (string, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return "", invalidField(name, "is required")
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok || strings.TrimSpace(s.StringValue) == "" {
		return "", invalidField(name, "must be a non-empty string")
	}
	return s.StringValue, nil
}
