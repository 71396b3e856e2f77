package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tesar-games/arena-server/internal/battle"
	"github.com/tesar-games/arena-server/internal/residency"
)

// toStatus maps a domain error onto a gRPC status. The error code travels in
// the status message prefix so clients can match it without parsing prose.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, residency.ErrDelegationDisabled):
		return status.Error(codes.Unimplemented, err.Error())
	}

	code := codes.Internal
	switch battle.ClassOf(err) {
	case battle.ClassState:
		code = codes.FailedPrecondition
	case battle.ClassAuthorization:
		code = codes.PermissionDenied
	case battle.ClassResource:
		code = codes.ResourceExhausted
	case battle.ClassReference:
		code = codes.InvalidArgument
	case battle.ClassConsistency:
		code = codes.Aborted
		if errors.Is(err, battle.ErrMatchExists) || errors.Is(err, battle.ErrAlreadyJoined) {
			code = codes.AlreadyExists
		}
	case battle.ClassNotFound:
		code = codes.NotFound
	default:
		return status.Error(codes.Internal, "internal error")
	}

	return status.Error(code, battle.CodeOf(err)+": "+err.Error())
}
