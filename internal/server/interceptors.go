package server

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ChainUnaryInterceptors runs interceptors in order, outermost first.
func ChainUnaryInterceptors(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		chained := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			next := chained
			interceptor := interceptors[i]
			chained = func(ctx context.Context, req any) (any, error) {
				return interceptor(ctx, req, info, next)
			}
		}
		return chained(ctx, req)
	}
}

// RecoveryInterceptor turns handler panics into Internal errors.
func RecoveryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in grpc handler",
					zap.String("method", info.FullMethod),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// LoggingInterceptor logs every call with its duration and status code.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
			zap.String("code", status.Code(err).String()),
		}
		if identity := metadataValue(ctx, IdentityHeader); identity != "" {
			fields = append(fields, zap.String("player", identity))
		}

		switch status.Code(err) {
		case codes.OK:
			logger.Debug("grpc call", fields...)
		case codes.Internal, codes.Unknown:
			logger.Error("grpc call failed", append(fields, zap.Error(err))...)
		default:
			logger.Info("grpc call rejected", append(fields, zap.Error(err))...)
		}
		return resp, err
	}
}

// RateLimiter throttles selected methods per caller identity.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	methods map[string]bool
	idle    time.Duration

	mu       sync.Mutex
	limiters map[string]*callerLimiter
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter limits each identity to limit calls per second with burst
// on the named full methods.
func NewRateLimiter(limit rate.Limit, burst int, methods ...string) *RateLimiter {
	rl := &RateLimiter{
		limit:    limit,
		burst:    burst,
		methods:  make(map[string]bool, len(methods)),
		idle:     10 * time.Minute,
		limiters: make(map[string]*callerLimiter),
	}
	for _, m := range methods {
		rl.methods[m] = true
	}
	return rl
}

// Allow reports whether identity may make another call now.
func (rl *RateLimiter) Allow(identity string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.limiters[identity]
	if !ok {
		if len(rl.limiters) >= 4096 {
			rl.pruneLocked(now)
		}
		cl = &callerLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[identity] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) pruneLocked(now time.Time) {
	for id, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) > rl.idle {
			delete(rl.limiters, id)
		}
	}
}

// Interceptor returns the unary interceptor enforcing the limit.
func (rl *RateLimiter) Interceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !rl.methods[info.FullMethod] {
			return handler(ctx, req)
		}
		identity := metadataValue(ctx, IdentityHeader)
		if identity != "" && !rl.Allow(identity) {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}
