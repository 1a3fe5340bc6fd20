package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Interceptor is a server middleware for both unary and streaming calls.
type Interceptor struct {
	Unary  grpc.UnaryServerInterceptor
	Stream grpc.StreamServerInterceptor
}

// ServerOptions chains interceptors in order, skipping nil ones.
func ServerOptions(interceptors ...*Interceptor) []grpc.ServerOption {
	var (
		unary  []grpc.UnaryServerInterceptor
		stream []grpc.StreamServerInterceptor
	)
	for _, ic := range interceptors {
		if ic == nil {
			continue
		}
		if ic.Unary != nil {
			unary = append(unary, ic.Unary)
		}
		if ic.Stream != nil {
			stream = append(stream, ic.Stream)
		}
	}
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}
}

// guard turns a per-call check into an Interceptor.
func guard(check func(ctx context.Context) error) *Interceptor {
	return &Interceptor{
		Unary: func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			if err := check(ctx); err != nil {
				return nil, err
			}
			return handler(ctx, req)
		},
		Stream: func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			if err := check(ss.Context()); err != nil {
				return err
			}
			return handler(srv, ss)
		},
	}
}

// APIKeyAuth enforces a shared secret sent as x-api-key or bearer token
// metadata. An empty key disables the check.
func APIKeyAuth(key string) *Interceptor {
	secret := strings.TrimSpace(key)
	if secret == "" {
		return nil
	}
	return guard(func(ctx context.Context) error {
		got := extractAPIKey(ctx)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			return status.Error(codes.Unauthenticated, "unauthorized")
		}
		return nil
	})
}

func extractAPIKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := first(md, "x-api-key"); v != "" {
		return v
	}
	auth := first(md, "authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

// RateLimitOptions configures the shared rate limiter.
type RateLimitOptions struct {
	Requests int
	Window   time.Duration
	Now      func() time.Time
}

// RateLimit enforces a token bucket over all calls.
func RateLimit(opts RateLimitOptions) *Interceptor {
	if opts.Requests <= 0 || opts.Window <= 0 {
		return nil
	}
	bucket := newTokenBucket(opts)
	return guard(func(context.Context) error {
		if !bucket.Allow() {
			return status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return nil
	})
}

// Logging logs every call with its method, duration and status code.
func Logging(logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	logCall := func(ctx context.Context, method string, start time.Time, err error) {
		code := status.Code(err)
		level := slog.LevelDebug
		if code != codes.OK && code != codes.NotFound {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "rpc", "method", method, "code", code.String(), "duration", time.Since(start))
	}
	return &Interceptor{
		Unary: func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			start := time.Now()
			resp, err := handler(ctx, req)
			logCall(ctx, info.FullMethod, start, err)
			return resp, err
		},
		Stream: func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			start := time.Now()
			err := handler(srv, ss)
			logCall(ss.Context(), info.FullMethod, start, err)
			return err
		},
	}
}

type tokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
	now          func() time.Time
}

func newTokenBucket(opts RateLimitOptions) *tokenBucket {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &tokenBucket{
		capacity:     float64(opts.Requests),
		tokens:       float64(opts.Requests),
		refillPerSec: float64(opts.Requests) / opts.Window.Seconds(),
		last:         now(),
		now:          now,
	}
}

func (t *tokenBucket) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	elapsed := now.Sub(t.last).Seconds()
	if elapsed > 0 {
		t.tokens += elapsed * t.refillPerSec
		if t.tokens > t.capacity {
			t.tokens = t.capacity
		}
		t.last = now
	}
	if t.tokens < 1 {
		return false
	}
	t.tokens--
	return true
}
