package middleware

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func okHandler(ctx context.Context, req any) (any, error) { return "ok", nil }

var info = &grpc.UnaryServerInfo{FullMethod: "/fontbakery.dashboard.Cache/Get"}

func TestAPIKeyAuth(t *testing.T) {
	auth := APIKeyAuth("secret")

	_, err := auth.Unary(context.Background(), nil, info, okHandler)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}

	testcases := []struct {
		name string
		md   metadata.MD
		want codes.Code
	}{
		{name: "api key header", md: metadata.Pairs("x-api-key", "secret"), want: codes.OK},
		{name: "bearer token", md: metadata.Pairs("authorization", "Bearer secret"), want: codes.OK},
		{name: "wrong key", md: metadata.Pairs("x-api-key", "nope"), want: codes.Unauthenticated},
		{name: "basic auth ignored", md: metadata.Pairs("authorization", "Basic secret"), want: codes.Unauthenticated},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := metadata.NewIncomingContext(context.Background(), tc.md)
			_, err := auth.Unary(ctx, nil, info, okHandler)
			if got := status.Code(err); got != tc.want {
				t.Fatalf("code = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAPIKeyAuthDisabled(t *testing.T) {
	if APIKeyAuth("  ") != nil {
		t.Fatalf("blank key should disable auth")
	}
	if opts := ServerOptions(nil, APIKeyAuth("")); len(opts) != 2 {
		t.Fatalf("expected chained options, got %d", len(opts))
	}
}

func TestRateLimit(t *testing.T) {
	current := time.Unix(0, 0)
	limited := RateLimit(RateLimitOptions{
		Requests: 1,
		Window:   time.Second,
		Now: func() time.Time {
			return current
		},
	})
	if _, err := limited.Unary(context.Background(), nil, info, okHandler); err != nil {
		t.Fatalf("expected first call allowed, got %v", err)
	}
	if _, err := limited.Unary(context.Background(), nil, info, okHandler); status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected second call blocked, got %v", err)
	}
	current = current.Add(time.Second)
	if _, err := limited.Unary(context.Background(), nil, info, okHandler); err != nil {
		t.Fatalf("expected call allowed after refill, got %v", err)
	}
}

type stubStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s stubStream) Context() context.Context { return s.ctx }

func TestStreamGuard(t *testing.T) {
	auth := APIKeyAuth("secret")
	called := false
	handler := func(any, grpc.ServerStream) error { called = true; return nil }
	streamInfo := &grpc.StreamServerInfo{FullMethod: "/fontbakery.dashboard.Cache/Put", IsClientStream: true}

	err := auth.Stream(nil, stubStream{ctx: context.Background()}, streamInfo, handler)
	if status.Code(err) != codes.Unauthenticated || called {
		t.Fatalf("unauthenticated stream reached handler: err=%v", err)
	}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "secret"))
	if err := auth.Stream(nil, stubStream{ctx: ctx}, streamInfo, handler); err != nil || !called {
		t.Fatalf("authenticated stream rejected: err=%v called=%v", err, called)
	}
}
