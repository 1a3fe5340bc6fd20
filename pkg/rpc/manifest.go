package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fontbakery/dashcache/pkg/manifest"
)

// ManifestServiceName is the fully qualified gRPC service name.
const ManifestServiceName = "fontbakery.dashboard.Manifest"

const manifestPokeMethod = "/" + ManifestServiceName + "/Poke"

// ManifestServer is the server API of the Manifest service.
type ManifestServer interface {
	Poke(context.Context, *PokeRequest) (*GenericResponse, error)
}

// UnimplementedManifestServer answers every method with codes.Unimplemented.
type UnimplementedManifestServer struct{}

func (UnimplementedManifestServer) Poke(context.Context, *PokeRequest) (*GenericResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Poke not implemented")
}

// ManifestServiceDesc is the handler table of the Manifest service.
var ManifestServiceDesc = grpc.ServiceDesc{
	ServiceName: ManifestServiceName,
	HandlerType: (*ManifestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Poke", Handler: manifestPokeHandler},
	},
	Metadata: "fontbakery/dashboard/manifest",
}

// RegisterManifestServer registers srv on s.
func RegisterManifestServer(s grpc.ServiceRegistrar, srv ManifestServer) {
	s.RegisterService(&ManifestServiceDesc, srv)
}

func manifestPokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PokeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ManifestServer).Poke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: manifestPokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ManifestServer).Poke(ctx, req.(*PokeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ManifestClient is the client API of the Manifest service.
type ManifestClient interface {
	Poke(ctx context.Context, in *PokeRequest, opts ...grpc.CallOption) (*GenericResponse, error)
}

type manifestClient struct {
	cc grpc.ClientConnInterface
}

// NewManifestClient returns a Manifest client on cc.
func NewManifestClient(cc grpc.ClientConnInterface) ManifestClient {
	return &manifestClient{cc: cc}
}

func (c *manifestClient) Poke(ctx context.Context, in *PokeRequest, opts ...grpc.CallOption) (*GenericResponse, error) {
	out := new(GenericResponse)
	if err := c.cc.Invoke(ctx, manifestPokeMethod, in, out, append([]grpc.CallOption{callCBOR}, opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

// Poker is what the Manifest handler drives. *manifest.Tracker implements it.
type Poker interface {
	Poke(ctx context.Context, collection string, force bool) (manifest.PokeResult, error)
}

// ManifestHandler serves the Manifest service from a tracker.
type ManifestHandler struct {
	UnimplementedManifestServer
	tracker Poker
}

// NewManifestHandler returns a ManifestServer backed by tracker.
func NewManifestHandler(tracker Poker) *ManifestHandler {
	return &ManifestHandler{tracker: tracker}
}

func (h *ManifestHandler) Poke(ctx context.Context, in *PokeRequest) (*GenericResponse, error) {
	result, err := h.tracker.Poke(ctx, in.Collection, in.Force)
	if err != nil {
		return nil, ToStatus(err)
	}
	if result.Status == manifest.PokeBusy {
		return &GenericResponse{Status: StatusBusy, Message: "update cycle already running for " + in.Collection}, nil
	}
	return &GenericResponse{
		Status:  StatusOK,
		Changes: result.Changes,
		Reports: result.Reports,
	}, nil
}
