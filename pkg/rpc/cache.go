package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fontbakery/dashcache/pkg/cachesvc"
)

// CacheServiceName is the fully qualified gRPC service name.
const CacheServiceName = "fontbakery.dashboard.Cache"

const (
	cachePutMethod   = "/" + CacheServiceName + "/Put"
	cacheGetMethod   = "/" + CacheServiceName + "/Get"
	cachePurgeMethod = "/" + CacheServiceName + "/Purge"
)

// CacheServer is the server API of the Cache service.
type CacheServer interface {
	Put(CachePutStream) error
	Get(context.Context, *CacheKey) (*AnyPayload, error)
	Purge(context.Context, *CacheKey) (*CacheStatus, error)
}

// CachePutStream is the server side of a Put upload.
type CachePutStream interface {
	SendAndClose(*CacheKey) error
	Recv() (*CacheItem, error)
	grpc.ServerStream
}

// UnimplementedCacheServer answers every method with codes.Unimplemented.
// Embed it to implement the service partially.
type UnimplementedCacheServer struct{}

func (UnimplementedCacheServer) Put(CachePutStream) error {
	return status.Error(codes.Unimplemented, "method Put not implemented")
}

func (UnimplementedCacheServer) Get(context.Context, *CacheKey) (*AnyPayload, error) {
	return nil, status.Error(codes.Unimplemented, "method Get not implemented")
}

func (UnimplementedCacheServer) Purge(context.Context, *CacheKey) (*CacheStatus, error) {
	return nil, status.Error(codes.Unimplemented, "method Purge not implemented")
}

// CacheServiceDesc is the handler table of the Cache service.
var CacheServiceDesc = grpc.ServiceDesc{
	ServiceName: CacheServiceName,
	HandlerType: (*CacheServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: cacheGetHandler},
		{MethodName: "Purge", Handler: cachePurgeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Put", Handler: cachePutHandler, ClientStreams: true},
	},
	Metadata: "fontbakery/dashboard/cache",
}

// RegisterCacheServer registers srv on s.
func RegisterCacheServer(s grpc.ServiceRegistrar, srv CacheServer) {
	s.RegisterService(&CacheServiceDesc, srv)
}

func cachePutHandler(srv any, stream grpc.ServerStream) error {
	return srv.(CacheServer).Put(&cachePutStream{ServerStream: stream})
}

func cacheGetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CacheKey)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CacheServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: cacheGetMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CacheServer).Get(ctx, req.(*CacheKey))
	}
	return interceptor(ctx, in, info, handler)
}

func cachePurgeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CacheKey)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CacheServer).Purge(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: cachePurgeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CacheServer).Purge(ctx, req.(*CacheKey))
	}
	return interceptor(ctx, in, info, handler)
}

type cachePutStream struct {
	grpc.ServerStream
}

func (x *cachePutStream) SendAndClose(m *CacheKey) error {
	return x.ServerStream.SendMsg(m)
}

func (x *cachePutStream) Recv() (*CacheItem, error) {
	m := new(CacheItem)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// CacheClient is the client API of the Cache service.
type CacheClient interface {
	Put(ctx context.Context, opts ...grpc.CallOption) (CachePutClient, error)
	Get(ctx context.Context, in *CacheKey, opts ...grpc.CallOption) (*AnyPayload, error)
	Purge(ctx context.Context, in *CacheKey, opts ...grpc.CallOption) (*CacheStatus, error)
}

// CachePutClient is the client side of a Put upload.
type CachePutClient interface {
	Send(*CacheItem) error
	CloseAndRecv() (*CacheKey, error)
	grpc.ClientStream
}

type cacheClient struct {
	cc grpc.ClientConnInterface
}

// NewCacheClient returns a Cache client on cc.
func NewCacheClient(cc grpc.ClientConnInterface) CacheClient {
	return &cacheClient{cc: cc}
}

func (c *cacheClient) Put(ctx context.Context, opts ...grpc.CallOption) (CachePutClient, error) {
	stream, err := c.cc.NewStream(ctx, &CacheServiceDesc.Streams[0], cachePutMethod, append([]grpc.CallOption{callCBOR}, opts...)...)
	if err != nil {
		return nil, err
	}
	return &cachePutClient{ClientStream: stream}, nil
}

func (c *cacheClient) Get(ctx context.Context, in *CacheKey, opts ...grpc.CallOption) (*AnyPayload, error) {
	out := new(AnyPayload)
	if err := c.cc.Invoke(ctx, cacheGetMethod, in, out, append([]grpc.CallOption{callCBOR}, opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *cacheClient) Purge(ctx context.Context, in *CacheKey, opts ...grpc.CallOption) (*CacheStatus, error) {
	out := new(CacheStatus)
	if err := c.cc.Invoke(ctx, cachePurgeMethod, in, out, append([]grpc.CallOption{callCBOR}, opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

type cachePutClient struct {
	grpc.ClientStream
}

func (x *cachePutClient) Send(m *CacheItem) error {
	return x.ClientStream.SendMsg(m)
}

func (x *cachePutClient) CloseAndRecv() (*CacheKey, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(CacheKey)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// CacheHandler serves the Cache service from a cachesvc.Service.
type CacheHandler struct {
	UnimplementedCacheServer
	svc *cachesvc.Service
}

// NewCacheHandler returns a CacheServer backed by svc.
func NewCacheHandler(svc *cachesvc.Service) *CacheHandler {
	return &CacheHandler{svc: svc}
}

func (h *CacheHandler) Put(stream CachePutStream) error {
	key, err := h.svc.Put(stream.Context(), itemStream{stream})
	if err != nil {
		return ToStatus(err)
	}
	return stream.SendAndClose(NewCacheKey(key))
}

func (h *CacheHandler) Get(ctx context.Context, in *CacheKey) (*AnyPayload, error) {
	key, err := in.Key()
	if err != nil {
		return nil, ToStatus(err)
	}
	payload, err := h.svc.Get(ctx, key)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &AnyPayload{TypeURL: payload.TypeURL, Value: payload.Value}, nil
}

func (h *CacheHandler) Purge(ctx context.Context, in *CacheKey) (*CacheStatus, error) {
	key, err := in.Key()
	if err != nil {
		return nil, ToStatus(err)
	}
	st, err := h.svc.Purge(ctx, key)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &CacheStatus{Status: st.String()}, nil
}

// itemStream adapts the gRPC stream to cachesvc.ItemStream.
type itemStream struct {
	stream CachePutStream
}

func (s itemStream) Recv() (cachesvc.Item, error) {
	m, err := s.stream.Recv()
	if err != nil {
		return cachesvc.Item{}, err
	}
	return cachesvc.Item{Namespace: m.Namespace, ContentType: m.ContentType, Payload: m.Payload, Last: m.Last}, nil
}
