package grpcadmin

import (
	"context"

	"google.golang.org/grpc"

	"github.com/hookcore/bridge/internal/admin"
	"github.com/hookcore/bridge/internal/domain"
)

// Server implements the admin gRPC service by delegating to the same
// internal/admin.Ops the HTTP admin endpoints use.
type Server struct {
	ops *admin.Ops
}

// NewServer builds a Server over ops.
func NewServer(ops *admin.Ops) *Server {
	return &Server{ops: ops}
}

// Register attaches the admin service to gs under the "json" content
// subtype registered in codec.go.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

type registerWorkerRequest struct {
	domain.WorkerDef
	Endpoint string `json:"endpoint"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type unregisterWorkerRequest struct {
	Name string `json:"name"`
}

type invalidateCacheRequest struct {
	Pattern string `json:"pattern"`
}

type invalidateCacheResponse struct {
	Invalidated int `json:"invalidated"`
}

type circuitResetRequest struct {
	Worker    string `json:"worker"`
	Operation string `json:"operation,omitempty"`
}

type circuitResetResponse struct {
	Reset bool `json:"reset"`
}

func (s *Server) registerWorker(ctx context.Context, req *registerWorkerRequest) (*okResponse, error) {
	if err := s.ops.RegisterWorker(req.WorkerDef, req.Endpoint); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

func (s *Server) unregisterWorker(ctx context.Context, req *unregisterWorkerRequest) (*okResponse, error) {
	if err := s.ops.UnregisterWorker(req.Name); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

func (s *Server) invalidateCache(ctx context.Context, req *invalidateCacheRequest) (*invalidateCacheResponse, error) {
	return &invalidateCacheResponse{Invalidated: s.ops.InvalidateCache(req.Pattern)}, nil
}

func (s *Server) circuitReset(ctx context.Context, req *circuitResetRequest) (*circuitResetResponse, error) {
	return &circuitResetResponse{Reset: s.ops.CircuitReset(req.Worker, req.Operation)}, nil
}

func registerWorkerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	req := new(registerWorkerRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return s.registerWorker(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/bridge.admin.Admin/RegisterWorker"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.registerWorker(ctx, req.(*registerWorkerRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func unregisterWorkerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	req := new(unregisterWorkerRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return s.unregisterWorker(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/bridge.admin.Admin/UnregisterWorker"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.unregisterWorker(ctx, req.(*unregisterWorkerRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func invalidateCacheHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	req := new(invalidateCacheRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return s.invalidateCache(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/bridge.admin.Admin/InvalidateCache"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.invalidateCache(ctx, req.(*invalidateCacheRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func circuitResetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	req := new(circuitResetRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return s.circuitReset(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/bridge.admin.Admin/CircuitReset"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.circuitReset(ctx, req.(*circuitResetRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// serviceDesc is a hand-written grpc.ServiceDesc built directly the way
// protoc-gen-go-grpc would emit one.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "bridge.admin.Admin",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterWorker", Handler: registerWorkerHandler},
		{MethodName: "UnregisterWorker", Handler: unregisterWorkerHandler},
		{MethodName: "InvalidateCache", Handler: invalidateCacheHandler},
		{MethodName: "CircuitReset", Handler: circuitResetHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/grpcadmin/admin.json",
}
