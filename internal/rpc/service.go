// Package rpc serves the allocation decision over gRPC. Messages are the
// inference package's JSON types carried with a JSON codec, so no generated
// stubs are involved.
package rpc

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cartridge/learner/internal/inference"
)

const (
	serviceName   = "cartridge.learner.v1.Inference"
	predictMethod = "/" + serviceName + "/Predict"
)

// InferenceServer is the server API of the inference service.
type InferenceServer interface {
	Predict(ctx context.Context, req *inference.Request) (*inference.Response, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*InferenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: predictHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cartridge/learner/v1/inference",
}

func predictHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(inference.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InferenceServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: predictMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InferenceServer).Predict(ctx, req.(*inference.Request))
	}
	return interceptor(ctx, in, info, handler)
}

// Register adds the inference service to s.
func Register(s grpc.ServiceRegistrar, srv InferenceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Service implements InferenceServer on top of an Allocator.
type Service struct {
	alloc inference.Allocator
}

// NewService creates a new Service
func NewService(alloc inference.Allocator) *Service {
	return &Service{alloc: alloc}
}

// Predict returns the width granted to one request.
func (s *Service) Predict(ctx context.Context, req *inference.Request) (*inference.Response, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	w, err := s.alloc.Allocate(ctx, *req)
	if errors.Is(err, inference.ErrInvalidRequest) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &inference.Response{W: w}, nil
}

// Client calls the inference service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Predict asks the server for a width decision.
func (c *Client) Predict(ctx context.Context, req *inference.Request, opts ...grpc.CallOption) (*inference.Response, error) {
	out := new(inference.Response)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, predictMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// LoggingInterceptor logs gRPC requests
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		event := logger.Info()
		if err != nil {
			event = logger.Warn().Err(err).Str("code", status.Code(err).String())
		}
		event.
			Str("method", info.FullMethod).
			Dur("duration", time.Since(start)).
			Msg("gRPC request")
		return resp, err
	}
}
