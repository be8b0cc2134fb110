package grpc_control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "marketrelay.control.v1.Control"

// ControlServer is the server API for the Control service. Messages are
// well-known protobuf types, so no generated code is needed.
type ControlServer interface {
	Start(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Stop(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListInstruments(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
}

// -----------------------------------------------------------------------------

func unaryHandler(method string, call func(ControlServer, context.Context, *emptypb.Empty) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(emptypb.Empty)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ControlServer), ctx, req.(*emptypb.Empty))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Control_ServiceDesc is the grpc.ServiceDesc for the Control service.
var Control_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Start", func(s ControlServer, ctx context.Context, in *emptypb.Empty) (interface{}, error) {
			return s.Start(ctx, in)
		}),
		unaryHandler("Stop", func(s ControlServer, ctx context.Context, in *emptypb.Empty) (interface{}, error) {
			return s.Stop(ctx, in)
		}),
		unaryHandler("Status", func(s ControlServer, ctx context.Context, in *emptypb.Empty) (interface{}, error) {
			return s.Status(ctx, in)
		}),
		unaryHandler("ListInstruments", func(s ControlServer, ctx context.Context, in *emptypb.Empty) (interface{}, error) {
			return s.ListInstruments(ctx, in)
		}),
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&Control_ServiceDesc, srv)
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

type ControlClient struct {
	cc grpc.ClientConnInterface
}

func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

func (c *ControlClient) invoke(ctx context.Context, method string, out interface{}, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, &emptypb.Empty{}, out, opts...)
}

func (c *ControlClient) Start(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "Start", out, opts...)
}

func (c *ControlClient) Stop(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "Stop", out, opts...)
}

func (c *ControlClient) Status(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "Status", out, opts...)
}

func (c *ControlClient) ListInstruments(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	return out, c.invoke(ctx, "ListInstruments", out, opts...)
}
