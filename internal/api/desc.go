// Package api exposes the chat core to local clients over gRPC on the
// profile's Unix socket. Requests and responses are protobuf Structs so the
// service needs no generated code.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatcore.v1.Control"

// RPC method names.
const (
	MethodStatus          = "Status"
	MethodListChats       = "ListChats"
	MethodListMessages    = "ListMessages"
	MethodSendText        = "SendText"
	MethodRetryMessage    = "RetryMessage"
	MethodMarkSeen        = "MarkSeen"
	MethodQueueSnapshot   = "QueueSnapshot"
	MethodHistory         = "History"
	MethodSearch          = "Search"
	MethodRequestPresence = "RequestPresence"
	MethodWatchEvents     = "WatchEvents"
)

// ControlServer is the server side of the control service.
type ControlServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListChats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkSeen(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueueSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestPresence(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

// ServiceDesc describes the control service to grpc.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, ControlServer.Status),
		unary(MethodListChats, ControlServer.ListChats),
		unary(MethodListMessages, ControlServer.ListMessages),
		unary(MethodSendText, ControlServer.SendText),
		unary(MethodRetryMessage, ControlServer.RetryMessage),
		unary(MethodMarkSeen, ControlServer.MarkSeen),
		unary(MethodQueueSnapshot, ControlServer.QueueSnapshot),
		unary(MethodHistory, ControlServer.History),
		unary(MethodSearch, ControlServer.Search),
		unary(MethodRequestPresence, ControlServer.RequestPresence),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatcore/v1/control",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type unaryFunc func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).WatchEvents(in, stream)
}
