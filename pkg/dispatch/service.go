package dispatch

import (
	"context"

	"google.golang.org/grpc"
)

// This file is the hand-written equivalent of what protoc-gen-go-grpc would
// emit for a single bidi-streaming "Exchange(stream Envelope) returns
// (stream Envelope)" RPC. There is deliberately no .proto source: the
// Envelope/codec pair in envelope.go and codec.go make every wire message
// this system needs fit through one streaming method, so running protoc
// would only reproduce this file by hand a second time.

const transportServiceName = "gridcache.Transport"

// transportServer is implemented by Dispatcher to accept inbound streams.
type transportServer interface {
	Exchange(stream TransportExchangeServer) error
}

// TransportExchangeServer is the server-side handle for one peer's stream.
type TransportExchangeServer interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ServerStream
}

type transportExchangeServer struct {
	grpc.ServerStream
}

func (x *transportExchangeServer) Send(m *Envelope) error {
	return x.ServerStream.SendMsg(m)
}

func (x *transportExchangeServer) Recv() (*Envelope, error) {
	m := new(Envelope)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func transportExchangeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(transportServer).Exchange(&transportExchangeServer{ServerStream: stream})
}

// ServiceDesc registers transportServer implementations with a grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: transportServiceName,
	HandlerType: (*transportServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       transportExchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pkg/dispatch/service.go",
}

// RegisterTransportServer wires srv into a grpc.Server.
func RegisterTransportServer(s *grpc.Server, srv transportServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// TransportExchangeClient is the client-side handle for one peer's stream.
type TransportExchangeClient interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ClientStream
}

type transportExchangeClient struct {
	grpc.ClientStream
}

func (x *transportExchangeClient) Send(m *Envelope) error {
	return x.ClientStream.SendMsg(m)
}

func (x *transportExchangeClient) Recv() (*Envelope, error) {
	m := new(Envelope)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// newTransportExchangeClient opens the single bidi stream dialed to one peer.
// ctx governs the stream's lifetime, not a single call: callers pass a
// per-peer-connection context that they cancel on Close.
func newTransportExchangeClient(ctx context.Context, cc grpc.ClientConnInterface) (TransportExchangeClient, error) {
	stream, err := cc.NewStream(
		ctx,
		&ServiceDesc.Streams[0],
		"/"+transportServiceName+"/Exchange",
		grpc.CallContentSubtype(codecName),
	)
	if err != nil {
		return nil, err
	}
	return &transportExchangeClient{ClientStream: stream}, nil
}
