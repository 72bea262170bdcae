package rpc

import (
	"google.golang.org/grpc"
)

const serviceName = "zonelink.peer.v1.Peer"

// Full method names, as signed by clients and seen by interceptors
const (
	UploadMethod   = "/" + serviceName + "/Upload"
	DownloadMethod = "/" + serviceName + "/Download"
	ForwardMethod  = "/" + serviceName + "/Forward"
)

// PeerServer is the server side of the peer service.
//
// Upload: the client sends an object frame, then data frames, and receives
// a result frame. Download: the client sends an object frame and receives a
// result frame carrying attributes, then data frames. Forward: the client
// sends a request frame and a single body frame, and receives a status frame
// followed by body frames.
type PeerServer interface {
	Upload(grpc.ServerStream) error
	Download(grpc.ServerStream) error
	Forward(grpc.ServerStream) error
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PeerServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Upload",
			Handler:       func(srv interface{}, stream grpc.ServerStream) error { return srv.(PeerServer).Upload(stream) },
			ClientStreams: true,
		},
		{
			StreamName:    "Download",
			Handler:       func(srv interface{}, stream grpc.ServerStream) error { return srv.(PeerServer).Download(stream) },
			ServerStreams: true,
		},
		{
			StreamName:    "Forward",
			Handler:       func(srv interface{}, stream grpc.ServerStream) error { return srv.(PeerServer).Forward(stream) },
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "zonelink/peer.proto",
}

var (
	uploadStreamDesc   = &peerServiceDesc.Streams[0]
	downloadStreamDesc = &peerServiceDesc.Streams[1]
	forwardStreamDesc  = &peerServiceDesc.Streams[2]
)

// RegisterPeerServer attaches srv to a gRPC server
func RegisterPeerServer(s grpc.ServiceRegistrar, srv PeerServer) {
	s.RegisterService(&peerServiceDesc, srv)
}
