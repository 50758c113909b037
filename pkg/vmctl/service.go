// Package vmctl exposes a running machine over gRPC.
//
// The service has no generated stubs. Messages are plain Go structs carried
// by a JSON codec, and the service descriptor is written out by hand.
package vmctl

import (
	"context"
	"encoding/json"

	"github.com/fortiblox/bitmapvm/pkg/coredump"
	"github.com/fortiblox/bitmapvm/pkg/vm"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bitmapvm.VMControl"

// Full method names.
const (
	MethodStats             = "/" + ServiceName + "/Stats"
	MethodListAddressSpaces = "/" + ServiceName + "/ListAddressSpaces"
	MethodListDumps         = "/" + ServiceName + "/ListDumps"
	MethodGetDump           = "/" + ServiceName + "/GetDump"
)

// StatsRequest asks for machine statistics.
type StatsRequest struct{}

// CPUStats describes one CPU.
type CPUStats struct {
	ID       int  `json:"id"`
	TLBValid int  `json:"tlb_valid"`
	Busy     bool `json:"busy"`
}

// StatsResponse carries machine statistics.
type StatsResponse struct {
	Stats vm.Stats   `json:"stats"`
	CPUs  []CPUStats `json:"cpus"`
}

// ListAddressSpacesRequest asks for the live address spaces.
type ListAddressSpacesRequest struct{}

// ListAddressSpacesResponse lists live address spaces ordered by id.
type ListAddressSpacesResponse struct {
	Spaces []vm.Info `json:"spaces"`
}

// ListDumpsRequest asks for stored dump metadata.
type ListDumpsRequest struct{}

// ListDumpsResponse lists stored dumps, oldest first.
type ListDumpsResponse struct {
	Dumps []coredump.Meta `json:"dumps"`
}

// GetDumpRequest fetches one dump.
type GetDumpRequest struct {
	Key string `json:"key"`

	// WithData includes segment contents.
	WithData bool `json:"with_data"`
}

// GetDumpResponse carries one dump. Segment data is empty unless requested.
type GetDumpResponse struct {
	Meta     coredump.Meta      `json:"meta"`
	Segments []coredump.Segment `json:"segments"`
}

// VMControlServer is the server API for the control service.
type VMControlServer interface {
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
	ListAddressSpaces(context.Context, *ListAddressSpacesRequest) (*ListAddressSpacesResponse, error)
	ListDumps(context.Context, *ListDumpsRequest) (*ListDumpsResponse, error)
	GetDump(context.Context, *GetDumpRequest) (*GetDumpResponse, error)
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VMControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stats", Handler: statsHandler},
		{MethodName: "ListAddressSpaces", Handler: listAddressSpacesHandler},
		{MethodName: "ListDumps", Handler: listDumpsHandler},
		{MethodName: "GetDump", Handler: getDumpHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vmctl",
}

// Register registers srv on s.
func Register(s *grpc.Server, srv VMControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func statsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VMControlServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodStats}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VMControlServer).Stats(ctx, req.(*StatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listAddressSpacesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListAddressSpacesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VMControlServer).ListAddressSpaces(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodListAddressSpaces}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VMControlServer).ListAddressSpaces(ctx, req.(*ListAddressSpacesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listDumpsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListDumpsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VMControlServer).ListDumps(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodListDumps}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VMControlServer).ListDumps(ctx, req.(*ListDumpsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getDumpHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetDumpRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VMControlServer).GetDump(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetDump}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VMControlServer).GetDump(ctx, req.(*GetDumpRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// jsonCodec carries messages as JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}
