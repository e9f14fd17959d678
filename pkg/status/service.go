/*
Copyright 2024 The VPNC Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package status

import (
	"context"

	"google.golang.org/grpc"
)

// StatusServer is the interface a status.Server implements. It stands
// in for the service interface protoc would otherwise generate from a
// status.proto file.
type StatusServer interface {
	Show(context.Context, *ShowRequest) (*ShowResponse, error)
	Summary(context.Context, *SummaryRequest) (*SummaryResponse, error)
	NAT(context.Context, *NATRequest) (*NATResponse, error)
	BGP(context.Context, *BGPRequest) (*BGPResponse, error)
}

// RegisterStatusServer wires srv into s under the service's hand-
// written descriptor.
func RegisterStatusServer(s grpc.ServiceRegistrar, srv StatusServer) {
	s.RegisterService(&statusServiceDesc, srv)
}

func statusShowHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ShowRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServer).Show(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vpnc.status.v1.Status/Show"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StatusServer).Show(ctx, req.(*ShowRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func statusSummaryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SummaryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServer).Summary(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vpnc.status.v1.Status/Summary"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StatusServer).Summary(ctx, req.(*SummaryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func statusNATHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(NATRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServer).NAT(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vpnc.status.v1.Status/NAT"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StatusServer).NAT(ctx, req.(*NATRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func statusBGPHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(BGPRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServer).BGP(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vpnc.status.v1.Status/BGP"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StatusServer).BGP(ctx, req.(*BGPRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var statusServiceDesc = grpc.ServiceDesc{
	ServiceName: "vpnc.status.v1.Status",
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Show", Handler: statusShowHandler},
		{MethodName: "Summary", Handler: statusSummaryHandler},
		{MethodName: "NAT", Handler: statusNATHandler},
		{MethodName: "BGP", Handler: statusBGPHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/status/service.go",
}
