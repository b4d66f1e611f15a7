package api

import (
	"context"

	"github.com/cuemby/dnsmgmt/pkg/events"
	"github.com/cuemby/dnsmgmt/pkg/types"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "dnsmgmt.v1.DNSManagement"

// Method names of the DNSManagement service
const (
	MethodPutNode          = "PutNode"
	MethodPutAllocation    = "PutAllocation"
	MethodDeleteAllocation = "DeleteAllocation"
	MethodPutRoleInstance  = "PutRoleInstance"
	MethodSetAttribute     = "SetAttribute"
	MethodApplyFilters     = "ApplyFilters"
	MethodDeleteFilter     = "DeleteFilter"
	MethodActivateService  = "ActivateService"
	MethodResync           = "Resync"
	MethodListNodes        = "ListNodes"
	MethodListAllocations  = "ListAllocations"
	MethodListFilters      = "ListFilters"
	MethodListEntries      = "ListEntries"
	MethodGetEntry         = "GetEntry"
	MethodWatchEvents      = "WatchEvents"
)

// FullMethod returns the /service/method path of a method
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// DNSManagementServer is the server side of the management API
type DNSManagementServer interface {
	PutNode(context.Context, *PutNodeRequest) (*Ack, error)
	PutAllocation(context.Context, *PutAllocationRequest) (*Ack, error)
	DeleteAllocation(context.Context, *DeleteAllocationRequest) (*Ack, error)
	PutRoleInstance(context.Context, *PutRoleInstanceRequest) (*types.RoleInstance, error)
	SetAttribute(context.Context, *SetAttributeRequest) (*Ack, error)
	ApplyFilters(context.Context, *ApplyFiltersRequest) (*ApplyFiltersResponse, error)
	DeleteFilter(context.Context, *DeleteFilterRequest) (*Ack, error)
	ActivateService(context.Context, *ActivateServiceRequest) (*Ack, error)
	Resync(context.Context, *ResyncRequest) (*Ack, error)
	ListNodes(context.Context, *ListNodesRequest) (*ListNodesResponse, error)
	ListAllocations(context.Context, *ListAllocationsRequest) (*ListAllocationsResponse, error)
	ListFilters(context.Context, *ListFiltersRequest) (*ListFiltersResponse, error)
	ListEntries(context.Context, *ListEntriesRequest) (*ListEntriesResponse, error)
	GetEntry(context.Context, *GetEntryRequest) (*types.DNSNameEntry, error)
	WatchEvents(*WatchEventsRequest, grpc.ServerStreamingServer[events.Event]) error
}

// unary adapts a typed server method to a grpc.MethodHandler
func unary[Req, Resp any](method string, call func(DNSManagementServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DNSManagementServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(DNSManagementServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchEventsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DNSManagementServer).WatchEvents(in, &grpc.GenericServerStream[WatchEventsRequest, events.Event]{ServerStream: stream})
}

// ServiceDesc describes the DNSManagement service for grpc.Server
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DNSManagementServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodPutNode, DNSManagementServer.PutNode),
		unary(MethodPutAllocation, DNSManagementServer.PutAllocation),
		unary(MethodDeleteAllocation, DNSManagementServer.DeleteAllocation),
		unary(MethodPutRoleInstance, DNSManagementServer.PutRoleInstance),
		unary(MethodSetAttribute, DNSManagementServer.SetAttribute),
		unary(MethodApplyFilters, DNSManagementServer.ApplyFilters),
		unary(MethodDeleteFilter, DNSManagementServer.DeleteFilter),
		unary(MethodActivateService, DNSManagementServer.ActivateService),
		unary(MethodResync, DNSManagementServer.Resync),
		unary(MethodListNodes, DNSManagementServer.ListNodes),
		unary(MethodListAllocations, DNSManagementServer.ListAllocations),
		unary(MethodListFilters, DNSManagementServer.ListFilters),
		unary(MethodListEntries, DNSManagementServer.ListEntries),
		unary(MethodGetEntry, DNSManagementServer.GetEntry),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
}

// RegisterDNSManagementServer registers srv on s
func RegisterDNSManagementServer(s grpc.ServiceRegistrar, srv DNSManagementServer) {
	s.RegisterService(&ServiceDesc, srv)
}
