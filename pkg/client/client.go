package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cuemby/dnsmgmt/pkg/api"
	"github.com/cuemby/dnsmgmt/pkg/config"
	"github.com/cuemby/dnsmgmt/pkg/events"
	"github.com/cuemby/dnsmgmt/pkg/security"
	"github.com/cuemby/dnsmgmt/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	encproto "google.golang.org/grpc/encoding/proto"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DefaultTimeout bounds every call that has no deadline of its own
const DefaultTimeout = 10 * time.Second

// Client wraps the DNSManagement gRPC API for CLI usage
type Client struct {
	conn    *grpc.ClientConn
	cc      grpc.ClientConnInterface
	timeout time.Duration
}

// NewClient connects to a dnsmgmt daemon. addr is unix:///path or
// host:port. A nil tlsCfg connects without transport security, which the
// daemon only accepts on its read-only local socket or when api_tls is off.
func NewClient(addr string, tlsCfg *tls.Config) (*Client, error) {
	network, address, err := config.ParseListenAddr(addr)
	if err != nil {
		return nil, err
	}

	target := address
	if network == "unix" {
		target = "unix://" + address
	}

	creds := insecure.NewCredentials()
	if tlsCfg != nil {
		creds = credentials.NewTLS(tlsCfg)
	}

	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial dnsmgmt: %w", err)
	}

	return &Client{conn: conn, cc: conn, timeout: DefaultTimeout}, nil
}

// NewClientWithMTLS connects to a TCP address authenticating with the
// certificate bundle at p
func NewClientWithMTLS(addr string, p security.Paths) (*Client, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("mTLS requires a host:port address: %w", err)
	}
	if !security.CertExists(p) {
		return nil, fmt.Errorf("client certificate not found at %s. Run 'dnsmgmt certs init' or point --tls-* at an existing bundle", p.CertFile)
	}

	tlsCfg, err := security.ClientTLSConfig(p, host)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}
	return NewClient(addr, tlsCfg)
}

// NewClientFromConn wraps an existing connection. Calls made through it
// must already use the api.CodecName content subtype.
func NewClientFromConn(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc, timeout: DefaultTimeout}
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out := new(Resp)
	if err := c.cc.Invoke(ctx, api.FullMethod(method), req, out, grpc.CallContentSubtype(api.CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

// PutNode creates or updates a node
func (c *Client) PutNode(ctx context.Context, node *types.Node) error {
	_, err := invoke[api.Ack](ctx, c, api.MethodPutNode, &api.PutNodeRequest{Node: node})
	return err
}

// PutAllocation creates or updates a network allocation
func (c *Client) PutAllocation(ctx context.Context, alloc *types.NetworkAllocation) error {
	_, err := invoke[api.Ack](ctx, c, api.MethodPutAllocation, &api.PutAllocationRequest{Allocation: alloc})
	return err
}

// DeleteAllocation removes an allocation and its DNS records
func (c *Client) DeleteAllocation(ctx context.Context, id string) error {
	_, err := invoke[api.Ack](ctx, c, api.MethodDeleteAllocation, &api.DeleteAllocationRequest{ID: id})
	return err
}

// PutRoleInstance creates or updates a role instance
func (c *Client) PutRoleInstance(ctx context.Context, ri *types.RoleInstance) (*types.RoleInstance, error) {
	return invoke[types.RoleInstance](ctx, c, api.MethodPutRoleInstance, &api.PutRoleInstanceRequest{Instance: ri})
}

// SetAttribute stores a scoped attribute. value must be valid JSON.
func (c *Client) SetAttribute(ctx context.Context, name, scope string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("attribute %s: value is not valid JSON", name)
	}
	_, err := invoke[api.Ack](ctx, c, api.MethodSetAttribute, &api.SetAttributeRequest{Name: name, Scope: scope, Value: value})
	return err
}

// ApplyFilters upserts filters and, with prune, deletes the ones not given
func (c *Client) ApplyFilters(ctx context.Context, filters []*types.DNSNameFilter, prune bool) (*api.ApplyFiltersResponse, error) {
	return invoke[api.ApplyFiltersResponse](ctx, c, api.MethodApplyFilters, &api.ApplyFiltersRequest{Filters: filters, Prune: prune})
}

// DeleteFilter removes a filter
func (c *Client) DeleteFilter(ctx context.Context, id string) error {
	_, err := invoke[api.Ack](ctx, c, api.MethodDeleteFilter, &api.DeleteFilterRequest{ID: id})
	return err
}

// ActivateService waits for the service transition and resyncs. The wait
// is bounded by the daemon, so ctx should allow for it.
func (c *Client) ActivateService(ctx context.Context, role string) error {
	_, err := invoke[api.Ack](ctx, c, api.MethodActivateService, &api.ActivateServiceRequest{Role: role})
	return err
}

// Resync retries pending entries and reconciles everything
func (c *Client) Resync(ctx context.Context) error {
	_, err := invoke[api.Ack](ctx, c, api.MethodResync, &api.ResyncRequest{})
	return err
}

// ListNodes returns all nodes
func (c *Client) ListNodes(ctx context.Context) ([]*types.Node, error) {
	resp, err := invoke[api.ListNodesResponse](ctx, c, api.MethodListNodes, &api.ListNodesRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// ListAllocations returns allocations, optionally only those of one node
func (c *Client) ListAllocations(ctx context.Context, nodeID string) ([]*types.NetworkAllocation, error) {
	resp, err := invoke[api.ListAllocationsResponse](ctx, c, api.MethodListAllocations, &api.ListAllocationsRequest{NodeID: nodeID})
	if err != nil {
		return nil, err
	}
	return resp.Allocations, nil
}

// ListFilters returns all filters
func (c *Client) ListFilters(ctx context.Context) ([]*types.DNSNameFilter, error) {
	resp, err := invoke[api.ListFiltersResponse](ctx, c, api.MethodListFilters, &api.ListFiltersRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Filters, nil
}

// ListEntries returns DNS name entries
func (c *Client) ListEntries(ctx context.Context, allocationID string, pendingOnly bool) ([]*types.DNSNameEntry, error) {
	resp, err := invoke[api.ListEntriesResponse](ctx, c, api.MethodListEntries, &api.ListEntriesRequest{
		AllocationID: allocationID,
		PendingOnly:  pendingOnly,
	})
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// GetEntry returns one DNS name entry by ID
func (c *Client) GetEntry(ctx context.Context, id string) (*types.DNSNameEntry, error) {
	return invoke[types.DNSNameEntry](ctx, c, api.MethodGetEntry, &api.GetEntryRequest{ID: id})
}

// WatchEvents streams events to fn until ctx is done, the stream ends or
// fn returns an error
func (c *Client) WatchEvents(ctx context.Context, eventTypes []events.EventType, fn func(*events.Event) error) error {
	stream, err := c.cc.NewStream(ctx, &api.ServiceDesc.Streams[0], api.FullMethod(api.MethodWatchEvents), grpc.CallContentSubtype(api.CodecName))
	if err != nil {
		return err
	}

	x := &grpc.GenericClientStream[api.WatchEventsRequest, events.Event]{ClientStream: stream}
	if err := x.Send(&api.WatchEventsRequest{Types: eventTypes}); err != nil {
		return err
	}
	if err := x.CloseSend(); err != nil {
		return err
	}

	for {
		event, err := x.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}

// Health reports the serving status of the management service
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// The health service speaks protobuf, not the API codec
	resp, err := healthpb.NewHealthClient(c.cc).Check(ctx, &healthpb.HealthCheckRequest{Service: api.ServiceName},
		grpc.CallContentSubtype(encproto.Name))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}
