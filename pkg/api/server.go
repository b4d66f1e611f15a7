package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/cuemby/dnsmgmt/pkg/attrib"
	"github.com/cuemby/dnsmgmt/pkg/config"
	"github.com/cuemby/dnsmgmt/pkg/events"
	"github.com/cuemby/dnsmgmt/pkg/filter"
	"github.com/cuemby/dnsmgmt/pkg/log"
	"github.com/cuemby/dnsmgmt/pkg/metrics"
	"github.com/cuemby/dnsmgmt/pkg/storage"
	"github.com/cuemby/dnsmgmt/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Reconciler is the part of the reconciler the API drives
type Reconciler interface {
	AwaitTransition(ctx context.Context, role string) error
	OnActive(ctx context.Context) error
	OnNodeChange(ctx context.Context, node *types.Node) error
	OnNetworkAllocationCreate(ctx context.Context, alloc *types.NetworkAllocation) error
	OnNetworkAllocationDelete(ctx context.Context, alloc *types.NetworkAllocation) error
	RetryPending(ctx context.Context) error
}

// Server implements the DNSManagement gRPC service
type Server struct {
	store      storage.Store
	reconciler Reconciler
	broker     *events.Broker
	health     *health.Server
	grpc       *grpc.Server
	local      *grpc.Server
	logger     zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

var _ DNSManagementServer = (*Server)(nil)

// NewServer creates a new API server. A nil tlsCfg serves without
// transport security.
func NewServer(store storage.Store, rec Reconciler, broker *events.Broker, tlsCfg *tls.Config) *Server {
	s := &Server{
		store:      store,
		reconciler: rec,
		broker:     broker,
		health:     health.NewServer(),
		logger:     log.WithComponent("api"),
		done:       make(chan struct{}),
	}

	opts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(MetricsInterceptor())}
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	s.grpc = grpc.NewServer(opts...)
	s.local = grpc.NewServer(
		grpc.ChainUnaryInterceptor(ReadOnlyInterceptor(), MetricsInterceptor()),
		grpc.ChainStreamInterceptor(ReadOnlyStreamInterceptor()),
	)

	for _, gs := range []*grpc.Server{s.grpc, s.local} {
		RegisterDNSManagementServer(gs, s)
		healthpb.RegisterHealthServer(gs, s.health)
	}
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Listen opens a listener for a unix:// or host:port address. A stale
// unix socket is removed first.
func Listen(addr string) (net.Listener, error) {
	network, address, err := config.ParseListenAddr(addr)
	if err != nil {
		return nil, err
	}

	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(address), 0755); err != nil {
			return nil, fmt.Errorf("failed to create socket directory: %w", err)
		}
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	lis, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %v", err)
	}
	if network == "unix" {
		if err := os.Chmod(address, 0600); err != nil {
			lis.Close()
			return nil, fmt.Errorf("failed to restrict socket: %w", err)
		}
	}
	return lis, nil
}

// Serve serves the full API on lis
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC API listening")
	metrics.UpdateComponent(metrics.ComponentAPI, true, "")
	return s.grpc.Serve(lis)
}

// ServeLocal serves the read-only API on lis
func (s *Server) ServeLocal(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("read-only gRPC API listening")
	return s.local.Serve(lis)
}

// Stop ends open event streams and gracefully stops both gRPC servers
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.health.Shutdown()
		metrics.UpdateComponent(metrics.ComponentAPI, false, "stopped")
		s.grpc.GracefulStop()
		s.local.GracefulStop()
	})
}

// toStatus maps domain errors onto gRPC status codes
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, filter.ErrInvalidName):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, attrib.ErrNotReady):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func ok() *Ack {
	return &Ack{Status: "ok"}
}

// PutNode stores a node and re-claims its allocations
func (s *Server) PutNode(ctx context.Context, req *PutNodeRequest) (*Ack, error) {
	if req.Node == nil || req.Node.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "node id is required")
	}
	req.Node.UpdatedAt = time.Now()

	if err := s.store.PutNode(req.Node); err != nil {
		return nil, toStatus(fmt.Errorf("failed to store node: %w", err))
	}
	if err := s.reconciler.OnNodeChange(ctx, req.Node); err != nil {
		return nil, toStatus(err)
	}
	return ok(), nil
}

// PutAllocation stores an allocation and claims it
func (s *Server) PutAllocation(ctx context.Context, req *PutAllocationRequest) (*Ack, error) {
	alloc := req.Allocation
	if alloc == nil || alloc.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "allocation id is required")
	}
	if _, err := alloc.Addr(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if alloc.CreatedAt.IsZero() {
		alloc.CreatedAt = time.Now()
	}

	if err := s.store.PutAllocation(alloc); err != nil {
		return nil, toStatus(fmt.Errorf("failed to store allocation: %w", err))
	}
	if err := s.reconciler.OnNetworkAllocationCreate(ctx, alloc); err != nil {
		return nil, toStatus(err)
	}
	return ok(), nil
}

// DeleteAllocation removes the allocation's entries, then the allocation.
// The allocation is marked deleting first and kept while any REMOVE fails.
// Resyncs then keep removing its entries instead of re-adding them, and the
// caller retries the delete to drop the allocation itself.
func (s *Server) DeleteAllocation(ctx context.Context, req *DeleteAllocationRequest) (*Ack, error) {
	alloc, err := s.store.GetAllocation(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	if !alloc.Deleting {
		alloc.Deleting = true
		if err := s.store.PutAllocation(alloc); err != nil {
			return nil, toStatus(fmt.Errorf("failed to mark allocation deleting: %w", err))
		}
	}
	if err := s.reconciler.OnNetworkAllocationDelete(ctx, alloc); err != nil {
		return nil, toStatus(err)
	}
	if err := s.store.DeleteAllocation(alloc.ID); err != nil {
		return nil, toStatus(fmt.Errorf("failed to delete allocation: %w", err))
	}
	return ok(), nil
}

// PutRoleInstance stores a role instance and returns it with its sequence
func (s *Server) PutRoleInstance(ctx context.Context, req *PutRoleInstanceRequest) (*types.RoleInstance, error) {
	ri := req.Instance
	if ri == nil || ri.ID == "" || ri.Role == "" {
		return nil, status.Error(codes.InvalidArgument, "role instance id and role are required")
	}
	ri.UpdatedAt = time.Now()

	if err := s.store.PutRoleInstance(ri); err != nil {
		return nil, toStatus(fmt.Errorf("failed to store role instance: %w", err))
	}
	stored, err := s.store.GetRoleInstance(ri.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return stored, nil
}

// SetAttribute stores a scoped attribute value
func (s *Server) SetAttribute(ctx context.Context, req *SetAttributeRequest) (*Ack, error) {
	if req.Name == "" || req.Scope == "" {
		return nil, status.Error(codes.InvalidArgument, "attribute name and scope are required")
	}
	if err := s.store.SetAttribute(req.Name, req.Scope, req.Value); err != nil {
		return nil, toStatus(fmt.Errorf("failed to store attribute: %w", err))
	}
	return ok(), nil
}

// ApplyFilters validates and stores filters, then runs a full resync so
// existing allocations pick up the change.
func (s *Server) ApplyFilters(ctx context.Context, req *ApplyFiltersRequest) (*ApplyFiltersResponse, error) {
	var errs []error
	for _, f := range req.Filters {
		if f == nil {
			errs = append(errs, errors.New("nil filter"))
			continue
		}
		if err := filter.Validate(f); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, status.Error(codes.InvalidArgument, errors.Join(errs...).Error())
	}

	resp := &ApplyFiltersResponse{}
	for _, f := range req.Filters {
		if err := s.store.PutFilter(f); err != nil {
			return nil, toStatus(fmt.Errorf("failed to store filter %s: %w", f.ID, err))
		}
		resp.Applied = append(resp.Applied, f.ID)
	}

	if req.Prune {
		existing, err := s.store.ListFilters()
		if err != nil {
			return nil, toStatus(err)
		}
		for _, f := range existing {
			if slices.Contains(resp.Applied, f.ID) {
				continue
			}
			if err := s.store.DeleteFilter(f.ID); err != nil {
				return nil, toStatus(fmt.Errorf("failed to delete filter %s: %w", f.ID, err))
			}
			resp.Removed = append(resp.Removed, f.ID)
		}
	}

	s.logger.Info().Strs("applied", resp.Applied).Strs("removed", resp.Removed).Msg("filters applied")
	if err := s.reconciler.OnActive(ctx); err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

// DeleteFilter removes a filter and resyncs
func (s *Server) DeleteFilter(ctx context.Context, req *DeleteFilterRequest) (*Ack, error) {
	if err := s.store.DeleteFilter(req.ID); err != nil {
		return nil, toStatus(err)
	}
	if err := s.reconciler.OnActive(ctx); err != nil {
		return nil, toStatus(err)
	}
	return ok(), nil
}

// ActivateService waits for the service transition and runs a full resync
func (s *Server) ActivateService(ctx context.Context, req *ActivateServiceRequest) (*Ack, error) {
	if err := s.reconciler.AwaitTransition(ctx, req.Role); err != nil {
		return nil, toStatus(err)
	}
	if err := s.reconciler.OnActive(ctx); err != nil {
		return nil, toStatus(err)
	}
	return ok(), nil
}

// Resync retries pending entries and runs a full resync
func (s *Server) Resync(ctx context.Context, req *ResyncRequest) (*Ack, error) {
	err := errors.Join(s.reconciler.RetryPending(ctx), s.reconciler.OnActive(ctx))
	if err != nil {
		return nil, toStatus(err)
	}
	return ok(), nil
}

func (s *Server) ListNodes(ctx context.Context, req *ListNodesRequest) (*ListNodesResponse, error) {
	nodes, err := s.store.ListNodes()
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListNodesResponse{Nodes: nodes}, nil
}

func (s *Server) ListAllocations(ctx context.Context, req *ListAllocationsRequest) (*ListAllocationsResponse, error) {
	var (
		allocs []*types.NetworkAllocation
		err    error
	)
	if req.NodeID != "" {
		allocs, err = s.store.ListAllocationsByNode(req.NodeID)
	} else {
		allocs, err = s.store.ListAllocations()
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListAllocationsResponse{Allocations: allocs}, nil
}

func (s *Server) ListFilters(ctx context.Context, req *ListFiltersRequest) (*ListFiltersResponse, error) {
	filters, err := s.store.ListFilters()
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListFiltersResponse{Filters: filters}, nil
}

// ListEntries returns entries, optionally for one allocation or only
// those with a remote ADD or REMOVE still outstanding
func (s *Server) ListEntries(ctx context.Context, req *ListEntriesRequest) (*ListEntriesResponse, error) {
	var (
		entries []*types.DNSNameEntry
		err     error
	)
	if req.AllocationID != "" {
		entries, err = s.store.ListEntriesByAllocation(req.AllocationID)
	} else {
		entries, err = s.store.ListEntries()
	}
	if err != nil {
		return nil, toStatus(err)
	}

	if req.PendingOnly {
		entries = slices.DeleteFunc(entries, func(e *types.DNSNameEntry) bool { return !e.NeedsRetry() })
	}
	return &ListEntriesResponse{Entries: entries}, nil
}

func (s *Server) GetEntry(ctx context.Context, req *GetEntryRequest) (*types.DNSNameEntry, error) {
	entry, err := s.store.GetEntry(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return entry, nil
}

// WatchEvents streams broker events until the client goes away or the
// broker stops
func (s *Server) WatchEvents(req *WatchEventsRequest, stream grpc.ServerStreamingServer[events.Event]) error {
	if s.broker == nil {
		return status.Error(codes.Unavailable, "event broker not running")
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	ctx := stream.Context()
	for {
		select {
		case event, open := <-sub:
			if !open {
				return nil
			}
			if len(req.Types) > 0 && !slices.Contains(req.Types, event.Type) {
				continue
			}
			if err := stream.Send(event); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		}
	}
}
