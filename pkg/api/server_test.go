package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/dnsmgmt/pkg/attrib"
	"github.com/cuemby/dnsmgmt/pkg/events"
	"github.com/cuemby/dnsmgmt/pkg/storage"
	"github.com/cuemby/dnsmgmt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type fakeReconciler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeReconciler) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeReconciler) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeReconciler) AwaitTransition(ctx context.Context, role string) error {
	return f.record("await:" + role)
}

func (f *fakeReconciler) OnActive(ctx context.Context) error {
	return f.record("active")
}

func (f *fakeReconciler) OnNodeChange(ctx context.Context, node *types.Node) error {
	return f.record("node:" + node.ID)
}

func (f *fakeReconciler) OnNetworkAllocationCreate(ctx context.Context, alloc *types.NetworkAllocation) error {
	return f.record("create:" + alloc.ID)
}

func (f *fakeReconciler) OnNetworkAllocationDelete(ctx context.Context, alloc *types.NetworkAllocation) error {
	return f.record("delete:" + alloc.ID)
}

func (f *fakeReconciler) RetryPending(ctx context.Context) error {
	return f.record("retry")
}

func newTestServer(t *testing.T) (*Server, *storage.BoltStore, *fakeReconciler) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec := &fakeReconciler{}
	return NewServer(store, rec, nil, nil), store, rec
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, status.Code(err), err.Error())
}

func TestPutNode(t *testing.T) {
	s, store, rec := newTestServer(t)
	ctx := context.Background()

	_, err := s.PutNode(ctx, &PutNodeRequest{})
	requireCode(t, err, codes.InvalidArgument)

	_, err = s.PutNode(ctx, &PutNodeRequest{Node: &types.Node{ID: "n1", Name: "host1.example.com"}})
	require.NoError(t, err)

	node, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, "host1.example.com", node.Name)
	assert.False(t, node.UpdatedAt.IsZero())
	assert.Equal(t, []string{"node:n1"}, rec.Calls())
}

func TestPutAllocation(t *testing.T) {
	s, store, rec := newTestServer(t)
	ctx := context.Background()

	_, err := s.PutAllocation(ctx, &PutAllocationRequest{Allocation: &types.NetworkAllocation{ID: "a1", Address: "bogus"}})
	requireCode(t, err, codes.InvalidArgument)

	_, err = s.PutAllocation(ctx, &PutAllocationRequest{Allocation: &types.NetworkAllocation{
		ID: "a1", NodeID: "n1", Network: "admin", Address: "10.0.0.5/24",
	}})
	require.NoError(t, err)

	alloc, err := store.GetAllocation("a1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", alloc.IP())
	assert.False(t, alloc.CreatedAt.IsZero())
	assert.Equal(t, []string{"create:a1"}, rec.Calls())
}

func TestDeleteAllocation(t *testing.T) {
	s, store, rec := newTestServer(t)
	ctx := context.Background()

	_, err := s.DeleteAllocation(ctx, &DeleteAllocationRequest{ID: "missing"})
	requireCode(t, err, codes.NotFound)

	require.NoError(t, store.PutAllocation(&types.NetworkAllocation{ID: "a1", Address: "10.0.0.5"}))

	rec.err = errors.New("remove failed")
	_, err = s.DeleteAllocation(ctx, &DeleteAllocationRequest{ID: "a1"})
	requireCode(t, err, codes.Internal)
	kept, err := store.GetAllocation("a1")
	require.NoError(t, err, "allocation is kept while REMOVE fails")
	assert.True(t, kept.Deleting, "kept allocation must not be claimed again")

	rec.err = nil
	_, err = s.DeleteAllocation(ctx, &DeleteAllocationRequest{ID: "a1"})
	require.NoError(t, err)
	_, err = store.GetAllocation("a1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, []string{"delete:a1", "delete:a1"}, rec.Calls())
}

func TestPutRoleInstanceAndAttribute(t *testing.T) {
	s, store, _ := newTestServer(t)
	ctx := context.Background()

	_, err := s.PutRoleInstance(ctx, &PutRoleInstanceRequest{Instance: &types.RoleInstance{ID: "ri1"}})
	requireCode(t, err, codes.InvalidArgument)

	ri, err := s.PutRoleInstance(ctx, &PutRoleInstanceRequest{Instance: &types.RoleInstance{
		ID: "ri1", Role: "dns-mgmt_service", State: types.RoleInstanceActive,
	}})
	require.NoError(t, err)
	assert.Equal(t, "ri1", ri.ID)
	assert.True(t, ri.Active())

	_, err = s.SetAttribute(ctx, &SetAttributeRequest{Name: "dns-management-servers"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = s.SetAttribute(ctx, &SetAttributeRequest{
		Name:  "dns-management-servers",
		Scope: "instance:ri1",
		Value: []byte(`[{"name":"system","url":"https://dns.example:443"}]`),
	})
	require.NoError(t, err)

	value, err := store.GetAttribute(ctx, "dns-management-servers", "instance:ri1")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"system","url":"https://dns.example:443"}]`, string(value))
}

func TestApplyFilters(t *testing.T) {
	s, store, rec := newTestServer(t)
	ctx := context.Background()

	_, err := s.ApplyFilters(ctx, &ApplyFiltersRequest{Filters: []*types.DNSNameFilter{{ID: "bad"}}})
	requireCode(t, err, codes.InvalidArgument)
	assert.Empty(t, rec.Calls())

	require.NoError(t, store.PutFilter(&types.DNSNameFilter{ID: "old", Service: "system", Template: "old.example.com"}))

	resp, err := s.ApplyFilters(ctx, &ApplyFiltersRequest{
		Filters: []*types.DNSNameFilter{
			{ID: "f1", Service: "system", Template: "{{node.short_name}}.example.com"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, resp.Applied)
	assert.Empty(t, resp.Removed)

	filters, err := store.ListFilters()
	require.NoError(t, err)
	assert.Len(t, filters, 2)

	resp, err = s.ApplyFilters(ctx, &ApplyFiltersRequest{
		Filters: []*types.DNSNameFilter{
			{ID: "f1", Service: "system", Template: "{{node.short_name}}.example.com"},
		},
		Prune: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, resp.Removed)

	_, err = store.GetFilter("old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, []string{"active", "active"}, rec.Calls())
}

func TestDeleteFilter(t *testing.T) {
	s, store, rec := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.PutFilter(&types.DNSNameFilter{ID: "f1", Service: "system", Template: "a.example.com"}))
	_, err := s.DeleteFilter(ctx, &DeleteFilterRequest{ID: "f1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"active"}, rec.Calls())
}

func TestActivateService(t *testing.T) {
	s, _, rec := newTestServer(t)
	ctx := context.Background()

	_, err := s.ActivateService(ctx, &ActivateServiceRequest{Role: "dns-mgmt_service"})
	require.NoError(t, err)
	assert.Equal(t, []string{"await:dns-mgmt_service", "active"}, rec.Calls())

	rec.err = fmt.Errorf("service transition: %w", attrib.ErrNotReady)
	_, err = s.ActivateService(ctx, &ActivateServiceRequest{})
	requireCode(t, err, codes.Unavailable)
}

func TestResync(t *testing.T) {
	s, _, rec := newTestServer(t)

	_, err := s.Resync(context.Background(), &ResyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"retry", "active"}, rec.Calls())
}

func TestListEntries(t *testing.T) {
	s, store, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.CreateEntry(&types.DNSNameEntry{ID: "e1", NetworkAllocationID: "a1", FilterID: "f1", Synced: true}))
	require.NoError(t, store.CreateEntry(&types.DNSNameEntry{ID: "e2", NetworkAllocationID: "a1", FilterID: "f2"}))
	require.NoError(t, store.CreateEntry(&types.DNSNameEntry{ID: "e3", NetworkAllocationID: "a2", FilterID: "f1"}))
	require.NoError(t, store.CreateEntry(&types.DNSNameEntry{ID: "e4", NetworkAllocationID: "a1", FilterID: "f3", Synced: true, PendingRemove: true}))

	resp, err := s.ListEntries(ctx, &ListEntriesRequest{})
	require.NoError(t, err)
	assert.Len(t, resp.Entries, 4)

	resp, err = s.ListEntries(ctx, &ListEntriesRequest{AllocationID: "a1"})
	require.NoError(t, err)
	assert.Len(t, resp.Entries, 3)

	resp, err = s.ListEntries(ctx, &ListEntriesRequest{AllocationID: "a1", PendingOnly: true})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 2)
	assert.ElementsMatch(t, []string{"e2", "e4"}, []string{resp.Entries[0].ID, resp.Entries[1].ID})

	entry, err := s.GetEntry(ctx, &GetEntryRequest{ID: "e3"})
	require.NoError(t, err)
	assert.Equal(t, "a2", entry.NetworkAllocationID)

	_, err = s.GetEntry(ctx, &GetEntryRequest{ID: "nope"})
	requireCode(t, err, codes.NotFound)
}

func TestListInventory(t *testing.T) {
	s, store, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.PutNode(&types.Node{ID: "n1"}))
	require.NoError(t, store.PutAllocation(&types.NetworkAllocation{ID: "a1", NodeID: "n1", Address: "10.0.0.1"}))
	require.NoError(t, store.PutAllocation(&types.NetworkAllocation{ID: "a2", NodeID: "n2", Address: "10.0.0.2"}))

	nodes, err := s.ListNodes(ctx, &ListNodesRequest{})
	require.NoError(t, err)
	assert.Len(t, nodes.Nodes, 1)

	allocs, err := s.ListAllocations(ctx, &ListAllocationsRequest{NodeID: "n1"})
	require.NoError(t, err)
	require.Len(t, allocs.Allocations, 1)
	assert.Equal(t, "a1", allocs.Allocations[0].ID)

	allocs, err = s.ListAllocations(ctx, &ListAllocationsRequest{})
	require.NoError(t, err)
	assert.Len(t, allocs.Allocations, 2)

	filters, err := s.ListFilters(ctx, &ListFiltersRequest{})
	require.NoError(t, err)
	assert.Empty(t, filters.Filters)
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{err: nil, code: codes.OK},
		{err: fmt.Errorf("wrapped: %w", storage.ErrNotFound), code: codes.NotFound},
		{err: fmt.Errorf("wait: %w", attrib.ErrNotReady), code: codes.Unavailable},
		{err: context.DeadlineExceeded, code: codes.DeadlineExceeded},
		{err: context.Canceled, code: codes.Canceled},
		{err: status.Error(codes.PermissionDenied, "no"), code: codes.PermissionDenied},
		{err: errors.New("boom"), code: codes.Internal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, status.Code(toStatus(tt.err)), "%v", tt.err)
	}
}

type fakeEventStream struct {
	grpc.ServerStream
	ctx  context.Context
	sent chan *events.Event
}

func (f *fakeEventStream) Context() context.Context     { return f.ctx }
func (f *fakeEventStream) Send(e *events.Event) error   { f.sent <- e; return nil }
func (f *fakeEventStream) SetHeader(metadata.MD) error  { return nil }
func (f *fakeEventStream) SendHeader(metadata.MD) error { return nil }
func (f *fakeEventStream) SetTrailer(metadata.MD)       {}

func TestWatchEventsFiltersTypes(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	s := NewServer(store, &fakeReconciler{}, broker, nil)

	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeEventStream{ctx: ctx, sent: make(chan *events.Event, 4)}

	done := make(chan error, 1)
	go func() {
		done <- s.WatchEvents(&WatchEventsRequest{Types: []events.EventType{events.EventEntryAdded}}, stream)
	}()

	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	broker.Publish(&events.Event{Type: events.EventEntryFailed, Message: "skipped"})
	broker.Publish(&events.Event{Type: events.EventEntryAdded, Message: "host1.example.com"})

	select {
	case e := <-stream.sent:
		assert.Equal(t, events.EventEntryAdded, e.Type)
		assert.Equal(t, "host1.example.com", e.Message)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	require.NoError(t, <-done)
	assert.Eventually(t, func() bool { return broker.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWatchEventsWithoutBroker(t *testing.T) {
	s, _, _ := newTestServer(t)
	stream := &fakeEventStream{ctx: context.Background(), sent: make(chan *events.Event, 1)}
	requireCode(t, s.WatchEvents(&WatchEventsRequest{}, stream), codes.Unavailable)
}
