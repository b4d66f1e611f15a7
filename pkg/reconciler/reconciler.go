package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/dnsmgmt/pkg/attrib"
	"github.com/cuemby/dnsmgmt/pkg/directory"
	"github.com/cuemby/dnsmgmt/pkg/dnsclient"
	"github.com/cuemby/dnsmgmt/pkg/events"
	"github.com/cuemby/dnsmgmt/pkg/filter"
	"github.com/cuemby/dnsmgmt/pkg/log"
	"github.com/cuemby/dnsmgmt/pkg/metrics"
	"github.com/cuemby/dnsmgmt/pkg/storage"
	"github.com/cuemby/dnsmgmt/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Trigger labels for dnsmgmt_reconcile_duration_seconds
const (
	TriggerClaim            = "claim"
	TriggerActive           = "on_active"
	TriggerNodeChange       = "node_change"
	TriggerAllocationCreate = "allocation_create"
	TriggerAllocationDelete = "allocation_delete"
	TriggerRetryPending     = "retry_pending"
)

// Store is the state the reconciler reads and the entries it owns
type Store interface {
	GetNode(id string) (*types.Node, error)
	GetAllocation(id string) (*types.NetworkAllocation, error)
	ListAllocations() ([]*types.NetworkAllocation, error)
	ListAllocationsByNode(nodeID string) ([]*types.NetworkAllocation, error)
	ListFilters() ([]*types.DNSNameFilter, error)

	CreateEntry(entry *types.DNSNameEntry) error
	GetEntryFor(allocationID, filterID string) (*types.DNSNameEntry, error)
	ListEntries() ([]*types.DNSNameEntry, error)
	ListEntriesByAllocation(allocationID string) ([]*types.DNSNameEntry, error)
	UpdateEntry(entry *types.DNSNameEntry) error
	DeleteEntry(id string) error
}

// Updater pushes one record change to a DNS-management service
type Updater interface {
	Update(ctx context.Context, service, zone string, tenantID int64, rrType, name, address string, action types.ChangeType) error
}

// Config configures the reconciler
type Config struct {
	// Role and ServersAttribute locate the attribute AwaitTransition waits for
	Role             string
	ServersAttribute string
	Wait             attrib.WaitConfig

	// RetryInterval is how often Start retries entries whose ADD was deferred
	RetryInterval time.Duration
}

// DefaultConfig returns the reconciler defaults
func DefaultConfig() Config {
	return Config{
		Role:             directory.DefaultRole,
		ServersAttribute: directory.DefaultServersAttribute,
		Wait:             attrib.DefaultWaitConfig(),
		RetryInterval:    time.Minute,
	}
}

// Reconciler keeps DNS name entries, and the remote records they stand
// for, in line with allocations and filters. Every entry point holds the
// same lock, so lifecycle events are handled one at a time.
type Reconciler struct {
	store   Store
	updater Updater
	attrs   attrib.Provider
	engine  *filter.Engine
	broker  *events.Broker
	cfg     Config
	logger  zerolog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciler creates a reconciler. broker may be nil.
func NewReconciler(store Store, updater Updater, attrs attrib.Provider, broker *events.Broker, cfg Config) *Reconciler {
	if cfg.Role == "" {
		cfg.Role = directory.DefaultRole
	}
	if cfg.ServersAttribute == "" {
		cfg.ServersAttribute = directory.DefaultServersAttribute
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConfig().RetryInterval
	}

	return &Reconciler{
		store:   store,
		updater: updater,
		attrs:   attrs,
		engine:  filter.NewEngine(),
		broker:  broker,
		cfg:     cfg,
		logger:  log.WithComponent("reconciler"),
		stopCh:  make(chan struct{}),
	}
}

// Start periodically retries entries whose remote ADD is still pending
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop stops the retry loop
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.RetryPending(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("retrying pending entries failed")
				metrics.UpdateComponent(metrics.ComponentReconciler, false, err.Error())
				continue
			}
			metrics.UpdateComponent(metrics.ComponentReconciler, true, "")
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// AwaitTransition blocks until the servers attribute is published at the
// deployment role scope. It returns an error wrapping attrib.ErrNotReady
// when the configured wait expires or ctx is cancelled. An empty role
// selects the configured one.
func (r *Reconciler) AwaitTransition(ctx context.Context, role string) error {
	if role == "" {
		role = r.cfg.Role
	}

	r.logger.Info().Str("role", role).Msg("waiting for dns management servers")
	if _, err := attrib.WaitFor(ctx, r.attrs, r.cfg.ServersAttribute, attrib.RoleScope(role), r.cfg.Wait); err != nil {
		return fmt.Errorf("service transition for role %s: %w", role, err)
	}
	return nil
}

// OnActive claims every allocation and removes entries whose allocation no
// longer exists. Safe to call repeatedly.
func (r *Reconciler) OnActive(ctx context.Context) error {
	defer metrics.NewTimer().ObserveDurationVec(metrics.ReconcileDuration, TriggerActive)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.publish(events.EventServiceActivated, "full resync", nil)

	allocs, err := r.store.ListAllocations()
	if err != nil {
		return fmt.Errorf("failed to list allocations: %w", err)
	}

	var errs []error
	live := make(map[string]bool, len(allocs))
	for _, alloc := range allocs {
		live[alloc.ID] = true
		if err := r.claim(ctx, alloc, nil); err != nil {
			errs = append(errs, err)
		}
	}

	entries, err := r.store.ListEntries()
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("failed to list entries: %w", err))...)
	}
	for _, entry := range entries {
		if live[entry.NetworkAllocationID] {
			continue
		}
		if err := r.destroy(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}

	r.logger.Info().Int("allocations", len(allocs)).Int("errors", len(errs)).Msg("full resync complete")
	return errors.Join(errs...)
}

// OnNodeChange re-claims every allocation of node using the given node
// state.
func (r *Reconciler) OnNodeChange(ctx context.Context, node *types.Node) error {
	defer metrics.NewTimer().ObserveDurationVec(metrics.ReconcileDuration, TriggerNodeChange)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.publish(events.EventNodeChanged, node.Name, map[string]string{"node_id": node.ID})

	allocs, err := r.store.ListAllocationsByNode(node.ID)
	if err != nil {
		return fmt.Errorf("failed to list allocations for node %s: %w", node.ID, err)
	}

	var errs []error
	for _, alloc := range allocs {
		if err := r.claim(ctx, alloc, node); err != nil {
			errs = append(errs, err)
		}
	}
	logger := log.WithNodeID(node.ID)
	logger.Debug().
		Str("component", "reconciler").
		Str("node", node.Name).
		Int("allocations", len(allocs)).
		Int("errors", len(errs)).
		Msg("node change reconciled")
	return errors.Join(errs...)
}

// OnNetworkAllocationCreate claims a new allocation
func (r *Reconciler) OnNetworkAllocationCreate(ctx context.Context, alloc *types.NetworkAllocation) error {
	defer metrics.NewTimer().ObserveDurationVec(metrics.ReconcileDuration, TriggerAllocationCreate)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.publish(events.EventAllocationCreated, alloc.Address, map[string]string{"allocation_id": alloc.ID})
	return r.claim(ctx, alloc, nil)
}

// OnNetworkAllocationDelete destroys every entry referencing the
// allocation, issuing one REMOVE per entry. Entries whose REMOVE fails are
// kept and the failures are returned joined. Entries whose REMOVE is
// deferred stay as pending removes.
func (r *Reconciler) OnNetworkAllocationDelete(ctx context.Context, alloc *types.NetworkAllocation) error {
	defer metrics.NewTimer().ObserveDurationVec(metrics.ReconcileDuration, TriggerAllocationDelete)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.publish(events.EventAllocationDeleted, alloc.Address, map[string]string{"allocation_id": alloc.ID})

	return r.destroyAll(ctx, alloc.ID)
}

// Claim reconciles the entries of one allocation against the filters
func (r *Reconciler) Claim(ctx context.Context, alloc *types.NetworkAllocation) error {
	defer metrics.NewTimer().ObserveDurationVec(metrics.ReconcileDuration, TriggerClaim)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claim(ctx, alloc, nil)
}

// RetryPending re-claims allocations whose entries have an outstanding
// remote change and destroys such entries when their allocation is gone.
func (r *Reconciler) RetryPending(ctx context.Context) error {
	defer metrics.NewTimer().ObserveDurationVec(metrics.ReconcileDuration, TriggerRetryPending)

	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.store.ListEntries()
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}

	var errs []error
	seen := make(map[string]bool)
	for _, entry := range entries {
		if !entry.NeedsRetry() || seen[entry.NetworkAllocationID] {
			continue
		}

		alloc, err := r.store.GetAllocation(entry.NetworkAllocationID)
		if errors.Is(err, storage.ErrNotFound) {
			if err := r.destroy(ctx, entry); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		seen[alloc.ID] = true
		if err := r.claim(ctx, alloc, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// claim must be called with r.mu held. A nil node is loaded from the store.
// An allocation marked deleting only has its entries destroyed.
func (r *Reconciler) claim(ctx context.Context, alloc *types.NetworkAllocation, node *types.Node) error {
	logger := log.WithAllocationID(alloc.ID)

	if alloc.Deleting {
		logger.Debug().Msg("allocation is being deleted, removing its entries")
		return r.destroyAll(ctx, alloc.ID)
	}

	if node == nil && alloc.NodeID != "" {
		n, err := r.store.GetNode(alloc.NodeID)
		switch {
		case err == nil:
			node = n
		case errors.Is(err, storage.ErrNotFound):
			logger.Debug().Str("node_id", alloc.NodeID).Msg("allocation node unknown, node selectors will not match")
		default:
			return fmt.Errorf("failed to load node %s: %w", alloc.NodeID, err)
		}
	}

	filters, err := r.store.ListFilters()
	if err != nil {
		return fmt.Errorf("failed to list filters: %w", err)
	}

	var errs []error
	claimed := make(map[string]bool)
	for _, intent := range r.engine.Claim(alloc, node, filters) {
		claimed[intent.FilterID] = true
		if err := r.ensure(ctx, alloc, intent); err != nil {
			errs = append(errs, err)
		}
	}

	entries, err := r.store.ListEntriesByAllocation(alloc.ID)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("failed to list entries for allocation %s: %w", alloc.ID, err))...)
	}
	for _, entry := range entries {
		if claimed[entry.FilterID] {
			continue
		}
		logger.Info().Str("filter_id", entry.FilterID).Str("name", entry.Name).Msg("filter no longer claims allocation")
		if err := r.destroy(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// ensure makes the entry for one intent exist remotely and locally
func (r *Reconciler) ensure(ctx context.Context, alloc *types.NetworkAllocation, intent filter.Intent) error {
	existing, err := r.store.GetEntryFor(alloc.ID, intent.FilterID)
	if errors.Is(err, storage.ErrNotFound) {
		return r.create(ctx, alloc, intent)
	}
	if err != nil {
		return fmt.Errorf("failed to look up entry: %w", err)
	}

	if _, err := r.removeStale(ctx, existing); err != nil {
		return err
	}

	if existing.PendingRemove {
		// Claimed again before its REMOVE went through
		existing.PendingRemove = false
		existing.UpdatedAt = time.Now()
		if err := r.store.UpdateEntry(existing); err != nil {
			return fmt.Errorf("failed to update entry %s: %w", existing.ID, err)
		}
	}

	if sameRecord(existing, intent) {
		if existing.Synced {
			return nil
		}
		return r.addIPAddress(ctx, existing)
	}

	// The record changed: take the old one down before publishing the new one
	logger := log.WithEntryID(existing.ID)
	logger.Info().
		Str("old_name", existing.Name).
		Str("new_name", intent.Name).
		Str("old_address", existing.Address).
		Str("new_address", intent.Address).
		Msg("dns name entry changed")

	old := existing.Record()
	applied, err := r.removeRecord(ctx, existing, old)
	if err != nil {
		return err
	}
	if !applied && existing.Synced {
		existing.Stale = append(existing.Stale, old)
	}

	existing.Name = intent.Name
	existing.RRType = intent.RRType
	existing.Address = intent.Address
	existing.TenantID = intent.TenantID
	existing.Service = intent.Service
	existing.Synced = false
	existing.UpdatedAt = time.Now()
	if err := r.store.UpdateEntry(existing); err != nil {
		return fmt.Errorf("failed to update entry %s: %w", existing.ID, err)
	}

	return r.addIPAddress(ctx, existing)
}

func sameRecord(entry *types.DNSNameEntry, intent filter.Intent) bool {
	return entry.Name == intent.Name &&
		entry.RRType == intent.RRType &&
		entry.Address == intent.Address &&
		entry.TenantID == intent.TenantID &&
		entry.Service == intent.Service
}

// create stores an unsynced entry and then publishes it. The store rejects
// a second entry for the same (allocation, filter), in which case the other
// writer owns the record and this call is a no-op.
func (r *Reconciler) create(ctx context.Context, alloc *types.NetworkAllocation, intent filter.Intent) error {
	now := time.Now()
	entry := &types.DNSNameEntry{
		ID:                  uuid.New().String(),
		Name:                intent.Name,
		RRType:              intent.RRType,
		TenantID:            intent.TenantID,
		NetworkAllocationID: alloc.ID,
		FilterID:            intent.FilterID,
		Service:             intent.Service,
		Address:             intent.Address,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := r.store.CreateEntry(entry); err != nil {
		if errors.Is(err, storage.ErrEntryExists) {
			r.logger.Debug().
				Str("allocation_id", alloc.ID).
				Str("filter_id", intent.FilterID).
				Msg("entry already exists")
			return nil
		}
		return fmt.Errorf("failed to create entry %s: %w", entry.Name, err)
	}

	return r.addIPAddress(ctx, entry)
}

// addIPAddress issues the remote ADD for entry and marks it synced on success
func (r *Reconciler) addIPAddress(ctx context.Context, entry *types.DNSNameEntry) error {
	rec := entry.Record()
	applied, err := r.update(ctx, rec, types.ChangeAdd)
	if err != nil {
		r.outcome(events.EventEntryFailed, entry, rec, err)
		return fmt.Errorf("add %s %s %s: %w", rec.Name, rec.RRType, rec.Address, err)
	}
	if !applied {
		r.outcome(events.EventEntryDeferred, entry, rec, nil)
		return nil
	}

	entry.Synced = true
	entry.UpdatedAt = time.Now()
	if err := r.store.UpdateEntry(entry); err != nil {
		return fmt.Errorf("failed to mark entry %s synced: %w", entry.ID, err)
	}
	r.outcome(events.EventEntryAdded, entry, rec, nil)
	return nil
}

// removeRecord issues the remote REMOVE for one record of entry. It reports
// whether the record was actually removed remotely.
func (r *Reconciler) removeRecord(ctx context.Context, entry *types.DNSNameEntry, rec types.Record) (bool, error) {
	applied, err := r.update(ctx, rec, types.ChangeRemove)
	if err != nil {
		r.outcome(events.EventEntryFailed, entry, rec, err)
		return false, fmt.Errorf("remove %s %s %s: %w", rec.Name, rec.RRType, rec.Address, err)
	}
	if !applied {
		logger := log.WithEntryID(entry.ID)
		logger.Warn().
			Str("name", rec.Name).
			Str("service", rec.Service).
			Msg("dns service unavailable, remove deferred")
	}
	return applied, nil
}

// removeStale removes the replaced records of entry and keeps those whose
// REMOVE did not apply. It reports whether none are left.
func (r *Reconciler) removeStale(ctx context.Context, entry *types.DNSNameEntry) (bool, error) {
	if len(entry.Stale) == 0 {
		return true, nil
	}

	var (
		kept []types.Record
		errs []error
	)
	for _, rec := range entry.Stale {
		applied, err := r.removeRecord(ctx, entry, rec)
		if err != nil {
			errs = append(errs, err)
		}
		if !applied {
			kept = append(kept, rec)
		}
	}

	if len(kept) != len(entry.Stale) {
		entry.Stale = kept
		entry.UpdatedAt = time.Now()
		if err := r.store.UpdateEntry(entry); err != nil {
			errs = append(errs, fmt.Errorf("failed to update entry %s: %w", entry.ID, err))
		}
	}
	return len(kept) == 0, errors.Join(errs...)
}

// destroy removes entry remotely, then locally. A failed REMOVE keeps the
// local entry so a later event can retry. A REMOVE deferred because the
// service is not published turns a published entry into a pending remove,
// retried by RetryPending and OnActive. An entry that was never published
// has nothing to remove and is dropped.
func (r *Reconciler) destroy(ctx context.Context, entry *types.DNSNameEntry) error {
	staleDone, err := r.removeStale(ctx, entry)
	if err != nil {
		return err
	}

	// A pending remove that is no longer synced has had its own record
	// removed already
	removed := true
	if entry.Synced || !entry.PendingRemove {
		rec := entry.Record()
		applied, err := r.removeRecord(ctx, entry, rec)
		if err != nil {
			return err
		}
		if applied {
			entry.Synced = false
		} else {
			removed = !entry.Synced
		}
	}

	if !removed || !staleDone {
		return r.markPendingRemove(entry)
	}

	if err := r.store.DeleteEntry(entry.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete entry %s: %w", entry.ID, err)
	}
	r.outcome(events.EventEntryRemoved, entry, entry.Record(), nil)
	return nil
}

func (r *Reconciler) markPendingRemove(entry *types.DNSNameEntry) error {
	if !entry.PendingRemove {
		r.outcome(events.EventEntryDeferred, entry, entry.Record(), nil)
	}
	entry.PendingRemove = true
	entry.UpdatedAt = time.Now()
	if err := r.store.UpdateEntry(entry); err != nil {
		return fmt.Errorf("failed to mark entry %s pending remove: %w", entry.ID, err)
	}
	return nil
}

// destroyAll destroys every entry of an allocation
func (r *Reconciler) destroyAll(ctx context.Context, allocationID string) error {
	entries, err := r.store.ListEntriesByAllocation(allocationID)
	if err != nil {
		return fmt.Errorf("failed to list entries for allocation %s: %w", allocationID, err)
	}

	var errs []error
	for _, entry := range entries {
		if err := r.destroy(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// update sends one change. A missing or not yet ready service is reported
// as not applied rather than as an error.
func (r *Reconciler) update(ctx context.Context, rec types.Record, action types.ChangeType) (bool, error) {
	host, zone := filter.SplitName(rec.Name)
	err := r.updater.Update(ctx, rec.Service, zone, rec.TenantID, rec.RRType, host, rec.Address, action)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, dnsclient.ErrNotFound), errors.Is(err, directory.ErrNotFound), errors.Is(err, attrib.ErrNotReady):
		return false, nil
	default:
		return false, err
	}
}

func (r *Reconciler) outcome(eventType events.EventType, entry *types.DNSNameEntry, rec types.Record, err error) {
	metrics.EntryOperationsTotal.WithLabelValues(string(eventType)).Inc()

	message := fmt.Sprintf("%s %s %s", rec.Name, rec.RRType, rec.Address)
	if err != nil {
		message += ": " + err.Error()
	}
	r.publish(eventType, message, map[string]string{
		"entry_id":      entry.ID,
		"allocation_id": entry.NetworkAllocationID,
		"filter_id":     entry.FilterID,
		"service":       rec.Service,
		"name":          rec.Name,
	})
}

func (r *Reconciler) publish(eventType events.EventType, message string, metadata map[string]string) {
	r.broker.Publish(&events.Event{
		Type:     eventType,
		Message:  message,
		Metadata: metadata,
	})
}
