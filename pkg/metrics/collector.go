package metrics

import (
	"strconv"
	"time"

	"github.com/cuemby/dnsmgmt/pkg/log"
	"github.com/cuemby/dnsmgmt/pkg/types"
)

// Inventory is the read side of the store the collector samples
type Inventory interface {
	ListNodes() ([]*types.Node, error)
	ListAllocations() ([]*types.NetworkAllocation, error)
	ListFilters() ([]*types.DNSNameFilter, error)
	ListEntries() ([]*types.DNSNameEntry, error)
}

// Collector periodically samples inventory gauges from the store
type Collector struct {
	store    Inventory
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector sampling every 15 seconds
func NewCollector(store Inventory) *Collector {
	return &Collector{
		store:    store,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples the store once. Store errors mark the store component
// unhealthy and leave the gauges at their previous values.
func (c *Collector) Collect() {
	if err := c.collect(); err != nil {
		logger := log.WithComponent("metrics")
		logger.Warn().Err(err).Msg("failed to collect inventory metrics")
		UpdateComponent(ComponentStore, false, err.Error())
		return
	}
	UpdateComponent(ComponentStore, true, "")
}

func (c *Collector) collect() error {
	nodes, err := c.store.ListNodes()
	if err != nil {
		return err
	}
	NodesTotal.Set(float64(len(nodes)))

	allocs, err := c.store.ListAllocations()
	if err != nil {
		return err
	}
	families := map[string]int{"4": 0, "6": 0}
	for _, a := range allocs {
		if f := a.Family(); f != 0 {
			families[strconv.Itoa(f)]++
		}
	}
	for family, n := range families {
		AllocationsTotal.WithLabelValues(family).Set(float64(n))
	}

	filters, err := c.store.ListFilters()
	if err != nil {
		return err
	}
	FiltersTotal.Set(float64(len(filters)))

	entries, err := c.store.ListEntries()
	if err != nil {
		return err
	}
	synced, unsynced, removes := 0, 0, 0
	for _, e := range entries {
		removes += len(e.Stale)
		switch {
		case e.PendingRemove:
			removes++
		case e.Synced:
			synced++
		default:
			unsynced++
		}
	}
	EntriesTotal.WithLabelValues("true").Set(float64(synced))
	EntriesTotal.WithLabelValues("false").Set(float64(unsynced))
	PendingRemovesTotal.Set(float64(removes))
	return nil
}
