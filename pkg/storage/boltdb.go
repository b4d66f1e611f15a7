package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/dnsmgmt/pkg/attrib"
	"github.com/cuemby/dnsmgmt/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNodes         = []byte("nodes")
	bucketAllocations   = []byte("network_allocations")
	bucketFilters       = []byte("dns_name_filters")
	bucketEntries       = []byte("dns_name_entries")
	bucketEntryIndex    = []byte("dns_name_entry_index") // allocationID \x00 filterID -> entryID
	bucketRoleInstances = []byte("role_instances")
	bucketAttributes    = []byte("attributes") // scope \x00 name -> raw value
)

const keySep = "\x00"

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "dnsmgmt.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketAllocations,
			bucketFilters,
			bucketEntries,
			bucketEntryIndex,
			bucketRoleInstances,
			bucketAttributes,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, kind, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

func listJSON[T any](db *bolt.DB, bucket []byte, keep func(*T) bool) ([]*T, error) {
	var items []*T
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			item := new(T)
			if err := json.Unmarshal(v, item); err != nil {
				return err
			}
			if keep == nil || keep(item) {
				items = append(items, item)
			}
			return nil
		})
	})
	return items, err
}

func deleteKey(db *bolt.DB, bucket []byte, key string) error {
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Node operations
func (s *BoltStore) PutNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketNodes), node.ID, node)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketNodes), "node", id, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	return listJSON[types.Node](s.db, bucketNodes, nil)
}

func (s *BoltStore) DeleteNode(id string) error {
	return deleteKey(s.db, bucketNodes, id)
}

// Network allocation operations
func (s *BoltStore) PutAllocation(alloc *types.NetworkAllocation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketAllocations), alloc.ID, alloc)
	})
}

func (s *BoltStore) GetAllocation(id string) (*types.NetworkAllocation, error) {
	var alloc types.NetworkAllocation
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketAllocations), "network allocation", id, &alloc)
	})
	if err != nil {
		return nil, err
	}
	return &alloc, nil
}

func (s *BoltStore) ListAllocations() ([]*types.NetworkAllocation, error) {
	return listJSON[types.NetworkAllocation](s.db, bucketAllocations, nil)
}

func (s *BoltStore) ListAllocationsByNode(nodeID string) ([]*types.NetworkAllocation, error) {
	return listJSON(s.db, bucketAllocations, func(a *types.NetworkAllocation) bool {
		return a.NodeID == nodeID
	})
}

func (s *BoltStore) DeleteAllocation(id string) error {
	return deleteKey(s.db, bucketAllocations, id)
}

// DNS name filter operations
func (s *BoltStore) PutFilter(filter *types.DNSNameFilter) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketFilters), filter.ID, filter)
	})
}

func (s *BoltStore) GetFilter(id string) (*types.DNSNameFilter, error) {
	var filter types.DNSNameFilter
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketFilters), "dns name filter", id, &filter)
	})
	if err != nil {
		return nil, err
	}
	return &filter, nil
}

// ListFilters returns filters ordered by priority, then name
func (s *BoltStore) ListFilters() ([]*types.DNSNameFilter, error) {
	filters, err := listJSON[types.DNSNameFilter](s.db, bucketFilters, nil)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(filters, func(i, j int) bool {
		if filters[i].Priority != filters[j].Priority {
			return filters[i].Priority < filters[j].Priority
		}
		return filters[i].Name < filters[j].Name
	})
	return filters, nil
}

func (s *BoltStore) DeleteFilter(id string) error {
	return deleteKey(s.db, bucketFilters, id)
}

// DNS name entry operations

func entryIndexKey(allocationID, filterID string) []byte {
	return []byte(allocationID + keySep + filterID)
}

// CreateEntry stores a new entry. The (allocation, filter) index is checked
// and written in the same transaction.
func (s *BoltStore) CreateEntry(entry *types.DNSNameEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketEntryIndex)
		key := entryIndexKey(entry.NetworkAllocationID, entry.FilterID)
		if existing := idx.Get(key); existing != nil {
			return fmt.Errorf("%w: %s", ErrEntryExists, existing)
		}
		if err := putJSON(tx.Bucket(bucketEntries), entry.ID, entry); err != nil {
			return err
		}
		return idx.Put(key, []byte(entry.ID))
	})
}

func (s *BoltStore) GetEntry(id string) (*types.DNSNameEntry, error) {
	var entry types.DNSNameEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketEntries), "dns name entry", id, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) GetEntryFor(allocationID, filterID string) (*types.DNSNameEntry, error) {
	var entry types.DNSNameEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketEntryIndex).Get(entryIndexKey(allocationID, filterID))
		if id == nil {
			return fmt.Errorf("dns name entry for %s/%s: %w", allocationID, filterID, ErrNotFound)
		}
		return getJSON(tx.Bucket(bucketEntries), "dns name entry", string(id), &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) ListEntries() ([]*types.DNSNameEntry, error) {
	return listJSON[types.DNSNameEntry](s.db, bucketEntries, nil)
}

// ListEntriesByAllocation walks the index by allocation prefix
func (s *BoltStore) ListEntriesByAllocation(allocationID string) ([]*types.DNSNameEntry, error) {
	var entries []*types.DNSNameEntry
	prefix := []byte(allocationID + keySep)
	err := s.db.View(func(tx *bolt.Tx) error {
		entriesBucket := tx.Bucket(bucketEntries)
		c := tx.Bucket(bucketEntryIndex).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry types.DNSNameEntry
			if err := getJSON(entriesBucket, "dns name entry", string(v), &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

// UpdateEntry rewrites an existing entry. The (allocation, filter) pair is immutable.
func (s *BoltStore) UpdateEntry(entry *types.DNSNameEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		var existing types.DNSNameEntry
		if err := getJSON(b, "dns name entry", entry.ID, &existing); err != nil {
			return err
		}
		if existing.NetworkAllocationID != entry.NetworkAllocationID || existing.FilterID != entry.FilterID {
			return fmt.Errorf("dns name entry %s: allocation and filter cannot change", entry.ID)
		}
		return putJSON(b, entry.ID, entry)
	})
}

func (s *BoltStore) DeleteEntry(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		var entry types.DNSNameEntry
		if err := getJSON(b, "dns name entry", id, &entry); err != nil {
			return err
		}
		if err := tx.Bucket(bucketEntryIndex).Delete(entryIndexKey(entry.NetworkAllocationID, entry.FilterID)); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

// Role instance operations

// PutRoleInstance upserts a role instance. New instances get the next
// bucket sequence so enumeration order follows creation order.
func (s *BoltStore) PutRoleInstance(ri *types.RoleInstance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoleInstances)
		var existing types.RoleInstance
		err := getJSON(b, "role instance", ri.ID, &existing)
		switch {
		case err == nil:
			ri.Seq = existing.Seq
		case ri.Seq == 0:
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			ri.Seq = seq
		}
		return putJSON(b, ri.ID, ri)
	})
}

func (s *BoltStore) GetRoleInstance(id string) (*types.RoleInstance, error) {
	var ri types.RoleInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketRoleInstances), "role instance", id, &ri)
	})
	if err != nil {
		return nil, err
	}
	return &ri, nil
}

// ListRoleInstances returns the instances of role ordered by Seq, then ID
func (s *BoltStore) ListRoleInstances(_ context.Context, role string) ([]*types.RoleInstance, error) {
	instances, err := listJSON(s.db, bucketRoleInstances, func(ri *types.RoleInstance) bool {
		return ri.Role == role
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(instances, func(i, j int) bool {
		if instances[i].Seq != instances[j].Seq {
			return instances[i].Seq < instances[j].Seq
		}
		return instances[i].ID < instances[j].ID
	})
	return instances, nil
}

func (s *BoltStore) DeleteRoleInstance(id string) error {
	return deleteKey(s.db, bucketRoleInstances, id)
}

// Attribute operations

func attributeKey(name, scope string) []byte {
	return []byte(scope + keySep + name)
}

// SetAttribute stores a raw JSON attribute value. A nil value removes it.
func (s *BoltStore) SetAttribute(name, scope string, value []byte) error {
	if value != nil && !json.Valid(value) {
		return fmt.Errorf("attribute %s: value is not valid JSON", name)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttributes)
		if value == nil {
			return b.Delete(attributeKey(name, scope))
		}
		return b.Put(attributeKey(name, scope), value)
	})
}

// GetAttribute returns a copy of the stored value or attrib.ErrNotFound
func (s *BoltStore) GetAttribute(_ context.Context, name, scope string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAttributes).Get(attributeKey(name, scope))
		if data == nil {
			return fmt.Errorf("attribute %s in %s: %w", name, scope, attrib.ErrNotFound)
		}
		value = append([]byte(nil), data...)
		return nil
	})
	return value, err
}
