/*
Package storage persists dnsmgmt state in a single BoltDB file.

# Buckets

	nodes                 node ID          -> types.Node (JSON)
	network_allocations   allocation ID    -> types.NetworkAllocation
	dns_name_filters      filter ID        -> types.DNSNameFilter
	dns_name_entries      entry ID         -> types.DNSNameEntry
	dns_name_entry_index  alloc \x00 filter -> entry ID
	role_instances        instance ID      -> types.RoleInstance
	attributes            scope \x00 name  -> raw JSON value

The entry index is the uniqueness constraint on (allocation, filter).
CreateEntry checks and writes it inside one bbolt write transaction, so two
racing claims for the same pair cannot both succeed; the loser gets
ErrEntryExists. The index also serves ListEntriesByAllocation with a cursor
prefix scan.

Role instances receive the bucket's NextSequence on first insert. Listing
sorts by that sequence, which gives the service directory a stable,
creation-ordered enumeration.

# Usage

	store, err := storage.NewBoltStore("/var/lib/dnsmgmt")
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.CreateEntry(entry); errors.Is(err, storage.ErrEntryExists) {
		// already claimed
	}

BoltStore also satisfies attrib.Provider and directory.RoleRegistry, so a
standalone deployment can keep the provisioning system's published state
locally and be fed through the lifecycle API.
*/
package storage
