package dns

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/dnsmgmt/pkg/log"
	"github.com/cuemby/dnsmgmt/pkg/types"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when no entry carries the queried name
var ErrNotFound = errors.New("name not managed")

// EntryLister is the slice of the store the resolver reads
type EntryLister interface {
	ListEntries() ([]*types.DNSNameEntry, error)
}

// Resolver answers queries from the recorded DNS name entries
type Resolver struct {
	entries        EntryLister
	ttl            uint32
	includePending bool
	logger         zerolog.Logger
}

// NewResolver creates a resolver. Entries whose remote ADD is still deferred
// are only answered when includePending is set.
func NewResolver(entries EntryLister, ttl uint32, includePending bool) *Resolver {
	return &Resolver{
		entries:        entries,
		ttl:            ttl,
		includePending: includePending,
		logger:         log.WithComponent("dns.resolver"),
	}
}

// Resolve returns the records for qname and qtype. It returns ErrNotFound
// when no entry has the name and an empty answer when the name exists with
// other record types only. dns.TypeANY matches every type.
func (r *Resolver) Resolve(qname string, qtype uint16) ([]dns.RR, error) {
	name := strings.ToLower(strings.TrimSuffix(qname, "."))

	entries, err := r.entries.ListEntries()
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	known := false
	var matched []*types.DNSNameEntry
	for _, e := range entries {
		if e.Name != name || e.PendingRemove || (!e.Synced && !r.includePending) {
			continue
		}
		known = true
		if qtype == dns.TypeANY || dns.StringToType[e.RRType] == qtype {
			matched = append(matched, e)
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].RRType != matched[j].RRType {
			return matched[i].RRType < matched[j].RRType
		}
		return matched[i].Address < matched[j].Address
	})

	answers := make([]dns.RR, 0, len(matched))
	seen := make(map[string]bool, len(matched))
	for _, e := range matched {
		key := e.RRType + " " + e.Address
		if seen[key] {
			continue
		}
		seen[key] = true

		rr, err := r.record(e)
		if err != nil {
			r.logger.Warn().Err(err).Str("entry_id", e.ID).Msg("Skipping entry that does not form a record")
			continue
		}
		answers = append(answers, rr)
	}
	return answers, nil
}

// record builds a resource record from the entry's published content
func (r *Resolver) record(e *types.DNSNameEntry) (dns.RR, error) {
	content := e.Address
	switch e.RRType {
	case "CNAME", "PTR", "NS":
		content = dns.Fqdn(content)
	}
	return dns.NewRR(fmt.Sprintf("%s %d IN %s %s", dns.Fqdn(e.Name), r.ttl, e.RRType, content))
}
