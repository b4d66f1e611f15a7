package dns

import (
	"errors"
	"testing"

	"github.com/cuemby/dnsmgmt/pkg/types"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntries struct {
	entries []*types.DNSNameEntry
	err     error
}

func (f *fakeEntries) ListEntries() ([]*types.DNSNameEntry, error) {
	return f.entries, f.err
}

func entry(id, name, rrType, address string, synced bool) *types.DNSNameEntry {
	return &types.DNSNameEntry{ID: id, Name: name, RRType: rrType, Address: address, Synced: synced}
}

func sampleEntries() *fakeEntries {
	return &fakeEntries{entries: []*types.DNSNameEntry{
		entry("1", "node1.example.com", "A", "10.0.0.2", true),
		entry("2", "node1.example.com", "A", "10.0.0.1", true),
		entry("3", "node1.example.com", "AAAA", "fd00::1", true),
		entry("4", "pending.example.com", "A", "10.0.0.9", false),
		entry("5", "alias.example.com", "CNAME", "node1.example.com", true),
		entry("6", "node1.example.com", "A", "10.0.0.1", true),
		{ID: "7", Name: "gone.example.com", RRType: "A", Address: "10.0.0.7", Synced: true, PendingRemove: true},
	}}
}

func addresses(t *testing.T, rrs []dns.RR) []string {
	t.Helper()
	var out []string
	for _, rr := range rrs {
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, v.A.String())
		case *dns.AAAA:
			out = append(out, v.AAAA.String())
		case *dns.CNAME:
			out = append(out, v.Target)
		default:
			t.Fatalf("unexpected record %s", rr)
		}
	}
	return out
}

func TestResolveByType(t *testing.T) {
	r := NewResolver(sampleEntries(), 60, false)

	tests := []struct {
		name  string
		qname string
		qtype uint16
		want  []string
	}{
		{name: "A sorted and deduplicated", qname: "node1.example.com.", qtype: dns.TypeA, want: []string{"10.0.0.1", "10.0.0.2"}},
		{name: "AAAA", qname: "node1.example.com.", qtype: dns.TypeAAAA, want: []string{"fd00::1"}},
		{name: "ANY", qname: "node1.example.com.", qtype: dns.TypeANY, want: []string{"10.0.0.1", "10.0.0.2", "fd00::1"}},
		{name: "case insensitive", qname: "NODE1.Example.COM.", qtype: dns.TypeAAAA, want: []string{"fd00::1"}},
		{name: "CNAME target is fqdn", qname: "alias.example.com.", qtype: dns.TypeCNAME, want: []string{"node1.example.com."}},
		{name: "known name other type", qname: "node1.example.com.", qtype: dns.TypeMX, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rrs, err := r.Resolve(tt.qname, tt.qtype)
			require.NoError(t, err)
			assert.Equal(t, tt.want, addresses(t, rrs))
			for _, rr := range rrs {
				assert.Equal(t, uint32(60), rr.Header().Ttl)
			}
		})
	}
}

func TestResolveUnknownName(t *testing.T) {
	r := NewResolver(sampleEntries(), 60, false)

	_, err := r.Resolve("missing.example.com.", dns.TypeA)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolvePendingEntries(t *testing.T) {
	_, err := NewResolver(sampleEntries(), 60, false).Resolve("pending.example.com.", dns.TypeA)
	assert.ErrorIs(t, err, ErrNotFound)

	rrs, err := NewResolver(sampleEntries(), 60, true).Resolve("pending.example.com.", dns.TypeA)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.9"}, addresses(t, rrs))

	// Entries waiting for their REMOVE are never answered
	_, err = NewResolver(sampleEntries(), 60, true).Resolve("gone.example.com.", dns.TypeA)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveSkipsMalformedContent(t *testing.T) {
	entries := &fakeEntries{entries: []*types.DNSNameEntry{
		entry("1", "bad.example.com", "A", "not-an-ip", true),
		entry("2", "bad.example.com", "A", "10.0.0.3", true),
	}}

	rrs, err := NewResolver(entries, 60, false).Resolve("bad.example.com.", dns.TypeA)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.3"}, addresses(t, rrs))
}

func TestResolveStoreError(t *testing.T) {
	r := NewResolver(&fakeEntries{err: errors.New("closed")}, 60, false)

	_, err := r.Resolve("node1.example.com.", dns.TypeA)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
