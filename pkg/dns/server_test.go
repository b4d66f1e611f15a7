package dns

import (
	"context"
	"errors"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, entries EntryLister, cfg Config) *Server {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	s := NewServer(entries, cfg)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func query(t *testing.T, addr, name string, qtype uint16) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	resp, _, err := (&dns.Client{Net: "udp"}).Exchange(m, addr)
	require.NoError(t, err)
	return resp
}

func TestServerAnswersManagedNames(t *testing.T) {
	s := startServer(t, sampleEntries(), Config{})
	assert.True(t, s.IsRunning())

	resp := query(t, s.Addr(), "node1.example.com", dns.TypeA)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.True(t, resp.Authoritative)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, addresses(t, resp.Answer))
	assert.Equal(t, DefaultTTL, resp.Answer[0].Header().Ttl)

	resp = query(t, s.Addr(), "node1.example.com", dns.TypeTXT)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Empty(t, resp.Answer)
}

func TestServerNXDomainWithoutUpstream(t *testing.T) {
	s := startServer(t, sampleEntries(), Config{})

	resp := query(t, s.Addr(), "missing.example.com", dns.TypeA)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
}

func TestServerForwardsUnmanagedNames(t *testing.T) {
	upstream := startServer(t, &fakeEntries{entries: sampleEntries().entries[:1]}, Config{TTL: 5})
	s := startServer(t, &fakeEntries{}, Config{Upstream: []string{upstream.Addr()}})

	resp := query(t, s.Addr(), "node1.example.com", dns.TypeA)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Equal(t, []string{"10.0.0.2"}, addresses(t, resp.Answer))
	assert.Equal(t, uint32(5), resp.Answer[0].Header().Ttl)
}

func TestServerServfailWhenUpstreamsFail(t *testing.T) {
	dead := startServer(t, &fakeEntries{}, Config{})
	addr := dead.Addr()
	require.NoError(t, dead.Stop())

	s := startServer(t, &fakeEntries{}, Config{Upstream: []string{addr}})

	resp := query(t, s.Addr(), "missing.example.com", dns.TypeA)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

func TestServerServfailOnStoreError(t *testing.T) {
	s := startServer(t, &fakeEntries{err: errors.New("closed")}, Config{})

	resp := query(t, s.Addr(), "node1.example.com", dns.TypeA)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

func TestServerStartTwiceAndStop(t *testing.T) {
	s := startServer(t, sampleEntries(), Config{})

	assert.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.Empty(t, s.Addr())
	assert.NoError(t, s.Stop())
}
