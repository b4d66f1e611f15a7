package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/dnsmgmt/pkg/log"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

const (
	// DefaultTTL is the TTL put on answered records
	DefaultTTL uint32 = 30

	forwardTimeout = 2 * time.Second
)

// Config holds entry view server configuration
type Config struct {
	ListenAddr     string   // UDP address, e.g. 127.0.0.1:5353
	TTL            uint32   // Defaults to DefaultTTL
	Upstream       []string // Unmanaged names are forwarded here; empty answers NXDOMAIN
	IncludePending bool     // Also answer entries whose remote ADD is deferred
}

// Server is a read-only DNS view over the entries dnsmgmt has recorded. It
// lets operators check what should be published without asking the
// DNS-management service.
type Server struct {
	resolver  *Resolver
	upstream  []string
	listen    string
	dnsServer *dns.Server
	conn      net.PacketConn
	mu        sync.RWMutex
	running   bool
	logger    zerolog.Logger
}

// NewServer creates a view server over entries
func NewServer(entries EntryLister, cfg Config) *Server {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	return &Server{
		resolver: NewResolver(entries, cfg.TTL, cfg.IncludePending),
		upstream: cfg.Upstream,
		listen:   cfg.ListenAddr,
		logger:   log.WithComponent("dns"),
	}
}

// Start binds the UDP socket and returns once the server is answering
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("dns view already running")
	}

	pc, err := (&net.ListenConfig{}).ListenPacket(ctx, "udp", s.listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.listen, err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSQuery)

	started := make(chan struct{})
	errCh := make(chan error, 1)
	s.dnsServer = &dns.Server{
		PacketConn:        pc,
		Handler:           mux,
		NotifyStartedFunc: func() { close(started) },
	}
	go func() {
		errCh <- s.dnsServer.ActivateAndServe()
	}()

	select {
	case <-started:
	case err := <-errCh:
		_ = pc.Close()
		return fmt.Errorf("dns view failed to start: %w", err)
	case <-ctx.Done():
		_ = s.dnsServer.Shutdown()
		return ctx.Err()
	}

	s.conn = pc
	s.running = true
	s.logger.Info().Str("address", pc.LocalAddr().String()).Msg("DNS entry view started")
	return nil
}

// Addr returns the bound address, useful when listening on port 0
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.LocalAddr().String()
}

// Stop shuts the server down
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.conn = nil

	if err := s.dnsServer.Shutdown(); err != nil {
		return fmt.Errorf("stop dns view: %w", err)
	}
	s.logger.Info().Msg("DNS entry view stopped")
	return nil
}

// IsRunning reports whether the server is answering
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) handleDNSQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		s.logger.Debug().
			Str("query", q.Name).
			Str("type", dns.TypeToString[q.Qtype]).
			Msg("DNS query received")

		answers, err := s.resolver.Resolve(q.Name, q.Qtype)
		switch {
		case errors.Is(err, ErrNotFound):
			if len(s.upstream) > 0 {
				s.forwardQuery(w, r)
				return
			}
			msg.Rcode = dns.RcodeNameError
		case err != nil:
			s.logger.Error().Err(err).Str("query", q.Name).Msg("Failed to resolve query")
			msg.Rcode = dns.RcodeServerFailure
		default:
			msg.Answer = append(msg.Answer, answers...)
		}
	}

	if err := w.WriteMsg(msg); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write DNS response")
	}
}

// forwardQuery relays r to the first upstream that answers and SERVFAILs
// when none does
func (s *Server) forwardQuery(w dns.ResponseWriter, r *dns.Msg) {
	client := &dns.Client{Net: "udp", Timeout: forwardTimeout}

	for _, upstream := range s.upstream {
		resp, _, err := client.Exchange(r, upstream)
		if err != nil {
			s.logger.Debug().Err(err).Str("upstream", upstream).Msg("Upstream did not answer")
			continue
		}
		if err := w.WriteMsg(resp); err != nil {
			s.logger.Error().Err(err).Msg("Failed to write forwarded DNS response")
		}
		return
	}

	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Rcode = dns.RcodeServerFailure
	if err := w.WriteMsg(msg); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write DNS error response")
	}
}
