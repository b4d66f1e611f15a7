package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/dnsmgmt/pkg/attrib"
	"github.com/cuemby/dnsmgmt/pkg/directory"
	"github.com/cuemby/dnsmgmt/pkg/dnsclient"
	dnsview "github.com/cuemby/dnsmgmt/pkg/dns"
	"github.com/cuemby/dnsmgmt/pkg/filter"
	"github.com/cuemby/dnsmgmt/pkg/health"
	"github.com/cuemby/dnsmgmt/pkg/reconciler"
	"github.com/cuemby/dnsmgmt/pkg/security"
	"github.com/cuemby/dnsmgmt/pkg/types"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvProduction is the only environment in which remote DNS updates are sent
const EnvProduction = "production"

// Config is the dnsmgmt daemon configuration
type Config struct {
	DataDir     string `yaml:"data_dir" validate:"required"`
	APIAddr     string `yaml:"api_addr" validate:"required,listenaddr"`
	APITLS      bool   `yaml:"api_tls"`
	LocalSocket string `yaml:"local_socket" validate:"omitempty,listenaddr"`
	HealthAddr  string `yaml:"health_addr" validate:"omitempty,hostname_port"`
	Environment string `yaml:"environment" validate:"oneof=production development test"`
	FiltersFile string `yaml:"filters_file"`

	Log       LogConfig       `yaml:"log"`
	Directory DirectoryConfig `yaml:"directory"`
	TLS       security.Paths  `yaml:"tls" validate:"-"`
	DNS       DNSConfig       `yaml:"dns"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	DNSView   DNSViewConfig   `yaml:"dns_view"`
	Probe     ProbeConfig     `yaml:"probe"`
}

// LogConfig configures pkg/log
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// DirectoryConfig names the role and attribute DNS services are published under
type DirectoryConfig struct {
	Role             string `yaml:"role" validate:"required"`
	ServersAttribute string `yaml:"servers_attribute" validate:"required"`
}

// DNSConfig configures the remote update client
type DNSConfig struct {
	Principal      string                    `yaml:"principal" validate:"required"`
	Capabilities   map[string][]string       `yaml:"capabilities"`
	RequestTimeout time.Duration             `yaml:"request_timeout" validate:"gt=0"`
	Retry          dnsclient.RetryConfig     `yaml:"retry"`
	RateLimit      dnsclient.RateLimitConfig `yaml:"rate_limit"`
}

// ReconcileConfig configures the transition wait and pending retry loop
type ReconcileConfig struct {
	TransitionTimeout  time.Duration `yaml:"transition_timeout" validate:"gt=0"`
	TransitionInterval time.Duration `yaml:"transition_interval" validate:"gt=0,ltefield=TransitionTimeout"`
	RetryInterval      time.Duration `yaml:"retry_interval" validate:"gt=0"`
}

// DNSViewConfig configures the read-only DNS view of recorded entries.
// The view is off while ListenAddr is empty.
type DNSViewConfig struct {
	ListenAddr     string   `yaml:"listen_addr" validate:"omitempty,hostname_port"`
	TTL            uint32   `yaml:"ttl"`
	Upstream       []string `yaml:"upstream" validate:"dive,hostname_port"`
	IncludePending bool     `yaml:"include_pending"`
}

// ProbeConfig configures the published endpoint monitor. Interval 0
// disables it.
type ProbeConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
	Retries  int           `yaml:"retries" validate:"gte=1"`
}

var validate = validator.New()

func init() {
	_ = validate.RegisterValidation("listenaddr", func(fl validator.FieldLevel) bool {
		_, _, err := ParseListenAddr(fl.Field().String())
		return err == nil
	})
}

// Default returns a configuration for a development run
func Default() *Config {
	dns := dnsclient.DefaultConfig()
	wait := attrib.DefaultWaitConfig()
	probe := health.DefaultConfig()

	return &Config{
		DataDir:     "/var/lib/dnsmgmt",
		APIAddr:     "127.0.0.1:9191",
		LocalSocket: "unix:///var/run/dnsmgmt/api.sock",
		HealthAddr:  "127.0.0.1:9190",
		Environment: "development",
		Log:         LogConfig{Level: "info"},
		Directory: DirectoryConfig{
			Role:             directory.DefaultRole,
			ServersAttribute: directory.DefaultServersAttribute,
		},
		TLS: security.DefaultPaths(),
		DNS: DNSConfig{
			Principal:      dns.Principal,
			Capabilities:   dns.Capabilities,
			RequestTimeout: dns.RequestTimeout,
			Retry:          dns.Retry,
		},
		Reconcile: ReconcileConfig{
			TransitionTimeout:  wait.Timeout,
			TransitionInterval: wait.Interval,
			RetryInterval:      time.Minute,
		},
		DNSView: DNSViewConfig{TTL: dnsview.DefaultTTL},
		Probe: ProbeConfig{
			Interval: probe.Interval,
			Timeout:  probe.Timeout,
			Retries:  probe.Retries,
		},
	}
}

// Load reads the optional YAML file at path over the defaults, then applies
// DNSMGMT_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.DataDir = getEnv("DNSMGMT_DATA_DIR", c.DataDir)
	c.APIAddr = getEnv("DNSMGMT_API_ADDR", c.APIAddr)
	c.LocalSocket = getEnv("DNSMGMT_LOCAL_SOCKET", c.LocalSocket)
	c.HealthAddr = getEnv("DNSMGMT_HEALTH_ADDR", c.HealthAddr)
	c.Environment = getEnv("DNSMGMT_ENV", c.Environment)
	c.FiltersFile = getEnv("DNSMGMT_FILTERS_FILE", c.FiltersFile)
	c.Log.Level = getEnv("DNSMGMT_LOG_LEVEL", c.Log.Level)
	c.TLS.CAFile = getEnv("DNSMGMT_TLS_CA", c.TLS.CAFile)
	c.TLS.CertFile = getEnv("DNSMGMT_TLS_CERT", c.TLS.CertFile)
	c.TLS.KeyFile = getEnv("DNSMGMT_TLS_KEY", c.TLS.KeyFile)
	c.DNS.Principal = getEnv("DNSMGMT_PRINCIPAL", c.DNS.Principal)
	c.DNSView.ListenAddr = getEnv("DNSMGMT_DNS_VIEW_ADDR", c.DNSView.ListenAddr)

	var errs []error
	if v := os.Getenv("DNSMGMT_LOG_JSON"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DNSMGMT_LOG_JSON: %w", err))
		}
		c.Log.JSON = b
	}
	if v := os.Getenv("DNSMGMT_API_TLS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DNSMGMT_API_TLS: %w", err))
		}
		c.APITLS = b
	}
	if v := os.Getenv("DNSMGMT_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DNSMGMT_REQUEST_TIMEOUT: %w", err))
		}
		c.DNS.RequestTimeout = d
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate checks every field and reports all problems at once
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%s: failed %q check (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
	}

	if c.Production() || c.APITLS {
		if err := validate.Struct(c.TLS); err != nil {
			errs = append(errs, fmt.Errorf("tls paths are required in production or with api_tls: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Production reports whether remote DNS updates are enabled
func (c *Config) Production() bool {
	return c.Environment == EnvProduction
}

// DNSClientConfig maps the configuration onto the remote update client
func (c *Config) DNSClientConfig() dnsclient.Config {
	return dnsclient.Config{
		Production:     c.Production(),
		TLS:            c.TLS,
		RequestTimeout: c.DNS.RequestTimeout,
		Retry:          c.DNS.Retry,
		Principal:      c.DNS.Principal,
		Capabilities:   c.DNS.Capabilities,
		RateLimit:      c.DNS.RateLimit,
	}
}

// WaitConfig returns the bounded wait used on service transition
func (c *Config) WaitConfig() attrib.WaitConfig {
	return attrib.WaitConfig{
		Timeout:  c.Reconcile.TransitionTimeout,
		Interval: c.Reconcile.TransitionInterval,
	}
}

// ReconcilerConfig maps the configuration onto the reconciler
func (c *Config) ReconcilerConfig() reconciler.Config {
	return reconciler.Config{
		Role:             c.Directory.Role,
		ServersAttribute: c.Directory.ServersAttribute,
		Wait:             c.WaitConfig(),
		RetryInterval:    c.Reconcile.RetryInterval,
	}
}

// DNSViewServerConfig maps the configuration onto the DNS entry view
func (c *Config) DNSViewServerConfig() dnsview.Config {
	return dnsview.Config{
		ListenAddr:     c.DNSView.ListenAddr,
		TTL:            c.DNSView.TTL,
		Upstream:       c.DNSView.Upstream,
		IncludePending: c.DNSView.IncludePending,
	}
}

// ProbeMonitorConfig maps the configuration onto the endpoint monitor
func (c *Config) ProbeMonitorConfig() health.Config {
	return health.Config{
		Interval: c.Probe.Interval,
		Timeout:  c.Probe.Timeout,
		Retries:  c.Probe.Retries,
	}
}

// APIServerTLS returns the mTLS config for the API listener, or nil when
// api_tls is off.
func (c *Config) APIServerTLS() (*tls.Config, error) {
	if !c.APITLS {
		return nil, nil
	}
	return security.ServerTLSConfig(c.TLS)
}

// ParseListenAddr splits unix:///path and tcp://host:port (or bare
// host:port) listen addresses into a network and address.
func ParseListenAddr(addr string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		path := strings.TrimPrefix(addr, "unix://")
		if path == "" {
			return "", "", fmt.Errorf("empty unix socket path in %q", addr)
		}
		return "unix", path, nil
	case strings.HasPrefix(addr, "tcp://"):
		addr = strings.TrimPrefix(addr, "tcp://")
	}

	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", "", fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return "tcp", addr, nil
}

// FilterFile is the YAML document accepted by LoadFilters
type FilterFile struct {
	Filters []*types.DNSNameFilter `yaml:"filters"`
}

// LoadFilters reads and validates a DNS name filter file
func LoadFilters(path string) ([]*types.DNSNameFilter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read filters: %w", err)
	}
	return ParseFilters(data)
}

// ParseFilters decodes and validates a DNS name filter document. Filter IDs
// must be unique within the document.
func ParseFilters(data []byte) ([]*types.DNSNameFilter, error) {
	var doc FilterFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse filters: %w", err)
	}

	var errs []error
	seen := make(map[string]bool, len(doc.Filters))
	for _, f := range doc.Filters {
		if err := filter.Validate(f); err != nil {
			errs = append(errs, err)
		}
		if f.ID != "" && seen[f.ID] {
			errs = append(errs, fmt.Errorf("duplicate filter id %q", f.ID))
		}
		seen[f.ID] = true
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return doc.Filters, nil
}
