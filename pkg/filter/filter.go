package filter

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/cuemby/dnsmgmt/pkg/log"
	"github.com/cuemby/dnsmgmt/pkg/types"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// ErrInvalidName is returned when a rendered name is not a usable host.domain name
var ErrInvalidName = errors.New("invalid dns name")

// Intent is a record a filter wants to exist for an allocation
type Intent struct {
	FilterID string
	Service  string
	Name     string // host.domain, lower case, no trailing dot
	RRType   string
	Address  string
	TenantID int64
}

// Engine evaluates DNS name filters against allocations. It holds no state.
type Engine struct {
	logger zerolog.Logger
}

// NewEngine creates a filter engine
func NewEngine() *Engine {
	return &Engine{logger: log.WithComponent("filter")}
}

// Claim returns one intent per filter claiming alloc, in the order filters
// are given. Filters whose template cannot render a valid name for this
// allocation are skipped with a warning.
func (e *Engine) Claim(alloc *types.NetworkAllocation, node *types.Node, filters []*types.DNSNameFilter) []Intent {
	address := alloc.IP()
	if address == "" {
		e.logger.Warn().
			Str("allocation_id", alloc.ID).
			Str("address", alloc.Address).
			Msg("allocation address is not an IP, no filter can claim it")
		return nil
	}

	var intents []Intent
	for _, f := range filters {
		if !Matches(f.Selector, alloc, node) {
			continue
		}

		name, err := RenderName(f.Template, alloc, node)
		if err != nil {
			e.logger.Warn().
				Err(err).
				Str("allocation_id", alloc.ID).
				Str("filter_id", f.ID).
				Msg("filter matched but name could not be rendered")
			continue
		}

		rrType, err := RRTypeFor(f, alloc)
		if err != nil {
			e.logger.Warn().
				Err(err).
				Str("filter_id", f.ID).
				Msg("filter has unusable record type")
			continue
		}

		intents = append(intents, Intent{
			FilterID: f.ID,
			Service:  f.Service,
			Name:     name,
			RRType:   rrType,
			Address:  address,
			TenantID: alloc.TenantID,
		})
	}
	return intents
}

// Matches reports whether the selector claims the allocation
func Matches(sel types.Selector, alloc *types.NetworkAllocation, node *types.Node) bool {
	if sel.Family != 0 && sel.Family != alloc.Family() {
		return false
	}
	if len(sel.Networks) > 0 && !matchAny(sel.Networks, alloc.Network) {
		return false
	}
	if len(sel.Categories) > 0 && !matchAny(sel.Categories, alloc.NetworkCategory) {
		return false
	}
	if len(sel.Tenants) > 0 && !containsTenant(sel.Tenants, alloc.TenantID) {
		return false
	}
	if len(sel.Roles) > 0 {
		if node == nil {
			return false
		}
		matched := false
		for _, role := range node.Roles {
			if matchAny(sel.Roles, role) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func matchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, value); err == nil && ok {
			return true
		}
	}
	return false
}

func containsTenant(tenants []int64, id int64) bool {
	for _, t := range tenants {
		if t == id {
			return true
		}
	}
	return false
}

// RenderName expands a naming template. Supported placeholders:
//
//	{{node.name}} {{node.short_name}} {{node.id}}
//	{{network.name}} {{network.category}}
//	{{address.dashed}} {{tenant}}
func RenderName(template string, alloc *types.NetworkAllocation, node *types.Node) (string, error) {
	if strings.Contains(template, "{{node.") && node == nil {
		return "", fmt.Errorf("%w: template %q needs a node", ErrInvalidName, template)
	}

	pairs := []string{
		"{{network.name}}", alloc.Network,
		"{{network.category}}", alloc.NetworkCategory,
		"{{address.dashed}}", dashed(alloc.IP()),
		"{{tenant}}", fmt.Sprintf("%d", alloc.TenantID),
	}
	if node != nil {
		pairs = append(pairs,
			"{{node.name}}", strings.TrimSuffix(node.Name, "."),
			"{{node.short_name}}", node.ShortName(),
			"{{node.id}}", node.ID,
		)
	}

	name := strings.NewReplacer(pairs...).Replace(template)
	if strings.Contains(name, "{{") {
		return "", fmt.Errorf("%w: unknown placeholder in %q", ErrInvalidName, template)
	}

	return NormalizeName(name)
}

// NormalizeName lower-cases a name, strips the trailing dot and checks that
// it is a valid domain name with at least a host and a domain label.
func NormalizeName(name string) (string, error) {
	name = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	labels, ok := dns.IsDomainName(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if labels < 2 {
		return "", fmt.Errorf("%w: %q has no domain part", ErrInvalidName, name)
	}
	return name, nil
}

func dashed(ip string) string {
	return strings.NewReplacer(".", "-", ":", "-").Replace(ip)
}

// RRTypeFor returns the filter's record type, or A/AAAA by address family
// when the filter leaves it empty.
func RRTypeFor(f *types.DNSNameFilter, alloc *types.NetworkAllocation) (string, error) {
	if f.RRType != "" {
		rr := strings.ToUpper(f.RRType)
		if _, ok := dns.StringToType[rr]; !ok {
			return "", fmt.Errorf("unknown record type %q", f.RRType)
		}
		return rr, nil
	}

	switch alloc.Family() {
	case 4:
		return dns.TypeToString[dns.TypeA], nil
	case 6:
		return dns.TypeToString[dns.TypeAAAA], nil
	default:
		return "", fmt.Errorf("cannot derive record type for address %q", alloc.Address)
	}
}

// SplitName splits host.domain at the first dot into host and zone
func SplitName(name string) (host, zone string) {
	host, zone, _ = strings.Cut(strings.TrimSuffix(name, "."), ".")
	return host, zone
}

// Validate checks a filter definition before it is stored
func Validate(f *types.DNSNameFilter) error {
	var errs []error
	if f.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if f.Service == "" {
		errs = append(errs, errors.New("service is required"))
	}
	if f.Template == "" {
		errs = append(errs, errors.New("template is required"))
	}
	if f.RRType != "" {
		if _, ok := dns.StringToType[strings.ToUpper(f.RRType)]; !ok {
			errs = append(errs, fmt.Errorf("unknown record type %q", f.RRType))
		}
	}
	if f.Selector.Family != 0 && f.Selector.Family != 4 && f.Selector.Family != 6 {
		errs = append(errs, fmt.Errorf("selector family must be 4 or 6, got %d", f.Selector.Family))
	}
	for _, p := range append(append(append([]string{}, f.Selector.Networks...), f.Selector.Categories...), f.Selector.Roles...) {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("bad selector pattern %q: %w", p, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("filter %q: %w", f.ID, errors.Join(errs...))
	}
	return nil
}
