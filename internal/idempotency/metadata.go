package idempotency

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is used when a route is marked without an explicit ttl.
const DefaultTTL = time.Hour

// DefaultAllowedMethods are the side-effecting verbs a marked route accepts.
var DefaultAllowedMethods = []string{http.MethodPost, http.MethodPatch, http.MethodPut}

// Metadata is bound to a marked route at startup.
type Metadata struct {
	TTL            time.Duration
	AllowedMethods []string
}

func (m Metadata) Allows(method string) bool {
	methods := m.AllowedMethods
	if len(methods) == 0 {
		methods = DefaultAllowedMethods
	}
	return slices.Contains(methods, strings.ToUpper(method))
}

func (m Metadata) ttl() time.Duration {
	if m.TTL <= 0 {
		return DefaultTTL
	}
	return m.TTL
}

// RouteTable maps a route pattern such as "POST /v1/orders" to its Metadata.
// Routes absent from the table are not deduplicated.
type RouteTable struct {
	mu     sync.RWMutex
	routes map[string]Metadata
}

func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[string]Metadata)}
}

// Mark registers route with the given ttl. methods defaults to DefaultAllowedMethods
// and may only narrow that set.
func (t *RouteTable) Mark(route string, ttl time.Duration, methods ...string) error {
	route = normalizeRoute(route)
	if route == "" {
		return fmt.Errorf("route is required")
	}
	if err := validateTTL(ttl); err != nil {
		return fmt.Errorf("route %q: %w", route, err)
	}
	allowed := make([]string, 0, len(methods))
	for _, method := range methods {
		m := strings.ToUpper(strings.TrimSpace(method))
		if m == "" {
			continue
		}
		if !slices.Contains(DefaultAllowedMethods, m) {
			return fmt.Errorf("route %q: %s cannot be marked idempotent", route, m)
		}
		if !slices.Contains(allowed, m) {
			allowed = append(allowed, m)
		}
	}
	if len(allowed) == 0 {
		allowed = slices.Clone(DefaultAllowedMethods)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[route] = Metadata{TTL: ttl, AllowedMethods: allowed}
	return nil
}

func (t *RouteTable) Resolve(route string) (Metadata, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	meta, ok := t.routes[normalizeRoute(route)]
	return meta, ok
}

func (t *RouteTable) Routes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.routes))
	for route := range t.routes {
		out = append(out, route)
	}
	slices.Sort(out)
	return out
}

// normalizeRoute upper-cases the method part of a "METHOD /path" pattern and
// collapses inner whitespace, so "post  /v1/orders" and "POST /v1/orders" match.
func normalizeRoute(route string) string {
	fields := strings.Fields(route)
	switch len(fields) {
	case 0:
		return ""
	case 1:
		return fields[0]
	default:
		return strings.ToUpper(fields[0]) + " " + strings.Join(fields[1:], " ")
	}
}

// ParseTimeUnit converts a marker time unit name into a duration multiplier.
func ParseTimeUnit(unit string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "", "hours", "hour", "h":
		return time.Hour, nil
	case "minutes", "minute", "m":
		return time.Minute, nil
	case "seconds", "second", "s":
		return time.Second, nil
	case "milliseconds", "millisecond", "ms":
		return time.Millisecond, nil
	case "days", "day", "d":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown time unit %q", unit)
	}
}
