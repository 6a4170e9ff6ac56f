package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/VenkatGGG/idempotency-keys/internal/idempotency"
)

type routeFile struct {
	Routes []routeEntry `yaml:"routes"`
}

type routeEntry struct {
	Route    string   `yaml:"route"`
	TTL      int64    `yaml:"ttl"`
	TimeUnit string   `yaml:"time_unit"`
	Methods  []string `yaml:"methods"`
}

// DefaultRoutes marks the order mutations served by the bundled API.
func DefaultRoutes(ttl time.Duration) (*idempotency.RouteTable, error) {
	table := idempotency.NewRouteTable()
	for _, route := range []string{
		"POST /v1/orders",
		"PATCH /v1/orders/{id}",
		"PUT /v1/orders/{id}",
	} {
		if err := table.Mark(route, ttl); err != nil {
			return nil, err
		}
	}
	return table, nil
}

// LoadRouteTable builds the default table and overlays entries from
// IDEMPOTENCY_ROUTES_FILE when configured.
func (c Config) LoadRouteTable() (*idempotency.RouteTable, error) {
	table, err := DefaultRoutes(c.DefaultTTL)
	if err != nil {
		return nil, err
	}
	if c.RoutesFile == "" {
		return table, nil
	}
	data, err := os.ReadFile(c.RoutesFile)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	if err := ApplyRoutes(table, data); err != nil {
		return nil, fmt.Errorf("routes file %s: %w", c.RoutesFile, err)
	}
	return table, nil
}

// ApplyRoutes marks every route listed in a YAML document on table.
func ApplyRoutes(table *idempotency.RouteTable, data []byte) error {
	var parsed routeFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse routes: %w", err)
	}
	for i, entry := range parsed.Routes {
		unit, err := idempotency.ParseTimeUnit(entry.TimeUnit)
		if err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
		ttl := idempotency.DefaultTTL
		if entry.TTL != 0 {
			ttl = time.Duration(entry.TTL) * unit
		}
		if err := table.Mark(entry.Route, ttl, entry.Methods...); err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
	}
	return nil
}
