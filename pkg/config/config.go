// Package config gathers the server's tunables: defaults, an optional
// TOML file on top, then command-line flags on top of that.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"chronos-map/pkg/derived"
	"chronos-map/pkg/interventions"
)

// Duration decodes TOML strings such as "30m".
type Duration struct{ time.Duration }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig         `toml:"server"`
	Map      MapConfig            `toml:"map"`
	Radius   derived.RadiusConfig `toml:"radius"`
	Counters map[string]string    `toml:"counters"`
	Offline  OfflineConfig        `toml:"offline"`
	Database DatabaseConfig       `toml:"database"`
	Sessions SessionsConfig       `toml:"sessions"`
	API      APIConfig            `toml:"api"`
	LogLevel string               `toml:"log-level"`
}

// ServerConfig covers the listener.
type ServerConfig struct {
	Port int `toml:"port"`
	// Domain switches to :80/:443 with Let's Encrypt certificates.
	Domain string `toml:"domain"`
	// PublicURL prefixes share links; empty means derive from the request.
	PublicURL string `toml:"public-url"`
}

// MapConfig covers the initial map view and page timings.
type MapConfig struct {
	CenterLat   float64 `toml:"center-lat"`
	CenterLon   float64 `toml:"center-lon"`
	InitialZoom float64 `toml:"initial-zoom"`
	MinZoom     float64 `toml:"min-zoom"`
	// InvalidateDelay is how long the page waits before re-measuring the
	// map container after load.
	InvalidateDelay Duration `toml:"invalidate-delay"`
}

// OfflineConfig covers the offline cache worker.
type OfflineConfig struct {
	Enabled   bool   `toml:"enabled"`
	CacheName string `toml:"cache-name"`
	// PageAssets are the local paths the browser worker pre-caches.
	PageAssets []string `toml:"page-assets"`
	// Vendor maps a file name served under /vendor/ to its upstream URL.
	// The server worker pre-caches every entry on install.
	Vendor map[string]string `toml:"vendor"`
	// TileURL is the upstream tile template with {s}, {z}, {x}, {y}, {r}.
	TileURL string `toml:"tile-url"`
	// Subdomains fill {s} in TileURL.
	Subdomains string `toml:"subdomains"`
	// NetworkTimeout bounds one upstream fetch.
	NetworkTimeout Duration `toml:"network-timeout"`
}

// DatabaseConfig selects where the offline cache lives.
type DatabaseConfig struct {
	// Type is one of memory, sqlite, genji, duckdb, pgx.
	Type      string `toml:"type"`
	Path      string `toml:"path"`
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	User      string `toml:"user"`
	Pass      string `toml:"pass"`
	Name      string `toml:"name"`
	PGSSLMode string `toml:"pg-ssl-mode"`
	// Conn overrides the assembled PostgreSQL DSN.
	Conn string `toml:"conn"`
}

// SessionsConfig covers per-viewer state.
type SessionsConfig struct {
	IdleTTL Duration `toml:"idle-ttl"`
}

// APIConfig covers the JSON API.
type APIConfig struct {
	// CacheTTL memoises stateless filter responses; zero disables it.
	CacheTTL Duration `toml:"cache-ttl"`
	// SessionCooldown spaces session creation per client IP.
	SessionCooldown Duration `toml:"session-cooldown"`
	// TrustProxy takes the client IP from X-Forwarded-For.  Only safe
	// behind a reverse proxy that overwrites that header.
	TrustProxy bool `toml:"trust-proxy"`
}

// Default returns the canonical configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8765},
		Map: MapConfig{
			CenterLat:       20,
			CenterLon:       10,
			InitialZoom:     2.5,
			MinZoom:         2,
			InvalidateDelay: Duration{250 * time.Millisecond},
		},
		Radius: derived.DefaultRadius,
		Counters: map[string]string{
			string(interventions.CategoryOperation): string(derived.CounterOperations),
			string(interventions.CategoryCoup):      string(derived.CounterCoups),
		},
		Offline: OfflineConfig{
			Enabled:        true,
			CacheName:      "chronos-v2",
			PageAssets:     []string{"/", "/manifest.json", "/static/app.js", "/static/app.css", "/vendor/leaflet.js", "/vendor/leaflet.css"},
			Vendor: map[string]string{
				"leaflet.js":  "https://unpkg.com/leaflet@1.9.4/dist/leaflet.js",
				"leaflet.css": "https://unpkg.com/leaflet@1.9.4/dist/leaflet.css",
			},
			TileURL:        "https://{s}.basemaps.cartocdn.com/dark_all/{z}/{x}/{y}{r}.png",
			Subdomains:     "abcd",
			NetworkTimeout: Duration{10 * time.Second},
		},
		Database: DatabaseConfig{
			Type:      "sqlite",
			Host:      "127.0.0.1",
			Port:      5432,
			User:      "postgres",
			Name:      "chronos",
			PGSSLMode: "prefer",
		},
		Sessions: SessionsConfig{IdleTTL: Duration{30 * time.Minute}},
		API:      APIConfig{CacheTTL: Duration{time.Minute}, SessionCooldown: Duration{time.Second}},
		LogLevel: "info",
	}
}

// LoadFile decodes path on top of base.  A missing file is not an error.
func LoadFile(path string, base Config) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return base, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return base, fmt.Errorf("stat config: %w", err)
	}
	cfg := base
	// Decoding into a fresh map keeps the defaults' map from being
	// mutated when the file only lists some categories.
	cfg.Counters = nil
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return base, fmt.Errorf("decode config: %w", err)
	}
	if !md.IsDefined("counters") {
		cfg.Counters = base.Counters
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return base, fmt.Errorf("decode config: unknown keys %v", undecoded)
	}
	return cfg, nil
}

var knownDBTypes = map[string]struct{}{
	"memory": {}, "sqlite": {}, "genji": {}, "duckdb": {}, "pgx": {},
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Map.InitialZoom <= 0 {
		return errors.New("map.initial-zoom must be positive")
	}
	r := c.Radius
	if r.ReferenceZoom <= 0 {
		return errors.New("radius.reference-zoom must be positive")
	}
	if r.Floor < 0 || r.Factor < 0 || r.Cap < 0 || r.BaseAll < 0 || r.BaseSelected < 0 {
		return errors.New("radius constants must not be negative")
	}
	if _, err := c.CounterMapping(); err != nil {
		return err
	}
	if _, ok := knownDBTypes[strings.ToLower(c.Database.Type)]; !ok {
		return fmt.Errorf("database.type %q unsupported", c.Database.Type)
	}
	if c.Offline.Enabled {
		if strings.TrimSpace(c.Offline.CacheName) == "" {
			return errors.New("offline.cache-name is empty")
		}
		for _, a := range c.Offline.PageAssets {
			if !strings.HasPrefix(a, "/") {
				return fmt.Errorf("offline page asset %q must be an absolute path", a)
			}
		}
		for name, u := range c.Offline.Vendor {
			if name == "" || strings.Contains(name, "/") {
				return fmt.Errorf("offline vendor name %q is invalid", name)
			}
			if !strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "http://") {
				return fmt.Errorf("offline vendor %q: %q is not an http(s) URL", name, u)
			}
		}
	}
	return nil
}

// CounterMapping converts the [counters] table into the engine's mapping.
func (c Config) CounterMapping() (derived.CounterMapping, error) {
	m := make(derived.CounterMapping, len(c.Counters))
	for cat, counter := range c.Counters {
		category := interventions.Category(strings.ToLower(strings.TrimSpace(cat)))
		if !category.Valid() {
			return nil, fmt.Errorf("counters: unknown category %q", cat)
		}
		switch derived.Counter(counter) {
		case derived.CounterOperations, derived.CounterCoups:
			m[category] = derived.Counter(counter)
		case "":
			// explicit opt-out
		default:
			return nil, fmt.Errorf("counters: unknown counter %q for %q", counter, cat)
		}
	}
	return m, nil
}
