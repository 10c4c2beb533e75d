// Package config manages GoBIER daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/gobier/internal/bier"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gobier configuration.
type Config struct {
	Admin   AdminConfig   `koanf:"admin"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	BIER    BIERConfig    `koanf:"bier"`
	BIFTs   []BIFTSection `koanf:"bifts"`
}

// AdminConfig holds the admin HTTP API configuration.
type AdminConfig struct {
	// Addr is the admin HTTP listen address (e.g., ":8080").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// BIERConfig holds the packet transport configuration.
type BIERConfig struct {
	// Listen is the UDP listen address for BIER packets (e.g., ":8296").
	Listen string `koanf:"listen"`

	// APISocket is the unix datagram socket path the daemon receives
	// application Send messages on.
	APISocket string `koanf:"api_socket"`

	// AppSocket is the unix datagram socket path the daemon delivers
	// local payloads to. Empty disables local delivery output.
	AppSocket string `koanf:"app_socket"`
}

// BIFTSection declares one Bit Index Forwarding Table in the
// configuration file. Each section creates a BIFT on daemon startup and
// SIGHUP reload.
//
// The yaml tags match the koanf keys so that generated sections marshal
// back into a loadable configuration file.
type BIFTSection struct {
	// BIFTID is the 20-bit table identifier carried in packet headers.
	BIFTID uint32 `koanf:"bift_id" yaml:"bift_id"`

	// SubDomain is the BIER sub-domain identifier (0-255).
	SubDomain uint16 `koanf:"sub_domain" yaml:"sub_domain"`

	// SetIndex is the set identifier (0-255).
	SetIndex uint16 `koanf:"set_index" yaml:"set_index"`

	// BSL is the bitstring length in bits: 64, 128, 256, 512, 1024,
	// 2048, or 4096.
	BSL int `koanf:"bsl" yaml:"bsl"`

	// BFRID is this router's own 1-based BFR-id within the sub-domain.
	// Zero means transit-only.
	BFRID uint16 `koanf:"bfr_id" yaml:"bfr_id"`

	// Entries are the per-egress adjacency declarations.
	Entries []EntryConfig `koanf:"entries" yaml:"entries"`
}

// EntryConfig declares the adjacency for one egress router.
type EntryConfig struct {
	// BFR is the egress router's 1-based BFR-id. Bit position on the
	// wire is BFR-1.
	BFR uint16 `koanf:"bfr" yaml:"bfr"`

	// Paths are the candidate adjacencies in preference order. The
	// first path is installed; the rest are accepted for compatibility
	// with generated configurations but not used.
	Paths []PathConfig `koanf:"paths" yaml:"paths"`
}

// PathConfig is one candidate adjacency for an egress router.
type PathConfig struct {
	// NextHop is the neighbor's IP address.
	NextHop string `koanf:"next_hop" yaml:"next_hop"`

	// Bitmask is the neighbor's forwarding bitmask as a binary literal
	// (e.g., "11010"), leftmost character being the highest bit.
	Bitmask string `koanf:"bitmask" yaml:"bitmask"`
}

// NextHopAddr parses the NextHop string as a netip.Addr.
func (pc PathConfig) NextHopAddr() (netip.Addr, error) {
	if pc.NextHop == "" {
		return netip.Addr{}, fmt.Errorf("path next_hop: %w", ErrInvalidPathNextHop)
	}
	addr, err := netip.ParseAddr(pc.NextHop)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse path next_hop %q: %w", pc.NextHop, err)
	}
	return addr, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The UDP listen port defaults to 8296 after the BIER encapsulation RFC
// number; there is no IANA-assigned port for this transport.
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		BIER: BIERConfig{
			Listen:    ":8296",
			APISocket: "/run/gobier/api.sock",
			AppSocket: "/run/gobier/app.sock",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for GoBIER configuration.
// Variables are named GOBIER_<section>_<key>, e.g., GOBIER_ADMIN_ADDR.
const envPrefix = "GOBIER_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOBIER_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GOBIER_ADMIN_ADDR      -> admin.addr
//	GOBIER_METRICS_ADDR    -> metrics.addr
//	GOBIER_METRICS_PATH    -> metrics.path
//	GOBIER_LOG_LEVEL       -> log.level
//	GOBIER_LOG_FORMAT      -> log.format
//	GOBIER_BIER_LISTEN     -> bier.listen
//	GOBIER_BIER_API_SOCKET -> bier.api_socket
//	GOBIER_BIER_APP_SOCKET -> bier.app_socket
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// GOBIER_ADMIN_ADDR -> admin.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOBIER_ADMIN_ADDR -> admin.addr.
// Strips the GOBIER_ prefix, lowercases, and replaces _ with .
// The socket path keys keep their inner underscore.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", ".")
	s = strings.ReplaceAll(s, "api.socket", "api_socket")
	s = strings.ReplaceAll(s, "app.socket", "app_socket")
	return s
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"admin.addr":      defaults.Admin.Addr,
		"metrics.addr":    defaults.Metrics.Addr,
		"metrics.path":    defaults.Metrics.Path,
		"log.level":       defaults.Log.Level,
		"log.format":      defaults.Log.Format,
		"bier.listen":     defaults.BIER.Listen,
		"bier.api_socket": defaults.BIER.APISocket,
		"bier.app_socket": defaults.BIER.AppSocket,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyAdminAddr indicates the admin HTTP listen address is empty.
	ErrEmptyAdminAddr = errors.New("admin.addr must not be empty")

	// ErrEmptyListen indicates the UDP listen address is empty.
	ErrEmptyListen = errors.New("bier.listen must not be empty")

	// ErrInvalidBIFTID indicates a BIFT section with a zero or oversized id.
	ErrInvalidBIFTID = errors.New("bift_id must be 1..2^20-1")

	// ErrInvalidSubDomain indicates a sub-domain outside 0-255.
	ErrInvalidSubDomain = errors.New("sub_domain must be 0..255")

	// ErrInvalidSetIndex indicates a set identifier outside 0-255.
	ErrInvalidSetIndex = errors.New("set_index must be 0..255")

	// ErrInvalidEntryBFR indicates an entry with a zero BFR-id.
	ErrInvalidEntryBFR = errors.New("entry bfr must be >= 1")

	// ErrEntryNoPaths indicates an entry with no candidate paths.
	ErrEntryNoPaths = errors.New("entry must declare at least one path")

	// ErrInvalidPathNextHop indicates a path with a missing or
	// unparseable next-hop address.
	ErrInvalidPathNextHop = errors.New("path next_hop address is invalid")
)

// maxBIFTID mirrors the 20-bit header field width.
const maxBIFTID = 1<<20 - 1

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Admin.Addr == "" {
		return ErrEmptyAdminAddr
	}

	if cfg.BIER.Listen == "" {
		return ErrEmptyListen
	}

	for i, sec := range cfg.BIFTs {
		if err := validateBIFTSection(sec); err != nil {
			return fmt.Errorf("bifts[%d]: %w", i, err)
		}
	}

	return nil
}

// validateBIFTSection checks one BIFT declaration for correctness.
// Duplicate detection is left to the table builder, which sees the whole
// set at once.
func validateBIFTSection(sec BIFTSection) error {
	if sec.BIFTID == 0 || sec.BIFTID > maxBIFTID {
		return fmt.Errorf("bift_id %d: %w", sec.BIFTID, ErrInvalidBIFTID)
	}
	if sec.SubDomain > 0xFF {
		return fmt.Errorf("sub_domain %d: %w", sec.SubDomain, ErrInvalidSubDomain)
	}
	if sec.SetIndex > 0xFF {
		return fmt.Errorf("set_index %d: %w", sec.SetIndex, ErrInvalidSetIndex)
	}

	bsl, err := bier.BSLForBits(sec.BSL)
	if err != nil {
		return fmt.Errorf("bsl %d: %w", sec.BSL, err)
	}

	for j, e := range sec.Entries {
		if e.BFR == 0 {
			return fmt.Errorf("entries[%d]: %w", j, ErrInvalidEntryBFR)
		}
		if int(e.BFR) > bsl.Bits() {
			return fmt.Errorf("entries[%d] bfr %d exceeds bsl %d: %w",
				j, e.BFR, sec.BSL, bier.ErrBitRange)
		}
		if len(e.Paths) == 0 {
			return fmt.Errorf("entries[%d]: %w", j, ErrEntryNoPaths)
		}
		for p, path := range e.Paths {
			if _, err := path.NextHopAddr(); err != nil {
				return fmt.Errorf("entries[%d].paths[%d]: %w", j, p, err)
			}
			if _, err := bier.ParseBitString(path.Bitmask, bsl); err != nil {
				return fmt.Errorf("entries[%d].paths[%d] bitmask %q: %w",
					j, p, path.Bitmask, err)
			}
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Table Construction
// -------------------------------------------------------------------------

// BuildTable converts the declared BIFT sections into an immutable
// forwarding table. Among equal-cost candidate paths the first listed one
// is installed, which keeps replication deterministic across reloads.
//
// An entry whose BFR-id equals the section's own bfr_id is skipped:
// the engine serves the local bit by delivery, not by adjacency.
func BuildTable(cfg *Config) (*bier.Table, error) {
	bd := bier.NewBuilder()

	for i, sec := range cfg.BIFTs {
		bsl, err := bier.BSLForBits(sec.BSL)
		if err != nil {
			return nil, fmt.Errorf("bifts[%d]: bsl %d: %w", i, sec.BSL, err)
		}

		if err := bd.AddBIFT(bier.BIFTConfig{
			ID:         sec.BIFTID,
			SubDomain:  uint8(sec.SubDomain),
			SetIndex:   uint8(sec.SetIndex),
			BSL:        bsl,
			LocalBFRID: sec.BFRID,
		}); err != nil {
			return nil, fmt.Errorf("bifts[%d]: %w", i, err)
		}

		for j, e := range sec.Entries {
			if e.BFR == sec.BFRID {
				continue
			}

			path := e.Paths[0]
			nextHop, err := path.NextHopAddr()
			if err != nil {
				return nil, fmt.Errorf("bifts[%d].entries[%d]: %w", i, j, err)
			}
			fbm, err := bier.ParseBitString(path.Bitmask, bsl)
			if err != nil {
				return nil, fmt.Errorf("bifts[%d].entries[%d] bitmask %q: %w",
					i, j, path.Bitmask, err)
			}

			pos := int(e.BFR) - 1
			if err := bd.AddEntry(uint8(sec.SubDomain), uint8(sec.SetIndex), pos, nextHop, fbm); err != nil {
				return nil, fmt.Errorf("bifts[%d].entries[%d]: %w", i, j, err)
			}
		}
	}

	return bd.Build(), nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
