// Package config decodes the TOML configuration surface cmd/bpad starts
// from. Nothing under pkg/ imports this package; it exists only to turn a
// file on disk into the plain Go structs and options the core packages
// already accept, per the configuration-loading split documented in
// DESIGN.md.
//
// Grounded on the teacher's cmd/dtnd/configuration.go: a single
// TOML-tagged tree decoded with BurntSushi/toml, translated from dtnd's
// core/logging/discovery/listen/peer/routing shape into bpcore's own
// node/storage/static-routes/CLA shape.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root of the configuration file.
type Config struct {
	Core          CoreConfig         `toml:"core"`
	Logging       LoggingConfig      `toml:"logging"`
	MetadataStore StoreConfig        `toml:"metadata_storage"`
	BundleStore   StoreConfig        `toml:"bundle_storage"`
	StaticRoutes  StaticRoutesConfig `toml:"static_routes"`
	CLAs          []CLAConfig        `toml:"clas"`
}

// CoreConfig is spec §6.5's node-level surface.
type CoreConfig struct {
	// NodeIDs is the set of admin EIDs this node answers for. Empty means
	// "generate one": cmd/bpad mints a random IPN node number in that
	// case, matching the teacher's fallback when no node id is configured.
	NodeIDs []string `toml:"node_ids"`

	StatusReports bool `toml:"status_reports"`

	// MaxForwardingDelaySeconds caps TransientError retry backoff; 0
	// disables those retries entirely. NoNeighbour re-dispatch is not
	// bounded by it.
	MaxForwardingDelaySeconds int `toml:"max_forwarding_delay"`

	// WaitSampleIntervalSeconds is the reaper's poll interval for bundles
	// sitting in Waiting; must be >0.
	WaitSampleIntervalSeconds int `toml:"wait_sample_interval"`

	// Ipn2Element lists EID patterns whose egress bundles must use
	// legacy 2-element IPN encoding. bpcore treats this purely as
	// configuration surface: the rewrite itself is an external
	// collaborator's egress filter, per the core/collaborator split.
	Ipn2Element []string `toml:"ipn_2_element"`
}

// LoggingConfig mirrors the teacher's logConf.
type LoggingConfig struct {
	Level        string `toml:"level"`
	Format       string `toml:"format"`
	ReportCaller bool   `toml:"report_caller"`
}

// StoreConfig selects and configures one of the metadata or bundle
// storage backends.
type StoreConfig struct {
	// Type is "memory", "badger" (metadata), or "localdisk" (bundle
	// bytes).
	Type string `toml:"type"`
	// Path is the on-disk directory for non-memory backends.
	Path string `toml:"path"`
}

// StaticRoutesConfig is spec §6.5's static_routes.* surface.
type StaticRoutesConfig struct {
	RoutesFile string `toml:"routes_file"`
	Priority   int    `toml:"priority"`
	Watch      bool   `toml:"watch"`
	ProtocolID string `toml:"protocol_id"`
}

// CLAConfig is one entry of spec §6.5's clas[] table. bpcore's cla
// package defines the CLA contract but ships no concrete wire
// implementation (TCPCLv4 and friends are external collaborators), so
// cmd/bpad can validate and log this surface but cannot construct a
// listener from a bare type/address pair without a linked-in backend.
type CLAConfig struct {
	Type    string `toml:"type"`
	Address string `toml:"address"`
}

// MaxForwardingDelay returns the configured ceiling as a time.Duration.
func (c CoreConfig) MaxForwardingDelay() time.Duration {
	return time.Duration(c.MaxForwardingDelaySeconds) * time.Second
}

// WaitSampleInterval returns the configured reaper poll interval as a
// time.Duration.
func (c CoreConfig) WaitSampleInterval() time.Duration {
	return time.Duration(c.WaitSampleIntervalSeconds) * time.Second
}

// Load decodes the TOML file at path into a Config and validates it.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Core.WaitSampleIntervalSeconds <= 0 {
		c.Core.WaitSampleIntervalSeconds = 60
	}
	switch c.MetadataStore.Type {
	case "", "memory":
		c.MetadataStore.Type = "memory"
	case "badger":
		if c.MetadataStore.Path == "" {
			return fmt.Errorf("metadata_storage.path is required for type %q", c.MetadataStore.Type)
		}
	default:
		return fmt.Errorf("metadata_storage.type %q is not one of memory, badger", c.MetadataStore.Type)
	}
	switch c.BundleStore.Type {
	case "", "memory":
		c.BundleStore.Type = "memory"
	case "localdisk":
		if c.BundleStore.Path == "" {
			return fmt.Errorf("bundle_storage.path is required for type %q", c.BundleStore.Type)
		}
	default:
		return fmt.Errorf("bundle_storage.type %q is not one of memory, localdisk", c.BundleStore.Type)
	}
	if c.StaticRoutes.RoutesFile != "" && c.StaticRoutes.ProtocolID == "" {
		c.StaticRoutes.ProtocolID = "static"
	}
	for i, cla := range c.CLAs {
		if cla.Type == "" {
			return fmt.Errorf("clas[%d].type must not be empty", i)
		}
	}
	return nil
}
