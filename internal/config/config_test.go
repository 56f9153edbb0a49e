package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bpad.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadDecodesFullSurface(t *testing.T) {
	path := writeTempConfig(t, `
[core]
node_ids = ["ipn:1.0"]
status_reports = true
max_forwarding_delay = 300
wait_sample_interval = 30
ipn_2_element = ["ipn:2.*"]

[logging]
level = "debug"
format = "text"

[metadata_storage]
type = "badger"
path = "/var/lib/bpad/meta"

[bundle_storage]
type = "localdisk"
path = "/var/lib/bpad/bundles"

[static_routes]
routes_file = "/etc/bpad/routes"
priority = 10
watch = true

[[clas]]
type = "tcpclv4"
address = ":4556"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Core.NodeIDs) != 1 || cfg.Core.NodeIDs[0] != "ipn:1.0" {
		t.Fatalf("unexpected node_ids: %v", cfg.Core.NodeIDs)
	}
	if cfg.Core.MaxForwardingDelay().String() != "5m0s" {
		t.Fatalf("unexpected max_forwarding_delay: %v", cfg.Core.MaxForwardingDelay())
	}
	if cfg.MetadataStore.Type != "badger" || cfg.MetadataStore.Path == "" {
		t.Fatalf("unexpected metadata store config: %+v", cfg.MetadataStore)
	}
	if cfg.StaticRoutes.ProtocolID != "static" {
		t.Fatalf("expected default static protocol id, got %q", cfg.StaticRoutes.ProtocolID)
	}
	if len(cfg.CLAs) != 1 || cfg.CLAs[0].Type != "tcpclv4" {
		t.Fatalf("unexpected clas: %+v", cfg.CLAs)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MetadataStore.Type != "memory" {
		t.Fatalf("expected default metadata storage type memory, got %q", cfg.MetadataStore.Type)
	}
	if cfg.BundleStore.Type != "memory" {
		t.Fatalf("expected default bundle storage type memory, got %q", cfg.BundleStore.Type)
	}
	if cfg.Core.WaitSampleIntervalSeconds != 60 {
		t.Fatalf("expected default wait_sample_interval 60, got %d", cfg.Core.WaitSampleIntervalSeconds)
	}
}

func TestLoadRejectsUnknownStorageType(t *testing.T) {
	path := writeTempConfig(t, `
[metadata_storage]
type = "sqlite"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for an unsupported metadata_storage.type")
	}
}

func TestLoadRejectsMissingPathForBackedStore(t *testing.T) {
	path := writeTempConfig(t, `
[bundle_storage]
type = "localdisk"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error when localdisk storage has no path")
	}
}

func TestLoadRejectsClaWithoutType(t *testing.T) {
	path := writeTempConfig(t, `
[[clas]]
address = ":4556"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for a cla entry missing type")
	}
}
