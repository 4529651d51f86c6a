package plugins

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ManifestFileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	return path
}

func TestLoadManifest(t *testing.T) {
	path := writeManifest(t, `
name: weather
version: 1.2.0
description: Current conditions and forecast
capabilities:
  - net:outbound
  - fs:data
`)

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("failed to load manifest: %v", err)
	}
	if m.Name != "weather" {
		t.Errorf("expected name weather, got %s", m.Name)
	}
	if m.Version != "1.2.0" {
		t.Errorf("expected version 1.2.0, got %s", m.Version)
	}
	if len(m.Capabilities) != 2 {
		t.Errorf("expected 2 capabilities, got %d", len(m.Capabilities))
	}
}

func TestLoadManifestMissingName(t *testing.T) {
	path := writeManifest(t, "version: 1.0.0\n")

	if _, err := LoadManifest(path); err == nil {
		t.Error("expected error for manifest without a name")
	}
}

func TestLoadManifestMalformed(t *testing.T) {
	path := writeManifest(t, "name: [unclosed\n")

	if _, err := LoadManifest(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestDefaultManifest(t *testing.T) {
	m := DefaultManifest("clock")
	if m.Name != "clock" {
		t.Errorf("expected name clock, got %s", m.Name)
	}
	if m.Version == "" || m.Description == "" {
		t.Error("default manifest must fill version and description")
	}
	if err := m.Validate(); err != nil {
		t.Errorf("default manifest must validate: %v", err)
	}
}
