package presence

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadIdentityPersistsAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "device.json")

	first, err := LoadIdentity(path, "laptop", "test/1.0")
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if first.DeviceId == "" {
		t.Fatal("minted identity has empty device id")
	}
	if first.Name != "laptop" || first.UserAgent != "test/1.0" {
		t.Fatalf("unexpected identity %+v", first)
	}

	second, err := LoadIdentity(path, "laptop", "test/1.0")
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if second.DeviceId != first.DeviceId {
		t.Fatalf("device id changed across loads: %q -> %q", first.DeviceId, second.DeviceId)
	}
}

func TestLoadIdentityKeepsStoredNameWhenNoneGiven(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")

	if _, err := LoadIdentity(path, "front-desk", "test/1.0"); err != nil {
		t.Fatalf("first load: %v", err)
	}
	ident, err := LoadIdentity(path, "", "")
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if ident.Name != "front-desk" || ident.UserAgent != "test/1.0" {
		t.Fatalf("stored fields not reused: %+v", ident)
	}
}

func TestLoadIdentityRemintsOnCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	ident, err := LoadIdentity(path, "laptop", "test/1.0")
	if err != nil {
		t.Fatalf("load over corrupt file: %v", err)
	}
	if ident.DeviceId == "" {
		t.Fatal("expected a fresh device id")
	}

	again, err := LoadIdentity(path, "laptop", "test/1.0")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.DeviceId != ident.DeviceId {
		t.Fatalf("re-minted id not persisted: %q -> %q", ident.DeviceId, again.DeviceId)
	}
}
