package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")

	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := kp.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Fingerprint() != kp.Fingerprint() {
		t.Errorf("fingerprint mismatch after round trip: %s vs %s", loaded.Fingerprint(), kp.Fingerprint())
	}
}

func TestLoadOrGenerateCreatesOnFirstCall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")

	kp1, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate (create): %v", err)
	}
	kp2, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate (reuse): %v", err)
	}
	if kp1.Fingerprint() != kp2.Fingerprint() {
		t.Error("LoadOrGenerate should reuse the persisted key on the second call")
	}
}

func TestLoadRejectsGarbageFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")
	if err := os.WriteFile(path, []byte("not a pem file"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected Load to reject a non-PEM file")
	}
}
