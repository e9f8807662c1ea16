package ident_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/depremu/capsyd/internal/ident"
)

func TestLoadServerID_GeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	first, err := ident.LoadServerID(dir)
	if err != nil {
		t.Fatalf("LoadServerID() error: %v", err)
	}
	if first == "" {
		t.Fatal("expected a non-empty server ID")
	}

	second, err := ident.LoadServerID(dir)
	if err != nil {
		t.Fatalf("second LoadServerID() error: %v", err)
	}
	if first != second {
		t.Errorf("server ID must be stable: %s != %s", first, second)
	}
}

func TestLoadServerID_CreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	if _, err := ident.LoadServerID(dir); err != nil {
		t.Fatalf("LoadServerID() should create the dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "server_id")); err != nil {
		t.Errorf("server_id file missing: %v", err)
	}
}

func TestLoadServerID_RejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "server_id"), []byte("not-a-ulid\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := ident.LoadServerID(dir); err == nil {
		t.Fatal("expected error for corrupt server_id file")
	}
}

func TestLoadServerID_RejectsEmptyDir(t *testing.T) {
	if _, err := ident.LoadServerID(""); err == nil {
		t.Fatal("expected error for empty data dir")
	}
}

// TestNewID_Monotone verifies IDs generated back to back sort in generation
// order, which is what makes them usable for log correlation.
func TestNewID_Monotone(t *testing.T) {
	prev, err := ident.NewID()
	if err != nil {
		t.Fatalf("NewID() error: %v", err)
	}
	for i := 0; i < 100; i++ {
		id, err := ident.NewID()
		if err != nil {
			t.Fatalf("NewID() error: %v", err)
		}
		if id <= prev {
			t.Fatalf("IDs not monotone: %s then %s", prev, id)
		}
		prev = id
	}
}

func TestMustNewID(t *testing.T) {
	if ident.MustNewID() == "" {
		t.Fatal("MustNewID returned empty string")
	}
}
