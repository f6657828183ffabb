package identity

import (
	"testing"

	"github.com/shranto27/wraith/internal/cryptocore"
)

func TestNew(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var zero cryptocore.Key
	if id.StaticPub == zero {
		t.Error("static public key is zero")
	}
	if len(id.Signing.Public) == 0 {
		t.Error("signing public key is empty")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	passphrase := []byte("correct horse battery staple")

	original, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := original.Save(tmpDir, passphrase); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpDir, passphrase)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if original.StaticPub != loaded.StaticPub {
		t.Error("loaded static public key does not match")
	}
	if original.StaticPriv != loaded.StaticPriv {
		t.Error("loaded static private key does not match")
	}
	if string(original.Signing.Public) != string(loaded.Signing.Public) {
		t.Error("loaded signing public key does not match")
	}
}

func TestLoadWrongPassphraseFails(t *testing.T) {
	tmpDir := t.TempDir()

	id, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := id.Save(tmpDir, []byte("right passphrase")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := Load(tmpDir, []byte("wrong passphrase")); err != ErrDecryptFailed {
		t.Errorf("Load() with wrong passphrase error = %v, want ErrDecryptFailed", err)
	}
}

func TestLoadNotFound(t *testing.T) {
	tmpDir := t.TempDir()
	if _, err := Load(tmpDir, []byte("anything")); err != ErrNotFound {
		t.Errorf("Load() on empty dir error = %v, want ErrNotFound", err)
	}
}

func TestLoadOrCreate(t *testing.T) {
	tmpDir := t.TempDir()
	passphrase := []byte("passphrase")

	id1, created1, err := LoadOrCreate(tmpDir, passphrase)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if !created1 {
		t.Error("expected created = true on first call")
	}

	id2, created2, err := LoadOrCreate(tmpDir, passphrase)
	if err != nil {
		t.Fatalf("LoadOrCreate() second call error = %v", err)
	}
	if created2 {
		t.Error("expected created = false on second call")
	}
	if id1.StaticPub != id2.StaticPub {
		t.Error("loaded identity does not match created one")
	}
}

func TestExists(t *testing.T) {
	tmpDir := t.TempDir()
	if Exists(tmpDir) {
		t.Error("Exists() = true before creating identity")
	}

	id, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := id.Save(tmpDir, []byte("pw")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if !Exists(tmpDir) {
		t.Error("Exists() = false after creating identity")
	}
}

func TestAgentIDStable(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if len(id.AgentID()) != 16 {
		t.Errorf("AgentID() length = %d, want 16", len(id.AgentID()))
	}
	if id.AgentID() != id.AgentID() {
		t.Error("AgentID() not stable across calls")
	}
}
