package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.HelloInterval.Std() != 5*time.Second {
		t.Fatalf("hello_interval %v", cfg.HelloInterval.Std())
	}
	if cfg.PeerDeadAfter.Std() != 30*time.Second {
		t.Fatalf("peer_dead_after %v", cfg.PeerDeadAfter.Std())
	}
	if cfg.FileWindow != 16 {
		t.Fatalf("file_window %d", cfg.FileWindow)
	}
	if cfg.FileFragMaxRetries != 5 || cfg.FileOfferMaxRetries != 3 {
		t.Fatal("retry ceilings wrong")
	}
}

func TestLoadOverridesAndKeepsRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linkchat.yml")
	body := `
interface: eth1
name: workshop
hello_interval: 2s
file_window: 8
file_frag_retry_interval: 250ms
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Interface != "eth1" || cfg.Name != "workshop" {
		t.Fatalf("%+v", cfg)
	}
	if cfg.HelloInterval.Std() != 2*time.Second {
		t.Fatalf("hello_interval %v", cfg.HelloInterval.Std())
	}
	if cfg.FileWindow != 8 {
		t.Fatalf("file_window %d", cfg.FileWindow)
	}
	if cfg.FileFragRetryInterval.Std() != 250*time.Millisecond {
		t.Fatalf("retry interval %v", cfg.FileFragRetryInterval.Std())
	}
	// Untouched keys keep their defaults.
	if cfg.PeerStaleAfter.Std() != 15*time.Second {
		t.Fatalf("peer_stale_after %v", cfg.PeerStaleAfter.Std())
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	if err := os.WriteFile(path, []byte("hello_interval: soon\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("expected error")
	}
}
