package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsInternallyConsistent(t *testing.T) {
	cfg := Default()
	if cfg.Forest.LSMLevels < 1 {
		t.Fatalf("default LSMLevels = %d, want >= 1", cfg.Forest.LSMLevels)
	}
	if cfg.Forest.BlockPoolSize < 6 {
		t.Fatalf("default BlockPoolSize = %d, want >= 6", cfg.Forest.BlockPoolSize)
	}
	if cfg.VSR.RaftID == 0 {
		t.Fatal("default RaftID must be non-zero")
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forestd.yaml")
	yamlDoc := `
node:
  node_id: test-node
  data_dir: /tmp/forestdb-test
http:
  listen_address: ":9090"
vsr:
  raft_id: 7
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.NodeID != "test-node" {
		t.Fatalf("NodeID = %q, want %q", cfg.Node.NodeID, "test-node")
	}
	if cfg.HTTP.ListenAddress != ":9090" {
		t.Fatalf("ListenAddress = %q, want %q", cfg.HTTP.ListenAddress, ":9090")
	}
	if cfg.VSR.RaftID != 7 {
		t.Fatalf("RaftID = %d, want 7", cfg.VSR.RaftID)
	}
	// fields the fixture didn't override must keep the default values.
	if cfg.Forest.LSMLevels != Default().Forest.LSMLevels {
		t.Fatalf("LSMLevels = %d, want default %d", cfg.Forest.LSMLevels, Default().Forest.LSMLevels)
	}
}
