package forest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"forestdb/internal/forestgrid"
	"forestdb/internal/groove"
	"forestdb/internal/manifestlog"
	"forestdb/internal/memtable"
)

func newTestForest(t *testing.T) (*Forest, *forestgrid.FakeGrid) {
	t.Helper()
	dir := t.TempDir()

	registry, err := groove.NewRegistry([]groove.Descriptor{
		{Name: "docs", ObjectTreeID: 1},
	}, 4, 64, 0.01, 16)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	manifest, err := manifestlog.New(dir)
	if err != nil {
		t.Fatalf("new manifest: %v", err)
	}
	t.Cleanup(func() { manifest.Close() })

	grid := forestgrid.NewFake(4096)
	grid.SetRepairing(true)

	f, err := New(Options{
		LSMLevels:        4,
		LSMBatchMultiple: 4,
		GrowthFactor:     2,
		BaseLevelBytes:   1,
		BlockPoolSize:    64,
		BlockSizeBytes:   4096,
		DataDir:          dir,
		Memtable: memtable.Config{
			FlushThresholdBytes: 4096,
			MaxImmTables:        4,
			FlushChanBuffSize:   4,
		},
	}, registry, manifest, grid)
	if err != nil {
		t.Fatalf("new forest: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f, grid
}

func TestForestOpenEmptyManifest(t *testing.T) {
	f, _ := newTestForest(t)

	var openErr error
	done := false
	if err := f.Open(func(err error) { openErr = err; done = true }); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !done {
		t.Fatal("expected open callback to fire synchronously for an empty manifest")
	}
	if openErr != nil {
		t.Fatalf("expected clean open, got %v", openErr)
	}
}

func TestForestCheckpointRequiresRepairingGrid(t *testing.T) {
	f, _ := newTestForest(t)

	openDone := false
	if err := f.Open(func(error) { openDone = true }); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !openDone {
		t.Fatal("open did not complete")
	}

	var cpErr error
	cpDone := false
	if err := f.Checkpoint(func(err error) { cpErr = err; cpDone = true }); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if !cpDone || cpErr != nil {
		t.Fatalf("expected clean checkpoint, done=%v err=%v", cpDone, cpErr)
	}
}

func TestForestCompactEmptyBarFiresOnce(t *testing.T) {
	f, grid := newTestForest(t)

	openDone := false
	if err := f.Open(func(error) { openDone = true }); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !openDone {
		t.Fatal("open did not complete")
	}

	calls := 0
	if err := f.Compact(func(error) { calls++ }, 0); err != nil {
		t.Fatalf("compact: %v", err)
	}

	for i := 0; i < 16 && calls == 0; i++ {
		if grid.RunPendingTicks() == 0 {
			break
		}
	}

	if calls != 1 {
		t.Fatalf("expected compact callback exactly once for an empty bar, got %d", calls)
	}
	if f.progress != progressNone {
		t.Fatalf("expected progress reset to none after compact, got %s", f.progress)
	}
}

func TestForestPutFlushesToLevelZero(t *testing.T) {
	f, _ := newTestForest(t)
	f.StartWrites(context.Background())

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		value := make([]byte, 64)
		if err := f.Put(1, key, value); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	_, tree, err := f.registry.TreeForID(1)
	if err != nil {
		t.Fatalf("tree for id: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(tree.TablesAt(0)) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(tree.TablesAt(0)) == 0 {
		t.Fatal("expected at least one level-0 table after enough puts to rotate the memtable")
	}
}

func TestForestResetRebuildsPipeline(t *testing.T) {
	f, _ := newTestForest(t)

	if err := f.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if f.compactionsRunning != 0 {
		t.Fatalf("expected compactions_running reset to 0, got %d", f.compactionsRunning)
	}
}
