package pipeline

import (
	"path/filepath"
	"testing"

	"forestdb/internal/blockpool"
	"forestdb/internal/compaction"
	"forestdb/internal/forestgrid"
	"forestdb/internal/lsmtree"
	"forestdb/internal/manifestlog"
)

func drain(t *testing.T, grid *forestgrid.FakeGrid, done *bool) {
	t.Helper()
	for i := 0; i < 64 && !*done; i++ {
		if grid.RunPendingTicks() == 0 {
			break
		}
	}
}

func TestPipelineEmptyBeatFiresCallbackOnce(t *testing.T) {
	pool, err := blockpool.New(64, 4096, 2)
	if err != nil {
		t.Fatalf("new blockpool: %v", err)
	}
	grid := forestgrid.NewFake(4096)
	p := New(pool, grid, 4, 2)

	calls := 0
	if err := p.Beat(0, func() { calls++ }); err != nil {
		t.Fatalf("beat: %v", err)
	}

	done := calls > 0
	drain(t, grid, &done)
	if calls != 1 {
		t.Fatalf("expected callback exactly once on an empty beat, got %d", calls)
	}
}

func TestPipelineSingleCompactionBar(t *testing.T) {
	dir := t.TempDir()
	tree := lsmtree.NewTree(1, 4, 64, 0.01, 16)

	l0, err := lsmtree.WriteTable(filepath.Join(dir, "l0.sst"),
		[]lsmtree.Item{{Key: []byte("a"), Value: []byte("1"), SeqN: 1}},
		lsmtree.NewBloomFilter(4, 0.01), lsmtree.NewBlockCache(16))
	if err != nil {
		t.Fatalf("write l0: %v", err)
	}
	tree.AddTable(l0, 0)

	manifest, err := manifestlog.New(dir)
	if err != nil {
		t.Fatalf("new manifest: %v", err)
	}
	defer manifest.Close()

	grid := forestgrid.NewFake(4096)
	outN := 0
	outputPath := func() string {
		outN++
		return filepath.Join(dir, "out.sst")
	}
	comp := compaction.New(1, 1, tree, compaction.Config{GrowthFactor: 2, BaseLevelBytes: 1}, grid, manifest, outputPath)

	info := comp.BarSetup(1)
	if info == nil {
		t.Fatal("expected compaction work")
	}

	pool, err := blockpool.New(64, 4096, 2)
	if err != nil {
		t.Fatalf("new blockpool: %v", err)
	}
	p := New(pool, grid, 4, 2)
	p.QueueCompaction(&Interface{Info: info, Compaction: comp})

	calls := 0
	if err := p.Beat(0, func() { calls++ }); err != nil {
		t.Fatalf("beat: %v", err)
	}

	done := calls > 0
	drain(t, grid, &done)

	if calls != 1 {
		t.Fatalf("expected the beat callback exactly once, got %d", calls)
	}
	if !p.BarActiveEmpty() {
		t.Fatal("expected bar_active empty after the compaction's only chunk exhausted the bar")
	}

	if err := comp.BarFinish(1); err != nil {
		t.Fatalf("bar_finish: %v", err)
	}
	if got := len(tree.TablesAt(1)); got != 1 {
		t.Fatalf("expected compacted output filed at level 1, got %d tables", got)
	}
}
