package forest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"forestdb/internal/lsmtree"
	"forestdb/internal/manifestlog"
	"forestdb/internal/memtable"
	"forestdb/internal/metrics"
	"forestdb/pkg/types"
)

// flusher drains one tree's memtable rotations into level 0 SSTables,
// grounded on teacher's pkg/store.Flusher — generalized from the single
// global store to one flusher per tree_id, each fed by that tree's own
// Memtable.FlushChan.
type flusher struct {
	treeID     types.TreeID
	tree       *lsmtree.Tree
	manifest   *manifestlog.Log
	in         <-chan memtable.SortedSet
	outputPath func() string
	metrics    metrics.Collector

	cancel func()
}

func newFlusher(treeID types.TreeID, tree *lsmtree.Tree, manifest *manifestlog.Log, in <-chan memtable.SortedSet, outputPath func() string) *flusher {
	return &flusher{treeID: treeID, tree: tree, manifest: manifest, in: in, outputPath: outputPath, metrics: metrics.NoopCollector{}, cancel: func() {}}
}

func (f *flusher) start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	go func() {
		for {
			select {
			case ss, ok := <-f.in:
				if !ok {
					return
				}
				if err := f.flush(ss); err != nil {
					slog.Error("forest: flush memtable rotation failed", "tree_id", f.treeID, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (f *flusher) flush(ss memtable.SortedSet) error {
	items := ss.Sorted()
	if len(items) == 0 {
		return nil
	}

	start := time.Now()
	path := f.outputPath()
	table, err := lsmtree.WriteTable(path, items, lsmtree.NewBloomFilter(uint32(len(items)+1), 0.01), lsmtree.NewBlockCache(64))
	if err != nil {
		return fmt.Errorf("write level-0 table: %w", err)
	}
	f.metrics.ObserveHistogram(metrics.MetricFlushLatencyMs, map[string]string{"tree_id": strconv.Itoa(int(f.treeID))}, float64(time.Since(start).Milliseconds()))

	f.tree.AddTable(table, 0)

	if _, err := f.manifest.Insert(manifestlog.TableInfo{TreeID: f.treeID, Level: 0, Path: path}); err != nil {
		return fmt.Errorf("record level-0 table in manifest: %w", err)
	}
	return nil
}

func (f *flusher) stop() { f.cancel() }
