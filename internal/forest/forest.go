// Package forest implements the Forest coordinator: the public API that
// wires grooves, the manifest log, the compaction pipeline, and the grid
// together (spec.md §4.1).
package forest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"strconv"

	"forestdb/internal/blockpool"
	"forestdb/internal/clock"
	"forestdb/internal/compaction"
	"forestdb/internal/forestgrid"
	"forestdb/internal/groove"
	"forestdb/internal/lsmtree"
	"forestdb/internal/manifestlog"
	"forestdb/internal/memtable"
	"forestdb/internal/metrics"
	"forestdb/internal/nodepool"
	"forestdb/internal/pipeline"
	"forestdb/internal/scanbuf"
	"forestdb/internal/wal"
	"forestdb/pkg/dberrors"
	"forestdb/pkg/types"

	"golang.org/x/sync/errgroup"
)

// progress mirrors the Forest's mutually-exclusive lifecycle state
// (spec.md §3, "Forest progress"): at most one of open/compact/checkpoint
// may be in flight at a time.
type progress int

const (
	progressNone progress = iota
	progressOpen
	progressCheckpoint
	progressCompact
)

func (p progress) String() string {
	switch p {
	case progressOpen:
		return "open"
	case progressCheckpoint:
		return "checkpoint"
	case progressCompact:
		return "compact"
	default:
		return "none"
	}
}

// Options configures a Forest at construction.
type Options struct {
	LSMLevels        int
	LSMBatchMultiple int
	GrowthFactor     int
	BaseLevelBytes   int64
	BlockPoolSize    int
	BlockSizeBytes   int
	DataDir          string

	Memtable memtable.Config
	Metrics  metrics.Collector
}

type compactionKey struct {
	treeID types.TreeID
	levelB types.Level
}

// Forest is the single-node coordinator: grooves/trees, the manifest log,
// the compaction pipeline, and the grid, with one Compaction state machine
// per (tree, level_b) pair (spec.md §1, §4.1).
type Forest struct {
	opts     Options
	registry *groove.Registry
	manifest *manifestlog.Log
	grid     forestgrid.Grid

	pool      *blockpool.Pool
	pipeline  *pipeline.Pipeline
	nodes     *nodepool.Pool
	nodeSlots []*nodepool.Node
	scanBufs  *scanbuf.Pool

	compactions map[compactionKey]*compaction.Compaction

	progress           progress
	compactionsRunning int
	compactCallback    func(error)

	tableSeq *clock.Sequence

	// write path: one WAL shared across trees, tagging entries by
	// tree_id, and one Memtable + flusher per tree (spec.md's ambient
	// memtable/WAL stack, see SPEC_FULL.md §2).
	wal        *wal.WAL
	writeSeq   *clock.Sequence
	memtables  map[types.TreeID]*memtable.Memtable
	flushers   map[types.TreeID]*flusher
	writesCtx  context.Context
	writesStop func()
}

// New builds a Forest with one Compaction state machine per (tree,
// level_b) pair, level_b ranging over [1, LSMLevels) — level 0 is never a
// compaction destination (spec.md §4.2, "BarSetup").
func New(opts Options, registry *groove.Registry, manifest *manifestlog.Log, grid forestgrid.Grid) (*Forest, error) {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NoopCollector{}
	}

	treeInfos := registry.AllTreeInfos()
	scratchSlots := len(treeInfos) * opts.LSMLevels

	pool, err := blockpool.New(opts.BlockPoolSize, opts.BlockSizeBytes, scratchSlots)
	if err != nil {
		return nil, fmt.Errorf("forest: build block pool: %w", err)
	}

	walLog, err := wal.New(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("forest: build wal: %w", err)
	}

	f := &Forest{
		opts:        opts,
		registry:    registry,
		manifest:    manifest,
		grid:        grid,
		pool:        pool,
		pipeline:    pipeline.New(pool, grid, opts.LSMBatchMultiple, opts.GrowthFactor),
		nodes:       nodepool.New(scratchSlots),
		scanBufs:    scanbuf.New(opts.BlockSizeBytes),
		compactions: make(map[compactionKey]*compaction.Compaction),
		wal:         walLog,
		writeSeq:    clock.NewSequence(0),
		tableSeq:    clock.NewSequence(0),
		memtables:   make(map[types.TreeID]*memtable.Memtable),
		flushers:    make(map[types.TreeID]*flusher),
	}

	for _, info := range treeInfos {
		_, tree, err := registry.TreeForID(info.TreeID)
		if err != nil {
			_ = walLog.Close()
			return nil, fmt.Errorf("forest: tree for %s: %w", info.TreeName, err)
		}
		for levelB := 0; levelB < opts.LSMLevels; levelB++ {
			node, err := f.nodes.Acquire()
			if err != nil {
				_ = walLog.Close()
				return nil, fmt.Errorf("forest: acquire manifest-level node for %s level %d: %w", info.TreeName, levelB, err)
			}
			f.nodeSlots = append(f.nodeSlots, node)
		}
		for levelB := 1; levelB < opts.LSMLevels; levelB++ {
			key := compactionKey{treeID: info.TreeID, levelB: levelB}
			f.compactions[key] = compaction.New(info.TreeID, levelB, tree,
				compaction.Config{GrowthFactor: opts.GrowthFactor, BaseLevelBytes: opts.BaseLevelBytes},
				grid, manifest, f.nextTablePath(info.TreeID, levelB))
		}

		mt := memtable.New(info.TreeID, opts.Memtable)
		f.memtables[info.TreeID] = mt
		fl := newFlusher(info.TreeID, tree, manifest, mt.FlushChan(), f.nextTablePath(info.TreeID, 0))
		fl.metrics = opts.Metrics
		f.flushers[info.TreeID] = fl
	}

	return f, nil
}

// StartWrites brings up the WAL listener and every tree's flusher
// goroutine; Put is only valid after this returns (spec.md's ambient
// write path, SPEC_FULL.md §2).
func (f *Forest) StartWrites(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.writesCtx, f.writesStop = ctx, cancel

	f.wal.Start(ctx)
	for _, fl := range f.flushers {
		fl.start(ctx)
	}
}

// StopWrites drains and stops the WAL listener and every flusher.
func (f *Forest) StopWrites() {
	if f.writesStop != nil {
		f.writesStop()
	}
	f.wal.Stop()
	for _, fl := range f.flushers {
		fl.stop()
	}
}

// Put durably appends key/value to the WAL tagged with treeID, then
// applies it to that tree's memtable once the WAL append is durable —
// the memtable/WAL half of spec.md's storage engine the Forest's
// compaction pipeline flushes and compacts against (SPEC_FULL.md §2).
func (f *Forest) Put(treeID types.TreeID, key, value []byte) error {
	mt, ok := f.memtables[treeID]
	if !ok {
		return fmt.Errorf("forest: put: tree_id %d: %w", treeID, dberrors.ErrUnknownTreeID)
	}

	seq := f.writeSeq.Next()
	f.wal.Append(wal.Entry{SeqNum: seq, TreeID: treeID, Key: key, Value: value})
	<-f.wal.Done()

	f.opts.Metrics.IncCounter(metrics.MetricPutsTotal, map[string]string{"tree_id": strconv.Itoa(int(treeID))}, 1)
	return mt.Upsert(key, value, seq, 0)
}

// Get returns the value for key in treeID, checking the memtable (active
// and immutable) before falling through to the on-disk levels.
func (f *Forest) Get(treeID types.TreeID, key []byte) ([]byte, bool, error) {
	mt, ok := f.memtables[treeID]
	if !ok {
		return nil, false, fmt.Errorf("forest: get: tree_id %d: %w", treeID, dberrors.ErrUnknownTreeID)
	}
	if item, ok := mt.Get(key); ok {
		return item.Value, true, nil
	}

	_, tree, err := f.registry.TreeForID(treeID)
	if err != nil {
		return nil, false, fmt.Errorf("forest: get: %w", err)
	}
	item, err := tree.Get(key)
	if err != nil {
		return nil, false, fmt.Errorf("forest: get: %w", err)
	}
	if item == nil {
		return nil, false, nil
	}
	return item.Value, true, nil
}

// Scan returns every flushed item in treeID with key in [lo, hi), merging
// the on-disk levels. Writes still held in the tree's memtable (active or
// immutable) are not included.
func (f *Forest) Scan(treeID types.TreeID, lo, hi []byte) ([]lsmtree.Item, error) {
	_, tree, err := f.registry.TreeForID(treeID)
	if err != nil {
		return nil, fmt.Errorf("forest: scan: %w", err)
	}

	buf := f.scanBufs.Get()
	defer f.scanBufs.Put(buf)

	items, err := tree.Scan(lo, hi, buf)
	if err != nil {
		return nil, fmt.Errorf("forest: scan: %w", err)
	}
	return items, nil
}

func (f *Forest) nextTablePath(treeID types.TreeID, levelB types.Level) func() string {
	return func() string {
		n := f.tableSeq.Next()
		return filepath.Join(f.opts.DataDir, fmt.Sprintf("tree-%d-level-%d-%d.sst", treeID, levelB, n))
	}
}

// Open replays the manifest log, filing every recovered table under its
// owning tree, then runs both §8 verifications before invoking cb
// (spec.md §4.1, "open").
func (f *Forest) Open(cb func(error)) error {
	if f.progress != progressNone {
		return fmt.Errorf("forest: open: progress %s active: %w", f.progress, dberrors.ErrProgressActive)
	}
	if f.manifest.CurrentProgress() != manifestlog.ProgressIdle {
		return fmt.Errorf("forest: open: %w", dberrors.ErrManifestBusy)
	}

	var commenceGrp errgroup.Group
	for _, g := range f.registry.Grooves() {
		g := g
		commenceGrp.Go(func() error {
			g.OpenCommence()
			return nil
		})
	}
	commenceGrp.Wait()
	f.progress = progressOpen

	var replayErr error
	err := f.manifest.Open(func(ev manifestlog.Event) {
		if replayErr != nil {
			return
		}
		_, tree, err := f.registry.TreeForID(ev.Table.TreeID)
		if err != nil {
			replayErr = fmt.Errorf("forest: manifest replay: unknown tree_id: %w", err)
			return
		}
		switch ev.Kind {
		case manifestlog.EventInsert:
			if _, err := tree.OpenTable(ev.Table.Path, ev.Table.Level); err != nil {
				replayErr = fmt.Errorf("forest: manifest replay: open table %s: %w", ev.Table.Path, err)
			}
		case manifestlog.EventRemove:
			tree.RemoveTable(ev.Table.Path, ev.Table.Level)
		}
	}, func() {
		if replayErr != nil {
			f.progress = progressNone
			cb(replayErr)
			return
		}
		if err := f.verifyTablesRecovered(); err != nil {
			f.progress = progressNone
			cb(err)
			return
		}
		var completeGrp errgroup.Group
		for _, g := range f.registry.Grooves() {
			g := g
			completeGrp.Go(func() error {
				g.OpenComplete()
				return nil
			})
		}
		completeGrp.Wait()
		if err := f.verifyTableExtents(); err != nil {
			f.progress = progressNone
			cb(err)
			return
		}
		f.progress = progressNone
		cb(nil)
	})
	if err != nil {
		f.progress = progressNone
		return fmt.Errorf("forest: manifest open: %w", err)
	}
	return nil
}

// Compact drives one beat of compaction for op, the replica-supplied
// monotonic operation number (spec.md §4.1, "compact").
func (f *Forest) Compact(cb func(error), op types.SeqN) error {
	if f.progress != progressNone {
		return fmt.Errorf("forest: compact: progress %s active: %w", f.progress, dberrors.ErrProgressActive)
	}

	batchMultiple := uint64(f.opts.LSMBatchMultiple)
	beat := op % batchMultiple
	firstBeat := beat == 0
	lastBeat := beat == batchMultiple-1

	if firstBeat {
		if err := f.pipeline.ResetBar(); err != nil {
			return fmt.Errorf("forest: compact: %w", err)
		}
		for levelB := 0; levelB < f.opts.LSMLevels; levelB++ {
			for _, info := range f.registry.AllTreeInfos() {
				comp, ok := f.compactions[compactionKey{treeID: info.TreeID, levelB: levelB}]
				if !ok {
					continue
				}
				if barInfo := comp.BarSetup(op); barInfo != nil {
					f.pipeline.QueueCompaction(&pipeline.Interface{Info: barInfo, Compaction: comp})
				}
			}
		}
	}

	f.progress = progressCompact
	f.compactionsRunning++
	f.compactCallback = cb

	if err := f.pipeline.Beat(op, func() { f.onCompactionEvent(op, lastBeat) }); err != nil {
		f.progress = progressNone
		f.compactionsRunning--
		return fmt.Errorf("forest: pipeline beat: %w", err)
	}

	if lastBeat && op > batchMultiple {
		f.compactionsRunning++
		if err := f.manifest.Compact(func() { f.manifestCompactDone(op, lastBeat) }, op); err != nil {
			return fmt.Errorf("forest: manifest compact: %w", err)
		}
	}

	return nil
}

func (f *Forest) manifestCompactDone(op types.SeqN, lastBeat bool) {
	f.manifest.CompactEnd()
	f.onCompactionEvent(op, lastBeat)
}

// onCompactionEvent is compact_callback (spec.md §4.1): every
// concurrently-running completion (the pipeline beat, plus an optional
// manifest-log compaction) funnels through here, decrementing a shared
// counter; only the last arrival finalises the beat.
func (f *Forest) onCompactionEvent(op types.SeqN, lastBeat bool) {
	f.compactionsRunning--
	if f.compactionsRunning > 0 {
		return
	}

	f.opts.Metrics.SetGauge(metrics.MetricBarActiveCount, map[string]string{"scope": "bar"}, float64(f.pipeline.BarActiveCount()))
	f.opts.Metrics.SetGauge(metrics.MetricBeatActiveCount, map[string]string{"scope": "bar"}, float64(f.pipeline.BeatActiveCount()))
	f.opts.Metrics.SetGauge(metrics.MetricBeatAcquiredCount, map[string]string{"scope": "bar"}, float64(f.pipeline.BeatAcquiredCount()))

	f.pipeline.BeatEnd()

	if lastBeat {
		for levelB := 0; levelB < f.opts.LSMLevels; levelB++ {
			for _, info := range f.registry.AllTreeInfos() {
				comp, ok := f.compactions[compactionKey{treeID: info.TreeID, levelB: levelB}]
				if !ok {
					continue
				}
				if err := comp.BarFinish(op); err != nil {
					slog.Error("forest: bar_finish failed", "tree_id", info.TreeID, "level_b", levelB, "error", err)
					panic(fmt.Sprintf("forest: bar_finish failed for tree_id %d level_b %d: %v", info.TreeID, levelB, err))
				}
				f.opts.Metrics.IncCounter(metrics.MetricCompactionsTotal,
					map[string]string{"tree_id": strconv.Itoa(int(info.TreeID)), "level": strconv.Itoa(levelB)}, 1)
			}
		}
		if !f.pipeline.BarActiveEmpty() {
			slog.Error("forest: bar_active non-empty at bar_finish")
			panic("forest: bar_active invariant violated at bar_finish")
		}
		f.pipeline.ClearCompactions()
	}

	for _, g := range f.registry.Grooves() {
		g.Compact(op)
	}

	if lastBeat && f.manifest.CurrentProgress() == manifestlog.ProgressCompacting {
		slog.Error("forest: manifest log still compacting at last-beat completion")
		panic("forest: manifest_log_progress == compacting invariant violated")
	}

	f.progress = progressNone
	cb := f.compactCallback
	f.compactCallback = nil
	if cb != nil {
		cb(nil)
	}
}

// Checkpoint fences the manifest log at a checkpoint boundary (spec.md
// §4.1, "checkpoint").
func (f *Forest) Checkpoint(cb func(error)) error {
	if f.progress != progressNone {
		return fmt.Errorf("forest: checkpoint: progress %s active: %w", f.progress, dberrors.ErrProgressActive)
	}
	if f.manifest.CurrentProgress() != manifestlog.ProgressIdle {
		return fmt.Errorf("forest: checkpoint: %w", dberrors.ErrManifestBusy)
	}
	f.grid.AssertOnlyRepairing()

	var assertGrp errgroup.Group
	for _, g := range f.registry.Grooves() {
		g := g
		assertGrp.Go(func() error {
			g.AssertBetweenBars()
			return nil
		})
	}
	assertGrp.Wait()

	f.progress = progressCheckpoint
	err := f.manifest.Checkpoint(func() {
		if err := f.verifyTablesRecovered(); err != nil {
			f.progress = progressNone
			cb(err)
			return
		}
		if err := f.verifyTableExtents(); err != nil {
			f.progress = progressNone
			cb(err)
			return
		}
		f.progress = progressNone
		cb(nil)
	})
	if err != nil {
		f.progress = progressNone
		return fmt.Errorf("forest: manifest checkpoint: %w", err)
	}
	return nil
}

// Progress reports the Forest's current lifecycle state, for
// internal/httpapi's /status endpoint.
func (f *Forest) Progress() string {
	return f.progress.String()
}

// TreeForID is the sole supported dispatch from a raw tree_id to its
// TreeInfo and backing tree (spec.md §4.3).
func (f *Forest) TreeForID(id types.TreeID) (groove.TreeInfo, error) {
	info, _, err := f.registry.TreeForID(id)
	return info, err
}

// TreeForIDConst is the read-only form of TreeForID; the registry lookup
// itself never mutates state so both share one implementation.
func (f *Forest) TreeForIDConst(id types.TreeID) (groove.TreeInfo, error) {
	return f.TreeForID(id)
}

// Reset re-initialises all pipeline sub-state (block pool, bitsets,
// slots) except the grid, which the replica layer resets itself. This is
// the "fully reset" resolution of spec.md §9's reset-semantics open
// question, preferred there over partially preserving pipeline fields.
func (f *Forest) Reset() error {
	if f.progress != progressNone {
		return fmt.Errorf("forest: reset: progress %s active: %w", f.progress, dberrors.ErrProgressActive)
	}

	pool, err := blockpool.New(f.opts.BlockPoolSize, f.opts.BlockSizeBytes, len(f.registry.AllTreeInfos())*f.opts.LSMLevels)
	if err != nil {
		return fmt.Errorf("forest: reset: rebuild block pool: %w", err)
	}
	f.pool = pool
	f.pipeline = pipeline.New(pool, f.grid, f.opts.LSMBatchMultiple, f.opts.GrowthFactor)
	f.compactionsRunning = 0
	f.compactCallback = nil
	return nil
}

// Close stops the write path and releases the WAL file handle. Forest.Open
// and the compaction pipeline are unaffected — callers that never invoked
// StartWrites can still call Close safely.
func (f *Forest) Close() error {
	f.StopWrites()
	for _, n := range f.nodeSlots {
		f.nodes.Release(n)
	}
	f.nodeSlots = nil
	if err := f.wal.Close(); err != nil {
		return fmt.Errorf("forest: close wal: %w", err)
	}
	return nil
}

// verifyTablesRecovered confirms every manifest-tracked table is filed
// under its tree at the recorded level (spec.md §8, round-trip check).
func (f *Forest) verifyTablesRecovered() error {
	for _, info := range f.manifest.AllTableExtents() {
		_, tree, err := f.registry.TreeForID(info.TreeID)
		if err != nil {
			return fmt.Errorf("forest: verify_tables_recovered: %w", err)
		}
		found := false
		for _, table := range tree.TablesAt(info.Level) {
			if table.FilePath() == info.Path {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("forest: verify_tables_recovered: table %s missing from tree %d level %d", info.Path, info.TreeID, info.Level)
		}
	}
	return nil
}

// verifyTableExtents confirms the Σ over (tree, level) of tables.len
// equals the manifest log's own table_extents count (spec.md §8).
func (f *Forest) verifyTableExtents() error {
	var total int
	for _, tree := range f.registry.AllTrees() {
		for level := 0; level < tree.LevelCount(); level++ {
			total += len(tree.TablesAt(level))
		}
	}
	if got := f.manifest.TableExtentCount(); total != got {
		return fmt.Errorf("forest: verify_table_extents: tree table count %d != manifest table_extents count %d", total, got)
	}
	return nil
}
