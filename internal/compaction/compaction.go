// Package compaction implements the per-(tree, level_b) Compaction state
// machine: bar_setup/bar_setup_budget/bar_finish bracket one bar, and
// beat_grid_acquire/forfeit plus the three blip_* operations bracket each
// beat (spec.md §2 item 1, §4 "Compaction").
package compaction

import (
	"fmt"
	"log/slog"

	"forestdb/internal/blockpool"
	"forestdb/internal/forestgrid"
	"forestdb/internal/lsmtree"
	"forestdb/internal/manifestlog"
	"forestdb/pkg/types"
)

// Info is returned by bar_setup when a (tree, level_b) pair has work to
// do in the upcoming bar: the chosen input tables from the source level.
type Info struct {
	TreeID     types.TreeID
	LevelA     types.Level // source
	LevelB     types.Level // destination
	InputA     []*lsmtree.SSTable
	InputB     []*lsmtree.SSTable
}

// Config tunes when a level is considered to need compacting.
type Config struct {
	GrowthFactor   int
	BaseLevelBytes int64
}

// Compaction is one (tree, level_b) state machine.
type Compaction struct {
	tree   *lsmtree.Tree
	treeID types.TreeID
	levelB types.Level
	levelA types.Level
	cfg    Config

	grid     forestgrid.Grid
	manifest *manifestlog.Log

	// bar state, set by bar_setup/bar_setup_budget, cleared by bar_finish.
	info        *Info
	beatsPerBar int
	scratch     blockpool.ScratchBlocks
	chunks      [][]*lsmtree.SSTable // input tables, chunked across beats
	chunkIdx    int
	outputPath  func() string

	// beat state, set by beat_blocks_assign, cleared at beat end.
	blocks      blockpool.CompactionBlocks
	acquired    bool
	mergedItems []lsmtree.Item
	writtenPath string
}

// New builds the Compaction for tree, merging levelB-1 into levelB.
// Level 0 is never a destination (there is no level -1 to merge from) —
// bar_setup always reports no work for level_b == 0, matching spec.md's
// level_b range [0, lsm_levels) while keeping the merge direction
// well-defined.
func New(treeID types.TreeID, levelB types.Level, tree *lsmtree.Tree, cfg Config, grid forestgrid.Grid, manifest *manifestlog.Log, outputPath func() string) *Compaction {
	return &Compaction{
		tree:       tree,
		treeID:     treeID,
		levelB:     levelB,
		levelA:     levelB - 1,
		cfg:        cfg,
		grid:       grid,
		manifest:   manifest,
		outputPath: outputPath,
	}
}

// BarSetup declares whether this (tree, level_b) has work for the coming
// bar, using a pebble-style score: compact when the source level's size
// exceeds its target size, itself derived from GrowthFactor (grounded on
// cockroachdb-pebble's compactionPicker.initLevelMaxBytes).
func (c *Compaction) BarSetup(op types.SeqN) *Info {
	if c.levelA < 0 {
		return nil
	}

	sourceSize := c.tree.LevelSize(c.levelA)
	if sourceSize == 0 {
		return nil
	}

	targetSize := c.cfg.BaseLevelBytes
	for l := 0; l < c.levelA; l++ {
		targetSize *= int64(c.cfg.GrowthFactor)
	}
	if sourceSize < targetSize {
		return nil
	}

	inputA := c.tree.TablesAt(c.levelA)
	if len(inputA) == 0 {
		return nil
	}
	inputB := overlapping(inputA, c.tree.TablesAt(c.levelB))

	info := &Info{TreeID: c.treeID, LevelA: c.levelA, LevelB: c.levelB, InputA: inputA, InputB: inputB}
	c.info = info
	return info
}

// overlapping returns the subset of candidates whose key range intersects
// the union range of inputA.
func overlapping(inputA, candidates []*lsmtree.SSTable) []*lsmtree.SSTable {
	if len(inputA) == 0 || len(candidates) == 0 {
		return nil
	}
	lo, hi := inputA[0].KeyMin(), inputA[0].KeyMax()
	for _, t := range inputA[1:] {
		if lessBytes(t.KeyMin(), lo) {
			lo = t.KeyMin()
		}
		if lessBytes(hi, t.KeyMax()) {
			hi = t.KeyMax()
		}
	}

	var out []*lsmtree.SSTable
	for _, t := range candidates {
		if lessBytes(t.KeyMax(), lo) || lessBytes(hi, t.KeyMin()) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func lessBytes(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// BarSetupBudget distributes the bar's beat budget: the chosen input
// tables are split into at most beatsPerBar chunks so the compaction
// finishes within the bar regardless of how many tables it touches.
func (c *Compaction) BarSetupBudget(beatsPerBar int, scratch blockpool.ScratchBlocks) {
	c.beatsPerBar = beatsPerBar
	c.scratch = scratch
	c.chunkIdx = 0

	if c.info == nil {
		c.chunks = nil
		return
	}

	all := c.info.InputA
	n := len(all)
	if n == 0 {
		c.chunks = nil
		return
	}
	chunkSize := (n + beatsPerBar - 1) / beatsPerBar
	if chunkSize < 1 {
		chunkSize = 1
	}
	c.chunks = nil
	for i := 0; i < n; i += chunkSize {
		end := i + chunkSize
		if end > n {
			end = n
		}
		c.chunks = append(c.chunks, all[i:end])
	}
}

// BeatGridAcquire brackets one beat's Grid usage.
func (c *Compaction) BeatGridAcquire() { c.acquired = true }

// BeatGridForfeit releases the beat's Grid usage; acquire/forfeit must
// pair regardless of whether the beat's work actually ran (spec.md §4.2.4).
func (c *Compaction) BeatGridForfeit() { c.acquired = false }

// BeatBlocksAssign records which block-pool regions this beat's blips may
// use.
func (c *Compaction) BeatBlocksAssign(blocks blockpool.CompactionBlocks) {
	c.blocks = blocks
}

// BlipRead reads the current chunk's input tables' index and data blocks
// through the Grid, exercising the async I/O path the pipeline schedules
// around. The actual merge uses the tree's own decoded items (BlipMerge);
// this stage's job is solely to pull the relevant bytes through the Grid
// so pipeline scheduling has real asynchrony to interleave.
func (c *Compaction) BlipRead(cb func()) {
	if c.chunkIdx >= len(c.chunks) {
		cb()
		return
	}

	half := c.chunkIdx % 2
	region := c.blocks.InputDataBlocks[half][0]
	if len(region) == 0 {
		cb()
		return
	}

	pending := len(region)
	if pending == 0 {
		cb()
		return
	}
	done := 0
	for i, buf := range region {
		c.grid.Read(forestgrid.Address(i), buf, func(err error) {
			if err != nil {
				slog.Error("compaction blip_read failed", "tree_id", c.treeID, "level_b", c.levelB, "error", err)
				panic(fmt.Sprintf("compaction: blip_read failed for tree_id %d level_b %d: %v", c.treeID, c.levelB, err))
			}
			done++
			if done == pending {
				cb()
			}
		})
	}
}

// BlipMerge performs the CPU-bound k-way merge of the current chunk's
// input tables (plus overlapping destination-level tables) and reports
// whether this beat and/or the whole bar has run out of work.
func (c *Compaction) BlipMerge(cb func(beatExhausted, barExhausted bool)) {
	if c.chunkIdx >= len(c.chunks) {
		cb(true, true)
		return
	}

	chunk := c.chunks[c.chunkIdx]
	var inputs [][]lsmtree.Item
	for _, table := range chunk {
		items, err := table.AllItems()
		if err != nil {
			slog.Error("compaction merge: read input table", "path", table.FilePath(), "error", err)
			continue
		}
		inputs = append(inputs, items)
	}
	if c.info != nil {
		for _, table := range c.info.InputB {
			items, err := table.AllItems()
			if err != nil {
				continue
			}
			inputs = append(inputs, items)
		}
	}

	c.mergedItems = lsmtree.MergeSortedItems(inputs...)

	c.chunkIdx++
	barExhausted := c.chunkIdx >= len(c.chunks)
	cb(true, barExhausted)
}

// BlipWrite writes the merged output through the Grid (placeholder block
// traffic, mirroring BlipRead) and durably materializes the new SSTable
// plus its manifest entry.
func (c *Compaction) BlipWrite(cb func()) {
	if len(c.mergedItems) == 0 {
		cb()
		return
	}

	half := (c.chunkIdx - 1) % 2
	if half < 0 {
		half = 0
	}
	region := c.blocks.OutputDataBlocks[half]

	pending := len(region)
	finish := func() {
		path := c.outputPath()
		table, err := lsmtree.WriteTable(path, c.mergedItems, lsmtree.NewBloomFilter(uint32(len(c.mergedItems)+1), 0.01), lsmtree.NewBlockCache(64))
		if err != nil {
			slog.Error("compaction write output table", "path", path, "error", err)
			cb()
			return
		}
		c.tree.AddTable(table, c.levelB)
		c.writtenPath = path
		cb()
	}

	if pending == 0 {
		finish()
		return
	}
	done := 0
	for i, buf := range region {
		c.grid.Write(forestgrid.Address(i), buf, func(err error) {
			if err != nil {
				slog.Error("compaction blip_write failed", "tree_id", c.treeID, "level_b", c.levelB, "error", err)
				panic(fmt.Sprintf("compaction: blip_write failed for tree_id %d level_b %d: %v", c.treeID, c.levelB, err))
			}
			done++
			if done == pending {
				finish()
			}
		})
	}
}

// BarFinish removes the compacted-away input tables (from both levels,
// tree and manifest) and clears bar state. Called once per bar, on the
// last beat (spec.md §4.1, "compact_callback").
func (c *Compaction) BarFinish(op types.SeqN) error {
	if c.info == nil {
		return nil
	}

	for _, table := range c.info.InputA {
		c.tree.RemoveTable(table.FilePath(), c.levelA)
		if err := c.manifest.RemoveByPath(table.FilePath()); err != nil {
			slog.Warn("remove compacted-away input table from manifest", "path", table.FilePath(), "error", err)
		}
		if err := table.Close(); err != nil {
			slog.Warn("close compacted-away input table", "path", table.FilePath(), "error", err)
		}
	}
	for _, table := range c.info.InputB {
		c.tree.RemoveTable(table.FilePath(), c.levelB)
		if err := c.manifest.RemoveByPath(table.FilePath()); err != nil {
			slog.Warn("remove compacted-away input table from manifest", "path", table.FilePath(), "error", err)
		}
		if err := table.Close(); err != nil {
			slog.Warn("close compacted-away input table", "path", table.FilePath(), "error", err)
		}
	}

	if c.writtenPath != "" {
		if _, err := c.manifest.Insert(manifestlog.TableInfo{
			TreeID: c.treeID,
			Level:  c.levelB,
			Path:   c.writtenPath,
		}); err != nil {
			return fmt.Errorf("record compacted table in manifest: %w", err)
		}
	}

	c.info = nil
	c.chunks = nil
	c.chunkIdx = 0
	c.mergedItems = nil
	c.writtenPath = ""
	return nil
}

// TreeID and LevelB expose the compaction's key, used by the pipeline to
// index bitsets and by logging.
func (c *Compaction) TreeID() types.TreeID { return c.treeID }
func (c *Compaction) LevelB() types.Level  { return c.levelB }
