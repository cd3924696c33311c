// Package pipeline implements the Compaction Pipeline: the three-stage
// read/merge/write scheduler that paces many per-(tree,level) Compaction
// state machines across a fixed Block Pool, one beat at a time within a
// bar (spec.md §4.2).
package pipeline

import (
	"fmt"
	"log/slog"

	"forestdb/internal/blockpool"
	"forestdb/internal/compaction"
	"forestdb/internal/forestgrid"
	"forestdb/pkg/types"
)

// Interface is the thin capability wrapper bar_setup produces: one
// compaction's chosen work for the bar paired with the state machine that
// performs it (spec.md §4.1, "construct a CompactionInterface wrapping
// (info, compaction)"; §9 "Polymorphic compaction set").
type Interface struct {
	Info       *compaction.Info
	Compaction *compaction.Compaction
}

type opKind int

const (
	opRead opKind = iota
	opMerge
	opWrite
)

type slot struct {
	compactionIndex int
	activeOp        opKind
}

type pipelineState int

const (
	stateIdle pipelineState = iota
	stateFilling
	stateFull
)

// Pipeline is the scheduler. It owns the Block Pool exclusively for the
// duration of a bar and assumes single-threaded, non-reentrant use
// (spec.md §5, "Scheduling model").
type Pipeline struct {
	pool          *blockpool.Pool
	grid          forestgrid.Grid
	batchMultiple int
	growthFactor  int

	compactions []*Interface

	barActive    []bool
	beatActive   []bool
	beatAcquired []bool

	blocks blockpool.CompactionBlocks

	slots            [3]*slot
	slotFilledCount  int
	slotRunningCount int
	state            pipelineState
	beatExhausted    bool

	callback func()
}

// New builds a Pipeline over pool, paced by batchMultiple beats per bar
// and partitioning the pool each bar using growthFactor (spec.md §4.2.5).
func New(pool *blockpool.Pool, grid forestgrid.Grid, batchMultiple, growthFactor int) *Pipeline {
	return &Pipeline{pool: pool, grid: grid, batchMultiple: batchMultiple, growthFactor: growthFactor}
}

// QueueCompaction appends iface to the bar's compaction list; the Forest
// calls this once per (level_b, tree_id) pair that bar_setup reported
// work for, during the first beat of a bar (spec.md §4.1, "compact").
func (p *Pipeline) QueueCompaction(iface *Interface) {
	p.compactions = append(p.compactions, iface)
}

// ResetBar asserts the compaction list is empty (the invariant the Forest
// checks before re-populating it via QueueCompaction at a bar's first
// beat) and clears bar_active.
func (p *Pipeline) ResetBar() error {
	if len(p.compactions) != 0 {
		return fmt.Errorf("pipeline: bar_setup invariant violated: %d compactions still queued", len(p.compactions))
	}
	p.barActive = nil
	return nil
}

// CompactionCount reports how many compactions are queued for this bar.
func (p *Pipeline) CompactionCount() int { return len(p.compactions) }

// CompactionAt returns the queued interface at index i. The Forest's
// bar_finish loop walks its own (level_b, tree) map and does not call it.
func (p *Pipeline) CompactionAt(i int) *Interface { return p.compactions[i] }

// ClearCompactions clears the queued list; the Forest calls this on a
// bar's last beat, after every compaction has been finalised via
// bar_finish and BarActiveEmpty has been asserted.
func (p *Pipeline) ClearCompactions() {
	p.compactions = nil
}

// BarActiveEmpty reports whether every compaction has reported
// bar_exhausted — asserted by the Forest on the last beat before clearing
// the compaction list (spec.md §4.1, "assert bar_active is empty").
func (p *Pipeline) BarActiveEmpty() bool {
	for _, v := range p.barActive {
		if v {
			return false
		}
	}
	return true
}

// BarActiveCount reports how many compactions still have bar_active set,
// for gauge reporting alongside BarActiveEmpty's boolean check.
func (p *Pipeline) BarActiveCount() int {
	n := 0
	for _, v := range p.barActive {
		if v {
			n++
		}
	}
	return n
}

// BeatActiveCount reports how many compactions still have beat_active set.
func (p *Pipeline) BeatActiveCount() int {
	n := 0
	for _, v := range p.beatActive {
		if v {
			n++
		}
	}
	return n
}

// BeatAcquiredCount reports how many compactions currently hold a grid
// handle acquired for this beat.
func (p *Pipeline) BeatAcquiredCount() int {
	n := 0
	for _, v := range p.beatAcquired {
		if v {
			n++
		}
	}
	return n
}

// Beat runs one beat of the pipeline (spec.md §4.2.1). callback is
// invoked exactly once, from the grid's next-tick queue: scheduled
// directly for an empty beat, or by advance_pipeline once the last
// compaction of the beat has drained.
func (p *Pipeline) Beat(op types.SeqN, callback func()) error {
	p.slotFilledCount = 0
	p.slotRunningCount = 0

	firstBeat := op%uint64(p.batchMultiple) == 0

	if firstBeat {
		p.barActive = make([]bool, len(p.compactions))
		for i := range p.barActive {
			p.barActive[i] = true
		}
		for i, iface := range p.compactions {
			scratch, err := p.pool.Scratch(i)
			if err != nil {
				return fmt.Errorf("pipeline: scratch for compaction %d: %w", i, err)
			}
			iface.Compaction.BarSetupBudget(p.batchMultiple, scratch)
		}
		blocks, err := p.pool.DivideBlocks(p.batchMultiple, p.growthFactor)
		if err != nil {
			return fmt.Errorf("pipeline: divide_blocks: %w", err)
		}
		p.blocks = blocks
	}

	if p.slots[0] != nil || p.slots[1] != nil || p.slots[2] != nil {
		return fmt.Errorf("pipeline: beat invariant violated: slots occupied at beat start")
	}

	p.beatActive = append([]bool(nil), p.barActive...)

	p.beatAcquired = make([]bool, len(p.compactions))
	for i, active := range p.beatActive {
		if !active {
			continue
		}
		p.beatAcquired[i] = true
		p.compactions[i].Compaction.BeatGridAcquire()
	}

	p.callback = callback

	if len(p.compactions) == 0 {
		p.grid.OnNextTick(func() { p.beatFinishedNextTick() })
		return nil
	}

	p.state = stateFilling
	p.advancePipeline()
	return nil
}

// findFirstActiveBeat returns the lowest index with beat_active set, or
// -1 if none (spec.md §4.2.2, "beat_active.findFirstSet()").
func (p *Pipeline) findFirstActiveBeat() int {
	for i, v := range p.beatActive {
		if v {
			return i
		}
	}
	return -1
}

// advancePipeline is the scheduler's core step (spec.md §4.2.2). It must
// never be entered while slot_running_count > 0 (spec.md §8, "Barrier").
func (p *Pipeline) advancePipeline() {
	if p.slotRunningCount != 0 {
		slog.Error("pipeline: advance_pipeline re-entered with in-flight blips", "slot_running_count", p.slotRunningCount)
		panic("pipeline: barrier invariant violated")
	}

	cStar := p.findFirstActiveBeat()
	if cStar < 0 {
		p.grid.OnNextTick(func() { p.beatFinishedNextTick() })
		return
	}

	var cpu *slot

	for i := 0; i < 3; i++ {
		s := p.slots[i]
		if s == nil {
			continue
		}
		iface := p.compactions[s.compactionIndex]

		switch s.activeOp {
		case opRead:
			if !p.beatExhausted {
				cpu = s
			} else {
				p.slots[i] = nil
			}

		case opMerge:
			s.activeOp = opWrite
			p.slotRunningCount++
			iface.Compaction.BlipWrite(func() { p.blipDone() })

		case opWrite:
			if !p.beatExhausted {
				s.activeOp = opRead
				p.slotRunningCount++
				iface.Compaction.BlipRead(func() { p.blipDone() })
			} else {
				if p.slotRunningCount > 0 {
					return
				}
				p.beatActive[s.compactionIndex] = false
				p.beatExhausted = false
				p.slots = [3]*slot{}
				p.slotFilledCount = 0
				p.state = stateFilling
				p.advancePipeline()
				return
			}
		}
	}

	if p.state == stateFilling && !p.beatExhausted {
		idx := p.slotFilledCount
		s := &slot{compactionIndex: cStar, activeOp: opRead}
		p.slots[idx] = s

		iface := p.compactions[cStar]
		iface.Compaction.BeatBlocksAssign(p.blocks)
		p.slotRunningCount++
		iface.Compaction.BlipRead(func() { p.blipDone() })

		p.slotFilledCount++
		if p.slotFilledCount == 3 {
			p.state = stateFull
		}
	}

	if cpu != nil {
		cpu.activeOp = opMerge
		compactionIndex := cpu.compactionIndex
		p.slotRunningCount++
		p.compactions[compactionIndex].Compaction.BlipMerge(func(beatExhausted, barExhausted bool) {
			p.onMergeDone(compactionIndex, beatExhausted, barExhausted)
		})
	}
}

// blipDone is the completion shared by read and write blips: neither
// stage reports exhaustion, so it only maintains the barrier (spec.md
// §4.2.3).
func (p *Pipeline) blipDone() {
	p.slotRunningCount--
	if p.slotRunningCount > 0 {
		return
	}
	p.advancePipeline()
}

// onMergeDone is blip_callback for the merge (CPU) stage — the only
// stage permitted to report beat/bar exhaustion (spec.md §4.2.3).
func (p *Pipeline) onMergeDone(compactionIndex int, beatExhausted, barExhausted bool) {
	p.beatExhausted = beatExhausted
	if barExhausted {
		if !beatExhausted {
			slog.Error("pipeline: bar_exhausted without beat_exhausted", "compaction_index", compactionIndex)
			panic("pipeline: bar_exhausted ∧ ¬beat_exhausted invariant violated")
		}
		p.barActive[compactionIndex] = false
	}

	p.slotRunningCount--
	if p.slotRunningCount > 0 {
		return
	}
	p.advancePipeline()
}

// beatFinishedNextTick asserts the beat drained cleanly then invokes the
// stored Forest callback (spec.md §4.2.4).
func (p *Pipeline) beatFinishedNextTick() {
	count := 0
	for _, v := range p.beatActive {
		if v {
			count++
		}
	}
	if count != 0 || p.slotFilledCount != 0 || p.slotRunningCount != 0 ||
		p.slots[0] != nil || p.slots[1] != nil || p.slots[2] != nil {
		slog.Error("pipeline: beat did not drain cleanly",
			"beat_active_count", count, "slot_filled_count", p.slotFilledCount, "slot_running_count", p.slotRunningCount)
		panic("pipeline: beat_finished_next_tick invariant violated")
	}

	cb := p.callback
	p.callback = nil
	if cb != nil {
		cb()
	}
}

// BeatEnd forfeits every still-acquired grid handle in reverse
// compaction-index order, called synchronously by Forest.compact_callback
// once the beat's compactions_running counter reaches zero (spec.md
// §4.2.4). Forfeit pairs with acquire even for compactions that completed
// mid-beat.
func (p *Pipeline) BeatEnd() {
	for i := len(p.beatAcquired) - 1; i >= 0; i-- {
		if !p.beatAcquired[i] {
			continue
		}
		p.compactions[i].Compaction.BeatGridForfeit()
		p.beatAcquired[i] = false
	}
}
