// Package blockpool implements the Block Pool: a fixed, pre-allocated
// pool of block-sized buffers plus parallel in-flight read/write
// descriptor arrays, owned exclusively by the compaction pipeline and
// partitioned deterministically once per bar (spec.md §3, "Block Pool";
// §4.2.5, "divide_blocks").
package blockpool

import "fmt"

// ReadDescriptor tracks one in-flight Grid read.
type ReadDescriptor struct {
	Addr   uint64
	Block  []byte
	InUse  bool
}

// WriteDescriptor tracks one in-flight Grid write.
type WriteDescriptor struct {
	Addr  uint64
	Block []byte
	InUse bool
}

// Blocks is a slice of distinct, non-overlapping block buffers carved out
// of the Pool's backing array.
type Blocks [][]byte

// ScratchBlocks is the two single-block slices bar_setup_budget consumes
// per compaction (spec.md §3, "per-compaction scratch").
type ScratchBlocks [2][]byte

// CompactionBlocks is the disjoint partition of the pool computed once
// per bar by divide_blocks and handed to each slot via
// beat_blocks_assign (spec.md §4.2.5).
type CompactionBlocks struct {
	InputIndexBlocks Blocks
	// InputDataBlocks[half][level] — half in {0,1} is the pipeline half
	// (spec.md §3, "split by pipeline half x source level"); level in
	// {0=A (source), 1=B (destination)}.
	InputDataBlocks [2][2]Blocks
	// OutputDataBlocks[half] holds the output blocks for that half.
	OutputDataBlocks [2]Blocks
}

// Pool owns the block buffers and descriptor arrays. blockCount fixed
// buffers are allocated up front; a small prefix is permanently reserved
// as per-compaction scratch (the forest sizes it as trees x lsm_levels,
// an upper bound on how many compactions can be queued in one bar), and
// the remainder is what divide_blocks partitions fresh each bar.
type Pool struct {
	blockSize int
	blocks    [][]byte
	reads     []ReadDescriptor
	writes    []WriteDescriptor

	scratchReserve int
}

// New allocates blockCount buffers of blockSize bytes, reserving
// scratchSlots*2 single-block scratch slices up front.
func New(blockCount, blockSize, scratchSlots int) (*Pool, error) {
	reserve := scratchSlots * 2
	if blockCount < reserve+minimumBarBudget() {
		return nil, fmt.Errorf("blockpool: %d blocks insufficient for %d scratch + %d bar minimum",
			blockCount, reserve, minimumBarBudget())
	}

	p := &Pool{
		blockSize:      blockSize,
		blocks:         make([][]byte, blockCount),
		reads:          make([]ReadDescriptor, blockCount),
		writes:         make([]WriteDescriptor, blockCount),
		scratchReserve: reserve,
	}
	for i := range p.blocks {
		p.blocks[i] = make([]byte, blockSize)
	}
	return p, nil
}

// minimumBarBudget is the minimum per-bar partition spec.md §4.2.5
// requires: 2 (input data, one per level) + 1 (output data) = 3, doubled
// for the two pipeline halves = 6, plus a minimum 2-block reservation for
// input index blocks.
func minimumBarBudget() int { return 6 + 2 }

// BlockSize returns the fixed size of every pooled buffer.
func (p *Pool) BlockSize() int { return p.blockSize }

// Len returns the total number of pooled buffers.
func (p *Pool) Len() int { return len(p.blocks) }

// Scratch returns compaction index i's fixed 2-block scratch region,
// wrapping modulo the reserved scratch capacity. Distinct indices below
// the reservation width never alias; the forest sizes the reservation
// as trees x lsm_levels, which no bar's queued compaction count exceeds,
// so every possible compaction index gets a disjoint scratch pair.
func (p *Pool) Scratch(i int) (ScratchBlocks, error) {
	slots := p.scratchReserve / 2
	if slots == 0 {
		return ScratchBlocks{}, fmt.Errorf("blockpool: no scratch reserved")
	}
	base := (i % slots) * 2
	return ScratchBlocks{p.blocks[base], p.blocks[base+1]}, nil
}

// DivideBlocks computes the disjoint per-bar partition of every block
// outside the scratch reservation (spec.md §4.2.5). growthFactor shapes
// how much of the remainder goes to index blocks versus data/output
// blocks, rather than hard-coded offsets (spec.md §9, "Open question —
// exact block partition"); batchMultiple only appears in the error
// message and does not affect the sizes.
//
// Partition layout (all counts derived, never literal):
//
//	remainder = len(blocks) - scratchReserve
//	indexBlocks = clamp(remainder / (growthFactor+2), 2, remainder/4)
//	perHalf = (remainder - indexBlocks) / 2
//	perRegion = perHalf / 3        // inputA, inputB, output
//
// Disjointness follows directly from a single monotonically advancing
// cursor into blocks[scratchReserve:]: every returned Blocks is a
// contiguous, non-re-entered sub-slice of that cursor walk, so no two
// regions can share an index.
func (p *Pool) DivideBlocks(batchMultiple, growthFactor int) (CompactionBlocks, error) {
	remainder := len(p.blocks) - p.scratchReserve
	if remainder < minimumBarBudget() {
		return CompactionBlocks{}, fmt.Errorf("blockpool: remainder %d below minimum bar budget %d", remainder, minimumBarBudget())
	}

	indexBlocks := remainder / (growthFactor + 2)
	if indexBlocks < 2 {
		indexBlocks = 2
	}
	if max := remainder / 4; indexBlocks > max {
		indexBlocks = max
	}

	perHalf := (remainder - indexBlocks) / 2
	perRegion := perHalf / 3
	if perRegion < 1 {
		return CompactionBlocks{}, fmt.Errorf("blockpool: %d blocks too few to partition (batch_multiple=%d, growth_factor=%d)", len(p.blocks), batchMultiple, growthFactor)
	}

	cursor := p.scratchReserve
	take := func(n int) Blocks {
		s := p.blocks[cursor : cursor+n]
		cursor += n
		return Blocks(s)
	}

	cb := CompactionBlocks{}
	cb.InputIndexBlocks = take(indexBlocks)
	for half := 0; half < 2; half++ {
		cb.InputDataBlocks[half][0] = take(perRegion) // level A
		cb.InputDataBlocks[half][1] = take(perRegion) // level B
		cb.OutputDataBlocks[half] = take(perRegion)
	}

	return cb, nil
}
