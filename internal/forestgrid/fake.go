package forestgrid

import (
	"sync"
	"time"

	"github.com/zhangyunhao116/fastrand"
)

// FakeGrid is an in-memory Grid used by pipeline/forest tests. It
// completes reads and writes via a small random delay (using fastrand,
// the same jitter source the teacher's indirect dependency set already
// carries) so tests exercise genuine out-of-order completion
// interleavings instead of deterministic same-tick callbacks.
type FakeGrid struct {
	mu        sync.Mutex
	blocks    map[Address][]byte
	blockSize int
	ticks     []NextTickFn
	repairing bool

	// Jitter bounds, in microseconds. Zero means "deliver synchronously on
	// the next RunPendingTicks call", which is what deterministic unit
	// tests want.
	maxJitterMicros int
}

// NewFake creates a FakeGrid with blockSize-byte blocks.
func NewFake(blockSize int) *FakeGrid {
	return &FakeGrid{
		blocks:    make(map[Address][]byte),
		blockSize: blockSize,
	}
}

// WithJitter enables randomized out-of-tick completion delivery, bounded
// by maxMicros.
func (g *FakeGrid) WithJitter(maxMicros int) *FakeGrid {
	g.maxJitterMicros = maxMicros
	return g
}

func (g *FakeGrid) BlockSize() int { return g.blockSize }

func (g *FakeGrid) Read(addr Address, block []byte, cb ReadCallback) {
	g.mu.Lock()
	data := g.blocks[addr]
	g.mu.Unlock()

	copy(block, data)
	g.schedule(func() { cb(nil) })
}

func (g *FakeGrid) Write(addr Address, block []byte, cb WriteCallback) {
	cp := make([]byte, len(block))
	copy(cp, block)

	g.mu.Lock()
	g.blocks[addr] = cp
	g.mu.Unlock()

	g.schedule(func() { cb(nil) })
}

func (g *FakeGrid) schedule(fn func()) {
	if g.maxJitterMicros > 0 {
		delay := time.Duration(fastrand.Intn(g.maxJitterMicros)) * time.Microsecond
		time.AfterFunc(delay, func() {
			g.mu.Lock()
			g.ticks = append(g.ticks, fn)
			g.mu.Unlock()
		})
		return
	}
	g.OnNextTick(fn)
}

func (g *FakeGrid) OnNextTick(fn NextTickFn) {
	g.mu.Lock()
	g.ticks = append(g.ticks, fn)
	g.mu.Unlock()
}

// RunPendingTicks drains and runs every queued completion.
func (g *FakeGrid) RunPendingTicks() int {
	g.mu.Lock()
	pending := g.ticks
	g.ticks = nil
	g.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	return len(pending)
}

func (g *FakeGrid) AssertOnlyRepairing() {
	if !g.repairing {
		panic("fakegrid: assert_only_repairing violated")
	}
}

func (g *FakeGrid) SetRepairing(v bool) { g.repairing = v }
