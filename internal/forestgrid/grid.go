// Package forestgrid implements the Grid: async read/write of fixed-size
// blocks plus next-tick scheduling (spec.md §6, "Grid"). It is treated as
// an external collaborator by the pipeline and forest — they only ever see
// the Grid interface below.
package forestgrid

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Address identifies one fixed-size block on the Grid.
type Address uint64

// ReadCallback is invoked once a Read completes, with the bytes already
// read into the caller-supplied buffer.
type ReadCallback func(err error)

// WriteCallback is invoked once a Write completes.
type WriteCallback func(err error)

// NextTickFn is scheduled by on_next_tick; it runs once, after the event
// loop's current tick.
type NextTickFn func()

// Grid is the block-addressed storage abstraction the pipeline and
// Compaction state machines read from and write to (spec.md §6).
type Grid interface {
	Read(addr Address, block []byte, cb ReadCallback)
	Write(addr Address, block []byte, cb WriteCallback)
	OnNextTick(fn NextTickFn)
	AssertOnlyRepairing()
	BlockSize() int
}

// FileGrid is a Grid backed by a single pre-allocated file, addressed by
// fixed-size block offsets. Completions run synchronously on the calling
// goroutine's next iteration via a pending-tick queue, preserving the
// single-threaded cooperative model of spec.md §5 even though the actual
// I/O here is a blocking syscall — exactly how the teacher's WAL
// (pkg/wal.WAL) turns blocking file I/O into a callback-shaped API via its
// internal listener goroutine.
type FileGrid struct {
	mu        sync.Mutex
	file      *os.File
	blockSize int
	ticks     []NextTickFn
	repairing bool
}

// NewFileGrid opens (creating if needed) a grid file sized for
// blockCount blocks of blockSize bytes each.
func NewFileGrid(path string, blockCount, blockSize int) (*FileGrid, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open grid file: %w", err)
	}

	size := int64(blockCount) * int64(blockSize)
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("size grid file: %w", err)
	}

	return &FileGrid{file: file, blockSize: blockSize}, nil
}

func (g *FileGrid) BlockSize() int { return g.blockSize }

func (g *FileGrid) Read(addr Address, block []byte, cb ReadCallback) {
	off := int64(addr) * int64(g.blockSize)
	_, err := g.file.ReadAt(block, off)
	g.deliver(func() { cb(err) })
}

func (g *FileGrid) Write(addr Address, block []byte, cb WriteCallback) {
	off := int64(addr) * int64(g.blockSize)
	_, err := g.file.WriteAt(block, off)
	g.deliver(func() { cb(err) })
}

// deliver queues the completion onto the next-tick queue rather than
// calling it inline, so callers never observe reentrancy into the
// pipeline from within Read/Write itself.
func (g *FileGrid) deliver(fn NextTickFn) {
	g.OnNextTick(fn)
}

func (g *FileGrid) OnNextTick(fn NextTickFn) {
	g.mu.Lock()
	g.ticks = append(g.ticks, fn)
	g.mu.Unlock()
}

// RunPendingTicks drains and runs every queued completion/tick callback.
// The surrounding replica event loop calls this once per iteration.
func (g *FileGrid) RunPendingTicks() {
	g.mu.Lock()
	pending := g.ticks
	g.ticks = nil
	g.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

func (g *FileGrid) AssertOnlyRepairing() {
	if !g.repairing {
		slog.Error("grid assertion failed: expected only-repairing state")
		panic("grid: assert_only_repairing violated")
	}
}

func (g *FileGrid) SetRepairing(v bool) { g.repairing = v }

func (g *FileGrid) Close() error {
	return g.file.Close()
}
