// Package memtable implements the in-memory write buffer that sits in
// front of a tree's level 0: one skiplist per tree_id, rotated to an
// immutable table and handed off for flushing once it crosses its size
// threshold (adapted from teacher's pkg/memtable, generalized from a
// single global table to one per tree_id).
package memtable

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"forestdb/internal/lsmtree"
	"forestdb/pkg/types"
)

var ErrTooLargeEntry = errors.New("memtable: entry is too large")

type concurrentSet = skipmap.FuncMap[[]byte, lsmtree.Item]

// Config tunes rotation and flush behavior.
type Config struct {
	FlushThresholdBytes int64
	MaxImmTables        int
	FlushChanBuffSize   int
}

// SortedSet is an immutable table handed to the flush consumer.
type SortedSet interface {
	Sorted() []lsmtree.Item
}

type sortedSet struct {
	*concurrentSet
}

func (s *sortedSet) Sorted() []lsmtree.Item {
	out := make([]lsmtree.Item, 0, s.Len())
	s.Range(func(_ []byte, v lsmtree.Item) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Memtable is the write buffer for one tree_id.
type Memtable struct {
	treeID types.TreeID
	cfg    Config

	ver  atomic.Uint64
	size atomic.Int64

	underlying atomic.Pointer[concurrentSet]
	imm        atomic.Pointer[[]*concurrentSet]

	flushChan chan SortedSet
	mu        sync.Mutex
	cond      *sync.Cond
}

func New(treeID types.TreeID, cfg Config) *Memtable {
	mt := &Memtable{
		treeID:    treeID,
		cfg:       cfg,
		flushChan: make(chan SortedSet, cfg.FlushChanBuffSize),
	}
	mt.underlying.Store(newSet())
	mt.cond = sync.NewCond(&mt.mu)
	return mt
}

func newSet() *concurrentSet {
	return skipmap.NewFunc[[]byte, lsmtree.Item](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

// Get looks up key in the active table, then each immutable table from
// most to least recently rotated.
func (mt *Memtable) Get(key []byte) (lsmtree.Item, bool) {
	if it, ok := mt.underlying.Load().Load(key); ok {
		return it, true
	}

	imm := mt.imm.Load()
	if imm == nil {
		return lsmtree.Item{}, false
	}
	for i := len(*imm) - 1; i >= 0; i-- {
		if it, ok := (*imm)[i].Load(key); ok {
			return it, true
		}
	}
	return lsmtree.Item{}, false
}

// Upsert records one write, rotating the active table to immutable (and
// queuing it for flush) once the threshold would be crossed.
func (mt *Memtable) Upsert(key, value []byte, seqN types.SeqN, meta uint64) error {
	const seqNSize, mdSize = 8, 8
	entSize := int64(len(key)) + int64(len(value)) + seqNSize + mdSize
	if entSize > mt.cfg.FlushThresholdBytes {
		return ErrTooLargeEntry
	}

	for {
		current := mt.size.Load()
		next := current + entSize
		if next < mt.cfg.FlushThresholdBytes {
			if mt.size.CompareAndSwap(current, next) {
				break
			}
			continue
		}

		ver := mt.ver.Load()
		mt.mu.Lock()
		if mt.ver.CompareAndSwap(ver, ver+1) {
			mt.rotate(entSize)
			mt.cond.Broadcast()
			mt.mu.Unlock()
			break
		}
		mt.cond.Wait()
		mt.mu.Unlock()
	}

	mt.underlying.Load().Store(key, lsmtree.Item{Key: key, Value: value, SeqN: seqN, Meta: meta})
	return nil
}

func (mt *Memtable) rotate(initSize int64) {
	current := mt.underlying.Load()
	mt.flushChan <- &sortedSet{current}

	old := mt.imm.Load()
	var next []*concurrentSet
	if old != nil {
		next = append([]*concurrentSet{}, *old...)
	}
	next = append(next, current)
	if len(next) > mt.cfg.MaxImmTables {
		next = next[1:]
	}
	mt.imm.Store(&next)

	mt.underlying.Store(newSet())
	mt.size.Store(initSize)
}

// FlushChan receives one SortedSet each time the active table rotates.
func (mt *Memtable) FlushChan() <-chan SortedSet { return mt.flushChan }

// TreeID reports which tree this memtable buffers writes for.
func (mt *Memtable) TreeID() types.TreeID { return mt.treeID }

func (mt *Memtable) Close() { close(mt.flushChan) }
