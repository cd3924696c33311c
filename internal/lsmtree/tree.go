package lsmtree

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"forestdb/pkg/types"
)

// Level holds the live tables at one LSM level of a single tree.
type Level struct {
	Tables []*SSTable
}

// Tree is the per-tree_id stack of levels a Compaction state machine
// merges across (spec.md §3, "Compaction. Per (tree, level_b)").
type Tree struct {
	mu sync.RWMutex

	id     types.TreeID
	levels []Level

	bloomExpected uint32
	bloomFPRate   float64
	cacheCapacity int
}

// NewTree allocates an empty tree with lsmLevels levels.
func NewTree(id types.TreeID, lsmLevels int, bloomExpected uint32, bloomFPRate float64, cacheCapacity int) *Tree {
	return &Tree{
		id:            id,
		levels:        make([]Level, lsmLevels),
		bloomExpected: bloomExpected,
		bloomFPRate:   bloomFPRate,
		cacheCapacity: cacheCapacity,
	}
}

func (t *Tree) ID() types.TreeID { return t.id }

// OpenTable opens an on-disk table file and files it under level, used at
// manifest replay (Forest.open). Flush and compaction file their freshly
// written tables through AddTable instead.
func (t *Tree) OpenTable(path string, level types.Level) (*SSTable, error) {
	bloom := NewBloomFilter(t.bloomExpected, t.bloomFPRate)
	cache := NewBlockCache(t.cacheCapacity)
	table := NewSSTable(path, bloom, cache)
	if err := table.Open(); err != nil {
		return nil, fmt.Errorf("open table %s: %w", path, err)
	}
	t.AddTable(table, level)
	return table, nil
}

// AddTable files an already-open table at level, extending the level
// slice if needed.
func (t *Tree) AddTable(table *SSTable, level types.Level) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.levels) <= level {
		t.levels = append(t.levels, Level{})
	}
	t.levels[level].Tables = append(t.levels[level].Tables, table)
}

// RemoveTable removes a table (by file path) from level; used once a
// compaction's output tables replace its inputs.
func (t *Tree) RemoveTable(path string, level types.Level) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if level >= len(t.levels) {
		return false
	}
	tables := t.levels[level].Tables
	for i, table := range tables {
		if table.FilePath() == path {
			t.levels[level].Tables = append(tables[:i], tables[i+1:]...)
			return true
		}
	}
	return false
}

// TablesAt returns a snapshot of the tables at level.
func (t *Tree) TablesAt(level types.Level) []*SSTable {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if level >= len(t.levels) {
		return nil
	}
	out := make([]*SSTable, len(t.levels[level].Tables))
	copy(out, t.levels[level].Tables)
	return out
}

// LevelCount reports how many levels the tree tracks.
func (t *Tree) LevelCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.levels)
}

// Get searches from L0 upward, newest table first within a level — the
// same precedence order as the teacher's LevelManager.Get.
func (t *Tree) Get(key []byte) (*Item, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for level := 0; level < len(t.levels); level++ {
		tables := t.levels[level].Tables
		for i := len(tables) - 1; i >= 0; i-- {
			item, err := tables[i].Get(key)
			if err != nil {
				return nil, fmt.Errorf("get from table: %w", err)
			}
			if item != nil {
				return item, nil
			}
		}
	}
	return nil, nil
}

// Scan returns every item with key in [lo, hi), newest version wins on
// duplicate keys — the same table precedence as Get, generalized from a
// point lookup to a range. dedupBuf is scratch space the caller lends to
// avoid an allocation per distinct key when comparing against the
// previously-kept item.
func (t *Tree) Scan(lo, hi []byte, dedupBuf []byte) ([]Item, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// newer levels (lower index) must win ties, so collect everything
	// first and let a stable, key-then-recency sort settle duplicates.
	type candidate struct {
		item Item
		rank int // lower rank = newer
	}
	var all []candidate
	rank := 0
	for level := 0; level < len(t.levels); level++ {
		tables := t.levels[level].Tables
		for i := len(tables) - 1; i >= 0; i-- {
			items, err := tables[i].AllItems()
			if err != nil {
				return nil, fmt.Errorf("scan table: %w", err)
			}
			for _, item := range items {
				if bytes.Compare(item.Key, lo) < 0 || bytes.Compare(item.Key, hi) >= 0 {
					continue
				}
				all = append(all, candidate{item: item, rank: rank})
			}
			rank++
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if c := bytes.Compare(all[i].item.Key, all[j].item.Key); c != 0 {
			return c < 0
		}
		return all[i].rank < all[j].rank
	})

	out := make([]Item, 0, len(all))
	var lastKey []byte
	for _, c := range all {
		if lastKey != nil && sameKey(dedupBuf, lastKey, c.item.Key) {
			continue
		}
		out = append(out, c.item)
		lastKey = c.item.Key
	}
	return out, nil
}

// sameKey reports whether a and b are equal, using buf as scratch space to
// avoid the allocation bytes.Equal-by-copy would otherwise require when
// called from a tight scan loop. Falls back to a direct compare when a
// exceeds the lent buffer's capacity.
func sameKey(buf, a, b []byte) bool {
	if len(a) > cap(buf) {
		return bytes.Equal(a, b)
	}
	buf = buf[:len(a)]
	copy(buf, a)
	return bytes.Equal(buf, b)
}

// LevelSize returns the total on-disk size of level's tables.
func (t *Tree) LevelSize(level types.Level) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if level >= len(t.levels) {
		return 0
	}
	var total int64
	for _, table := range t.levels[level].Tables {
		total += table.ApproximateSize()
	}
	return total
}

// MergeSortedItems merges n already key-sorted item slices, keeping only
// the newest (highest SeqN) version of each key — the merge stage's core
// k-way-merge (spec.md §2, "blip_merge").
func MergeSortedItems(inputs ...[]Item) []Item {
	type cursor struct {
		items []Item
		pos   int
	}
	cursors := make([]*cursor, 0, len(inputs))
	for _, in := range inputs {
		if len(in) > 0 {
			cursors = append(cursors, &cursor{items: in})
		}
	}

	var out []Item
	for len(cursors) > 0 {
		// Find the cursor with the smallest current key; on ties prefer
		// the item with the higher SeqN, and on equal SeqN the cursor
		// from the later input.
		best := 0
		for i := 1; i < len(cursors); i++ {
			cur, top := cursors[i].items[cursors[i].pos], cursors[best].items[cursors[best].pos]
			cmp := bytes.Compare(cur.Key, top.Key)
			if cmp < 0 || (cmp == 0 && cur.SeqN >= top.SeqN) {
				best = i
			}
		}

		key := cursors[best].items[cursors[best].pos].Key
		out = append(out, cursors[best].items[cursors[best].pos])

		for i := 0; i < len(cursors); {
			if bytes.Equal(cursors[i].items[cursors[i].pos].Key, key) {
				cursors[i].pos++
				if cursors[i].pos >= len(cursors[i].items) {
					cursors = append(cursors[:i], cursors[i+1:]...)
					continue
				}
			}
			i++
		}
	}

	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}
