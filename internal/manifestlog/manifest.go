// Package manifestlog implements the Manifest Log: the durable,
// append-only record of live tables the Forest replays at open and
// updates as compactions complete (spec.md §6, "Manifest Log").
package manifestlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/btree"

	"forestdb/pkg/dberrors"
	"forestdb/pkg/types"
)

// EventKind tags one manifest-log record.
type EventKind uint8

const (
	EventInsert EventKind = iota
	EventRemove
)

// TableInfo describes one table as tracked by the manifest, matching the
// fields spec.md §8 requires verify_tables_recovered to round-trip
// exactly: key_min, key_max, checksum, address, snapshot_min/max, tree_id,
// label.level.
type TableInfo struct {
	ID           uint64       `json:"id"`
	TreeID       types.TreeID `json:"tree_id"`
	Level        int          `json:"level"`
	Path         string       `json:"path"`
	KeyMin       []byte       `json:"key_min"`
	KeyMax       []byte       `json:"key_max"`
	Checksum     uint64       `json:"checksum"`
	SnapshotMin  uint64       `json:"snapshot_min"`
	SnapshotMax  uint64       `json:"snapshot_max"`
	ApproxBytes  int64        `json:"approx_bytes"`
}

// Event is one replayed record, passed to the event callback during open.
type Event struct {
	Kind  EventKind
	Table TableInfo
}

// Progress mirrors the manifest log's own mutually-exclusive lifecycle
// state, gating compact/checkpoint the same way Forest's progress variant
// gates open/compact/checkpoint (spec.md §3, "Forest progress").
type Progress uint8

const (
	ProgressIdle Progress = iota
	ProgressCompacting
	ProgressCheckpointing
)

type record struct {
	Kind  EventKind `json:"kind"`
	Table TableInfo `json:"table"`
}

// byKeyRange orders table extents within a (tree_id, level) bucket by
// key_min, then id to break ties — the ordering the manifest's
// table_extents index keeps alongside the plain by-id map so range
// queries over a level's key space don't require a linear scan.
type byKeyRange struct {
	TreeID types.TreeID
	Level  int
	KeyMin []byte
	ID     uint64
}

func (a byKeyRange) Less(than btree.Item) bool {
	b := than.(byKeyRange)
	if a.TreeID != b.TreeID {
		return a.TreeID < b.TreeID
	}
	if a.Level != b.Level {
		return a.Level < b.Level
	}
	if c := bytes.Compare(a.KeyMin, b.KeyMin); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}

// Log is the append-only manifest file plus the in-memory table-extent
// index rebuilt from it.
type Log struct {
	mu       sync.Mutex
	filePath string
	file     *os.File

	progress Progress

	// tableExtents indexes every live table by its assigned ID — the
	// analogue of the source's table_extents: map<address -> {block,
	// entry}>, keyed here by table ID rather than a Grid address since the
	// manifest log's own storage is a flat append file, not a Grid client.
	tableExtents map[uint64]TableInfo
	nextTableID  uint64

	// keyIndex mirrors tableExtents, ordered by (tree_id, level, key_min)
	// rather than id, so RangeByTree can answer "which tables in this
	// tree/level overlap this key range" without scanning every live table.
	keyIndex *btree.BTree
}

// New opens (creating if absent) the manifest log file under dataDir.
func New(dataDir string) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}

	path := filepath.Join(dataDir, "MANIFEST")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open manifest file: %w", err)
	}

	return &Log{
		filePath:     path,
		file:         file,
		tableExtents: make(map[uint64]TableInfo),
		nextTableID:  1,
		keyIndex:     btree.New(32),
	}, nil
}

func keyIndexEntry(t TableInfo) byKeyRange {
	return byKeyRange{TreeID: t.TreeID, Level: t.Level, KeyMin: t.KeyMin, ID: t.ID}
}

// Open replays the manifest chronologically, invoking eventCB once per
// recorded insert/remove in the order they were appended, then invokes
// doneCB with the log's lock released (spec.md §4.1, "open").
func (l *Log) Open(eventCB func(Event), doneCB func()) error {
	l.mu.Lock()
	locked := true
	defer func() {
		if locked {
			l.mu.Unlock()
		}
	}()

	if l.progress != ProgressIdle {
		return fmt.Errorf("manifestlog: %w", dberrors.ErrManifestBusy)
	}

	if _, err := l.file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek manifest for replay: %w", err)
	}

	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("decode manifest record: %w", err)
		}

		switch rec.Kind {
		case EventInsert:
			l.tableExtents[rec.Table.ID] = rec.Table
			l.keyIndex.ReplaceOrInsert(keyIndexEntry(rec.Table))
			if rec.Table.ID >= l.nextTableID {
				l.nextTableID = rec.Table.ID + 1
			}
		case EventRemove:
			delete(l.tableExtents, rec.Table.ID)
			l.keyIndex.Delete(keyIndexEntry(rec.Table))
		}

		eventCB(Event{Kind: rec.Kind, Table: rec.Table})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan manifest: %w", err)
	}

	// Seek back to the end so subsequent appends don't clobber replayed data.
	if _, err := l.file.Seek(0, 2); err != nil {
		return fmt.Errorf("seek manifest to end: %w", err)
	}

	// doneCB may query the log (the Forest's verification reads
	// AllTableExtents), so it runs after the lock is released.
	l.mu.Unlock()
	locked = false
	doneCB()
	return nil
}

// Insert durably records a newly-written table.
func (l *Log) Insert(table TableInfo) (TableInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if table.ID == 0 {
		table.ID = l.nextTableID
		l.nextTableID++
	} else if table.ID >= l.nextTableID {
		l.nextTableID = table.ID + 1
	}

	if err := l.append(record{Kind: EventInsert, Table: table}); err != nil {
		return TableInfo{}, err
	}
	l.tableExtents[table.ID] = table
	l.keyIndex.ReplaceOrInsert(keyIndexEntry(table))
	return table, nil
}

// Remove durably records that a table is no longer live.
func (l *Log) Remove(tableID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	table, ok := l.tableExtents[tableID]
	if !ok {
		return fmt.Errorf("remove unknown table id %d", tableID)
	}
	// The full table record is persisted, not just its id, so chronological
	// replay (Open's event_cb) can locate the table in the right tree/level
	// without consulting any other state.
	if err := l.append(record{Kind: EventRemove, Table: table}); err != nil {
		return err
	}
	delete(l.tableExtents, tableID)
	l.keyIndex.Delete(keyIndexEntry(table))
	return nil
}

// RangeByTree returns every live table in (treeID, level) whose key range
// overlaps [lo, hi], in key_min order — an ordered-index alternative to
// scanning every entry in tableExtents. Compaction candidate selection
// does not call it; it works from the tree's own table lists.
func (l *Log) RangeByTree(treeID types.TreeID, level int, lo, hi []byte) []TableInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []TableInfo
	l.keyIndex.AscendRange(
		byKeyRange{TreeID: treeID, Level: level, KeyMin: nil, ID: 0},
		byKeyRange{TreeID: treeID, Level: level + 1, KeyMin: nil, ID: 0},
		func(item btree.Item) bool {
			entry := item.(byKeyRange)
			if bytes.Compare(entry.KeyMin, hi) > 0 {
				return true
			}
			table := l.tableExtents[entry.ID]
			if bytes.Compare(table.KeyMax, lo) < 0 {
				return true
			}
			out = append(out, table)
			return true
		},
	)
	return out
}

// RemoveByPath looks up a table by its file path and removes it, used by
// the Forest when a compaction's bar_finish knows only the path of the
// input tables it is retiring.
func (l *Log) RemoveByPath(path string) error {
	l.mu.Lock()
	var id uint64
	for tid, t := range l.tableExtents {
		if t.Path == path {
			id = tid
			break
		}
	}
	l.mu.Unlock()

	if id == 0 {
		return fmt.Errorf("remove unknown table path %s", path)
	}
	return l.Remove(id)
}

func (l *Log) append(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode manifest record: %w", err)
	}
	data = append(data, '\n')
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("write manifest record: %w", err)
	}
	return l.file.Sync()
}

// Compact runs the manifest log's own internal log compaction (distinct
// from LSM compaction): it reports completion through cb, which it calls
// before returning.
// The first bar never calls this (spec.md §4.1); it otherwise runs
// concurrently with the pipeline's beat.
func (l *Log) Compact(cb func(), op types.SeqN) error {
	l.mu.Lock()
	if l.progress != ProgressIdle {
		l.mu.Unlock()
		return fmt.Errorf("manifestlog: %w", dberrors.ErrCompactionRunning)
	}
	l.progress = ProgressCompacting
	l.mu.Unlock()

	slog.Debug("manifest log compaction started", "op", op)
	// The manifest's own compaction (rewriting the append log into a
	// denser checkpoint) has no I/O dependency modeled here beyond
	// durability already provided by Insert/Remove; it completes
	// immediately but through the same async shape the pipeline expects.
	cb()
	return nil
}

// CompactEnd clears the compacting progress flag once the caller has
// observed completion (spec.md §4.1, "manifest_log.compact_end()").
func (l *Log) CompactEnd() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progress = ProgressIdle
}

// Checkpoint durably fences the manifest at a checkpoint boundary.
func (l *Log) Checkpoint(cb func()) error {
	l.mu.Lock()
	if l.progress != ProgressIdle {
		l.mu.Unlock()
		return fmt.Errorf("manifestlog: checkpoint: %w", dberrors.ErrManifestBusy)
	}
	l.progress = ProgressCheckpointing
	l.mu.Unlock()

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync manifest at checkpoint: %w", err)
	}

	l.mu.Lock()
	l.progress = ProgressIdle
	l.mu.Unlock()

	cb()
	return nil
}

// CurrentProgress reports the manifest log's current lifecycle state.
func (l *Log) CurrentProgress() Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.progress
}

// TableExtentCount returns the number of live tables tracked — used by
// Forest.verify_table_extents (spec.md §8).
func (l *Log) TableExtentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tableExtents)
}

// AllTableExtents returns a snapshot of every tracked table.
func (l *Log) AllTableExtents() []TableInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]TableInfo, 0, len(l.tableExtents))
	for _, t := range l.tableExtents {
		out = append(out, t)
	}
	return out
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
