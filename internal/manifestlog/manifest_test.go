package manifestlog

import "testing"

func TestManifestInsertAndRangeByTree(t *testing.T) {
	l, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer l.Close()

	tables := []TableInfo{
		{TreeID: 1, Level: 0, Path: "a.sst", KeyMin: []byte("a"), KeyMax: []byte("c")},
		{TreeID: 1, Level: 0, Path: "b.sst", KeyMin: []byte("d"), KeyMax: []byte("f")},
		{TreeID: 1, Level: 1, Path: "c.sst", KeyMin: []byte("a"), KeyMax: []byte("z")},
		{TreeID: 2, Level: 0, Path: "d.sst", KeyMin: []byte("a"), KeyMax: []byte("z")},
	}
	for i := range tables {
		got, err := l.Insert(tables[i])
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		tables[i] = got
	}

	got := l.RangeByTree(1, 0, []byte("b"), []byte("e"))
	if len(got) != 2 {
		t.Fatalf("got %d overlapping tables, want 2: %+v", len(got), got)
	}
	paths := map[string]bool{got[0].Path: true, got[1].Path: true}
	if !paths["a.sst"] || !paths["b.sst"] {
		t.Fatalf("unexpected overlap set: %+v", got)
	}

	if got := l.RangeByTree(2, 0, []byte("a"), []byte("z")); len(got) != 1 || got[0].Path != "d.sst" {
		t.Fatalf("tree 2 range = %+v, want [d.sst]", got)
	}
}

func TestManifestRemoveDropsFromKeyIndex(t *testing.T) {
	l, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer l.Close()

	table, err := l.Insert(TableInfo{TreeID: 1, Level: 0, Path: "a.sst", KeyMin: []byte("a"), KeyMax: []byte("z")})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := l.Remove(table.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if got := l.RangeByTree(1, 0, []byte("a"), []byte("z")); len(got) != 0 {
		t.Fatalf("expected empty range after remove, got %+v", got)
	}
	if l.TableExtentCount() != 0 {
		t.Fatalf("expected 0 live tables, got %d", l.TableExtentCount())
	}
}

func TestManifestOpenReplaysInsertsAndRemoves(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	keep, err := l.Insert(TableInfo{TreeID: 1, Level: 0, Path: "keep.sst", KeyMin: []byte("a"), KeyMax: []byte("b")})
	if err != nil {
		t.Fatalf("insert keep: %v", err)
	}
	gone, err := l.Insert(TableInfo{TreeID: 1, Level: 0, Path: "gone.sst", KeyMin: []byte("c"), KeyMax: []byte("d")})
	if err != nil {
		t.Fatalf("insert gone: %v", err)
	}
	if err := l.Remove(gone.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	l2, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	var events []Event
	done := false
	if err := l2.Open(func(e Event) { events = append(events, e) }, func() { done = true }); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !done {
		t.Fatal("expected done callback to fire")
	}
	if len(events) != 3 {
		t.Fatalf("got %d replayed events, want 3", len(events))
	}

	extents := l2.AllTableExtents()
	if len(extents) != 1 || extents[0].Path != "keep.sst" {
		t.Fatalf("got extents %+v, want only keep.sst", extents)
	}
	if extents[0].ID != keep.ID {
		t.Fatalf("got id %d, want %d", extents[0].ID, keep.ID)
	}
}

func TestManifestCheckpointAndCompactLifecycle(t *testing.T) {
	l, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer l.Close()

	cpDone := false
	if err := l.Checkpoint(func() { cpDone = true }); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if !cpDone || l.CurrentProgress() != ProgressIdle {
		t.Fatalf("checkpoint did not return to idle: done=%v progress=%v", cpDone, l.CurrentProgress())
	}

	compactDone := false
	if err := l.Compact(func() { compactDone = true }, 4); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !compactDone {
		t.Fatal("expected compact callback to fire")
	}
	l.CompactEnd()
	if l.CurrentProgress() != ProgressIdle {
		t.Fatalf("expected idle after compact_end, got %v", l.CurrentProgress())
	}
}
