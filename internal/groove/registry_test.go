package groove

import (
	"errors"
	"testing"

	"forestdb/pkg/dberrors"
)

func testDescriptors() []Descriptor {
	return []Descriptor{
		{
			Name:         "default",
			ObjectTreeID: 1,
			HasIDTree:    true,
			IDTreeID:     2,
			Indexes: []IndexDescriptor{
				{Name: "by_value", TreeID: 3},
			},
		},
	}
}

func TestNewRegistryAssignsContiguousTreeIDs(t *testing.T) {
	r, err := NewRegistry(testDescriptors(), 3, 100, 0.01, 16)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if r.TreeIDMin() != 1 || r.TreeIDMax() != 3 {
		t.Fatalf("got range [%d, %d], want [1, 3]", r.TreeIDMin(), r.TreeIDMax())
	}
	if len(r.AllTreeInfos()) != 3 {
		t.Fatalf("got %d tree infos, want 3", len(r.AllTreeInfos()))
	}
}

func TestNewRegistryRejectsTreeIDZero(t *testing.T) {
	descs := []Descriptor{{Name: "default", ObjectTreeID: 0}}
	if _, err := NewRegistry(descs, 3, 100, 0.01, 16); err == nil {
		t.Fatal("expected error for tree_id 0")
	}
}

func TestNewRegistryRejectsDuplicateTreeID(t *testing.T) {
	descs := []Descriptor{
		{Name: "a", ObjectTreeID: 1},
		{Name: "b", ObjectTreeID: 1},
	}
	if _, err := NewRegistry(descs, 3, 100, 0.01, 16); err == nil {
		t.Fatal("expected error for duplicate tree_id")
	}
}

func TestNewRegistryRejectsNonContiguousTreeIDs(t *testing.T) {
	descs := []Descriptor{
		{Name: "a", ObjectTreeID: 1},
		{Name: "b", ObjectTreeID: 5},
	}
	if _, err := NewRegistry(descs, 3, 100, 0.01, 16); err == nil {
		t.Fatal("expected error for non-contiguous tree_id set")
	}
}

func TestTreeForIDDispatchesAndRejectsUnknown(t *testing.T) {
	r, err := NewRegistry(testDescriptors(), 3, 100, 0.01, 16)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	info, tree, err := r.TreeForID(2)
	if err != nil {
		t.Fatalf("tree for id 2: %v", err)
	}
	if info.Kind != KindIDs || tree == nil {
		t.Fatalf("got info %+v, tree %v; want KindIDs and non-nil tree", info, tree)
	}

	if _, _, err := r.TreeForID(99); err == nil {
		t.Fatal("expected error for out-of-range tree_id")
	} else if !errors.Is(err, dberrors.ErrUnknownTreeID) {
		t.Fatalf("got error %v, want wrapping ErrUnknownTreeID", err)
	}
}

func TestGrooveTracksObjectsIDsAndIndexes(t *testing.T) {
	r, err := NewRegistry(testDescriptors(), 3, 100, 0.01, 16)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	g := r.Groove("default")
	if g == nil {
		t.Fatal("expected groove \"default\" to exist")
	}
	if g.Objects == nil || g.IDs == nil {
		t.Fatalf("expected both Objects and IDs trees set, got %+v", g)
	}
	if _, ok := g.Indexes["by_value"]; !ok {
		t.Fatalf("expected index \"by_value\" to be registered, got %+v", g.Indexes)
	}
}

func TestGrooveAssertBetweenBarsPanicsWhileBusy(t *testing.T) {
	g := &Groove{Name: "default"}
	g.OpenCommence()

	defer func() {
		if recover() == nil {
			t.Fatal("expected AssertBetweenBars to panic while groove is busy")
		}
	}()
	g.AssertBetweenBars()
}

func TestGrooveAssertBetweenBarsOKAfterOpenComplete(t *testing.T) {
	g := &Groove{Name: "default"}
	g.OpenCommence()
	g.OpenComplete()
	g.AssertBetweenBars() // must not panic
}

func TestRegistryGroovesSortedByName(t *testing.T) {
	descs := []Descriptor{
		{Name: "zzz", ObjectTreeID: 1},
		{Name: "aaa", ObjectTreeID: 2},
	}
	r, err := NewRegistry(descs, 3, 100, 0.01, 16)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	grooves := r.Grooves()
	if len(grooves) != 2 || grooves[0].Name != "aaa" || grooves[1].Name != "zzz" {
		t.Fatalf("got grooves %+v, want sorted [aaa zzz]", grooves)
	}
}
