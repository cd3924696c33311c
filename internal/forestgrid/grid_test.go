package forestgrid

import (
	"path/filepath"
	"testing"
)

func newTestGrid(t *testing.T) *FileGrid {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grid.bin")
	g, err := NewFileGrid(path, 4, 64)
	if err != nil {
		t.Fatalf("new file grid: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func TestFileGridWriteThenReadRoundTrips(t *testing.T) {
	g := newTestGrid(t)

	want := make([]byte, g.BlockSize())
	copy(want, "hello grid")

	var writeErr error
	g.Write(0, want, func(err error) { writeErr = err })
	g.RunPendingTicks()
	if writeErr != nil {
		t.Fatalf("write: %v", writeErr)
	}

	got := make([]byte, g.BlockSize())
	var readErr error
	g.Read(0, got, func(err error) { readErr = err })
	g.RunPendingTicks()
	if readErr != nil {
		t.Fatalf("read: %v", readErr)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFileGridCompletionsDeferToNextTick(t *testing.T) {
	g := newTestGrid(t)

	fired := false
	g.Write(0, make([]byte, g.BlockSize()), func(err error) { fired = true })
	if fired {
		t.Fatal("callback fired synchronously within Write")
	}
	g.RunPendingTicks()
	if !fired {
		t.Fatal("callback never fired after RunPendingTicks")
	}
}

func TestFileGridAssertOnlyRepairingPanicsWhenNotRepairing(t *testing.T) {
	g := newTestGrid(t)

	defer func() {
		if recover() == nil {
			t.Fatal("expected AssertOnlyRepairing to panic when not repairing")
		}
	}()
	g.AssertOnlyRepairing()
}

func TestFileGridAssertOnlyRepairingOKWhenRepairing(t *testing.T) {
	g := newTestGrid(t)
	g.SetRepairing(true)
	g.AssertOnlyRepairing() // must not panic
}
