package wal

import (
	"context"
	"testing"
	"time"

	"forestdb/pkg/types"
)

func TestWALAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	if err != nil {
		t.Fatalf("new wal: %v", err)
	}
	w.Start(context.Background())
	defer w.Stop()

	entries := []Entry{
		{SeqNum: 1, TreeID: 1, Key: []byte("a"), Value: []byte("1")},
		{SeqNum: 2, TreeID: 1, Key: []byte("b"), Value: []byte("2")},
		{SeqNum: 3, TreeID: 2, Key: []byte("c"), Value: []byte("3"), Tombstone: true},
	}
	for _, e := range entries {
		w.Append(e)
	}

	for range entries {
		select {
		case <-w.Done():
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for wal append completion")
		}
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	var replayed []Entry
	if err := w2.Replay(0, func(e Entry) error {
		replayed = append(replayed, e)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if len(replayed) != len(entries) {
		t.Fatalf("got %d replayed entries, want %d", len(replayed), len(entries))
	}
	for i, got := range replayed {
		want := entries[i]
		if got.SeqNum != want.SeqNum || got.TreeID != want.TreeID || string(got.Key) != string(want.Key) ||
			string(got.Value) != string(want.Value) || got.Tombstone != want.Tombstone {
			t.Fatalf("entry %d = %+v, want %+v", i, got, want)
		}
	}
}

func TestWALReplaySkipsBeforeStart(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	if err != nil {
		t.Fatalf("new wal: %v", err)
	}
	w.Start(context.Background())

	for _, e := range []Entry{
		{SeqNum: 1, TreeID: 1, Key: []byte("a"), Value: []byte("1")},
		{SeqNum: 2, TreeID: 1, Key: []byte("b"), Value: []byte("2")},
	} {
		w.Append(e)
		<-w.Done()
	}
	w.Stop()

	var got []types.SeqN
	if err := w.Replay(2, func(e Entry) error {
		got = append(got, e.SeqNum)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("got %v, want [2]", got)
	}
}
