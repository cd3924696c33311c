package vsr

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

type fakeForest struct {
	mu          sync.Mutex
	compacted   []uint64
	checkpoints int
}

func (f *fakeForest) Compact(cb func(error), op uint64) error {
	f.mu.Lock()
	f.compacted = append(f.compacted, op)
	f.mu.Unlock()
	cb(nil)
	return nil
}

func (f *fakeForest) Checkpoint(cb func(error)) error {
	f.mu.Lock()
	f.checkpoints++
	f.mu.Unlock()
	cb(nil)
	return nil
}

func waitForLeader(t *testing.T, n *Node, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n.IsLeader() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("leader not elected within %s", timeout)
}

func TestNodeDrivesForestCompactOnCommit(t *testing.T) {
	forest := &fakeForest{}
	transport := NewHTTPTransport(map[uint64]string{})

	n, err := NewNode(Config{
		ID:                        1,
		Peers:                     map[uint64]string{1: "n1"},
		ElectionTick:              10,
		HeartbeatTick:             1,
		MaxSizePerMsg:             1024,
		MaxCommittedSizePerReady:  4096,
		MaxUncommittedEntriesSize: 8192,
		MaxInflightMsgs:           256,
		TickInterval:              5 * time.Millisecond,
	}, forest, transport)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = n.Run(ctx)
		close(done)
	}()

	waitForLeader(t, n, 2*time.Second)

	if err := n.Propose(context.Background(), NewCompactCmd()); err != nil {
		t.Fatalf("propose compact: %v", err)
	}
	if err := n.Propose(context.Background(), NewCheckpointCmd()); err != nil {
		t.Fatalf("propose checkpoint: %v", err)
	}

	forest.mu.Lock()
	compactedCount := len(forest.compacted)
	checkpoints := forest.checkpoints
	forest.mu.Unlock()

	if compactedCount == 0 {
		t.Fatal("expected at least one compact call (including raft's own committed entries)")
	}
	if checkpoints != 1 {
		t.Fatalf("expected exactly 1 checkpoint call, got %d", checkpoints)
	}

	_ = n.Stop()
	<-done
}

func TestNodeUpdateTransportTracksPeers(t *testing.T) {
	forest := &fakeForest{}

	n, err := NewNode(Config{
		ID:            1,
		Peers:         map[uint64]string{1: "n1"},
		ElectionTick:  10,
		HeartbeatTick: 1,
		TickInterval:  5 * time.Millisecond,
	}, forest, NewHTTPTransport(map[uint64]string{}))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	mt := NewHTTPTransport(map[uint64]string{})
	n.transport = mt

	n.updateTransport(raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 2, Context: []byte("n2")})
	if addr, ok := n.Peers[2]; !ok || addr != "n2" {
		t.Fatalf("peer 2 not added: %q ok=%v", addr, ok)
	}
	if got, ok := mt.peers[2]; !ok || got != "n2" {
		t.Fatalf("transport did not receive AddPeer: %q ok=%v", got, ok)
	}

	n.updateTransport(raftpb.ConfChange{Type: raftpb.ConfChangeUpdateNode, NodeID: 2, Context: []byte("n2-new")})
	if addr := n.Peers[2]; addr != "n2-new" {
		t.Fatalf("peer 2 not updated: %q", addr)
	}

	n.updateTransport(raftpb.ConfChange{Type: raftpb.ConfChangeRemoveNode, NodeID: 2})
	if _, ok := n.Peers[2]; ok {
		t.Fatal("peer 2 still present after remove")
	}
}
