// Package vsr implements the replica layer: a thin wrapper over
// go.etcd.io/etcd/raft/v3 that drives Forest.Compact(op) once per
// committed Raft log entry — op is the entry's own log index, naturally
// monotonic group-wide, exactly the bar/beat clock the Forest coordinator
// expects (spec.md §4.1's "replica" collaborator). Grounded on the
// teacher's pkg/raftadapter.Node, with the KV apply target replaced by
// the Forest's compact/checkpoint pair.
package vsr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"forestdb/pkg/types"
)

// Forest is the narrow slice of *forest.Forest the replica layer drives.
// internal/vsr never imports internal/forest directly so the dependency
// points one way, the same separation teacher's pkg/raftadapter keeps
// from pkg/store via its own iStoreAPI interface.
type Forest interface {
	Compact(cb func(error), op types.SeqN) error
	Checkpoint(cb func(error)) error
}

// Transport delivers outgoing Raft messages and tracks peer addresses.
type Transport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// CmdKind tags a proposal: CmdCompact is the default and fires on every
// committed entry; CmdCheckpoint fences a checkpoint at that log index
// instead (spec.md §4.1, "checkpoint" — the operator triggers this
// through internal/httpapi, which must only do so between bars).
type CmdKind uint8

const (
	CmdCompact CmdKind = iota
	CmdCheckpoint
)

// Cmd is the JSON payload carried by one Raft proposal.
type Cmd struct {
	Kind CmdKind   `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

// NewCompactCmd builds a proposal that drives one compaction beat at
// whatever log index it commits at.
func NewCompactCmd() Cmd { return Cmd{Kind: CmdCompact, ID: uuid.New()} }

// NewCheckpointCmd builds a proposal that fences a checkpoint instead.
func NewCheckpointCmd() Cmd { return Cmd{Kind: CmdCheckpoint, ID: uuid.New()} }

// Config configures a Node, mirroring the field set of the teacher's
// config.RaftConfig.
type Config struct {
	ID                        uint64
	Peers                     map[uint64]string
	ElectionTick              int
	HeartbeatTick             int
	MaxSizePerMsg             uint64
	MaxCommittedSizePerReady  uint64
	MaxUncommittedEntriesSize uint64
	MaxInflightMsgs           int
	CheckQuorum               bool
	PreVote                   bool
	TickInterval              time.Duration
}

// Node is the per-replica VSR driver.
type Node struct {
	ID        uint64
	Peers     map[uint64]string
	forest    Forest
	transport Transport

	underlying raft.Node
	storage    *raft.MemoryStorage
	confState  *raftpb.ConfState
	tickEvery  time.Duration

	ctx  context.Context
	stop context.CancelFunc

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan error
}

// NewNode starts a Raft group member; forest is driven by every entry
// this node's log commits, transport carries outgoing messages to peers.
func NewNode(cfg Config, forest Forest, transport Transport) (*Node, error) {
	storage := raft.NewMemoryStorage()

	inflight := cfg.MaxInflightMsgs
	if inflight == 0 {
		inflight = 256
	}

	raftCfg := &raft.Config{
		ID:                        cfg.ID,
		ElectionTick:              cfg.ElectionTick,
		HeartbeatTick:             cfg.HeartbeatTick,
		Storage:                   storage,
		MaxSizePerMsg:             cfg.MaxSizePerMsg,
		MaxCommittedSizePerReady:  cfg.MaxCommittedSizePerReady,
		MaxUncommittedEntriesSize: cfg.MaxUncommittedEntriesSize,
		MaxInflightMsgs:           inflight,
		CheckQuorum:               cfg.CheckQuorum,
		PreVote:                   cfg.PreVote,
	}

	var confState raftpb.ConfState
	var raftPeers []raft.Peer
	for id, addr := range cfg.Peers {
		confState.Voters = append(confState.Voters, id)
		raftPeers = append(raftPeers, raft.Peer{ID: id, Context: []byte(addr)})
	}

	tick := cfg.TickInterval
	if tick == 0 {
		tick = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ID:         cfg.ID,
		Peers:      cfg.Peers,
		forest:     forest,
		transport:  transport,
		underlying: raft.StartNode(raftCfg, raftPeers),
		storage:    storage,
		confState:  &confState,
		tickEvery:  tick,
		proposals:  make(map[uuid.UUID]chan error),
		ctx:        ctx,
		stop:       cancel,
	}, nil
}

// Run drives the node's Raft ticks and Ready loop until ctx (or the
// node's own Stop) ends it.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if err := n.storage.Append(rd.Entries); err != nil {
		return fmt.Errorf("vsr: append entries: %w", err)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if err := n.applyEntry(entry); err != nil {
			slog.Error("vsr: apply entry failed", "index", entry.Index, "error", err)
			return fmt.Errorf("vsr: apply entry: %w", err)
		}

		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("vsr: unmarshal conf change: %w", err)
			}
			n.confState = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
	}

	n.underlying.Advance()
	return nil
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		addr := string(cc.Context)
		n.Peers[cc.NodeID] = addr
		n.transport.AddPeer(cc.NodeID, addr)
		slog.Info("vsr: added peer", "id", cc.NodeID, "addr", addr)
	case raftpb.ConfChangeRemoveNode:
		delete(n.Peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("vsr: removed peer", "id", cc.NodeID)
	case raftpb.ConfChangeUpdateNode:
		addr := string(cc.Context)
		n.Peers[cc.NodeID] = addr
		n.transport.UpdatePeer(cc.NodeID, addr)
		slog.Info("vsr: updated peer", "id", cc.NodeID, "addr", addr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}
		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				slog.Error("vsr: send raft message failed", "from", m.From, "to", m.To, "type", m.Type, "error", err)
			}
		}(msg)
	}
}

// applyEntry drives the Forest for one committed entry and blocks until
// it completes — the Forest's progress guard requires exactly one
// open/compact/checkpoint in flight at a time, so entries must apply
// strictly in order (spec.md §5's single-threaded cooperative model).
func (n *Node) applyEntry(entry raftpb.Entry) error {
	if entry.Type != raftpb.EntryNormal {
		return nil
	}

	var cmd Cmd
	if len(entry.Data) > 0 {
		if err := json.Unmarshal(entry.Data, &cmd); err != nil {
			return fmt.Errorf("vsr: unmarshal command: %w", err)
		}
	}

	done := make(chan error, 1)
	var driveErr error
	switch cmd.Kind {
	case CmdCheckpoint:
		driveErr = n.forest.Checkpoint(func(err error) { done <- err })
	default:
		driveErr = n.forest.Compact(func(err error) { done <- err }, entry.Index)
	}
	if driveErr != nil {
		return driveErr
	}

	return n.notifyProposalResult(cmd.ID, <-done)
}

func (n *Node) notifyProposalResult(cmdID uuid.UUID, result error) error {
	n.proposalsMu.RLock()
	ch, ok := n.proposals[cmdID]
	n.proposalsMu.RUnlock()
	if !ok {
		return nil
	}

	select {
	case ch <- result:
	default:
		slog.Debug("vsr: proposal result channel full, dropping", "cmd_id", cmdID)
	}
	return nil
}

// Propose submits cmd to the Raft log and waits for it to apply.
func (n *Node) Propose(ctx context.Context, cmd Cmd) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("vsr: marshal command: %w", err)
	}

	resultCh := make(chan error, 1)
	n.proposalsMu.Lock()
	n.proposals[cmd.ID] = resultCh
	n.proposalsMu.Unlock()
	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, cmd.ID)
		n.proposalsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, data); err != nil {
		return fmt.Errorf("vsr: propose: %w", err)
	}

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle applies an incoming Raft message from a peer.
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node) IsLeader() bool     { return n.underlying.Status().Lead == n.ID }
func (n *Node) LeaderAddr() string { return n.Peers[n.underlying.Status().Lead] }
func (n *Node) LeaderID() uint64   { return n.underlying.Status().Lead }

// Stop tears down the node, failing any proposal still awaiting apply.
func (n *Node) Stop() error {
	slog.Info("vsr: stopping node", "id", n.ID)
	n.underlying.Stop()
	n.stop()

	n.proposalsMu.Lock()
	for _, ch := range n.proposals {
		select {
		case ch <- fmt.Errorf("vsr: node stopped"):
		default:
		}
		close(ch)
	}
	n.proposalsMu.Unlock()

	slog.Info("vsr: node stopped", "id", n.ID)
	return nil
}
