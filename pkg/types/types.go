package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is the monotonically increasing operation number driven by the
// replica layer: it is the Forest's "op" passed into compact(op), and also
// the WAL/memtable sequence number.
type SeqN = uint64

// TreeID is the small globally unique integer naming a tree within the
// forest. Valid range is [1, 1<<16).
type TreeID = uint16

// Level is an LSM level index, level_b in [0, lsm_levels).
type Level = int

// TimestampMs is a millisecond-precision timestamp for time-based policies.
type TimestampMs int64

// NodeID identifies a node in the replica group.
type NodeID string

// Term and LogIndex are used by the consensus/replication layer.
type Term uint64

type LogIndex uint64
