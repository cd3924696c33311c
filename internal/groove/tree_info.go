// Package groove implements the forest's typed object collections: each
// groove decomposes into an object tree, an optional id tree, and a fixed
// set of named secondary-index trees (spec.md §3, "Groove").
package groove

import "forestdb/pkg/types"

// Kind tags which tree within a groove a TreeInfo describes.
type Kind uint8

const (
	KindObjects Kind = iota
	KindIDs
	KindIndex
)

func (k Kind) String() string {
	switch k {
	case KindObjects:
		return "objects"
	case KindIDs:
		return "ids"
	case KindIndex:
		return "index"
	default:
		return "unknown"
	}
}

// TreeInfo is the compile-time-equivalent descriptor fixed at registry
// construction: { tree_id, tree_name, groove_name, kind } (spec.md §3).
type TreeInfo struct {
	TreeID     types.TreeID
	TreeName   string
	GrooveName string
	Kind       Kind
	// IndexName is set only when Kind == KindIndex.
	IndexName string
}

// Descriptor is the caller-supplied, pre-registration shape of one groove:
// its object tree, optional id tree, and named index trees. The forest
// builds its runtime TreeInfo registry from a slice of these at startup —
// the Go analogue of the teacher's compile-time comptime groove
// construction (spec.md §9, "Compile-time grooves → runtime registry").
type Descriptor struct {
	Name string

	ObjectTreeID types.TreeID

	HasIDTree bool
	IDTreeID  types.TreeID

	Indexes []IndexDescriptor
}

// IndexDescriptor names one secondary-index tree within a groove.
type IndexDescriptor struct {
	Name   string
	TreeID types.TreeID
}
