package groove

import (
	"fmt"
	"sort"

	"forestdb/internal/lsmtree"
	"forestdb/pkg/dberrors"
	"forestdb/pkg/types"
)

// Groove is a named, typed collection: an object tree, an optional id
// tree, and a fixed set of named secondary-index trees (spec.md §3).
type Groove struct {
	Name    string
	Objects *lsmtree.Tree
	IDs     *lsmtree.Tree // nil when the descriptor had no id tree
	Indexes map[string]*lsmtree.Tree

	busy bool
}

// OpenCommence and OpenComplete bracket manifest replay for this groove
// (spec.md §4.1, "open"). Between them the groove is mid-bar and
// AssertBetweenBars must not be called.
func (g *Groove) OpenCommence() { g.busy = true }
func (g *Groove) OpenComplete() { g.busy = false }

// AssertBetweenBars panics if called while the groove is mid-bar —
// checkpoint's precondition (spec.md §4.1, "checkpoint").
func (g *Groove) AssertBetweenBars() {
	if g.busy {
		panic("groove: assert_between_bars violated: groove is mid-bar")
	}
}

// Compact runs this groove's synchronous per-beat bookkeeping, called
// once per beat from Forest.compact_callback once the pipeline-driven
// work is fully acknowledged.
func (g *Groove) Compact(op types.SeqN) {}

// Registry is the forest's compile-time-equivalent tree directory: a dense
// array indexed by tree_id - tree_id_min, giving O(1) tree_for_id lookups
// (spec.md §4.3).
type Registry struct {
	treeIDMin types.TreeID
	treeIDMax types.TreeID

	infos  []TreeInfo          // dense, index = tree_id - treeIDMin
	trees  []*lsmtree.Tree     // parallel to infos
	groove map[string]*Groove
}

// NewRegistry builds the tree registry from descs, allocating one
// lsmtree.Tree per declared tree. It asserts the uniqueness and
// contiguity invariants of spec.md §3 (TreeInfo) at construction time —
// the startup-assertion equivalent of the teacher's compile-time checks
// (spec.md §9, "Compile-time grooves → runtime registry").
func NewRegistry(descs []Descriptor, lsmLevels int, bloomExpected uint32, bloomFPRate float64, cacheCapacity int) (*Registry, error) {
	type pending struct {
		info TreeInfo
	}
	var all []pending

	for _, d := range descs {
		if d.Name == "" {
			return nil, fmt.Errorf("groove descriptor missing name")
		}
		all = append(all, pending{TreeInfo{TreeID: d.ObjectTreeID, TreeName: d.Name + ".objects", GrooveName: d.Name, Kind: KindObjects}})
		if d.HasIDTree {
			all = append(all, pending{TreeInfo{TreeID: d.IDTreeID, TreeName: d.Name + ".ids", GrooveName: d.Name, Kind: KindIDs}})
		}
		for _, idx := range d.Indexes {
			all = append(all, pending{TreeInfo{TreeID: idx.TreeID, TreeName: d.Name + "." + idx.Name, GrooveName: d.Name, Kind: KindIndex, IndexName: idx.Name}})
		}
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("no trees declared")
	}

	seen := make(map[types.TreeID]bool, len(all))
	min, max := all[0].info.TreeID, all[0].info.TreeID
	for _, p := range all {
		if p.info.TreeID == 0 {
			return nil, fmt.Errorf("tree_id 0 is reserved, got it for %s", p.info.TreeName)
		}
		if seen[p.info.TreeID] {
			return nil, fmt.Errorf("duplicate tree_id %d (%s)", p.info.TreeID, p.info.TreeName)
		}
		seen[p.info.TreeID] = true
		if p.info.TreeID < min {
			min = p.info.TreeID
		}
		if p.info.TreeID > max {
			max = p.info.TreeID
		}
	}

	// Contiguity: every integer in [min, max] must be assigned.
	for id := min; id <= max; id++ {
		if !seen[id] {
			return nil, fmt.Errorf("tree_id set not contiguous: %d is unassigned in [%d, %d]", id, min, max)
		}
		if id == max {
			break // avoid uint16 overflow wraparound when max == maxTreeID
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].info.TreeID < all[j].info.TreeID })

	r := &Registry{
		treeIDMin: min,
		treeIDMax: max,
		infos:     make([]TreeInfo, int(max-min)+1),
		trees:     make([]*lsmtree.Tree, int(max-min)+1),
		groove:    make(map[string]*Groove),
	}

	for _, d := range descs {
		r.groove[d.Name] = &Groove{Name: d.Name, Indexes: make(map[string]*lsmtree.Tree)}
	}

	for _, p := range all {
		idx := int(p.info.TreeID - min)
		r.infos[idx] = p.info
		tree := lsmtree.NewTree(p.info.TreeID, lsmLevels, bloomExpected, bloomFPRate, cacheCapacity)
		r.trees[idx] = tree

		g := r.groove[p.info.GrooveName]
		switch p.info.Kind {
		case KindObjects:
			g.Objects = tree
		case KindIDs:
			g.IDs = tree
		case KindIndex:
			g.Indexes[p.info.IndexName] = tree
		}
	}

	return r, nil
}

// TreeForID performs the sole supported dispatch from a raw tree_id (e.g.
// during manifest replay) to its TreeInfo and backing Tree, in O(1)
// (spec.md §4.1, §4.3).
func (r *Registry) TreeForID(id types.TreeID) (TreeInfo, *lsmtree.Tree, error) {
	if id < r.treeIDMin || id > r.treeIDMax {
		return TreeInfo{}, nil, fmt.Errorf("tree_id %d out of range [%d, %d]: %w", id, r.treeIDMin, r.treeIDMax, dberrors.ErrUnknownTreeID)
	}
	idx := int(id - r.treeIDMin)
	info := r.infos[idx]
	if info.TreeID != id {
		return TreeInfo{}, nil, fmt.Errorf("tree_id %d unassigned slot: %w", id, dberrors.ErrUnknownTreeID)
	}
	return info, r.trees[idx], nil
}

// Groove returns the named groove, or nil if it was never declared.
func (r *Registry) Groove(name string) *Groove {
	return r.groove[name]
}

// AllTreeInfos returns every declared TreeInfo in ascending tree_id order.
func (r *Registry) AllTreeInfos() []TreeInfo {
	out := make([]TreeInfo, 0, len(r.infos))
	for _, info := range r.infos {
		if info.TreeID != 0 {
			out = append(out, info)
		}
	}
	return out
}

// AllTrees returns every backing Tree, in the same order as AllTreeInfos.
func (r *Registry) AllTrees() []*lsmtree.Tree {
	out := make([]*lsmtree.Tree, 0, len(r.trees))
	for _, t := range r.trees {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// TreeIDMin and TreeIDMax bound the contiguous tree_id range.
func (r *Registry) TreeIDMin() types.TreeID { return r.treeIDMin }
func (r *Registry) TreeIDMax() types.TreeID { return r.treeIDMax }

// Grooves returns every declared groove, sorted by name.
func (r *Registry) Grooves() []*Groove {
	names := make([]string, 0, len(r.groove))
	for name := range r.groove {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Groove, len(names))
	for i, name := range names {
		out[i] = r.groove[name]
	}
	return out
}
