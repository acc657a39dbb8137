package hierarchy

// EdgeState is the captured placement of one child. Attached is false when the
// child had no edge at capture time.
type EdgeState struct {
	ChildID  string
	ParentID string
	Order    float64
	Attached bool
}

// CaptureEdges records where each of ids currently sits.
func (t *Tree) CaptureEdges(ids ...string) []EdgeState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]EdgeState, 0, len(ids))
	for _, id := range ids {
		s := EdgeState{ChildID: id}
		if list, i := t.locate(id); i >= 0 {
			s.ParentID = t.parents[id]
			s.Order = list[i].Order
			s.Attached = true
		}
		out = append(out, s)
	}
	return out
}

// RestoreEdges puts every captured child back at its recorded parent and
// order, detaching children that had no edge. Edges of other children are
// left alone, and a child's own subtree moves with it.
func (t *Tree) RestoreEdges(states []EdgeState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range states {
		if p, ok := t.parents[s.ChildID]; ok {
			t.remove(p, s.ChildID)
		}
	}
	for _, s := range states {
		if s.Attached {
			t.insert(s.ParentID, s.ChildID, s.Order)
		}
	}
}

// Snapshot is an immutable deep copy of a tree's state.
type Snapshot struct {
	children map[string][]ChildOrder
	parents  map[string]string
}

// Len returns the number of edges captured.
func (s Snapshot) Len() int {
	return len(s.parents)
}

// Snapshot captures the entire tree.
func (t *Tree) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		children: copyChildren(t.children),
		parents:  copyParents(t.parents),
	}
}

// Restore replaces the tree's state with s. The snapshot stays reusable.
// Everything changed since the snapshot is discarded; use RestoreEdges to
// undo a single operation while others are in flight.
func (t *Tree) Restore(s Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.children = copyChildren(s.children)
	t.parents = copyParents(s.parents)
}

func copyChildren(src map[string][]ChildOrder) map[string][]ChildOrder {
	dst := make(map[string][]ChildOrder, len(src))
	for p, list := range src {
		dst[p] = append([]ChildOrder(nil), list...)
	}
	return dst
}

func copyParents(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for c, p := range src {
		dst[c] = p
	}
	return dst
}
