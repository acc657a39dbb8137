// Package hierarchy implements the structure tree: for every parent the ordered
// list of its children keyed by fractional order values, plus a child-to-parent
// index. It is the only owner of structural edges.
package hierarchy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	apperrors "outliner-backend/internal/errors"
)

// Root is the parent key for top-level nodes.
const Root = ""

const (
	defaultStride = 1.0
	defaultMinGap = 1e-9
)

var (
	ErrAlreadyParented = apperrors.Conflict(apperrors.CodeAlreadyParented.String(), "child already has a different parent").Build()
	ErrCycle           = apperrors.Validation(apperrors.CodeCycleDetected.String(), "move would make a node its own ancestor").Build()
	ErrSelfReference   = apperrors.Validation(apperrors.CodeSelfReference.String(), "node cannot be its own parent").Build()
	ErrEdgeNotFound    = apperrors.NotFound(apperrors.CodeEdgeNotFound.String(), "edge not found").Build()
	ErrSiblingNotFound = apperrors.NotFound(apperrors.CodeSiblingNotFound.String(), "sibling not found under parent").Build()
)

// ChildOrder is one entry of a parent's ordered child list.
type ChildOrder struct {
	ChildID string  `json:"childId"`
	Order   float64 `json:"order"`
}

// Tree is the structure tree. All methods are safe for concurrent use.
type Tree struct {
	mu       sync.RWMutex
	children map[string][]ChildOrder
	parents  map[string]string
	stride   float64
	minGap   float64
	logger   *zap.Logger
}

// Option configures a Tree.
type Option func(*Tree)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tree) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithSpacing sets the re-stride spacing and the smallest usable gap between
// adjacent orders.
func WithSpacing(stride, minGap float64) Option {
	return func(t *Tree) {
		if stride > 0 {
			t.stride = stride
		}
		if minGap > 0 {
			t.minGap = minGap
		}
	}
}

// New creates an empty tree.
func New(opts ...Option) *Tree {
	t := &Tree{
		children: make(map[string][]ChildOrder),
		parents:  make(map[string]string),
		stride:   defaultStride,
		minGap:   defaultMinGap,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Children returns the child IDs of parentID in order, or an empty slice.
func (t *Tree) Children(parentID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	list := t.children[parentID]
	ids := make([]string, len(list))
	for i, c := range list {
		ids[i] = c.ChildID
	}
	return ids
}

// ChildrenWithOrder returns a copy of parentID's ordered entries.
func (t *Tree) ChildrenWithOrder(parentID string) []ChildOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]ChildOrder{}, t.children[parentID]...)
}

// Parent returns the parent of childID. ok is false when the child is not in the tree.
func (t *Tree) Parent(childID string) (parentID string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	parentID, ok = t.parents[childID]
	return parentID, ok
}

// Contains reports whether childID has an edge.
func (t *Tree) Contains(childID string) bool {
	_, ok := t.Parent(childID)
	return ok
}

// Order returns the order of childID under its parent.
func (t *Tree) Order(childID string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.parents[childID]
	if !ok {
		return 0, false
	}
	i := indexOf(t.children[p], childID)
	if i < 0 {
		return 0, false
	}
	return t.children[p][i].Order, true
}

// PreviousSibling returns the sibling immediately before childID, or "" when it is first.
func (t *Tree) PreviousSibling(childID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	list, i := t.locate(childID)
	if i <= 0 {
		return "", i == 0
	}
	return list[i-1].ChildID, true
}

// NextSibling returns the sibling immediately after childID, or "" when it is last.
func (t *Tree) NextSibling(childID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	list, i := t.locate(childID)
	if i < 0 {
		return "", false
	}
	if i == len(list)-1 {
		return "", true
	}
	return list[i+1].ChildID, true
}

// SiblingsAfter returns the IDs of every sibling positioned after childID.
func (t *Tree) SiblingsAfter(childID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	list, i := t.locate(childID)
	if i < 0 {
		return nil
	}
	out := make([]string, 0, len(list)-i-1)
	for _, c := range list[i+1:] {
		out = append(out, c.ChildID)
	}
	return out
}

// Descendants returns every node below id in depth-first pre-order.
func (t *Tree) Descendants(id string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	var walk func(string)
	walk = func(p string) {
		for _, c := range t.children[p] {
			out = append(out, c.ChildID)
			walk(c.ChildID)
		}
	}
	walk(id)
	return out
}

// IsAncestor reports whether ancestorID is on the parent chain of id.
func (t *Tree) IsAncestor(ancestorID, id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isAncestor(ancestorID, id)
}

// AddChild inserts childID under parentID at order. A child already under the
// same parent is repositioned. A child owned by a different parent is refused
// with ErrAlreadyParented; use MoveRelationship to re-parent.
func (t *Tree) AddChild(parentID, childID string, order float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if parentID == childID {
		return ErrSelfReference
	}
	if current, ok := t.parents[childID]; ok {
		if current != parentID {
			t.logger.Warn("Refusing to add child owned by another parent",
				zap.String("child_id", childID),
				zap.String("parent_id", parentID),
				zap.String("current_parent_id", current),
			)
			return ErrAlreadyParented
		}
		i := indexOf(t.children[parentID], childID)
		if i >= 0 && t.children[parentID][i].Order == order {
			return nil
		}
		t.remove(parentID, childID)
	}
	if parentID != Root && t.isAncestor(childID, parentID) {
		return ErrCycle
	}

	t.insert(parentID, childID, order)
	return nil
}

// RemoveChild drops the edge parentID -> childID. Parents left without children
// are removed entirely. It reports whether an edge was removed.
func (t *Tree) RemoveChild(parentID, childID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.parents[childID]; !ok || p != parentID {
		return false
	}
	t.remove(parentID, childID)
	return true
}

// MoveRelationship atomically moves childID from oldParentID to newParentID.
// A nil order places the child last: the last sibling's order plus the stride,
// or the stride itself under an empty parent.
func (t *Tree) MoveRelationship(oldParentID, newParentID, childID string, order *float64) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if newParentID == childID {
		return 0, ErrSelfReference
	}
	if p, ok := t.parents[childID]; !ok || p != oldParentID {
		return 0, ErrEdgeNotFound
	}
	if newParentID != Root && t.isAncestor(childID, newParentID) {
		return 0, ErrCycle
	}

	t.remove(oldParentID, childID)

	var o float64
	if order != nil {
		o = *order
	} else {
		o = t.nextOrder(newParentID)
	}
	t.insert(newParentID, childID, o)
	return o, nil
}

// OrderBetween returns an order strictly between the orders of beforeID and afterID
// under parentID. Either may be empty for an open end. When the midpoint can no
// longer be told apart from a neighbour the parent is re-strided first; the
// re-ordered entries are returned so callers can propagate them.
func (t *Tree) OrderBetween(parentID, beforeID, afterID string) (float64, []ChildOrder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok, err := t.between(parentID, beforeID, afterID)
	if err != nil {
		return 0, nil, err
	}
	if ok {
		return order, nil, nil
	}

	rebalanced := t.rebalance(parentID)
	t.logger.Info("Re-strided children after order precision exhaustion",
		zap.String("parent_id", parentID),
		zap.Int("children", len(rebalanced)),
	)
	order, _, err = t.between(parentID, beforeID, afterID)
	return order, rebalanced, err
}

// OrderAfter returns an order placing a new node immediately after siblingID.
func (t *Tree) OrderAfter(parentID, siblingID string) (float64, []ChildOrder, error) {
	next, ok := t.NextSibling(siblingID)
	if !ok {
		return 0, nil, ErrSiblingNotFound
	}
	return t.OrderBetween(parentID, siblingID, next)
}

// OrderBefore returns an order placing a new node immediately before siblingID.
func (t *Tree) OrderBefore(parentID, siblingID string) (float64, []ChildOrder, error) {
	prev, ok := t.PreviousSibling(siblingID)
	if !ok {
		return 0, nil, ErrSiblingNotFound
	}
	return t.OrderBetween(parentID, prev, siblingID)
}

// Rebalance re-strides every child of parentID to stride, 2*stride, ... keeping
// their relative order, and returns the new entries.
func (t *Tree) Rebalance(parentID string) []ChildOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rebalance(parentID)
}

// Len returns the number of edges.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.parents)
}

// Validate checks that the parent index agrees with the child lists, that
// every child appears once with non-decreasing orders, and that no node is its
// own ancestor.
func (t *Tree) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var errs []error
	seen := make(map[string]string, len(t.parents))
	for p, list := range t.children {
		if len(list) == 0 {
			errs = append(errs, fmt.Errorf("parent %q has an empty child list", p))
		}
		for i, c := range list {
			if prev, dup := seen[c.ChildID]; dup {
				errs = append(errs, fmt.Errorf("child %q listed under %q and %q", c.ChildID, prev, p))
			}
			seen[c.ChildID] = p
			if t.parents[c.ChildID] != p {
				errs = append(errs, fmt.Errorf("child %q indexed under %q but listed under %q", c.ChildID, t.parents[c.ChildID], p))
			}
			if i > 0 && list[i-1].Order > c.Order {
				errs = append(errs, fmt.Errorf("children of %q out of order at %q", p, c.ChildID))
			}
		}
	}
	if len(seen) != len(t.parents) {
		errs = append(errs, fmt.Errorf("parent index has %d entries, child lists have %d", len(t.parents), len(seen)))
	}
	for child := range t.parents {
		if t.isAncestor(child, t.parents[child]) || t.parents[child] == child {
			errs = append(errs, fmt.Errorf("node %q is its own ancestor", child))
		}
	}
	return errors.Join(errs...)
}

func (t *Tree) locate(childID string) ([]ChildOrder, int) {
	p, ok := t.parents[childID]
	if !ok {
		return nil, -1
	}
	list := t.children[p]
	return list, indexOf(list, childID)
}

// isAncestor walks up from id. The walk is bounded by the number of edges so a
// corrupted index cannot loop forever.
func (t *Tree) isAncestor(ancestorID, id string) bool {
	cur := id
	for steps := 0; steps <= len(t.parents); steps++ {
		if cur == ancestorID {
			return true
		}
		p, ok := t.parents[cur]
		if !ok || p == Root {
			return false
		}
		cur = p
	}
	return true
}

func (t *Tree) insert(parentID, childID string, order float64) {
	list := t.children[parentID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Order > order })
	list = append(list, ChildOrder{})
	copy(list[i+1:], list[i:])
	list[i] = ChildOrder{ChildID: childID, Order: order}
	t.children[parentID] = list
	t.parents[childID] = parentID
}

func (t *Tree) remove(parentID, childID string) {
	list := t.children[parentID]
	if i := indexOf(list, childID); i >= 0 {
		list = append(list[:i], list[i+1:]...)
	}
	if len(list) == 0 {
		delete(t.children, parentID)
	} else {
		t.children[parentID] = list
	}
	delete(t.parents, childID)
}

func (t *Tree) nextOrder(parentID string) float64 {
	list := t.children[parentID]
	if len(list) == 0 {
		return t.stride
	}
	return list[len(list)-1].Order + t.stride
}

// between reports ok=false when the gap is exhausted.
func (t *Tree) between(parentID, beforeID, afterID string) (float64, bool, error) {
	list := t.children[parentID]

	lookup := func(id string) (float64, error) {
		i := indexOf(list, id)
		if i < 0 {
			return 0, ErrSiblingNotFound
		}
		return list[i].Order, nil
	}

	switch {
	case beforeID == "" && afterID == "":
		return t.nextOrder(parentID), true, nil
	case afterID == "":
		lo, err := lookup(beforeID)
		if err != nil {
			return 0, false, err
		}
		return lo + t.stride, true, nil
	case beforeID == "":
		hi, err := lookup(afterID)
		if err != nil {
			return 0, false, err
		}
		return hi - t.stride, true, nil
	}

	lo, err := lookup(beforeID)
	if err != nil {
		return 0, false, err
	}
	hi, err := lookup(afterID)
	if err != nil {
		return 0, false, err
	}
	mid := lo + (hi-lo)/2
	if hi-lo < t.minGap || mid <= lo || mid >= hi {
		return mid, false, nil
	}
	return mid, true, nil
}

func (t *Tree) rebalance(parentID string) []ChildOrder {
	list := t.children[parentID]
	for i := range list {
		list[i].Order = t.stride * float64(i+1)
	}
	return append([]ChildOrder{}, list...)
}

func indexOf(list []ChildOrder, childID string) int {
	for i, c := range list {
		if c.ChildID == childID {
			return i
		}
	}
	return -1
}
