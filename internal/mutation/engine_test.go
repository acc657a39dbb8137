package mutation

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outliner-backend/internal/backend"
	"outliner-backend/internal/cache"
	"outliner-backend/internal/domain/node"
	apperrors "outliner-backend/internal/errors"
	"outliner-backend/internal/events"
	"outliner-backend/internal/hierarchy"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func record(bus *events.Bus) *recorder {
	r := &recorder{}
	bus.Subscribe(events.Wildcard, func(e events.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	})
	return r
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func firstIndex(types []events.Type, t events.Type) int {
	for i, x := range types {
		if x == t {
			return i
		}
	}
	return -1
}

type harness struct {
	engine  *Engine
	backend *backend.MemoryBackend
	bus     *events.Bus
	rec     *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := backend.NewMemoryBackend(nil)
	bus := events.NewBus()
	return &harness{
		engine:  New(hierarchy.New(), cache.New(), b, bus, WithInvariantChecks(true)),
		backend: b,
		bus:     bus,
		rec:     record(bus),
	}
}

// seed stores a sibling chain of text nodes under parent and loads it.
func (h *harness) seed(t *testing.T, parent string, ids ...string) {
	t.Helper()
	ctx := context.Background()
	prev := ""
	for _, id := range ids {
		_, err := h.backend.CreateNode(ctx, &node.Node{
			ID:              id,
			NodeType:        node.TypeText,
			Content:         id,
			ParentID:        node.Ptr(parent),
			BeforeSiblingID: node.Ptr(prev),
		})
		require.NoError(t, err)
		prev = id
	}
	_, err := h.engine.LoadChildren(ctx, parent)
	require.NoError(t, err)
	h.rec.reset()
}

func (h *harness) stored(t *testing.T, id string) *node.Node {
	t.Helper()
	n, err := h.backend.GetNode(context.Background(), id)
	require.NoError(t, err)
	return n
}

func (h *harness) storedChildren(t *testing.T, parent string) []string {
	t.Helper()
	kids, err := h.backend.ListChildren(context.Background(), parent)
	require.NoError(t, err)
	ids := make([]string, 0, len(kids))
	for _, k := range kids {
		ids = append(ids, k.ID)
	}
	return ids
}

func (h *harness) operation(t *testing.T, name string) Operation {
	t.Helper()
	ops := h.engine.Operations()
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].Name == name {
			return ops[i]
		}
	}
	t.Fatalf("no %s operation recorded", name)
	return Operation{}
}

func failOn(op string) backend.Hook {
	return func(_ context.Context, called, _ string) error {
		if called == op {
			return apperrors.Persistence(apperrors.CodeBackendFailure.String(), "disk full").Build()
		}
		return nil
	}
}

func TestCreateNodeAfterSiblingTakesItsChildren(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A", "C")
	h.seed(t, "A", "a1", "a2")
	ctx := context.Background()

	id, err := h.engine.CreateNode(ctx, CreateNodeInput{AfterNodeID: "A", Content: "new", NodeType: node.TypeText})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", id, "C"}, h.engine.Children(""))
	assert.Equal(t, []string{"a1", "a2"}, h.engine.Children(id))
	assert.Empty(t, h.engine.Children("A"))
	assert.False(t, h.engine.IsPlaceholder(id))

	stored := h.stored(t, id)
	require.NotNil(t, stored)
	assert.Equal(t, "A", stored.BeforeSibling())
	assert.Equal(t, id, h.stored(t, "C").BeforeSibling())
	assert.Equal(t, id, h.stored(t, "a1").Parent())
	assert.Equal(t, []string{"a1", "a2"}, h.storedChildren(t, id))

	types := h.rec.types()
	created := firstIndex(types, events.NodeCreated)
	changed := firstIndex(types, events.HierarchyChanged)
	invalidated := firstIndex(types, events.CacheInvalidate)
	require.True(t, created >= 0 && changed >= 0 && invalidated >= 0, "missing events: %v", types)
	assert.Less(t, created, changed)
	assert.Less(t, changed, invalidated)

	assert.Equal(t, StateCommitted, h.operation(t, "createNode").State)
}

func TestCreateNodeAtBeginningKeepsChildren(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A")
	h.seed(t, "A", "a1")

	id, err := h.engine.CreateNode(context.Background(), CreateNodeInput{
		AfterNodeID:       "A",
		NodeType:          node.TypeText,
		InsertAtBeginning: true,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{id, "A"}, h.engine.Children(""))
	assert.Equal(t, []string{"a1"}, h.engine.Children("A"))
	assert.Empty(t, h.engine.Children(id))
	assert.Equal(t, id, h.stored(t, "A").BeforeSibling())
}

func TestCreateNodeValidation(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A")
	ctx := context.Background()

	tests := []struct {
		name   string
		input  CreateNodeInput
		assert func(error) bool
	}{
		{
			name:   "unknown node type",
			input:  CreateNodeInput{AfterNodeID: "A", NodeType: "widget"},
			assert: apperrors.IsValidation,
		},
		{
			name:   "missing anchor",
			input:  CreateNodeInput{NodeType: node.TypeText},
			assert: apperrors.IsValidation,
		},
		{
			name:   "blank task",
			input:  CreateNodeInput{AfterNodeID: "A", NodeType: node.TypeTask},
			assert: apperrors.IsValidation,
		},
		{
			name:   "unknown anchor",
			input:  CreateNodeInput{AfterNodeID: "ghost", NodeType: node.TypeText},
			assert: apperrors.IsNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.CreateNode(ctx, tt.input)
			require.Error(t, err)
			assert.True(t, tt.assert(err), "unexpected error: %v", err)
			assert.Equal(t, []string{"A"}, h.engine.Children(""))
		})
	}
}

func TestPlaceholderPersistenceIsDeferredUntilContent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "X")
	ctx := context.Background()

	id, err := h.engine.CreatePlaceholderNode(ctx, CreateNodeInput{
		AfterNodeID:       "X",
		NodeType:          node.TypeText,
		InsertAtBeginning: true,
	})
	require.NoError(t, err)

	assert.True(t, h.engine.IsPlaceholder(id))
	assert.Equal(t, []string{id, "X"}, h.engine.Children(""))
	assert.Nil(t, h.stored(t, id), "placeholder must not reach the backend")
	x := h.stored(t, "X")
	assert.Equal(t, "", x.BeforeSibling(), "persisted pointer must not reference the placeholder")
	assert.Equal(t, int64(1), x.Version)
	for _, c := range h.backend.Calls() {
		assert.NotEqual(t, id, c.ID, "backend saw placeholder in %s", c.Op)
	}

	// Blank content keeps it local.
	require.NoError(t, h.engine.UpdateNodeContent(ctx, id, "   "))
	assert.True(t, h.engine.IsPlaceholder(id))
	assert.Nil(t, h.stored(t, id))

	require.NoError(t, h.engine.UpdateNodeContent(ctx, id, "now real"))
	assert.False(t, h.engine.IsPlaceholder(id))

	p := h.stored(t, id)
	require.NotNil(t, p)
	assert.Equal(t, "now real", p.Content)
	assert.Equal(t, "", p.BeforeSibling())
	assert.Equal(t, id, h.stored(t, "X").BeforeSibling())
	assert.Equal(t, []string{id, "X"}, h.storedChildren(t, ""))

	statuses := h.rec.ofType(events.NodeStatusChanged)
	require.NotEmpty(t, statuses)
	last := statuses[len(statuses)-1].Payload.(events.NodeStatusChangedPayload)
	assert.Equal(t, events.NodeStatusSaved, last.Status)
}

func TestPlaceholderParentDefersTakenOverChildren(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A")
	h.seed(t, "A", "a1")
	ctx := context.Background()

	id, err := h.engine.CreatePlaceholderNode(ctx, CreateNodeInput{AfterNodeID: "A", NodeType: node.TypeText})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, h.engine.Children(id))
	assert.Equal(t, "A", h.stored(t, "a1").Parent(), "child stays under its persisted parent while the new one is local")

	require.NoError(t, h.engine.UpdateNodeContent(ctx, id, "continued"))
	assert.Equal(t, id, h.stored(t, "a1").Parent())
	assert.Equal(t, []string{"a1"}, h.storedChildren(t, id))
}

func TestUpdateNodeContent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A")
	ctx := context.Background()

	require.NoError(t, h.engine.UpdateNodeContent(ctx, "A", "edited"))
	assert.Equal(t, "edited", h.engine.Node("A").Content)
	assert.Equal(t, int64(2), h.engine.Node("A").Version)
	assert.Equal(t, "edited", h.stored(t, "A").Content)

	updated := h.rec.ofType(events.NodeUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, events.UpdateContent, updated[0].Payload.(events.NodeUpdatedPayload).UpdateType)

	assert.True(t, apperrors.IsNotFound(h.engine.UpdateNodeContent(ctx, "ghost", "x")))
}

func TestUpdateNodeContentRollsBackOnFailure(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A")
	h.backend.SetHook(failOn("updateNode"))

	err := h.engine.UpdateNodeContent(context.Background(), "A", "lost")
	require.Error(t, err)
	assert.Equal(t, "A", h.engine.Node("A").Content)
	assert.Equal(t, StateRolledBack, h.operation(t, "updateNodeContent").State)
}

func TestDeleteRepairsSiblingChain(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A", "B", "C")
	require.Equal(t, "B", h.stored(t, "C").BeforeSibling())

	require.NoError(t, h.engine.DeleteNode(context.Background(), "B"))

	assert.Equal(t, []string{"A", "C"}, h.engine.Children(""))
	assert.Nil(t, h.engine.Node("B"))
	assert.Nil(t, h.stored(t, "B"))
	assert.Equal(t, "A", h.stored(t, "C").BeforeSibling())
	assert.Equal(t, "A", h.engine.Node("C").BeforeSibling())

	types := h.rec.types()
	deleted := firstIndex(types, events.NodeDeleted)
	changed := firstIndex(types, events.HierarchyChanged)
	invalidated := firstIndex(types, events.CacheInvalidate)
	assert.Less(t, deleted, changed)
	assert.Less(t, changed, invalidated)
	scope := h.rec.ofType(events.CacheInvalidate)[0].Payload.(events.CacheInvalidatePayload).Scope
	assert.Equal(t, events.ScopeGlobal, scope)
}

func TestDeleteRemovesSubtree(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A", "B")
	h.seed(t, "A", "a1", "a2")
	h.seed(t, "a1", "x")

	require.NoError(t, h.engine.DeleteNode(context.Background(), "A"))

	for _, id := range []string{"A", "a1", "a2", "x"} {
		assert.Nil(t, h.stored(t, id), id)
		assert.Nil(t, h.engine.Node(id), id)
	}
	assert.Equal(t, []string{"B"}, h.engine.Children(""))
	assert.Equal(t, "", h.stored(t, "B").BeforeSibling())
	assert.Len(t, h.rec.ofType(events.NodeDeleted), 4)
}

func TestIndentNode(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A", "B", "C")
	ctx := context.Background()

	ok, err := h.engine.IndentNode(ctx, "A")
	require.NoError(t, err)
	assert.False(t, ok, "first child has nothing to indent under")

	ok, err = h.engine.IndentNode(ctx, "B")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{"A", "C"}, h.engine.Children(""))
	assert.Equal(t, []string{"B"}, h.engine.Children("A"))
	assert.Equal(t, "A", h.stored(t, "B").Parent())
	assert.Equal(t, "", h.stored(t, "B").BeforeSibling())
	assert.Equal(t, "A", h.stored(t, "C").BeforeSibling())

	changes := h.rec.ofType(events.HierarchyChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, events.ChangeIndent, changes[0].Payload.(events.HierarchyChangedPayload).ChangeType)

	_, err = h.engine.IndentNode(ctx, "ghost")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestOutdentAdoptsTrailingSiblings(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "P", "Q")
	h.seed(t, "P", "x", "y", "z")
	h.seed(t, "y", "y1")
	ctx := context.Background()

	ok, err := h.engine.OutdentNode(ctx, "y")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, []string{"P", "y", "Q"}, h.engine.Children(""))
	assert.Equal(t, []string{"x"}, h.engine.Children("P"))
	assert.Equal(t, []string{"y1", "z"}, h.engine.Children("y"))

	assert.Equal(t, []string{"P", "y", "Q"}, h.storedChildren(t, ""))
	assert.Equal(t, []string{"y1", "z"}, h.storedChildren(t, "y"))
	assert.Equal(t, "y1", h.stored(t, "z").BeforeSibling())

	ok, err = h.engine.OutdentNode(ctx, "P")
	require.NoError(t, err)
	assert.False(t, ok, "top-level nodes cannot be outdented")
}

func TestIndentThenOutdentIsSerialized(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A", "B")
	ctx := context.Background()

	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	h.backend.SetHook(func(_ context.Context, op, id string) error {
		if op != "setParent" || id != "B" {
			return nil
		}
		first := false
		once.Do(func() { first = true })
		if first {
			close(entered)
			<-unblock
		}
		return nil
	})

	var (
		wg                  sync.WaitGroup
		indented, outdented bool
		indentErr, outErr   error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		indented, indentErr = h.engine.IndentNode(ctx, "B")
	}()
	<-entered
	assert.True(t, h.engine.HasPendingOperation("B"))

	wg.Add(1)
	go func() {
		defer wg.Done()
		outdented, outErr = h.engine.OutdentNode(ctx, "B")
	}()
	require.Eventually(t, func() bool { return h.engine.gate.waiters("B") == 1 }, time.Second, time.Millisecond)
	close(unblock)
	wg.Wait()

	require.NoError(t, indentErr)
	require.NoError(t, outErr)
	assert.True(t, indented)
	assert.True(t, outdented, "outdent must see the committed indent")

	indent := h.operation(t, "indentNode")
	outdent := h.operation(t, "outdentNode")
	assert.Equal(t, StateCommitted, indent.State)
	assert.Equal(t, StateCommitted, outdent.State)
	assert.False(t, outdent.StartedAt.Before(indent.FinishedAt), "outdent started before indent finished")

	assert.NoError(t, h.engine.tree.Validate())
	assert.Equal(t, []string{"A", "B"}, h.engine.Children(""))
	assert.Empty(t, h.engine.Children("A"))
	assert.Equal(t, "", h.stored(t, "B").Parent())
	assert.Equal(t, "A", h.stored(t, "B").BeforeSibling())
}

func TestStructuralFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A", "B", "C")
	h.backend.SetHook(failOn("setParent"))
	ctx := context.Background()

	ok, err := h.engine.IndentNode(ctx, "B")
	require.NoError(t, err, "structural failures are reported on the bus")
	assert.False(t, ok)

	assert.Equal(t, []string{"A", "B", "C"}, h.engine.Children(""))
	assert.Empty(t, h.engine.Children("A"))
	assert.Equal(t, "", h.engine.Node("B").Parent())
	assert.Equal(t, "A", h.engine.Node("B").BeforeSibling())

	failed := h.rec.ofType(events.SyncFailed)
	require.Len(t, failed, 1)
	payload := failed[0].Payload.(events.SyncFailedPayload)
	assert.Equal(t, "indentNode", payload.Operation)
	assert.Equal(t, "B", payload.NodeID)
	assert.True(t, payload.Retryable)
	assert.Equal(t, string(apperrors.ErrorTypePersistence), payload.ErrorType)
	assert.NotEmpty(t, payload.Message)

	op := h.operation(t, "indentNode")
	assert.Equal(t, StateRolledBack, op.State)
	assert.Error(t, op.Err)
}

func TestCreateNodeRollsBackOnBackendRejection(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A", "B")
	h.backend.SetHook(failOn("createNode"))

	_, err := h.engine.CreateNode(context.Background(), CreateNodeInput{AfterNodeID: "A", Content: "x", NodeType: node.TypeText})
	require.Error(t, err)

	op := h.operation(t, "createNode")
	assert.Equal(t, StateRolledBack, op.State)
	assert.Nil(t, h.engine.Node(op.NodeID))
	assert.Equal(t, []string{"A", "B"}, h.engine.Children(""))
	assert.Len(t, h.rec.ofType(events.SyncFailed), 1)
}

func TestRollbackKeepsConcurrentCommitOnOtherNode(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A", "B", "C", "D")
	ctx := context.Background()

	entered := make(chan struct{})
	unblock := make(chan struct{})
	h.backend.SetHook(func(_ context.Context, op, id string) error {
		if op != "setParent" || id != "B" {
			return nil
		}
		close(entered)
		<-unblock
		return apperrors.Persistence(apperrors.CodeBackendFailure.String(), "disk full").Build()
	})

	var (
		wg      sync.WaitGroup
		indentB bool
		errB    error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		indentB, errB = h.engine.IndentNode(ctx, "B")
	}()
	<-entered

	indentD, err := h.engine.IndentNode(ctx, "D")
	require.NoError(t, err)
	require.True(t, indentD)

	close(unblock)
	wg.Wait()
	require.NoError(t, errB)
	assert.False(t, indentB)

	assert.NoError(t, h.engine.tree.Validate())
	assert.Equal(t, []string{"A", "B", "C"}, h.engine.Children(""))
	assert.Empty(t, h.engine.Children("A"))
	assert.Equal(t, []string{"D"}, h.engine.Children("C"))
	assert.Equal(t, "C", h.engine.Node("D").Parent())
	assert.Equal(t, "", h.engine.Node("B").Parent())
	assert.Equal(t, "B", h.engine.Node("C").BeforeSibling())

	assert.Equal(t, []string{"A", "B", "C"}, h.storedChildren(t, ""))
	assert.Equal(t, []string{"D"}, h.storedChildren(t, "C"))

	states := map[string]State{}
	for _, op := range h.engine.Operations() {
		states[op.NodeID] = op.State
	}
	assert.Equal(t, StateRolledBack, states["B"])
	assert.Equal(t, StateCommitted, states["D"])
}

func TestFailedRelinkRevertsEarlierWrites(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A", "B", "C")
	h.backend.SetHook(func(_ context.Context, op, id string) error {
		if op == "setParent" && id == "B" {
			return apperrors.Persistence(apperrors.CodeBackendFailure.String(), "disk full").Build()
		}
		return nil
	})
	ctx := context.Background()

	ok, err := h.engine.IndentNode(ctx, "B")
	require.NoError(t, err)
	assert.False(t, ok)

	var cWrites int
	for _, c := range h.backend.Calls() {
		if c.Op == "setParent" && c.ID == "C" {
			cWrites++
		}
	}
	assert.Equal(t, 2, cWrites, "the successor is written and then reverted")

	assert.Equal(t, "A", h.stored(t, "B").BeforeSibling())
	assert.Equal(t, "B", h.stored(t, "C").BeforeSibling())
	assert.Equal(t, []string{"A", "B", "C"}, h.storedChildren(t, ""))
	assert.Equal(t, []string{"A", "B", "C"}, h.engine.Children(""))

	h.backend.SetHook(nil)
	ok, err = h.engine.IndentNode(ctx, "B")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", h.stored(t, "B").Parent())
	assert.Equal(t, "A", h.stored(t, "C").BeforeSibling())
}

func TestFailedDeleteRestoresRemovedRows(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A", "B", "C")
	h.seed(t, "B", "b1", "b2")
	h.backend.SetHook(func(_ context.Context, op, id string) error {
		if op == "deleteNode" && id == "B" {
			return apperrors.Persistence(apperrors.CodeBackendFailure.String(), "disk full").Build()
		}
		return nil
	})
	ctx := context.Background()

	err := h.engine.DeleteNode(ctx, "B")
	require.Error(t, err)
	assert.Equal(t, StateRolledBack, h.operation(t, "deleteNode").State)

	assert.Equal(t, []string{"A", "B", "C"}, h.storedChildren(t, ""))
	assert.Equal(t, []string{"b1", "b2"}, h.storedChildren(t, "B"))
	assert.Equal(t, []string{"A", "B", "C"}, h.engine.Children(""))
	assert.Equal(t, []string{"b1", "b2"}, h.engine.Children("B"))
	assert.False(t, h.engine.IsPlaceholder("b1"))

	h.backend.SetHook(nil)
	require.NoError(t, h.engine.DeleteNode(ctx, "B"))
	assert.Equal(t, []string{"A", "C"}, h.storedChildren(t, ""))
	assert.Nil(t, h.stored(t, "b1"))
}

func TestQueuedStructuralOperationsRunInIssueOrder(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A", "B")
	ctx := context.Background()

	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	h.backend.SetHook(func(_ context.Context, op, id string) error {
		if op != "setParent" || id != "B" {
			return nil
		}
		first := false
		once.Do(func() { first = true })
		if first {
			close(entered)
			<-unblock
		}
		return nil
	})

	var wg sync.WaitGroup
	results := make([]bool, 3)
	steps := []func() (bool, error){
		func() (bool, error) { return h.engine.IndentNode(ctx, "B") },
		func() (bool, error) { return h.engine.OutdentNode(ctx, "B") },
		func() (bool, error) { return h.engine.IndentNode(ctx, "B") },
	}
	for i, step := range steps {
		wg.Add(1)
		go func(i int, step func() (bool, error)) {
			defer wg.Done()
			ok, err := step()
			assert.NoError(t, err)
			results[i] = ok
		}(i, step)
		if i == 0 {
			<-entered
			continue
		}
		require.Eventually(t, func() bool { return h.engine.gate.waiters("B") == i }, time.Second, time.Millisecond)
	}
	close(unblock)
	wg.Wait()

	assert.Equal(t, []bool{true, true, true}, results)
	assert.Equal(t, []string{"A"}, h.engine.Children(""))
	assert.Equal(t, []string{"B"}, h.engine.Children("A"))
	assert.Equal(t, "A", h.stored(t, "B").Parent())

	var names []string
	for _, op := range h.engine.Operations() {
		assert.Equal(t, StateCommitted, op.State)
		names = append(names, op.Name)
	}
	assert.Equal(t, []string{"indentNode", "outdentNode", "indentNode"}, names)
}

func TestCombineNodes(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A", "B", "C")
	h.seed(t, "B", "b1")
	ctx := context.Background()

	require.NoError(t, h.engine.CombineNodes(ctx, "B", "A"))

	assert.Equal(t, "AB", h.engine.Node("A").Content)
	assert.Equal(t, "AB", h.stored(t, "A").Content)
	assert.Nil(t, h.stored(t, "B"))
	assert.Equal(t, []string{"A", "C"}, h.engine.Children(""))
	assert.Equal(t, []string{"b1"}, h.engine.Children("A"))
	assert.Equal(t, "A", h.stored(t, "b1").Parent())
	assert.Equal(t, "A", h.stored(t, "C").BeforeSibling())

	assert.True(t, apperrors.IsValidation(h.engine.CombineNodes(ctx, "A", "A")))
	assert.True(t, apperrors.IsNotFound(h.engine.CombineNodes(ctx, "ghost", "A")))
}

func TestMoveNode(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A", "B", "C")
	h.seed(t, "A", "a1")
	ctx := context.Background()

	err := h.engine.MoveNode(ctx, "A", "a1", "")
	assert.True(t, apperrors.IsValidation(err), "moving under a descendant must be rejected")

	require.NoError(t, h.engine.MoveNode(ctx, "C", "", ""))
	assert.Equal(t, []string{"C", "A", "B"}, h.engine.Children(""))
	assert.Equal(t, []string{"C", "A", "B"}, h.storedChildren(t, ""))

	require.NoError(t, h.engine.MoveNode(ctx, "B", "A", "a1"))
	assert.Equal(t, []string{"a1", "B"}, h.engine.Children("A"))
	assert.Equal(t, "a1", h.stored(t, "B").BeforeSibling())

	assert.True(t, apperrors.IsNotFound(h.engine.MoveNode(ctx, "B", "ghost", "")))
}

func TestBulkDeleteNeverAborts(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A", "B", "C")

	res := h.engine.BulkDeleteNodes(context.Background(), []string{"A", "ghost", "C"})

	assert.Equal(t, 2, res.SuccessCount)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "ghost", res.Failures[0].ID)
	assert.NotEmpty(t, res.Failures[0].Error)
	assert.Equal(t, []string{"B"}, h.engine.Children(""))
}

func TestLoadChildrenFromSeveralParents(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A", "B")
	ctx := context.Background()
	for _, n := range []*node.Node{
		{ID: "a1", NodeType: node.TypeText, ParentID: node.Ptr("A")},
		{ID: "a2", NodeType: node.TypeText, ParentID: node.Ptr("A"), BeforeSiblingID: node.Ptr("a1")},
		{ID: "b1", NodeType: node.TypeText, ParentID: node.Ptr("B")},
	} {
		_, err := h.backend.CreateNode(ctx, n)
		require.NoError(t, err)
	}

	loaded, err := h.engine.LoadChildren(ctx, "A", "B")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a1", "a2", "b1"}, loaded)
	assert.Equal(t, []string{"a1", "a2"}, h.engine.Children("A"))
	assert.Equal(t, []string{"b1"}, h.engine.Children("B"))
	assert.False(t, h.engine.IsPlaceholder("a1"))

	again, err := h.engine.LoadChildren(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, again, "unchanged nodes are not reapplied")

	h.backend.SetHook(failOn("listChildren"))
	_, err = h.engine.LoadChildren(ctx, "A")
	assert.Error(t, err)
}

func TestApplyRemoteNodeLastWriteWins(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A")
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	write := func(version int64, content string, at time.Time) bool {
		applied, err := h.engine.ApplyRemoteNode(ctx, &node.Node{
			ID:              "r",
			NodeType:        node.TypeText,
			Content:         content,
			Version:         version,
			ModifiedAt:      at,
			BeforeSiblingID: node.Ptr("A"),
		})
		require.NoError(t, err)
		return applied
	}

	assert.True(t, write(1, "A1", base))
	assert.True(t, write(2, "B", base))
	assert.False(t, write(1, "stale", base.Add(time.Hour)))
	assert.False(t, write(2, "tie, older", base.Add(-time.Minute)))
	assert.True(t, write(2, "tie, newer", base.Add(time.Minute)))

	got := h.engine.Node("r")
	assert.Equal(t, "tie, newer", got.Content)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, []string{"A", "r"}, h.engine.Children(""))

	prov, _ := h.engine.cache.Provenance("r")
	assert.Equal(t, node.ProvenanceSync, prov)
}

func TestApplyRemoteDeleteAndEdges(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "A", "B")
	h.seed(t, "A", "a1")
	ctx := context.Background()

	require.NoError(t, h.engine.ApplyRemoteEdge(ctx, node.Edge{ParentID: "B", ChildID: "a1", Order: 1}))
	assert.Equal(t, []string{"a1"}, h.engine.Children("B"))
	assert.Equal(t, "B", h.engine.Node("a1").Parent())

	err := h.engine.ApplyRemoteEdge(ctx, node.Edge{ParentID: "a1", ChildID: "B", Order: 1})
	assert.Error(t, err, "remote edges that would form a cycle are rejected")

	removed, err := h.engine.ApplyRemoteDelete(ctx, "B")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Nil(t, h.engine.Node("a1"))
	assert.Equal(t, []string{"A"}, h.engine.Children(""))

	for _, e := range h.rec.ofType(events.HierarchyChanged) {
		assert.Equal(t, events.NamespaceSync, e.Namespace)
	}
}

// Random structural edits must keep the tree acyclic and every persisted
// sibling chain identical to the local order, with a single first child.
func TestSiblingChainsStayConsistent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "n0", "n1", "n2", "n3")
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for step := 0; step < 150; step++ {
		ids := h.engine.cache.IDs()
		id := ids[rng.Intn(len(ids))]

		switch rng.Intn(5) {
		case 0:
			_, err := h.engine.CreateNode(ctx, CreateNodeInput{
				AfterNodeID:       id,
				Content:           "x",
				NodeType:          node.TypeText,
				InsertAtBeginning: rng.Intn(2) == 0,
			})
			require.NoError(t, err)
		case 1:
			_, err := h.engine.IndentNode(ctx, id)
			require.NoError(t, err)
		case 2:
			_, err := h.engine.OutdentNode(ctx, id)
			require.NoError(t, err)
		case 3:
			if len(ids) > 3 {
				require.NoError(t, h.engine.DeleteNode(ctx, id))
			}
		case 4:
			target := ids[rng.Intn(len(ids))]
			_ = h.engine.MoveNode(ctx, id, target, "")
		}

		require.NoError(t, h.engine.tree.Validate(), "step %d", step)
		parents := append([]string{hierarchy.Root}, h.engine.cache.IDs()...)
		for _, p := range parents {
			local := append([]string{}, h.engine.Children(p)...)
			kids, err := h.backend.ListChildren(ctx, p)
			require.NoError(t, err)

			heads := 0
			remote := make([]string, 0, len(kids))
			for _, k := range kids {
				remote = append(remote, k.ID)
				if k.BeforeSibling() == "" {
					heads++
				}
			}
			assert.Equal(t, local, remote, "step %d parent %q", step, p)
			if len(kids) > 0 {
				assert.Equal(t, 1, heads, "step %d parent %q", step, p)
			}
		}
	}
}

func TestSiblingChainsSurviveBackendFailures(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "", "n0", "n1", "n2", "n3")
	ctx := context.Background()
	rng := rand.New(rand.NewSource(11))

	var mu sync.Mutex
	calls, failAt := 0, -1
	h.backend.SetHook(func(context.Context, string, string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls-1 == failAt {
			return apperrors.Persistence(apperrors.CodeBackendFailure.String(), "injected").Build()
		}
		return nil
	})
	arm := func(at int) {
		mu.Lock()
		defer mu.Unlock()
		calls, failAt = 0, at
	}

	for step := 0; step < 120; step++ {
		ids := h.engine.cache.IDs()
		if len(ids) == 0 {
			break
		}
		id := ids[rng.Intn(len(ids))]
		arm(rng.Intn(4))

		switch rng.Intn(4) {
		case 0:
			_, _ = h.engine.CreateNode(ctx, CreateNodeInput{AfterNodeID: id, Content: "x", NodeType: node.TypeText})
		case 1:
			_, _ = h.engine.IndentNode(ctx, id)
		case 2:
			_, _ = h.engine.OutdentNode(ctx, id)
		case 3:
			if len(ids) > 3 {
				_ = h.engine.DeleteNode(ctx, id)
			}
		}
		arm(-1)

		require.NoError(t, h.engine.tree.Validate(), "step %d", step)
		parents := append([]string{hierarchy.Root}, h.engine.cache.IDs()...)
		for _, p := range parents {
			kids, err := h.backend.ListChildren(ctx, p)
			require.NoError(t, err)
			remote := make([]string, 0, len(kids))
			for _, k := range kids {
				remote = append(remote, k.ID)
			}
			require.Equal(t, h.engine.Children(p), remote, "step %d parent %q", step, p)
		}
		require.Equal(t, h.engine.cache.Len(), h.backend.Len(), "step %d", step)
	}
}
