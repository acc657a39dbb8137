package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outliner-backend/internal/domain/node"
)

func TestPut_ProvenanceDrivesPersistence(t *testing.T) {
	tests := []struct {
		name          string
		prov          node.Provenance
		wantPersisted bool
	}{
		{"database load is durable", node.ProvenanceDatabase, true},
		{"sync is durable", node.ProvenanceSync, true},
		{"placeholder is not", node.ProvenancePlaceholder, false},
		{"user edit alone is not", node.ProvenanceUser, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			require.NoError(t, c.Put(&node.Node{ID: "a", Version: 1}, tt.prov))

			assert.Equal(t, tt.wantPersisted, c.IsPersisted("a"))
			assert.Equal(t, !tt.wantPersisted, c.IsPlaceholder("a"))
			p, ok := c.Provenance("a")
			assert.True(t, ok)
			assert.Equal(t, tt.prov, p)
		})
	}
}

func TestPut_UserEditKeepsDurability(t *testing.T) {
	c := New()
	require.NoError(t, c.Put(&node.Node{ID: "a", Version: 1}, node.ProvenanceDatabase))
	require.NoError(t, c.Put(&node.Node{ID: "a", Version: 1, Content: "x"}, node.ProvenanceUser))

	assert.True(t, c.IsPersisted("a"))
	assert.Equal(t, "x", c.Get("a").Content)
}

func TestPut_VersionNonDecreasing(t *testing.T) {
	c := New()
	require.NoError(t, c.Put(&node.Node{ID: "a", Version: 3, Content: "new"}, node.ProvenanceSync))

	err := c.Put(&node.Node{ID: "a", Version: 2, Content: "old"}, node.ProvenanceSync)
	assert.ErrorIs(t, err, ErrVersionRegression)
	assert.Equal(t, "new", c.Get("a").Content)

	require.NoError(t, c.Put(&node.Node{ID: "a", Version: 2, Content: "old"}, node.ProvenanceRollback))
	assert.Equal(t, int64(2), c.Get("a").Version)
}

func TestPut_RejectsMissingID(t *testing.T) {
	assert.Error(t, New().Put(&node.Node{}, node.ProvenanceUser))
	assert.Error(t, New().Put(nil, node.ProvenanceUser))
}

func TestGet_ReturnsCopy(t *testing.T) {
	c := New()
	require.NoError(t, c.Put(&node.Node{ID: "a", Content: "x"}, node.ProvenanceUser))

	got := c.Get("a")
	got.Content = "mutated"

	assert.Equal(t, "x", c.Get("a").Content)
	assert.Nil(t, c.Get("missing"))

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestMarkPersisted(t *testing.T) {
	c := New()
	c.MarkPersisted("ghost")
	assert.False(t, c.IsPersisted("ghost"))

	require.NoError(t, c.Put(&node.Node{ID: "a"}, node.ProvenancePlaceholder))
	assert.True(t, c.IsPlaceholder("a"))

	c.MarkPersisted("a")
	assert.False(t, c.IsPlaceholder("a"))
	assert.Equal(t, 0, c.Stats().Placeholders)
}

func TestDelete(t *testing.T) {
	c := New()
	require.NoError(t, c.Put(&node.Node{ID: "a", Version: 4}, node.ProvenanceDatabase))

	assert.True(t, c.Delete("a", node.ProvenanceUser))
	assert.False(t, c.Delete("a", node.ProvenanceUser))
	assert.False(t, c.Has("a"))
	assert.False(t, c.IsPersisted("a"))

	h := c.History("a")
	require.Len(t, h, 2)
	assert.True(t, h[1].Deleted)
	assert.Equal(t, int64(4), h[1].Version)
}

func TestHistory_RingIsBounded(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	c := New(WithHistorySize(4), WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))

	for v := int64(1); v <= 6; v++ {
		require.NoError(t, c.Put(&node.Node{ID: "a", Version: v}, node.ProvenanceSync))
	}

	h := c.History("a")
	require.Len(t, h, 4)
	for i, r := range h {
		assert.Equal(t, int64(i+3), r.Version)
	}
	assert.True(t, h[0].At.Before(h[3].At))
}

func TestCaptureRestore(t *testing.T) {
	c := New()
	require.NoError(t, c.Put(&node.Node{ID: "a", Version: 2, Content: "before"}, node.ProvenanceDatabase))

	snap := c.Capture("a", "b")

	require.NoError(t, c.Put(&node.Node{ID: "a", Version: 3, Content: "after"}, node.ProvenanceUser))
	require.NoError(t, c.Put(&node.Node{ID: "b"}, node.ProvenancePlaceholder))

	c.Restore(snap)

	assert.Equal(t, "before", c.Get("a").Content)
	assert.Equal(t, int64(2), c.Get("a").Version)
	assert.True(t, c.IsPersisted("a"))
	p, _ := c.Provenance("a")
	assert.Equal(t, node.ProvenanceDatabase, p)
	assert.False(t, c.Has("b"))

	last := c.History("a")
	assert.Equal(t, node.ProvenanceRollback, last[len(last)-1].Provenance)
}

func TestIDs_Sorted(t *testing.T) {
	c := New()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, c.Put(&node.Node{ID: id}, node.ProvenanceUser))
	}
	assert.Equal(t, []string{"a", "b", "c"}, c.IDs())
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, 3, c.Stats().Nodes)
}
