package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outliner-backend/internal/domain/node"
	apperrors "outliner-backend/internal/errors"
)

// backendFactories returns every implementation that must honour the contract.
func backendFactories(t *testing.T) map[string]func() Backend {
	return map[string]func() Backend{
		"memory": func() Backend { return NewMemoryBackend(nil) },
		"sqlite": func() Backend {
			s, err := OpenSQLite(context.Background(), ":memory:", nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"dynamodb": func() Backend { return NewDynamoBackend(newFakeDynamo(), "outliner-test", "ParentIndex", nil) },
	}
}

func textNode(id, content string) *node.Node {
	return &node.Node{ID: id, NodeType: node.TypeText, Content: content}
}

func TestContract(t *testing.T) {
	for name, factory := range backendFactories(t) {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("create and get", func(t *testing.T) {
				b := factory()
				ctx := context.Background()

				n := textNode("a", "hello")
				n.ContainerNodeID = node.Ptr(node.RootContainer)
				n.Properties = map[string]string{"color": "red"}

				created, err := b.CreateNode(ctx, n)
				require.NoError(t, err)
				assert.Equal(t, int64(1), created.Version)
				assert.Nil(t, created.ContainerNodeID, "root sentinel must not be stored")

				got, err := b.GetNode(ctx, "a")
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, "hello", got.Content)
				assert.Equal(t, "red", got.Properties["color"])
				assert.Nil(t, got.ContainerNodeID)
			})

			t.Run("get missing returns nil", func(t *testing.T) {
				got, err := factory().GetNode(context.Background(), "ghost")
				assert.NoError(t, err)
				assert.Nil(t, got)
			})

			t.Run("blank content rules", func(t *testing.T) {
				b := factory()
				ctx := context.Background()

				_, err := b.CreateNode(ctx, textNode("blank", ""))
				assert.NoError(t, err, "blank text nodes are never rejected")

				_, err = b.CreateNode(ctx, &node.Node{ID: "task", NodeType: node.TypeTask})
				assert.True(t, apperrors.IsValidation(err))

				_, err = b.CreateNode(ctx, &node.Node{ID: "date", NodeType: node.TypeDate, Content: "  "})
				assert.True(t, apperrors.IsValidation(err))
			})

			t.Run("duplicate create conflicts", func(t *testing.T) {
				b := factory()
				ctx := context.Background()
				_, err := b.CreateNode(ctx, textNode("a", "x"))
				require.NoError(t, err)

				_, err = b.CreateNode(ctx, textNode("a", "y"))
				assert.True(t, apperrors.IsConflict(err))
			})

			t.Run("dangling references rejected", func(t *testing.T) {
				b := factory()
				ctx := context.Background()

				n := textNode("child", "x")
				n.ParentID = node.Ptr("missing-parent")
				_, err := b.CreateNode(ctx, n)
				assert.True(t, apperrors.IsValidation(err))

				_, err = b.CreateNode(ctx, textNode("a", "x"))
				require.NoError(t, err)
				_, err = b.SetParent(ctx, "a", "", "missing-sibling")
				assert.True(t, apperrors.IsValidation(err))
			})

			t.Run("update with optimistic version", func(t *testing.T) {
				b := factory()
				ctx := context.Background()
				_, err := b.CreateNode(ctx, textNode("a", "one"))
				require.NoError(t, err)

				updated, err := b.UpdateNode(ctx, "a", 1, ContentPatch("two"))
				require.NoError(t, err)
				assert.Equal(t, int64(2), updated.Version)
				assert.Equal(t, "two", updated.Content)

				_, err = b.UpdateNode(ctx, "a", 1, ContentPatch("stale"))
				assert.True(t, apperrors.IsConflict(err))

				got, err := b.GetNode(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, "two", got.Content)

				_, err = b.UpdateNode(ctx, "ghost", 0, ContentPatch("x"))
				assert.True(t, apperrors.IsNotFound(err))
			})

			t.Run("update cannot blank a task", func(t *testing.T) {
				b := factory()
				ctx := context.Background()
				_, err := b.CreateNode(ctx, &node.Node{ID: "t", NodeType: node.TypeTask, Content: "do it"})
				require.NoError(t, err)

				_, err = b.UpdateNode(ctx, "t", 0, ContentPatch(""))
				assert.True(t, apperrors.IsValidation(err))
			})

			t.Run("delete", func(t *testing.T) {
				b := factory()
				ctx := context.Background()
				_, err := b.CreateNode(ctx, textNode("a", "x"))
				require.NoError(t, err)

				require.NoError(t, b.DeleteNode(ctx, "a"))
				got, err := b.GetNode(ctx, "a")
				require.NoError(t, err)
				assert.Nil(t, got)

				assert.True(t, apperrors.IsNotFound(b.DeleteNode(ctx, "a")))
			})

			t.Run("set parent and list children in chain order", func(t *testing.T) {
				b := factory()
				ctx := context.Background()
				for _, id := range []string{"p", "a", "b", "c"} {
					_, err := b.CreateNode(ctx, textNode(id, id))
					require.NoError(t, err)
				}

				_, err := b.SetParent(ctx, "a", "p", "")
				require.NoError(t, err)
				_, err = b.SetParent(ctx, "c", "p", "b")
				require.NoError(t, err)
				moved, err := b.SetParent(ctx, "b", "p", "a")
				require.NoError(t, err)
				assert.Equal(t, "p", moved.Parent())
				assert.Equal(t, "a", moved.BeforeSibling())
				assert.Equal(t, int64(2), moved.Version)

				kids, err := b.ListChildren(ctx, "p")
				require.NoError(t, err)
				assert.Equal(t, []string{"a", "b", "c"}, ids(kids))

				top, err := b.ListChildren(ctx, "")
				require.NoError(t, err)
				assert.Equal(t, []string{"p"}, ids(top))
			})
		})
	}
}

func ids(nodes []*node.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}
