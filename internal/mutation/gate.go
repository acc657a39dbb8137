package mutation

import (
	"context"
	"slices"
	"sync"

	apperrors "outliner-backend/internal/errors"
)

// gate serializes operations per node ID in the order they were issued. Each
// acquire takes a ticket on every node it is about to touch and waits for the
// tickets taken before it on those nodes, whether they committed or rolled
// back.
type gate struct {
	mu    sync.Mutex
	tail  map[string]chan struct{}
	depth map[string]int
}

func newGate() *gate {
	return &gate{
		tail:  make(map[string]chan struct{}),
		depth: make(map[string]int),
	}
}

// acquire queues behind every earlier ticket on ids and blocks until they are
// released. The returned func releases this ticket. Tickets on all ids are
// taken atomically, so multi-node operations cannot deadlock.
func (g *gate) acquire(ctx context.Context, ids ...string) (func(), error) {
	done := make(chan struct{})
	var (
		held  []string
		ahead []chan struct{}
	)

	g.mu.Lock()
	for _, id := range ids {
		if id == "" || slices.Contains(held, id) {
			continue
		}
		if prev, ok := g.tail[id]; ok {
			ahead = append(ahead, prev)
		}
		g.tail[id] = done
		g.depth[id]++
		held = append(held, id)
	}
	g.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			g.mu.Lock()
			for _, id := range held {
				if g.tail[id] == done {
					delete(g.tail, id)
				}
				if g.depth[id] <= 1 {
					delete(g.depth, id)
				} else {
					g.depth[id]--
				}
			}
			g.mu.Unlock()
			close(done)
		})
	}

	for i, prev := range ahead {
		select {
		case <-prev:
		case <-ctx.Done():
			// Later tickets still wait on the rest of the queue.
			go func(rest []chan struct{}) {
				for _, ch := range rest {
					<-ch
				}
				release()
			}(ahead[i:])
			return nil, apperrors.Timeout(apperrors.CodeInternalError.String(), "gave up waiting for pending operation").
				WithResource(held[0]).
				WithCause(ctx.Err()).
				Build()
		}
	}
	return release, nil
}

// busy reports whether id has an in-flight or queued operation.
func (g *gate) busy(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depth[id] > 0
}

// waiters returns how many operations are queued behind the one holding id.
func (g *gate) waiters(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.depth[id] == 0 {
		return 0
	}
	return g.depth[id] - 1
}
