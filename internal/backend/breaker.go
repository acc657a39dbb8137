package backend

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"outliner-backend/internal/config"
	"outliner-backend/internal/domain/node"
	apperrors "outliner-backend/internal/errors"
)

// BreakerBackend trips after repeated environment failures and then fails
// calls fast until the backend recovers. Validation, not-found and conflict
// errors describe the request, not backend health, and never count as failures.
type BreakerBackend struct {
	inner  Backend
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewBreakerBackend wraps inner. onChange, if set, observes state transitions.
func NewBreakerBackend(inner Backend, cfg config.CircuitBreaker, logger *zap.Logger, onChange func(from, to string)) *BreakerBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &BreakerBackend{inner: inner, logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backend",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if onChange != nil {
				onChange(from.String(), to.String())
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch apperrors.TypeOf(err) {
			case apperrors.ErrorTypeValidation, apperrors.ErrorTypeNotFound, apperrors.ErrorTypeConflict:
				return true
			}
			return false
		},
	})
	return b
}

// State returns the breaker state: "closed", "half-open" or "open".
func (b *BreakerBackend) State() string {
	return b.cb.State().String()
}

func execute[T any](b *BreakerBackend, op, id string, fn func() (T, error)) (T, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		v, err := fn()
		return v, err
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.logger.Debug("Circuit breaker rejected backend call",
				zap.String("operation", op),
				zap.String("node_id", id),
			)
			return zero, apperrors.Connection(apperrors.CodeCircuitOpen.String(), "backend temporarily unavailable").
				WithOperation(op).
				WithResource(id).
				WithCause(err).
				Build()
		}
		return zero, err
	}
	return res.(T), nil
}

func (b *BreakerBackend) CreateNode(ctx context.Context, n *node.Node) (*node.Node, error) {
	return execute(b, "createNode", idOf(n), func() (*node.Node, error) { return b.inner.CreateNode(ctx, n) })
}

func (b *BreakerBackend) GetNode(ctx context.Context, id string) (*node.Node, error) {
	return execute(b, "getNode", id, func() (*node.Node, error) { return b.inner.GetNode(ctx, id) })
}

func (b *BreakerBackend) UpdateNode(ctx context.Context, id string, version int64, patch Patch) (*node.Node, error) {
	return execute(b, "updateNode", id, func() (*node.Node, error) { return b.inner.UpdateNode(ctx, id, version, patch) })
}

func (b *BreakerBackend) DeleteNode(ctx context.Context, id string) error {
	_, err := execute(b, "deleteNode", id, func() (struct{}, error) { return struct{}{}, b.inner.DeleteNode(ctx, id) })
	return err
}

func (b *BreakerBackend) SetParent(ctx context.Context, childID, parentID, beforeSiblingID string) (*node.Node, error) {
	return execute(b, "setParent", childID, func() (*node.Node, error) {
		return b.inner.SetParent(ctx, childID, parentID, beforeSiblingID)
	})
}

func (b *BreakerBackend) ListChildren(ctx context.Context, parentID string) ([]*node.Node, error) {
	return execute(b, "listChildren", parentID, func() ([]*node.Node, error) { return b.inner.ListChildren(ctx, parentID) })
}

func idOf(n *node.Node) string {
	if n == nil {
		return ""
	}
	return n.ID
}
