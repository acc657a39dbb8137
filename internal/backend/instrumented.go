package backend

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"outliner-backend/internal/domain/node"
	apperrors "outliner-backend/internal/errors"
)

// Recorder observes backend round trips.
type Recorder interface {
	ObserveBackendCall(op string, d time.Duration, err error)
}

// InstrumentedBackend traces every call and reports its latency and outcome.
type InstrumentedBackend struct {
	inner    Backend
	tracer   trace.Tracer
	recorder Recorder
}

// NewInstrumentedBackend wraps inner. A nil tracer disables tracing and a nil
// recorder disables metrics.
func NewInstrumentedBackend(inner Backend, tracer trace.Tracer, recorder Recorder) *InstrumentedBackend {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("backend")
	}
	return &InstrumentedBackend{inner: inner, tracer: tracer, recorder: recorder}
}

func (b *InstrumentedBackend) observe(ctx context.Context, op, id string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := b.tracer.Start(ctx, "backend."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("backend.operation", op),
			attribute.String("node.id", id),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(
				attribute.String("error.type", string(apperrors.TypeOf(err))),
				attribute.Bool("error.retryable", apperrors.IsRetryable(err)),
			)
		}
		span.End()
		if b.recorder != nil {
			b.recorder.ObserveBackendCall(op, time.Since(start), err)
		}
	}
}

func (b *InstrumentedBackend) CreateNode(ctx context.Context, n *node.Node) (*node.Node, error) {
	ctx, done := b.observe(ctx, "createNode", idOf(n))
	out, err := b.inner.CreateNode(ctx, n)
	done(err)
	return out, err
}

func (b *InstrumentedBackend) GetNode(ctx context.Context, id string) (*node.Node, error) {
	ctx, done := b.observe(ctx, "getNode", id)
	out, err := b.inner.GetNode(ctx, id)
	done(err)
	return out, err
}

func (b *InstrumentedBackend) UpdateNode(ctx context.Context, id string, version int64, patch Patch) (*node.Node, error) {
	ctx, done := b.observe(ctx, "updateNode", id)
	out, err := b.inner.UpdateNode(ctx, id, version, patch)
	done(err)
	return out, err
}

func (b *InstrumentedBackend) DeleteNode(ctx context.Context, id string) error {
	ctx, done := b.observe(ctx, "deleteNode", id)
	err := b.inner.DeleteNode(ctx, id)
	done(err)
	return err
}

func (b *InstrumentedBackend) SetParent(ctx context.Context, childID, parentID, beforeSiblingID string) (*node.Node, error) {
	ctx, done := b.observe(ctx, "setParent", childID)
	out, err := b.inner.SetParent(ctx, childID, parentID, beforeSiblingID)
	done(err)
	return out, err
}

func (b *InstrumentedBackend) ListChildren(ctx context.Context, parentID string) ([]*node.Node, error) {
	ctx, done := b.observe(ctx, "listChildren", parentID)
	out, err := b.inner.ListChildren(ctx, parentID)
	done(err)
	return out, err
}
