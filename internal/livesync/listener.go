// Package livesync keeps the local hierarchy in step with writes made by
// other clients. A Listener consumes the remote change stream, resolves
// conflicts last-write-wins through the mutation engine and re-emits every
// applied change on the event bus in the sync namespace.
package livesync

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"outliner-backend/internal/config"
	"outliner-backend/internal/domain/node"
	apperrors "outliner-backend/internal/errors"
	"outliner-backend/internal/events"
	"outliner-backend/internal/logging"
)

// Applier materializes remote writes. *mutation.Engine implements it.
type Applier interface {
	ApplyRemoteNode(ctx context.Context, n *node.Node) (bool, error)
	ApplyRemoteDelete(ctx context.Context, nodeID string) (bool, error)
	ApplyRemoteEdge(ctx context.Context, edge node.Edge) error
	ApplyRemoteEdgeDelete(ctx context.Context, parentID, childID string) (bool, error)
}

// Policy bounds reconnection.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter randomizes each delay by up to this fraction.
	Jitter      float64
	HistorySize int
}

// PolicyFrom builds a Policy from the sync configuration.
func PolicyFrom(cfg config.Sync) Policy {
	return Policy{
		MaxAttempts:    cfg.MaxReconnectAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Multiplier:     cfg.BackoffFactor,
		Jitter:         cfg.BackoffJitter,
		HistorySize:    cfg.StatusHistorySize,
	}
}

func (p Policy) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Listener consumes a Stream.
type Listener struct {
	stream  Stream
	applier Applier
	bus     *events.Bus
	policy  Policy
	state   *tracker
	logger  *zap.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the listener's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock replaces time.Now for transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Listener) {
		if now != nil {
			l.now = now
		}
	}
}

// NewListener creates a listener. Run starts it.
func NewListener(stream Stream, applier Applier, bus *events.Bus, policy Policy, opts ...Option) *Listener {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = 500 * time.Millisecond
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 2
	}

	l := &Listener{
		stream:  stream,
		applier: applier,
		bus:     bus,
		policy:  policy,
		state:   newTracker(policy.HistorySize),
		logger:  zap.NewNop(),
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the current status, the reconnect attempt count and the
// transition history.
func (l *Listener) State() State {
	return l.state.snapshot()
}

// Status returns the current connection status.
func (l *Listener) Status() Status {
	return l.state.snapshot().Status
}

// Run consumes the stream until ctx is done or reconnection gives up. After
// MaxAttempts failed reconnects the status turns terminally disconnected and
// Run returns a non-retryable connection error. Nothing is queued across an
// outage; frames after a reconnect are handled like any other.
func (l *Listener) Run(ctx context.Context) error {
	l.state.restart()
	bo := l.policy.backoff()
	attempt := 0

	for {
		sub, err := l.stream.Connect(ctx)
		if err == nil {
			attempt = 0
			bo.Reset()
			l.state.setAttempts(0)
			l.transition(StatusConnected, "stream connected")

			err = l.consume(ctx, sub)
			sub.Close()
			if ctx.Err() == nil {
				l.transition(StatusDisconnected, err.Error())
			}
		}
		if ctx.Err() != nil {
			l.transition(StatusDisconnected, "listener stopped")
			return nil
		}

		attempt++
		if attempt > l.policy.MaxAttempts {
			return l.giveUp(err)
		}
		l.state.setAttempts(attempt)
		l.transition(StatusReconnecting, fmt.Sprintf("attempt %d of %d", attempt, l.policy.MaxAttempts))

		delay := bo.NextBackOff()
		l.logger.Info("Reconnecting to change stream",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		if err := l.sleep(ctx, delay); err != nil {
			l.transition(StatusDisconnected, "listener stopped")
			return nil
		}
	}
}

// consume handles frames until the subscription ends. A disconnected status
// signal ends it as well.
func (l *Listener) consume(ctx context.Context, sub Subscription) error {
	for {
		msg, err := sub.Recv(ctx)
		if err != nil {
			return err
		}

		if msg.Type == MessageStatus {
			switch {
			case !msg.Status.Valid():
				l.logger.Warn("Ignoring unknown stream status", zap.String("status", string(msg.Status)))
			case msg.Status == StatusDisconnected:
				return streamError("stream reported disconnect: " + msg.Reason).Build()
			default:
				l.transition(msg.Status, msg.Reason)
			}
			continue
		}
		l.handle(ctx, msg)
	}
}

// handle applies one change frame and re-emits it when it won.
func (l *Listener) handle(ctx context.Context, msg Message) {
	var (
		out     []events.Payload
		applied bool
		err     error
		nodeID  = msg.NodeID
	)

	switch msg.Type {
	case MessageNodeCreated, MessageNodeUpdated:
		if msg.Node == nil {
			err = decodeError(msg, "node frame without node")
			break
		}
		nodeID = msg.Node.ID
		applied, err = l.applier.ApplyRemoteNode(ctx, msg.Node)
		data := events.DataOf(msg.Node)
		if msg.Type == MessageNodeCreated {
			out = append(out, events.NodeCreatedPayload{NodeID: nodeID, NodeData: data})
		} else {
			out = append(out, events.NodeUpdatedPayload{NodeID: nodeID, NodeData: data, UpdateType: events.UpdateReplace})
		}
		out = append(out, events.CacheInvalidatePayload{Scope: events.ScopeNode, NodeID: nodeID})

	case MessageNodeDeleted:
		applied, err = l.applier.ApplyRemoteDelete(ctx, msg.NodeID)
		out = append(out,
			events.NodeDeletedPayload{NodeID: msg.NodeID},
			events.CacheInvalidatePayload{Scope: events.ScopeGlobal},
		)

	case MessageEdgeCreated, MessageEdgeUpdated, MessageEdgeDeleted:
		if msg.Edge == nil {
			err = decodeError(msg, "edge frame without edge")
			break
		}
		nodeID = msg.Edge.ChildID
		if msg.Type == MessageEdgeDeleted {
			applied, err = l.applier.ApplyRemoteEdgeDelete(ctx, msg.Edge.ParentID, msg.Edge.ChildID)
		} else {
			err = l.applier.ApplyRemoteEdge(ctx, *msg.Edge)
			applied = err == nil
		}
		out = append(out, events.EdgeEvent(events.Type(msg.Type), *msg.Edge))

	default:
		l.logger.Debug("Ignoring unknown frame", zap.String("type", string(msg.Type)))
		return
	}

	if err != nil {
		fields := append([]zap.Field{zap.String("type", string(msg.Type)), zap.String("node_id", nodeID)}, logging.ErrorFields(err)...)
		l.logger.Warn("Failed to apply remote change", fields...)
		l.bus.Emit(events.NamespaceSync, events.SyncFailedPayload{
			Message:   err.Error(),
			ErrorType: string(apperrors.TypeOf(err)),
			Retryable: apperrors.IsRetryable(err),
			Operation: string(msg.Type),
			NodeID:    nodeID,
		})
		return
	}
	if !applied {
		l.logger.Debug("Remote change lost to local state",
			zap.String("type", string(msg.Type)),
			zap.String("node_id", nodeID),
		)
		return
	}
	for _, p := range out {
		l.bus.Emit(events.NamespaceSync, p)
	}
}

func (l *Listener) transition(to Status, reason string) {
	tr, ok := l.state.move(to, reason, l.now())
	if !ok {
		return
	}
	l.logger.Info("Sync status changed",
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.String("reason", reason),
	)
	l.bus.Emit(events.NamespaceSync, events.SyncStatusChangedPayload{Status: string(to), Reason: reason})
}

func (l *Listener) giveUp(last error) error {
	reason := fmt.Sprintf("gave up after %d reconnect attempts", l.policy.MaxAttempts)
	l.transition(StatusDisconnected, reason)
	l.state.markTerminal()

	err := apperrors.Connection(apperrors.CodeReconnectExhausted.String(), reason).
		WithOperation("reconnect").
		WithRetryable(false).
		WithCause(last).
		Build()
	l.logger.Error("Change stream lost", logging.ErrorFields(err)...)
	l.bus.Emit(events.NamespaceSync, events.SyncFailedPayload{
		Message:   err.Error(),
		ErrorType: string(apperrors.TypeOf(err)),
		Retryable: false,
		Operation: "reconnect",
	})
	return err
}

func decodeError(msg Message, text string) error {
	return apperrors.Validation(apperrors.CodeDecodeFailed.String(), text).
		WithOperation(string(msg.Type)).
		Build()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
