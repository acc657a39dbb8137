// Package publish forwards locally originated domain events to Amazon
// EventBridge so other services can react to outline changes.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"

	apperrors "outliner-backend/internal/errors"
	"outliner-backend/internal/events"
)

// EventBridge accepts at most ten entries per PutEvents call.
const maxEntries = 10

// PutEventsAPI is the part of the EventBridge client the forwarder uses.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Recorder observes forwarding outcomes.
type Recorder interface {
	ObserveForward(sent, failed int)
}

// Forwarder queues local events from the bus and ships them in batches.
// Events from the sync namespace are skipped; their origin already
// published them.
type Forwarder struct {
	client       PutEventsAPI
	eventBusName string
	source       string
	interval     time.Duration
	recorder     Recorder
	logger       *zap.Logger

	mu      sync.Mutex
	pending []events.Event
	limit   int
	dropped int
}

// NewForwarder creates a forwarder. Queued events are flushed every interval
// once Run is started. At most limit events wait in the queue.
func NewForwarder(client PutEventsAPI, eventBusName, source string, interval time.Duration, limit int, recorder Recorder, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	if limit <= 0 {
		limit = 1000
	}
	return &Forwarder{
		client:       client,
		eventBusName: eventBusName,
		source:       source,
		interval:     interval,
		limit:        limit,
		recorder:     recorder,
		logger:       logger,
	}
}

// Attach subscribes the forwarder to every event on bus. The returned func
// detaches it.
func (f *Forwarder) Attach(bus *events.Bus) func() {
	return bus.Subscribe(events.Wildcard, f.enqueue)
}

func (f *Forwarder) enqueue(e events.Event) {
	if e.Namespace != events.NamespaceLocal {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) >= f.limit {
		f.dropped++
		if f.dropped == 1 || f.dropped%100 == 0 {
			f.logger.Warn("Forward queue full, dropping events",
				zap.Int("dropped", f.dropped),
				zap.Int("limit", f.limit),
			)
		}
		return
	}
	f.pending = append(f.pending, e)
}

// Pending returns the number of queued events.
func (f *Forwarder) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Run flushes the queue every interval until ctx is done, then flushes once
// more with a short deadline.
func (f *Forwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := f.Flush(ctx); err != nil {
				f.logger.Warn("Failed to forward events", zap.Error(err))
			}
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := f.Flush(drainCtx); err != nil {
				f.logger.Warn("Failed to forward events on shutdown", zap.Error(err))
			}
			cancel()
			return
		}
	}
}

// Flush ships everything queued. Events of a failed call are not requeued.
func (f *Forwarder) Flush(ctx context.Context) error {
	f.mu.Lock()
	batch := f.pending
	f.pending = nil
	f.mu.Unlock()

	return f.Publish(ctx, batch)
}

// Publish sends evs in chunks of ten. It stops at the first failed call.
func (f *Forwarder) Publish(ctx context.Context, evs []events.Event) error {
	for i := 0; i < len(evs); i += maxEntries {
		end := i + maxEntries
		if end > len(evs) {
			end = len(evs)
		}
		if err := f.publishBatch(ctx, evs[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (f *Forwarder) publishBatch(ctx context.Context, evs []events.Event) error {
	entries := make([]types.PutEventsRequestEntry, 0, len(evs))
	for _, e := range evs {
		detail, err := json.Marshal(e)
		if err != nil {
			f.logger.Error("Failed to marshal event",
				zap.Error(err),
				zap.String("event_type", string(e.Type)),
			)
			continue
		}

		entry := types.PutEventsRequestEntry{
			EventBusName: aws.String(f.eventBusName),
			Source:       aws.String(f.source),
			DetailType:   aws.String(string(e.Type)),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(e.At),
		}
		if id := e.AggregateID(); id != "" {
			entry.Resources = []string{fmt.Sprintf("outliner:node/%s", id)}
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil
	}

	out, err := f.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: entries})
	if err != nil {
		f.observe(0, len(entries))
		return apperrors.Connection(apperrors.CodeBackendFailure.String(), "failed to publish events to EventBridge").
			WithOperation("putEvents").
			WithCause(err).
			Build()
	}

	failed := int(out.FailedEntryCount)
	if failed > 0 {
		for i, entry := range out.Entries {
			if entry.ErrorCode != nil && i < len(evs) {
				f.logger.Error("Failed to publish event",
					zap.String("event_type", string(evs[i].Type)),
					zap.String("error_code", aws.ToString(entry.ErrorCode)),
					zap.String("error_message", aws.ToString(entry.ErrorMessage)),
				)
			}
		}
		f.observe(len(entries)-failed, failed)
		return apperrors.Persistence(apperrors.CodeBackendRejected.String(), fmt.Sprintf("%d events failed to publish", failed)).
			WithOperation("putEvents").
			Build()
	}

	f.observe(len(entries), 0)
	f.logger.Debug("Events published to EventBridge",
		zap.Int("count", len(entries)),
		zap.String("event_bus", f.eventBusName),
	)
	return nil
}

func (f *Forwarder) observe(sent, failed int) {
	if f.recorder != nil {
		f.recorder.ObserveForward(sent, failed)
	}
}
