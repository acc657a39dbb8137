package livesync

import (
	"context"
	"sync"

	"outliner-backend/internal/domain/node"
	apperrors "outliner-backend/internal/errors"
)

// MessageType identifies a frame on the remote change stream. Change frames
// reuse the domain event names.
type MessageType string

const (
	MessageNodeCreated MessageType = "node:created"
	MessageNodeUpdated MessageType = "node:updated"
	MessageNodeDeleted MessageType = "node:deleted"
	MessageEdgeCreated MessageType = "edge:created"
	MessageEdgeUpdated MessageType = "edge:updated"
	MessageEdgeDeleted MessageType = "edge:deleted"

	// MessageStatus carries the stream's own connection status signals.
	MessageStatus MessageType = "status"
)

// Message is one frame of the remote change stream.
type Message struct {
	Type   MessageType `json:"type"`
	Node   *node.Node  `json:"node,omitempty"`
	NodeID string      `json:"nodeId,omitempty"`
	Edge   *node.Edge  `json:"edge,omitempty"`
	Status Status      `json:"status,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Subscription is one live connection to the change stream.
type Subscription interface {
	// Recv blocks for the next frame. Once the connection is gone it returns
	// the error that ended it.
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// Stream opens subscriptions to the remote change stream.
type Stream interface {
	Connect(ctx context.Context) (Subscription, error)
}

func streamError(message string) *apperrors.ErrorBuilder {
	return apperrors.Connection(apperrors.CodeStreamDisconnected.String(), message).
		WithOperation("stream")
}

var errSubscriptionClosed = streamError("subscription closed").WithRetryable(false).Build()

// ChannelStream is an in-process Stream fed through Send. Every Connect starts
// a fresh subscription; frames sent while nothing is connected are lost, the
// same way a remote stream does not replay what a client missed.
type ChannelStream struct {
	mu       sync.Mutex
	current  *channelSubscription
	connects int
	refuse   int
	buffer   int
}

// NewChannelStream returns a stream whose subscriptions buffer up to buffer
// frames.
func NewChannelStream(buffer int) *ChannelStream {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelStream{buffer: buffer}
}

func (s *ChannelStream) Connect(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.refuse > 0 {
		s.refuse--
		return nil, streamError("change stream unavailable").Build()
	}
	sub := &channelSubscription{frames: make(chan Message, s.buffer), done: make(chan struct{})}
	s.current = sub
	return sub, nil
}

// Send delivers m to the current subscription.
func (s *ChannelStream) Send(m Message) error {
	s.mu.Lock()
	sub := s.current
	s.mu.Unlock()
	if sub == nil {
		return streamError("no subscriber connected").Build()
	}

	select {
	case sub.frames <- m:
		return nil
	case <-sub.done:
		return streamError("no subscriber connected").Build()
	}
}

// Drop ends the current subscription as if the network went away.
func (s *ChannelStream) Drop(reason string) {
	s.mu.Lock()
	sub := s.current
	s.current = nil
	s.mu.Unlock()
	if sub != nil {
		sub.end(streamError(reason).Build())
	}
}

// RefuseNext makes the next n Connect calls fail.
func (s *ChannelStream) RefuseNext(n int) {
	s.mu.Lock()
	s.refuse = n
	s.mu.Unlock()
}

// Connects returns how many times Connect was called.
func (s *ChannelStream) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

type channelSubscription struct {
	frames chan Message
	done   chan struct{}
	once   sync.Once
	err    error
}

func (c *channelSubscription) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-c.frames:
		return m, nil
	case <-c.done:
		return Message{}, c.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *channelSubscription) Close() error {
	c.end(errSubscriptionClosed)
	return nil
}

func (c *channelSubscription) end(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}
