package livesync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a control frame to the server
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the server
	maxMessageSize = 512 * 1024 // 512KB

	frameBufferSize = 256
)

// WebsocketStream subscribes to a change stream served over a websocket.
// Frames are JSON encoded Messages.
type WebsocketStream struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	pingInterval time.Duration
	logger       *zap.Logger
}

// NewWebsocketStream creates a stream for url. header is sent with every dial.
func NewWebsocketStream(url string, header http.Header, pingInterval time.Duration, logger *zap.Logger) *WebsocketStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &WebsocketStream{
		url:          url,
		header:       header,
		dialer:       websocket.DefaultDialer,
		pingInterval: pingInterval,
		logger:       logger.With(zap.String("stream_url", url)),
	}
}

// Connect dials the server and starts the read and ping pumps.
func (s *WebsocketStream) Connect(ctx context.Context) (Subscription, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, streamError("failed to dial change stream").
			WithResource(s.url).
			WithCause(err).
			Build()
	}

	sub := &wsSubscription{
		conn:   conn,
		frames: make(chan Message, frameBufferSize),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
		logger: s.logger,
	}
	// Pong deadline is a little longer than the ping period.
	go sub.readPump(s.pingInterval * 10 / 9)
	go sub.pingPump(s.pingInterval)

	s.logger.Info("Change stream connected")
	return sub, nil
}

type wsSubscription struct {
	conn   *websocket.Conn
	frames chan Message
	done   chan struct{} // closed by readPump on exit
	stop   chan struct{} // closed by Close
	once   sync.Once
	err    error // set before done is closed
	logger *zap.Logger
}

func (s *wsSubscription) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-s.frames:
		return m, nil
	case <-s.done:
		select {
		case m := <-s.frames:
			return m, nil
		default:
		}
		return Message{}, s.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *wsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = s.conn.Close()
	})
	return err
}

func (s *wsSubscription) readPump(pongWait time.Duration) {
	defer func() {
		close(s.done)
		s.logger.Debug("Read pump stopped")
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			s.err = s.readError(err)
			return
		}
		if kind != websocket.TextMessage {
			s.logger.Warn("Binary frames not supported")
			continue
		}

		var msg Message
		if err := json.Unmarshal(bytes.TrimSpace(data), &msg); err != nil {
			s.logger.Warn("Dropping undecodable frame", zap.Error(err))
			continue
		}
		select {
		case s.frames <- msg:
		case <-s.stop:
			s.err = errSubscriptionClosed
			return
		}
	}
}

func (s *wsSubscription) readError(err error) error {
	select {
	case <-s.stop:
		return errSubscriptionClosed
	default:
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Warn("Change stream read error", zap.Error(err))
	}
	return streamError("change stream closed").WithCause(err).Build()
}

func (s *wsSubscription) pingPump(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("Failed to send ping", zap.Error(err))
				s.conn.Close()
				return
			}
		case <-s.done:
			return
		case <-s.stop:
			return
		}
	}
}
