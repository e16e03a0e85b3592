package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"go.uber.org/zap"
)

var (
	// ErrClientDisconnected reports a failed write to the stream.
	ErrClientDisconnected = errors.New("realtime: client disconnected")
	// ErrInactive reports that no write succeeded within the inactivity timeout.
	ErrInactive = errors.New("realtime: connection inactive")
)

// EventSink writes framed events to a client.
type EventSink interface {
	WriteEvent(event Event) error
}

// deadlineSink is implemented by sinks whose writes can be bounded.
type deadlineSink interface {
	SetWriteDeadline(deadline time.Time) error
}

// ResponseSink frames events onto an http.ResponseWriter and flushes after each one.
type ResponseSink struct {
	writer     io.Writer
	controller *http.ResponseController
}

// PrepareStream writes the SSE response headers, flushes them and returns a
// sink for the body. A flush error means the client is already gone.
func PrepareStream(w http.ResponseWriter) (*ResponseSink, error) {
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache, no-store")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Del("Content-Encoding")
	header.Del("Content-Length")
	w.WriteHeader(http.StatusOK)

	sink := &ResponseSink{
		writer:     w,
		controller: http.NewResponseController(w),
	}
	if err := sink.flush(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientDisconnected, err)
	}
	return sink, nil
}

// SetWriteDeadline bounds subsequent writes. Writers without deadline support are left unbounded.
func (s *ResponseSink) SetWriteDeadline(deadline time.Time) error {
	if err := s.controller.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// WriteEvent encodes one event as "event:<type>" and "data:<json>" lines.
func (s *ResponseSink) WriteEvent(event Event) error {
	if err := sse.Encode(s.writer, sse.Event{Event: event.Type, Data: string(event.Data)}); err != nil {
		return err
	}
	return s.flush()
}

func (s *ResponseSink) flush() error {
	if err := s.controller.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

type connectedPayload struct {
	ConnID    string   `json:"conn_id"`
	OwnerID   int64    `json:"owner_id"`
	PlayerID  int64    `json:"player_id"`
	Rooms     []string `json:"rooms"`
	Timestamp int64    `json:"timestamp"`
}

type pingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// Serve runs the stream loop for connection until the context ends, the
// connection is disconnected, a write fails or the connection goes inactive.
// The connection is always disconnected on return. A nil error means the
// stream ended because of ctx or Disconnect.
func (h *Hub) Serve(ctx context.Context, connection *Connection, sink EventSink) error {
	defer h.Disconnect(connection.ID)

	handshake, err := json.Marshal(connectedPayload{
		ConnID:    connection.ID,
		OwnerID:   connection.OwnerID,
		PlayerID:  connection.OwnerID,
		Rooms:     h.RoomsOf(connection.OwnerID),
		Timestamp: h.clock().Unix(),
	})
	if err != nil {
		return err
	}
	if err := h.write(connection, sink, Event{Type: EventConnected, Data: handshake}); err != nil {
		return err
	}

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-connection.done:
			return nil
		case _, open := <-connection.queue.Wait():
			if !open {
				return nil
			}
			for {
				event, ok := connection.queue.TryDequeue()
				if !ok {
					break
				}
				if err := h.write(connection, sink, event); err != nil {
					return err
				}
			}
		case <-heartbeat.C:
			ping, err := json.Marshal(pingPayload{Timestamp: h.clock().Unix()})
			if err != nil {
				return err
			}
			if err := h.write(connection, sink, Event{Type: EventPing, Data: ping}); err != nil {
				return err
			}
		}
	}
}

// write delivers one event. The write must complete within the inactivity
// timeout measured from the last successful write; a client that stops
// draining its stream is cut off even when the write eventually succeeds.
func (h *Hub) write(connection *Connection, sink EventSink, event Event) error {
	lastActivity := connection.LastActivity()
	if bounded, ok := sink.(deadlineSink); ok {
		if err := bounded.SetWriteDeadline(lastActivity.Add(h.inactivityTimeout)); err != nil {
			return fmt.Errorf("%w: %v", ErrClientDisconnected, err)
		}
	}
	err := sink.WriteEvent(event)
	now := time.Now()
	if now.Sub(lastActivity) > h.inactivityTimeout {
		h.logger.Info("sse connection inactive",
			zap.String("conn_id", connection.ID),
			zap.Int64("owner_id", connection.OwnerID),
			zap.String("event", event.Type),
		)
		return ErrInactive
	}
	if err != nil {
		h.logger.Debug("sse write failed",
			zap.String("conn_id", connection.ID),
			zap.String("event", event.Type),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrClientDisconnected, err)
	}
	connection.touch(now)
	return nil
}
