package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/api/apierr"
	"github.com/headspace/headspace/internal/broadcast"
	"github.com/headspace/headspace/internal/common/logger"
	ws "github.com/headspace/headspace/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client represents a single WebSocket connection. A client holds at most
// one broadcast subscription; resubscribing replaces the previous filter.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu     sync.Mutex
	stream *stream

	logger *logger.Logger
}

// stream is one live broadcast subscription mirrored to the client.
type stream struct {
	sub    *broadcast.Subscriber
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps messages from the WebSocket connection into the dispatcher
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Error("failed to parse message", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "invalid message format", nil)
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// handleMessage processes an incoming message. Stream control needs the
// client itself; everything else goes through the dispatcher.
func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	switch msg.Action {
	case ws.ActionStreamSubscribe:
		c.handleStreamSubscribe(ctx, msg)
		return
	case ws.ActionStreamUnsubscribe:
		c.handleStreamUnsubscribe(msg)
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("handler error",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}

	if response != nil {
		c.sendMessage(response)
	}
}

// StreamSubscribeRequest is the payload for stream.subscribe. The filter
// fields match the SSE query parameters; last_event_id, when present,
// replays persisted events after that id before live frames begin.
type StreamSubscribeRequest struct {
	Types       []string `json:"types,omitempty"`
	ProjectID   string   `json:"project_id,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	LastEventID *int64   `json:"last_event_id,omitempty"`
}

// handleStreamSubscribe handles stream.subscribe
func (c *Client) handleStreamSubscribe(ctx context.Context, msg *ws.Message) {
	var req StreamSubscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
		return
	}
	if req.LastEventID != nil && *req.LastEventID < 0 {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "last_event_id must not be negative", nil)
		return
	}

	filter, err := broadcast.NewFilter(req.Types, req.ProjectID, req.SessionID)
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, errMessage(err), nil)
		return
	}

	sub, err := c.hub.caster.Subscribe(filter)
	if err != nil {
		if errors.Is(err, broadcast.ErrSubscriberLimit) {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeUnavailable, "subscriber limit reached", nil)
		} else {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeUnavailable, "stream unavailable", nil)
		}
		return
	}

	// Replace any previous subscription before mirroring the new one.
	c.stopStream()

	lastSeen := int64(0)
	var replayed []broadcast.Frame
	if req.LastEventID != nil {
		lastSeen = *req.LastEventID
		replayed, err = c.hub.caster.CatchUp(ctx, filter, lastSeen)
		if err != nil {
			c.logger.Warn("event catch-up failed", zap.Error(err))
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	st := &stream{sub: sub, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.stream = st
	c.mu.Unlock()

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"subscribed":      true,
		"subscription_id": sub.ID(),
	})
	c.sendMessage(resp)

	// Replayed frames go out after the ack and before live frames; the live
	// loop skips ids the replay already covered.
	for _, fr := range replayed {
		c.sendFrame(fr)
		if fr.ID > lastSeen {
			lastSeen = fr.ID
		}
	}

	go c.forward(streamCtx, st, lastSeen)
}

// handleStreamUnsubscribe handles stream.unsubscribe
func (c *Client) handleStreamUnsubscribe(msg *ws.Message) {
	c.stopStream()

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"subscribed": false,
	})
	c.sendMessage(resp)
}

// forward mirrors subscriber frames to the client until the subscription or
// connection ends. A closed events channel means the broadcaster shut down
// or dropped this subscriber; the closing frame has already been queued.
func (c *Client) forward(ctx context.Context, st *stream, lastSeen int64) {
	defer close(st.done)

	for {
		select {
		case <-ctx.Done():
			return
		case fr, ok := <-st.sub.Events():
			if !ok {
				return
			}
			if fr.ID > 0 && fr.ID <= lastSeen {
				continue
			}
			if n := st.sub.TakeDropped(); n > 0 {
				c.sendFrame(broadcast.Frame{
					Kind: broadcast.KindDropped,
					Data: map[string]interface{}{"count": n},
				})
			}
			c.sendFrame(fr)
			if fr.ID > lastSeen {
				lastSeen = fr.ID
			}
		}
	}
}

// stopStream tears down the active subscription and waits for the forwarding
// goroutine, so nothing writes to the send channel afterwards.
func (c *Client) stopStream() {
	c.mu.Lock()
	st := c.stream
	c.stream = nil
	c.mu.Unlock()
	if st == nil {
		return
	}

	st.cancel()
	c.hub.caster.Unsubscribe(st.sub)
	<-st.done
}

// framePayload is the stream.event notification body. Persisted frames carry
// the event id clients present as last_event_id when they reconnect.
type framePayload struct {
	ID   int64                  `json:"id,omitempty"`
	Kind string                 `json:"kind"`
	Data map[string]interface{} `json:"data"`
}

// sendFrame wraps a broadcast frame in a stream.event notification.
func (c *Client) sendFrame(fr broadcast.Frame) {
	msg, err := ws.NewNotification(ws.ActionStreamEvent, framePayload{
		ID:   fr.ID,
		Kind: fr.Kind,
		Data: fr.Data,
	})
	if err != nil {
		c.logger.Error("failed to build stream notification", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// sendMessage sends a message to the client
func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full")
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// errMessage prefers the envelope message over the code-prefixed Error text.
func errMessage(err error) string {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
