package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/werkstatt/internal/chat"
	"github.com/codefionn/werkstatt/internal/controller"
	"github.com/codefionn/werkstatt/internal/logger"
	"github.com/codefionn/werkstatt/internal/queue"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20
)

// Client represents one WebSocket connection, bound to a single
// workspace's session.
type Client struct {
	ID          string
	workspaceID string
	hub         *Hub
	conn        *websocket.Conn
	send        chan *WebMessage
	session     *controller.Controller
	events      *chat.Subscription
	metadata    *chat.Subscription
	debug       bool
}

// NewClient creates a WebSocket client attached to the given session. The
// event subscription replays the transcript before going live.
func NewClient(hub *Hub, conn *websocket.Conn, session *controller.Controller, debug bool) *Client {
	id, _ := generateClientID()

	return &Client{
		ID:          id,
		workspaceID: session.WorkspaceID(),
		hub:         hub,
		conn:        conn,
		send:        make(chan *WebMessage, 256),
		session:     session,
		events:      session.Events(256),
		metadata:    session.Metadata(0),
		debug:       debug,
	}
}

// ForwardEvents pumps session events into the send channel until either
// subscription closes, then drops the connection.
func (c *Client) ForwardEvents() {
	defer c.conn.Close()

	for {
		select {
		case ev, ok := <-c.events.C:
			if !ok {
				return
			}
			c.sendResponse(fromEvent(ev))
		case ev, ok := <-c.metadata.C:
			if !ok {
				return
			}
			c.sendResponse(fromEvent(ev))
		}
	}
}

// ReadPump pumps messages from the WebSocket connection to the session
func (c *Client) ReadPump() {
	defer func() {
		c.session.Unsubscribe(c.events)
		c.session.UnsubscribeMetadata(c.metadata)
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket read error: %v", err)
			}
			break
		}

		var msg WebMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Error("Failed to unmarshal message: %v", err)
			continue
		}

		if c.debug {
			logger.Debug("WebSocket received: %s", string(message))
		}

		if err := c.handleMessage(&msg); err != nil {
			c.sendResponse(&WebMessage{Type: MessageTypeError, Error: err.Error()})
		}
	}
}

// WritePump pumps messages from the send channel to the WebSocket
// connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(message)
			if err != nil {
				logger.Error("Failed to marshal message: %v", err)
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error("Failed to write message: %v", err)
				return
			}

			if c.debug {
				logger.Debug("WebSocket sent: %s", string(data))
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage handles incoming messages from the client
func (c *Client) handleMessage(msg *WebMessage) error {
	switch msg.Type {
	case MessageTypeChat:
		return c.session.SendMessage(context.Background(), msg.Content, c.sendOptions(msg))

	case MessageTypeQueue:
		return c.session.QueueMessage(msg.Content, c.sendOptions(msg))

	case MessageTypeStop:
		return c.session.Interrupt(context.Background(), controller.InterruptOptions{
			Hard:       msg.Hard,
			SendQueued: msg.SendQueued,
		})

	case MessageTypeGetQueue:
		c.sendResponse(&WebMessage{
			Type:    MessageTypeQueueState,
			Content: c.session.DisplayText(),
			Texts:   c.session.QueuedMessages(),
		})

	case MessageTypeGetState:
		c.sendResponse(&WebMessage{
			Type: MessageTypeState,
			Data: map[string]interface{}{
				"workspace_id": c.workspaceID,
				"streaming":    c.session.Streaming(),
				"disposed":     c.session.Disposed(),
			},
		})

	default:
		logger.Warn("Unknown message type: %s", msg.Type)
	}

	return nil
}

// sendOptions builds the option bundle for a chat or queue message.
func (c *Client) sendOptions(msg *WebMessage) *queue.Options {
	if msg.Model == "" && len(msg.Images) == 0 && !msg.NoFollowUpContext {
		return nil
	}
	return &queue.Options{
		Model:             msg.Model,
		ImageParts:        msg.Images,
		NoFollowUpContext: msg.NoFollowUpContext,
	}
}

// sendResponse sends a response message to the client
func (c *Client) sendResponse(msg *WebMessage) {
	select {
	case c.send <- msg:
	default:
		logger.Warn("Client send channel full, dropping message")
	}
}

// generateClientID generates a random client ID
func generateClientID() (string, error) {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
