package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Mao74/insurance-analyzer/internal/masking"
)

// writePump writes queued events and keeps the connection alive with pings
func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteJSON(event); err != nil {
				h.logger.Debug("WebSocket write failed",
					zap.String("client_id", client.ID),
					zap.Error(err))
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads client messages until the connection closes. Masking
// messages are handled here, so one client's previews are computed in order.
func (h *Hub) readPump(client *Client) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(h.config.MaxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
		client.LastPing = time.Now()
		return nil
	})

	for {
		var msg ClientMessage
		if err := client.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket read error",
					zap.String("client_id", client.ID),
					zap.Error(err))
			}
			return
		}
		client.Conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))

		if err := h.handleClientMessage(client, msg); err != nil {
			h.logger.Debug("Rejected client message",
				zap.String("client_id", client.ID),
				zap.String("type", msg.Type),
				zap.Error(err))
			h.sendTo(client, Event{
				Type:      EventTypeError,
				Timestamp: time.Now(),
				Data:      ErrorEvent{Message: err.Error()},
			})
		}
	}
}

// handleClientMessage processes messages received from clients
func (h *Hub) handleClientMessage(client *Client, msg ClientMessage) error {
	switch msg.Type {
	case MessageLoad:
		var load LoadMessage
		if err := decode(msg.Data, &load); err != nil {
			return err
		}
		for _, doc := range load.Documents {
			client.session.Load(doc.ID, doc.Text)
		}
		if load.Active != "" {
			client.session.SelectDocument(load.Active)
		} else if client.session.Active() == "" && len(load.Documents) > 0 {
			client.session.SelectDocument(load.Documents[0].ID)
		}
		h.sendPreview(client)

	case MessageSelect:
		var sel SelectMessage
		if err := decode(msg.Data, &sel); err != nil {
			return err
		}
		client.session.SelectDocument(sel.DocID)
		h.sendPreview(client)

	case MessageInputs:
		var in masking.Inputs
		if err := decode(msg.Data, &in); err != nil {
			return err
		}
		client.inputs = in
		h.sendPreview(client)

	case MessageSubscribe:
		var sub SubscriptionRequest
		if err := decode(msg.Data, &sub); err != nil {
			return err
		}
		h.mu.Lock()
		client.Subscription = &sub
		h.mu.Unlock()
		h.logger.Debug("Client subscription updated",
			zap.String("client_id", client.ID),
			zap.Int("event_types", len(sub.Events)))

	case MessagePing:
		client.LastPing = time.Now()
		h.sendTo(client, Event{
			Type:      EventTypePong,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"timestamp": time.Now().Unix()},
		})

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

func (h *Hub) sendPreview(client *Client) {
	preview := h.engine.Recompute(client.session, client.inputs)
	if h.sendTo(client, Event{
		Type:      EventTypePreview,
		Timestamp: time.Now(),
		Data:      preview,
	}) {
		h.mu.Lock()
		h.stats.TotalPreviews++
		h.mu.Unlock()
	}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("missing message data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid message data: %w", err)
	}
	return nil
}
