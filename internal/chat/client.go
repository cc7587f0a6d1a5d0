package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	appErrors "chat-ingest/pkg/errors"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 4096                // Maximum inbound frame size.
	sendTimeout    = 10 * time.Second
)

// MessageSender is the part of Service a websocket client needs.
type MessageSender interface {
	SendMessage(ctx context.Context, cmd SendCommand) (*Message, error)
}

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	Hub    *Hub
	Conn   *websocket.Conn
	Send   chan []byte
	UserID int64

	sender MessageSender
	log    zerolog.Logger
}

// ReadPump turns inbound frames into text messages sent as the connected
// user. Results come back through the hub as message.created events;
// rejected frames get an error event on this connection only.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Int64("user_id", c.UserID).Msg("websocket closed")
			}
			return
		}

		var in WSMessage
		if err := json.Unmarshal(data, &in); err != nil {
			c.log.Debug().Err(err).Int64("user_id", c.UserID).Msg("malformed frame")
			c.fail(0, appErrors.InvalidArg("malformed frame"))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		_, err = c.sender.SendMessage(ctx, SendCommand{
			SenderID: c.UserID,
			ChatID:   in.ChatID,
			Content:  TextContent{Body: in.Text},
		})
		cancel()
		if err != nil && !appErrors.Is(err, appErrors.CodePartialSuccess) {
			c.log.Warn().Err(err).Int64("user_id", c.UserID).Int64("chat_id", in.ChatID).Msg("websocket send failed")
			c.fail(in.ChatID, err)
		}
	}
}

// fail reports err to this connection. Internal causes stay in the log.
func (c *Client) fail(chatID int64, err error) {
	c.Hub.Reply(c, Event{
		Type:   EventError,
		ChatID: chatID,
		Error: &ErrorBody{
			Code:    string(appErrors.CodeOf(err)),
			Message: appErrors.MessageOf(err),
		},
	})
}

// WritePump pumps events from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Flush queued events in the same frame, newline separated.
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
