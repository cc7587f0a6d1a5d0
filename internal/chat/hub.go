package chat

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// envelope is what travels over Redis: the rendered event plus the users
// it is meant for.
type envelope struct {
	Recipients []int64         `json:"recipients"`
	Payload    json.RawMessage `json:"payload"`
}

// reply is a payload for one connection only, never fanned out.
type reply struct {
	client  *Client
	payload []byte
}

// Hub delivers events to the websocket clients connected to this instance.
// With a Redis client, events are published on a channel every instance
// subscribes to; without one, they loop back in-process.
type Hub struct {
	clients    map[int64]map[*Client]bool // user id -> connections
	broadcast  chan []byte                // envelopes, from Redis or local publishes
	direct     chan reply
	Register   chan *Client
	Unregister chan *Client
	done       chan struct{} // closed when Run returns
	redis      *redis.Client
	channel    string
	log        zerolog.Logger
}

func NewHub(redisClient *redis.Client, channel string, log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[int64]map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		direct:     make(chan reply, 64),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		redis:      redisClient,
		channel:    channel,
		log:        log.With().Str("component", "hub").Logger(),
	}
}

// Publish implements EventPublisher.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	if len(ev.Recipients) == 0 {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "hub.Publish.encodeEvent")
	}
	data, err := json.Marshal(envelope{Recipients: ev.Recipients, Payload: payload})
	if err != nil {
		return errors.Wrap(err, "hub.Publish.encodeEnvelope")
	}

	if h.redis != nil {
		return errors.Wrap(h.redis.Publish(ctx, h.channel, data).Err(), "hub.Publish.redis")
	}
	select {
	case h.broadcast <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return nil
	}
}

// Reply sends ev to a single connection. It is dropped if the connection is
// already gone or the hub has stopped.
func (h *Hub) Reply(c *Client, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn().Err(err).Msg("encoding reply")
		return
	}
	select {
	case h.direct <- reply{client: c, payload: payload}:
	case <-h.done:
	}
}

// register hands c to Run. It reports false once the hub has stopped.
func (h *Hub) register(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

// Run owns the client map. It is the only goroutine touching h.clients.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.Register:
			conns, ok := h.clients[client.UserID]
			if !ok {
				conns = make(map[*Client]bool)
				h.clients[client.UserID] = conns
			}
			conns[client] = true

		case client := <-h.Unregister:
			h.remove(client)

		case data := <-h.broadcast:
			h.deliver(data)

		case r := <-h.direct:
			if h.clients[r.client.UserID][r.client] {
				h.send(r.client, r.payload)
			}

		case <-ctx.Done():
			for _, conns := range h.clients {
				for client := range conns {
					h.remove(client)
				}
			}
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	conns, ok := h.clients[client.UserID]
	if !ok || !conns[client] {
		return
	}
	delete(conns, client)
	if len(conns) == 0 {
		delete(h.clients, client.UserID)
	}
	close(client.Send)
}

// send queues payload without blocking; a slow consumer is dropped rather
// than stalling the hub.
func (h *Hub) send(client *Client, payload []byte) {
	select {
	case client.Send <- payload:
	default:
		h.remove(client)
	}
}

func (h *Hub) deliver(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.log.Warn().Err(err).Msg("dropping undecodable envelope")
		return
	}
	for _, userID := range env.Recipients {
		for client := range h.clients[userID] {
			h.send(client, env.Payload)
		}
	}
}

// SubscribeToRedis subscribes to the events channel and forwards every
// envelope to Run until ctx ends. It returns once the subscription is
// confirmed, so publishes after it are never missed.
func (h *Hub) SubscribeToRedis(ctx context.Context) error {
	if h.redis == nil {
		return nil
	}
	pubsub := h.redis.Subscribe(ctx, h.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return errors.Wrapf(err, "hub.SubscribeToRedis %s", h.channel)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case h.broadcast <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
