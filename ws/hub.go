// Package ws implements the dashboard push transport: a websocket hub with
// per-channel rooms (chat and bot events) and per-user rooms (personal
// notifications). Clients join rooms with join-channel/leave-channel events
// and bind their user room by authenticating with a dashboard JWT.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/onnwee/streambot/backend/telemetry"
)

// TokenValidator checks a dashboard JWT and returns the subject user id.
type TokenValidator interface {
	ValidateToken(token string) (userID string, err error)
}

type outbound struct {
	channel string
	user    string
	data    []byte
}

type command struct {
	client *Client
	action string
	arg    string
}

// Hub routes events to connected dashboard clients. All room state is owned by
// the Run goroutine; public Broadcast methods are safe from any goroutine.
type Hub struct {
	validator TokenValidator

	clients  map[*Client]bool
	channels map[string]map[*Client]bool
	users    map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	commands   chan command
	broadcast  chan outbound
}

func NewHub(validator TokenValidator) *Hub {
	return &Hub{
		validator:  validator,
		clients:    make(map[*Client]bool),
		channels:   make(map[string]map[*Client]bool),
		users:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		commands:   make(chan command),
		broadcast:  make(chan outbound, 64),
	}
}

// Run processes registrations, room commands, and broadcasts until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			if telemetry.WSClientsGauge != nil {
				telemetry.WSClientsGauge.Set(float64(len(h.clients)))
			}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
			if telemetry.WSClientsGauge != nil {
				telemetry.WSClientsGauge.Set(float64(len(h.clients)))
			}

		case cmd := <-h.commands:
			h.handleCommand(cmd)

		case msg := <-h.broadcast:
			for client := range h.targets(msg) {
				select {
				case client.send <- msg.data:
				default:
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) targets(msg outbound) map[*Client]bool {
	if msg.channel != "" {
		return h.channels[msg.channel]
	}
	if msg.user != "" {
		return h.users[msg.user]
	}
	return h.clients
}

func (h *Hub) handleCommand(cmd command) {
	if _, ok := h.clients[cmd.client]; !ok {
		return
	}
	switch cmd.action {
	case "authenticate":
		userID, err := h.validator.ValidateToken(cmd.arg)
		if err != nil {
			slog.Warn("websocket authentication failed", slog.Any("error", err), slog.String("component", "ws"))
			cmd.client.sendEvent("auth-error", map[string]string{"error": "invalid token"})
			return
		}
		cmd.client.userID = userID
		room := h.users[userID]
		if room == nil {
			room = make(map[*Client]bool)
			h.users[userID] = room
		}
		room[cmd.client] = true
		cmd.client.sendEvent("authenticated", map[string]string{"userId": userID})

	case "join-channel":
		if cmd.arg == "" {
			return
		}
		room := h.channels[cmd.arg]
		if room == nil {
			room = make(map[*Client]bool)
			h.channels[cmd.arg] = room
		}
		room[cmd.client] = true
		cmd.client.channels[cmd.arg] = true

	case "leave-channel":
		if room := h.channels[cmd.arg]; room != nil {
			delete(room, cmd.client)
			if len(room) == 0 {
				delete(h.channels, cmd.arg)
			}
		}
		delete(cmd.client.channels, cmd.arg)
	}
}

// drop removes a client from every room and closes its send channel.
func (h *Hub) drop(client *Client) {
	for ch := range client.channels {
		if room := h.channels[ch]; room != nil {
			delete(room, client)
			if len(room) == 0 {
				delete(h.channels, ch)
			}
		}
	}
	if client.userID != "" {
		if room := h.users[client.userID]; room != nil {
			delete(room, client)
			if len(room) == 0 {
				delete(h.users, client.userID)
			}
		}
	}
	delete(h.clients, client)
	close(client.send)
}

func envelope(event string, payload any) []byte {
	data, err := json.Marshal(map[string]any{"type": event, "data": payload})
	if err != nil {
		slog.Error("failed to marshal websocket event", slog.Any("error", err), slog.String("component", "ws"))
		return nil
	}
	return data
}

// BroadcastToChannel pushes an event to every client joined to the channel.
func (h *Hub) BroadcastToChannel(channel, event string, payload any) {
	if data := envelope(event, payload); data != nil {
		h.broadcast <- outbound{channel: channel, data: data}
	}
}

// BroadcastToUser pushes an event to every connection of an authenticated user.
func (h *Hub) BroadcastToUser(userID, event string, payload any) {
	if data := envelope(event, payload); data != nil {
		h.broadcast <- outbound{user: userID, data: data}
	}
}
