package core

import "github.com/coder/websocket"

// Close orders the transport layer to close the connection.
type Close struct {
	Status websocket.StatusCode
	Reason string
}

// Client is one live connection as seen by its room.
type Client struct {
	ID     string // connection id
	UserID string
	Name   string
	IsHost bool
	// Send carries marshaled outbound frames; the transport write loop
	// drains it. Slow consumers have frames dropped, resync recovers them.
	Send chan []byte
	// Control carries at most one close order.
	Control chan Close
}

// NewClient constructs a client with initialized channels.
func NewClient(id, userID, name string, isHost bool) *Client {
	return &Client{
		ID:      id,
		UserID:  userID,
		Name:    name,
		IsHost:  isHost,
		Send:    make(chan []byte, 32),
		Control: make(chan Close, 1),
	}
}

// Deliver queues an outbound frame, dropping it if the consumer is slow.
func (c *Client) Deliver(frame []byte) {
	select {
	case c.Send <- frame:
	default:
		// Drop if slow consumer.
	}
}

// Order asks the transport to close the connection. Only the first order
// per connection sticks.
func (c *Client) Order(status websocket.StatusCode, reason string) {
	select {
	case c.Control <- Close{Status: status, Reason: reason}:
	default:
	}
}
