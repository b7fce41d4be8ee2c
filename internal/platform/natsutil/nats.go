package natsutil

import (
	"errors"
	"sync"

	"github.com/nats-io/nats.go"
)

// ErrNotConnected is returned by Holder publishes while the supervisor
// is still (re)establishing the connection.
var ErrNotConnected = errors.New("nats connection is not established")

// Client bundles the core connection with its JetStream context. Core
// NATS carries command request/reply traffic (fail fast when nobody is
// listening); JetStream carries the durable event stream.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext

	// closer overrides the drain-and-close path in tests.
	closer func()
}

// Connect dials once with client-side reconnection disabled: recovery
// is owned by the reconnect supervisor so connection state stays an
// explicit, observable state machine. onClosed receives the connection
// that closed, so the caller can tell a current connection dying from
// a replaced one being torn down.
func Connect(url, name string, onClosed func(*nats.Conn)) (*Client, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.NoReconnect(),
	}
	if onClosed != nil {
		opts = append(opts, nats.ClosedHandler(onClosed))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.closer != nil {
		c.closer()
		return
	}
	if c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}

// Holder is the swappable slot the supervisor refreshes on reconnect,
// so long-lived components publish through whatever connection is
// current without holding one themselves.
type Holder struct {
	mu     sync.RWMutex
	client *Client
}

// Set installs client as the current connection and closes the one it
// replaces. A reconnect episode where the dial succeeds but the on-up
// hook fails would otherwise leave one live connection behind per
// attempt.
func (h *Holder) Set(client *Client) {
	h.mu.Lock()
	prev := h.client
	h.client = client
	h.mu.Unlock()
	if prev != nil && prev != client {
		prev.Close()
	}
}

func (h *Holder) Client() *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.client
}

// Owns reports whether conn is the holder's current connection. Closed
// handlers use it to discard notifications from connections that were
// already replaced, which would otherwise trigger a reconnect cycle
// against a healthy current connection.
func (h *Holder) Owns(conn *nats.Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return conn != nil && h.client != nil && h.client.Conn == conn
}

// PublishMsg sends on the core connection (commands, replies).
func (h *Holder) PublishMsg(msg *nats.Msg) error {
	client := h.Client()
	if client == nil || client.Conn == nil {
		return ErrNotConnected
	}
	return client.Conn.PublishMsg(msg)
}

// Publish sends on the core connection.
func (h *Holder) Publish(subject string, payload []byte) error {
	client := h.Client()
	if client == nil || client.Conn == nil {
		return ErrNotConnected
	}
	return client.Conn.Publish(subject, payload)
}

// PublishJS sends through JetStream (domain events).
func (h *Holder) PublishJS(subject string, payload []byte) error {
	client := h.Client()
	if client == nil || client.JS == nil {
		return ErrNotConnected
	}
	_, err := client.JS.Publish(subject, payload)
	return err
}
