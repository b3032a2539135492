// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package publisher

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrClientClosed is returned by Send after Close.
var ErrClientClosed = errors.New("publisher: client closed")

// ClientConfig configures the daemon-side connection to the publisher
// process.
type ClientConfig struct {
	// Conn is the framed connection, typically a unix socket.
	Conn net.Conn

	// OnAck is called from the reader goroutine for every ack,
	// including failed ones. Optional.
	OnAck func(ack PublishAckFrame)

	// Logger receives delivery warnings. Nil discards.
	Logger *slog.Logger
}

// Client writes side-effect frames and tracks unacknowledged effect
// ids. Delivery is at-least-once: pending frames can be resent
// byte-identical after a reconnect, and the remote side deduplicates
// by effect id.
type Client struct {
	onAck  func(ack PublishAckFrame)
	logger *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	pending map[uuid.UUID][]byte
	closed  bool
}

// NewClient starts the ack reader on the given connection.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("publisher: ClientConfig.Conn is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	client := &Client{
		onAck:   cfg.OnAck,
		logger:  cfg.Logger,
		conn:    cfg.Conn,
		pending: make(map[uuid.UUID][]byte),
	}
	go client.readAcks(cfg.Conn)
	return client, nil
}

// Send encodes and writes one side-effect frame, registering the
// effect id as unacknowledged first. A write error leaves the entry
// pending for a later ResendPending.
func (c *Client) Send(effectID uuid.UUID, payload []byte) error {
	frame := SideEffectFrame{EffectID: effectID, Payload: payload}
	encoded, err := frame.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.pending[effectID] = encoded
	if _, err := c.conn.Write(encoded); err != nil {
		return fmt.Errorf("publisher: writing effect %s: %w", effectID, err)
	}
	return nil
}

// Pending returns the unacknowledged effect ids in stable order.
func (c *Client) Pending() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// ResendPending rewrites every unacknowledged frame byte-identically.
func (c *Client) ResendPending() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	for effectID, encoded := range c.pending {
		if _, err := c.conn.Write(encoded); err != nil {
			return fmt.Errorf("publisher: resending effect %s: %w", effectID, err)
		}
	}
	return nil
}

// Reconnect swaps in a fresh connection after the publisher process
// restarted, starts a new ack reader, and resends everything pending.
func (c *Client) Reconnect(conn net.Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	old := c.conn
	c.conn = conn
	c.mu.Unlock()

	old.Close()
	go c.readAcks(conn)
	return c.ResendPending()
}

// Close stops the client and closes the connection. Pending effects
// are dropped; the commit log replays them on the next daemon start.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	return conn.Close()
}

// readAcks resolves pending entries until the connection fails.
func (c *Client) readAcks(conn net.Conn) {
	for {
		data, err := ReadFrame(conn)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			current := c.conn == conn
			c.mu.Unlock()
			if !closed && current {
				c.logger.Warn("publisher ack stream ended", "error", err)
			}
			return
		}
		ack, err := ParsePublishAck(data)
		if err != nil {
			c.logger.Warn("discarding malformed ack frame", "error", err)
			continue
		}

		c.mu.Lock()
		_, known := c.pending[ack.EffectID]
		delete(c.pending, ack.EffectID)
		c.mu.Unlock()
		if !known {
			c.logger.Warn("ack for unknown effect", "effect_id", ack.EffectID)
		}
		if !ack.OK {
			c.logger.Warn("remote publish failed",
				"effect_id", ack.EffectID,
				"error", ack.ErrorMessage,
			)
		}
		if c.onAck != nil {
			c.onAck(*ack)
		}
	}
}
