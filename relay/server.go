// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// ServerConfig configures the relay listener.
type ServerConfig struct {
	// Router holds all session and connection state.
	Router *Router

	// Logger receives per-connection lifecycle events. Nil discards.
	Logger *slog.Logger
}

// Server accepts device connections and feeds their messages to the
// router. The wire format is newline-delimited JSON, one Message per
// line in both directions.
type Server struct {
	router *Router
	logger *slog.Logger
}

// NewServer validates the configuration.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Router == nil {
		return nil, fmt.Errorf("relay: ServerConfig.Router is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{router: cfg.Router, logger: cfg.Logger}, nil
}

// Serve accepts connections until the listener closes or the context
// ends. Each connection gets its own goroutine.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(conn)
		}()
	}
}

// serveConn runs one connection's read loop. Routing errors go back to
// the device as ERROR messages; read errors end the connection.
func (s *Server) serveConn(netConn net.Conn) {
	conn := &jsonConn{conn: netConn, encoder: json.NewEncoder(netConn)}
	defer netConn.Close()
	defer s.router.Disconnect(conn)

	decoder := json.NewDecoder(netConn)
	for {
		var message Message
		if err := decoder.Decode(&message); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("relay connection closed", "error", err)
			}
			return
		}
		if err := s.dispatch(conn, message); err != nil {
			conn.Send(Message{
				Type:      TypeError,
				SessionID: message.SessionID,
				RequestID: message.RequestID,
				Error:     err.Error(),
			})
		}
	}
}

// dispatch maps one inbound message to the router operation it names.
func (s *Server) dispatch(conn Conn, message Message) error {
	switch message.Type {
	case TypeAuth:
		return s.router.Authenticate(conn, message.DeviceID, message.AccountID)
	case TypeRoleAnnounce:
		return s.router.RegisterRole(conn, message.Role, message.Capabilities)
	case TypeJoinSession:
		return s.router.JoinSession(conn, message.SessionID, message.Role, message.Permission)
	case TypeLeaveSession:
		return s.router.LeaveSession(conn, message.SessionID)
	case TypeRemoteControl:
		return s.router.RemoteControl(conn, message)
	case TypeRemoteControlAck:
		return s.router.RemoteControlAck(conn, message)
	default:
		return fmt.Errorf("relay: unhandled message type %q", message.Type)
	}
}

// jsonConn writes newline-delimited JSON messages to one device. The
// mutex serializes broadcasts from concurrent router operations.
type jsonConn struct {
	conn    net.Conn
	mu      sync.Mutex
	encoder *json.Encoder
}

// Send implements Conn.
func (c *jsonConn) Send(message Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encoder.Encode(message)
}
