// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package publisher

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

const sidecarDefaultTimeout = 10 * time.Second

// Errors returned by the sidecar client.
var (
	ErrSidecarClosed   = errors.New("publisher: sidecar connection closed")
	ErrPublishRejected = errors.New("publisher: sidecar rejected publish")
)

// sidecarRequest is one publish.v1 line to the transport sidecar.
type sidecarRequest struct {
	Op         string `json:"op"`
	RequestID  string `json:"request_id"`
	Channel    string `json:"channel"`
	Event      string `json:"event"`
	PayloadB64 string `json:"payload_b64"`
	TimeoutMS  int64  `json:"timeout_ms"`
}

// sidecarResponse is the publish.ack.v1 reply line.
type sidecarResponse struct {
	Op        string `json:"op"`
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// SidecarConfig configures the connection to the vendor transport
// sidecar.
type SidecarConfig struct {
	// Conn carries newline-delimited JSON, typically a unix socket.
	Conn net.Conn

	// PublishTimeout bounds one publish round trip. Zero means 10s.
	PublishTimeout time.Duration

	// Logger receives protocol warnings. Nil discards.
	Logger *slog.Logger
}

// Sidecar speaks the publish.v1 newline-delimited JSON protocol to the
// vendor transport sidecar. It implements [Transport]. Requests are
// serialized; the sidecar answers in order.
type Sidecar struct {
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	closed bool
}

// NewSidecar wraps an open sidecar connection.
func NewSidecar(cfg SidecarConfig) (*Sidecar, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("publisher: SidecarConfig.Conn is required")
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = sidecarDefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	reader := bufio.NewReaderSize(cfg.Conn, 64*1024)
	return &Sidecar{
		timeout: cfg.PublishTimeout,
		logger:  cfg.Logger,
		conn:    cfg.Conn,
		reader:  reader,
	}, nil
}

// Publish implements Transport. It writes one request line and reads
// reply lines until the matching ack arrives or the timeout passes.
func (s *Sidecar) Publish(ctx context.Context, channel, event string, payload []byte) error {
	request := sidecarRequest{
		Op:         "publish.v1",
		RequestID:  uuid.NewString(),
		Channel:    channel,
		Event:      event,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
		TimeoutMS:  s.timeout.Milliseconds(),
	}
	line, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("publisher: encoding sidecar request: %w", err)
	}
	if len(line)+1 > MaxFrameBytes {
		return fmt.Errorf("%w: request is %d bytes", ErrFrameTooLarge, len(line)+1)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSidecarClosed
	}

	deadline := time.Now().Add(s.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("publisher: setting sidecar deadline: %w", err)
	}

	if _, err := s.conn.Write(line); err != nil {
		return fmt.Errorf("publisher: writing sidecar request: %w", err)
	}

	for {
		replyLine, err := s.readLine()
		if err != nil {
			return fmt.Errorf("publisher: reading sidecar reply: %w", err)
		}
		var reply sidecarResponse
		if err := json.Unmarshal(replyLine, &reply); err != nil {
			s.logger.Warn("discarding malformed sidecar line", "error", err)
			continue
		}
		if reply.Op != "publish.ack.v1" || reply.RequestID != request.RequestID {
			s.logger.Warn("discarding unexpected sidecar reply",
				"op", reply.Op,
				"request_id", reply.RequestID,
			)
			continue
		}
		if !reply.OK {
			return fmt.Errorf("%w: %s", ErrPublishRejected, reply.Error)
		}
		return nil
	}
}

// readLine reads one newline-terminated reply, rejecting oversize
// lines before buffering more of them.
func (s *Sidecar) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := s.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxFrameBytes {
			return nil, fmt.Errorf("%w: reply exceeds %d bytes", ErrFrameTooLarge, MaxFrameBytes)
		}
		if err == nil {
			return line[:len(line)-1], nil
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
	}
}

// Close closes the sidecar connection.
func (s *Sidecar) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
