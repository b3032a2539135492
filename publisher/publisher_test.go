// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package publisher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tether-foundation/tether/lib/clock"
	"github.com/tether-foundation/tether/lib/config"
	"github.com/tether-foundation/tether/lib/testutil"
)

// fakeTransport records publishes and fails the first failuresLeft
// attempts.
type fakeTransport struct {
	mu           sync.Mutex
	published    []publishedEnvelope
	failuresLeft int
	attempts     int
}

type publishedEnvelope struct {
	Channel string
	Event   string
	Payload []byte
}

func (f *fakeTransport) Publish(_ context.Context, channel, event string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return errors.New("backend unavailable")
	}
	f.published = append(f.published, publishedEnvelope{
		Channel: channel,
		Event:   event,
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

func (f *fakeTransport) snapshot() ([]publishedEnvelope, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedEnvelope(nil), f.published...), f.attempts
}

// startPipeline wires a client and a server over an in-memory pipe and
// returns the ack channel.
func startPipeline(t *testing.T, transport Transport) (*Client, chan PublishAckFrame) {
	t.Helper()
	return startPipelineRoutes(t, transport, nil)
}

func startPipelineRoutes(t *testing.T, transport Transport, routes *config.Routes) (*Client, chan PublishAckFrame) {
	t.Helper()
	server, err := NewServer(ServerConfig{
		Transport:  transport,
		Clock:      clock.Real(),
		Routes:     routes,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	daemonConn, publisherConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.Serve(ctx, publisherConn)

	acks := make(chan PublishAckFrame, 16)
	client, err := NewClient(ClientConfig{
		Conn:  daemonConn,
		OnAck: func(ack PublishAckFrame) { acks <- ack },
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, acks
}

func waitForAck(t *testing.T, acks chan PublishAckFrame) PublishAckFrame {
	t.Helper()
	return testutil.RequireReceive(t, acks, 5*time.Second, "waiting for ack")
}

func TestPublishWithChannelOverride(t *testing.T) {
	transport := &fakeTransport{}
	client, acks := startPipeline(t, transport)

	sessionID := uuid.New()
	envelope, err := json.Marshal(map[string]any{
		"type":    "message_appended",
		"channel": "session:" + sessionID.String(),
		"event":   "message",
		"payload": []byte(`{"sealed":true}`),
	})
	if err != nil {
		t.Fatalf("encoding envelope: %v", err)
	}

	effectID := uuid.New()
	if err := client.Send(effectID, envelope); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ack := waitForAck(t, acks)
	if !ack.OK || ack.EffectID != effectID {
		t.Fatalf("ack = %+v", ack)
	}

	published, _ := transport.snapshot()
	if len(published) != 1 {
		t.Fatalf("published = %d envelopes, want 1", len(published))
	}
	got := published[0]
	if got.Channel != "session:"+sessionID.String() || got.Event != "message" {
		t.Fatalf("published to %s/%s", got.Channel, got.Event)
	}
	if !bytes.Equal(got.Payload, []byte(`{"sealed":true}`)) {
		t.Fatalf("payload = %q", got.Payload)
	}
	if pending := client.Pending(); len(pending) != 0 {
		t.Fatalf("pending after ack = %v", pending)
	}
}

func TestPublishDefaultsWithoutOverride(t *testing.T) {
	transport := &fakeTransport{}
	client, acks := startPipeline(t, transport)

	envelope := []byte(`{"type":"session_created","session":{"title":"demo"}}`)
	if err := client.Send(uuid.New(), envelope); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ack := waitForAck(t, acks); !ack.OK {
		t.Fatalf("ack = %+v", ack)
	}

	published, _ := transport.snapshot()
	if len(published) != 1 {
		t.Fatalf("published = %d envelopes, want 1", len(published))
	}
	got := published[0]
	if got.Channel != DefaultChannel || got.Event != "session_created" {
		t.Fatalf("published to %s/%s, want %s/session_created", got.Channel, got.Event, DefaultChannel)
	}
	// Without a payload override the whole envelope ships.
	if !bytes.Equal(got.Payload, envelope) {
		t.Fatalf("payload = %q", got.Payload)
	}
}

func TestRoutesTableResolvesChannel(t *testing.T) {
	transport := &fakeTransport{}
	routes := &config.Routes{Routes: map[string]config.Route{
		"message_appended": {Channel: "session:{session_id}", Event: "message"},
	}}
	client, acks := startPipelineRoutes(t, transport, routes)

	sessionID := uuid.New()
	envelope := []byte(`{"type":"message_appended","message":{"sessionId":"` + sessionID.String() + `"}}`)
	if err := client.Send(uuid.New(), envelope); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ack := waitForAck(t, acks); !ack.OK {
		t.Fatalf("ack = %+v", ack)
	}

	published, _ := transport.snapshot()
	if len(published) != 1 {
		t.Fatalf("published = %d envelopes, want 1", len(published))
	}
	got := published[0]
	if got.Channel != "session:"+sessionID.String() || got.Event != "message" {
		t.Fatalf("published to %s/%s", got.Channel, got.Event)
	}
}

func TestEnvelopeOverrideBeatsRoutesTable(t *testing.T) {
	transport := &fakeTransport{}
	routes := &config.Routes{Routes: map[string]config.Route{
		"message_appended": {Channel: "session:{session_id}", Event: "message"},
	}}
	client, acks := startPipelineRoutes(t, transport, routes)

	envelope := []byte(`{"type":"message_appended","channel":"priority","event":"urgent"}`)
	if err := client.Send(uuid.New(), envelope); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ack := waitForAck(t, acks); !ack.OK {
		t.Fatalf("ack = %+v", ack)
	}

	published, _ := transport.snapshot()
	if len(published) != 1 {
		t.Fatalf("published = %d envelopes, want 1", len(published))
	}
	if published[0].Channel != "priority" || published[0].Event != "urgent" {
		t.Fatalf("published to %s/%s", published[0].Channel, published[0].Event)
	}
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	transport := &fakeTransport{failuresLeft: 2}
	client, acks := startPipeline(t, transport)

	if err := client.Send(uuid.New(), []byte(`{"type":"session_created"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ack := waitForAck(t, acks); !ack.OK {
		t.Fatalf("ack = %+v", ack)
	}
	if _, attempts := transport.snapshot(); attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestPublishFailureAcksFailed(t *testing.T) {
	transport := &fakeTransport{failuresLeft: 100}
	client, acks := startPipeline(t, transport)

	effectID := uuid.New()
	if err := client.Send(effectID, []byte(`{"type":"session_created"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ack := waitForAck(t, acks)
	if ack.OK || ack.EffectID != effectID {
		t.Fatalf("ack = %+v, want failed", ack)
	}
	if ack.ErrorMessage == "" {
		t.Fatal("failed ack carries no error message")
	}
	if _, attempts := transport.snapshot(); attempts != 3 {
		t.Fatalf("attempts = %d, want bounded at 3", attempts)
	}
	// Failed publishes are still acknowledged; nothing stays pending.
	if pending := client.Pending(); len(pending) != 0 {
		t.Fatalf("pending after failed ack = %v", pending)
	}
}

func TestOrderingPreservedPerConnection(t *testing.T) {
	transport := &fakeTransport{}
	client, acks := startPipeline(t, transport)

	var sent []uuid.UUID
	for index := 0; index < 5; index++ {
		effectID := uuid.New()
		sent = append(sent, effectID)
		envelope := []byte(`{"type":"message_appended","event":"message"}`)
		if err := client.Send(effectID, envelope); err != nil {
			t.Fatalf("Send %d: %v", index, err)
		}
		// Frames on one connection are handled serially; each ack
		// arrives before the next frame is published.
		if ack := waitForAck(t, acks); ack.EffectID != sent[index] {
			t.Fatalf("ack %d for %s, want %s", index, ack.EffectID, sent[index])
		}
	}
	published, _ := transport.snapshot()
	if len(published) != 5 {
		t.Fatalf("published = %d, want 5", len(published))
	}
}

func TestReconnectResendsPending(t *testing.T) {
	// First connection: a peer that swallows frames without acking.
	daemonConn, silentConn := net.Pipe()
	go func() {
		for {
			if _, err := ReadFrame(silentConn); err != nil {
				return
			}
		}
	}()

	acks := make(chan PublishAckFrame, 16)
	client, err := NewClient(ClientConfig{
		Conn:  daemonConn,
		OnAck: func(ack PublishAckFrame) { acks <- ack },
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	effectID := uuid.New()
	if err := client.Send(effectID, []byte(`{"type":"session_created"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if pending := client.Pending(); len(pending) != 1 || pending[0] != effectID {
		t.Fatalf("pending = %v, want [%s]", pending, effectID)
	}

	// Reconnect to a live server; the pending frame is replayed.
	transport := &fakeTransport{}
	server, err := NewServer(ServerConfig{Transport: transport, Clock: clock.Real(), RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	newDaemonConn, publisherConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.Serve(ctx, publisherConn)

	if err := client.Reconnect(newDaemonConn); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	ack := waitForAck(t, acks)
	if !ack.OK || ack.EffectID != effectID {
		t.Fatalf("ack after reconnect = %+v", ack)
	}
	if pending := client.Pending(); len(pending) != 0 {
		t.Fatalf("pending after reconnect ack = %v", pending)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	daemonConn, _ := net.Pipe()
	client, err := NewClient(ClientConfig{Conn: daemonConn})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.Close()
	if err := client.Send(uuid.New(), []byte("{}")); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("Send after Close: got %v, want ErrClientClosed", err)
	}
}

// fakeSidecar answers publish.v1 lines on the far end of a pipe.
func fakeSidecar(t *testing.T, conn net.Conn, respond func(request sidecarRequest) sidecarResponse) {
	t.Helper()
	go func() {
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 64*1024), MaxFrameBytes)
		for scanner.Scan() {
			var request sidecarRequest
			if err := json.Unmarshal(scanner.Bytes(), &request); err != nil {
				return
			}
			reply := respond(request)
			line, err := json.Marshal(reply)
			if err != nil {
				return
			}
			line = append(line, '\n')
			if _, err := conn.Write(line); err != nil {
				return
			}
		}
	}()
}

func TestSidecarPublish(t *testing.T) {
	clientConn, sidecarConn := net.Pipe()
	var got sidecarRequest
	fakeSidecar(t, sidecarConn, func(request sidecarRequest) sidecarResponse {
		got = request
		return sidecarResponse{Op: "publish.ack.v1", RequestID: request.RequestID, OK: true}
	})

	sidecar, err := NewSidecar(SidecarConfig{Conn: clientConn, PublishTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewSidecar: %v", err)
	}
	t.Cleanup(func() { sidecar.Close() })

	payload := []byte(`{"hello":"world"}`)
	if err := sidecar.Publish(context.Background(), "device-events", "session_created", payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got.Op != "publish.v1" || got.Channel != "device-events" || got.Event != "session_created" {
		t.Fatalf("request = %+v", got)
	}
	decoded, err := base64.StdEncoding.DecodeString(got.PayloadB64)
	if err != nil {
		t.Fatalf("decoding payload_b64: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Fatalf("payload = %q", decoded)
	}
	if got.TimeoutMS != 5000 {
		t.Fatalf("timeout_ms = %d, want 5000", got.TimeoutMS)
	}
}

func TestSidecarPublishRejected(t *testing.T) {
	clientConn, sidecarConn := net.Pipe()
	fakeSidecar(t, sidecarConn, func(request sidecarRequest) sidecarResponse {
		return sidecarResponse{
			Op:        "publish.ack.v1",
			RequestID: request.RequestID,
			OK:        false,
			Error:     "channel not provisioned",
		}
	})

	sidecar, err := NewSidecar(SidecarConfig{Conn: clientConn, PublishTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewSidecar: %v", err)
	}
	t.Cleanup(func() { sidecar.Close() })

	err = sidecar.Publish(context.Background(), "session:x", "message", []byte("{}"))
	if !errors.Is(err, ErrPublishRejected) {
		t.Fatalf("Publish: got %v, want ErrPublishRejected", err)
	}
}

func TestSidecarSkipsUnrelatedLines(t *testing.T) {
	clientConn, sidecarConn := net.Pipe()
	fakeSidecar(t, sidecarConn, func(request sidecarRequest) sidecarResponse {
		// Write a stray notification before the real ack.
		stray, _ := json.Marshal(sidecarResponse{Op: "status.v1", RequestID: "other"})
		sidecarConn.Write(append(stray, '\n'))
		return sidecarResponse{Op: "publish.ack.v1", RequestID: request.RequestID, OK: true}
	})

	sidecar, err := NewSidecar(SidecarConfig{Conn: clientConn, PublishTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewSidecar: %v", err)
	}
	t.Cleanup(func() { sidecar.Close() })

	if err := sidecar.Publish(context.Background(), "device-events", "event", []byte("{}")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}
