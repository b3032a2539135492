// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Errors returned by router operations.
var (
	ErrNotTrusted       = errors.New("relay: device is not trusted")
	ErrNotAuthenticated = errors.New("relay: connection is not authenticated")
	ErrAlreadyInSession = errors.New("relay: device already joined this session")
	ErrNotInSession     = errors.New("relay: device is not in this session")
	ErrInvalidAction    = errors.New("relay: invalid remote-control action")
	ErrPermissionDenied = errors.New("relay: permission does not allow this action")
	ErrNoExecutor       = errors.New("relay: session has no executor")
	ErrUnknownRequest   = errors.New("relay: no requester for this request id")
)

// RoleExecutor is the member role that processes remote-control
// commands.
const RoleExecutor = "executor"

// TrustChecker answers whether a device is currently trusted.
// *truststore.Store satisfies it.
type TrustChecker interface {
	IsTrusted(deviceID uuid.UUID) bool
}

// Config configures a Router.
type Config struct {
	// Trust authorizes connections.
	Trust TrustChecker

	// Logger receives delivery warnings. Nil discards.
	Logger *slog.Logger
}

// connState is the per-connection record. All fields are guarded by
// the router mutex.
type connState struct {
	deviceID     uuid.UUID
	accountID    string
	role         string
	capabilities []string
}

// memberState is one session membership.
type memberState struct {
	role       string
	permission Permission
}

// pendingRequest tracks an in-flight remote-control command until the
// executor acks it or either side disconnects.
type pendingRequest struct {
	requester Conn
	executor  Conn
	sessionID string
}

// Router relays control traffic between a single account's devices.
type Router struct {
	trust  TrustChecker
	logger *slog.Logger

	mu       sync.Mutex
	conns    map[Conn]*connState
	sessions map[string]map[Conn]*memberState
	requests map[string]pendingRequest
}

// NewRouter validates the configuration.
func NewRouter(cfg Config) (*Router, error) {
	if cfg.Trust == nil {
		return nil, fmt.Errorf("relay: Config.Trust is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		trust:    cfg.Trust,
		logger:   cfg.Logger,
		conns:    make(map[Conn]*connState),
		sessions: make(map[string]map[Conn]*memberState),
		requests: make(map[string]pendingRequest),
	}, nil
}

// Authenticate checks the device against the trust store and binds the
// connection to it. The connection receives an AUTH_RESULT either way.
func (r *Router) Authenticate(conn Conn, deviceID uuid.UUID, accountID string) error {
	if !r.trust.IsTrusted(deviceID) {
		r.send(conn, Message{
			Type:     TypeAuthResult,
			DeviceID: deviceID,
			Success:  false,
			Error:    "device is not trusted; pair it first",
		})
		return fmt.Errorf("%w: %s", ErrNotTrusted, deviceID)
	}

	r.mu.Lock()
	r.conns[conn] = &connState{deviceID: deviceID, accountID: accountID}
	r.mu.Unlock()

	r.send(conn, Message{
		Type:      TypeAuthResult,
		DeviceID:  deviceID,
		AccountID: accountID,
		Success:   true,
	})
	return nil
}

// RegisterRole stores the connection's role, echoes the announcement
// to the caller, and broadcasts it to the account's other connections.
func (r *Router) RegisterRole(conn Conn, role string, capabilities []string) error {
	r.mu.Lock()
	state, ok := r.conns[conn]
	if !ok {
		r.mu.Unlock()
		return ErrNotAuthenticated
	}
	state.role = role
	state.capabilities = append([]string(nil), capabilities...)

	announcement := Message{
		Type:         TypeRoleAnnounce,
		DeviceID:     state.deviceID,
		AccountID:    state.accountID,
		Role:         role,
		Capabilities: state.capabilities,
	}
	var peers []Conn
	for peer, peerState := range r.conns {
		if peer != conn && peerState.accountID == state.accountID {
			peers = append(peers, peer)
		}
	}
	r.mu.Unlock()

	r.send(conn, announcement)
	for _, peer := range peers {
		r.send(peer, announcement)
	}
	return nil
}

// JoinSession adds the device to a session room. The joiner gets the
// current member list; existing members get a MEMBER_JOINED carrying
// the new member's role and permission.
func (r *Router) JoinSession(conn Conn, sessionID, role string, permission Permission) error {
	if permission == "" {
		permission = PermissionViewOnly
	}
	if !permission.Valid() {
		return fmt.Errorf("relay: invalid permission %q", permission)
	}

	r.mu.Lock()
	state, ok := r.conns[conn]
	if !ok {
		r.mu.Unlock()
		return ErrNotAuthenticated
	}
	room := r.sessions[sessionID]
	if room == nil {
		room = make(map[Conn]*memberState)
		r.sessions[sessionID] = room
	}
	if _, present := room[conn]; present {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyInSession, sessionID)
	}

	var existing []Conn
	for peer := range room {
		existing = append(existing, peer)
	}
	room[conn] = &memberState{role: role, permission: permission}
	members := r.memberListLocked(sessionID)
	joined := Message{
		Type:       TypeMemberJoined,
		SessionID:  sessionID,
		DeviceID:   state.deviceID,
		Role:       role,
		Permission: permission,
	}
	r.mu.Unlock()

	r.send(conn, Message{Type: TypeJoinSession, SessionID: sessionID, Members: members})
	for _, peer := range existing {
		r.send(peer, joined)
	}
	return nil
}

// LeaveSession removes the membership, acknowledges the leaver, and
// broadcasts a MEMBER_LEFT carrying the device's prior role.
func (r *Router) LeaveSession(conn Conn, sessionID string) error {
	r.mu.Lock()
	state, ok := r.conns[conn]
	if !ok {
		r.mu.Unlock()
		return ErrNotAuthenticated
	}
	room := r.sessions[sessionID]
	member, present := room[conn]
	if !present {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInSession, sessionID)
	}
	delete(room, conn)
	if len(room) == 0 {
		delete(r.sessions, sessionID)
	}
	var remaining []Conn
	for peer := range room {
		remaining = append(remaining, peer)
	}
	left := Message{
		Type:      TypeMemberLeft,
		SessionID: sessionID,
		DeviceID:  state.deviceID,
		Role:      member.role,
	}
	r.mu.Unlock()

	r.send(conn, Message{Type: TypeLeaveSession, SessionID: sessionID})
	for _, peer := range remaining {
		r.send(peer, left)
	}
	return nil
}

// RemoteControl validates the requester's permission and routes the
// command to the session's executor. The executor's ack comes back
// through RemoteControlAck.
func (r *Router) RemoteControl(conn Conn, message Message) error {
	if !message.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAction, message.Action)
	}

	r.mu.Lock()
	state, ok := r.conns[conn]
	if !ok {
		r.mu.Unlock()
		return ErrNotAuthenticated
	}
	room := r.sessions[message.SessionID]
	member, present := room[conn]
	if !present {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInSession, message.SessionID)
	}
	if !ActionAllowed(message.Action, message.Force, member.permission) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s needs more than %s", ErrPermissionDenied, message.Action, member.permission)
	}

	var executor Conn
	for peer, peerMember := range room {
		if peerMember.role == RoleExecutor {
			executor = peer
			break
		}
	}
	if executor == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoExecutor, message.SessionID)
	}
	if message.RequestID != "" {
		r.requests[message.RequestID] = pendingRequest{
			requester: conn,
			executor:  executor,
			sessionID: message.SessionID,
		}
	}
	forwarded := Message{
		Type:      TypeRemoteControl,
		SessionID: message.SessionID,
		DeviceID:  state.deviceID,
		Action:    message.Action,
		Content:   message.Content,
		Force:     message.Force,
		RequestID: message.RequestID,
	}
	r.mu.Unlock()

	return r.send(executor, forwarded)
}

// RemoteControlAck relays the executor's result back to the requester
// identified by the request id.
func (r *Router) RemoteControlAck(conn Conn, message Message) error {
	r.mu.Lock()
	if _, ok := r.conns[conn]; !ok {
		r.mu.Unlock()
		return ErrNotAuthenticated
	}
	pending, ok := r.requests[message.RequestID]
	if ok {
		delete(r.requests, message.RequestID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRequest, message.RequestID)
	}

	return r.send(pending.requester, Message{
		Type:      TypeRemoteControlAck,
		SessionID: message.SessionID,
		RequestID: message.RequestID,
		Success:   message.Success,
		Error:     message.Error,
	})
}

// Disconnect removes the connection from every session and drops its
// state. Affected rooms receive MEMBER_LEFT broadcasts. Requests the
// departing connection issued are forgotten; requests it was executing
// fail back to their requesters.
func (r *Router) Disconnect(conn Conn) {
	r.mu.Lock()
	state, ok := r.conns[conn]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, conn)

	type departure struct {
		peers   []Conn
		message Message
	}
	var departures []departure
	for sessionID, room := range r.sessions {
		member, present := room[conn]
		if !present {
			continue
		}
		delete(room, conn)
		if len(room) == 0 {
			delete(r.sessions, sessionID)
			continue
		}
		var peers []Conn
		for peer := range room {
			peers = append(peers, peer)
		}
		departures = append(departures, departure{
			peers: peers,
			message: Message{
				Type:      TypeMemberLeft,
				SessionID: sessionID,
				DeviceID:  state.deviceID,
				Role:      member.role,
			},
		})
	}
	type orphan struct {
		requester Conn
		message   Message
	}
	var orphans []orphan
	for requestID, pending := range r.requests {
		switch conn {
		case pending.requester:
			delete(r.requests, requestID)
		case pending.executor:
			delete(r.requests, requestID)
			orphans = append(orphans, orphan{
				requester: pending.requester,
				message: Message{
					Type:      TypeRemoteControlAck,
					SessionID: pending.sessionID,
					RequestID: requestID,
					Success:   false,
					Error:     "executor disconnected before acknowledging",
				},
			})
		}
	}
	r.mu.Unlock()

	for _, dep := range departures {
		for _, peer := range dep.peers {
			r.send(peer, dep.message)
		}
	}
	for _, orphaned := range orphans {
		r.send(orphaned.requester, orphaned.message)
	}
}

// Members returns the current member list of a session, sorted by
// device id.
func (r *Router) Members(sessionID string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memberListLocked(sessionID)
}

func (r *Router) memberListLocked(sessionID string) []Member {
	room := r.sessions[sessionID]
	members := make([]Member, 0, len(room))
	for peer, member := range room {
		state := r.conns[peer]
		if state == nil {
			continue
		}
		members = append(members, Member{
			DeviceID:   state.deviceID,
			Role:       member.role,
			Permission: member.permission,
		})
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].DeviceID.String() < members[j].DeviceID.String()
	})
	return members
}

// send delivers one message, logging delivery failures. The relay has
// no retry; a broken connection surfaces through its own read loop.
func (r *Router) send(conn Conn, message Message) error {
	if err := conn.Send(message); err != nil {
		r.logger.Warn("relay send failed",
			"type", message.Type,
			"error", err,
		)
		return err
	}
	return nil
}
