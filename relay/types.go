// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"github.com/google/uuid"
)

// MessageType enumerates the relay wire messages.
type MessageType string

const (
	TypeAuth             MessageType = "AUTH"
	TypeAuthResult       MessageType = "AUTH_RESULT"
	TypeRoleAnnounce     MessageType = "ROLE_ANNOUNCE"
	TypeJoinSession      MessageType = "JOIN_SESSION"
	TypeMemberJoined     MessageType = "MEMBER_JOINED"
	TypeLeaveSession     MessageType = "LEAVE_SESSION"
	TypeMemberLeft       MessageType = "MEMBER_LEFT"
	TypeRemoteControl    MessageType = "REMOTE_CONTROL"
	TypeRemoteControlAck MessageType = "REMOTE_CONTROL_ACK"
	TypeError            MessageType = "ERROR"
)

// Permission gates which remote-control actions a session member may
// issue.
type Permission string

const (
	PermissionViewOnly    Permission = "view_only"
	PermissionInteract    Permission = "interact"
	PermissionFullControl Permission = "full_control"
)

// Valid reports whether the permission is one of the closed set.
func (p Permission) Valid() bool {
	switch p {
	case PermissionViewOnly, PermissionInteract, PermissionFullControl:
		return true
	}
	return false
}

// Action enumerates remote-control commands.
type Action string

const (
	ActionInput  Action = "INPUT"
	ActionPause  Action = "PAUSE"
	ActionResume Action = "RESUME"
	ActionStop   Action = "STOP"
)

// Valid reports whether the action is one of the closed set.
func (a Action) Valid() bool {
	switch a {
	case ActionInput, ActionPause, ActionResume, ActionStop:
		return true
	}
	return false
}

// Member describes one device in a session room.
type Member struct {
	DeviceID   uuid.UUID  `json:"deviceId"`
	Role       string     `json:"role"`
	Permission Permission `json:"permission"`
}

// Message is the relay wire envelope. Fields beyond Type are populated
// per message type.
type Message struct {
	Type         MessageType `json:"type"`
	DeviceID     uuid.UUID   `json:"deviceId,omitempty"`
	AccountID    string      `json:"accountId,omitempty"`
	SessionID    string      `json:"sessionId,omitempty"`
	Role         string      `json:"role,omitempty"`
	Permission   Permission  `json:"permission,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Members      []Member    `json:"members,omitempty"`
	Action       Action      `json:"action,omitempty"`
	Content      string      `json:"content,omitempty"`
	Force        bool        `json:"force,omitempty"`
	RequestID    string      `json:"requestId,omitempty"`
	Success      bool        `json:"success,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// Conn is one device connection. Implementations are used as map keys
// and must be comparable; Send must be safe for concurrent use.
type Conn interface {
	Send(message Message) error
}
