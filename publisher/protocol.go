// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package publisher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Frame layout, little-endian throughout:
//
//	[4 bytes: frame_len (u32, excludes itself)]
//	[1 byte:  type]
//	[1 byte:  flags (side-effect) or status (ack)]
//	[2 bytes: reserved]
//	[16 bytes: effect_id]
//	[4 bytes: body_len (u32)]
//	[N bytes: body]
const (
	TypeSideEffect = 0x03
	TypePublishAck = 0x04

	StatusOK     = 0x01
	StatusFailed = 0x02

	// frameHeaderSize is the fixed portion after the length prefix.
	frameHeaderSize = 24

	lengthPrefixSize = 4

	// MaxFrameBytes bounds a declared frame length before any
	// allocation happens.
	MaxFrameBytes = 1 << 20
)

// Errors returned by the frame codec.
var (
	ErrFrameTooShort  = errors.New("publisher: frame too short")
	ErrFrameTooLarge  = errors.New("publisher: frame exceeds size limit")
	ErrWrongFrameType = errors.New("publisher: unexpected frame type")
	ErrInvalidStatus  = errors.New("publisher: invalid ack status")
	ErrLengthMismatch = errors.New("publisher: declared body length mismatch")
)

// SideEffectFrame is one committed side-effect in transit from the
// daemon to the publisher process. Payload is the JSON effect
// envelope.
type SideEffectFrame struct {
	EffectID uuid.UUID
	Flags    uint8
	Payload  []byte
}

// Encode serializes the frame, length prefix included.
func (f *SideEffectFrame) Encode() ([]byte, error) {
	return encodeFrame(TypeSideEffect, f.Flags, f.EffectID, f.Payload)
}

// PublishAckFrame reports the publish outcome for one effect id.
type PublishAckFrame struct {
	EffectID     uuid.UUID
	OK           bool
	ErrorMessage string
}

// Encode serializes the frame, length prefix included.
func (f *PublishAckFrame) Encode() ([]byte, error) {
	status := uint8(StatusOK)
	if !f.OK {
		status = StatusFailed
	}
	return encodeFrame(TypePublishAck, status, f.EffectID, []byte(f.ErrorMessage))
}

func encodeFrame(frameType, second uint8, effectID uuid.UUID, body []byte) ([]byte, error) {
	frameLen := frameHeaderSize + len(body)
	if frameLen > MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, frameLen)
	}

	buf := make([]byte, lengthPrefixSize+frameLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(frameLen))
	buf[4] = frameType
	buf[5] = second
	// buf[6:8] reserved, zeroed.
	copy(buf[8:24], effectID[:])
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(body)))
	copy(buf[28:], body)
	return buf, nil
}

// ReadFrame reads one length-prefixed frame from r and returns the
// frame data without the prefix. The declared length is checked
// against MaxFrameBytes before allocating.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	frameLen := binary.LittleEndian.Uint32(prefix[:])
	if frameLen < frameHeaderSize {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrFrameTooShort, frameLen)
	}
	if frameLen > MaxFrameBytes {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, frameLen)
	}

	data := make([]byte, frameLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// frameCursor walks frame data with explicit bounds checks.
type frameCursor struct {
	data []byte
	off  int
}

func (c *frameCursor) u8() (uint8, error) {
	if c.off+1 > len(c.data) {
		return 0, ErrFrameTooShort
	}
	v := c.data[c.off]
	c.off++
	return v, nil
}

func (c *frameCursor) skip(n int) error {
	if c.off+n > len(c.data) {
		return ErrFrameTooShort
	}
	c.off += n
	return nil
}

func (c *frameCursor) u32() (uint32, error) {
	if c.off+4 > len(c.data) {
		return 0, ErrFrameTooShort
	}
	v := binary.LittleEndian.Uint32(c.data[c.off:])
	c.off += 4
	return v, nil
}

func (c *frameCursor) uuid() (uuid.UUID, error) {
	var id uuid.UUID
	if c.off+16 > len(c.data) {
		return id, ErrFrameTooShort
	}
	copy(id[:], c.data[c.off:])
	c.off += 16
	return id, nil
}

func (c *frameCursor) rest() []byte {
	return c.data[c.off:]
}

// ParseSideEffect decodes frame data (no length prefix) as a
// side-effect frame.
func ParseSideEffect(data []byte) (*SideEffectFrame, error) {
	cursor := &frameCursor{data: data}
	frameType, err := cursor.u8()
	if err != nil {
		return nil, err
	}
	if frameType != TypeSideEffect {
		return nil, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrWrongFrameType, frameType, TypeSideEffect)
	}
	flags, err := cursor.u8()
	if err != nil {
		return nil, err
	}
	if err := cursor.skip(2); err != nil {
		return nil, err
	}
	effectID, err := cursor.uuid()
	if err != nil {
		return nil, err
	}
	bodyLen, err := cursor.u32()
	if err != nil {
		return nil, err
	}
	body := cursor.rest()
	if int(bodyLen) != len(body) {
		return nil, fmt.Errorf("%w: declared %d, have %d", ErrLengthMismatch, bodyLen, len(body))
	}

	payload := make([]byte, len(body))
	copy(payload, body)
	return &SideEffectFrame{EffectID: effectID, Flags: flags, Payload: payload}, nil
}

// ParsePublishAck decodes frame data (no length prefix) as an ack
// frame.
func ParsePublishAck(data []byte) (*PublishAckFrame, error) {
	cursor := &frameCursor{data: data}
	frameType, err := cursor.u8()
	if err != nil {
		return nil, err
	}
	if frameType != TypePublishAck {
		return nil, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrWrongFrameType, frameType, TypePublishAck)
	}
	status, err := cursor.u8()
	if err != nil {
		return nil, err
	}
	if status != StatusOK && status != StatusFailed {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidStatus, status)
	}
	if err := cursor.skip(2); err != nil {
		return nil, err
	}
	effectID, err := cursor.uuid()
	if err != nil {
		return nil, err
	}
	bodyLen, err := cursor.u32()
	if err != nil {
		return nil, err
	}
	body := cursor.rest()
	if int(bodyLen) != len(body) {
		return nil, fmt.Errorf("%w: declared %d, have %d", ErrLengthMismatch, bodyLen, len(body))
	}

	return &PublishAckFrame{
		EffectID:     effectID,
		OK:           status == StatusOK,
		ErrorMessage: string(body),
	}, nil
}
