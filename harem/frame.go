// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package harem

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Control is the frame type.
type Control byte

const (
	ControlData             Control = 0xD0
	ControlSitrep           Control = 0xAC
	ControlOpen             Control = 0x01
	ControlClose            Control = 0x02
	ControlReciprocateOpen  Control = 0x03
	ControlReciprocateClose Control = 0x04
)

// String returns the lower case name of the control, used as a metrics
// label.
func (c Control) String() string {
	switch c {
	case ControlData:
		return "data"
	case ControlSitrep:
		return "sitrep"
	case ControlOpen:
		return "open"
	case ControlClose:
		return "close"
	case ControlReciprocateOpen:
		return "reciprocate_open"
	case ControlReciprocateClose:
		return "reciprocate_close"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(c))
	}
}

func (c Control) valid() bool {
	switch c {
	case ControlData, ControlSitrep, ControlOpen, ControlClose, ControlReciprocateOpen, ControlReciprocateClose:
		return true
	}
	return false
}

const (
	headerLength   = 14
	checksumLength = 4

	// FrameOverhead is the number of bytes a frame adds to its payload.
	FrameOverhead = headerLength + checksumLength

	// MaxPayloadLength is the largest payload a frame can carry.
	MaxPayloadLength = 256

	// MaxID is the largest 24 bit correlation id.
	MaxID = 1<<24 - 1
)

var (
	// ErrMalformedFrame is returned for frames that cannot be decoded.
	ErrMalformedFrame = errors.New("harem: malformed frame")

	// ErrChecksum is returned alongside a decoded frame whose trailing
	// checksum does not match.
	ErrChecksum = errors.New("harem: frame checksum mismatch")
)

// Frame is the unit exchanged between Corridors.
type Frame struct {
	Control   Control
	ID        uint32
	Sequence  uint32
	Timestamp uint32
	Payload   []byte
}

func checksum(b []byte) uint32 {
	return uint32(xxhash.Sum64(b))
}

// Marshal returns the wire encoding of the frame.
func (f *Frame) Marshal() []byte {
	n := len(f.Payload)
	b := make([]byte, headerLength+n+checksumLength)
	b[0] = byte(f.Control)
	b[1] = byte(f.ID)
	b[2] = byte(f.ID >> 8)
	b[3] = byte(f.ID >> 16)
	binary.LittleEndian.PutUint32(b[4:8], f.Sequence)
	binary.LittleEndian.PutUint32(b[8:12], f.Timestamp)
	binary.LittleEndian.PutUint16(b[12:14], uint16(n))
	copy(b[headerLength:], f.Payload)
	binary.LittleEndian.PutUint32(b[headerLength+n:], checksum(b[:headerLength+n]))
	return b
}

// Unmarshal decodes b.  A frame whose checksum does not match is still
// returned, together with ErrChecksum.
func Unmarshal(b []byte) (*Frame, error) {
	if len(b) < FrameOverhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(b))
	}
	f := &Frame{
		Control:   Control(b[0]),
		ID:        uint32(b[1]) | uint32(b[2])<<8 | uint32(b[3])<<16,
		Sequence:  binary.LittleEndian.Uint32(b[4:8]),
		Timestamp: binary.LittleEndian.Uint32(b[8:12]),
	}
	if !f.Control.valid() {
		return nil, fmt.Errorf("%w: control %v", ErrMalformedFrame, f.Control)
	}
	n := int(binary.LittleEndian.Uint16(b[12:14]))
	if n > MaxPayloadLength || len(b) != headerLength+n+checksumLength {
		return nil, fmt.Errorf("%w: payload length %d in %d bytes", ErrMalformedFrame, n, len(b))
	}
	f.Payload = append([]byte{}, b[headerLength:headerLength+n]...)
	if binary.LittleEndian.Uint32(b[headerLength+n:]) != checksum(b[:headerLength+n]) {
		return f, ErrChecksum
	}
	return f, nil
}
