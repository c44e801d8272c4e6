// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport defines the capability a chat server connection must
// offer to carry handshakes and corridor frames.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotReady is returned by Send while the connection is down.
	ErrNotReady = errors.New("transport: connection not ready")

	// ErrMessageTooLong is returned by Send when msg exceeds the server's
	// message length ceiling.
	ErrMessageTooLong = errors.New("transport: message too long")

	// ErrNicknameInUse is returned by Dial when the server already has a
	// client with the requested nickname.
	ErrNicknameInUse = errors.New("transport: nickname in use")
)

// Message is one private message received from a peer.
type Message struct {
	// From is the sender's nickname.
	From string

	// Payload is the raw message body.
	Payload []byte
}

// Conn is a single connection to a chat server under one nickname.
// Implementations must be safe for concurrent use.
type Conn interface {
	// Server returns the name of the server this connection talks to.
	Server() string

	// Nickname returns the nickname the server knows us by.
	Nickname() string

	// Send queues msg as a private message to nick without blocking.
	Send(nick string, msg []byte) error

	// Receive returns the next queued inbound message, if any, without
	// blocking.
	Receive() (*Message, bool)

	// Ready reports whether the connection is currently usable.
	Ready() bool

	// MaxMessageLength is the largest msg Send accepts.
	MaxMessageLength() int

	// Close tears the connection down.
	Close() error
}

// Dialer connects to a chat server.
type Dialer interface {
	Dial(ctx context.Context, server, nickname string) (Conn, error)
}
