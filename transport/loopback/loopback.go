// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package loopback is an in-memory fleet of chat servers.  Each Server
// delivers private messages between nicknames connected to it and can be
// made lossy, duplicating or unavailable, which makes it the stand-in for
// the public servers in tests.
package loopback

import (
	"context"
	"errors"
	"fmt"
	mrand "math/rand"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/rookery/transport"
)

const (
	// DefaultMaxMessageLength mirrors the classic IRC line limit.
	DefaultMaxMessageLength = 512

	inboxLength = 4096
)

// ErrNoSuchServer is returned when dialing a server the Network lacks.
var ErrNoSuchServer = errors.New("loopback: no such server")

// Filter decides whether a message is delivered.  Returning false drops
// it.
type Filter func(from, to string, msg []byte) bool

// Network is a set of named Servers and implements transport.Dialer.
type Network struct {
	sync.RWMutex

	servers   map[string]*Server
	maxLength int
}

// NewNetwork creates an empty Network whose servers accept messages of up
// to maxLength bytes.
func NewNetwork(maxLength int) *Network {
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	return &Network{
		servers:   make(map[string]*Server),
		maxLength: maxLength,
	}
}

// AddServer creates (or returns the existing) Server called name.
func (n *Network) AddServer(name string) *Server {
	n.Lock()
	defer n.Unlock()
	if s, ok := n.servers[name]; ok {
		return s
	}
	s := &Server{
		name:      name,
		maxLength: n.maxLength,
		clients:   make(map[string]*Conn),
		rng:       rand.NewMath(),
	}
	n.servers[name] = s
	return s
}

// Server returns the Server called name, or nil.
func (n *Network) Server(name string) *Server {
	n.RLock()
	defer n.RUnlock()
	return n.servers[name]
}

// Dial implements transport.Dialer.
func (n *Network) Dial(ctx context.Context, server, nickname string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := n.Server(server)
	if s == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSuchServer, server)
	}
	return s.connect(nickname)
}

// Server is one in-memory chat server.
type Server struct {
	sync.RWMutex

	name      string
	maxLength int
	clients   map[string]*Conn

	down     bool
	lossRate float64
	dupRate  float64
	filter   Filter

	rngLock sync.Mutex
	rng     *mrand.Rand

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Name returns the server name.
func (s *Server) Name() string {
	return s.name
}

// SetDown makes the server refuse connections and traffic.
func (s *Server) SetDown(down bool) {
	s.Lock()
	defer s.Unlock()
	s.down = down
}

// SetLossRate sets the probability that a message is silently dropped.
func (s *Server) SetLossRate(p float64) {
	s.Lock()
	defer s.Unlock()
	s.lossRate = p
}

// SetDupRate sets the probability that a message is delivered twice.
func (s *Server) SetDupRate(p float64) {
	s.Lock()
	defer s.Unlock()
	s.dupRate = p
}

// SetFilter installs fn as the delivery filter; nil removes it.
func (s *Server) SetFilter(fn Filter) {
	s.Lock()
	defer s.Unlock()
	s.filter = fn
}

// Delivered returns the number of messages handed to recipients.
func (s *Server) Delivered() uint64 {
	return s.delivered.Load()
}

// Dropped returns the number of messages lost in transit.
func (s *Server) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Server) roll(p float64) bool {
	if p <= 0 {
		return false
	}
	s.rngLock.Lock()
	defer s.rngLock.Unlock()
	return s.rng.Float64() < p
}

func (s *Server) connect(nickname string) (*Conn, error) {
	s.Lock()
	defer s.Unlock()

	if s.down {
		return nil, fmt.Errorf("loopback: %v: %w", s.name, transport.ErrNotReady)
	}
	key := strings.ToLower(nickname)
	if c, ok := s.clients[key]; ok && !c.closed.Load() {
		return nil, fmt.Errorf("loopback: %v: %w: %v", s.name, transport.ErrNicknameInUse, nickname)
	}
	c := &Conn{
		server: s,
		nick:   nickname,
		inbox:  make(chan *transport.Message, inboxLength),
	}
	s.clients[key] = c
	return c, nil
}

func (s *Server) disconnect(c *Conn) {
	s.Lock()
	defer s.Unlock()
	key := strings.ToLower(c.nick)
	if s.clients[key] == c {
		delete(s.clients, key)
	}
}

func (s *Server) deliver(from, to string, msg []byte) error {
	s.RLock()
	down, loss, dup, filter := s.down, s.lossRate, s.dupRate, s.filter
	dst := s.clients[strings.ToLower(to)]
	s.RUnlock()

	if down {
		return transport.ErrNotReady
	}
	if len(msg) > s.maxLength {
		return transport.ErrMessageTooLong
	}
	if dst == nil || (filter != nil && !filter(from, to, msg)) || s.roll(loss) {
		s.dropped.Add(1)
		return nil
	}

	copies := 1
	if s.roll(dup) {
		copies++
	}
	for i := 0; i < copies; i++ {
		m := &transport.Message{
			From:    from,
			Payload: append([]byte(nil), msg...),
		}
		select {
		case dst.inbox <- m:
			s.delivered.Add(1)
		default:
			// Recipient flooded; servers drop rather than block.
			s.dropped.Add(1)
		}
	}
	return nil
}

// Conn is a client connection to a Server.  It implements transport.Conn.
type Conn struct {
	server *Server
	nick   string
	inbox  chan *transport.Message
	closed atomic.Bool
}

// Server implements transport.Conn.
func (c *Conn) Server() string {
	return c.server.name
}

// Nickname implements transport.Conn.
func (c *Conn) Nickname() string {
	return c.nick
}

// Send implements transport.Conn.
func (c *Conn) Send(nick string, msg []byte) error {
	if c.closed.Load() {
		return transport.ErrNotReady
	}
	return c.server.deliver(c.nick, nick, msg)
}

// Receive implements transport.Conn.
func (c *Conn) Receive() (*transport.Message, bool) {
	select {
	case m := <-c.inbox:
		return m, true
	default:
		return nil, false
	}
}

// Ready implements transport.Conn.
func (c *Conn) Ready() bool {
	if c.closed.Load() {
		return false
	}
	c.server.RLock()
	defer c.server.RUnlock()
	return !c.server.down
}

// MaxMessageLength implements transport.Conn.
func (c *Conn) MaxMessageLength() int {
	return c.server.maxLength
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.server.disconnect(c)
	return nil
}
