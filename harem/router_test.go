// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package harem

import (
	"errors"
	mrand "math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/rookery/homie"
)

var errServerDown = errors.New("fake: server down")

// fakeNet connects fakeRouters with configurable loss, duplication and
// reordering.
type fakeNet struct {
	sync.Mutex

	rng      *mrand.Rand
	loss     float64
	dup      float64
	maxDelay time.Duration
	down     map[string]bool
	filter   func(from homie.Fingerprint, server string, payload []byte) bool

	sent atomic.Uint64
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		rng:  rand.NewMath(),
		down: make(map[string]bool),
	}
}

func (n *fakeNet) setDown(server string, down bool) {
	n.Lock()
	defer n.Unlock()
	n.down[server] = down
}

func (n *fakeNet) setFilter(fn func(from homie.Fingerprint, server string, payload []byte) bool) {
	n.Lock()
	defer n.Unlock()
	n.filter = fn
}

// fakeRouter implements Router for one party of a fakeNet.
type fakeRouter struct {
	net     *fakeNet
	fp      homie.Fingerprint
	servers []string
	maxLen  int
	inbound chan *homie.Inbound

	peers sync.Map
	sent  atomic.Uint64
}

func (n *fakeNet) newRouter(servers ...string) *fakeRouter {
	var fp homie.Fingerprint
	if _, err := rand.Reader.Read(fp[:]); err != nil {
		panic(err)
	}
	return &fakeRouter{
		net:     n,
		fp:      fp,
		servers: servers,
		maxLen:  512 - homie.SealOverhead,
		inbound: make(chan *homie.Inbound, 4096),
	}
}

func link(a, b *fakeRouter) {
	a.peers.Store(b.fp, b)
	b.peers.Store(a.fp, a)
}

func (r *fakeRouter) peer(dst homie.Fingerprint) *fakeRouter {
	v, ok := r.peers.Load(dst)
	if !ok {
		return nil
	}
	return v.(*fakeRouter)
}

func (r *fakeRouter) Send(dst homie.Fingerprint, server string, payload []byte) error {
	p := r.peer(dst)
	if p == nil {
		return ErrKeyUnknown
	}
	if server == "" {
		servers := r.Servers(dst)
		if len(servers) == 0 {
			return ErrKeyUnknown
		}
		server = servers[0]
	}

	n := r.net
	n.Lock()
	if n.down[server] {
		n.Unlock()
		return errServerDown
	}
	copies := 1
	if n.filter != nil && !n.filter(r.fp, server, payload) {
		copies = 0
	}
	if copies > 0 && n.loss > 0 && n.rng.Float64() < n.loss {
		copies = 0
	}
	if copies > 0 && n.dup > 0 && n.rng.Float64() < n.dup {
		copies = 2
	}
	delays := make([]time.Duration, copies)
	for i := range delays {
		if n.maxDelay > 0 {
			delays[i] = time.Duration(n.rng.Int63n(int64(n.maxDelay)))
		}
	}
	n.Unlock()
	n.sent.Add(1)
	r.sent.Add(1)

	for _, d := range delays {
		in := &homie.Inbound{
			Server:      server,
			Nickname:    "fake",
			Fingerprint: r.fp,
			Payload:     append([]byte{}, payload...),
		}
		deliver := func() {
			select {
			case p.inbound <- in:
			default:
			}
		}
		if d == 0 {
			deliver()
		} else {
			time.AfterFunc(d, deliver)
		}
	}
	return nil
}

func (r *fakeRouter) Servers(dst homie.Fingerprint) []string {
	if r.peer(dst) == nil {
		return nil
	}
	r.net.Lock()
	defer r.net.Unlock()
	var servers []string
	for _, s := range r.servers {
		if !r.net.down[s] {
			servers = append(servers, s)
		}
	}
	return servers
}

func (r *fakeRouter) Inbound() <-chan *homie.Inbound {
	return r.inbound
}

func (r *fakeRouter) MaxPayloadLength() int {
	return r.maxLen
}
