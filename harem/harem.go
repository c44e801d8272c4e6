// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package harem multiplexes Corridors, ordered and de-duplicated byte
// streams to remote peers, over the server connections of a Rookery.
package harem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/rookery/config"
	"github.com/katzenpost/rookery/core/log"
	"github.com/katzenpost/rookery/core/worker"
	"github.com/katzenpost/rookery/homie"
	"github.com/katzenpost/rookery/internal/instrument"
	"github.com/katzenpost/rookery/rookery"
)

const (
	// 4 KiB of filter, enough for a few thousand closed ids.
	closedIDsLn2           = 15
	closedIDsFalsePositive = 0.001

	acceptQueueLength = 16
	maxIDAttempts     = 32
)

// Router is the part of a Rookery the Harem depends on.
type Router interface {
	// Send seals payload for dst and sends it on server, or on any
	// server where dst is a true homie.
	Send(dst homie.Fingerprint, server string, payload []byte) error

	// Servers returns the servers on which dst is a true homie.
	Servers(dst homie.Fingerprint) []string

	// Inbound returns the queue of decrypted payloads.
	Inbound() <-chan *homie.Inbound

	// MaxPayloadLength returns the largest payload Send accepts.
	MaxPayloadLength() int
}

var _ Router = (*rookery.Rookery)(nil)

type logBackender interface {
	LogBackend() *log.Backend
}

var _ logBackender = (*rookery.Rookery)(nil)

// Harem owns the Corridors of one Router and dispatches inbound frames to
// them.
type Harem struct {
	worker.Worker
	sync.RWMutex

	cfg        *config.Config
	log        *logging.Logger
	logBackend *log.Backend
	router     Router

	corridors map[uint32]*Corridor
	pending   map[homie.Fingerprint]uint32

	closedLock sync.Mutex
	closedIDs  *bloom.Filter

	acceptCh chan *Corridor
}

// New creates a Harem on top of router and starts its dispatcher.  A nil
// logBackend falls back to the router's own backend when it has one.
func New(cfg *config.Config, logBackend *log.Backend, router Router) (*Harem, error) {
	if need, have := FrameOverhead+cfg.Corridor.FrameSize, router.MaxPayloadLength(); need > have {
		return nil, fmt.Errorf("%w: %d byte frames, %d byte payload limit", ErrFrameTooLarge, need, have)
	}
	if logBackend == nil {
		if lb, ok := router.(logBackender); ok {
			logBackend = lb.LogBackend()
		}
	}
	if logBackend == nil {
		logBackend = log.NewDiscard()
	}
	f, err := bloom.New(rand.Reader, closedIDsLn2, closedIDsFalsePositive)
	if err != nil {
		return nil, err
	}
	h := &Harem{
		cfg:        cfg,
		log:        logBackend.GetLogger("harem"),
		logBackend: logBackend,
		router:     router,
		corridors:  make(map[uint32]*Corridor),
		pending:    make(map[homie.Fingerprint]uint32),
		closedIDs:  f,
		acceptCh:   make(chan *Corridor, acceptQueueLength),
	}
	h.Go(h.dispatcher)
	return h, nil
}

// withDefaultTimeout bounds ctx by d unless it already has a deadline.
func withDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// doneErr returns timeoutErr when ctx ran out of time and ctx.Err()
// when it was cancelled.
func doneErr(ctx context.Context, timeoutErr error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return timeoutErr
	}
	return ctx.Err()
}

func timestamp() uint32 {
	return uint32(time.Now().Unix())
}

// Open returns the Corridor to dst, opening one when none exists.  It fails
// at once with ErrKeyUnknown when dst is not a true homie on any server.
func (h *Harem) Open(ctx context.Context, dst homie.Fingerprint) (*Corridor, error) {
	if h.IsHalted() {
		return nil, ErrHalted
	}
	if c, ok := h.Corridor(dst); ok {
		return c, nil
	}
	if len(h.router.Servers(dst)) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnknown, dst)
	}

	ctx, cancel := withDefaultTimeout(ctx, h.cfg.Timeouts.HandshakeTimeout())
	defer cancel()

	h.Lock()
	local, ok := h.pending[dst]
	if !ok {
		local = h.freshID()
		h.pending[dst] = local
	}
	h.Unlock()

	var lastSent time.Time
	for attempt := 0; ; {
		if c, ok := h.Corridor(dst); ok {
			return c, nil
		}
		if time.Since(lastSent) >= h.cfg.Timeouts.AckTimeout() {
			if servers := h.router.Servers(dst); len(servers) > 0 {
				server := servers[attempt%len(servers)]
				attempt++
				h.log.Debugf("Sending OPEN %06x to %v on %v.", local, dst, server)
				if err := h.sendFrame(dst, server, &Frame{Control: ControlOpen, ID: local, Timestamp: timestamp()}); err != nil {
					h.log.Debugf("Failed to send OPEN on %v: %v", server, err)
				}
			}
			lastSent = time.Now()
		}
		select {
		case <-ctx.Done():
			h.Lock()
			if h.pending[dst] == local {
				delete(h.pending, dst)
			}
			h.Unlock()
			return nil, doneErr(ctx, ErrOpenTimeout)
		case <-h.HaltCh():
			return nil, ErrHalted
		case <-time.After(h.cfg.Timeouts.TickInterval()):
		}
	}
}

// Accept returns the next Corridor opened by a peer.
func (h *Harem) Accept(ctx context.Context) (*Corridor, error) {
	select {
	case c := <-h.acceptCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.HaltCh():
		return nil, ErrHalted
	}
}

// Corridors returns the active Corridors ordered by id.
func (h *Harem) Corridors() []*Corridor {
	h.RLock()
	defer h.RUnlock()
	cs := make([]*Corridor, 0, len(h.corridors))
	for _, c := range h.corridors {
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].id < cs[j].id })
	return cs
}

// Corridor returns the open Corridor to dst with the lowest id, if any.
func (h *Harem) Corridor(dst homie.Fingerprint) (*Corridor, bool) {
	for _, c := range h.Corridors() {
		if c.dst == dst && !c.closing.Load() {
			return c, true
		}
	}
	return nil, false
}

// Close closes every Corridor, then stops the dispatcher.  Failures to
// close individual corridors are returned joined, the Harem is halted
// regardless.
func (h *Harem) Close(ctx context.Context) error {
	ctx, cancel := withDefaultTimeout(ctx, h.cfg.Timeouts.CloseTimeout())
	defer cancel()

	var (
		wg   sync.WaitGroup
		lock sync.Mutex
		errs []error
	)
	for _, c := range h.Corridors() {
		wg.Add(1)
		go func(c *Corridor) {
			defer wg.Done()
			if err := c.Close(ctx); err != nil && !errors.Is(err, ErrAlreadyClosed) {
				h.log.Warningf("Failed to close corridor %v: %v", c, err)
				lock.Lock()
				errs = append(errs, fmt.Errorf("corridor %v: %w", c, err))
				lock.Unlock()
			}
		}(c)
	}
	wg.Wait()
	h.Halt()
	return errors.Join(errs...)
}

// Halt stops the dispatcher and every remaining Corridor without any
// closing handshake.
func (h *Harem) Halt() {
	h.Worker.Halt()
	for _, c := range h.Corridors() {
		c.Halt()
	}
}

// freshID returns a random id unused by any corridor or pending open.
// Callers must hold the lock.
func (h *Harem) freshID() uint32 {
	var b [3]byte
	for {
		if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
			panic(err)
		}
		id := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
		if id == 0 {
			continue
		}
		if _, ok := h.corridors[id]; ok {
			continue
		}
		inUse := false
		for _, p := range h.pending {
			inUse = inUse || p == id
		}
		if !inUse {
			return id
		}
	}
}

func idKey(id uint32) []byte {
	return []byte{byte(id), byte(id >> 8), byte(id >> 16)}
}

func (h *Harem) wasClosed(id uint32) bool {
	h.closedLock.Lock()
	defer h.closedLock.Unlock()
	return h.closedIDs.Test(idKey(id))
}

func (h *Harem) remove(c *Corridor) {
	h.Lock()
	if h.corridors[c.id] == c {
		delete(h.corridors, c.id)
	}
	h.Unlock()

	h.closedLock.Lock()
	if h.closedIDs.Entries() >= h.closedIDs.MaxEntries() {
		if f, err := bloom.New(rand.Reader, closedIDsLn2, closedIDsFalsePositive); err == nil {
			h.closedIDs = f
		}
	}
	h.closedIDs.TestAndSet(idKey(c.id))
	h.closedLock.Unlock()

	instrument.CorridorClosed()
	h.log.Noticef("Corridor %v to %v closed.", c, c.dst)
}

func (h *Harem) sendFrame(dst homie.Fingerprint, server string, f *Frame) error {
	if err := h.router.Send(dst, server, f.Marshal()); err != nil {
		return err
	}
	instrument.FrameSent(f.Control.String())
	return nil
}

func (h *Harem) dispatcher() {
	for {
		select {
		case <-h.HaltCh():
			h.log.Debug("Terminating gracefully.")
			return
		case in := <-h.router.Inbound():
			h.onInbound(in)
		}
	}
}

func (h *Harem) onInbound(in *homie.Inbound) {
	f, err := Unmarshal(in.Payload)
	corrupt := false
	switch {
	case err == nil:
	case errors.Is(err, ErrChecksum):
		instrument.ChecksumFailure()
		if f.Control != ControlData {
			h.log.Warningf("Dropping %v frame from %v on %v: %v", f.Control, in.Fingerprint, in.Server, err)
			return
		}
		h.log.Warningf("Checksum mismatch on frame %d of corridor %06x from %v on %v, keeping it.", f.Sequence, f.ID, in.Fingerprint, in.Server)
		corrupt = true
	default:
		h.log.Debugf("Dropping payload from %v on %v: %v", in.Fingerprint, in.Server, err)
		return
	}
	instrument.FrameReceived(f.Control.String())

	switch f.Control {
	case ControlOpen:
		h.onOpen(in, f)
	case ControlReciprocateOpen:
		h.onReciprocateOpen(in, f)
	default:
		h.route(in, f, corrupt)
	}
}

// byRemoteID returns the corridor to dst the peer knows by its local id
// remoteID.  Callers must hold the lock.
func (h *Harem) byRemoteID(dst homie.Fingerprint, remoteID uint32) *Corridor {
	for _, c := range h.corridors {
		if c.dst == dst && c.remoteID == remoteID {
			return c
		}
	}
	return nil
}

func (h *Harem) onOpen(in *homie.Inbound, f *Frame) {
	dst := in.Fingerprint

	h.Lock()
	if c := h.byRemoteID(dst, f.ID); c != nil {
		h.Unlock()
		h.log.Debugf("Duplicate OPEN %06x from %v, reciprocating again.", f.ID, dst)
		h.reciprocateOpen(in, c.localID)
		return
	}

	local, initiated := h.pending[dst]
	if initiated {
		delete(h.pending, dst)
	} else {
		local = h.freshID()
	}
	id := max(local, f.ID)
	for i := 0; h.corridors[id] != nil; i++ {
		if i == maxIDAttempts {
			h.Unlock()
			h.log.Warningf("Dropping OPEN %06x from %v: no free corridor id.", f.ID, dst)
			return
		}
		local = h.freshID()
		id = max(local, f.ID)
	}
	c := h.newCorridor(id, local, f.ID, dst)
	h.corridors[id] = c
	h.Unlock()

	c.start()
	h.reciprocateOpen(in, local)
	if initiated {
		return
	}
	select {
	case h.acceptCh <- c:
	default:
		h.log.Warningf("Accept queue full, corridor %v to %v not announced.", c, dst)
	}
}

func (h *Harem) reciprocateOpen(in *homie.Inbound, local uint32) {
	f := &Frame{Control: ControlReciprocateOpen, ID: local, Timestamp: timestamp()}
	if err := h.sendFrame(in.Fingerprint, in.Server, f); err != nil {
		h.log.Debugf("Failed to reciprocate OPEN to %v on %v: %v", in.Fingerprint, in.Server, err)
	}
}

func (h *Harem) onReciprocateOpen(in *homie.Inbound, f *Frame) {
	dst := in.Fingerprint

	h.Lock()
	local, ok := h.pending[dst]
	if !ok {
		dup := h.byRemoteID(dst, f.ID) != nil
		h.Unlock()
		if !dup {
			h.log.Debugf("Dropping unsolicited RECIPROCATE-OPEN %06x from %v.", f.ID, dst)
		}
		return
	}
	id := max(local, f.ID)
	if h.corridors[id] != nil {
		h.Unlock()
		h.log.Warningf("Dropping RECIPROCATE-OPEN %06x from %v: corridor %06x exists.", f.ID, dst, id)
		return
	}
	delete(h.pending, dst)
	c := h.newCorridor(id, local, f.ID, dst)
	h.corridors[id] = c
	h.Unlock()

	c.start()
}

func (h *Harem) route(in *homie.Inbound, f *Frame, corrupt bool) {
	h.RLock()
	c, ok := h.corridors[f.ID]
	h.RUnlock()

	if !ok {
		h.onStale(in, f)
		return
	}
	if c.dst != in.Fingerprint {
		h.log.Warningf("Dropping %v frame for corridor %v from %v, which is not its peer.", f.Control, c, in.Fingerprint)
		return
	}
	c.enqueue(&inFrame{frame: f, server: in.Server, corrupt: corrupt})
}

func (h *Harem) onStale(in *homie.Inbound, f *Frame) {
	if !h.wasClosed(f.ID) {
		h.log.Debugf("Dropping %v frame for unknown corridor %06x from %v.", f.Control, f.ID, in.Fingerprint)
		return
	}
	instrument.StaleFrame()
	if f.Control != ControlClose {
		return
	}
	// Our RECIPROCATE-CLOSE was lost, the peer is still waiting for one.
	rc := &Frame{Control: ControlReciprocateClose, ID: f.ID, Timestamp: timestamp()}
	if err := h.sendFrame(in.Fingerprint, in.Server, rc); err != nil {
		h.log.Debugf("Failed to reciprocate CLOSE to %v on %v: %v", in.Fingerprint, in.Server, err)
	}
}
