// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package harem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/rookery/core/queue"
	"github.com/katzenpost/rookery/core/worker"
	"github.com/katzenpost/rookery/homie"
	"github.com/katzenpost/rookery/internal/instrument"
)

// maxReorderWindow bounds how far ahead of the delivery point a frame may
// be stored.
const maxReorderWindow = 1 << 16

type inFrame struct {
	frame   *Frame
	server  string
	corrupt bool
}

// outFrame is one sequence number awaiting its SITREP.
type outFrame struct {
	seq      uint32
	raw      []byte
	sent     bool
	acked    bool
	queued   int
	inflight int
	servers  map[string]bool
}

type slot struct {
	frame  *outFrame
	sentAt time.Time
}

type rxFrame struct {
	payload []byte
	corrupt bool
}

// Corridor is a duplex byte stream to one peer, carried in frames spread
// over every server the peer is reachable on.
type Corridor struct {
	worker.Worker
	sync.Mutex

	harem  *Harem
	router Router
	log    *logging.Logger

	dst      homie.Fingerprint
	id       uint32
	localID  uint32
	remoteID uint32

	frameSize int
	dupes     int
	streaming bool

	tick           time.Duration
	ackTimeout     time.Duration
	closeTimeout   time.Duration
	sendTimeout    time.Duration
	receiveTimeout time.Duration

	nextSeq uint32
	txQueue *queue.PriorityQueue[*outFrame]
	unacked map[uint32]*outFrame
	slots   map[string]*slot
	rr      int

	rxCh   chan *inFrame
	rx     []*rxFrame
	rxNext uint32
	units  [][]byte

	kickCh  chan struct{}
	readyCh chan struct{}

	closing       atomic.Bool
	remoteClosing bool
	closeDeadline time.Time
	closed        atomic.Bool
	closedCh      chan struct{}
}

func (h *Harem) newCorridor(id, localID, remoteID uint32, dst homie.Fingerprint) *Corridor {
	cfg := h.cfg
	c := &Corridor{
		harem:          h,
		router:         h.router,
		log:            h.logBackend.GetLogger(fmt.Sprintf("corridor/%06x", id)),
		dst:            dst,
		id:             id,
		localID:        localID,
		remoteID:       remoteID,
		frameSize:      cfg.Corridor.FrameSize,
		dupes:          cfg.Corridor.Dupes,
		streaming:      cfg.Corridor.Streaming,
		tick:           cfg.Timeouts.TickInterval(),
		ackTimeout:     cfg.Timeouts.AckTimeout(),
		closeTimeout:   cfg.Timeouts.CloseTimeout(),
		sendTimeout:    cfg.Timeouts.SendTimeout(),
		receiveTimeout: cfg.Timeouts.ReceiveTimeout(),
		txQueue:        queue.New[*outFrame](),
		unacked:        make(map[uint32]*outFrame),
		slots:          make(map[string]*slot),
		rxCh:           make(chan *inFrame, cfg.Debug.CorridorQueueLength),
		kickCh:         make(chan struct{}, 1),
		readyCh:        make(chan struct{}, 1),
		closedCh:       make(chan struct{}),
	}
	instrument.CorridorOpened()
	h.log.Noticef("Corridor %v to %v open.", c, dst)
	return c
}

func (c *Corridor) start() {
	c.Go(c.worker)
}

// String returns the correlation id in hex.
func (c *Corridor) String() string {
	return fmt.Sprintf("%06x", c.id)
}

// ID returns the correlation id shared by both ends.
func (c *Corridor) ID() uint32 {
	return c.id
}

// Destination returns the fingerprint of the peer.
func (c *Corridor) Destination() homie.Fingerprint {
	return c.dst
}

// IsClosed reports whether the Corridor was torn down.
func (c *Corridor) IsClosed() bool {
	return c.closed.Load()
}

// Put sends p.  It returns once every frame of p was handed to a server at
// least once; retransmission and duplicates continue in the background.
// ErrNoServer is returned when that takes longer than the send timeout,
// ctx.Err() when ctx is cancelled.
func (c *Corridor) Put(ctx context.Context, p []byte) error {
	if c.closing.Load() || c.closed.Load() {
		return ErrAlreadyClosed
	}
	var chunks [][]byte
	for off := 0; off < len(p); off += c.frameSize {
		end := min(off+c.frameSize, len(p))
		chunks = append(chunks, p[off:end])
	}
	if !c.streaming {
		// A zero length frame terminates the unit.
		chunks = append(chunks, nil)
	}
	if len(chunks) == 0 {
		return nil
	}

	ctx, cancel := withDefaultTimeout(ctx, c.sendTimeout)
	defer cancel()

	frames := make([]*outFrame, 0, len(chunks))
	now := timestamp()
	c.Lock()
	for _, chunk := range chunks {
		f := &Frame{
			Control:   ControlData,
			ID:        c.id,
			Sequence:  c.nextSeq,
			Timestamp: now,
			Payload:   chunk,
		}
		c.nextSeq++
		of := &outFrame{
			seq:     f.Sequence,
			raw:     f.Marshal(),
			servers: make(map[string]bool),
		}
		c.unacked[of.seq] = of
		for i := 0; i <= c.dupes; i++ {
			c.txQueue.Enqueue(uint64(of.seq), of)
			of.queued++
		}
		frames = append(frames, of)
	}
	c.Unlock()
	c.kick()

	for {
		c.Lock()
		sent := true
		for _, of := range frames {
			sent = sent && of.sent
		}
		c.Unlock()
		if sent {
			return nil
		}
		select {
		case <-ctx.Done():
			return doneErr(ctx, ErrNoServer)
		case <-c.closedCh:
			return ErrAlreadyClosed
		case <-time.After(c.tick):
		}
	}
}

// Get returns the next received unit: everything passed to one Put by the
// peer, or in streaming mode whatever contiguous data arrived.  Data
// received before the Corridor closed is still returned after it closed.
// ErrGetTimeout is returned when nothing arrives within the receive
// timeout, ctx.Err() when ctx is cancelled.
func (c *Corridor) Get(ctx context.Context) ([]byte, error) {
	ctx, cancel := withDefaultTimeout(ctx, c.receiveTimeout)
	defer cancel()
	for {
		b, err := c.GetNowait()
		if !errors.Is(err, ErrEmpty) {
			return b, err
		}
		select {
		case <-c.readyCh:
		case <-c.closedCh:
		case <-ctx.Done():
			return nil, doneErr(ctx, ErrGetTimeout)
		case <-time.After(c.tick):
		}
	}
}

// GetNowait returns the next received unit or ErrEmpty.
func (c *Corridor) GetNowait() ([]byte, error) {
	c.Lock()
	defer c.Unlock()
	if len(c.units) > 0 {
		b := c.units[0]
		c.units[0] = nil
		c.units = c.units[1:]
		return b, nil
	}
	if c.closed.Load() {
		return nil, ErrAlreadyClosed
	}
	return nil, ErrEmpty
}

// Close waits for outstanding frames to be acknowledged, then runs the
// closing handshake.  On timeout the Corridor is torn down locally and
// ErrCloseTimeout returned.
func (c *Corridor) Close(ctx context.Context) error {
	if c.closed.Load() {
		return ErrAlreadyClosed
	}
	c.closing.Store(true)

	ctx, cancel := withDefaultTimeout(ctx, c.closeTimeout)
	defer cancel()

	var lastSent time.Time
	for {
		c.Lock()
		flushed := c.txQueue.Len() == 0 && len(c.unacked) == 0
		if flushed && time.Since(lastSent) >= c.ackTimeout {
			c.log.Debugf("Sending CLOSE.")
			c.sendControl(ControlClose, 0, "")
			lastSent = time.Now()
		}
		c.Unlock()
		select {
		case <-c.closedCh:
			return nil
		case <-ctx.Done():
			c.Lock()
			c.teardown()
			c.Unlock()
			return doneErr(ctx, ErrCloseTimeout)
		case <-time.After(c.tick):
		}
	}
}

func (c *Corridor) enqueue(f *inFrame) {
	select {
	case c.rxCh <- f:
	default:
		// The sender retransmits anything not acknowledged.
		c.log.Debugf("Inbound queue full, dropping %v frame %d.", f.frame.Control, f.frame.Sequence)
	}
}

func (c *Corridor) kick() {
	select {
	case c.kickCh <- struct{}{}:
	default:
	}
}

func (c *Corridor) worker() {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-c.HaltCh():
			c.log.Debug("Terminating gracefully.")
			return
		case f := <-c.rxCh:
			c.Lock()
			c.onFrame(f)
			c.Unlock()
		case <-c.kickCh:
		case <-ticker.C:
		}

		c.Lock()
		c.service()
		c.Unlock()
		if c.closed.Load() {
			c.log.Debug("Closed, terminating.")
			return
		}
	}
}

func (c *Corridor) onFrame(in *inFrame) {
	f := in.frame
	switch f.Control {
	case ControlData:
		c.onData(in)
	case ControlSitrep:
		c.onSitrep(f.Sequence)
	case ControlClose:
		if !c.remoteClosing {
			c.log.Debugf("Peer is closing.")
			c.remoteClosing = true
			c.closing.Store(true)
			c.closeDeadline = time.Now().Add(c.closeTimeout)
		}
	case ControlReciprocateClose:
		if c.closing.Load() {
			c.teardown()
		}
	default:
		c.log.Debugf("Dropping unexpected %v frame.", f.Control)
	}
}

func (c *Corridor) onData(in *inFrame) {
	f := in.frame
	// Every copy is acknowledged on the server it arrived on, so that the
	// sender's slot there is freed.
	c.sendControl(ControlSitrep, f.Sequence, in.server)

	if f.Sequence < c.rxNext {
		instrument.FrameDuplicate()
		return
	}
	idx := int(f.Sequence - c.rxNext)
	if idx >= maxReorderWindow {
		c.log.Warningf("Dropping frame %d, %d frames ahead of delivery.", f.Sequence, idx)
		return
	}
	for len(c.rx) <= idx {
		c.rx = append(c.rx, nil)
	}
	if cur := c.rx[idx]; cur != nil {
		if cur.corrupt && !in.corrupt {
			c.rx[idx] = &rxFrame{payload: f.Payload}
			return
		}
		instrument.FrameDuplicate()
		return
	}
	c.rx[idx] = &rxFrame{payload: f.Payload, corrupt: in.corrupt}
	c.deliver()
}

// deliver moves the contiguous run of received frames to the units queue.
func (c *Corridor) deliver() {
	if c.streaming {
		var unit []byte
		n := 0
		for n < len(c.rx) && c.rx[n] != nil {
			unit = append(unit, c.rx[n].payload...)
			n++
		}
		c.advance(n)
		if len(unit) > 0 {
			c.push(unit)
		}
		return
	}

	for {
		end := -1
		for i := 0; i < len(c.rx) && c.rx[i] != nil; i++ {
			if len(c.rx[i].payload) == 0 {
				end = i
				break
			}
		}
		if end < 0 {
			return
		}
		unit := make([]byte, 0, end*c.frameSize)
		for _, f := range c.rx[:end] {
			unit = append(unit, f.payload...)
		}
		c.advance(end + 1)
		c.push(unit)
	}
}

func (c *Corridor) advance(n int) {
	if n == 0 {
		return
	}
	clear(c.rx[:n])
	c.rx = c.rx[n:]
	c.rxNext += uint32(n)
}

func (c *Corridor) push(unit []byte) {
	c.units = append(c.units, unit)
	select {
	case c.readyCh <- struct{}{}:
	default:
	}
}

func (c *Corridor) onSitrep(seq uint32) {
	if of, ok := c.unacked[seq]; ok {
		of.acked = true
		delete(c.unacked, seq)
		of.queued -= c.txQueue.RemoveFunc(func(e *queue.Entry[*outFrame]) bool {
			return e.Value == of
		})
	}
	for server, s := range c.slots {
		if s.frame.seq == seq {
			s.frame.inflight--
			delete(c.slots, server)
		}
	}
}

// service expires slots, transmits queued frames and completes a close
// requested by the peer.  Callers must hold the lock.
func (c *Corridor) service() {
	if c.closed.Load() {
		return
	}
	now := time.Now()

	for server, s := range c.slots {
		if now.Sub(s.sentAt) < c.ackTimeout {
			continue
		}
		delete(c.slots, server)
		of := s.frame
		of.inflight--
		if !of.acked && of.queued == 0 && of.inflight == 0 {
			c.log.Debugf("Frame %d unacknowledged on %v, retransmitting.", of.seq, server)
			c.txQueue.Enqueue(uint64(of.seq), of)
			of.queued++
			instrument.Retransmission()
		}
	}

	c.transmit(now)

	if c.remoteClosing {
		idle := len(c.rxCh) == 0 && c.txQueue.Len() == 0 && len(c.unacked) == 0
		if idle || now.After(c.closeDeadline) {
			c.sendControl(ControlReciprocateClose, 0, "")
			c.teardown()
		}
	}
}

func (c *Corridor) transmit(now time.Time) {
	if c.txQueue.Len() == 0 {
		return
	}
	servers := c.router.Servers(c.dst)
	for len(servers) > 0 && c.txQueue.Len() > 0 {
		of := c.txQueue.Peek().Value
		if of.acked {
			c.txQueue.Pop()
			of.queued--
			continue
		}
		server, ok := c.pickServer(servers, of)
		if !ok {
			return
		}
		c.txQueue.Pop()
		of.queued--
		if err := c.router.Send(c.dst, server, of.raw); err != nil {
			c.log.Debugf("Failed to send frame %d on %v: %v", of.seq, server, err)
			c.txQueue.Enqueue(uint64(of.seq), of)
			of.queued++
			servers = without(servers, server)
			continue
		}
		instrument.FrameSent(ControlData.String())
		of.sent = true
		of.servers[server] = true
		of.inflight++
		c.slots[server] = &slot{frame: of, sentAt: now}
	}
}

// pickServer returns the next server in round robin order with a free
// slot, preferring one that has not carried of yet.
func (c *Corridor) pickServer(servers []string, of *outFrame) (string, bool) {
	n := len(servers)
	for _, fresh := range []bool{true, false} {
		for i := 0; i < n; i++ {
			s := servers[(c.rr+i)%n]
			if _, busy := c.slots[s]; busy {
				continue
			}
			if fresh && of.servers[s] {
				continue
			}
			c.rr = (c.rr + i + 1) % n
			return s, true
		}
	}
	return "", false
}

func without(servers []string, server string) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		if s != server {
			out = append(out, s)
		}
	}
	return out
}

// sendControl sends a header only frame on server, or on the next server
// in round robin order when server is empty.
func (c *Corridor) sendControl(ctrl Control, seq uint32, server string) {
	if server == "" {
		servers := c.router.Servers(c.dst)
		if len(servers) == 0 {
			c.log.Debugf("No server to send %v on.", ctrl)
			return
		}
		c.rr = (c.rr + 1) % len(servers)
		server = servers[c.rr]
	}
	f := &Frame{Control: ctrl, ID: c.id, Sequence: seq, Timestamp: timestamp()}
	if err := c.harem.sendFrame(c.dst, server, f); err != nil {
		c.log.Debugf("Failed to send %v on %v: %v", ctrl, server, err)
	}
}

// teardown marks the Corridor closed and removes it from the Harem.
// Callers must hold the lock.
func (c *Corridor) teardown() {
	if c.closed.Swap(true) {
		return
	}
	c.closing.Store(true)
	close(c.closedCh)
	c.Stop()
	c.harem.remove(c)
}
