// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package harem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedPeer drives a Harem frame by frame through a fakeRouter that has
// no Harem of its own.
type scriptedPeer struct {
	t      *testing.T
	r      *fakeRouter
	target *fakeRouter
}

func (s *scriptedPeer) send(f *Frame) {
	require.NoError(s.t, s.r.Send(s.target.fp, "s1.test", f.Marshal()))
}

func (s *scriptedPeer) sendRaw(b []byte) {
	require.NoError(s.t, s.r.Send(s.target.fp, "s1.test", b))
}

func (s *scriptedPeer) expect(ctrl Control) *Frame {
	select {
	case in := <-s.r.inbound:
		f, err := Unmarshal(in.Payload)
		require.NoError(s.t, err)
		require.Equal(s.t, ctrl, f.Control)
		require.Equal(s.t, "s1.test", in.Server)
		return f
	case <-time.After(5 * time.Second):
		s.t.Fatalf("no %v frame", ctrl)
	}
	return nil
}

func (s *scriptedPeer) expectNothing() {
	select {
	case in := <-s.r.inbound:
		f, _ := Unmarshal(in.Payload)
		s.t.Fatalf("unexpected frame: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScriptedPeer(t *testing.T) {
	require := require.New(t)

	net := newFakeNet()
	rb := net.newRouter("s1.test")
	hb := newTestHarem(t, newTestConfig(t, 8, 0, false), rb)
	peer := &scriptedPeer{t: t, r: net.newRouter(testServers...), target: rb}
	link(peer.r, rb)

	// Open handshake: the corridor id is the larger local id.
	const peerID = 5
	peer.send(&Frame{Control: ControlOpen, ID: peerID})
	ro := peer.expect(ControlReciprocateOpen)
	id := max(uint32(peerID), ro.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := hb.Accept(ctx)
	require.NoError(err)
	require.Equal(id, c.ID())

	// A repeated OPEN is answered again without a second corridor.
	peer.send(&Frame{Control: ControlOpen, ID: peerID})
	require.Equal(ro.ID, peer.expect(ControlReciprocateOpen).ID)
	require.Len(hb.Corridors(), 1)

	// Out of order, duplicated and corrupted frames.
	corrupt := (&Frame{Control: ControlData, ID: id, Sequence: 0, Payload: []byte("hello ")}).Marshal()
	corrupt[headerLength] = 'j'
	peer.send(&Frame{Control: ControlData, ID: id, Sequence: 1, Payload: []byte("world")})
	peer.sendRaw(corrupt)
	peer.send(&Frame{Control: ControlData, ID: id, Sequence: 2})
	peer.send(&Frame{Control: ControlData, ID: id, Sequence: 2})
	for _, seq := range []uint32{1, 0, 2, 2} {
		require.Equal(seq, peer.expect(ControlSitrep).Sequence)
	}
	b, err := c.Get(context.Background())
	require.NoError(err)
	require.Equal([]byte("jello world"), b, "corrupt frames are kept")

	// A clean copy replaces a corrupt one not yet delivered.
	corrupt = (&Frame{Control: ControlData, ID: id, Sequence: 3, Payload: []byte("abc")}).Marshal()
	corrupt[headerLength+1] = 'X'
	peer.sendRaw(corrupt)
	peer.send(&Frame{Control: ControlData, ID: id, Sequence: 3, Payload: []byte("abc")})
	peer.send(&Frame{Control: ControlData, ID: id, Sequence: 4})
	for _, seq := range []uint32{3, 3, 4} {
		require.Equal(seq, peer.expect(ControlSitrep).Sequence)
	}
	b, err = c.Get(context.Background())
	require.NoError(err)
	require.Equal([]byte("abc"), b)

	// Replays of delivered frames are acknowledged and otherwise ignored.
	peer.send(&Frame{Control: ControlData, ID: id, Sequence: 0, Payload: []byte("hello ")})
	require.Equal(uint32(0), peer.expect(ControlSitrep).Sequence)
	_, err = c.GetNowait()
	require.True(errors.Is(err, ErrEmpty))

	// Another key cannot inject into the corridor.
	intruder := &scriptedPeer{t: t, r: net.newRouter(testServers...), target: rb}
	link(intruder.r, rb)
	intruder.send(&Frame{Control: ControlData, ID: id, Sequence: 5, Payload: []byte("evil")})
	intruder.send(&Frame{Control: ControlData, ID: id, Sequence: 6})
	intruder.expectNothing()
	_, err = c.GetNowait()
	require.True(errors.Is(err, ErrEmpty))

	// Garbage and unsolicited reciprocal opens are dropped.
	peer.sendRaw([]byte("not a frame"))
	peer.send(&Frame{Control: ControlReciprocateOpen, ID: 77})
	peer.expectNothing()
	require.Len(hb.Corridors(), 1)

	// Our data is retransmitted until acknowledged, lowest sequence first.
	putErr := make(chan error, 1)
	go func() { putErr <- c.Put(context.Background(), []byte("hi")) }()
	d := peer.expect(ControlData)
	require.Equal(id, d.ID)
	require.Equal(uint32(0), d.Sequence)
	require.Equal([]byte("hi"), d.Payload)
	require.Equal(uint32(0), peer.expect(ControlData).Sequence)
	peer.send(&Frame{Control: ControlSitrep, ID: id, Sequence: 0})
	for {
		f := peer.expect(ControlData)
		if f.Sequence == 1 {
			require.Empty(f.Payload)
			break
		}
		require.Equal(uint32(0), f.Sequence)
	}
	peer.send(&Frame{Control: ControlSitrep, ID: id, Sequence: 1})
	require.NoError(<-putErr)
	require.Eventually(func() bool {
		c.Lock()
		defer c.Unlock()
		return len(c.unacked) == 0
	}, 5*time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	for len(peer.r.inbound) > 0 {
		<-peer.r.inbound
	}

	// Remote close.
	peer.send(&Frame{Control: ControlClose, ID: id})
	require.Equal(id, peer.expect(ControlReciprocateClose).ID)
	require.Eventually(func() bool { return len(hb.Corridors()) == 0 }, 5*time.Second, time.Millisecond)
	_, err = c.Get(context.Background())
	require.True(errors.Is(err, ErrAlreadyClosed))

	// A repeated CLOSE for the removed corridor is still reciprocated.
	peer.send(&Frame{Control: ControlClose, ID: id})
	require.Equal(id, peer.expect(ControlReciprocateClose).ID)
}
