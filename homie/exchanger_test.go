// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package homie

import (
	"context"
	"crypto/rsa"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/rookery/transport/loopback"
)

const testServer = "irc.test"

var (
	keysOnce  sync.Once
	aliceKey  *rsa.PrivateKey
	bobKey    *rsa.PrivateKey
	keysError error
)

func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	keysOnce.Do(func() {
		if aliceKey, keysError = GenerateKey(); keysError != nil {
			return
		}
		bobKey, keysError = GenerateKey()
	})
	require.NoError(t, keysError)
	return aliceKey, bobKey
}

type testPeer struct {
	*Exchanger
	inbound chan *Inbound
	homies  atomic.Int32
}

func newTestPeer(t *testing.T, net *loopback.Network, nick, addr string, key *rsa.PrivateKey) *testPeer {
	conn, err := net.Dial(context.Background(), testServer, nick)
	require.NoError(t, err)
	p := &testPeer{inbound: make(chan *Inbound, 16)}
	p.Exchanger, err = NewExchanger(&ExchangerConfig{
		Conn:          conn,
		PrivateKey:    key,
		Address:       addr,
		Inbound:       p.inbound,
		Tick:          time.Millisecond,
		RetryInterval: 50 * time.Millisecond,
		OnTrueHomie: func(server string, id *Identity) {
			require.Equal(t, testServer, server)
			p.homies.Add(1)
		},
	})
	require.NoError(t, err)
	p.Start()
	t.Cleanup(p.Halt)
	return p
}

func waitTrueHomie(t *testing.T, e *Exchanger, nick string) *Identity {
	var id *Identity
	require.Eventually(t, func() bool {
		var ok bool
		id, ok = e.Registry().Lookup(nick)
		return ok && id.IsTrueHomie()
	}, 10*time.Second, 5*time.Millisecond)
	return id
}

func TestHandshake(t *testing.T) {
	require := require.New(t)
	ak, bk := testKeys(t)

	net := loopback.NewNetwork(0)
	net.AddServer(testServer)
	alice := newTestPeer(t, net, "alice", "198.51.100.1", ak)
	bob := newTestPeer(t, net, "bob", "198.51.100.2", bk)

	require.NoError(alice.Introduce("bob"))
	ab := waitTrueHomie(t, alice.Exchanger, "bob")
	ba := waitTrueHomie(t, bob.Exchanger, "alice")

	ka, _ := ab.SessionKey()
	kb, _ := ba.SessionKey()
	require.Equal(*ka, *kb)

	addr, _ := ab.Address()
	require.Equal("198.51.100.2", addr)
	addr, _ = ba.Address()
	require.Equal("198.51.100.1", addr)

	fp, _ := ab.Fingerprint()
	require.Equal(FingerprintOf(&bk.PublicKey), fp)
	require.Equal(int32(1), alice.homies.Load())
	require.Eventually(func() bool { return bob.homies.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(alice.SendData("BOB", []byte("hello bob")))
	select {
	case in := <-bob.inbound:
		require.Equal([]byte("hello bob"), in.Payload)
		require.Equal(testServer, in.Server)
		require.Equal("alice", in.Nickname)
		require.Equal(FingerprintOf(&ak.PublicKey), in.Fingerprint)
	case <-time.After(5 * time.Second):
		t.Fatal("no data delivered")
	}

	require.NoError(bob.SendTo(FingerprintOf(&ak.PublicKey), []byte("hi alice")))
	select {
	case in := <-alice.inbound:
		require.Equal([]byte("hi alice"), in.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("no data delivered")
	}

	err := alice.SendData("carol", []byte("nope"))
	require.True(errors.Is(err, ErrNotTrueHomie))
	require.Equal(loopback.DefaultMaxMessageLength-SealOverhead, alice.MaxPayloadLength())
}

func TestHandshakeRecoversFromLoss(t *testing.T) {
	require := require.New(t)
	ak, bk := testKeys(t)

	net := loopback.NewNetwork(0)
	srv := net.AddServer(testServer)
	var dropped atomic.Int32
	srv.SetFilter(func(from, to string, msg []byte) bool {
		// Lose the opening exchanges in both directions.
		return dropped.Add(1) > 3
	})

	alice := newTestPeer(t, net, "alice", "198.51.100.1", ak)
	bob := newTestPeer(t, net, "bob", "198.51.100.2", bk)
	require.NoError(alice.Introduce("bob"))

	ab := waitTrueHomie(t, alice.Exchanger, "bob")
	ba := waitTrueHomie(t, bob.Exchanger, "alice")
	ka, _ := ab.SessionKey()
	kb, _ := ba.SessionKey()
	require.Equal(*ka, *kb)
	require.True(srv.Dropped() >= 3)
}

func TestUnsealableData(t *testing.T) {
	require := require.New(t)
	ak, bk := testKeys(t)

	net := loopback.NewNetwork(0)
	net.AddServer(testServer)
	alice := newTestPeer(t, net, "alice", "198.51.100.1", ak)
	bob := newTestPeer(t, net, "bob", "198.51.100.2", bk)
	require.NoError(alice.Introduce("bob"))
	ba := waitTrueHomie(t, bob.Exchanger, "alice")

	// Garbage under a real peer's nickname is dropped.
	bob.onData(ba, []byte("definitely not a secretbox"))

	// Data from a stranger makes bob ask for its key.
	carol, err := net.Dial(context.Background(), testServer, "carol")
	require.NoError(err)
	require.NoError(carol.Send("bob", append([]byte{dataMarker}, make([]byte, 64)...)))
	require.Eventually(func() bool {
		m, ok := carol.Receive()
		return ok && string(m.Payload) == string(RequestPublicKey)
	}, 5*time.Second, time.Millisecond)

	select {
	case in := <-bob.inbound:
		t.Fatalf("unexpected delivery: %v", in)
	default:
	}
}

func TestExchangerHalt(t *testing.T) {
	require := require.New(t)
	ak, _ := testKeys(t)

	net := loopback.NewNetwork(0)
	net.AddServer(testServer)
	alice := newTestPeer(t, net, "alice", "198.51.100.1", ak)
	require.True(alice.Ready())
	require.NoError(alice.Introduce("bob"))
	require.Equal(1, alice.Registry().Len())

	alice.Halt()
	require.False(alice.Ready())
	require.Equal(0, alice.Registry().Len())
	require.True(errors.Is(alice.SendData("bob", nil), ErrHalted))

	_, err := NewExchanger(&ExchangerConfig{PrivateKey: ak})
	require.Error(err)
}
