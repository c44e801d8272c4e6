// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package rookery

import (
	"crypto/rsa"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/rookery/config"
	"github.com/katzenpost/rookery/homie"
	"github.com/katzenpost/rookery/keyring"
	"github.com/katzenpost/rookery/transport/loopback"
)

var testServers = []string{"irc.alpha.test", "irc.beta.test", "irc.down.test"}

func newTestNetwork() *loopback.Network {
	net := loopback.NewNetwork(0)
	for _, s := range testServers {
		net.AddServer(s)
	}
	net.Server("irc.down.test").SetDown(true)
	return net
}

func newTestConfig(t *testing.T, nick string, withKeyring bool) *config.Config {
	dir := t.TempDir()
	cfg := &config.Config{
		Servers: testServers,
		Identity: &config.Identity{
			Nickname:       nick,
			PrivateKeyFile: filepath.Join(dir, "identity.pem"),
			Address:        nick + ".example",
		},
		Logging: &config.Logging{Disable: true},
		Timeouts: &config.Timeouts{
			Startup: 200,
			Ack:     100,
			Tick:    1,
		},
	}
	if withKeyring {
		cfg.Keyring = &config.Keyring{File: filepath.Join(dir, "keyring.db")}
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func newTestRookery(t *testing.T, net *loopback.Network, nick string, withKeyring bool) (*Rookery, *rsa.PrivateKey) {
	priv, err := homie.GenerateKey()
	require.NoError(t, err)
	r, err := New(newTestConfig(t, nick, withKeyring), nil, net, WithPrivateKey(priv))
	require.NoError(t, err)
	t.Cleanup(r.Halt)
	return r, priv
}

func TestRookery(t *testing.T) {
	require := require.New(t)
	net := newTestNetwork()

	alice, _ := newTestRookery(t, net, "alice", true)
	bob, bobKey := newTestRookery(t, net, "bob", false)
	bobFP := homie.FingerprintOf(&bobKey.PublicKey)
	require.Equal(bobFP, bob.Fingerprint())

	require.Equal([]string{"irc.alpha.test", "irc.beta.test"}, alice.ActiveServers())
	require.Equal(loopback.DefaultMaxMessageLength-homie.SealOverhead, alice.MaxPayloadLength())

	err := alice.Send(bobFP, "", []byte("too early"))
	require.True(errors.Is(err, ErrKeyUnknown))

	require.NoError(alice.Introduce("bob"))
	require.Eventually(func() bool {
		return len(alice.TrueHomies()[bobFP]) == 2 && len(bob.TrueHomies()[alice.Fingerprint()]) == 2
	}, 10*time.Second, 5*time.Millisecond)
	require.Equal([]string{"irc.alpha.test", "irc.beta.test"}, alice.Servers(bobFP))

	require.NoError(alice.Send(bobFP, "irc.beta.test", []byte("via beta")))
	select {
	case in := <-bob.Inbound():
		require.Equal("irc.beta.test", in.Server)
		require.Equal(alice.Fingerprint(), in.Fingerprint)
		require.Equal([]byte("via beta"), in.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("no data delivered")
	}

	// A server where bob is unknown falls back to one where he is known.
	require.NoError(alice.Send(bobFP, "irc.down.test", []byte("fallback")))
	select {
	case in := <-bob.Inbound():
		require.Equal("irc.alpha.test", in.Server)
	case <-time.After(5 * time.Second):
		t.Fatal("no data delivered")
	}

	// Losing a server removes it from the routes.
	net.Server("irc.alpha.test").SetDown(true)
	require.Equal([]string{"irc.beta.test"}, alice.Servers(bobFP))
	require.Equal([]string{"irc.beta.test"}, alice.ActiveServers())

	cfg := alice.cfg
	alice.Halt()
	require.Empty(alice.ActiveServers())
	require.True(errors.Is(alice.Send(bobFP, "", nil), ErrKeyUnknown))

	k, err := keyring.Open(cfg.Keyring.File)
	require.NoError(err)
	defer k.Close()
	rec, err := k.Lookup(bobFP)
	require.NoError(err)
	require.Equal("bob", rec.Nickname)
	require.Equal("bob.example", rec.Address)
}

func TestRookeryNoServers(t *testing.T) {
	net := newTestNetwork()
	for _, s := range testServers {
		net.Server(s).SetDown(true)
	}
	priv, err := homie.GenerateKey()
	require.NoError(t, err)
	_, err = New(newTestConfig(t, "alice", false), nil, net, WithPrivateKey(priv))
	require.True(t, errors.Is(err, ErrNoServers))
}

func TestRookeryDialRetry(t *testing.T) {
	require := require.New(t)
	net := newTestNetwork()
	down := net.Server("irc.down.test")
	time.AfterFunc(30*time.Millisecond, func() { down.SetDown(false) })

	r, _ := newTestRookery(t, net, "alice", false)
	require.Equal(testServers, r.ActiveServers())
}

func TestRookeryLogging(t *testing.T) {
	require := require.New(t)
	net := newTestNetwork()

	cfg := newTestConfig(t, "alice", false)
	logFile := filepath.Join(t.TempDir(), "rookery.log")
	cfg.Logging = &config.Logging{File: logFile, Level: "DEBUG"}
	priv, err := homie.GenerateKey()
	require.NoError(err)

	r, err := New(cfg, nil, net, WithPrivateKey(priv))
	require.NoError(err)
	require.NotNil(r.LogBackend())
	r.Halt()

	b, err := os.ReadFile(logFile)
	require.NoError(err)
	require.Contains(string(b), "Identity key fingerprint: "+r.Fingerprint().String())
	require.Contains(string(b), "DEBU rookery: Halting connection to irc.alpha.test.")
	require.Contains(string(b), "Halted.")

	cfg.Logging = &config.Logging{Level: "LOUD"}
	_, err = New(cfg, nil, net, WithPrivateKey(priv))
	require.Error(err)
}
