// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package harem

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/rookery/config"
	"github.com/katzenpost/rookery/homie"
	"github.com/katzenpost/rookery/rookery"
	"github.com/katzenpost/rookery/transport/loopback"
)

func newLoopbackRookery(t *testing.T, net *loopback.Network, nick string) (*rookery.Rookery, *config.Config) {
	cfg := &config.Config{
		Servers: []string{"irc.alpha.test", "irc.beta.test"},
		Identity: &config.Identity{
			Nickname:       nick,
			PrivateKeyFile: filepath.Join(t.TempDir(), "identity.pem"),
			Address:        nick + ".example",
		},
		Logging: &config.Logging{Disable: true},
		Timeouts: &config.Timeouts{
			Startup: 500,
			Ack:     100,
			Tick:    1,
		},
		Corridor: &config.Corridor{
			FrameSize: 32,
			Dupes:     1,
		},
	}
	require.NoError(t, cfg.FixupAndValidate())
	priv, err := homie.GenerateKey()
	require.NoError(t, err)
	r, err := rookery.New(cfg, nil, net, rookery.WithPrivateKey(priv))
	require.NoError(t, err)
	t.Cleanup(r.Halt)
	return r, cfg
}

func TestOverRookery(t *testing.T) {
	require := require.New(t)

	net := loopback.NewNetwork(0)
	net.AddServer("irc.alpha.test")
	net.AddServer("irc.beta.test").SetDupRate(0.3)

	ra, cfgA := newLoopbackRookery(t, net, "alice")
	rb, cfgB := newLoopbackRookery(t, net, "bob")
	ha := newTestHarem(t, cfgA, ra)
	hb := newTestHarem(t, cfgB, rb)
	require.Same(ra.LogBackend(), ha.logBackend)

	// Nobody has been introduced yet.
	start := time.Now()
	_, err := ha.Open(context.Background(), rb.Fingerprint())
	require.True(errors.Is(err, ErrKeyUnknown))
	require.Less(time.Since(start), time.Second)

	require.NoError(ra.Introduce("bob"))
	require.Eventually(func() bool {
		return len(ra.Servers(rb.Fingerprint())) == 2 && len(rb.Servers(ra.Fingerprint())) == 2
	}, 10*time.Second, 5*time.Millisecond)

	ca, err := ha.Open(context.Background(), rb.Fingerprint())
	require.NoError(err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cb, err := hb.Accept(ctx)
	require.NoError(err)
	require.Equal(ca.ID(), cb.ID())

	msg := randomBytes(t, 100)
	require.NoError(ca.Put(context.Background(), msg))
	got, err := cb.Get(context.Background())
	require.NoError(err)
	require.Equal(msg, got)

	require.NoError(cb.Put(context.Background(), []byte("roger")))
	got, err = ca.Get(context.Background())
	require.NoError(err)
	require.Equal([]byte("roger"), got)

	require.NoError(ca.Close(context.Background()))
	require.True(errors.Is(ca.Close(context.Background()), ErrAlreadyClosed))
	require.Eventually(func() bool {
		return len(ha.Corridors()) == 0 && len(hb.Corridors()) == 0
	}, 10*time.Second, 5*time.Millisecond)
}
