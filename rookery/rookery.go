// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package rookery aggregates one identity exchange per chat server, all
// sharing a single identity key and nickname, into one peer table.
package rookery

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/rookery/config"
	"github.com/katzenpost/rookery/core/log"
	"github.com/katzenpost/rookery/core/retry"
	"github.com/katzenpost/rookery/homie"
	"github.com/katzenpost/rookery/internal/instrument"
	"github.com/katzenpost/rookery/keyring"
	"github.com/katzenpost/rookery/transport"
)

var (
	// ErrKeyUnknown is returned when no active server has a completed
	// handshake with the destination.
	ErrKeyUnknown = errors.New("rookery: destination is not a true homie on any server")

	// ErrNoServers is returned by New when every server failed to connect.
	ErrNoServers = errors.New("rookery: no server could be reached")
)

// Option configures a Rookery.
type Option func(*Rookery)

// WithPrivateKey uses priv instead of loading Identity.PrivateKeyFile.
func WithPrivateKey(priv *rsa.PrivateKey) Option {
	return func(r *Rookery) {
		r.priv = priv
	}
}

// Rookery is the set of server connections of one local identity.
type Rookery struct {
	sync.RWMutex

	cfg        *config.Config
	log        *logging.Logger
	logBackend *log.Backend
	ownLog     bool

	priv *rsa.PrivateKey
	fp   homie.Fingerprint

	exchangers map[string]*homie.Exchanger
	order      []string

	inbound chan *homie.Inbound

	keyring *keyring.Keyring
	metrics *http.Server

	haltOnce sync.Once
}

// New connects to every configured server and starts the handshake
// machinery on each connection that came up within the startup timeout.
// Servers that fail are logged and left out.  A nil logBackend is built
// from the Logging section and closed by Halt.
func New(cfg *config.Config, logBackend *log.Backend, dialer transport.Dialer, opts ...Option) (*Rookery, error) {
	ownLog := false
	if logBackend == nil {
		var err error
		if logBackend, err = log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable); err != nil {
			return nil, fmt.Errorf("rookery: logging: %w", err)
		}
		ownLog = true
	}
	r := &Rookery{
		cfg:        cfg,
		log:        logBackend.GetLogger("rookery"),
		logBackend: logBackend,
		ownLog:     ownLog,
		exchangers: make(map[string]*homie.Exchanger),
		inbound:    make(chan *homie.Inbound, cfg.Debug.InboundQueueLength),
	}
	for _, opt := range opts {
		opt(r)
	}

	var err error
	if r.priv == nil {
		if r.priv, err = homie.LoadOrGenerateKey(cfg.Identity.PrivateKeyFile); err != nil {
			r.Halt()
			return nil, fmt.Errorf("rookery: identity key: %w", err)
		}
	}
	r.fp = homie.FingerprintOf(&r.priv.PublicKey)
	r.log.Noticef("Identity key fingerprint: %v", r.fp)

	if cfg.Keyring.File != "" {
		if r.keyring, err = keyring.Open(cfg.Keyring.File); err != nil {
			r.Halt()
			return nil, err
		}
	}

	conns := r.dialAll(dialer)
	for _, s := range cfg.Servers {
		conn, ok := conns[s]
		if !ok {
			continue
		}
		e, err := homie.NewExchanger(&homie.ExchangerConfig{
			Conn:          conn,
			PrivateKey:    r.priv,
			Address:       cfg.Identity.Address,
			Inbound:       r.inbound,
			LogBackend:    logBackend,
			Tick:          cfg.Timeouts.TickInterval(),
			RetryInterval: cfg.Timeouts.AckTimeout(),
			OnTrueHomie:   r.onTrueHomie,
		})
		if err != nil {
			conn.Close()
			r.Halt()
			return nil, err
		}
		e.Start()
		r.exchangers[s] = e
		r.order = append(r.order, s)
	}
	if len(r.order) == 0 {
		r.Halt()
		return nil, ErrNoServers
	}

	if cfg.Metrics.Address != "" {
		srv, addr, err := instrument.StartListener(cfg.Metrics.Address)
		if err != nil {
			r.Halt()
			return nil, fmt.Errorf("rookery: metrics listener: %w", err)
		}
		r.metrics = srv
		r.log.Noticef("Serving metrics on %v.", addr)
	}
	return r, nil
}

func (r *Rookery) dialAll(dialer transport.Dialer) map[string]transport.Conn {
	var (
		wg    sync.WaitGroup
		lock  sync.Mutex
		conns = make(map[string]transport.Conn)
	)
	for _, s := range r.cfg.Servers {
		wg.Add(1)
		go func(server string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeouts.StartupTimeout())
			defer cancel()
			conn, err := r.dial(ctx, dialer, server)
			if err != nil {
				r.log.Warningf("Failed to connect to %v: %v", server, err)
				return
			}
			r.log.Noticef("Connected to %v as '%v'.", server, conn.Nickname())
			lock.Lock()
			conns[server] = conn
			lock.Unlock()
		}(s)
	}
	wg.Wait()
	return conns
}

func (r *Rookery) dial(ctx context.Context, dialer transport.Dialer, server string) (transport.Conn, error) {
	var conn transport.Conn
	err := retry.Do(ctx, r.cfg.Timeouts.TickInterval(), retry.DefaultMaxDelay, func(ctx context.Context) error {
		var err error
		conn, err = dialer.Dial(ctx, server, r.cfg.Identity.Nickname)
		if err != nil {
			r.log.Debugf("Dial %v: %v", server, err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	tick := r.cfg.Timeouts.TickInterval()
	for !conn.Ready() {
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		case <-time.After(tick):
		}
	}
	return conn, nil
}

func (r *Rookery) onTrueHomie(server string, id *homie.Identity) {
	if r.keyring == nil {
		return
	}
	fp, _ := id.Fingerprint()
	addr, _ := id.Address()
	err := r.keyring.Observe(&keyring.Record{
		Fingerprint: fp,
		Nickname:    id.Nickname(),
		Server:      server,
		Address:     addr,
		PublicKey:   homie.MarshalPublicKey(id.PublicKey()),
		LastSeen:    time.Now(),
	})
	switch {
	case err == nil:
	case errors.Is(err, keyring.ErrKeyChanged):
		r.log.Warningf("%v", err)
		instrument.IdentityFault("key_changed")
	default:
		r.log.Errorf("Failed to record '%v' in the keyring: %v", id.Nickname(), err)
	}
}

// Fingerprint returns the fingerprint of the local identity key.
func (r *Rookery) Fingerprint() homie.Fingerprint {
	return r.fp
}

// ActiveServers returns the servers whose connection is up, in
// configuration order.
func (r *Rookery) ActiveServers() []string {
	r.RLock()
	defer r.RUnlock()
	var servers []string
	for _, s := range r.order {
		if r.exchangers[s].Ready() {
			servers = append(servers, s)
		}
	}
	return servers
}

// TrueHomies maps the fingerprint of every peer that completed the
// handshake on at least one active server to those servers.
func (r *Rookery) TrueHomies() map[homie.Fingerprint][]string {
	r.RLock()
	defer r.RUnlock()
	homies := make(map[homie.Fingerprint][]string)
	for _, s := range r.order {
		e := r.exchangers[s]
		if !e.Ready() {
			continue
		}
		for _, id := range e.Registry().TrueHomies() {
			fp, _ := id.Fingerprint()
			homies[fp] = append(homies[fp], s)
		}
	}
	return homies
}

// Servers returns the active servers on which dst is a true homie.
func (r *Rookery) Servers(dst homie.Fingerprint) []string {
	r.RLock()
	defer r.RUnlock()
	var servers []string
	for _, s := range r.order {
		if r.qualifies(s, dst) {
			servers = append(servers, s)
		}
	}
	return servers
}

func (r *Rookery) qualifies(server string, dst homie.Fingerprint) bool {
	e, ok := r.exchangers[server]
	if !ok || !e.Ready() {
		return false
	}
	id, ok := e.Registry().ByFingerprint(dst)
	return ok && id.IsTrueHomie()
}

// Send seals payload for dst and sends it on server if dst is a true homie
// there, else on any server where it is.
func (r *Rookery) Send(dst homie.Fingerprint, server string, payload []byte) error {
	r.RLock()
	if server == "" || !r.qualifies(server, dst) {
		server = ""
		for _, s := range r.order {
			if r.qualifies(s, dst) {
				server = s
				break
			}
		}
	}
	e := r.exchangers[server]
	r.RUnlock()

	if server == "" {
		return fmt.Errorf("%w: %v", ErrKeyUnknown, dst)
	}
	return e.SendTo(dst, payload)
}

// Introduce starts a handshake with nick on every active server.
func (r *Rookery) Introduce(nick string) error {
	r.RLock()
	defer r.RUnlock()
	var errs []error
	sent := false
	for _, s := range r.order {
		if err := r.exchangers[s].Introduce(nick); err != nil {
			errs = append(errs, fmt.Errorf("%v: %w", s, err))
			continue
		}
		sent = true
	}
	if sent {
		return nil
	}
	return errors.Join(errs...)
}

// Inbound returns the queue of decrypted data messages from every server.
func (r *Rookery) Inbound() <-chan *homie.Inbound {
	return r.inbound
}

// MaxPayloadLength returns the largest payload Send accepts on every
// server.
func (r *Rookery) MaxPayloadLength() int {
	r.RLock()
	defer r.RUnlock()
	limit := 0
	for _, s := range r.order {
		n := r.exchangers[s].MaxPayloadLength()
		if limit == 0 || n < limit {
			limit = n
		}
	}
	return limit
}

// Halt tears down every connection and the optional keyring and metrics
// listener.
func (r *Rookery) Halt() {
	r.haltOnce.Do(r.doHalt)
}

func (r *Rookery) doHalt() {
	r.Lock()
	exchangers := r.exchangers
	r.exchangers = make(map[string]*homie.Exchanger)
	r.order = nil
	r.Unlock()

	for s, e := range exchangers {
		r.log.Debugf("Halting connection to %v.", s)
		e.Halt()
	}
	if r.metrics != nil {
		r.metrics.Close()
	}
	if r.keyring != nil {
		if err := r.keyring.Close(); err != nil {
			r.log.Errorf("Failed to close keyring: %v", err)
		}
	}
	r.log.Notice("Halted.")
	if r.ownLog {
		r.logBackend.Close()
	}
}

// LogBackend returns the logging backend shared with the layers above.
func (r *Rookery) LogBackend() *log.Backend {
	return r.logBackend
}
