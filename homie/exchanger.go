// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package homie

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/rookery/core/log"
	"github.com/katzenpost/rookery/core/worker"
	"github.com/katzenpost/rookery/internal/instrument"
	"github.com/katzenpost/rookery/transport"
)

const (
	defaultTick          = 10 * time.Millisecond
	defaultRetryInterval = 2 * time.Second

	// maxRetries bounds how often a stalled handshake is nudged.
	maxRetries = 8
)

var (
	// ErrNotTrueHomie is returned when sending data to a peer whose
	// handshake has not completed on this connection.
	ErrNotTrueHomie = errors.New("homie: handshake incomplete")

	// ErrHalted is returned once the Exchanger was halted.
	ErrHalted = errors.New("homie: exchanger halted")
)

// Inbound is a decrypted data message.
type Inbound struct {
	// Server is the connection the message arrived on.
	Server string

	// Nickname is the sender's nickname on Server.
	Nickname string

	// Fingerprint identifies the sender's identity key.
	Fingerprint Fingerprint

	// Payload is the plaintext.
	Payload []byte
}

// ExchangerConfig is the configuration of an Exchanger.
type ExchangerConfig struct {
	// Conn is the server connection; the Exchanger closes it on Halt.
	Conn transport.Conn

	// PrivateKey is the local identity key.
	PrivateKey *rsa.PrivateKey

	// Address is reported to peers during the handshake.
	Address string

	// Inbound receives every decrypted data message.
	Inbound chan<- *Inbound

	// LogBackend is the logging backend.
	LogBackend *log.Backend

	// Tick is the receive polling interval.
	Tick time.Duration

	// RetryInterval is how often stalled handshakes are nudged.
	RetryInterval time.Duration

	// OnTrueHomie, if set, is called once per peer completing the
	// handshake.
	OnTrueHomie func(server string, id *Identity)
}

// Exchanger runs the identity handshake and the data sealing for one server
// connection.
type Exchanger struct {
	worker.Worker

	log *logging.Logger

	conn     transport.Conn
	priv     *rsa.PrivateKey
	pubDER   []byte
	address  string
	registry *Registry
	inbound  chan<- *Inbound

	tick          time.Duration
	retryInterval time.Duration
	onTrueHomie   func(string, *Identity)
}

// NewExchanger creates an Exchanger; call Start to run it.
func NewExchanger(cfg *ExchangerConfig) (*Exchanger, error) {
	if cfg.Conn == nil {
		return nil, errors.New("homie: no connection")
	}
	if cfg.PrivateKey == nil {
		return nil, errors.New("homie: no private key")
	}
	if cfg.Inbound == nil {
		return nil, errors.New("homie: no inbound queue")
	}
	backend := cfg.LogBackend
	if backend == nil {
		backend = log.NewDiscard()
	}
	e := &Exchanger{
		log:           backend.GetLogger(fmt.Sprintf("exchanger/%v", cfg.Conn.Server())),
		conn:          cfg.Conn,
		priv:          cfg.PrivateKey,
		pubDER:        MarshalPublicKey(&cfg.PrivateKey.PublicKey),
		address:       cfg.Address,
		registry:      NewRegistry(),
		inbound:       cfg.Inbound,
		tick:          cfg.Tick,
		retryInterval: cfg.RetryInterval,
		onTrueHomie:   cfg.OnTrueHomie,
	}
	if e.tick <= 0 {
		e.tick = defaultTick
	}
	if e.retryInterval <= 0 {
		e.retryInterval = defaultRetryInterval
	}
	return e, nil
}

// Start launches the receive loop.
func (e *Exchanger) Start() {
	e.Go(e.worker)
}

// Halt stops the receive loop, closes the connection and forgets every
// peer.
func (e *Exchanger) Halt() {
	e.Worker.Halt()
	if err := e.conn.Close(); err != nil {
		e.log.Warningf("Failed to close connection: %v", err)
	}
	e.registry.Clear()
}

// Server returns the server name of the underlying connection.
func (e *Exchanger) Server() string {
	return e.conn.Server()
}

// Nickname returns our nickname on the server.
func (e *Exchanger) Nickname() string {
	return e.conn.Nickname()
}

// Ready reports whether the underlying connection is usable.
func (e *Exchanger) Ready() bool {
	return !e.IsHalted() && e.conn.Ready()
}

// MaxPayloadLength is the largest payload SendData accepts.
func (e *Exchanger) MaxPayloadLength() int {
	return e.conn.MaxMessageLength() - SealOverhead
}

// Registry returns the peer table of this connection.
func (e *Exchanger) Registry() *Registry {
	return e.registry
}

// Introduce starts a handshake with nick by asking for its public key.
func (e *Exchanger) Introduce(nick string) error {
	e.registry.GetOrCreate(nick)
	return e.send(nick, &command{verb: RequestPublicKey})
}

// SendData seals payload under nick's session key and sends it.
func (e *Exchanger) SendData(nick string, payload []byte) error {
	if e.IsHalted() {
		return ErrHalted
	}
	id, ok := e.registry.Lookup(nick)
	if !ok || !id.IsTrueHomie() {
		return fmt.Errorf("%w: %v", ErrNotTrueHomie, nick)
	}
	key, _ := id.SessionKey()
	msg := append([]byte{dataMarker}, seal(key, payload)...)
	if err := e.conn.Send(id.Nickname(), msg); err != nil {
		instrument.SendFailure(e.Server())
		return err
	}
	return nil
}

// SendTo seals payload for the true homie presenting fp.
func (e *Exchanger) SendTo(fp Fingerprint, payload []byte) error {
	id, ok := e.registry.ByFingerprint(fp)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotTrueHomie, fp)
	}
	return e.SendData(id.Nickname(), payload)
}

func (e *Exchanger) worker() {
	lastRetry := time.Now()
	for {
		if e.IsHalted() {
			e.log.Debug("Terminating gracefully.")
			return
		}
		if time.Since(lastRetry) >= e.retryInterval {
			e.nudgeStalled()
			lastRetry = time.Now()
		}
		m, ok := e.conn.Receive()
		if !ok {
			if !e.Sleep(e.tick) {
				e.log.Debug("Terminating gracefully.")
				return
			}
			continue
		}
		e.onMessage(m)
	}
}

func (e *Exchanger) onMessage(m *transport.Message) {
	id := e.registry.GetOrCreate(m.From)
	if isDataMessage(m.Payload) {
		e.onData(id, m.Payload[1:])
		return
	}

	cmd, err := parseCommand(m.Payload)
	if err != nil {
		e.log.Debugf("Dropping message from '%v': %v", m.From, err)
		return
	}
	switch cmd.verb {
	case RequestPublicKey:
		e.reply(id, &command{verb: HerePublicKey, arg: e.pubDER})
	case HerePublicKey:
		e.onHerePublicKey(id, cmd.arg)
	case RequestSessionKey:
		e.onRequestSessionKey(id, cmd.arg)
	case HereSessionKey:
		e.onHereSessionKey(id, cmd.arg)
	case RequestAddress:
		e.onRequestAddress(id)
	case HereAddress:
		e.onHereAddress(id, cmd.arg)
	}
}

func (e *Exchanger) onHerePublicKey(id *Identity, der []byte) {
	pub, err := ParsePublicKey(der)
	if err != nil {
		e.log.Warningf("Rejecting public key from '%v': %v", id.Nickname(), err)
		instrument.IdentityFault("malformed_key")
		return
	}
	if err := id.SetPublicKey(pub); err != nil {
		e.log.Warningf("Rejecting public key from '%v': %v", id.Nickname(), err)
		instrument.IdentityFault("public_key_conflict")
		return
	}
	e.requestSessionKey(id, pub)
}

func (e *Exchanger) requestSessionKey(id *Identity, pub *rsa.PublicKey) {
	local := id.LocalKey()
	blob, err := wrapKey(pub, &local)
	if err != nil {
		e.log.Errorf("Failed to wrap session key for '%v': %v", id.Nickname(), err)
		return
	}
	e.reply(id, &command{verb: RequestSessionKey, arg: blob})
}

func (e *Exchanger) onRequestSessionKey(id *Identity, blob []byte) {
	pub := id.PublicKey()
	if pub == nil {
		e.log.Debugf("Session key request from '%v' before its public key, asking for it.", id.Nickname())
		e.reply(id, &command{verb: RequestPublicKey})
		return
	}
	if !e.acceptRemoteKey(id, blob) {
		return
	}
	local := id.LocalKey()
	wrapped, err := wrapKey(pub, &local)
	if err != nil {
		e.log.Errorf("Failed to wrap session key for '%v': %v", id.Nickname(), err)
		return
	}
	e.reply(id, &command{verb: HereSessionKey, arg: wrapped})
}

func (e *Exchanger) onHereSessionKey(id *Identity, blob []byte) {
	if id.PublicKey() == nil {
		e.reply(id, &command{verb: RequestPublicKey})
		return
	}
	if !e.acceptRemoteKey(id, blob) {
		return
	}
	if _, ok := id.SessionKey(); ok {
		e.reply(id, &command{verb: RequestAddress})
	}
}

func (e *Exchanger) acceptRemoteKey(id *Identity, blob []byte) bool {
	k, err := unwrapKey(e.priv, blob)
	if err != nil {
		e.log.Warningf("Dropping session key from '%v': %v", id.Nickname(), err)
		instrument.DecryptFailure()
		return false
	}
	if err := id.SetRemoteKey(k); err != nil {
		e.log.Warningf("Rejecting session key from '%v': %v", id.Nickname(), err)
		instrument.IdentityFault("session_key_conflict")
		return false
	}
	return true
}

func (e *Exchanger) onRequestAddress(id *Identity) {
	key, ok := id.SessionKey()
	if !ok {
		e.reply(id, &command{verb: RequestPublicKey})
		return
	}
	e.reply(id, &command{verb: HereAddress, arg: seal(key, []byte(e.address))})
}

func (e *Exchanger) onHereAddress(id *Identity, blob []byte) {
	key, ok := id.SessionKey()
	if !ok {
		e.reply(id, &command{verb: RequestPublicKey})
		return
	}
	addr, err := open(key, blob)
	if err != nil {
		e.log.Warningf("Dropping address from '%v': %v", id.Nickname(), err)
		instrument.DecryptFailure()
		return
	}
	if !id.SetAddress(string(addr)) {
		return
	}
	fp, _ := id.Fingerprint()
	e.log.Noticef("'%v' (%v) is a true homie.", id.Nickname(), fp)
	instrument.HandshakeCompleted(e.Server())
	if e.onTrueHomie != nil {
		e.onTrueHomie(e.Server(), id)
	}
	e.reply(id, &command{verb: HereAddress, arg: seal(key, []byte(e.address))})
}

func (e *Exchanger) onData(id *Identity, blob []byte) {
	key, ok := id.SessionKey()
	if !ok {
		e.log.Debugf("Data from '%v' without a session key, asking for its public key.", id.Nickname())
		e.reply(id, &command{verb: RequestPublicKey})
		return
	}
	payload, err := open(key, blob)
	if err != nil {
		e.log.Warningf("Dropping data from '%v': %v", id.Nickname(), err)
		instrument.DecryptFailure()
		return
	}
	fp, _ := id.Fingerprint()
	in := &Inbound{
		Server:      e.Server(),
		Nickname:    id.Nickname(),
		Fingerprint: fp,
		Payload:     payload,
	}
	select {
	case e.inbound <- in:
	case <-e.HaltCh():
	}
}

// nudgeStalled resends the request a half finished handshake is waiting on,
// which recovers from lost handshake messages.
func (e *Exchanger) nudgeStalled() {
	e.registry.Range(func(id *Identity) bool {
		if id.IsTrueHomie() {
			return true
		}
		if id.bumpRetries() > maxRetries {
			return true
		}
		pub := id.PublicKey()
		switch {
		case pub == nil:
			e.reply(id, &command{verb: RequestPublicKey})
		case id.RemoteKey() == nil:
			e.requestSessionKey(id, pub)
		default:
			e.reply(id, &command{verb: RequestAddress})
		}
		return true
	})
}

func (e *Exchanger) reply(id *Identity, c *command) {
	if err := e.send(id.Nickname(), c); err != nil {
		e.log.Debugf("Failed to send %v to '%v': %v", c.verb, id.Nickname(), err)
	}
}

func (e *Exchanger) send(nick string, c *command) error {
	if err := e.conn.Send(nick, c.encode()); err != nil {
		instrument.SendFailure(e.Server())
		return err
	}
	return nil
}
