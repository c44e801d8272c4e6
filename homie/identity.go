// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package homie implements the per-connection peer identity exchange: a
// registry of remote nicknames, the handshake that agrees on an RSA
// identity key, a symmetric session key and a network address for each of
// them, and the sealing of data messages under that session key.
package homie

import (
	"bytes"
	"crypto/rsa"
	"errors"
	"sync"
)

var (
	// ErrKeyConflict is returned when a peer proposes a session key half
	// different from the one already stored for it.
	ErrKeyConflict = errors.New("homie: conflicting remote session key")

	// ErrPublicKeyConflict is returned when a nickname presents a public
	// key different from the one already stored for it.
	ErrPublicKeyConflict = errors.New("homie: conflicting public key")
)

// Identity is what one connection knows about one remote nickname.
type Identity struct {
	sync.RWMutex

	nickname string

	publicKey   *rsa.PublicKey
	fingerprint Fingerprint

	localKey  [KeySize]byte
	remoteKey *[KeySize]byte

	address *string

	retries int
}

func newIdentity(nickname string) *Identity {
	return &Identity{
		nickname: nickname,
		localKey: newSessionKeyHalf(),
	}
}

// Nickname returns the remote nickname as first seen.
func (i *Identity) Nickname() string {
	return i.nickname
}

// PublicKey returns the peer's identity key, or nil.
func (i *Identity) PublicKey() *rsa.PublicKey {
	i.RLock()
	defer i.RUnlock()
	return i.publicKey
}

// Fingerprint returns the fingerprint of the peer's identity key, if known.
func (i *Identity) Fingerprint() (Fingerprint, bool) {
	i.RLock()
	defer i.RUnlock()
	return i.fingerprint, i.publicKey != nil
}

// SetPublicKey stores pub.  Storing the same key again is a no-op; a
// different key is rejected.
func (i *Identity) SetPublicKey(pub *rsa.PublicKey) error {
	i.Lock()
	defer i.Unlock()
	if i.publicKey != nil {
		if i.publicKey.Equal(pub) {
			return nil
		}
		return ErrPublicKeyConflict
	}
	i.publicKey = pub
	i.fingerprint = FingerprintOf(pub)
	return nil
}

// LocalKey returns our session key half for this peer.
func (i *Identity) LocalKey() [KeySize]byte {
	return i.localKey
}

// RemoteKey returns the peer's session key half, or nil.
func (i *Identity) RemoteKey() *[KeySize]byte {
	i.RLock()
	defer i.RUnlock()
	if i.remoteKey == nil {
		return nil
	}
	k := *i.remoteKey
	return &k
}

// SetRemoteKey stores the peer's session key half.  It is write-once:
// the same value again is accepted, a different one is ErrKeyConflict.
func (i *Identity) SetRemoteKey(k *[KeySize]byte) error {
	i.Lock()
	defer i.Unlock()
	if i.remoteKey != nil {
		if *i.remoteKey == *k {
			return nil
		}
		return ErrKeyConflict
	}
	rk := *k
	i.remoteKey = &rk
	return nil
}

// SessionKey returns the effective session key, the lexicographically
// greater of both halves, once both are known.
func (i *Identity) SessionKey() (*[KeySize]byte, bool) {
	i.RLock()
	defer i.RUnlock()
	if i.remoteKey == nil {
		return nil, false
	}
	k := i.localKey
	if bytes.Compare(i.remoteKey[:], k[:]) > 0 {
		k = *i.remoteKey
	}
	return &k, true
}

// Address returns the peer's reported network address, if received.
func (i *Identity) Address() (string, bool) {
	i.RLock()
	defer i.RUnlock()
	if i.address == nil {
		return "", false
	}
	return *i.address, true
}

// SetAddress stores the peer's address and reports whether this was the
// first time one was received.
func (i *Identity) SetAddress(addr string) bool {
	i.Lock()
	defer i.Unlock()
	first := i.address == nil
	i.address = &addr
	return first
}

// IsTrueHomie reports whether the full handshake has completed.
func (i *Identity) IsTrueHomie() bool {
	i.RLock()
	defer i.RUnlock()
	return i.address != nil && i.publicKey != nil && i.remoteKey != nil
}

// bumpRetries increments and returns the handshake retry counter.
func (i *Identity) bumpRetries() int {
	i.Lock()
	defer i.Unlock()
	i.retries++
	return i.retries
}
