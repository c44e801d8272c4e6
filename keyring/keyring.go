// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package keyring implements a persistent book of peers that completed the
// identity handshake, backed by a bolt database with CBOR encoded records.
package keyring

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/rookery/homie"
)

const (
	metadataBucket  = "metadata"
	peersBucket     = "peers"
	nicknamesBucket = "nicknames"
	versionKey      = "version"

	version = 0
)

var (
	// ErrNotFound is returned by Lookup for an unknown fingerprint.
	ErrNotFound = errors.New("keyring: no such peer")

	// ErrKeyChanged is returned by Observe when a nickname on a server
	// presents a key different from the one previously recorded for it.
	// The new observation is recorded regardless.
	ErrKeyChanged = errors.New("keyring: nickname presented a different key")

	// ErrIncompatibleVersion is returned by Open for a database written
	// with another schema version.
	ErrIncompatibleVersion = errors.New("keyring: incompatible version")
)

// Record is what the keyring remembers about one peer key.
type Record struct {
	Fingerprint homie.Fingerprint
	Nickname    string
	Server      string
	Address     string
	PublicKey   []byte
	FirstSeen   time.Time
	LastSeen    time.Time
}

// Keyring is the peer book.
type Keyring struct {
	sync.Mutex

	db *bolt.DB
}

// Open opens or creates the keyring stored at path.
func Open(path string) (*Keyring, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{peersBucket, nicknamesBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != version {
				return fmt.Errorf("%w: %x", ErrIncompatibleVersion, b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{version})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Keyring{db: db}, nil
}

func nicknameKey(server, nick string) []byte {
	return []byte(server + "\x00" + homie.FoldNickname(nick))
}

// Observe records r, merging it with what is already known about the same
// key.  FirstSeen is kept from the earliest observation.
func (k *Keyring) Observe(r *Record) error {
	k.Lock()
	defer k.Unlock()

	var changed *homie.Fingerprint
	err := k.db.Update(func(tx *bolt.Tx) error {
		pBkt := tx.Bucket([]byte(peersBucket))
		nBkt := tx.Bucket([]byte(nicknamesBucket))

		rec := *r
		if raw := pBkt.Get(r.Fingerprint[:]); raw != nil {
			var old Record
			if err := cbor.Unmarshal(raw, &old); err != nil {
				return err
			}
			if !old.FirstSeen.IsZero() && (rec.FirstSeen.IsZero() || old.FirstSeen.Before(rec.FirstSeen)) {
				rec.FirstSeen = old.FirstSeen
			}
		}
		if rec.FirstSeen.IsZero() {
			rec.FirstSeen = rec.LastSeen
		}
		raw, err := cbor.Marshal(&rec)
		if err != nil {
			return err
		}
		if err = pBkt.Put(rec.Fingerprint[:], raw); err != nil {
			return err
		}

		nk := nicknameKey(rec.Server, rec.Nickname)
		if prev := nBkt.Get(nk); prev != nil && len(prev) == len(rec.Fingerprint) {
			var fp homie.Fingerprint
			copy(fp[:], prev)
			if fp != rec.Fingerprint {
				changed = &fp
			}
		}
		return nBkt.Put(nk, rec.Fingerprint[:])
	})
	if err != nil {
		return err
	}
	if changed != nil {
		return fmt.Errorf("%w: '%v' on %v was %v, now %v", ErrKeyChanged, r.Nickname, r.Server, changed, r.Fingerprint)
	}
	return nil
}

// Lookup returns the Record for fp.
func (k *Keyring) Lookup(fp homie.Fingerprint) (*Record, error) {
	var rec *Record
	err := k.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(peersBucket)).Get(fp[:])
		if raw == nil {
			return ErrNotFound
		}
		rec = new(Record)
		return cbor.Unmarshal(raw, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ForEach calls fn for every Record in fingerprint order, stopping at the
// first error.
func (k *Keyring) ForEach(fn func(*Record) error) error {
	return k.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(peersBucket)).ForEach(func(_, raw []byte) error {
			rec := new(Record)
			if err := cbor.Unmarshal(raw, rec); err != nil {
				return err
			}
			return fn(rec)
		})
	})
}

// Close flushes and closes the database.
func (k *Keyring) Close() error {
	if err := k.db.Sync(); err != nil {
		k.db.Close()
		return err
	}
	return k.db.Close()
}
