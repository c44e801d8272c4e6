// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package homie

import (
	"sync"

	"golang.org/x/text/cases"
)

// FoldNickname returns the case-folded form used to index nicknames, as
// chat servers treat nicknames case-insensitively.
func FoldNickname(nick string) string {
	// Casers are stateful, so one per call.
	return cases.Fold().String(nick)
}

// Registry is the lazily populated table of Identities seen on one
// connection.  The index is lock free; each Identity carries its own lock.
type Registry struct {
	entries sync.Map
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return new(Registry)
}

// GetOrCreate returns the Identity for nick, constructing it on first
// access.
func (r *Registry) GetOrCreate(nick string) *Identity {
	key := FoldNickname(nick)
	if v, ok := r.entries.Load(key); ok {
		return v.(*Identity)
	}
	v, _ := r.entries.LoadOrStore(key, newIdentity(nick))
	return v.(*Identity)
}

// Lookup returns the Identity for nick without creating it.
func (r *Registry) Lookup(nick string) (*Identity, bool) {
	v, ok := r.entries.Load(FoldNickname(nick))
	if !ok {
		return nil, false
	}
	return v.(*Identity), true
}

// ByFingerprint returns an Identity presenting the key fp, preferring one
// that completed the handshake.
func (r *Registry) ByFingerprint(fp Fingerprint) (*Identity, bool) {
	var found *Identity
	r.Range(func(id *Identity) bool {
		f, ok := id.Fingerprint()
		if !ok || f != fp {
			return true
		}
		found = id
		return !id.IsTrueHomie()
	})
	return found, found != nil
}

// TrueHomies returns every Identity that completed the handshake.
func (r *Registry) TrueHomies() []*Identity {
	var ids []*Identity
	r.Range(func(id *Identity) bool {
		if id.IsTrueHomie() {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

// Range calls fn for every Identity until fn returns false.
func (r *Registry) Range(fn func(*Identity) bool) {
	r.entries.Range(func(_, v interface{}) bool {
		return fn(v.(*Identity))
	})
}

// Len returns the number of Identities.
func (r *Registry) Len() int {
	n := 0
	r.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Clear forgets every Identity.
func (r *Registry) Clear() {
	r.entries.Range(func(k, _ interface{}) bool {
		r.entries.Delete(k)
		return true
	})
}
