package server

import (
	"sort"
	"sync"

	"github.com/postalsys/s2p/internal/certutil"
)

// PeerAuthenticator decides whether a carrier peer may open sessions.
// peerID is the fingerprint of the peer's certificate.
type PeerAuthenticator interface {
	Authorize(peerID string) bool
}

// AllowAll accepts every peer that completed the TLS handshake.
type AllowAll struct{}

// Authorize always returns true.
func (AllowAll) Authorize(string) bool { return true }

// Allowlist accepts peers whose fingerprint is in a set that can be
// changed while the server runs.
type Allowlist struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewAllowlist creates an allowlist from fingerprints in any accepted form.
func NewAllowlist(fingerprints ...string) (*Allowlist, error) {
	a := &Allowlist{ids: make(map[string]struct{})}
	if err := a.Set(fingerprints); err != nil {
		return nil, err
	}
	return a, nil
}

// Authorize reports whether peerID is in the list.
func (a *Allowlist) Authorize(peerID string) bool {
	id, err := certutil.NormalizeFingerprint(peerID)
	if err != nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.ids[id]
	return ok
}

// Add inserts a fingerprint.
func (a *Allowlist) Add(fingerprint string) error {
	id, err := certutil.NormalizeFingerprint(fingerprint)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.ids[id] = struct{}{}
	a.mu.Unlock()
	return nil
}

// Remove deletes a fingerprint. It reports whether it was present.
func (a *Allowlist) Remove(fingerprint string) bool {
	id, err := certutil.NormalizeFingerprint(fingerprint)
	if err != nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.ids[id]; !ok {
		return false
	}
	delete(a.ids, id)
	return true
}

// Set replaces the whole list. On error the list is unchanged.
func (a *Allowlist) Set(fingerprints []string) error {
	ids := make(map[string]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		id, err := certutil.NormalizeFingerprint(fp)
		if err != nil {
			return err
		}
		ids[id] = struct{}{}
	}
	a.mu.Lock()
	a.ids = ids
	a.mu.Unlock()
	return nil
}

// List returns the fingerprints in sorted order.
func (a *Allowlist) List() []string {
	a.mu.RLock()
	out := make([]string, 0, len(a.ids))
	for id := range a.ids {
		out = append(out, id)
	}
	a.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of fingerprints.
func (a *Allowlist) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.ids)
}
