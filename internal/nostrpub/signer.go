// Package nostrpub owns the outbound nostr path: shadow-key custody and
// signing, and publishing signed events to relays with per-relay circuit
// breakers.
package nostrpub

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/crypto/hkdf"
)

// Signer custodies the nostr shadow keys for bridged users. Each user's key
// is derived deterministically from the bridge root key, via
// HKDF-SHA256(ikm=root_bytes, salt=nil, info="crossfed-shadow:"+userID), so
// re-bridging a user always yields the same shadow identity.
type Signer struct {
	root string // hex

	mu    sync.RWMutex
	cache map[string]string // user id → derived hex privkey
}

// NewSigner creates a Signer from the bridge's hex-encoded root secret.
func NewSigner(rootHex string) (*Signer, error) {
	b, err := hex.DecodeString(rootHex)
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("signer root must be 32 hex-encoded bytes")
	}
	return &Signer{root: rootHex, cache: make(map[string]string)}, nil
}

// PrivateKey returns the derived hex private key for a user's native id.
func (s *Signer) PrivateKey(userID string) string {
	s.mu.RLock()
	if key, ok := s.cache[userID]; ok {
		s.mu.RUnlock()
		return key
	}
	s.mu.RUnlock()

	rootBytes, err := hex.DecodeString(s.root)
	if err != nil || len(rootBytes) != 32 {
		// Validated in NewSigner.
		panic("nostrpub: invalid root key")
	}
	r := hkdf.New(sha256.New, rootBytes, nil, []byte("crossfed-shadow:"+userID))
	var derived [32]byte
	if _, err := io.ReadFull(r, derived[:]); err != nil {
		// Cannot fail: hkdf.Reader is an infinite stream of key material.
		panic("nostrpub: hkdf read failed: " + err.Error())
	}
	key := hex.EncodeToString(derived[:])

	s.mu.Lock()
	s.cache[userID] = key
	s.mu.Unlock()
	return key
}

// PublicKey returns the derived hex public key for a user's native id.
func (s *Signer) PublicKey(userID string) (string, error) {
	return nostr.GetPublicKey(s.PrivateKey(userID))
}

// Sign signs event with the user's derived shadow key, filling ID, PubKey,
// and Sig.
func (s *Signer) Sign(event *nostr.Event, userID string) error {
	return event.Sign(s.PrivateKey(userID))
}
