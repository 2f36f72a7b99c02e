package nostrpub

import (
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoot = "5c0c523f52a5b6fad3be4aad23b6562af23b56cdeadbeefdeadbeefdeadbeef0"

func TestNewSignerValidation(t *testing.T) {
	_, err := NewSigner("not hex")
	assert.Error(t, err)
	_, err = NewSigner("abcd")
	assert.Error(t, err)
	_, err = NewSigner(testRoot)
	assert.NoError(t, err)
}

func TestDerivedKeysDeterministic(t *testing.T) {
	s1, err := NewSigner(testRoot)
	require.NoError(t, err)
	s2, err := NewSigner(testRoot)
	require.NoError(t, err)

	k1 := s1.PrivateKey("did:plc:alice")
	k2 := s2.PrivateKey("did:plc:alice")
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)

	// Different users get different keys.
	assert.NotEqual(t, k1, s1.PrivateKey("did:plc:bob"))
}

func TestSignVerifies(t *testing.T) {
	s, err := NewSigner(testRoot)
	require.NoError(t, err)

	ev := &nostr.Event{
		Kind:      1,
		Content:   "hello from the bridge",
		CreatedAt: nostr.Now(),
	}
	require.NoError(t, s.Sign(ev, "did:plc:alice"))

	assert.NotEmpty(t, ev.ID)
	assert.NotEmpty(t, ev.Sig)

	pub, err := s.PublicKey("did:plc:alice")
	require.NoError(t, err)
	assert.Equal(t, pub, ev.PubKey)

	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPublicKeyShape(t *testing.T) {
	s, err := NewSigner(testRoot)
	require.NoError(t, err)
	pub, err := s.PublicKey("nostr-user")
	require.NoError(t, err)
	assert.Len(t, pub, 64)
	assert.Equal(t, strings.ToLower(pub), pub)
}
