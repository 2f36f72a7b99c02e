package userset

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossfed/crossfed/internal/identity"
	"github.com/crossfed/crossfed/internal/models"
	"github.com/crossfed/crossfed/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func nostrKeypair(t *testing.T) (string, string) {
	t.Helper()
	priv := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(priv)
	require.NoError(t, err)
	return priv, pub
}

func TestLoadPopulatesSets(t *testing.T) {
	s := newTestStore(t)

	_, alicePub := nostrKeypair(t)
	_, shadowPub := nostrKeypair(t)

	// Native atproto user with a nostr shadow.
	require.NoError(t, s.PutUser(&models.User{
		Protocol:         models.ProtocolATProto,
		ID:               "did:plc:user",
		EnabledProtocols: []string{models.ProtocolNostr},
		Copies:           []models.Target{{URI: identity.NpubURI(shadowPub), Protocol: models.ProtocolNostr}},
	}))
	// Native nostr user with an atproto shadow.
	require.NoError(t, s.PutUser(&models.User{
		Protocol:         models.ProtocolNostr,
		ID:               identity.NpubURI(alicePub),
		EnabledProtocols: []string{models.ProtocolATProto},
		Copies:           []models.Target{{URI: "did:alice", Protocol: models.ProtocolATProto}},
	}))
	// Opted-out user: excluded.
	require.NoError(t, s.PutUser(&models.User{
		Protocol:         models.ProtocolATProto,
		ID:               "did:plc:blocked",
		EnabledProtocols: []string{models.ProtocolNostr},
		Status:           models.StatusBlocked,
	}))

	l := New(s, nil, time.Minute)
	l.LoadOnce(context.Background())

	snap := l.Current()
	assert.True(t, snap.ATProtoDIDs["did:plc:user"])
	assert.False(t, snap.ATProtoDIDs["did:plc:blocked"])
	assert.True(t, snap.BridgedDIDs["did:alice"])
	assert.True(t, snap.NostrPubkeys[alicePub])
	assert.True(t, snap.BridgedPubkeys[shadowPub])
}

func TestSnapshotsAreImmutable(t *testing.T) {
	s := newTestStore(t)
	l := New(s, nil, time.Minute)
	l.LoadOnce(context.Background())
	before := l.Current()

	require.NoError(t, s.PutUser(&models.User{
		Protocol:         models.ProtocolATProto,
		ID:               "did:plc:new",
		EnabledProtocols: []string{models.ProtocolNostr},
	}))
	l.LoadOnce(context.Background())

	// The old snapshot is untouched; the new one grew.
	assert.False(t, before.ATProtoDIDs["did:plc:new"])
	assert.True(t, l.Current().ATProtoDIDs["did:plc:new"])
}

func TestIncrementalLoad(t *testing.T) {
	s := newTestStore(t)
	l := New(s, nil, time.Minute)

	require.NoError(t, s.PutUser(&models.User{
		Protocol:         models.ProtocolATProto,
		ID:               "did:plc:first",
		EnabledProtocols: []string{models.ProtocolNostr},
	}))
	l.LoadOnce(context.Background())
	require.True(t, l.Current().ATProtoDIDs["did:plc:first"])

	// A user updated after the first load is picked up on the next tick,
	// and previously loaded users stay.
	require.NoError(t, s.PutUser(&models.User{
		Protocol:         models.ProtocolATProto,
		ID:               "did:plc:second",
		EnabledProtocols: []string{models.ProtocolNostr},
	}))
	l.LoadOnce(context.Background())
	snap := l.Current()
	assert.True(t, snap.ATProtoDIDs["did:plc:first"])
	assert.True(t, snap.ATProtoDIDs["did:plc:second"])
}

func TestWaitReady(t *testing.T) {
	s := newTestStore(t)
	l := New(s, nil, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, l.WaitReady(ctx))

	l.LoadOnce(context.Background())
	assert.NoError(t, l.WaitReady(context.Background()))
}
