package translate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossfed/crossfed/internal/models"
	"github.com/crossfed/crossfed/internal/store"
)

func TestVerb(t *testing.T) {
	assert.Equal(t, "delete", Verb(map[string]any{"objectType": "activity", "verb": "delete"}))
	assert.Equal(t, "note", Verb(map[string]any{"objectType": "note"}))
	assert.Empty(t, Verb(nil))
}

func TestInner(t *testing.T) {
	assert.Equal(t, map[string]any{"id": "x"}, Inner(map[string]any{"object": "x"}))
	assert.Equal(t, map[string]any{"id": "y", "content": "hi"},
		Inner(map[string]any{"object": map[string]any{"id": "y", "content": "hi"}}))
	assert.Nil(t, Inner(map[string]any{}))
}

func TestOwner(t *testing.T) {
	assert.Equal(t, "did:plc:a", Owner(map[string]any{"actor": "did:plc:a"}))
	assert.Equal(t, "did:plc:b", Owner(map[string]any{"actor": map[string]any{"id": "did:plc:b"}}))
	assert.Equal(t, "did:plc:c", Owner(map[string]any{"author": "did:plc:c"}))
}

func TestRecipientIfDM(t *testing.T) {
	assert.Equal(t, "did:plc:x", RecipientIfDM(map[string]any{"to": []any{"did:plc:x"}}))
	assert.Empty(t, RecipientIfDM(map[string]any{"to": []any{"did:plc:x", "did:plc:y"}}))
	assert.Empty(t, RecipientIfDM(map[string]any{
		"to": []any{"http://activitystrea.ms/Public"},
	}))
	assert.Empty(t, RecipientIfDM(map[string]any{}))
}

func TestUserID(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	defer s.Close()

	require.NoError(t, s.PutUser(&models.User{
		Protocol: models.ProtocolNostr,
		ID:       "nostr:npub1abc",
		Copies:   []models.Target{{URI: "did:plc:xyz", Protocol: models.ProtocolATProto}},
	}))

	got, err := UserID(s, models.ProtocolNostr, models.ProtocolATProto, "nostr:npub1abc")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:xyz", got)

	// Same protocol passes through.
	got, err = UserID(s, models.ProtocolATProto, models.ProtocolATProto, "did:plc:q")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:q", got)

	// Unknown user yields empty.
	got, err = UserID(s, models.ProtocolNostr, models.ProtocolATProto, "nostr:npub1nope")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestApplyBridgeFieldsProfile(t *testing.T) {
	record := map[string]any{
		"$type":       "app.bsky.actor.profile",
		"displayName": "Alice",
	}
	as1 := map[string]any{
		"objectType":            "person",
		"id":                    "nostr:npub1abc",
		"bridgyOriginalSummary": "my real bio",
		"url":                   "https://njump.me/npub1abc",
	}
	ApplyBridgeFields(record, as1, models.ProtocolNostr)

	assert.Equal(t, "my real bio", record["bridgyOriginalDescription"])
	assert.Equal(t, "https://njump.me/npub1abc", record["bridgyOriginalUrl"])

	labels := record["labels"].(map[string]any)
	values := labels["values"].([]any)
	require.Len(t, values, 1)
	assert.Equal(t, "bridged-from-bridgy-fed-nostr",
		values[0].(map[string]any)["val"])
}

func TestApplyBridgeFieldsSameProtocolNoop(t *testing.T) {
	record := map[string]any{"$type": "app.bsky.actor.profile"}
	ApplyBridgeFields(record, map[string]any{"objectType": "person"}, models.ProtocolATProto)
	assert.NotContains(t, record, "labels")
}

func TestProfileID(t *testing.T) {
	assert.Equal(t, "at://did:plc:x/app.bsky.actor.profile/self", ProfileID("did:plc:x"))
}
