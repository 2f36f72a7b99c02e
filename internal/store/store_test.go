package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossfed/crossfed/internal/models"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	s := newStore(t)

	u := &models.User{
		Protocol:         models.ProtocolNostr,
		ID:               "nostr:npub1abc",
		Handle:           "alice@example.com",
		EnabledProtocols: []string{models.ProtocolATProto},
		Copies: []models.Target{
			{URI: "did:plc:xyz", Protocol: models.ProtocolATProto},
		},
		NostrPrivKey: "deadbeef",
		ValidNIP05:   "alice@example.com",
	}
	require.NoError(t, s.PutUser(u))

	got, err := s.GetUser(models.ProtocolNostr, "nostr:npub1abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice@example.com", got.Handle)
	assert.Equal(t, []string{models.ProtocolATProto}, got.EnabledProtocols)
	assert.Equal(t, "did:plc:xyz", got.Copy(models.ProtocolATProto))
	assert.Equal(t, "deadbeef", got.NostrPrivKey)
	assert.False(t, got.Updated.IsZero())
}

func TestGetUserMissing(t *testing.T) {
	s := newStore(t)
	got, err := s.GetUser(models.ProtocolNostr, "nostr:npub1nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUserForCopy(t *testing.T) {
	s := newStore(t)

	u := &models.User{
		Protocol: models.ProtocolNostr,
		ID:       "nostr:npub1abc",
		Copies:   []models.Target{{URI: "did:plc:xyz", Protocol: models.ProtocolATProto}},
	}
	require.NoError(t, s.PutUser(u))

	got, err := s.UserForCopy("did:plc:xyz")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "nostr:npub1abc", got.ID)

	// Second lookup hits the cache.
	got, err = s.UserForCopy("did:plc:xyz")
	require.NoError(t, err)
	require.NotNil(t, got)

	none, err := s.UserForCopy("did:plc:unknown")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestUserByHandle(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.PutUser(&models.User{
		Protocol: models.ProtocolATProto,
		ID:       "did:plc:abc",
		Handle:   "bob.example.com",
	}))

	got, err := s.GetUserByHandle(models.ProtocolATProto, "bob.example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "did:plc:abc", got.ID)
}

func TestUsersUpdatedSince(t *testing.T) {
	s := newStore(t)

	// Enabled and active: included.
	require.NoError(t, s.PutUser(&models.User{
		Protocol:         models.ProtocolNostr,
		ID:               "nostr:npub1a",
		EnabledProtocols: []string{models.ProtocolATProto},
	}))
	// Opted out: excluded.
	require.NoError(t, s.PutUser(&models.User{
		Protocol:         models.ProtocolNostr,
		ID:               "nostr:npub1b",
		EnabledProtocols: []string{models.ProtocolATProto},
		Status:           models.StatusBlocked,
	}))
	// No enabled protocols: excluded.
	require.NoError(t, s.PutUser(&models.User{
		Protocol: models.ProtocolNostr,
		ID:       "nostr:npub1c",
	}))

	users, err := s.UsersUpdatedSince(models.ProtocolNostr, time.Time{})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "nostr:npub1a", users[0].ID)

	// Nothing updated after now.
	users, err = s.UsersUpdatedSince(models.ProtocolNostr, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestFindUserForName(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.PutUser(&models.User{
		Protocol:         models.ProtocolATProto,
		ID:               "did:plc:abc",
		Handle:           "Alice@example.com",
		EnabledProtocols: []string{models.ProtocolNostr},
	}))

	// By handle.
	got, err := s.FindUserForName("Alice@example.com", models.ProtocolNostr)
	require.NoError(t, err)
	require.NotNil(t, got)

	// By flattened handle-as-domain, case-insensitive.
	got, err = s.FindUserForName("alice.example.com", models.ProtocolNostr)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "did:plc:abc", got.ID)

	// Excluded protocol doesn't match.
	got, err = s.FindUserForName("Alice@example.com", models.ProtocolATProto)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestObjectCopiesBidirectional(t *testing.T) {
	s := newStore(t)

	o := &models.Object{
		ID:             "nostr:note1xyz",
		SourceProtocol: models.ProtocolNostr,
		Nostr:          []byte(`{"kind":1}`),
	}
	require.NoError(t, s.PutObject(o))

	o.AddCopy(models.Target{URI: "at://did:plc:a/app.bsky.feed.post/123", Protocol: models.ProtocolATProto})
	require.NoError(t, s.PutObject(o))

	// Loading via the copy uri must return the original object.
	got, err := s.ObjectForCopy("at://did:plc:a/app.bsky.feed.post/123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "nostr:note1xyz", got.ID)

	// AddCopy replaces, never duplicates, per protocol.
	o.AddCopy(models.Target{URI: "at://did:plc:a/app.bsky.feed.post/456", Protocol: models.ProtocolATProto})
	require.NoError(t, s.PutObject(o))
	got, err = s.GetObject("nostr:note1xyz")
	require.NoError(t, err)
	require.Len(t, got.Copies, 1)
	assert.Equal(t, "at://did:plc:a/app.bsky.feed.post/456", got.Copies[0].URI)
}

func TestDeleteObject(t *testing.T) {
	s := newStore(t)
	o := &models.Object{
		ID:     "at://did:plc:a/app.bsky.feed.post/1",
		Copies: []models.Target{{URI: "nostr:note1q", Protocol: models.ProtocolNostr}},
	}
	require.NoError(t, s.PutObject(o))
	require.NoError(t, s.DeleteObject(o.ID))

	got, err := s.GetObject(o.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	byCopy, err := s.ObjectForCopy("nostr:note1q")
	require.NoError(t, err)
	assert.Nil(t, byCopy)
}

func TestFollowers(t *testing.T) {
	s := newStore(t)

	f := &models.Follower{
		FromProtocol: models.ProtocolATProto,
		FromID:       "did:plc:a",
		ToProtocol:   models.ProtocolNostr,
		ToID:         "nostr:npub1b",
		FollowObjID:  "at://did:plc:a/app.bsky.graph.follow/1",
	}
	require.NoError(t, s.AddFollower(f))

	got, err := s.GetFollower(models.ProtocolATProto, "did:plc:a", models.ProtocolNostr, "nostr:npub1b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "at://did:plc:a/app.bsky.graph.follow/1", got.FollowObjID)

	// Re-follow updates in place.
	f.FollowObjID = "at://did:plc:a/app.bsky.graph.follow/2"
	require.NoError(t, s.AddFollower(f))
	got, err = s.GetFollower(models.ProtocolATProto, "did:plc:a", models.ProtocolNostr, "nostr:npub1b")
	require.NoError(t, err)
	assert.Equal(t, "at://did:plc:a/app.bsky.graph.follow/2", got.FollowObjID)

	require.NoError(t, s.RemoveFollower(models.ProtocolATProto, "did:plc:a", models.ProtocolNostr, "nostr:npub1b"))
	got, err = s.GetFollower(models.ProtocolATProto, "did:plc:a", models.ProtocolNostr, "nostr:npub1b")
	require.NoError(t, err)
	assert.Equal(t, "inactive", got.Status)
}

func TestCursor(t *testing.T) {
	s := newStore(t)

	c, err := s.GetCursor("bgs.local", "com.atproto.sync.subscribeRepos")
	require.NoError(t, err)
	assert.Zero(t, c)

	require.NoError(t, s.SetCursor("bgs.local", "com.atproto.sync.subscribeRepos", 444))
	c, err = s.GetCursor("bgs.local", "com.atproto.sync.subscribeRepos")
	require.NoError(t, err)
	assert.EqualValues(t, 444, c)

	require.NoError(t, s.SetCursor("bgs.local", "com.atproto.sync.subscribeRepos", 790))
	c, err = s.GetCursor("bgs.local", "com.atproto.sync.subscribeRepos")
	require.NoError(t, err)
	assert.EqualValues(t, 790, c)
}

func TestRelays(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.PutRelay(&models.Relay{URL: "wss://nos.lol", Since: 100}))
	// since only moves forward
	require.NoError(t, s.PutRelay(&models.Relay{URL: "wss://nos.lol", Since: 50}))

	r, err := s.GetRelay("wss://nos.lol")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.EqualValues(t, 100, r.Since)

	require.NoError(t, s.PutRelay(&models.Relay{URL: "wss://relay.damus.io", Since: 7}))
	urls, err := s.Relays()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"wss://nos.lol", "wss://relay.damus.io"}, urls)
}
