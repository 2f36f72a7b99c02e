package repo

import (
	"context"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextTIDMonotonic(t *testing.T) {
	prev := ""
	for i := 0; i < 1000; i++ {
		tid := NextTID()
		assert.Len(t, tid, 13)
		assert.Greater(t, tid, prev)
		prev = tid
	}
}

func newTestRepo(t *testing.T, m *MemStorage) *Repo {
	t.Helper()
	signing, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	rotation, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	r, err := m.CreateRepo(context.Background(), "did:plc:test", "alice.example.com", signing, rotation)
	require.NoError(t, err)
	return r
}

func TestMemStorageCommit(t *testing.T) {
	m := NewMemStorage()
	r := newTestRepo(t, m)
	ctx := context.Background()

	var commits []Commit
	m.SetCommitCallback(func(c Commit) { commits = append(commits, c) })

	err := m.Commit(ctx, r, []Write{{
		Action:     ActionCreate,
		Collection: "app.bsky.feed.post",
		RKey:       "abc",
		Record:     map[string]any{"text": "hi"},
	}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, r.Seq)
	require.Len(t, commits, 1)
	assert.Equal(t, "did:plc:test", commits[0].DID)

	rec, err := m.GetRecord(ctx, "did:plc:test", "app.bsky.feed.post", "abc")
	require.NoError(t, err)
	assert.Equal(t, "hi", rec["text"])
}

func TestMemStorageCommitAtomic(t *testing.T) {
	m := NewMemStorage()
	r := newTestRepo(t, m)
	ctx := context.Background()

	// A commit with one bad write applies nothing.
	err := m.Commit(ctx, r, []Write{
		{Action: ActionCreate, Collection: "c", RKey: "ok", Record: map[string]any{}},
		{Action: ActionDelete, Collection: "c", RKey: "missing"},
	})
	assert.ErrorIs(t, err, ErrNoRecord)

	rec, err := m.GetRecord(ctx, "did:plc:test", "c", "ok")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMemStorageInactive(t *testing.T) {
	m := NewMemStorage()
	r := newTestRepo(t, m)
	ctx := context.Background()

	require.NoError(t, m.DeactivateRepo(ctx, r))
	assert.Equal(t, StatusDeactivated, r.Status)

	err := m.Commit(ctx, r, []Write{{Action: ActionCreate, Collection: "c", RKey: "x", Record: map[string]any{}}})
	assert.ErrorIs(t, err, ErrInactiveRepo)

	require.NoError(t, m.ActivateRepo(ctx, r))
	assert.Empty(t, r.Status)
	require.NoError(t, m.Commit(ctx, r,
		[]Write{{Action: ActionCreate, Collection: "c", RKey: "x", Record: map[string]any{}}}))
}

func TestMemStorageListRecords(t *testing.T) {
	m := NewMemStorage()
	r := newTestRepo(t, m)
	ctx := context.Background()

	for _, rkey := range []string{"a", "b"} {
		require.NoError(t, m.Commit(ctx, r, []Write{{
			Action:     ActionCreate,
			Collection: "app.bsky.graph.block",
			RKey:       rkey,
			Record:     map[string]any{"subject": "did:plc:" + rkey},
		}}))
	}

	records, err := m.ListRecords(ctx, "did:plc:test", "app.bsky.graph.block")
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, "did:plc:a", records["a"]["subject"])
}

func TestLoadRepoMissing(t *testing.T) {
	m := NewMemStorage()
	r, err := m.LoadRepo(context.Background(), "did:plc:nope")
	require.NoError(t, err)
	assert.Nil(t, r)
}
