package firehose

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
	mh "github.com/multiformats/go-multihash"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossfed/crossfed/internal/config"
	"github.com/crossfed/crossfed/internal/identity"
	"github.com/crossfed/crossfed/internal/models"
	"github.com/crossfed/crossfed/internal/reporting"
	"github.com/crossfed/crossfed/internal/store"
	"github.com/crossfed/crossfed/internal/tasks"
	"github.com/crossfed/crossfed/internal/userset"
)

func testConfig() *config.Config {
	return &config.Config{
		PDSHost:         "atproto.example.com",
		Domains:         []string{"atproto.example.com"},
		RelayHost:       "bgs.local",
		HTTPTimeout:     time.Second,
		StoreCursorFreq: 10 * time.Second,
		ReconnectDelay:  time.Millisecond,
		DeleteTaskDelay: 90 * time.Second,
		CommitQueueSize: 100,
	}
}

// captureTasks collects every task created through an inline dispatcher.
type captureTasks struct {
	mu    sync.Mutex
	tasks []tasks.Task
}

func (c *captureTasks) handler(ctx context.Context, t tasks.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, t)
	return nil
}

func (c *captureTasks) all() []tasks.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tasks.Task{}, c.tasks...)
}

func newFixture(t *testing.T) (*ATProtoSubscriber, *store.Store, *userset.Loader, *captureTasks) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	// user is a native atproto user, bridged out. alice is a nostr user
	// bridged in, whose shadow repo is did:alice.
	require.NoError(t, st.PutUser(&models.User{
		Protocol:         models.ProtocolATProto,
		ID:               "did:plc:user",
		EnabledProtocols: []string{models.ProtocolNostr},
	}))
	alicePriv := nostr.GeneratePrivateKey()
	alicePub, err := nostr.GetPublicKey(alicePriv)
	require.NoError(t, err)
	require.NoError(t, st.PutUser(&models.User{
		Protocol:         models.ProtocolNostr,
		ID:               identity.NpubURI(alicePub),
		EnabledProtocols: []string{models.ProtocolATProto},
		Copies:           []models.Target{{URI: "did:alice", Protocol: models.ProtocolATProto}},
	}))

	loader := userset.New(st, nil, time.Minute)
	loader.LoadOnce(context.Background())

	capture := &captureTasks{}
	dispatcher := tasks.New(nil, nil, 0, 0, nil)
	dispatcher.Inline = true
	dispatcher.Register("receive", capture.handler)

	sub := NewATProtoSubscriber(testConfig(), st, loader, dispatcher, nil, reporting.New(nil))
	return sub, st, loader, capture
}

// encodeCommitFrame builds the two-block binary frame for one op.
func encodeCommitFrame(t *testing.T, repoDID, action, path string, seq int64, record map[string]any) []byte {
	t.Helper()

	var blocks []byte
	var opCID any
	if record != nil {
		recBytes, err := cbor.Marshal(record)
		require.NoError(t, err)
		sum, err := mh.Sum(recBytes, mh.SHA2_256, -1)
		require.NoError(t, err)
		blockCID := cid.NewCidV1(cid.DagCBOR, sum)

		header, err := cbor.Marshal(map[string]any{"version": 1, "roots": []any{}})
		require.NoError(t, err)
		blocks = append(blocks, varint.ToUvarint(uint64(len(header)))...)
		blocks = append(blocks, header...)
		blockBytes := append(blockCID.Bytes(), recBytes...)
		blocks = append(blocks, varint.ToUvarint(uint64(len(blockBytes)))...)
		blocks = append(blocks, blockBytes...)

		opCID = cbor.Tag{Number: 42, Content: append([]byte{0}, blockCID.Bytes()...)}
	}

	hdr, err := cbor.Marshal(map[string]any{"op": 1, "t": FrameCommit})
	require.NoError(t, err)
	op := map[string]any{"action": action, "path": path}
	if opCID != nil {
		op["cid"] = opCID
	}
	payload, err := cbor.Marshal(map[string]any{
		"seq":    seq,
		"repo":   repoDID,
		"rev":    "abc",
		"since":  "def",
		"blocks": blocks,
		"ops":    []any{op},
		"time":   "1900-02-04",
		"tooBig": false,
	})
	require.NoError(t, err)
	return append(hdr, payload...)
}

func TestCommitByBridgedUserEnqueued(t *testing.T) {
	sub, _, _, _ := newFixture(t)

	msg := encodeCommitFrame(t, "did:plc:user", "create", "app.bsky.feed.post/abc123", 789,
		map[string]any{"$type": "app.bsky.feed.post", "text": "hi"})
	require.NoError(t, sub.handleFrame(context.Background(), msg))

	select {
	case op := <-sub.Commits():
		assert.Equal(t, "did:plc:user", op.Repo)
		assert.Equal(t, "create", op.Action)
		assert.EqualValues(t, 789, op.Seq)
		assert.Equal(t, "hi", op.Record["text"])
	default:
		t.Fatal("expected an op")
	}
}

func TestCommitByOtherUserDropped(t *testing.T) {
	sub, _, _, _ := newFixture(t)

	msg := encodeCommitFrame(t, "did:plc:carol", "create", "app.bsky.feed.post/abc", 790,
		map[string]any{"$type": "app.bsky.feed.post", "text": "who cares"})
	require.NoError(t, sub.handleFrame(context.Background(), msg))
	assert.Empty(t, sub.Commits())
}

func TestCommitMentioningBridgedUserEnqueued(t *testing.T) {
	sub, _, _, _ := newFixture(t)

	for name, record := range map[string]map[string]any{
		"like subject": {
			"$type":   "app.bsky.feed.like",
			"subject": map[string]any{"uri": "at://did:alice/app.bsky.feed.post/tid"},
		},
		"follow subject": {
			"$type":   "app.bsky.graph.follow",
			"subject": "did:alice",
		},
		"reply parent": {
			"$type": "app.bsky.feed.post",
			"reply": map[string]any{
				"parent": map[string]any{"uri": "at://did:alice/app.bsky.feed.post/p"},
				"root":   map[string]any{"uri": "at://did:plc:other/app.bsky.feed.post/r"},
			},
		},
		"facet mention": {
			"$type": "app.bsky.feed.post",
			"facets": []any{map[string]any{
				"features": []any{map[string]any{
					"$type": "app.bsky.richtext.facet#mention",
					"did":   "did:alice",
				}},
			}},
		},
		"embed record": {
			"$type": "app.bsky.feed.post",
			"embed": map[string]any{
				"record": map[string]any{"uri": "at://did:alice/app.bsky.feed.post/q"},
			},
		},
	} {
		t.Run(name, func(t *testing.T) {
			msg := encodeCommitFrame(t, "did:plc:carol", "create", "app.bsky.feed.post/x", 1, record)
			require.NoError(t, sub.handleFrame(context.Background(), msg))
			select {
			case <-sub.Commits():
			default:
				t.Fatal("expected an op")
			}
		})
	}
}

func TestLoopbackSuppressed(t *testing.T) {
	sub, _, _, _ := newFixture(t)

	// Authored by the bridged shadow did itself: the bridge wrote it.
	msg := encodeCommitFrame(t, "did:alice", "create", "app.bsky.feed.post/x", 2,
		map[string]any{
			"$type":   "app.bsky.feed.like",
			"subject": map[string]any{"uri": "at://did:alice/app.bsky.feed.post/tid"},
		})
	require.NoError(t, sub.handleFrame(context.Background(), msg))
	assert.Empty(t, sub.Commits())
}

func TestErrorFrameReconnects(t *testing.T) {
	sub, _, _, _ := newFixture(t)

	hdr, err := cbor.Marshal(map[string]any{"op": -1, "t": ""})
	require.NoError(t, err)
	payload, err := cbor.Marshal(map[string]any{"error": "ConsumerTooSlow", "message": "ketchup!"})
	require.NoError(t, err)

	err = sub.handleFrame(context.Background(), append(hdr, payload...))
	var connErr *connectionError
	assert.ErrorAs(t, err, &connErr)
	assert.Empty(t, sub.Commits())
}

func TestAccountIdentityFrames(t *testing.T) {
	sub, _, _, _ := newFixture(t)

	for _, typ := range []string{FrameAccount, FrameIdentity} {
		hdr, err := cbor.Marshal(map[string]any{"op": 1, "t": typ})
		require.NoError(t, err)
		payload, err := cbor.Marshal(map[string]any{
			"seq": int64(789), "did": "did:plc:user", "time": "1900-01-01",
		})
		require.NoError(t, err)
		require.NoError(t, sub.handleFrame(context.Background(), append(hdr, payload...)))

		select {
		case op := <-sub.Commits():
			assert.Equal(t, typ[1:], op.Action)
			assert.Equal(t, "did:plc:user", op.Repo)
		default:
			t.Fatalf("expected %s op", typ)
		}
	}

	// Not bridged: no op.
	hdr, err := cbor.Marshal(map[string]any{"op": 1, "t": FrameAccount})
	require.NoError(t, err)
	payload, err := cbor.Marshal(map[string]any{"seq": int64(790), "did": "did:plc:nope"})
	require.NoError(t, err)
	require.NoError(t, sub.handleFrame(context.Background(), append(hdr, payload...)))
	assert.Empty(t, sub.Commits())
}

func TestHandleCreateEnqueuesReceiveTask(t *testing.T) {
	sub, _, _, capture := newFixture(t)

	sub.handleOp(context.Background(), Op{
		Repo:   "did:plc:user",
		Action: "create",
		Seq:    789,
		Path:   "app.bsky.feed.post/123",
		Record: map[string]any{"$type": "app.bsky.feed.post", "text": "hello"},
		Time:   "1900-02-04",
	})

	got := capture.all()
	require.Len(t, got, 1)
	assert.Equal(t, "receive", got[0].Queue)
	assert.Equal(t, "at://did:plc:user/app.bsky.feed.post/123", got[0].ID)
	assert.Equal(t, models.ProtocolATProto, got[0].SourceProtocol)
	assert.Equal(t, "did:plc:user", got[0].AuthedAs)
	assert.Equal(t, "1900-02-04", got[0].ReceivedAt)
	assert.Equal(t, "hello", got[0].Bsky["text"])
}

func TestHandleDeletePost(t *testing.T) {
	sub, _, _, capture := newFixture(t)

	sub.handleOp(context.Background(), Op{
		Repo: "did:plc:user", Action: "delete", Seq: 789,
		Path: "app.bsky.feed.post/123",
	})

	got := capture.all()
	require.Len(t, got, 1)
	objID := "at://did:plc:user/app.bsky.feed.post/123"
	assert.Equal(t, objID+"#delete", got[0].ID)
	assert.Equal(t, 90*time.Second, got[0].Delay)
	assert.Equal(t, map[string]any{
		"objectType": "activity",
		"verb":       "delete",
		"id":         objID + "#delete",
		"actor":      "did:plc:user",
		"object":     any(objID),
	}, got[0].AS1)
}

func TestHandleDeleteBlockBecomesUndo(t *testing.T) {
	sub, _, _, capture := newFixture(t)

	sub.handleOp(context.Background(), Op{
		Repo: "did:plc:user", Action: "delete", Seq: 789,
		Path: "app.bsky.graph.block/123",
	})

	got := capture.all()
	require.Len(t, got, 1)
	assert.Equal(t, "undo", got[0].AS1["verb"])
	assert.Equal(t, "at://did:plc:user/app.bsky.graph.block/123#undo", got[0].ID)
}

func TestHandleDeleteFollowBecomesStopFollowing(t *testing.T) {
	sub, st, _, capture := newFixture(t)

	require.NoError(t, st.PutObject(&models.Object{
		ID: "at://did:plc:user/app.bsky.graph.follow/123",
		Bsky: []byte(`{"$type":"app.bsky.graph.follow","subject":"did:bo:b",` +
			`"createdAt":"2022-01-02T03:04:05.000Z"}`),
	}))

	sub.handleOp(context.Background(), Op{
		Repo: "did:plc:user", Action: "delete", Seq: 789,
		Path: "app.bsky.graph.follow/123",
	})

	got := capture.all()
	require.Len(t, got, 1)
	assert.Equal(t, "stop-following", got[0].AS1["verb"])
	assert.Equal(t, "did:bo:b", got[0].AS1["object"])
	assert.Equal(t, 90*time.Second, got[0].Delay)
}

func TestHandleDeleteFollowWithoutStoredFollowDropped(t *testing.T) {
	sub, _, _, capture := newFixture(t)

	sub.handleOp(context.Background(), Op{
		Repo: "did:plc:user", Action: "delete", Seq: 789,
		Path: "app.bsky.graph.follow/123",
	})
	assert.Empty(t, capture.all())
}

func TestCursorFlushBounded(t *testing.T) {
	sub, st, _, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, st.SetCursor("bgs.local", SubscribeReposStream, 444))

	// First frame flushes immediately (lastFlushed is zero).
	msg := encodeCommitFrame(t, "did:plc:user", "create", "app.bsky.feed.post/a", 445,
		map[string]any{"$type": "app.bsky.feed.post"})
	require.NoError(t, sub.handleFrame(ctx, msg))
	c, err := st.GetCursor("bgs.local", SubscribeReposStream)
	require.NoError(t, err)
	assert.EqualValues(t, 445, c)

	// Within the flush window: in-memory only.
	msg = encodeCommitFrame(t, "did:plc:user", "create", "app.bsky.feed.post/b", 789,
		map[string]any{"$type": "app.bsky.feed.post"})
	require.NoError(t, sub.handleFrame(ctx, msg))
	c, err = st.GetCursor("bgs.local", SubscribeReposStream)
	require.NoError(t, err)
	assert.EqualValues(t, 445, c)

	// Window elapsed: next frame persists.
	sub.lastFlushed = time.Now().Add(-sub.cfg.StoreCursorFreq - time.Second)
	msg = encodeCommitFrame(t, "did:plc:user", "create", "app.bsky.feed.post/c", 790,
		map[string]any{"$type": "app.bsky.feed.post"})
	require.NoError(t, sub.handleFrame(ctx, msg))
	c, err = st.GetCursor("bgs.local", SubscribeReposStream)
	require.NoError(t, err)
	assert.EqualValues(t, 790, c)
}

func TestSubscribeURLIncludesCursor(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t,
		"wss://bgs.local/xrpc/com.atproto.sync.subscribeRepos?cursor=445",
		cfg.SubscribeReposURL(445))
	assert.Equal(t,
		"wss://bgs.local/xrpc/com.atproto.sync.subscribeRepos",
		cfg.SubscribeReposURL(0))
}
