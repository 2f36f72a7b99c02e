package plc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDIDKey(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	did := EncodeDIDKey(key.PubKey())
	assert.True(t, strings.HasPrefix(did, "did:key:z"), did)

	// Deterministic for the same key.
	assert.Equal(t, did, EncodeDIDKey(key.PubKey()))
}

func TestSignOp(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	op := map[string]any{"type": "plc_operation", "prev": nil}
	require.NoError(t, signOp(op, key))
	sig, ok := op["sig"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, sig)

	// Re-signing replaces the signature rather than signing over it.
	op2 := map[string]any{"type": "plc_operation", "prev": nil, "sig": "stale"}
	require.NoError(t, signOp(op2, key))
	assert.Equal(t, sig, op2["sig"])
}

func TestDIDForGenesisShape(t *testing.T) {
	op := map[string]any{"type": "plc_operation", "prev": nil, "sig": "abc"}
	did, err := didForGenesis(op)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(did, "did:plc:"))
	assert.Len(t, strings.TrimPrefix(did, "did:plc:"), 24)

	// Deterministic.
	did2, err := didForGenesis(op)
	require.NoError(t, err)
	assert.Equal(t, did, did2)

	// Different ops yield different dids.
	op["sig"] = "other"
	did3, err := didForGenesis(op)
	require.NoError(t, err)
	assert.NotEqual(t, did, did3)
}

func TestCreate(t *testing.T) {
	var posted map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&posted)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	created, err := c.Create(context.Background(), "alice.example.com",
		"https://atproto.example.com", "nostr:npub1alice")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(created.DID, "did:plc:"))
	assert.Equal(t, "/"+created.DID, path)
	assert.NotNil(t, created.SigningKey)
	assert.NotNil(t, created.RotationKey)

	// The submitted genesis op carries our keys, handle, and PDS.
	assert.Equal(t, "plc_operation", posted["type"])
	assert.NotEmpty(t, posted["sig"])
	aka := posted["alsoKnownAs"].([]any)
	assert.Contains(t, aka, "at://alice.example.com")
	assert.Contains(t, aka, "nostr:npub1alice")

	// The DID doc exposes the PDS service endpoint and handle.
	assert.Equal(t, "https://atproto.example.com", PDSEndpoint(created.Doc))
	assert.Equal(t, "alice.example.com", Handle(created.Doc))
}

func TestCreateDirectoryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.Create(context.Background(), "alice.example.com", "https://pds.example", "")
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/did:plc:abc123", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"id": "did:plc:abc123",
			"service": []any{map[string]any{
				"id":              "#atproto_pds",
				"type":            "AtprotoPersonalDataServer",
				"serviceEndpoint": "https://pds.example",
			}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	doc, err := c.Resolve(context.Background(), "did:plc:abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://pds.example", PDSEndpoint(doc))

	_, err = c.Resolve(context.Background(), "not-a-did")
	assert.Error(t, err)
}

func TestUpdateOp(t *testing.T) {
	rotation, _ := secp256k1.GeneratePrivateKey()
	signing, _ := secp256k1.GeneratePrivateKey()

	op, err := UpdateOp(rotation, signing, "https://pds.example",
		[]string{"at://alice.example.com"}, "bafyprev")
	require.NoError(t, err)
	assert.Equal(t, "bafyprev", op["prev"])
	assert.NotEmpty(t, op["sig"])
	vm := op["verificationMethods"].(map[string]any)
	assert.Equal(t, EncodeDIDKey(signing.PubKey()), vm["atproto"])
}
