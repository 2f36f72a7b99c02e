// Package translate fronts the opaque activity converter and handles id
// translation between protocols. The converter itself — the full AS1 ↔
// app.bsky / nostr payload mapping — lives outside this module; the bridge
// core only needs its two entry points plus a datastore-backed capability
// for resolving references and fetching blobs.
package translate

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/crossfed/crossfed/internal/models"
	"github.com/crossfed/crossfed/internal/store"
)

// Opts controls a conversion.
type Opts struct {
	// To is the destination protocol label.
	To string
	// FetchBlobs fetches referenced media through the blob cache and fills
	// blob refs into the record.
	FetchBlobs bool
	// FromUser is the user the activity is from; converters use it for
	// signing-adjacent fields (eg the nostr pubkey).
	FromUser *models.User
}

// Converter turns an Object into a destination-protocol record, and back
// into canonical AS1. A nil or empty record means the conversion failed.
type Converter interface {
	Convert(ctx context.Context, obj *models.Object, opts Opts) (map[string]any, error)
	ToAS1(ctx context.Context, obj *models.Object) (map[string]any, error)
}

// ─── Id translation ───────────────────────────────────────────────────────────

// UserID translates a native user id in fromProto to the user's copy id in
// toProto. Ids already owned by toProto pass through unchanged. Returns ""
// when the user isn't bridged into toProto.
func UserID(s *store.Store, fromProto, toProto, id string) (string, error) {
	if fromProto == toProto {
		return id, nil
	}
	u, err := s.GetUser(fromProto, id)
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", nil
	}
	return u.Copy(toProto), nil
}

// ObjectID translates an object id to its copy uri in toProto, via the
// stored copy mapping.
func ObjectID(s *store.Store, toProto, id string) (string, error) {
	o, err := s.GetObject(id)
	if err != nil || o == nil {
		return "", err
	}
	return o.Copy(toProto), nil
}

// ProfileID returns the canonical profile record uri for a DID.
func ProfileID(did string) string {
	return "at://" + did + "/app.bsky.actor.profile/self"
}

// ─── AS1 helpers ──────────────────────────────────────────────────────────────

var crudVerbs = map[string]bool{
	"post": true, "create": true, "update": true, "delete": true, "undo": true,
}

var actorTypes = map[string]bool{
	"person": true, "organization": true, "application": true,
	"group": true, "service": true,
}

// IsCRUD reports whether verb is a create/update/delete-style wrapper verb.
func IsCRUD(verb string) bool { return crudVerbs[verb] }

// IsActor reports whether the AS1 objectType is an actor type.
func IsActor(objectType string) bool { return actorTypes[objectType] }

// Verb returns the activity verb of an AS1 map, or its objectType when it
// isn't an activity.
func Verb(as1 map[string]any) string {
	if as1 == nil {
		return ""
	}
	if v, _ := as1["verb"].(string); v != "" {
		return v
	}
	t, _ := as1["objectType"].(string)
	return t
}

// Inner returns the activity's inner object as a map. A bare string id is
// wrapped as {"id": ...}.
func Inner(as1 map[string]any) map[string]any {
	switch o := as1["object"].(type) {
	case map[string]any:
		return o
	case string:
		return map[string]any{"id": o}
	}
	return nil
}

// ID returns the map's id field.
func ID(m map[string]any) string {
	if m == nil {
		return ""
	}
	id, _ := m["id"].(string)
	return id
}

// Owner returns the activity's actor id, falling back to author.
func Owner(as1 map[string]any) string {
	if as1 == nil {
		return ""
	}
	switch a := as1["actor"].(type) {
	case string:
		return a
	case map[string]any:
		return ID(a)
	}
	switch a := as1["author"].(type) {
	case string:
		return a
	case map[string]any:
		return ID(a)
	}
	return ""
}

// RecipientIfDM returns the single recipient id when the activity is a
// direct message: an object with a "to" list and no public audience.
func RecipientIfDM(as1 map[string]any) string {
	to, _ := as1["to"].([]any)
	if len(to) != 1 {
		return ""
	}
	var recip string
	switch t := to[0].(type) {
	case string:
		recip = t
	case map[string]any:
		recip = ID(t)
	}
	if recip == "" || strings.Contains(recip, "Public") {
		return ""
	}
	return recip
}

// ─── Remote blob cache ────────────────────────────────────────────────────────

// BlobCache fetches remote media and deduplicates by (url, owner repo). The
// returned blob ref is the $type:blob object converters embed in records.
type BlobCache struct {
	http *http.Client

	mu    sync.Mutex
	blobs map[string]map[string]any // url + "\x00" + repo → blob ref
}

// NewBlobCache returns a BlobCache with the given fetch timeout.
func NewBlobCache(timeout time.Duration) *BlobCache {
	return &BlobCache{
		http:  &http.Client{Timeout: timeout},
		blobs: map[string]map[string]any{},
	}
}

// maxBlobSize bounds how much of a remote blob we'll read.
const maxBlobSize = 5 << 20

// Fetch downloads url on behalf of repoDID and returns its blob ref.
// Repeated fetches for the same (url, repo) return the cached ref.
func (b *BlobCache) Fetch(ctx context.Context, url, repoDID string) (map[string]any, error) {
	key := url + "\x00" + repoDID
	b.mu.Lock()
	if ref, ok := b.blobs[key]; ok {
		b.mu.Unlock()
		return ref, nil
	}
	b.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch blob %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("fetch blob %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobSize))
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	mhash, err := mh.Encode(sum[:], mh.SHA2_256)
	if err != nil {
		return nil, err
	}
	blobCID := cid.NewCidV1(cid.Raw, mhash)

	ref := map[string]any{
		"$type":    "blob",
		"ref":      map[string]any{"$link": blobCID.String()},
		"mimeType": resp.Header.Get("Content-Type"),
		"size":     len(data),
	}

	b.mu.Lock()
	b.blobs[key] = ref
	b.mu.Unlock()
	return ref, nil
}
