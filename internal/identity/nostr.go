package identity

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip05"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/crossfed/crossfed/internal/metrics"
	"github.com/crossfed/crossfed/internal/models"
	"github.com/crossfed/crossfed/internal/store"
)

// Event kinds the bridge cares about beyond notes.
const (
	KindProfile = 0
	KindRelays  = 10002
)

// Nostr is the identity adapter for the relay-based signed-event protocol.
// Ids are nostr: URIs wrapping bech32 entities.
type Nostr struct {
	Store        *store.Store
	DefaultRelay string
	Timeout      time.Duration

	// LocalOnly forbids relay connections.
	LocalOnly bool
}

func (n *Nostr) Protocol() string { return models.ProtocolNostr }

// ─── URI helpers ──────────────────────────────────────────────────────────────

// NpubURI encodes a hex pubkey as a nostr:npub... URI.
func NpubURI(hexPubkey string) string {
	npub, err := nip19.EncodePublicKey(hexPubkey)
	if err != nil {
		return ""
	}
	return "nostr:" + npub
}

// NoteURI encodes a hex event id as a nostr:note... URI.
func NoteURI(hexID string) string {
	note, err := nip19.EncodeNote(hexID)
	if err != nil {
		return ""
	}
	return "nostr:" + note
}

// URIToHex decodes a nostr: URI (or bare bech32) to its hex id or pubkey.
func URIToHex(uri string) string {
	bech := strings.TrimPrefix(uri, "nostr:")
	prefix, value, err := nip19.Decode(bech)
	if err != nil {
		return ""
	}
	switch prefix {
	case "npub", "note":
		s, _ := value.(string)
		return s
	case "nprofile":
		if pp, ok := value.(nostr.ProfilePointer); ok {
			return pp.PublicKey
		}
	case "nevent":
		if ep, ok := value.(nostr.EventPointer); ok {
			return ep.ID
		}
	}
	return ""
}

// URIForEvent returns the canonical nostr: URI for an event: npub for
// profile events, note otherwise.
func URIForEvent(ev *nostr.Event) string {
	if ev.Kind == KindProfile {
		return NpubURI(ev.PubKey)
	}
	return NoteURI(ev.ID)
}

func isBech32Entity(s string) bool {
	for _, p := range []string{"npub1", "note1", "nevent1", "nprofile1", "naddr1"} {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// ─── Adapter ──────────────────────────────────────────────────────────────────

func (n *Nostr) OwnsID(id string) Ownership {
	if strings.HasPrefix(id, "nostr:") || isBech32Entity(id) {
		return Yes
	}
	return No
}

func (n *Nostr) OwnsHandle(handle string) Ownership {
	if handle == "" {
		return No
	}
	if strings.HasPrefix(handle, "npub") {
		return Yes
	}
	if strings.Contains(handle, "@") {
		return Yes
	}
	if handleRe.MatchString(handle) {
		// a bare domain could be a _@ NIP-05
		return Maybe
	}
	return No
}

// HandleToID resolves a NIP-05 identifier to a nostr:npub URI: local users
// first, then the .well-known/nostr.json oracle.
func (n *Nostr) HandleToID(ctx context.Context, handle string) (string, error) {
	if n.OwnsHandle(handle) == No {
		return "", nil
	}
	if strings.HasPrefix(handle, "npub") {
		return "nostr:" + handle, nil
	}

	if u, err := n.Store.GetUserByHandle(models.ProtocolNostr, handle); err != nil {
		return "", err
	} else if u != nil {
		return u.ID, nil
	}

	if n.LocalOnly {
		return "", nil
	}

	name := handle
	if !strings.Contains(name, "@") {
		name = "_@" + name
	}
	pp, err := nip05.QueryIdentifier(ctx, name)
	if err != nil {
		metrics.OracleFailures.WithLabelValues("nip05").Inc()
		slog.Debug("nip05 lookup failed", "handle", handle, "error", err)
		return "", nil
	}
	return NpubURI(pp.PublicKey), nil
}

// IDToHandle reads the NIP-05 identifier from the user's profile event.
func (n *Nostr) IDToHandle(ctx context.Context, id string) (string, error) {
	remote := RemoteDefault
	if n.LocalOnly {
		remote = RemoteNever
	}
	obj, err := n.Load(ctx, id, LoadOpts{Remote: remote})
	if err != nil || obj == nil {
		return "", err
	}
	if nip := NIP05FromProfile(obj); nip != "" {
		return strings.TrimPrefix(nip, "_@"), nil
	}
	return strings.TrimPrefix(id, "nostr:"), nil
}

// NIP05FromProfile extracts the nip05 field from a kind-0 profile object.
func NIP05FromProfile(obj *models.Object) string {
	ev := obj.NostrMap()
	if ev == nil {
		return ""
	}
	if kind, _ := ev["kind"].(float64); int(kind) != KindProfile {
		return ""
	}
	content, _ := ev["content"].(string)
	var fields struct {
		NIP05 string `json:"nip05"`
	}
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return ""
	}
	return fields.NIP05
}

// Load implements the cache→remote→fail policy for nostr: URIs.
func (n *Nostr) Load(ctx context.Context, id string, opts LoadOpts) (*models.Object, error) {
	if opts.Remote != RemoteOnly {
		obj, err := n.Store.GetObject(id)
		if err != nil {
			return nil, err
		}
		if obj != nil && len(obj.Nostr) > 0 {
			return obj, nil
		}
	}
	if opts.Remote == RemoteNever || n.LocalOnly {
		return nil, nil
	}

	obj := &models.Object{ID: id, SourceProtocol: models.ProtocolNostr}
	ok, err := n.Fetch(ctx, obj)
	if err != nil || !ok {
		return nil, err
	}
	if err := n.Store.PutObject(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Fetch queries a relay for the event behind obj's nostr: URI. Profile URIs
// (npub, nprofile) query by author and kind 0; everything else by event id.
func (n *Nostr) Fetch(ctx context.Context, obj *models.Object) (bool, error) {
	uri := obj.ID
	if n.OwnsID(uri) == No {
		slog.Info("nostr can't fetch", "id", uri)
		return false, nil
	}

	bech := strings.TrimPrefix(uri, "nostr:")
	isProfile := strings.HasPrefix(bech, "npub") || strings.HasPrefix(bech, "nprofile")
	hexID := URIToHex(uri)
	if hexID == "" {
		return false, nil
	}

	var filter nostr.Filter
	if isProfile {
		filter = nostr.Filter{Authors: []string{hexID}, Kinds: []int{KindProfile}, Limit: 1}
	} else {
		filter = nostr.Filter{IDs: []string{hexID}}
	}

	events, err := n.query(ctx, n.relayFor(ctx, uri), filter)
	if err != nil {
		return false, err
	}
	if len(events) == 0 {
		return false, nil
	}

	raw, err := json.Marshal(events[0])
	if err != nil {
		return false, err
	}
	obj.Nostr = raw
	return true, nil
}

func (n *Nostr) query(ctx context.Context, relayURL string, filter nostr.Filter) ([]*nostr.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, n.Timeout)
	defer cancel()

	slog.Debug("connecting to relay", "relay", relayURL)
	relay, err := nostr.RelayConnect(ctx, relayURL)
	if err != nil {
		metrics.OracleFailures.WithLabelValues("relay").Inc()
		return nil, err
	}
	defer relay.Close()
	return relay.QuerySync(ctx, filter)
}

// relayFor picks the relay to query for a nostr: URI: the author's first
// NIP-65 write relay when we know it, else the default.
func (n *Nostr) relayFor(ctx context.Context, uri string) string {
	bech := strings.TrimPrefix(uri, "nostr:")
	if strings.HasPrefix(bech, "npub") || strings.HasPrefix(bech, "nprofile") {
		if u, err := n.Store.GetUser(models.ProtocolNostr, "nostr:"+bech); err == nil && u != nil {
			if r := n.TargetFor(u); r != "" {
				return r
			}
		}
	}
	return n.DefaultRelay
}

// TargetFor returns the user's first NIP-65 relay with write permission from
// their stored kind-10002 relay list, or "".
func (n *Nostr) TargetFor(u *models.User) string {
	if u.RelaysObjID == "" {
		return ""
	}
	obj, err := n.Store.GetObject(u.RelaysObjID)
	if err != nil || obj == nil {
		return ""
	}
	ev := obj.NostrMap()
	if ev == nil {
		return ""
	}
	tags, _ := ev["tags"].([]any)
	for _, t := range tags {
		tag, _ := t.([]any)
		if len(tag) < 2 {
			continue
		}
		name, _ := tag[0].(string)
		url, _ := tag[1].(string)
		if name != "r" || url == "" {
			continue
		}
		if len(tag) == 2 {
			return url
		}
		if perm, _ := tag[2].(string); perm == "write" {
			return url
		}
	}
	return ""
}

// ReloadProfile refreshes the user's kind-0 profile, NIP-65 relay list, and
// NIP-05 verification. The user's status is updated to no-profile or
// no-nip05 as appropriate and the user is persisted.
func (n *Nostr) ReloadProfile(ctx context.Context, u *models.User) error {
	hexPubkey := URIToHex(u.ID)
	relay := n.TargetFor(u)
	if relay == "" {
		relay = n.DefaultRelay
	}

	events, err := n.query(ctx, relay, nostr.Filter{
		Authors: []string{hexPubkey},
		Kinds:   []int{KindProfile, KindRelays},
	})
	if err != nil {
		return err
	}

	var profile, relays *models.Object
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		obj := &models.Object{
			ID:             URIForEvent(ev),
			SourceProtocol: models.ProtocolNostr,
			Nostr:          raw,
		}
		switch {
		case ev.Kind == KindProfile && profile == nil:
			profile = obj
		case ev.Kind == KindRelays && relays == nil:
			relays = obj
		default:
			continue
		}
		if err := n.Store.PutObject(obj); err != nil {
			return err
		}
	}

	if profile != nil {
		u.ObjID = profile.ID
	}
	if relays != nil {
		u.RelaysObjID = relays.ID
	}

	// NIP-05 cross-check: the identifier in the profile must resolve back
	// to this pubkey. A mismatch is recorded, never silently accepted.
	u.ValidNIP05 = ""
	u.Status = ""
	if profile == nil {
		u.Status = models.StatusNoProfile
	} else if nip := NIP05FromProfile(profile); nip != "" {
		name := nip
		if !strings.Contains(name, "@") {
			name = "_@" + name
		}
		if pp, err := nip05.QueryIdentifier(ctx, name); err != nil {
			slog.Info("nip05 verification failed", "user", u.ID, "nip05", nip, "error", err)
			u.Status = models.StatusNoNIP05
		} else if pp.PublicKey == hexPubkey {
			u.ValidNIP05 = nip
			u.Handle = strings.TrimPrefix(nip, "_@")
		} else {
			slog.Info("nip05 points at a different pubkey", "user", u.ID, "nip05", nip)
			u.Status = models.StatusNoNIP05
		}
	} else {
		u.Status = models.StatusNoNIP05
	}

	return n.Store.PutUser(u)
}
