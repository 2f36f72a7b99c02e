// Package models defines the persistent entities shared across the bridge:
// users, objects, their cross-protocol copies, firehose cursors, and relays.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Protocol labels. These are the short labels used in enabled_protocols,
// Target.Protocol, and task payloads.
const (
	ProtocolATProto = "atproto"
	ProtocolNostr   = "nostr"
	ProtocolWeb     = "web"
)

// ProtocolInfo describes a supported protocol: its label and display name,
// default outbound target, capability flags, supported verbs, and default
// enabled protocols. Id and handle shapes are not part of it.
type ProtocolInfo struct {
	Label        string
	Phrase       string // human-readable display name
	DefaultTarget string

	RequiresAvatar bool
	RequiresName   bool
	SupportsDMs    bool
	HasCopies      bool
	HTMLProfiles   bool

	// Activity verbs this protocol can receive on the send path.
	SupportedVerbs []string

	// Protocols a new user of this protocol is bridged into by default.
	DefaultEnabled []string
}

// Protocols is the registry of supported protocols, keyed by label.
var Protocols = map[string]ProtocolInfo{
	ProtocolATProto: {
		Label:         ProtocolATProto,
		Phrase:        "Bluesky",
		DefaultTarget: "https://atproto.crossfed.example",
		RequiresAvatar: true,
		SupportsDMs:    true,
		HasCopies:      true,
		SupportedVerbs: []string{
			"post", "create", "update", "delete", "undo",
			"block", "follow", "flag", "like", "share", "stop-following",
		},
		DefaultEnabled: []string{ProtocolWeb},
	},
	ProtocolNostr: {
		Label:         ProtocolNostr,
		Phrase:        "Nostr",
		DefaultTarget: "wss://nos.lol",
		RequiresAvatar: true,
		RequiresName:   true,
		HasCopies:      true,
		SupportedVerbs: []string{
			"post", "create", "update", "delete", "undo",
			"follow", "like", "share", "stop-following",
		},
		DefaultEnabled: []string{ProtocolWeb},
	},
}

// User statuses. An empty status means the user is active and bridgeable.
const (
	StatusBlocked    = "blocked"
	StatusNoProfile  = "no-profile"
	StatusNoNIP05    = "no-nip05"
	StatusTombstoned = "tombstoned"
)

// Target binds an Object or User to its counterpart in another protocol.
type Target struct {
	URI      string `json:"uri"`
	Protocol string `json:"protocol"`
}

// User is a bridged account, keyed by (protocol, native id).
//
// ID shapes: "did:plc:..." / "did:web:..." for atproto, "nostr:npub..." for
// nostr. Copies hold the shadow identities this user owns on other protocols.
type User struct {
	Protocol string
	ID       string

	Handle           string
	EnabledProtocols []string
	Copies           []Target
	ObjID            string // id of the cached profile Object
	RelaysObjID      string // id of the cached NIP-65 relay list Object, nostr only

	// Shadow key material, by destination protocol.
	SigningKey  []byte // K-256 private key, atproto shadow repo
	RotationKey []byte // K-256 private key, atproto PLC rotation
	NostrPrivKey string // hex, nostr shadow identity

	// ValidNIP05 is the NIP-05 identifier we've resolved and verified, for
	// native nostr users only.
	ValidNIP05 string

	Status  string
	Created time.Time
	Updated time.Time
}

// Copy returns the user's shadow identity in the given protocol, if any.
func (u *User) Copy(protocol string) string {
	for _, t := range u.Copies {
		if t.Protocol == protocol {
			return t.URI
		}
	}
	return ""
}

// AddCopy appends a copy target, deduplicating on protocol+URI.
func (u *User) AddCopy(t Target) {
	for _, c := range u.Copies {
		if c == t {
			return
		}
	}
	u.Copies = append(u.Copies, t)
}

// IsEnabled reports whether the user opted in to being bridged into protocol.
func (u *User) IsEnabled(protocol string) bool {
	for _, p := range u.EnabledProtocols {
		if p == protocol {
			return true
		}
	}
	return false
}

// HandleAsDomain returns the handle flattened to a DNS-safe domain label,
// eg "alice@example.com" => "alice.example.com".
func (u *User) HandleAsDomain() string {
	h := strings.TrimPrefix(u.Handle, "@")
	return strings.ToLower(strings.ReplaceAll(h, "@", "."))
}

// Object is a cached activity or profile, keyed by canonical URI: at://...,
// did:..., nostr:..., or https://... . Exactly one of the payload columns is
// normally set, per source protocol; AS1 is the lazily computed canonical form.
type Object struct {
	ID             string
	SourceProtocol string

	Bsky  json.RawMessage // app.bsky.* record
	Nostr json.RawMessage // nostr event
	Raw   json.RawMessage // DID document
	AS1   json.RawMessage

	Copies []Target
	Type   string // activity verb or object type

	Created time.Time
	Updated time.Time
}

// Copy returns the object's copy URI in the given protocol, if any.
func (o *Object) Copy(protocol string) string {
	for _, t := range o.Copies {
		if t.Protocol == protocol {
			return t.URI
		}
	}
	return ""
}

// AddCopy replaces any existing copy for the target's protocol. Copies denote
// a bidirectional mapping, so at most one per protocol is kept.
func (o *Object) AddCopy(t Target) {
	for i, c := range o.Copies {
		if c.Protocol == t.Protocol {
			o.Copies[i] = t
			return
		}
	}
	o.Copies = append(o.Copies, t)
}

// AS1Map unmarshals the canonical AS1 form, or returns nil when unset.
func (o *Object) AS1Map() map[string]any {
	if len(o.AS1) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(o.AS1, &m); err != nil {
		return nil
	}
	return m
}

// BskyMap unmarshals the app.bsky record payload, or returns nil when unset.
func (o *Object) BskyMap() map[string]any {
	if len(o.Bsky) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(o.Bsky, &m); err != nil {
		return nil
	}
	return m
}

// NostrMap unmarshals the nostr event payload, or returns nil when unset.
func (o *Object) NostrMap() map[string]any {
	if len(o.Nostr) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(o.Nostr, &m); err != nil {
		return nil
	}
	return m
}

// Follower records a follow edge between two users, with a reference to the
// follow activity Object so stop-following can delete the original record.
type Follower struct {
	FromProtocol string
	FromID       string
	ToProtocol   string
	ToID         string
	FollowObjID  string
	Status       string // "" or "inactive"
	Created      time.Time
}

// Cursor is the last sequence number acknowledged for one host's event
// stream. Key is (host, stream NSID). On re-subscribe, send Cursor+1.
type Cursor struct {
	Host    string
	Stream  string
	Cursor  int64
	Created time.Time
	Updated time.Time
}

// Relay is a nostr relay we have discovered through user relay-list events.
// Since is a unix-seconds cursor for re-subscription.
type Relay struct {
	URL     string
	Since   int64
	Updated time.Time
}
