// Package userset maintains the in-memory membership sets the firehose
// subscribers consult on every event: which ids are native-bridged users and
// which are shadows bridged in from the other protocol.
//
// A single loader goroutine owns the sets and publishes immutable Snapshots;
// subscribers hold a snapshot reference and never see a mid-update state.
package userset

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crossfed/crossfed/internal/identity"
	"github.com/crossfed/crossfed/internal/models"
	"github.com/crossfed/crossfed/internal/store"
)

// Snapshot is one immutable view of the relevant sets. The maps must never
// be mutated after publication.
type Snapshot struct {
	// ATProtoDIDs are native atproto users bridged into other protocols.
	ATProtoDIDs map[string]bool
	// BridgedDIDs are shadow repos: users bridged into atproto from
	// elsewhere.
	BridgedDIDs map[string]bool
	// NostrPubkeys are native nostr users bridged elsewhere, hex-encoded.
	NostrPubkeys map[string]bool
	// BridgedPubkeys are shadow nostr identities, hex-encoded.
	BridgedPubkeys map[string]bool
}

// Loader periodically refreshes the sets from the datastore. It is the only
// writer; everyone else calls Current.
type Loader struct {
	store *store.Store
	nostr *identity.Nostr
	freq  time.Duration

	// OnRelay is invoked for each newly discovered nostr relay advertised
	// by a native user's relay list. May be nil.
	OnRelay func(url string)

	snapshot atomic.Pointer[Snapshot]
	loadedAt time.Time

	initOnce sync.Once
	initDone chan struct{}
}

// New creates a Loader. Call Run to start the refresh timer.
func New(s *store.Store, nostrAdapter *identity.Nostr, freq time.Duration) *Loader {
	l := &Loader{
		store:    s,
		nostr:    nostrAdapter,
		freq:     freq,
		initDone: make(chan struct{}),
	}
	l.snapshot.Store(&Snapshot{
		ATProtoDIDs:    map[string]bool{},
		BridgedDIDs:    map[string]bool{},
		NostrPubkeys:   map[string]bool{},
		BridgedPubkeys: map[string]bool{},
	})
	return l
}

// Current returns the latest snapshot. Never nil.
func (l *Loader) Current() *Snapshot {
	return l.snapshot.Load()
}

// WaitReady blocks until the first load has completed or ctx is done.
func (l *Loader) WaitReady(ctx context.Context) error {
	select {
	case <-l.initDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadOnce runs a single synchronous refresh. Run calls it on every tick;
// startup paths and tests call it directly.
func (l *Loader) LoadOnce(ctx context.Context) {
	l.load(ctx)
}

// Run loads immediately, then refreshes every tick until ctx is cancelled.
func (l *Loader) Run(ctx context.Context) {
	l.load(ctx)

	ticker := time.NewTicker(l.freq)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.load(ctx)
		}
	}
}

// load queries users updated since the last load and publishes a new
// snapshot. The sets only ever grow: a user who opts out stays in them, and
// their events keep matching, until the process restarts.
func (l *Loader) load(ctx context.Context) {
	loadedAt := time.Now().UTC()
	prev := l.Current()

	next := &Snapshot{
		ATProtoDIDs:    copySet(prev.ATProtoDIDs),
		BridgedDIDs:    copySet(prev.BridgedDIDs),
		NostrPubkeys:   copySet(prev.NostrPubkeys),
		BridgedPubkeys: copySet(prev.BridgedPubkeys),
	}

	var newATProto, newNostr, newBridged int

	atproto, err := l.store.UsersUpdatedSince(models.ProtocolATProto, l.loadedAt)
	if err != nil {
		slog.Error("loading atproto users failed", "error", err)
		return
	}
	for _, u := range atproto {
		if !next.ATProtoDIDs[u.ID] {
			next.ATProtoDIDs[u.ID] = true
			newATProto++
		}
		if npub := u.Copy(models.ProtocolNostr); npub != "" {
			if hex := identity.URIToHex(npub); hex != "" && !next.BridgedPubkeys[hex] {
				next.BridgedPubkeys[hex] = true
				newBridged++
			}
		}
	}

	nostrUsers, err := l.store.UsersUpdatedSince(models.ProtocolNostr, l.loadedAt)
	if err != nil {
		slog.Error("loading nostr users failed", "error", err)
		return
	}
	for _, u := range nostrUsers {
		if hex := identity.URIToHex(u.ID); hex != "" && !next.NostrPubkeys[hex] {
			next.NostrPubkeys[hex] = true
			newNostr++
		}
		if did := u.Copy(models.ProtocolATProto); did != "" && !next.BridgedDIDs[did] {
			next.BridgedDIDs[did] = true
			newBridged++
		}
		if l.OnRelay != nil && l.nostr != nil {
			if relay := l.nostr.TargetFor(u); relay != "" {
				l.OnRelay(relay)
			}
		}
	}

	l.snapshot.Store(next)
	// Advance the watermark only after the snapshot is out, so a crash
	// mid-load re-queries from the earlier timestamp.
	l.loadedAt = loadedAt
	l.initOnce.Do(func() { close(l.initDone) })

	if newATProto+newNostr+newBridged > 0 {
		slog.Info("user sets refreshed",
			"atproto", len(next.ATProtoDIDs), "nostr", len(next.NostrPubkeys),
			"bridged_dids", len(next.BridgedDIDs), "bridged_pubkeys", len(next.BridgedPubkeys))
	}
}

func copySet(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}
