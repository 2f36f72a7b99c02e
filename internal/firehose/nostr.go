package firehose

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/crossfed/crossfed/internal/config"
	"github.com/crossfed/crossfed/internal/identity"
	"github.com/crossfed/crossfed/internal/metrics"
	"github.com/crossfed/crossfed/internal/models"
	"github.com/crossfed/crossfed/internal/reporting"
	"github.com/crossfed/crossfed/internal/store"
	"github.com/crossfed/crossfed/internal/tasks"
	"github.com/crossfed/crossfed/internal/userset"
)

// Nostr event kinds.
const (
	KindDelete   = 5
	KindReaction = 7
)

// SupportedKinds are the event kinds worth bridging.
var SupportedKinds = []int{0, 1, 3, 5, 6, 7, 10002, 30023}

// AuthorFilterKinds is SupportedKinds minus reactions, which would flood the
// author-side filter.
var AuthorFilterKinds = []int{0, 1, 3, 5, 6, 10002, 30023}

// NostrHub manages one subscriber goroutine per relay, with filters rebuilt
// as the relevant pubkey sets grow.
type NostrHub struct {
	cfg       *config.Config
	store     *store.Store
	sets      *userset.Loader
	dispatch  *tasks.Dispatcher
	blocklist *reporting.Blocklist
	reporter  *reporting.Reporter

	mu         sync.Mutex
	subscribed map[string]bool
	baseCtx    context.Context

	seen *seenCache
	wg   sync.WaitGroup
}

// NewNostrHub wires a hub. Start launches the initial subscribers.
func NewNostrHub(cfg *config.Config, st *store.Store, sets *userset.Loader,
	dispatch *tasks.Dispatcher, blocklist *reporting.Blocklist, reporter *reporting.Reporter) *NostrHub {
	return &NostrHub{
		cfg:        cfg,
		store:      st,
		sets:       sets,
		dispatch:   dispatch,
		blocklist:  blocklist,
		reporter:   reporter,
		subscribed: map[string]bool{},
		seen:       newSeenCache(8192),
	}
}

// Start subscribes to the default relay and all previously discovered ones,
// then blocks until ctx is cancelled and the subscribers drain.
func (h *NostrHub) Start(ctx context.Context) {
	h.mu.Lock()
	h.baseCtx = ctx
	h.mu.Unlock()

	h.AddRelay(h.cfg.DefaultNostrRelay)
	if urls, err := h.store.Relays(); err != nil {
		slog.Error("loading stored relays failed", "error", err)
	} else {
		for _, url := range urls {
			h.AddRelay(url)
		}
	}

	<-ctx.Done()
	h.wg.Wait()
}

// AddRelay spawns a subscriber for url unless it's blocklisted or already
// subscribed.
func (h *NostrHub) AddRelay(url string) {
	if url == "" {
		return
	}
	if h.blocklist.Contains(url) {
		slog.Warn("not subscribing to blocklisted relay", "relay", url)
		metrics.EventsDropped.WithLabelValues("blocklisted").Inc()
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribed[url] || h.baseCtx == nil {
		return
	}
	h.subscribed[url] = true

	h.store.PutRelay(&models.Relay{URL: url})

	ctx := h.baseCtx
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.subscriber(ctx, url)
	}()
}

// subscriber reconnects forever with the persisted since cursor. Every error,
// connection or otherwise, is logged and retried after ReconnectDelay so one
// relay can't take the hub down.
func (h *NostrHub) subscriber(ctx context.Context, url string) {
	slog.Info("starting relay subscriber", "relay", url)
	for {
		if err := h.subscribe(ctx, url); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("relay disconnected; waiting before reconnect",
				"relay", url, "error", err, "delay", h.cfg.ReconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(h.cfg.ReconnectDelay):
		}
	}
}

// subscribe runs one connection to a relay. It re-REQs with fresh filters
// whenever either pubkey set has grown, and returns on CLOSED or socket
// errors so the caller reconnects with the advanced since cursor.
func (h *NostrHub) subscribe(ctx context.Context, url string) error {
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return err
	}
	defer relay.Close()

	since := h.since(url)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		snapshot := h.sets.Current()
		nativeCount := len(snapshot.NostrPubkeys)
		bridgedCount := len(snapshot.BridgedPubkeys)

		filters := nostr.Filters{
			{
				Tags:  nostr.TagMap{"p": sortedKeys(snapshot.BridgedPubkeys)},
				Kinds: SupportedKinds,
				Since: &since,
			},
			{
				Authors: sortedKeys(snapshot.NostrPubkeys),
				Kinds:   AuthorFilterKinds,
				Since:   &since,
			},
		}

		sub, err := relay.Subscribe(ctx, filters)
		if err != nil {
			return err
		}

		// Check set growth on a timer so a quiet relay still picks up new
		// users.
		ticker := time.NewTicker(h.cfg.HTTPTimeout)

	recv:
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				sub.Unsub()
				return nil

			case <-ticker.C:
				current := h.sets.Current()
				if len(current.NostrPubkeys) != nativeCount ||
					len(current.BridgedPubkeys) != bridgedCount {
					slog.Info("re-querying relay to pick up new users", "relay", url)
					sub.Unsub() // sends CLOSE
					break recv
				}

			case <-sub.EndOfStoredEvents:
				// Switching from stored results to live.
				slog.Debug("eose", "relay", url)

			case reason := <-sub.ClosedReason:
				ticker.Stop()
				sub.Unsub()
				slog.Warn("relay closed our subscription", "relay", url, "reason", reason)
				h.persistSince(url, since)
				return nil

			case ev, ok := <-sub.Events:
				if !ok {
					ticker.Stop()
					h.persistSince(url, since)
					return nil
				}
				metrics.FirehoseEvents.WithLabelValues(url).Inc()
				if ev != nil && ev.CreatedAt > since {
					since = ev.CreatedAt
				}
				h.handle(ctx, ev)
			}
		}
		ticker.Stop()
		h.persistSince(url, since)
	}
}

func (h *NostrHub) since(url string) nostr.Timestamp {
	if r, err := h.store.GetRelay(url); err == nil && r != nil && r.Since > 0 {
		return nostr.Timestamp(r.Since)
	}
	return nostr.Now()
}

func (h *NostrHub) persistSince(url string, since nostr.Timestamp) {
	if err := h.store.PutRelay(&models.Relay{URL: url, Since: int64(since)}); err != nil {
		slog.Error("persisting relay cursor failed", "relay", url, "error", err)
	}
}

// handle validates one event and enqueues a receive task when it's relevant.
func (h *NostrHub) handle(ctx context.Context, ev *nostr.Event) {
	defer h.reporter.Recover(ctx, "nostr event handler")

	if ev == nil || ev.ID == "" || ev.PubKey == "" || ev.Sig == "" {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		slog.Info("ignoring bad event")
		return
	}

	snapshot := h.sets.Current()

	// The bridge published events signed by shadow keys; handling them
	// would loop the activity straight back.
	if snapshot.BridgedPubkeys[ev.PubKey] {
		metrics.EventsDropped.WithLabelValues("loopback").Inc()
		return
	}

	mentionsBridged := false
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "p" && snapshot.BridgedPubkeys[tag[1]] {
			mentionsBridged = true
			break
		}
	}
	if !snapshot.NostrPubkeys[ev.PubKey] && !mentionsBridged {
		metrics.EventsDropped.WithLabelValues("irrelevant").Inc()
		return
	}

	if ok, err := ev.CheckSignature(); err != nil || !ok {
		metrics.EventsDropped.WithLabelValues("bad-sig").Inc()
		slog.Debug("bad id or sig", "id", ev.ID)
		return
	}

	if !h.seen.add(ev.ID) {
		// Already received through another relay.
		return
	}

	// Relay-list events from native users can advertise new outbound
	// relays worth subscribing to.
	if ev.Kind == identity.KindRelays && snapshot.NostrPubkeys[ev.PubKey] {
		for _, tag := range ev.Tags {
			if len(tag) >= 2 && tag[0] == "r" {
				h.AddRelay(tag[1])
			}
		}
	}

	objID := identity.URIForEvent(ev)
	authedAs := identity.NpubURI(ev.PubKey)
	if objID == "" || authedAs == "" {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		slog.Info("bad id or pubkey", "id", ev.ID)
		return
	}

	var delay time.Duration
	if ev.Kind == KindDelete {
		delay = h.cfg.DeleteTaskDelay
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		h.reporter.Error(ctx, "marshaling event failed", err, map[string]any{"id": ev.ID})
		return
	}
	var event map[string]any
	json.Unmarshal(raw, &event)

	err = h.dispatch.CreateTask(ctx, tasks.Task{
		Queue:          "receive",
		ID:             objID,
		SourceProtocol: models.ProtocolNostr,
		AuthedAs:       authedAs,
		Nostr:          event,
		Delay:          delay,
	})
	if err == nil {
		metrics.EventsEnqueued.WithLabelValues(models.ProtocolNostr).Inc()
	}
}

// Handle exposes the event path for tests.
func (h *NostrHub) Handle(ctx context.Context, ev *nostr.Event) { h.handle(ctx, ev) }

// SubscribedRelays returns the current relay set.
func (h *NostrHub) SubscribedRelays() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	urls := make([]string, 0, len(h.subscribed))
	for u := range h.subscribed {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// seenCache is a bounded set of recently handled event ids, for cross-relay
// dedup.
type seenCache struct {
	mu    sync.Mutex
	ids   map[string]bool
	order []string
	cap   int
}

func newSeenCache(capacity int) *seenCache {
	return &seenCache{ids: map[string]bool{}, cap: capacity}
}

// add returns false if id was already present.
func (c *seenCache) add(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ids[id] {
		return false
	}
	c.ids[id] = true
	c.order = append(c.order, id)
	if len(c.order) > c.cap {
		old := c.order[0]
		c.order = c.order[1:]
		delete(c.ids, old)
	}
	return true
}
