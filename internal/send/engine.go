// Package send routes translated activities to their destination protocol:
// a shadow-repo commit for atproto, a signed relay publish for nostr.
package send

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"

	"github.com/crossfed/crossfed/internal/config"
	"github.com/crossfed/crossfed/internal/identity"
	"github.com/crossfed/crossfed/internal/metrics"
	"github.com/crossfed/crossfed/internal/models"
	"github.com/crossfed/crossfed/internal/nostrpub"
	"github.com/crossfed/crossfed/internal/shadow"
	"github.com/crossfed/crossfed/internal/store"
	"github.com/crossfed/crossfed/internal/translate"
)

// Publisher delivers signed nostr events to relays.
type Publisher interface {
	Publish(ctx context.Context, event *nostr.Event, relays []string) error
}

// Engine is the outbound half of the bridge.
type Engine struct {
	cfg       *config.Config
	store     *store.Store
	conv      translate.Converter
	shadow    *shadow.Service
	signer    *nostrpub.Signer
	publisher Publisher
	nostr     *identity.Nostr
}

// New wires an Engine.
func New(cfg *config.Config, st *store.Store, conv translate.Converter,
	shadowSvc *shadow.Service, signer *nostrpub.Signer, publisher Publisher,
	nostrAdapter *identity.Nostr) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     st,
		conv:      conv,
		shadow:    shadowSvc,
		signer:    signer,
		publisher: publisher,
		nostr:     nostrAdapter,
	}
}

// Send translates obj and commits it to the target on behalf of fromUser's
// shadow identity there. Lower-layer failures all collapse into false.
func (e *Engine) Send(ctx context.Context, obj *models.Object, target models.Target, fromUser *models.User) bool {
	switch target.Protocol {
	case models.ProtocolATProto:
		return e.shadow.Send(ctx, obj, target.URI, fromUser, "")
	case models.ProtocolNostr:
		return e.sendNostr(ctx, obj, target.URI, fromUser)
	}
	slog.Warn("unknown send target protocol", "protocol", target.Protocol)
	return false
}

// sendNostr converts the activity to a nostr event, signs it with the user's
// shadow key, and publishes to the target relay. Events are immutable, so
// updates and deletes are themselves new events; the converter emits the
// kind-specific forms and nothing else is needed here.
func (e *Engine) sendNostr(ctx context.Context, obj *models.Object, relayURL string, fromUser *models.User) bool {
	if fromUser == nil {
		return false
	}

	record, err := e.conv.Convert(ctx, obj, translate.Opts{
		To: models.ProtocolNostr, FetchBlobs: true, FromUser: fromUser})
	if err != nil || len(record) == 0 {
		slog.Info("nostr conversion failed", "id", obj.ID, "error", err)
		metrics.Sends.WithLabelValues(models.ProtocolNostr, "convert-failed").Inc()
		return false
	}

	event, err := eventFromRecord(record)
	if err != nil {
		slog.Warn("converted record is not a nostr event", "id", obj.ID, "error", err)
		return false
	}

	if event.Sig == "" {
		if err := e.signer.Sign(event, fromUser.ID); err != nil {
			slog.Error("signing failed", "user", fromUser.ID, "error", err)
			return false
		}
	}

	// The event must be authored by the user's shadow identity, nothing
	// else.
	wantPub, err := e.signer.PublicKey(fromUser.ID)
	if err != nil || event.PubKey != wantPub {
		slog.Error("event pubkey is not the user's shadow key",
			"user", fromUser.ID, "pubkey", event.PubKey)
		return false
	}

	relays := []string{relayURL}
	if relayURL == "" {
		relays = []string{e.cfg.DefaultNostrRelay}
	}
	if err := e.publisher.Publish(ctx, event, relays); err != nil {
		slog.Warn("publish failed", "id", event.ID, "error", err)
		metrics.Sends.WithLabelValues(models.ProtocolNostr, "publish-failed").Inc()
		return false
	}

	// Record the copy: exactly one nostr entry per object.
	uri := identity.URIForEvent(event)
	obj.AddCopy(models.Target{URI: uri, Protocol: models.ProtocolNostr})
	if err := e.store.PutObject(obj); err != nil {
		slog.Error("recording copy failed", "id", obj.ID, "error", err)
		return false
	}

	metrics.Sends.WithLabelValues(models.ProtocolNostr, "ok").Inc()
	return true
}

// TargetFor returns the default outbound target for a destination protocol
// and recipient: the bridge PDS for atproto, the recipient's first write
// relay (or the default) for nostr.
func (e *Engine) TargetFor(protocol string, recipient *models.User) models.Target {
	switch protocol {
	case models.ProtocolATProto:
		return models.Target{URI: e.cfg.PDSURL(), Protocol: protocol}
	case models.ProtocolNostr:
		relay := e.cfg.DefaultNostrRelay
		if recipient != nil {
			if r := e.nostr.TargetFor(recipient); r != "" {
				relay = r
			}
		}
		return models.Target{URI: relay, Protocol: protocol}
	}
	return models.Target{}
}

// eventFromRecord rebuilds a nostr.Event from the converter's generic map.
func eventFromRecord(record map[string]any) (*nostr.Event, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var ev nostr.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
