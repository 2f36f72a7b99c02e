package send

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crossfed/crossfed/internal/models"
	"github.com/crossfed/crossfed/internal/tasks"
	"github.com/crossfed/crossfed/internal/translate"
)

// Receive is the handler for the receive queue: it persists the incoming
// event as an Object, resolves the authoring user, and fans the activity out
// to every protocol the author is bridged into.
func (e *Engine) Receive(ctx context.Context, t tasks.Task) error {
	obj, err := e.objectForTask(t)
	if err != nil {
		return err
	}

	// The enqueuing subscriber authenticated the event; the id must belong
	// to the signer.
	if t.AuthedAs == "" {
		return fmt.Errorf("receive task %s has no authed_as", t.ID)
	}

	if len(obj.AS1) == 0 {
		as1, err := e.conv.ToAS1(ctx, obj)
		if err != nil || as1 == nil {
			slog.Info("no canonical form, dropping", "id", t.ID, "error", err)
			return nil
		}
		raw, err := json.Marshal(as1)
		if err != nil {
			return err
		}
		obj.AS1 = raw
	}
	obj.Type = translate.Verb(obj.AS1Map())

	if err := e.store.PutObject(obj); err != nil {
		return err
	}

	fromUser, err := e.store.GetUser(t.SourceProtocol, t.AuthedAs)
	if err != nil {
		return err
	}
	if fromUser == nil || fromUser.Status != "" {
		slog.Debug("author is not bridged, dropping", "authed_as", t.AuthedAs)
		return nil
	}

	// Follows feed the Follower index so stop-following can find the
	// original record later.
	as1 := obj.AS1Map()
	if obj.Type == "follow" {
		if toID := translate.ID(translate.Inner(as1)); toID != "" {
			e.recordFollow(fromUser, toID, obj.ID)
		}
	}

	var delivered int
	for _, proto := range fromUser.EnabledProtocols {
		if proto == t.SourceProtocol {
			continue
		}
		if _, ok := models.Protocols[proto]; !ok {
			continue
		}
		target := e.TargetFor(proto, nil)
		if e.Send(ctx, obj, target, fromUser) {
			delivered++
		}
	}

	slog.Info("received", "id", t.ID, "type", obj.Type, "delivered", delivered)
	return nil
}

func (e *Engine) objectForTask(t tasks.Task) (*models.Object, error) {
	obj, err := e.store.GetObject(t.ID)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		obj = &models.Object{ID: t.ID, SourceProtocol: t.SourceProtocol}
	}

	marshal := func(m map[string]any) (json.RawMessage, error) {
		if m == nil {
			return nil, nil
		}
		return json.Marshal(m)
	}
	if raw, err := marshal(t.Bsky); err != nil {
		return nil, err
	} else if raw != nil {
		obj.Bsky = raw
	}
	if raw, err := marshal(t.Nostr); err != nil {
		return nil, err
	} else if raw != nil {
		obj.Nostr = raw
	}
	if raw, err := marshal(t.AS1); err != nil {
		return nil, err
	} else if raw != nil {
		obj.AS1 = raw
	}
	return obj, nil
}

func (e *Engine) recordFollow(fromUser *models.User, toID, followObjID string) {
	toProto := models.ProtocolWeb
	switch {
	case strings.HasPrefix(toID, "did:"), strings.HasPrefix(toID, "at://"):
		toProto = models.ProtocolATProto
	case strings.HasPrefix(toID, "nostr:"):
		toProto = models.ProtocolNostr
	}
	if err := e.store.AddFollower(&models.Follower{
		FromProtocol: fromUser.Protocol,
		FromID:       fromUser.ID,
		ToProtocol:   toProto,
		ToID:         toID,
		FollowObjID:  followObjID,
	}); err != nil {
		slog.Error("recording follower failed", "from", fromUser.ID, "to", toID, "error", err)
	}
}
