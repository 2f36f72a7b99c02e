package shadow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crossfed/crossfed/internal/metrics"
	"github.com/crossfed/crossfed/internal/models"
	"github.com/crossfed/crossfed/internal/repo"
	"github.com/crossfed/crossfed/internal/translate"
)

// Send writes or deletes a record in fromUser's shadow repo for the given
// activity. Returns false — never an error — when the write can't or
// shouldn't happen: wrong PDS, missing original, inactive repo, conversion
// failure. Relays pick the commit up through the sync stream; nothing is
// delivered directly from here.
//
// Exceptions to the commit path:
//   - delete of the actor deactivates the repo and removes DNS
//   - flag becomes a createReport to the mod service
//   - undo of a block without an id deletes every matching block record
//   - DMs go to the chat service
func (s *Service) Send(ctx context.Context, obj *models.Object, pdsURL string, fromUser *models.User, origObjID string) bool {
	if !s.cfg.OwnsDomain(pdsURL) {
		slog.Info("target PDS is not us", "pds", pdsURL)
		return false
	}

	as1 := obj.AS1Map()
	if as1 == nil {
		slog.Info("object has no activity form", "id", obj.ID)
		return false
	}
	verb := translate.Verb(as1)

	baseObj, baseAS1, ok := s.baseObject(ctx, obj, as1, verb, fromUser)
	if !ok {
		return false
	}

	record, err := s.conv.Convert(ctx, baseObj, translate.Opts{
		To: models.ProtocolATProto, FetchBlobs: true, FromUser: fromUser})
	if err != nil {
		slog.Info("conversion failed", "id", baseObj.ID, "error", err)
		record = nil
	}
	if len(record) == 0 && verb != "delete" && verb != "undo" {
		metrics.Sends.WithLabelValues(models.ProtocolATProto, "convert-failed").Inc()
		return false
	}
	translate.ApplyBridgeFields(record, as1, obj.SourceProtocol)

	did := fromUser.Copy(models.ProtocolATProto)
	if did == "" {
		slog.Info("user has no atproto shadow", "user", fromUser.ID)
		return false
	}

	r, err := s.storage.LoadRepo(ctx, did)
	if err != nil || r == nil {
		slog.Warn("no shadow repo", "did", did, "error", err)
		return false
	}

	// Delete of the actor: deactivate instead of writing.
	if verb == "delete" {
		baseID := translate.ID(baseAS1)
		if baseID == fromUser.ID || baseID == did {
			slog.Info("deactivating bridged atproto account", "did", did)
			if err := s.storage.DeactivateRepo(ctx, r); err != nil {
				slog.Error("deactivate failed", "did", did, "error", err)
				return false
			}
			s.dns.RemoveDNS(ctx, fromUser.HandleAsDomain())
			metrics.Sends.WithLabelValues(models.ProtocolATProto, "deactivated").Inc()
			return true
		}
	}

	// Checked after delete-of-actor so a repeated delete can still re-emit
	// the deactivation event.
	if r.Status != "" {
		slog.Info("repo is not active, giving up", "did", did, "status", r.Status)
		metrics.Sends.WithLabelValues(models.ProtocolATProto, "inactive").Inc()
		return false
	}

	switch verb {
	case "flag":
		return s.createReport(ctx, record, r)

	case "stop-following":
		// The prior follow record gets deleted.
		if baseObj.Type != "" && baseObj.Type != "follow" {
			slog.Info("stop-following base object is not a follow", "id", baseObj.ID)
			return false
		}
		verb = "delete"

	case "undo":
		if innerType := translate.Verb(baseAS1); innerType == "block" && translate.ID(baseAS1) == "" {
			return s.deleteBlocks(ctx, r, baseAS1)
		}
	}

	if recip := translate.RecipientIfDM(as1); recip != "" {
		return s.sendChat(ctx, record, r, recip)
	}

	var collection, rkey string
	recordType, _ := record["$type"].(string)
	collection = recordType

	action := repo.ActionCreate
	switch verb {
	case "update":
		action = repo.ActionUpdate
	case "delete", "undo":
		action = repo.ActionDelete
		record = nil // delete operations don't carry a record
	}

	if action != repo.ActionCreate {
		// Only objects we bridged can be modified, at their original copy.
		copyURI := baseObj.Copy(models.ProtocolATProto)
		if copyURI == "" {
			slog.Info("can't modify, we didn't create it", "verb", verb, "id", baseObj.ID)
			metrics.Sends.WithLabelValues(models.ProtocolATProto, "no-copy").Inc()
			return false
		}
		copyDID, copyColl, copyRKey := parseATURI(copyURI)
		if copyDID != did || (recordType != "" && copyColl != recordType) {
			slog.Info("copy is in a different repo or collection",
				"verb", verb, "copy", copyURI, "repo", did)
			metrics.Sends.WithLabelValues(models.ProtocolATProto, "copy-mismatch").Inc()
			return false
		}
		collection, rkey = copyColl, copyRKey
	} else {
		if recordType == "app.bsky.actor.profile" {
			rkey = "self"
		} else {
			rkey = repo.NextTID()
		}
	}

	writes := append([]repo.Write{{
		Action:     action,
		Collection: collection,
		RKey:       rkey,
		Record:     record,
	}}, derivedWrites(action, as1)...)

	if err := s.storage.Commit(ctx, r, writes); err != nil {
		// Update and delete fail when no record exists at collection/rkey;
		// an inactive repo rejects everything. Neither is worth retrying.
		slog.Warn("commit failed", "did", did, "error", err)
		metrics.Sends.WithLabelValues(models.ProtocolATProto, "commit-failed").Inc()
		return false
	}

	if action != repo.ActionDelete {
		atURI := fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
		baseObj.AddCopy(models.Target{URI: atURI, Protocol: models.ProtocolATProto})
		if err := s.store.PutObject(baseObj); err != nil {
			slog.Error("recording copy failed", "id", baseObj.ID, "error", err)
			return false
		}
	}

	metrics.Sends.WithLabelValues(models.ProtocolATProto, "ok").Inc()
	return true
}

// baseObject strips CRUD wrappers to the inner noun, resolves
// stop-following to the prior follow activity, and otherwise returns the
// object itself.
func (s *Service) baseObject(ctx context.Context, obj *models.Object, as1 map[string]any, verb string, fromUser *models.User) (*models.Object, map[string]any, bool) {
	baseObj := obj
	baseAS1 := as1

	switch {
	case translate.IsCRUD(verb) && verb != "post":
		baseAS1 = translate.Inner(as1)
		baseID := translate.ID(baseAS1)

		if verb == "undo" && translate.Verb(baseAS1) == "block" && baseID == "" {
			// Undo of block without id is allowed; matching happens by
			// subject across all block records.
			raw, _ := jsonMarshal(baseAS1)
			return &models.Object{AS1: raw}, baseAS1, true
		}
		if baseID == "" {
			slog.Info("activity object has no id", "verb", verb)
			return nil, nil, false
		}

		stored, err := s.store.GetObject(baseID)
		if err != nil {
			slog.Error("loading base object failed", "id", baseID, "error", err)
			return nil, nil, false
		}
		if verb == "delete" || verb == "undo" {
			if stored == nil {
				stored = &models.Object{ID: baseID, SourceProtocol: obj.SourceProtocol}
			}
			baseObj = stored
		} else {
			if stored == nil {
				stored = &models.Object{ID: baseID, SourceProtocol: obj.SourceProtocol}
			}
			raw, _ := jsonMarshal(baseAS1)
			stored.AS1 = raw
			baseObj = stored
		}

	case verb == "stop-following":
		if fromUser == nil {
			return nil, nil, false
		}
		toID := translate.ID(translate.Inner(as1))
		if toID == "" {
			return nil, nil, false
		}
		follower, err := s.store.GetFollower(fromUser.Protocol, fromUser.ID,
			protocolForID(toID), toID)
		if err != nil {
			slog.Error("follower lookup failed", "error", err)
			return nil, nil, false
		}
		if follower == nil || follower.FollowObjID == "" {
			slog.Info("can't find prior follow", "from", fromUser.ID, "to", toID)
			return nil, nil, false
		}
		followObj, err := s.store.GetObject(follower.FollowObjID)
		if err != nil || followObj == nil {
			slog.Info("prior follow object is gone", "id", follower.FollowObjID)
			return nil, nil, false
		}
		baseObj = followObj
		baseAS1 = followObj.AS1Map()
	}

	return baseObj, baseAS1, true
}

// deleteBlocks deletes every block record whose subject matches the undone
// block's object, in one commit.
func (s *Service) deleteBlocks(ctx context.Context, r *repo.Repo, blockAS1 map[string]any) bool {
	blockedID := translate.ID(translate.Inner(blockAS1))
	if blockedID == "" {
		slog.Warn("undo block has no object")
		return false
	}
	blockedDID, err := translate.UserID(s.store, protocolForID(blockedID),
		models.ProtocolATProto, blockedID)
	if err != nil {
		return false
	}
	if blockedDID == "" {
		blockedDID = blockedID
	}

	records, err := s.storage.ListRecords(ctx, r.DID, "app.bsky.graph.block")
	if err != nil {
		slog.Error("listing blocks failed", "did", r.DID, "error", err)
		return false
	}

	var writes []repo.Write
	for rkey, record := range records {
		if subj, _ := record["subject"].(string); subj == blockedDID {
			writes = append(writes, repo.Write{
				Action:     repo.ActionDelete,
				Collection: "app.bsky.graph.block",
				RKey:       rkey,
			})
		}
	}
	if len(writes) == 0 {
		slog.Info("no block records for subject", "subject", blockedDID)
		return false
	}

	slog.Info("deleting block records", "did", r.DID, "subject", blockedDID, "count", len(writes))
	if err := s.storage.Commit(ctx, r, writes); err != nil {
		slog.Warn("block delete commit failed", "did", r.DID, "error", err)
		return false
	}
	return true
}

// protocolForID routes a bare id to its owning protocol by shape.
func protocolForID(id string) string {
	switch {
	case strings.HasPrefix(id, "did:"), strings.HasPrefix(id, "at://"),
		strings.HasPrefix(id, "https://bsky.app/"):
		return models.ProtocolATProto
	case strings.HasPrefix(id, "nostr:"):
		return models.ProtocolNostr
	}
	return models.ProtocolWeb
}

// parseATURI splits at://did/collection/rkey.
func parseATURI(uri string) (did, collection, rkey string) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", ""
	}
	parts := strings.SplitN(rest, "/", 3)
	did = parts[0]
	if len(parts) > 1 {
		collection = parts[1]
	}
	if len(parts) > 2 {
		rkey = parts[2]
	}
	return
}
