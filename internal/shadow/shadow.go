// Package shadow owns the bridge-side atproto identities: per-user signed
// repositories, their DIDs and DNS attestation, and every write into them.
package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/crossfed/crossfed/internal/config"
	"github.com/crossfed/crossfed/internal/dnsattest"
	"github.com/crossfed/crossfed/internal/identity"
	"github.com/crossfed/crossfed/internal/models"
	"github.com/crossfed/crossfed/internal/plc"
	"github.com/crossfed/crossfed/internal/repo"
	"github.com/crossfed/crossfed/internal/store"
	"github.com/crossfed/crossfed/internal/translate"
)

// Service manages shadow repos for users bridged into atproto.
type Service struct {
	cfg     *config.Config
	store   *store.Store
	storage repo.Storage
	plc     *plc.Client
	dns     dnsattest.Manager
	conv    translate.Converter
	atproto *identity.ATProto
	http    *http.Client
}

// New wires a Service.
func New(cfg *config.Config, st *store.Store, storage repo.Storage, plcClient *plc.Client,
	dns dnsattest.Manager, conv translate.Converter, atproto *identity.ATProto) *Service {
	return &Service{
		cfg:     cfg,
		store:   st,
		storage: storage,
		plc:     plcClient,
		dns:     dns,
		conv:    conv,
		atproto: atproto,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// CreateFor ensures user has an active shadow repo. Idempotent:
//
//   - active shadow: no-op
//   - deactivated shadow: reactivate, reinstall DNS
//   - tombstoned shadow: clear copies and mint a fresh DID — tombstoned
//     DIDs can't be revived
//
// Outside the tombstoned case, which clears user.Copies up front, any failure
// before the final copies update leaves user.Copies untouched.
func (s *Service) CreateFor(ctx context.Context, user *models.User) error {
	if user.Protocol == models.ProtocolATProto {
		return fmt.Errorf("%s is already an atproto user", user.ID)
	}

	handle := user.HandleAsDomain()
	if handle == "" {
		return fmt.Errorf("user %s has no handle", user.ID)
	}

	if copyDID := user.Copy(models.ProtocolATProto); copyDID != "" {
		r, err := s.storage.LoadRepo(ctx, copyDID)
		if err != nil {
			return err
		}
		switch {
		case r == nil:
			// Copy exists but the repo is gone; fall through to create.
		case r.Status == "":
			return nil
		case r.Status == repo.StatusTombstoned:
			user.Copies = nil
			if user.ObjID != "" {
				if obj, err := s.store.GetObject(user.ObjID); err == nil && obj != nil {
					obj.Copies = nil
					s.store.PutObject(obj)
				}
			}
			// Fall through to create a new DID and repo.
		default:
			// Deactivated: reactivate and reattest the handle.
			slog.Info("reactivating shadow repo", "did", copyDID, "user", user.ID)
			if err := s.storage.ActivateRepo(ctx, r); err != nil {
				return err
			}
			return s.dns.SetDNS(ctx, handle, copyDID)
		}
	}

	slog.Info("creating new did:plc", "user", user.ID, "handle", handle)
	created, err := s.plc.Create(ctx, handle, s.cfg.PDSURL(), user.ID)
	if err != nil {
		return err
	}

	doc, err := json.Marshal(created.Doc)
	if err != nil {
		return err
	}
	if err := s.store.PutObject(&models.Object{
		ID:             created.DID,
		SourceProtocol: models.ProtocolATProto,
		Raw:            doc,
	}); err != nil {
		return err
	}

	if err := s.dns.SetDNS(ctx, handle, created.DID); err != nil {
		return err
	}

	r, err := s.storage.CreateRepo(ctx, created.DID, handle,
		created.SigningKey, created.RotationKey)
	if err != nil {
		return err
	}

	var profileObj *models.Object
	if user.ObjID != "" {
		profileObj, err = s.store.GetObject(user.ObjID)
		if err != nil {
			return err
		}
	}

	// Phase one: chat declaration plus the pinned post, when the profile
	// advertises one. The profile record itself waits for phase two because
	// converting it may need to read the just-committed pinned post.
	initialWrites := []repo.Write{{
		Action:     repo.ActionCreate,
		Collection: "chat.bsky.actor.declaration",
		RKey:       "self",
		Record: map[string]any{
			"$type":         "chat.bsky.actor.declaration",
			"allowIncoming": "none",
		},
	}}

	if profileObj != nil {
		if featuredID := featuredPostID(profileObj.AS1Map()); featuredID != "" {
			if w, obj := s.pinnedPostWrite(ctx, featuredID, created.DID, user); w != nil {
				initialWrites = append(initialWrites, *w)
				if obj != nil {
					s.store.PutObject(obj)
				}
			}
		}
	}

	if err := s.storage.Commit(ctx, r, initialWrites); err != nil {
		return err
	}

	// Phase two: the profile record and any derived records.
	if profileObj != nil {
		profile, err := s.conv.Convert(ctx, profileObj, translate.Opts{
			To:         models.ProtocolATProto,
			FetchBlobs: true,
			FromUser:   user,
		})
		if err != nil || len(profile) == 0 {
			return fmt.Errorf("couldn't convert profile object %s: %w", profileObj.ID, err)
		}
		writes := append([]repo.Write{{
			Action:     repo.ActionCreate,
			Collection: "app.bsky.actor.profile",
			RKey:       "self",
			Record:     profile,
		}}, derivedWrites(repo.ActionCreate, profileObj.AS1Map())...)

		if err := s.storage.Commit(ctx, r, writes); err != nil {
			return err
		}

		profileObj.AddCopy(models.Target{
			URI:      translate.ProfileID(created.DID),
			Protocol: models.ProtocolATProto,
		})
		if err := s.store.PutObject(profileObj); err != nil {
			return err
		}
	}

	// The copy goes on last, once the repo, profile, and DNS all exist.
	user.SigningKey = created.SigningKey.Serialize()
	user.RotationKey = created.RotationKey.Serialize()
	user.AddCopy(models.Target{URI: created.DID, Protocol: models.ProtocolATProto})
	return s.store.PutUser(user)
}

// featuredPostID returns the id of the actor's pinned post from the AS1
// featured collection, or "".
func featuredPostID(actor map[string]any) string {
	if actor == nil {
		return ""
	}
	featured, _ := actor["featured"].(map[string]any)
	if featured == nil {
		return ""
	}
	items, _ := featured["items"].([]any)
	if len(items) == 0 {
		return ""
	}
	switch it := items[0].(type) {
	case string:
		return it
	case map[string]any:
		return translate.ID(it)
	}
	return ""
}

// pinnedPostWrite converts the user's pinned post into a feed post write.
// Returns nil when the post can't be loaded or converted.
func (s *Service) pinnedPostWrite(ctx context.Context, featuredID, did string, user *models.User) (*repo.Write, *models.Object) {
	obj, err := s.store.GetObject(featuredID)
	if err != nil || obj == nil {
		slog.Warn("couldn't load pinned post", "id", featuredID, "error", err)
		return nil, nil
	}
	post, err := s.conv.Convert(ctx, obj, translate.Opts{
		To: models.ProtocolATProto, FetchBlobs: true, FromUser: user})
	if err != nil || len(post) == 0 {
		slog.Warn("couldn't convert pinned post", "id", featuredID, "error", err)
		return nil, nil
	}
	rkey := repo.NextTID()
	obj.AddCopy(models.Target{
		URI:      fmt.Sprintf("at://%s/app.bsky.feed.post/%s", did, rkey),
		Protocol: models.ProtocolATProto,
	})
	return &repo.Write{
		Action:     repo.ActionCreate,
		Collection: "app.bsky.feed.post",
		RKey:       rkey,
		Record:     post,
	}, obj
}

// derivedWrites returns the extra writes an object implies: currently the
// web-monetization wallet record for actors carrying a monetization field.
func derivedWrites(action repo.Action, as1 map[string]any) []repo.Write {
	if as1 == nil {
		return nil
	}
	inner := as1
	if translate.IsCRUD(translate.Verb(as1)) {
		if m := translate.Inner(as1); m != nil {
			inner = m
		}
	}
	if action == repo.ActionDelete {
		return nil
	}
	t, _ := inner["objectType"].(string)
	if !translate.IsActor(t) {
		return nil
	}
	wallet, _ := inner["monetization"].(string)
	if wallet == "" {
		return nil
	}
	return []repo.Write{{
		Action:     action,
		Collection: "community.lexicon.payments.webMonetization",
		RKey:       "self",
		Record: map[string]any{
			"$type":   "community.lexicon.payments.webMonetization",
			"address": wallet,
		},
	}}
}

// OldPDS is the authenticated client for an account's previous PDS during
// migration.
type OldPDS interface {
	// SignPLCOperation asks the old PDS to sign a PLC operation with the
	// given confirmation code.
	SignPLCOperation(ctx context.Context, plcCode string, params map[string]any) (map[string]any, error)
	// DeactivateAccount deactivates the account on the old PDS.
	DeactivateAccount(ctx context.Context) error
}

// MigrateIn installs an externally imported repo under the bridge: rewrite
// the DID doc to our PDS and keys, submit it to the directory, activate the
// repo, and deactivate the old account. Every step tolerates re-running.
//
// The repo must already have been imported out of band.
func (s *Service) MigrateIn(ctx context.Context, user *models.User, fromDID, plcCode string, oldPDS OldPDS) error {
	r, err := s.storage.LoadRepo(ctx, fromDID)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("please import %s's repo first", fromDID)
	}

	didObj, err := s.atproto.Load(ctx, fromDID, identity.LoadOpts{DIDDoc: true})
	if err != nil || didObj == nil {
		return fmt.Errorf("couldn't load DID doc for %s: %w", fromDID, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(didObj.Raw, &doc); err != nil {
		return err
	}

	var aka []string
	if vals, ok := doc["alsoKnownAs"].([]any); ok {
		for _, v := range vals {
			if s, ok := v.(string); ok {
				aka = append(aka, s)
			}
		}
	}
	userURI := user.ID
	found := false
	for _, a := range aka {
		if a == userURI {
			found = true
			break
		}
	}
	if !found {
		aka = append(aka, userURI)
	}

	op, err := oldPDS.SignPLCOperation(ctx, plcCode, map[string]any{
		"rotationKeys": []string{plc.EncodeDIDKey(r.RotationKey.PubKey())},
		// verificationMethods, with the trailing s — not the DID doc's
		// verificationMethod.
		"verificationMethods": map[string]any{
			"atproto": plc.EncodeDIDKey(r.SigningKey.PubKey()),
		},
		"alsoKnownAs": aka,
		"services": map[string]any{
			"atproto_pds": map[string]any{
				"type":     "AtprotoPersonalDataServer",
				"endpoint": s.cfg.PDSURL(),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("old PDS signPlcOperation: %w", err)
	}

	if err := s.plc.Submit(ctx, fromDID, op); err != nil {
		return err
	}

	if err := s.storage.ActivateRepo(ctx, r); err != nil {
		return err
	}
	if err := s.storage.Commit(ctx, r, nil); err != nil {
		return err
	}

	return oldPDS.DeactivateAccount(ctx)
}
