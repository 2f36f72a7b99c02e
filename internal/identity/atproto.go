package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/crossfed/crossfed/internal/dnsattest"
	"github.com/crossfed/crossfed/internal/metrics"
	"github.com/crossfed/crossfed/internal/models"
	"github.com/crossfed/crossfed/internal/plc"
	"github.com/crossfed/crossfed/internal/store"
	"github.com/crossfed/crossfed/internal/translate"
)

var handleRe = regexp.MustCompile(
	`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// ATProto is the identity adapter for the authenticated content-addressed
// protocol: DIDs, at:// URIs, and DNS-attested handles.
type ATProto struct {
	Store    *store.Store
	PLC      *plc.Client
	DNS      dnsattest.Resolver
	Appview  string // appview host for getRecord / resolveHandle
	HTTP     *http.Client

	// LocalOnly forbids all network lookups; used by callers that need the
	// local-only first pass described in the handle/DID cycle note.
	LocalOnly bool
}

func (a *ATProto) Protocol() string { return models.ProtocolATProto }

func (a *ATProto) OwnsID(id string) Ownership {
	switch {
	case strings.HasPrefix(id, "at://"),
		strings.HasPrefix(id, "did:plc:"),
		strings.HasPrefix(id, "did:web:"),
		strings.HasPrefix(id, "https://bsky.app/"):
		return Yes
	}
	return No
}

func (a *ATProto) OwnsHandle(handle string) Ownership {
	if !handleRe.MatchString(handle) {
		return No
	}
	// Any domain could be an atproto handle; only resolution can tell.
	return Maybe
}

// HandleToID resolves handle → DID: native atproto users in the datastore
// first, then the _atproto DNS TXT record, then the appview. The datastore
// lookup does not match shadow repos of users from other protocols.
func (a *ATProto) HandleToID(ctx context.Context, handle string) (string, error) {
	if handle == "" || a.OwnsHandle(handle) == No {
		return "", nil
	}

	if u, err := a.Store.GetUserByHandle(models.ProtocolATProto, handle); err != nil {
		return "", err
	} else if u != nil {
		return u.ID, nil
	}

	if a.LocalOnly {
		return "", nil
	}

	if a.DNS != nil {
		if did, err := a.DNS.ResolveHandle(ctx, handle); err != nil {
			slog.Debug("dns handle resolution failed", "handle", handle, "error", err)
		} else if did != "" {
			return did, nil
		}
	}

	var out struct {
		DID string `json:"did"`
	}
	err := a.xrpcGet(ctx, "com.atproto.identity.resolveHandle",
		url.Values{"handle": {handle}}, &out)
	if err != nil {
		metrics.OracleFailures.WithLabelValues("appview").Inc()
		return "", nil
	}
	return out.DID, nil
}

// IDToHandle reads the handle from the DID doc's alsoKnownAs.
func (a *ATProto) IDToHandle(ctx context.Context, id string) (string, error) {
	remote := RemoteDefault
	if a.LocalOnly {
		remote = RemoteNever
	}
	obj, err := a.Load(ctx, id, LoadOpts{DIDDoc: true, Remote: remote})
	if err != nil || obj == nil {
		return "", err
	}
	var doc map[string]any
	if err := json.Unmarshal(obj.Raw, &doc); err != nil {
		return "", nil
	}
	return plc.Handle(doc), nil
}

// Load implements the cache→remote→fail policy. DIDs load as their profile
// record unless opts.DIDDoc is set; bsky.app URLs are rewritten to at:// URIs.
func (a *ATProto) Load(ctx context.Context, id string, opts LoadOpts) (*models.Object, error) {
	if strings.HasPrefix(id, "did:") && !opts.DIDDoc {
		id = translate.ProfileID(id)
	} else if strings.HasPrefix(id, "https://bsky.app/") {
		atURI, err := webURLToATURI(id)
		if err != nil {
			slog.Warn("couldn't convert bsky.app url", "url", id, "error", err)
			return nil, nil
		}
		id = atURI
	}

	if opts.Remote != RemoteOnly {
		obj, err := a.Store.GetObject(id)
		if err != nil {
			return nil, err
		}
		if obj != nil && (len(obj.Bsky) > 0 || len(obj.Raw) > 0) {
			return obj, nil
		}
	}
	if opts.Remote == RemoteNever || a.LocalOnly {
		return nil, nil
	}

	obj := &models.Object{ID: id, SourceProtocol: models.ProtocolATProto}
	ok, err := a.Fetch(ctx, obj)
	if err != nil || !ok {
		return nil, err
	}
	if err := a.Store.PutObject(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Fetch fills obj.Raw for DIDs (DID document) or obj.Bsky for at:// URIs
// (record via the appview).
func (a *ATProto) Fetch(ctx context.Context, obj *models.Object) (bool, error) {
	id := obj.ID
	if a.OwnsID(id) == No {
		slog.Info("atproto can't fetch", "id", id)
		return false, nil
	}

	if strings.HasPrefix(id, "did:") {
		doc, err := a.PLC.Resolve(ctx, id)
		if err != nil {
			return false, err
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return false, err
		}
		obj.Raw = raw
		return true, nil
	}

	repo, collection, rkey := parseATURI(id)
	if repo == "" || collection == "" || rkey == "" {
		return false, nil
	}
	if !strings.HasPrefix(repo, "did:") {
		did, err := a.HandleToID(ctx, repo)
		if err != nil || did == "" {
			return false, err
		}
		obj.ID = strings.Replace(id, "at://"+repo, "at://"+did, 1)
		repo = did
	}

	var out struct {
		URI   string         `json:"uri"`
		CID   string         `json:"cid"`
		Value map[string]any `json:"value"`
	}
	err := a.xrpcGet(ctx, "com.atproto.repo.getRecord", url.Values{
		"repo": {repo}, "collection": {collection}, "rkey": {rkey},
	}, &out)
	if err != nil {
		metrics.OracleFailures.WithLabelValues("appview").Inc()
		return false, nil
	}
	if out.Value == nil {
		return false, nil
	}
	out.Value["cid"] = out.CID
	bsky, err := json.Marshal(out.Value)
	if err != nil {
		return false, err
	}
	obj.Bsky = bsky
	return true, nil
}

func (a *ATProto) xrpcGet(ctx context.Context, nsid string, params url.Values, out any) error {
	base := a.Appview
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	u := fmt.Sprintf("%s/xrpc/%s?%s", strings.TrimRight(base, "/"), nsid, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s: status %d", nsid, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// parseATURI splits at://repo/collection/rkey. Missing parts are empty.
func parseATURI(uri string) (repo, collection, rkey string) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", ""
	}
	parts := strings.SplitN(rest, "/", 3)
	repo = parts[0]
	if len(parts) > 1 {
		collection = parts[1]
	}
	if len(parts) > 2 {
		rkey, _, _ = strings.Cut(parts[2], "#")
	}
	return repo, collection, rkey
}

// webURLToATURI converts https://bsky.app/profile/<handle-or-did>[/post/<rkey>]
// to an at:// URI.
func webURLToATURI(u string) (string, error) {
	rest, ok := strings.CutPrefix(u, "https://bsky.app/profile/")
	if !ok {
		return "", fmt.Errorf("not a bsky.app profile url: %s", u)
	}
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	switch {
	case len(parts) == 1:
		return "at://" + parts[0] + "/app.bsky.actor.profile/self", nil
	case len(parts) == 3 && parts[1] == "post":
		return "at://" + parts[0] + "/app.bsky.feed.post/" + parts[2], nil
	}
	return "", fmt.Errorf("unsupported bsky.app url: %s", u)
}
