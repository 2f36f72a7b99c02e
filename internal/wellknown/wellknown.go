// Package wellknown serves the bridge's discovery endpoints: NIP-05 handle
// attestation for users bridged into nostr, programmatic atproto handle
// resolution, and the OAuth client metadata document.
package wellknown

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/crossfed/crossfed/internal/config"
	"github.com/crossfed/crossfed/internal/identity"
	"github.com/crossfed/crossfed/internal/models"
	"github.com/crossfed/crossfed/internal/store"
)

const cacheControl = "public, max-age=3600"

// Server holds the discovery endpoint handlers.
type Server struct {
	cfg   *config.Config
	store *store.Store
}

// New creates a Server.
func New(cfg *config.Config, st *store.Store) *Server {
	return &Server{cfg: cfg, store: st}
}

// Router builds the chi router for the well-known endpoints.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cacheHeaders)

	r.Get("/.well-known/nostr.json", s.nip05)
	r.Get("/.well-known/atproto-did", s.atprotoDID)
	r.Get("/oauth/client-metadata.json", s.clientMetadata)
	return r
}

func cacheHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", cacheControl)
		next.ServeHTTP(w, r)
	})
}

// nip05 serves handles for users bridged into nostr.
//
// Native nostr users are never listed here: their NIP-05 belongs to their
// own domain, not the bridge.
func (s *Server) nip05(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}

	user, err := s.store.FindUserForName(name, models.ProtocolNostr)
	if err != nil {
		slog.Error("nip05 lookup failed", "name", name, "error", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if user == nil || !user.IsEnabled(models.ProtocolNostr) {
		http.NotFound(w, r)
		return
	}
	npub := user.Copy(models.ProtocolNostr)
	if npub == "" {
		http.NotFound(w, r)
		return
	}
	hexPubkey := identity.URIToHex(npub)
	if hexPubkey == "" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"names": map[string]string{name: hexPubkey},
	})
}

// atprotoDID resolves a native user id or handle to their bridged DID.
// https://atproto.com/specs/handle#handle-resolution
func (s *Server) atprotoDID(w http.ResponseWriter, r *http.Request) {
	protocol := r.URL.Query().Get("protocol")
	id := r.URL.Query().Get("id")
	if protocol == "" || id == "" {
		http.Error(w, "missing protocol or id", http.StatusBadRequest)
		return
	}
	if _, ok := models.Protocols[protocol]; !ok && protocol != models.ProtocolWeb {
		http.Error(w, "unknown protocol "+protocol, http.StatusBadRequest)
		return
	}

	user, err := s.store.GetUser(protocol, id)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if user == nil {
		user, err = s.store.GetUserByHandle(protocol, id)
		if err != nil {
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
	}
	if user == nil {
		// Mixed-case usernames flatten to a lowercase handle-as-domain.
		user, err = s.store.FindUserForName(id, models.ProtocolATProto)
		if err != nil {
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
	}

	if user != nil {
		if did := user.Copy(models.ProtocolATProto); did != "" {
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte(did))
			return
		}
	}
	http.NotFound(w, r)
}

// clientMetadata serves the OAuth client metadata document.
// https://docs.bsky.app/docs/advanced-guides/oauth-client
func (s *Server) clientMetadata(w http.ResponseWriter, r *http.Request) {
	base := "https://" + s.cfg.PDSHost
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"client_id":                  base + "/oauth/client-metadata.json",
		"client_name":                "crossfed",
		"client_uri":                 base,
		"redirect_uris":              []string{base + "/oauth/finish"},
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"scope":                      "atproto transition:generic",
		"token_endpoint_auth_method": "none",
		"application_type":           "web",
		"dpop_bound_access_tokens":   true,
	})
}
