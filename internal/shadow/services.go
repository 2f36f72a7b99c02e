package shadow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/google/uuid"

	"github.com/crossfed/crossfed/internal/metrics"
	"github.com/crossfed/crossfed/internal/repo"
)

// serviceJWT builds the short-lived inter-service token atproto services
// expect: ES256K over {iss, aud, lxm, jti, exp}, signed with the repo's
// signing key.
func serviceJWT(aud, repoDID, lxm string, key *secp256k1.PrivateKey) (string, error) {
	if key == nil {
		return "", fmt.Errorf("no signing key for %s", repoDID)
	}

	header := map[string]any{"typ": "JWT", "alg": "ES256K"}
	payload := map[string]any{
		"iss": repoDID,
		"aud": aud,
		"lxm": lxm,
		"jti": uuid.NewString(),
		"exp": time.Now().Add(time.Minute).Unix(),
	}

	hb, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	pb, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	signing := base64.RawURLEncoding.EncodeToString(hb) + "." +
		base64.RawURLEncoding.EncodeToString(pb)

	digest := sha256.Sum256([]byte(signing))
	sig := secpecdsa.SignCompact(key, digest[:], false)
	return signing + "." + base64.RawURLEncoding.EncodeToString(sig[1:]), nil
}

// createReport forwards a flag's createReport input to the mod service. No
// repo commit happens for flags.
func (s *Service) createReport(ctx context.Context, input map[string]any, r *repo.Repo) bool {
	if t, _ := input["$type"].(string); t != "com.atproto.moderation.createReport#input" {
		slog.Warn("flag converted to unexpected type", "type", t)
		return false
	}

	token, err := serviceJWT(s.cfg.ModDID, r.DID, "com.atproto.moderation.createReport", r.SigningKey)
	if err != nil {
		slog.Error("mod service jwt failed", "error", err)
		return false
	}

	out, err := s.xrpcPost(ctx, s.cfg.ModHost, "com.atproto.moderation.createReport", token, input)
	if err != nil {
		metrics.OracleFailures.WithLabelValues("mod").Inc()
		slog.Error("createReport failed", "error", err)
		return false
	}
	slog.Info("created report", "host", s.cfg.ModHost, "id", out["id"])
	return true
}

// sendChat delivers a DM through the chat service: resolve the conversation
// for the recipient, then send. A recipient who has disabled incoming
// messages is a clean false, not an error.
func (s *Service) sendChat(ctx context.Context, msg map[string]any, r *repo.Repo, toDID string) bool {
	if t, _ := msg["$type"].(string); t != "chat.bsky.convo.defs#messageInput" {
		slog.Warn("dm converted to unexpected type", "type", t)
		return false
	}

	token, err := serviceJWT(s.cfg.ChatDID, r.DID, "chat.bsky.convo.getConvoForMembers", r.SigningKey)
	if err != nil {
		slog.Error("chat service jwt failed", "error", err)
		return false
	}

	convoURL := fmt.Sprintf("https://%s/xrpc/chat.bsky.convo.getConvoForMembers?%s",
		s.cfg.ChatHost, url.Values{"members": {toDID}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, convoURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := s.http.Do(req)
	if err != nil {
		metrics.OracleFailures.WithLabelValues("chat").Inc()
		slog.Error("getConvoForMembers failed", "error", err)
		return false
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		json.Unmarshal(body, &e)
		if e.Error == "InvalidRequest" && e.Message == "recipient has disabled incoming messages" {
			slog.Info("recipient has chat disabled", "did", toDID)
			return false
		}
	}
	if resp.StatusCode/100 != 2 {
		metrics.OracleFailures.WithLabelValues("chat").Inc()
		slog.Error("getConvoForMembers failed", "status", resp.StatusCode)
		return false
	}

	var convo struct {
		Convo struct {
			ID string `json:"id"`
		} `json:"convo"`
	}
	if err := json.Unmarshal(body, &convo); err != nil || convo.Convo.ID == "" {
		slog.Error("bad getConvoForMembers response", "error", err)
		return false
	}

	token, err = serviceJWT(s.cfg.ChatDID, r.DID, "chat.bsky.convo.sendMessage", r.SigningKey)
	if err != nil {
		return false
	}
	_, err = s.xrpcPost(ctx, s.cfg.ChatHost, "chat.bsky.convo.sendMessage", token, map[string]any{
		"convoId": convo.Convo.ID,
		"message": msg,
	})
	if err != nil {
		metrics.OracleFailures.WithLabelValues("chat").Inc()
		slog.Error("sendMessage failed", "error", err)
		return false
	}

	slog.Info("sent chat message", "from", r.Handle, "to", toDID)
	return true
}

func (s *Service) xrpcPost(ctx context.Context, host, nsid, token string, input map[string]any) (map[string]any, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("https://%s/xrpc/%s", host, nsid), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%s: status %d: %s", nsid, resp.StatusCode, msg)
	}
	out := map[string]any{}
	json.NewDecoder(resp.Body).Decode(&out)
	return out, nil
}

func jsonMarshal(m map[string]any) ([]byte, error) {
	return json.Marshal(m)
}
