// Package plc is a client for the DID PLC directory. It generates K-256
// signing and rotation keypairs, derives did:plc identifiers from the genesis
// operation, and submits signed operations over HTTP.
//
// https://github.com/did-method-plc/did-method-plc
package plc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/fxamacker/cbor/v2"
	"github.com/multiformats/go-multibase"
	"github.com/sony/gobreaker"

	"github.com/crossfed/crossfed/internal/metrics"
)

// Client talks to a PLC directory host.
type Client struct {
	host    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// New returns a Client for the given directory host (or full base URL), with
// every call bounded by timeout and wrapped in a circuit breaker so a down
// directory fails fast.
func New(host string, timeout time.Duration) *Client {
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return &Client{
		host: strings.TrimRight(host, "/"),
		http: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "plc " + host,
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("plc circuit state change", "name", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// CreatedDID is the result of minting a new did:plc.
type CreatedDID struct {
	DID         string
	Doc         map[string]any
	SigningKey  *secp256k1.PrivateKey
	RotationKey *secp256k1.PrivateKey
}

// Create generates fresh signing and rotation keys, derives a new did:plc
// from the signed genesis operation, and submits it to the directory.
func (c *Client) Create(ctx context.Context, handle, pdsURL, alsoKnownAs string) (*CreatedDID, error) {
	signing, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	rotation, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate rotation key: %w", err)
	}

	aka := []string{"at://" + handle}
	if alsoKnownAs != "" && alsoKnownAs != aka[0] {
		aka = append(aka, alsoKnownAs)
	}

	op := map[string]any{
		"type":         "plc_operation",
		"rotationKeys": []string{EncodeDIDKey(rotation.PubKey())},
		"verificationMethods": map[string]any{
			"atproto": EncodeDIDKey(signing.PubKey()),
		},
		"alsoKnownAs": aka,
		"services": map[string]any{
			"atproto_pds": map[string]any{
				"type":     "AtprotoPersonalDataServer",
				"endpoint": pdsURL,
			},
		},
		"prev": nil,
	}
	if err := signOp(op, rotation); err != nil {
		return nil, err
	}

	did, err := didForGenesis(op)
	if err != nil {
		return nil, err
	}

	if err := c.Submit(ctx, did, op); err != nil {
		return nil, err
	}

	return &CreatedDID{
		DID:         did,
		Doc:         didDoc(did, handle, pdsURL, signing, aka),
		SigningKey:  signing,
		RotationKey: rotation,
	}, nil
}

// UpdateOp builds a signed PLC operation that points an existing DID at our
// PDS with our keys, merging alsoKnownAs. prev is the CID of the DID's
// latest operation.
func UpdateOp(rotation, signing *secp256k1.PrivateKey, pdsURL string, alsoKnownAs []string, prev string) (map[string]any, error) {
	op := map[string]any{
		"type":         "plc_operation",
		"rotationKeys": []string{EncodeDIDKey(rotation.PubKey())},
		"verificationMethods": map[string]any{
			"atproto": EncodeDIDKey(signing.PubKey()),
		},
		"alsoKnownAs": alsoKnownAs,
		"services": map[string]any{
			"atproto_pds": map[string]any{
				"type":     "AtprotoPersonalDataServer",
				"endpoint": pdsURL,
			},
		},
		"prev": prev,
	}
	if err := signOp(op, rotation); err != nil {
		return nil, err
	}
	return op, nil
}

// Submit POSTs a signed operation to the directory.
func (c *Client) Submit(ctx context.Context, did string, op map[string]any) error {
	body, err := json.Marshal(op)
	if err != nil {
		return err
	}
	_, err = c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("%s/%s", c.host, did), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("plc %s: status %d: %s", did, resp.StatusCode, msg)
		}
		return nil, nil
	})
	if err != nil {
		metrics.OracleFailures.WithLabelValues("plc").Inc()
		return fmt.Errorf("submit plc op for %s: %w", did, err)
	}
	return nil
}

// Resolve fetches the DID document for a did:plc or did:web.
func (c *Client) Resolve(ctx context.Context, did string) (map[string]any, error) {
	var url string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		url = fmt.Sprintf("%s/%s", c.host, did)
	case strings.HasPrefix(did, "did:web:"):
		url = fmt.Sprintf("https://%s/.well-known/did.json", strings.TrimPrefix(did, "did:web:"))
	default:
		return nil, fmt.Errorf("can't resolve %s", did)
	}

	v, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("resolve %s: status %d", did, resp.StatusCode)
		}
		var doc map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return nil, err
		}
		return doc, nil
	})
	if err != nil {
		metrics.OracleFailures.WithLabelValues("plc").Inc()
		return nil, err
	}
	return v.(map[string]any), nil
}

// ─── DID and key encoding ─────────────────────────────────────────────────────

// multicodec prefix for secp256k1-pub, varint encoded.
var secp256k1Codec = []byte{0xe7, 0x01}

// EncodeDIDKey encodes a K-256 public key as a did:key string.
func EncodeDIDKey(pub *secp256k1.PublicKey) string {
	data := append(append([]byte{}, secp256k1Codec...), pub.SerializeCompressed()...)
	s, _ := multibase.Encode(multibase.Base58BTC, data)
	return "did:key:" + s
}

// didForGenesis derives the did:plc identifier: base32 of the sha-256 of the
// signed genesis operation's canonical CBOR, truncated to 24 chars.
func didForGenesis(op map[string]any) (string, error) {
	enc, err := canonicalCBOR(op)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(enc)
	b32 := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:]))
	return "did:plc:" + b32[:24], nil
}

// signOp sets op["sig"] to the base64url-encoded low-S ECDSA signature over
// the operation's canonical CBOR (without the sig field).
func signOp(op map[string]any, key *secp256k1.PrivateKey) error {
	delete(op, "sig")
	enc, err := canonicalCBOR(op)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(enc)
	sig := ecdsa.SignCompact(key, digest[:], false)
	// SignCompact prepends a recovery byte; PLC wants the raw 64-byte r||s.
	op["sig"] = base64.RawURLEncoding.EncodeToString(sig[1:])
	return nil
}

func canonicalCBOR(v any) ([]byte, error) {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		return nil, err
	}
	return mode.Marshal(v)
}

func didDoc(did, handle, pdsURL string, signing *secp256k1.PrivateKey, aka []string) map[string]any {
	return map[string]any{
		"@context": []string{
			"https://www.w3.org/ns/did/v1",
			"https://w3id.org/security/multikey/v1",
		},
		"id":          did,
		"alsoKnownAs": aka,
		"verificationMethod": []map[string]any{{
			"id":                 did + "#atproto",
			"type":               "Multikey",
			"controller":         did,
			"publicKeyMultibase": strings.TrimPrefix(EncodeDIDKey(signing.PubKey()), "did:key:"),
		}},
		"service": []map[string]any{{
			"id":              "#atproto_pds",
			"type":            "AtprotoPersonalDataServer",
			"serviceEndpoint": pdsURL,
		}},
	}
}

// PDSEndpoint extracts the atproto PDS endpoint from a DID document, or "".
func PDSEndpoint(doc map[string]any) string {
	services, _ := doc["service"].([]any)
	for _, s := range services {
		svc, _ := s.(map[string]any)
		if svc == nil {
			continue
		}
		id, _ := svc["id"].(string)
		if id == "#atproto_pds" || strings.HasSuffix(id, "#atproto_pds") {
			ep, _ := svc["serviceEndpoint"].(string)
			return ep
		}
	}
	// Tolerate documents unmarshaled with concrete map slices.
	if services, ok := doc["service"].([]map[string]any); ok {
		for _, svc := range services {
			id, _ := svc["id"].(string)
			if id == "#atproto_pds" || strings.HasSuffix(id, "#atproto_pds") {
				ep, _ := svc["serviceEndpoint"].(string)
				return ep
			}
		}
	}
	return ""
}

// Handle extracts the at:// handle from a DID document's alsoKnownAs, or "".
func Handle(doc map[string]any) string {
	for _, aka := range anySlice(doc["alsoKnownAs"]) {
		if s, ok := aka.(string); ok && strings.HasPrefix(s, "at://") {
			return strings.TrimPrefix(s, "at://")
		}
	}
	return ""
}

func anySlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out
	}
	return nil
}
