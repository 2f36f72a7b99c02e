// Package dnsattest manages the _atproto TXT records that attest handle
// ownership for bridged accounts, and resolves them for handle→DID lookup.
//
// https://atproto.com/specs/handle#handle-resolution
package dnsattest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/crossfed/crossfed/internal/metrics"
)

// TTL for _atproto TXT records, in seconds.
const TTL = 10800

// Manager creates and removes attestation records. Implementations must be
// idempotent: Set deletes any existing record for the handle first.
type Manager interface {
	SetDNS(ctx context.Context, handle, did string) error
	RemoveDNS(ctx context.Context, handle string) error
}

// Resolver answers handle→DID lookups via DNS TXT.
type Resolver interface {
	ResolveHandle(ctx context.Context, handle string) (string, error)
}

// ─── TXT resolution ───────────────────────────────────────────────────────────

// DNSResolver resolves _atproto.<handle> TXT records against a recursive
// nameserver.
type DNSResolver struct {
	Server  string // host:port; defaults to a public recursive resolver
	Timeout time.Duration
}

// ResolveHandle queries the _atproto TXT record for handle and returns the
// DID, or "" when no record exists.
func (r *DNSResolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	server := r.Server
	if server == "" {
		server = "8.8.8.8:53"
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("_atproto."+handle), dns.TypeTXT)
	client := &dns.Client{Timeout: r.Timeout}

	resp, _, err := client.ExchangeContext(ctx, m, server)
	if err != nil {
		metrics.OracleFailures.WithLabelValues("dns").Inc()
		return "", fmt.Errorf("resolve _atproto.%s: %w", handle, err)
	}
	if resp.Rcode == dns.RcodeNameError {
		return "", nil
	}
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		val := strings.Join(txt.Txt, "")
		if did, ok := strings.CutPrefix(val, "did="); ok {
			return did, nil
		}
	}
	return "", nil
}

// ─── Record management ────────────────────────────────────────────────────────

// ZoneClient manages records in a managed DNS zone through its HTTP API.
// Existing records for a handle are always deleted before re-creating, so a
// handle never has two attestation records.
type ZoneClient struct {
	apiBase string
	zone    string
	http    *http.Client

	// reserved lists domains whose handles are resolved by our own
	// well-known endpoint instead of DNS; Set skips them.
	reserved []string
}

// NewZoneClient returns a ZoneClient, or a disabled one when apiBase is
// empty (every call logs and returns nil).
func NewZoneClient(apiBase, zone string, reserved []string, timeout time.Duration) *ZoneClient {
	return &ZoneClient{
		apiBase:  strings.TrimRight(apiBase, "/"),
		zone:     zone,
		http:     &http.Client{Timeout: timeout},
		reserved: reserved,
	}
}

type recordSet struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	TTL     int      `json:"ttl"`
	RRDatas []string `json:"rrdatas"`
}

// SetDNS installs the _atproto TXT record for handle. Skipped for reserved
// domains and when no API is configured.
func (z *ZoneClient) SetDNS(ctx context.Context, handle, did string) error {
	name := "_atproto." + handle + "."
	val := fmt.Sprintf(`"did=%s"`, did)
	slog.Info("adding DNS TXT record", "name", name, "value", val)

	if z.apiBase == "" {
		slog.Info("  skipped, no DNS API configured")
		return nil
	}
	if z.isReserved(handle) {
		slog.Info("  skipped, domain is reserved", "handle", handle)
		return nil
	}

	if err := z.RemoveDNS(ctx, handle); err != nil {
		return err
	}

	rs := recordSet{Name: name, Type: "TXT", TTL: TTL, RRDatas: []string{val}}
	body, _ := json.Marshal(rs)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/zones/%s/rrsets", z.apiBase, z.zone), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := z.http.Do(req)
	if err != nil {
		metrics.OracleFailures.WithLabelValues("dns").Inc()
		return fmt.Errorf("create TXT %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		metrics.OracleFailures.WithLabelValues("dns").Inc()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("create TXT %s: status %d: %s", name, resp.StatusCode, msg)
	}
	return nil
}

// RemoveDNS deletes any _atproto TXT records for handle.
func (z *ZoneClient) RemoveDNS(ctx context.Context, handle string) error {
	name := "_atproto." + handle + "."
	slog.Info("removing DNS TXT record", "name", name)

	if z.apiBase == "" {
		slog.Info("  skipped, no DNS API configured")
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/zones/%s/rrsets/%s/TXT", z.apiBase, z.zone, name), nil)
	if err != nil {
		return err
	}
	resp, err := z.http.Do(req)
	if err != nil {
		metrics.OracleFailures.WithLabelValues("dns").Inc()
		return fmt.Errorf("delete TXT %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
		metrics.OracleFailures.WithLabelValues("dns").Inc()
		return fmt.Errorf("delete TXT %s: status %d", name, resp.StatusCode)
	}
	return nil
}

func (z *ZoneClient) isReserved(handle string) bool {
	h := strings.ToLower(handle)
	for _, d := range z.reserved {
		if h == d || strings.HasSuffix(h, "."+d) {
			return true
		}
	}
	return false
}
