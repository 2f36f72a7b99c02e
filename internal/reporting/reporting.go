// Package reporting ships structured errors to an external error sink and
// holds the domain/id blocklist consulted before subscribing or sending.
package reporting

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
)

// Sink receives structured error reports. Implementations must not block for
// long; callers treat Report as fire-and-forget.
type Sink interface {
	Report(ctx context.Context, msg string, fields map[string]any)
}

// LogSink writes reports to slog. The default when no external sink is
// configured.
type LogSink struct{}

func (LogSink) Report(ctx context.Context, msg string, fields map[string]any) {
	attrs := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	slog.Error(msg, attrs...)
}

// Reporter wraps a Sink with catch-and-continue helpers for the subscriber
// loops: one poisoned event must never halt ingestion.
type Reporter struct {
	sink Sink
}

// New returns a Reporter on the given sink, defaulting to LogSink.
func New(sink Sink) *Reporter {
	if sink == nil {
		sink = LogSink{}
	}
	return &Reporter{sink: sink}
}

// Error reports a handled error with context fields.
func (r *Reporter) Error(ctx context.Context, msg string, err error, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	r.sink.Report(ctx, msg, fields)
}

// Recover reports a recovered panic. Use in a deferred call inside per-event
// handlers.
func (r *Reporter) Recover(ctx context.Context, where string) {
	if p := recover(); p != nil {
		r.sink.Report(ctx, "panic in "+where, map[string]any{"panic": p})
	}
}

// Blocklist is a set of blocked domains and ids. Matching is by exact id or
// by domain suffix, so "spam.example" blocks "relay.spam.example" too.
type Blocklist struct {
	mu      sync.RWMutex
	domains map[string]bool
	ids     map[string]bool
}

// NewBlocklist builds a blocklist from domain and id entries.
func NewBlocklist(domains, ids []string) *Blocklist {
	b := &Blocklist{domains: map[string]bool{}, ids: map[string]bool{}}
	for _, d := range domains {
		b.domains[strings.ToLower(d)] = true
	}
	for _, id := range ids {
		b.ids[id] = true
	}
	return b
}

// Contains reports whether the given id or URL is blocked.
func (b *Blocklist) Contains(s string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.ids[s] {
		return true
	}
	host := s
	if u, err := url.Parse(s); err == nil && u.Host != "" {
		host = u.Host
	}
	host = strings.ToLower(host)
	for host != "" {
		if b.domains[host] {
			return true
		}
		_, rest, ok := strings.Cut(host, ".")
		if !ok {
			break
		}
		host = rest
	}
	return false
}

// Add inserts a blocked domain at runtime.
func (b *Blocklist) Add(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.domains[strings.ToLower(domain)] = true
}
