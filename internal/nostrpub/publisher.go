package nostrpub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"

	"github.com/crossfed/crossfed/internal/metrics"
)

const (
	cbThreshold = 3 // consecutive failures before a relay circuit opens
	cbCooldown  = 5 * time.Minute

	publishRateLimit = rate.Limit(2) // events per second across all relays
	publishRateBurst = 5             // burst allowance for short threads
	publishTimeout   = 15 * time.Second
)

// relayCircuit is a per-relay circuit breaker.
type relayCircuit struct {
	mu        sync.Mutex
	failCount int
	openedAt  time.Time
	open      bool
}

// isOpen reports whether the relay should be bypassed. Resets to closed once
// cbCooldown has elapsed (half-open retry).
func (cb *relayCircuit) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.open {
		return false
	}
	if time.Since(cb.openedAt) >= cbCooldown {
		cb.open = false
		cb.failCount = 0
		return false
	}
	return true
}

// recordFailure increments the counter and opens the circuit at threshold.
// Returns true the first time the circuit opens.
func (cb *relayCircuit) recordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failCount++
	if !cb.open && cb.failCount >= cbThreshold {
		cb.open = true
		cb.openedAt = time.Now()
		return true
	}
	return false
}

// recordSuccess resets all failure state. Returns true if the circuit was open.
func (cb *relayCircuit) recordSuccess() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	was := cb.open
	cb.open = false
	cb.failCount = 0
	return was
}

// Publisher publishes signed events to relays. Relay targets vary per call —
// each bridged user declares their own outbound relays — so circuits are
// keyed by URL and created lazily.
type Publisher struct {
	mu       sync.Mutex
	circuits map[string]*relayCircuit
	pool     *nostr.SimplePool
	poolOnce sync.Once
	limiter  *rate.Limiter
}

// NewPublisher creates a Publisher.
func NewPublisher() *Publisher {
	return &Publisher{
		circuits: map[string]*relayCircuit{},
		limiter:  rate.NewLimiter(publishRateLimit, publishRateBurst),
	}
}

func (p *Publisher) getCircuit(url string) *relayCircuit {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.circuits[url]; ok {
		return cb
	}
	cb := &relayCircuit{}
	p.circuits[url] = cb
	return cb
}

func (p *Publisher) getPool() *nostr.SimplePool {
	p.poolOnce.Do(func() {
		p.pool = nostr.NewSimplePool(context.Background())
	})
	return p.pool
}

// Publish sends event to the given relays, skipping any with an open
// circuit. Success on at least one relay counts as success.
func (p *Publisher) Publish(ctx context.Context, event *nostr.Event, relays []string) error {
	if len(relays) == 0 {
		slog.Warn("no relays for event; not published", "id", event.ID, "kind", event.Kind)
		return fmt.Errorf("no relays")
	}

	active := make([]string, 0, len(relays))
	for _, url := range relays {
		if p.getCircuit(url).isOpen() {
			slog.Debug("skipping relay with open circuit", "relay", url, "id", event.ID)
		} else {
			active = append(active, url)
		}
	}
	if len(active) == 0 {
		return fmt.Errorf("all %d relays have open circuits", len(relays))
	}

	// Wait for an outbound token so we don't trip anti-spam limits on
	// strict relays during bridge bursts.
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("outbound rate limit wait: %w", err)
	}

	// Honour explicit cancellation but otherwise use an independent
	// deadline so short-lived caller contexts don't abort delivery.
	publishCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-publishCtx.Done():
		}
	}()

	var published, failed int
	for result := range p.getPool().PublishMany(publishCtx, active, *event) {
		cb := p.getCircuit(result.RelayURL)
		if result.Error != nil {
			if isPolicyRejection(result.Error) {
				// Relay is healthy but rejected this event's content;
				// keep the circuit closed.
				cb.recordSuccess()
				slog.Debug("relay rejected event by policy",
					"relay", result.RelayURL, "id", event.ID, "error", result.Error)
			} else if cb.recordFailure() {
				slog.Warn("relay circuit opened",
					"relay", result.RelayURL, "error", result.Error)
			}
			metrics.OracleFailures.WithLabelValues("relay").Inc()
			failed++
		} else {
			if cb.recordSuccess() {
				slog.Info("relay recovered", "relay", result.RelayURL)
			}
			slog.Debug("published event", "relay", result.RelayURL, "id", event.ID, "kind", event.Kind)
			published++
		}
	}

	if published == 0 && failed > 0 {
		return fmt.Errorf("failed to publish to all %d active relays", failed)
	}
	return nil
}

// isPolicyRejection reports whether the relay refused the event with a
// machine-readable static-policy prefix.
func isPolicyRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "msg: blocked:") || strings.Contains(msg, "msg: invalid:")
}
