package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	// Identity of this bridge deployment.
	PDSHost string   // eg atproto.crossfed.example; also the PDS URL host
	Domains []string // domains we consider "ours" for send short-circuits

	// Upstream services.
	RelayHost   string // atproto sync relay, eg bsky.network
	AppviewHost string // atproto appview for getRecord/resolveHandle
	PLCHost     string // DID PLC directory
	ChatHost    string
	ChatDID     string
	ModHost     string
	ModDID      string

	// Nostr.
	DefaultNostrRelay string

	// Storage and queues.
	DatabaseURL string
	RedisURL    string

	// DNS attestation.
	DNSZone        string
	DNSAPIBase     string   // HTTP API base for the managed zone; empty disables DNS writes
	HandleDomains  []string // reserved domains whose handles never get DNS records
	BlockedDomains []string

	Port        string
	MetricsPort string

	// Tunables. All have defaults; rarely need changing.
	HTTPTimeout     time.Duration // HTTP_TIMEOUT — enforced on every oracle call (default 15s)
	StoreCursorFreq time.Duration // STORE_CURSOR_FREQ — min interval between cursor flushes (default 10s)
	LoadUsersFreq   time.Duration // LOAD_USERS_FREQ — user-set loader tick (default 10s)
	ReconnectDelay  time.Duration // RECONNECT_DELAY — wait before firehose reconnect (default 30s)
	DeleteTaskDelay time.Duration // DELETE_TASK_DELAY — grace delay on delete tasks (default 90s)
	CommitQueueSize int           // COMMIT_QUEUE_SIZE — bounded atproto op queue (default 1000)
	ReceiveWorkers  int           // RECEIVE_WORKERS — task receive worker count (default 8)
	UserRateLimit   int           // USER_RATE_LIMIT — tasks per user per queue per window (default 30)
	UserRateWindow  time.Duration // USER_RATE_WINDOW — rate limit window (default 1m)
}

// SubscribeReposURL returns the full atproto firehose subscription URL,
// including the cursor when it is nonzero.
func (c *Config) SubscribeReposURL(cursor int64) string {
	u := fmt.Sprintf("wss://%s/xrpc/com.atproto.sync.subscribeRepos", c.RelayHost)
	if cursor > 0 {
		u += fmt.Sprintf("?cursor=%d", cursor)
	}
	return u
}

// PDSURL returns our PDS base URL, without a trailing slash.
func (c *Config) PDSURL() string {
	return "https://" + c.PDSHost
}

// OwnsDomain reports whether host (or a URL with that host) belongs to this
// deployment.
func (c *Config) OwnsDomain(s string) bool {
	host := s
	if i := strings.Index(s, "://"); i >= 0 {
		host = s[i+3:]
	}
	host, _, _ = strings.Cut(host, "/")
	host, _, _ = strings.Cut(host, ":")
	host = strings.ToLower(host)
	for _, d := range c.Domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Load reads configuration from environment variables.
// Exits if required variables are missing.
func Load() *Config {
	pdsHost := os.Getenv("PDS_HOST")
	if pdsHost == "" {
		fmt.Fprintln(os.Stderr, "ERROR: PDS_HOST is not set!")
		os.Exit(1)
	}

	domains := parseList(os.Getenv("DOMAINS"))
	if len(domains) == 0 {
		domains = []string{pdsHost}
	}

	return &Config{
		PDSHost: pdsHost,
		Domains: domains,

		RelayHost:   getEnv("RELAY_HOST", "bsky.network"),
		AppviewHost: getEnv("APPVIEW_HOST", "api.bsky.app"),
		PLCHost:     getEnv("PLC_HOST", "plc.directory"),
		ChatHost:    getEnv("CHAT_HOST", "api.bsky.chat"),
		ChatDID:     getEnv("CHAT_DID", "did:web:api.bsky.chat"),
		ModHost:     getEnv("MOD_SERVICE_HOST", "mod.bsky.app"),
		ModDID:      getEnv("MOD_SERVICE_DID", "did:plc:ar7c4by46qjdydhdevvrndac"),

		DefaultNostrRelay: getEnv("NOSTR_RELAY", "wss://nos.lol"),

		DatabaseURL: getEnv("DATABASE_URL", "crossfed.db"),
		RedisURL:    getEnv("REDIS_URL", ""),

		DNSZone:        os.Getenv("DNS_ZONE"),
		DNSAPIBase:     os.Getenv("DNS_API_BASE"),
		HandleDomains:  parseList(os.Getenv("HANDLE_DOMAINS")),
		BlockedDomains: parseList(os.Getenv("BLOCKED_DOMAINS")),

		Port:        getEnv("PORT", "8000"),
		MetricsPort: getEnv("METRICS_PORT", "9090"),

		HTTPTimeout:     parseDuration(os.Getenv("HTTP_TIMEOUT"), 15*time.Second),
		StoreCursorFreq: parseDuration(os.Getenv("STORE_CURSOR_FREQ"), 10*time.Second),
		LoadUsersFreq:   parseDuration(os.Getenv("LOAD_USERS_FREQ"), 10*time.Second),
		ReconnectDelay:  parseDuration(os.Getenv("RECONNECT_DELAY"), 30*time.Second),
		DeleteTaskDelay: parseDuration(os.Getenv("DELETE_TASK_DELAY"), 90*time.Second),
		CommitQueueSize: parseInt(os.Getenv("COMMIT_QUEUE_SIZE"), 1000),
		ReceiveWorkers:  parseInt(os.Getenv("RECEIVE_WORKERS"), 8),
		UserRateLimit:   parseInt(os.Getenv("USER_RATE_LIMIT"), 30),
		UserRateWindow:  parseDuration(os.Getenv("USER_RATE_WINDOW"), time.Minute),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}
