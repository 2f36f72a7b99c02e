// crossfed is a cross-protocol social-network bridge core: it ingests signed
// events from the atproto firehose and nostr relays, filters them against
// the live set of bridged users, and re-emits them authoritatively through
// per-user shadow identities on the other side.
//
// Usage:
//
//	export PDS_HOST=atproto.yourdomain.com
//	export RELAY_HOST=bsky.network
//	export NOSTR_RELAY=wss://nos.lol
//	export SHADOW_KEY_SEED=<32 byte hex root secret>
//	./crossfed
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/crossfed/crossfed/internal/config"
	"github.com/crossfed/crossfed/internal/dnsattest"
	"github.com/crossfed/crossfed/internal/firehose"
	"github.com/crossfed/crossfed/internal/identity"
	"github.com/crossfed/crossfed/internal/nostrpub"
	"github.com/crossfed/crossfed/internal/plc"
	"github.com/crossfed/crossfed/internal/repo"
	"github.com/crossfed/crossfed/internal/reporting"
	"github.com/crossfed/crossfed/internal/send"
	"github.com/crossfed/crossfed/internal/shadow"
	"github.com/crossfed/crossfed/internal/store"
	"github.com/crossfed/crossfed/internal/tasks"
	"github.com/crossfed/crossfed/internal/translate"
	"github.com/crossfed/crossfed/internal/userset"
	"github.com/crossfed/crossfed/internal/wellknown"
)

func main() {
	// Structured JSON logging by default — easy to parse with any log aggregator.
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting crossfed bridge")

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("config loaded",
		"pds", cfg.PDSHost,
		"relay", cfg.RelayHost,
		"nostr_relay", cfg.DefaultNostrRelay,
		"database", cfg.DatabaseURL,
	)

	shadowSeed := os.Getenv("SHADOW_KEY_SEED")
	if shadowSeed == "" {
		slog.Error("SHADOW_KEY_SEED is not set")
		os.Exit(1)
	}

	// ─── Datastore ────────────────────────────────────────────────────────────
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── Shared infrastructure ────────────────────────────────────────────────
	reporter := reporting.New(nil)
	blocklist := reporting.NewBlocklist(cfg.BlockedDomains, nil)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
	}

	// ─── Oracles ──────────────────────────────────────────────────────────────
	plcClient := plc.New(cfg.PLCHost, cfg.HTTPTimeout)
	dnsResolver := &dnsattest.DNSResolver{Timeout: cfg.HTTPTimeout}
	dnsZone := dnsattest.NewZoneClient(cfg.DNSAPIBase, cfg.DNSZone, cfg.HandleDomains, cfg.HTTPTimeout)

	// ─── Identity adapters ────────────────────────────────────────────────────
	atproto := &identity.ATProto{
		Store:   st,
		PLC:     plcClient,
		DNS:     dnsResolver,
		Appview: cfg.AppviewHost,
		HTTP:    &http.Client{Timeout: cfg.HTTPTimeout},
	}
	nostrAdapter := &identity.Nostr{
		Store:        st,
		DefaultRelay: cfg.DefaultNostrRelay,
		Timeout:      cfg.HTTPTimeout,
	}

	// ─── Outbound path ────────────────────────────────────────────────────────
	signer, err := nostrpub.NewSigner(shadowSeed)
	if err != nil {
		slog.Error("bad SHADOW_KEY_SEED", "error", err)
		os.Exit(1)
	}
	publisher := nostrpub.NewPublisher()
	conv := &translate.Facade{}

	storage := repo.NewMemStorage()
	shadowSvc := shadow.New(cfg, st, storage, plcClient, dnsZone, conv, atproto)
	engine := send.New(cfg, st, conv, shadowSvc, signer, publisher, nostrAdapter)

	// ─── Task dispatcher ──────────────────────────────────────────────────────
	queue := tasks.NewMemQueue(cfg.ReceiveWorkers, cfg.CommitQueueSize)
	dispatcher := tasks.New(queue, rdb, cfg.UserRateLimit, cfg.UserRateWindow, reporter)
	queue.Bind(dispatcher)
	dispatcher.Register("receive", engine.Receive)
	dispatcher.Register("atproto-commit", func(ctx context.Context, t tasks.Task) error {
		// Relay broadcast is owned by the subscribeRepos server, not here.
		slog.Debug("atproto commit", "id", t.ID)
		return nil
	})

	// Every shadow-repo commit enqueues a notification task.
	storage.SetCommitCallback(func(c repo.Commit) {
		dispatcher.CreateTask(context.Background(), tasks.Task{
			Queue: "atproto-commit",
			ID:    c.DID,
		})
	})

	// ─── Graceful shutdown ────────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── User-set loader and firehoses ────────────────────────────────────────
	loader := userset.New(st, nostrAdapter, cfg.LoadUsersFreq)
	hub := firehose.NewNostrHub(cfg, st, loader, dispatcher, blocklist, reporter)
	loader.OnRelay = hub.AddRelay

	go loader.Run(ctx)
	if err := loader.WaitReady(ctx); err != nil {
		return
	}

	go queue.Start(ctx)
	go hub.Start(ctx)

	sub := firehose.NewATProtoSubscriber(cfg, st, loader, dispatcher, atproto, reporter)
	go sub.Handle(ctx)
	go func() {
		if err := sub.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("firehose subscriber died", "error", err)
			cancel()
		}
	}()

	// ─── HTTP servers ─────────────────────────────────────────────────────────
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("metrics listening", "port", cfg.MetricsPort)
		http.ListenAndServe(":"+cfg.MetricsPort, mux)
	}()

	wk := wellknown.New(cfg, st)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: wk.Router()}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	slog.Info("http listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server failed", "error", err)
	}

	slog.Info("crossfed bridge stopped")
}
