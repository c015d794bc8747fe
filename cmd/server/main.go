package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"visabroker/internal/access"
	"visabroker/internal/access/kafka"
	"visabroker/internal/auth/store/blacklist"
	"visabroker/internal/auth/token"
	"visabroker/internal/auth/validator"
	"visabroker/internal/ga4gh"
	"visabroker/internal/idp"
	"visabroker/internal/idp/ras"
	"visabroker/internal/platform/config"
	"visabroker/internal/platform/httpserver"
	"visabroker/internal/platform/logger"
	"visabroker/internal/platform/metrics"
	platformredis "visabroker/internal/platform/redis"
	"visabroker/internal/storage"
	"visabroker/internal/storage/postgres"
	httptransport "visabroker/internal/transport/http"
	"visabroker/internal/visasync"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Business logic lives in internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores: Postgres when configured, in-memory for development.
	var (
		users    storage.UserStore
		visas    storage.VisaStore
		clients  storage.ClientStore
		upstream storage.UpstreamTokenStore
		bl       blacklist.Store
	)
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Error("could not open postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		store := postgres.New(db)
		users, visas, clients, upstream = store, store, store, store
		bl = blacklist.NewPostgres(db)
	} else {
		store := storage.NewMemoryStore()
		users, visas, clients, upstream = store, store, store, store
		bl = blacklist.NewMemory()
	}

	// Redis, when present, takes over the blacklist for low-latency lookups.
	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		log.Error("could not connect to redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		bl = blacklist.NewRedis(redisClient.Client)
	}

	discovery := idp.NewDiscoveryCache(nil)
	keyCache := ga4gh.NewKeyCache(nil, discovery, m)
	visaValidator := ga4gh.NewValidator(cfg.VisaIssuerAllowlist, log, m)
	provider := ras.New(cfg.RAS, discovery, keyCache, upstream, nil, log)

	engine := visasync.NewEngine(provider, visas, visaValidator, log, m,
		visasync.WithRetry(uint(cfg.SyncAttempts), time.Second),
		visasync.WithUserTimeout(cfg.SyncUserTimeout),
	)

	var syncer access.Syncer = access.NewMemorySyncer()
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := kafka.NewPublisher(ctx, cfg.KafkaBrokers, cfg.GrantTopic, log)
		if err != nil {
			log.Error("could not connect to kafka", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		syncer = publisher
	}

	tokens := token.NewService(cfg.JWTSigningKey, cfg.HostIssuer)
	bearerValidator := validator.New(cfg.JWTSigningKey, cfg.HostIssuer, bl, log)

	handler := httptransport.NewHandler(
		log, provider, users, visas, clients,
		engine, keyCache, syncer, tokens, bearerValidator,
		cfg.ParseConsentCode,
	)
	srv := httpserver.New(cfg.Addr, httptransport.NewRouter(handler))

	log.Info("starting visabroker", "addr", cfg.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
}
