// Command visasync runs one bulk visa synchronization pass over every user
// holding visas, then publishes their recomputed access grants. Intended to
// run on a schedule.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"visabroker/internal/access"
	"visabroker/internal/access/kafka"
	"visabroker/internal/ga4gh"
	"visabroker/internal/idp"
	"visabroker/internal/idp/ras"
	"visabroker/internal/platform/config"
	"visabroker/internal/platform/logger"
	"visabroker/internal/platform/metrics"
	"visabroker/internal/storage/postgres"
	"visabroker/internal/visasync"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PostgresDSN == "" {
		log.Error("POSTGRES_DSN is required for the bulk job")
		os.Exit(1)
	}
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Error("could not open postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	store := postgres.New(db)

	discovery := idp.NewDiscoveryCache(nil)
	keyCache := ga4gh.NewKeyCache(nil, discovery, m)
	visaValidator := ga4gh.NewValidator(cfg.VisaIssuerAllowlist, log, m)
	provider := ras.New(cfg.RAS, discovery, keyCache, store, nil, log)

	engine := visasync.NewEngine(provider, store, visaValidator, log, m,
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

	report, err := engine.SyncAll(ctx, store, keyCache, cfg.SyncWorkers)
	if err != nil {
		log.Error("bulk sync aborted", "error", err)
		os.Exit(1)
	}

	if err := propagateGrants(ctx, store, syncer, cfg.ParseConsentCode, log); err != nil {
		log.Error("grant propagation failed", "error", err)
		os.Exit(1)
	}

	if len(report.Failed) > 0 {
		log.Warn("bulk sync finished with failures",
			"total", report.Total, "succeeded", report.Succeeded, "failed", report.Failed)
		os.Exit(1)
	}
	log.Info("bulk sync finished", "total", report.Total)
}

// propagateGrants recomputes and publishes every synced user's access.
func propagateGrants(ctx context.Context, store *postgres.Store, syncer access.Syncer, parseConsentCode bool, log *slog.Logger) error {
	users, err := store.ListWithVisas(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for i := range users {
		user := users[i]
		visas, err := store.ListByUser(ctx, user.ID)
		if err != nil {
			log.ErrorContext(ctx, "visa lookup failed", "user", user.Username, "error", err)
			continue
		}
		result := access.MapVisas(&user, visas, now, parseConsentCode)
		if result.ExpiredSeen {
			if err := store.DeleteByUser(ctx, user.ID); err != nil {
				log.ErrorContext(ctx, "could not clear expired visa set", "user", user.Username, "error", err)
			}
		}
		if err := syncer.SyncAccess(ctx, access.NewGrant(user.Username, result, now)); err != nil {
			log.ErrorContext(ctx, "grant publish failed", "user", user.Username, "error", err)
		}
	}
	return nil
}
