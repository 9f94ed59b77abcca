package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callmeter/internal/audit"
	"callmeter/internal/auth"
	"callmeter/internal/billing"
	"callmeter/internal/calls"
	"callmeter/internal/config"
	"callmeter/internal/httpapi"
	"callmeter/internal/pricing"
	"callmeter/internal/publisher"
	"callmeter/internal/reporting"
	"callmeter/internal/sweeper"
	"callmeter/pkg/logger"
	"callmeter/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const sweepLeaseKey = "callmeter:sweeper:lease"

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, dialect, err := openDB(rootCtx, cfg)
	if err != nil {
		log.Error("database init failed", "driver", cfg.DB.Driver, "err", err)
		os.Exit(1)
	}
	defer db.Close()

	store := calls.NewSQLStore(db, dialect)
	auditRepo := audit.NewSQLRepo(db, dialect)
	rateRepo := pricing.NewSQLRepo(db, dialect)
	for name, m := range map[string]interface{ Migrate(context.Context) error }{
		"calls":   store,
		"audit":   auditRepo,
		"pricing": rateRepo,
	} {
		if err := m.Migrate(rootCtx); err != nil {
			log.Error("migration failed", "schema", name, "err", err)
			os.Exit(1)
		}
	}

	var lease sweeper.Lease
	if addr := cfg.RedisAddr(); addr != "" {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: addr, Password: cfg.Redis.Password})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		lease = newSweepLease(rdb, cfg.Sweep.Interval)
	} else {
		log.Warn("redis not configured; sweeper runs without a lease")
	}

	pub, err := openPublisher(rootCtx, cfg)
	if err != nil {
		log.Error("mqtt init failed", "err", err)
		os.Exit(1)
	}
	defer pub.Close()

	auditSvc := audit.NewService(auditRepo)
	events := publisher.NewCallEvents(pub, cfg.MQTT.TopicPrefix, log, cfg.MQTT.QueueSize)
	reports := reporting.NewService(store, log).WithAudit(auditSvc).WithSink(events)

	ctrl := calls.NewController(store, log, calls.Options{ResetStartOnConnect: cfg.Calls.ResetStartOnConnect})
	ctrl.Observe(events)
	ctrl.Observe(reports)

	h := httpapi.Handlers{
		Calls:   ctrl,
		Store:   store,
		Ledger:  billing.NewLedger(store, log),
		Reports: reports,
		Pricing: pricing.NewService(rateRepo, cfg.Pricing.DefaultPointsPerMinute),
		Audit:   auditSvc,
	}

	sw := sweeper.New(sweeper.Config{
		Interval:    cfg.Sweep.Interval,
		RingTimeout: cfg.Calls.RingTimeout,
		IdleTimeout: cfg.Calls.IdleTimeout,
		BatchSize:   cfg.Sweep.BatchSize,
	}, store, ctrl, lease, log).WithAudit(auditSvc)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sw.Run(rootCtx)
	}()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, auth.RequireServiceToken(authManager), h, func(ctx context.Context) error {
		return utils.HealthCheck(ctx, db, 2*time.Second)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "db_driver", cfg.DB.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	select {
	case <-sweepDone:
	case <-shutdownCtx.Done():
		log.Warn("sweeper did not stop before shutdown deadline")
	}
	if err := events.Close(shutdownCtx); err != nil {
		log.Warn("call events not flushed", "err", err)
	}
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, utils.Dialect, error) {
	switch cfg.DB.Driver {
	case "postgres":
		db, err := utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PoolConfig{})
		return db, utils.DialectPostgres, err
	case "sqlite":
		db, err := utils.OpenSQLite(ctx, cfg.DB.SQLitePath)
		return db, utils.DialectSQLite, err
	default:
		return nil, "", fmt.Errorf("unsupported db driver %q", cfg.DB.Driver)
	}
}

func openPublisher(ctx context.Context, cfg config.Config) (publisher.Publisher, error) {
	if cfg.MQTT.Broker == "" {
		return publisher.Nop{}, nil
	}
	return publisher.NewMQTTPublisher(ctx, publisher.MQTTOptions{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		QoS:            byte(cfg.MQTT.QoS),
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
	})
}

// newSweepLease outlives one sweep by a margin so a slow pass is not doubled,
// and still expires if the holder dies.
func newSweepLease(rdb *redis.Client, interval time.Duration) utils.RedisLease {
	ttl := 2 * interval
	if ttl < 30*time.Second {
		ttl = 30 * time.Second
	}
	return utils.RedisLease{Client: rdb, Key: sweepLeaseKey, TTL: ttl}
}
