// README: Composition root; builds stores, services, the realtime hub and background loops.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"propmove/internal/config"
	httptransport "propmove/internal/http"
	"propmove/internal/infra"
	"propmove/internal/metrics"
	"propmove/internal/modules/dispatch"
	"propmove/internal/modules/earnings"
	"propmove/internal/modules/location"
	"propmove/internal/modules/pricing"
	"propmove/internal/modules/rating"
	"propmove/internal/modules/realtime"
	"propmove/internal/modules/trip"
)

type app struct {
	cfg      config.Config
	log      *logrus.Logger
	db       *pgxpool.Pool
	redis    *redis.Client
	hub      *realtime.Hub
	trips    *trip.Service
	dispatch *dispatch.Service
	server   *httptransport.Server
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	log := infra.NewLogger(cfg.Log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	tz, err := time.LoadLocation(cfg.Pricing.Timezone)
	if err != nil {
		return nil, fmt.Errorf("pricing timezone %q: %w", cfg.Pricing.Timezone, err)
	}

	db, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	rdb := infra.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)

	hub := realtime.NewHub(newBridge(cfg.Realtime, rdb, log, m), log, m)

	pricingStore := pricing.NewStore(db)
	pricingSvc := pricing.NewService(pricingStore, tz, m)

	tripStore := trip.NewStore(db)
	locationSvc := location.NewService(location.NewStore(db), trip.ActiveTripFinder{Store: tripStore}, hub, log)
	earningsStore := earnings.NewStore(db)

	tripSvc := trip.NewService(trip.Deps{
		Store:    tripStore,
		Drivers:  locationSvc,
		Ledger:   earnings.NewLedger(pricingStore),
		Ratings:  rating.NewService(rating.NewStore(db)),
		Notifier: hub,
		Metrics:  m,
		Log:      log,
	})

	dispatchSvc := dispatch.NewService(dispatch.Deps{
		Store:    dispatch.NewStore(rdb),
		Pricer:   pricingSvc,
		Drivers:  locationSvc,
		Trips:    tripSvc,
		Notifier: hub,
		Metrics:  m,
		Log:      log,
	}, cfg.Dispatch)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Dispatch:  dispatchSvc,
		Trips:     tripSvc,
		Location:  locationSvc,
		Earnings:  earningsStore,
		Audits:    pricingStore,
		Hub:       hub,
		Gatherer:  reg,
		Log:       log,
		KeepAlive: cfg.Realtime.KeepAlive,
		SinkSize:  cfg.Realtime.SinkBuffer,
	})

	return &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		redis:    rdb,
		hub:      hub,
		trips:    tripSvc,
		dispatch: dispatchSvc,
		server:   httptransport.NewServer(cfg.HTTP.Addr, router, log),
	}, nil
}

// newBridge returns nil for the "none" broker, which keeps delivery local.
func newBridge(cfg config.RealtimeConfig, rdb *redis.Client, log logrus.FieldLogger, m *metrics.Metrics) *realtime.Bridge {
	origin := cfg.InstanceID
	if origin == "" {
		host, _ := os.Hostname()
		origin = host + "-" + uuid.NewString()[:8]
	}
	var broker realtime.Broker
	switch cfg.Broker {
	case "redis":
		broker = realtime.NewRedisBroker(rdb)
	case "nats":
		broker = realtime.NewNATSBroker(cfg.NATSURL, "propmove-"+origin)
	default:
		return nil
	}
	return realtime.NewBridge(broker, realtime.BridgeConfig{
		Origin:     origin,
		QueueSize:  cfg.QueueSize,
		BackoffMin: cfg.BackoffMin,
		BackoffMax: cfg.BackoffMax,
	}, log, m)
}

// Run blocks until ctx ends or the server fails; background loops stop with it.
func (a *app) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.hub.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.dispatch.RunScheduler(ctx)
	}()
	go func() {
		defer wg.Done()
		a.trips.RunExpirySweeper(ctx, a.cfg.Dispatch.ExpirySweep)
	}()

	a.log.WithFields(logrus.Fields{
		"broker": a.cfg.Realtime.Broker,
		"bands":  a.cfg.Dispatch.BandsKm,
	}).Info("propmove api starting")
	err := a.server.Run(ctx)
	cancel()
	wg.Wait()
	return err
}

func (a *app) Close() {
	a.hub.Stop()
	if err := a.redis.Close(); err != nil {
		a.log.WithError(err).Warn("close redis")
	}
	a.db.Close()
}
