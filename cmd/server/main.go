package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/rideshare-core/internal/bidding"
	"github.com/example/rideshare-core/internal/config"
	"github.com/example/rideshare-core/internal/dispatch"
	"github.com/example/rideshare-core/internal/events"
	"github.com/example/rideshare-core/internal/geo"
	httpapi "github.com/example/rideshare-core/internal/http"
	"github.com/example/rideshare-core/internal/ingest"
	"github.com/example/rideshare-core/internal/logging"
	"github.com/example/rideshare-core/internal/matcher"
	"github.com/example/rideshare-core/internal/payments"
	"github.com/example/rideshare-core/internal/rides"
	"github.com/example/rideshare-core/internal/settlement"
	"github.com/example/rideshare-core/internal/storage"
	"github.com/example/rideshare-core/internal/vouchers"
)

func main() {
	cfg, cfgErr := config.LoadServerConfig()

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	if cfgErr != nil {
		logger.Fatal("invalid configuration", zap.Error(cfgErr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ready []httpapi.Pinger
	var closers []func() error

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("storage unavailable", zap.Error(err))
	}
	ready = append(ready, store)
	if c, ok := store.(interface{ Close() error }); ok {
		closers = append(closers, c.Close)
	}

	var dir geo.Directory = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		dir = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		ready = append(ready, redisPinger{rc})
		closers = append(closers, rc.Close)
		logger.Info("driver directory on redis", zap.String("addr", cfg.RedisAddr))
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process driver directory")
	}

	ws := dispatch.NewWSRegistry(logger)
	sinks := events.Multi{events.LogSink{Logger: logger}, dispatch.NewPushDispatcher(cfg.PushEndpoint, ws)}

	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		ks := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		sinks = append(sinks, ks)
		closers = append(closers, ks.Close)

		lp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		locations = lp
		closers = append(closers, lp.Close)
	}
	if cfg.AMQPURL != "" {
		as, err := events.DialAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Warn("amqp sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, as)
			closers = append(closers, as.Close)
		}
	}
	emitter := events.NewEmitter(sinks, logger, cfg.EventPublishTimeout)

	var charger payments.Charger = payments.NewOffline()
	if cfg.StripeAPIKey != "" {
		charger = payments.NewStripeClient(cfg.StripeAPIKey, cfg.StripeCurrency)
	} else {
		logger.Warn("STRIPE_API_KEY not set, charges are simulated")
	}

	d := cfg.Domain
	rideSvc := rides.NewService(store, emitter, logger, rides.Config{
		DefaultCapacity: d.DefaultCapacity,
		ShareWindow:     d.ShareWindow,
		H3Resolution:    d.H3Resolution,
	})
	bidSvc := bidding.NewService(store, dir, matcher.NewService(dir, d.MatchRadiusKm, d.RestrictedGender), rideSvc, emitter, logger, bidding.Config{
		BidTTL:           d.BidTTL,
		RestrictedGender: d.RestrictedGender,
		DefaultCapacity:  d.DefaultCapacity,
	})
	voucherSvc := vouchers.NewService(store, logger)
	settleSvc := settlement.NewService(store, charger, voucherSvc, emitter, logger, settlement.Config{
		CommissionRate:  d.CommissionRate,
		WaiverThreshold: d.WaiverThreshold,
		TipMin:          d.TipMin,
		TipMax:          d.TipMax,
		Currency:        d.SettlementCurrency,
	})

	go bidSvc.RunExpirySweep(ctx, cfg.BidSweepInterval)

	api := httpapi.NewServer(httpapi.Deps{
		Bidding:    bidSvc,
		Rides:      rideSvc,
		Settlement: settleSvc,
		Vouchers:   voucherSvc,
		Directory:  dir,
		Locations:  locations,
		WS:         ws,
		Ready:      ready,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("rideshare api listening", zap.String("addr", cfg.HTTPAddr), zap.String("env", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}
}

// openStore picks Postgres when PG_DSN is set, applying migrations on request.
func openStore(cfg config.ServerConfig, logger *zap.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := storage.Migrate(pg.DB()); err != nil {
			_ = pg.Close()
			return nil, err
		}
		logger.Info("migrations applied")
	}
	return pg, nil
}

type redisPinger struct{ c *redis.Client }

func (r redisPinger) Ping(ctx context.Context) error { return r.c.Ping(ctx).Err() }
