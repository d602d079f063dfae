package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"tradesim/internal/application/service/backtest"
	appmarketdata "tradesim/internal/application/service/marketdata"
	"tradesim/internal/application/service/matching"
	"tradesim/internal/application/service/period"
	"tradesim/internal/application/service/pipeline"
	"tradesim/internal/application/service/refine"
	"tradesim/internal/config"
	"tradesim/internal/domain/entity/calendar"
	marketdataentity "tradesim/internal/domain/entity/marketdata"
	"tradesim/internal/infrastructure/broker"
	infrainstruments "tradesim/internal/infrastructure/instruments"
	inframarketdata "tradesim/internal/infrastructure/marketdata"
	infrahttp "tradesim/internal/interfaces/http"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := run(logger); err != nil {
		logger.WithError(err).Fatal("backtest failed")
	}
}

func run(logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Env == config.EnvProduction {
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetLevel(logrus.DebugLevel)
	}

	candleRepo, err := inframarketdata.NewRepository(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect candle repository: %w", err)
	}
	defer candleRepo.Close()

	instrumentRepo, err := infrainstruments.NewRepository(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect instrument repository: %w", err)
	}
	defer instrumentRepo.Close()

	var cache *redis.Client
	if cfg.Redis.Addr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := cache.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("redis unavailable, responses will not be cached")
			cache = nil
		}
	}

	mdService := appmarketdata.NewService(candleRepo)

	schedule := calendar.MOEX()
	tracker, err := period.New(schedule, calendar.Classes(), cfg.Backtest.Start, time.Minute)
	if err != nil {
		return fmt.Errorf("start period tracker: %w", err)
	}

	engine := matching.New(matching.Config{
		BidPriceField:         cfg.Matching.BidPriceField,
		AskPriceField:         cfg.Matching.AskPriceField,
		MarketOrderPriceField: cfg.Matching.MarketOrderPriceField,
		BuyFillField:          cfg.Matching.BuyFillField,
		SellFillField:         cfg.Matching.SellFillField,
		CandleLag:             cfg.Matching.CandleLag,
		StartingCash:          cfg.Matching.StartingCash,
		CommissionRate:        cfg.Matching.CommissionRate,
	}, tracker)

	registry := pipeline.NewRegistry(mdService, schedule)
	// Candles arriving through the broker consumer feed the shared graph.
	mdService.Subscribe(func(c marketdataentity.Candle) {
		registry.Offer(c.InstrumentUID, []marketdataentity.Candle{c})
	})
	svc := backtest.New(tracker, engine, registry)

	for _, ticker := range cfg.Backtest.Tickers {
		if err := registerTicker(ctx, cfg, logger, svc, engine, registry, instrumentRepo, mdService, schedule, ticker); err != nil {
			return fmt.Errorf("register %s: %w", ticker, err)
		}
	}

	consumer, err := broker.NewConsumer(cfg.Rabbit, mdService, logger)
	if err != nil {
		logger.WithError(err).Warn("broker consumer disabled")
	} else if err := consumer.Start(ctx); err != nil {
		logger.WithError(err).Warn("broker consumer disabled")
	} else {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := consumer.Close(closeCtx); err != nil {
				logger.WithError(err).Error("close broker consumer")
			}
		}()
	}

	handler := infrahttp.NewHandler(engine, mdService, instrumentRepo, cache, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	server := &http.Server{
		Addr:    cfg.HTTP.Addr(),
		Handler: handler,
	}
	go func() {
		logger.WithField("addr", server.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("http server stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("shutdown http server")
		}
	}()

	ticks, err := svc.Run(ctx, cfg.Backtest.End)
	if err != nil {
		return fmt.Errorf("run simulation: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"ticks":     ticks,
		"cash":      engine.Cash().String(),
		"positions": engine.Positions(),
	}).Info("simulation finished")
	return nil
}

// registerTicker loads one instrument's history, seeds the exchange with it
// and attaches a fitted mean reversion strategy.
func registerTicker(
	ctx context.Context,
	cfg *config.Config,
	logger *logrus.Logger,
	svc *backtest.Service,
	engine *matching.Engine,
	registry *pipeline.Registry,
	instrumentRepo *infrainstruments.Repository,
	mdService *appmarketdata.Service,
	schedule *calendar.Schedule,
	ticker string,
) error {
	inst, err := instrumentRepo.GetByTicker(ctx, ticker)
	if err != nil {
		return fmt.Errorf("get instrument: %w", err)
	}

	raw, err := mdService.CandlesBetween(ctx, inst.UID, inst.FirstCandleDate, cfg.Backtest.End)
	if err != nil {
		return fmt.Errorf("load candles: %w", err)
	}
	refined, err := refine.New(schedule, inst.Class, inst.FirstCandleDate, 0).Refine(raw, cfg.Backtest.End)
	if err != nil {
		return fmt.Errorf("refine candles: %w", err)
	}
	if err := engine.AddInstrument(inst, refined); err != nil {
		return fmt.Errorf("add instrument to exchange: %w", err)
	}

	pipe, err := registry.NewPipeline(inst).AddNodes(
		pipeline.RemoveZeroActivity{},
		&pipeline.LogReturns{},
		pipeline.NewLag(3),
		backtest.NewThresholdModel(2),
	)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	if err := pipe.Load(ctx, cfg.Backtest.CheckpointDir, cfg.Backtest.Start); err != nil {
		if !errors.Is(err, pipeline.ErrNoCheckpoint) {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		logger.WithField("ticker", ticker).Info("no checkpoint found, fitting model")
		if err := pipe.Fit(ctx, cfg.Backtest.Start); err != nil {
			return fmt.Errorf("fit pipeline: %w", err)
		}
		if err := pipe.Save(cfg.Backtest.CheckpointDir); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
	}

	svc.AddStrategy(backtest.NewMeanReversionStrategy(inst, pipe))
	return nil
}
