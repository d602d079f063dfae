package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	investgo "github.com/russianinvestments/invest-api-go-sdk/investgo"
	pb "github.com/russianinvestments/invest-api-go-sdk/proto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tradesim/internal/domain/entity/calendar"
	instrumententity "tradesim/internal/domain/entity/instruments"
	marketdataentity "tradesim/internal/domain/entity/marketdata"
	instrumentsrepo "tradesim/internal/infrastructure/instruments"
	marketdatarepo "tradesim/internal/infrastructure/marketdata"
)

const (
	defaultInvestEndpoint = "https://invest-public-api.tinkoff.ru:443"
	defaultAppName        = "tradesim-data-loader"

	// The candles endpoint caps one request at a year of minute bars.
	candlePageSpan = 365 * 24 * time.Hour
)

type dataConfig struct {
	Token         string
	Endpoint      string
	AppName       string
	SkipTLSVerify bool
	DatabaseDSN   string
	Tickers       []string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	instrumentRepo, err := instrumentsrepo.NewRepository(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatalf("connect postgres: %v", err)
	}
	defer instrumentRepo.Close()

	candleRepo, err := marketdatarepo.NewRepository(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatalf("connect postgres: %v", err)
	}
	defer candleRepo.Close()

	investCfg := investgo.Config{
		EndPoint:           cfg.Endpoint,
		Token:              cfg.Token,
		AppName:            cfg.AppName,
		InsecureSkipVerify: cfg.SkipTLSVerify,
	}

	client, err := investgo.NewClient(ctx, investCfg, logger)
	if err != nil {
		logger.Fatalf("create invest api client: %v", err)
	}
	defer func() {
		if stopErr := client.Stop(); stopErr != nil {
			logger.Errorf("stop invest api client: %v", stopErr)
		}
	}()

	instruments, err := resolveInstruments(client.NewInstrumentsServiceClient(), cfg.Tickers)
	if err != nil {
		logger.Fatalf("resolve instruments: %v", err)
	}

	marketData := client.NewMarketDataServiceClient()
	for _, inst := range instruments {
		if err := instrumentRepo.Upsert(ctx, inst); err != nil {
			logger.Fatalf("save instrument %s: %v", inst.Ticker, err)
		}
		synced, err := syncCandles(ctx, marketData, candleRepo, inst, logger)
		if err != nil {
			logger.Fatalf("sync candles for %s: %v", inst.Ticker, err)
		}
		logger.WithFields(logrus.Fields{
			"ticker":  inst.Ticker,
			"candles": synced,
		}).Info("instrument synced")
	}
	logger.Info("historical data sync finished")
}

func loadConfig() (*dataConfig, error) {
	_ = godotenv.Load()

	token := strings.TrimSpace(os.Getenv("INVEST_TOKEN"))
	if token == "" {
		return nil, errors.New("INVEST_TOKEN is required")
	}

	dsn := strings.TrimSpace(os.Getenv("DATABASE_DSN"))
	if dsn == "" {
		return nil, errors.New("DATABASE_DSN is required")
	}

	tickers := splitList(os.Getenv("SYNC_TICKERS"))
	if len(tickers) == 0 {
		return nil, errors.New("SYNC_TICKERS is required")
	}

	return &dataConfig{
		Token:         token,
		Endpoint:      envOrDefault("INVEST_ENDPOINT", defaultInvestEndpoint),
		AppName:       envOrDefault("INVEST_APP_NAME", defaultAppName),
		SkipTLSVerify: boolEnv("INVEST_INSECURE_SKIP_VERIFY", true),
		DatabaseDSN:   dsn,
		Tickers:       tickers,
	}, nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func boolEnv(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	switch strings.ToLower(value) {
	case "1", "t", "true", "yes", "y":
		return true
	case "0", "f", "false", "no", "n":
		return false
	default:
		return fallback
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}

// resolveInstruments matches the requested tickers against the exchange's
// share and futures listings.
func resolveInstruments(client *investgo.InstrumentsServiceClient, tickers []string) ([]*instrumententity.Instrument, error) {
	wanted := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		wanted[t] = true
	}
	found := make(map[string]*instrumententity.Instrument, len(tickers))

	shares, err := client.Shares(pb.InstrumentStatus_INSTRUMENT_STATUS_BASE)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	for _, s := range shares.GetInstruments() {
		ticker := strings.ToUpper(s.GetTicker())
		if !wanted[ticker] || found[ticker] != nil {
			continue
		}
		inst, err := shareToDomain(s)
		if err != nil {
			return nil, fmt.Errorf("share %s: %w", ticker, err)
		}
		found[ticker] = inst
	}

	futures, err := client.Futures(pb.InstrumentStatus_INSTRUMENT_STATUS_BASE)
	if err != nil {
		return nil, fmt.Errorf("list futures: %w", err)
	}
	for _, f := range futures.GetInstruments() {
		ticker := strings.ToUpper(f.GetTicker())
		if !wanted[ticker] || found[ticker] != nil {
			continue
		}
		inst, err := futureToDomain(f)
		if err != nil {
			return nil, fmt.Errorf("future %s: %w", ticker, err)
		}
		found[ticker] = inst
	}

	out := make([]*instrumententity.Instrument, 0, len(tickers))
	for _, t := range tickers {
		inst, ok := found[t]
		if !ok {
			return nil, fmt.Errorf("ticker %s: %w", t, instrumententity.ErrNotFound)
		}
		out = append(out, inst)
	}
	return out, nil
}

func shareToDomain(s *pb.Share) (*instrumententity.Instrument, error) {
	uid, err := uuid.Parse(s.GetUid())
	if err != nil {
		return nil, fmt.Errorf("parse uid: %w", err)
	}
	return &instrumententity.Instrument{
		UID:               uid,
		Figi:              s.GetFigi(),
		Ticker:            strings.ToUpper(s.GetTicker()),
		Class:             calendar.ClassShare,
		Lot:               s.GetLot(),
		MinPriceIncrement: quotationToDecimal(s.GetMinPriceIncrement()),
		FirstCandleDate:   protoTime(s.GetFirst_1MinCandleDate()),
		ShortEnabled:      s.GetShortEnabledFlag(),
		KLong:             quotationToDecimal(s.GetKlong()),
	}, nil
}

func futureToDomain(f *pb.Future) (*instrumententity.Instrument, error) {
	uid, err := uuid.Parse(f.GetUid())
	if err != nil {
		return nil, fmt.Errorf("parse uid: %w", err)
	}
	return &instrumententity.Instrument{
		UID:               uid,
		Figi:              f.GetFigi(),
		Ticker:            strings.ToUpper(f.GetTicker()),
		Class:             calendar.ClassFuture,
		Lot:               f.GetLot(),
		MinPriceIncrement: quotationToDecimal(f.GetMinPriceIncrement()),
		FirstCandleDate:   protoTime(f.GetFirst_1MinCandleDate()),
		ShortEnabled:      f.GetShortEnabledFlag(),
		KLong:             quotationToDecimal(f.GetKlong()),
	}, nil
}

// syncCandles pages minute candles a year at a time, resuming after the last
// stored bar.
func syncCandles(
	ctx context.Context,
	client *investgo.MarketDataServiceClient,
	repo *marketdatarepo.Repository,
	inst *instrumententity.Instrument,
	logger *logrus.Logger,
) (int, error) {
	from := inst.FirstCandleDate
	last, err := repo.LastCandle(ctx, inst.UID)
	switch {
	case err == nil:
		from = last.Time.Add(time.Minute)
	case errors.Is(err, marketdataentity.ErrNoHistoricalData):
	default:
		return 0, err
	}

	total := 0
	now := time.Now().UTC()
	for from.Before(now) {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		to := from.Add(candlePageSpan)
		if to.After(now) {
			to = now
		}

		page, err := client.GetHistoricCandles(&investgo.GetHistoricCandlesRequest{
			Instrument: inst.UID.String(),
			Interval:   pb.CandleInterval_CANDLE_INTERVAL_1_MIN,
			From:       from,
			To:         to,
		})
		if err != nil {
			return total, fmt.Errorf("fetch candles %s..%s: %w", from.Format(time.DateOnly), to.Format(time.DateOnly), err)
		}

		batch := make([]marketdataentity.Candle, 0, len(page))
		for _, c := range page {
			if !c.GetIsComplete() {
				continue
			}
			batch = append(batch, marketdataentity.Candle{
				InstrumentUID: inst.UID,
				Time:          protoTime(c.GetTime()),
				Open:          c.GetOpen().ToFloat(),
				High:          c.GetHigh().ToFloat(),
				Low:           c.GetLow().ToFloat(),
				Close:         c.GetClose().ToFloat(),
				Volume:        c.GetVolume(),
			})
		}
		if err := repo.AddCandles(ctx, batch); err != nil {
			return total, fmt.Errorf("store candles: %w", err)
		}
		total += len(batch)
		logger.WithFields(logrus.Fields{
			"ticker": inst.Ticker,
			"from":   from.Format(time.DateOnly),
			"to":     to.Format(time.DateOnly),
			"stored": len(batch),
		}).Debug("candle page stored")
		from = to
	}
	return total, nil
}

func quotationToDecimal(q *pb.Quotation) decimal.Decimal {
	if q == nil {
		return decimal.Zero
	}
	return decimal.NewFromFloat(q.ToFloat()).Round(9)
}

func protoTime(ts interface{ AsTime() time.Time }) time.Time {
	if ts == nil {
		return time.Time{}
	}
	return ts.AsTime().UTC()
}
