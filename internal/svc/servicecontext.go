package svc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/redis"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"github.com/irgendwasmitfelix/TradingBot/internal/config"
	"github.com/irgendwasmitfelix/TradingBot/pkg/confkit"
	exchangepkg "github.com/irgendwasmitfelix/TradingBot/pkg/exchange"
	_ "github.com/irgendwasmitfelix/TradingBot/pkg/exchange/kraken"
	"github.com/irgendwasmitfelix/TradingBot/pkg/exchange/sim"
	"github.com/irgendwasmitfelix/TradingBot/pkg/journal"
	"github.com/irgendwasmitfelix/TradingBot/pkg/ledger"
	managerpkg "github.com/irgendwasmitfelix/TradingBot/pkg/manager"
	"github.com/irgendwasmitfelix/TradingBot/pkg/pairs"
)

const dryRunSuffix = ".dryrun"

// Options adjust how the service context is assembled.
type Options struct {
	// DryRun routes orders to an in-memory paper exchange that reads market
	// data from the configured venue.
	DryRun bool
}

type ServiceContext struct {
	Config config.Config
	DryRun bool

	BotConfig    *managerpkg.Config
	BotWatcher   *confkit.Watcher[managerpkg.Config]
	ExchangeName string
	Exchange     exchangepkg.Provider
	Store        ledger.StartBalanceStore
	Journal      *journal.Writer

	// Set only for the matching store backend.
	DBConn sqlx.SqlConn
	Redis  *redis.Redis
}

func NewServiceContext(c config.Config, opts Options) (*ServiceContext, error) {
	bot, err := c.BotConfig()
	if err != nil {
		return nil, err
	}
	svc := &ServiceContext{
		Config:    c,
		DryRun:    opts.DryRun,
		BotConfig: bot,
		Journal:   journal.NewWriter(bot.JournalDir),
	}

	if strings.TrimSpace(c.Bot.File) != "" {
		watcher, err := confkit.NewWatcher(c.Bot.File, managerpkg.LoadConfig)
		if err != nil {
			return nil, fmt.Errorf("watch bot config: %w", err)
		}
		svc.BotWatcher = watcher
	}

	if err := svc.initExchange(); err != nil {
		return nil, err
	}
	if err := svc.initStore(); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *ServiceContext) initExchange() error {
	name, pcfg, err := s.Config.DefaultExchange()
	if err != nil {
		return err
	}
	provider, err := exchangepkg.GetProvider(pcfg.Type, pcfg)
	if err != nil {
		return fmt.Errorf("build exchange provider %s: %w", name, err)
	}
	s.ExchangeName = name
	s.Exchange = provider

	if !s.DryRun {
		return nil
	}
	if _, isSim := provider.(*sim.Provider); isSim {
		return nil
	}
	quote := s.BotConfig.QuoteCurrency
	s.Exchange = sim.New(
		sim.WithMarketData(provider),
		sim.WithQuoteAsset(quote),
		sim.WithFeeRate(decimal.NewFromFloat(s.Config.DryRun.FeeRate)),
		sim.WithBalance(quote, decimal.NewFromFloat(s.Config.DryRun.InitialBalance)),
	)
	s.ExchangeName = name + dryRunSuffix
	logx.Infof("svc: dry run, paper exchange with %.2f %s over %s market data",
		s.Config.DryRun.InitialBalance, quote, name)
	return nil
}

// initStore picks the start-balance backend. Dry runs get their own key so
// the live start balance is never written by paper trading.
func (s *ServiceContext) initStore() error {
	st := s.Config.Store
	key := st.Key
	if s.DryRun {
		key += dryRunSuffix
	}
	switch st.Backend {
	case "", config.StoreFile:
		path := st.Path
		if s.DryRun {
			path += dryRunSuffix
		}
		s.Store = ledger.NewFileStore(path)
	case config.StorePostgres:
		conn := sqlx.NewSqlConn("pgx", st.Postgres.DSN)
		if db, err := conn.RawDB(); err == nil {
			db.SetMaxOpenConns(st.Postgres.MaxOpen)
			db.SetMaxIdleConns(st.Postgres.MaxIdle)
		}
		s.DBConn = conn
		s.Store = ledger.NewPostgresStore(conn, key)
	case config.StoreRedis:
		rds, err := redis.NewRedis(st.Redis)
		if err != nil {
			return fmt.Errorf("connect redis store: %w", err)
		}
		s.Redis = rds
		s.Store = ledger.NewRedisStore(rds, key)
	default:
		return fmt.Errorf("unknown store backend %q", st.Backend)
	}
	return nil
}

// NewRunner assembles the trading loop.
func (s *ServiceContext) NewRunner() (*managerpkg.Runner, error) {
	opts := []managerpkg.RunnerOption{
		managerpkg.WithJournal(s.Journal),
		managerpkg.WithLedgerOptions(ledger.WithStartBalanceStore(s.Store)),
	}
	if s.BotWatcher != nil {
		opts = append(opts, managerpkg.WithReloader(s.reloadBot))
	}
	return managerpkg.NewRunner(s.BotConfig, s.Exchange, opts...)
}

func (s *ServiceContext) reloadBot() (*managerpkg.Config, error) {
	cfg, changed, err := s.BotWatcher.Load()
	if err != nil {
		return nil, err
	}
	if changed {
		logx.Infof("svc: bot config %s changed on disk", s.BotWatcher.Path())
	}
	return cfg, nil
}

// Reconcile rebuilds positions, counter and cashflow without taking the
// instance lock or trading.
func (s *ServiceContext) Reconcile(ctx context.Context) (*ledger.Book, []pairs.Spec, error) {
	cfg := s.BotConfig
	registry := pairs.NewRegistry(s.Exchange)
	specs, skipped, err := registry.ResolveAll(ctx, cfg.Pairs)
	if err != nil {
		return nil, nil, err
	}
	for raw, reason := range skipped {
		logx.Slowf("svc: excluding pair %s: %v", raw, reason)
	}
	if len(specs) == 0 {
		return nil, nil, errors.New("svc: no tradable pairs configured")
	}
	symbols := make([]string, 0, len(specs))
	for _, spec := range specs {
		symbols = append(symbols, spec.Normalized)
	}
	recon := ledger.NewReconstructor(s.Exchange, registry,
		ledger.WithAnchor(cfg.CounterAnchor),
		ledger.WithLookback(cfg.HistoryLookback),
		ledger.WithMaxPages(cfg.HistoryMaxPages),
		ledger.WithQuoteAsset(cfg.QuoteCurrency),
		ledger.WithStartBalanceStore(s.Store),
	)
	book, err := recon.Reconstruct(ctx, symbols)
	if err != nil {
		return nil, nil, err
	}
	return book, specs, nil
}
