package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"salesescrow/internal/config"
	"salesescrow/internal/escrow"
	"salesescrow/internal/events"
	"salesescrow/internal/idempotency"
	"salesescrow/internal/ledger"
	"salesescrow/internal/logging"
	"salesescrow/internal/server"
	"salesescrow/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		JSON:       cfg.Log.JSON,
		Production: cfg.Log.JSON,
		File:       cfg.Log.File,
	})
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Errorw("server stopped", "error", err)
		os.Exit(1)
	}
}

type closer func()

func run(ctx context.Context, cfg *config.AppConfig, logger *zap.SugaredLogger) error {
	terms, err := cfg.Deployment.Terms()
	if err != nil {
		return err
	}
	metrics := server.NewMetrics()

	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	tokenLedger, closeLedger, err := openLedger(ctx, cfg, terms, logger)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	closers = append(closers, closeLedger)
	retrying := ledger.NewRetrying(tokenLedger, ledger.RetryPolicy{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialBackoff:    cfg.Retry.InitialBackoff,
		MaxBackoff:        cfg.Retry.MaxBackoff,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
	}, metrics.IncRetry)

	clock, closeClock, err := openClock(ctx, cfg)
	if err != nil {
		return fmt.Errorf("clock: %w", err)
	}
	closers = append(closers, closeClock)

	stateStore, storeCheck, closeStore, err := openStore(ctx, cfg, terms)
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}
	closers = append(closers, closeStore)

	idemStore, closeIdem, err := openIdempotency(ctx, cfg)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	closers = append(closers, closeIdem)

	dispatcher, eventChecks, err := openEvents(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	dispatcher.OnError = metrics.IncEventFailure
	closers = append(closers, func() { _ = dispatcher.Close() })

	engine, err := escrow.Open(ctx, terms, escrow.Config{
		Ledger:  retrying,
		Store:   stateStore,
		Clock:   clock,
		Emitter: dispatcher,
		Logger:  logger.Named("engine"),
	})
	if err != nil {
		return err
	}
	logger.Infow("escrow ready",
		"address", terms.Address.Hex(),
		"status", engine.Status(),
		"ledger", cfg.Chain.Ledger,
		"store", cfg.Storage.Backend,
	)

	checks := []server.HealthCheck{
		{Name: "ledger", Check: retrying.Ping},
		{Name: "store", Check: storeCheck},
	}
	if p, ok := idemStore.(pinger); ok {
		checks = append(checks, server.HealthCheck{Name: "idempotency", Check: p.Ping})
	}
	checks = append(checks, eventChecks...)

	apiServer := server.NewServer(server.Deps{
		Config:      cfg,
		Engine:      engine,
		Idempotency: idemStore,
		Metrics:     metrics,
		Logger:      logger,
		Checks:      checks,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})
	if p, ok := idemStore.(purger); ok {
		g.Go(func() error {
			purgeExpired(gctx, p, cfg.Service.IdempotencyWindow, logger)
			return nil
		})
	}
	return g.Wait()
}

type pinger interface {
	Ping(ctx context.Context) error
}

type purger interface {
	Purge(ctx context.Context) (int64, error)
}

// purgeExpired clears closed idempotency windows from a shared store once per
// window until ctx ends.
func purgeExpired(ctx context.Context, p purger, every time.Duration, logger *zap.SugaredLogger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Purge(ctx)
			if err != nil {
				logger.Warnw("idempotency purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debugw("idempotency records purged", "count", n)
			}
		}
	}
}

func noop() {}

func openLedger(ctx context.Context, cfg *config.AppConfig, terms escrow.Terms, logger *zap.SugaredLogger) (escrow.TokenLedger, closer, error) {
	switch cfg.Chain.Ledger {
	case "erc20":
		l, err := ledger.NewERC20(ctx, ledger.ERC20Config{
			RPCURL:        cfg.Chain.RPCURL,
			PrivateKeyHex: cfg.Chain.PrivateKey,
			TokenAddress:  terms.Token.Hex(),
			ReceiptPoll:   cfg.Chain.ReceiptPoll,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		if l.Custody() != terms.Address {
			l.Close()
			return nil, nil, fmt.Errorf("custody key controls %s, deployment names %s", l.Custody().Hex(), terms.Address.Hex())
		}
		return l, l.Close, nil

	case "postgres":
		l, err := ledger.NewPostgres(ctx, cfg.Storage.PostgresDSN, terms.Token)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Chain.SeedDeposit {
			if err := topUp(ctx, l, terms, func(amount *big.Int) error { return l.Mint(ctx, terms.Address, amount) }); err != nil {
				l.Close()
				return nil, nil, err
			}
		}
		return l, l.Close, nil

	default:
		l := ledger.NewMemory()
		if cfg.Chain.SeedDeposit {
			if err := l.Mint(terms.Address, terms.ContractAmount); err != nil {
				return nil, nil, err
			}
		}
		return l, noop, nil
	}
}

// topUp funds custody up to the contract amount, leaving larger balances alone.
func topUp(ctx context.Context, l escrow.TokenLedger, terms escrow.Terms, mint func(*big.Int) error) error {
	have, err := l.BalanceOf(ctx, terms.Address)
	if err != nil {
		return err
	}
	missing := new(big.Int).Sub(terms.ContractAmount, have)
	if missing.Sign() <= 0 {
		return nil
	}
	return mint(missing)
}

// openClock picks the time source for the buyer-protection window. The chain
// clock follows block timestamps so the window matches what the token
// contract observes.
func openClock(ctx context.Context, cfg *config.AppConfig) (escrow.Clock, closer, error) {
	if cfg.Chain.ClockSource != "chain" {
		return escrow.SystemClock, noop, nil
	}
	cli, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rpc: %w", err)
	}
	return ledger.NewChainClock(cli), cli.Close, nil
}

func openStore(ctx context.Context, cfg *config.AppConfig, terms escrow.Terms) (escrow.Store, func(context.Context) error, closer, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.Storage.PostgresDSN, terms.Address.Hex())
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.Ping, s.Close, nil
	case "file":
		s, err := store.NewFileStore(cfg.Storage.StatePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.Ping, noop, nil
	default:
		s := store.NewMemoryStore()
		return s, s.Ping, noop, nil
	}
}

func openIdempotency(ctx context.Context, cfg *config.AppConfig) (idempotency.Store, closer, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		s, err := idempotency.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "memory":
		return idempotency.NewMemoryStore(), noop, nil
	default:
		s, err := idempotency.NewFileStore(cfg.Storage.IdempotencyPath)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	}
}

func openEvents(ctx context.Context, cfg *config.AppConfig, logger *zap.SugaredLogger) (*events.Dispatcher, []server.HealthCheck, error) {
	publishers := []events.Publisher{events.NewLogPublisher(logger.Named("events"))}
	var checks []server.HealthCheck

	if cfg.Events.RedisAddr != "" {
		p, err := events.NewRedisPublisher(ctx, events.RedisConfig{
			Address:  cfg.Events.RedisAddr,
			Password: cfg.Events.RedisPassword,
			Stream:   cfg.Events.RedisStream,
			MaxLen:   cfg.Events.RedisMaxLen,
		})
		if err != nil {
			return nil, nil, err
		}
		publishers = append(publishers, p)
		checks = append(checks, server.HealthCheck{Name: "redis", Check: p.Ping})
	}
	if cfg.Events.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(events.AMQPConfig{
			URL:      cfg.Events.AMQPURL,
			Exchange: cfg.Events.AMQPExchange,
		})
		if err != nil {
			for _, open := range publishers {
				_ = open.Close()
			}
			return nil, nil, err
		}
		publishers = append(publishers, p)
	}
	return events.NewDispatcher(logger, cfg.Events.Timeout, publishers...), checks, nil
}
