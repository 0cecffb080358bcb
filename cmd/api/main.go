package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"fairplay-backend/internal/config"
	"fairplay-backend/internal/events"
	"fairplay-backend/internal/fairness"
	"fairplay-backend/internal/fanout"
	"fairplay-backend/internal/games"
	"fairplay-backend/internal/handlers"
	"fairplay-backend/internal/history"
	"fairplay-backend/internal/ledger"
	"fairplay-backend/internal/logger"
	"fairplay-backend/internal/middleware"
	"fairplay-backend/internal/models"
	"fairplay-backend/internal/rounds"
	"fairplay-backend/internal/services"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log, logCloser := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logCloser.Close()

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tuning, err := config.LoadTuning(cfg.GamesConfig)
	if err != nil {
		return err
	}
	registry, err := games.NewRegistry(tuning)
	if err != nil {
		return err
	}
	vault := fairness.NewVault(fairness.WithNonceBudget(cfg.NonceBudget))

	var redisService *services.RedisService
	if cfg.LedgerBackend == config.LedgerRedis {
		redisService, err = services.NewRedisService(cfg)
		if err != nil {
			return err
		}
	} else if rs, err := services.NewRedisService(cfg); err == nil {
		redisService = rs
	} else {
		log.Warn("redis unavailable, rate limiting disabled", "error", err)
	}
	if redisService != nil {
		defer redisService.Close()
	}

	var store ledger.Store
	switch cfg.LedgerBackend {
	case config.LedgerRedis:
		store = ledger.NewRedisStore(redisService.Client())
	default:
		if err := os.MkdirAll(cfg.BadgerDir, 0o755); err != nil {
			return err
		}
		bs, err := ledger.NewBadgerStore(cfg.BadgerDir)
		if err != nil {
			return err
		}
		defer bs.Close()
		store = bs
	}
	wallets := ledger.New(store, ledger.Config{
		DefaultCurrency: cfg.DefaultCurrency,
		StartingBalance: cfg.StartingBalance,
	}, log)

	if dir := filepath.Dir(cfg.HistoryDB); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	archive, err := history.Open(cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer archive.Close()

	hubOpts := []fanout.Option{fanout.WithLogger(log)}
	if cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL, log)
		if err != nil {
			return err
		}
		defer nc.Drain()
		hubOpts = append(hubOpts, fanout.WithSink(events.NewRelay(nc, cfg.NATSSubjectPrefix, log)))
	}
	hub := fanout.NewHub(hubOpts...)
	defer hub.Close()

	manager := rounds.NewManager(registry, vault, wallets, archive, rounds.Config{
		Currency: cfg.DefaultCurrency,
		MinStake: cfg.MinStake,
		MaxStake: cfg.MaxStake,
	}, log)
	// Stores are closed by the defers above, so background loops must stop
	// before run returns.
	var workers sync.WaitGroup
	defer func() {
		stop()
		workers.Wait()
	}()

	workers.Add(1)
	go func() {
		defer workers.Done()
		manager.RunRecovery(ctx, cfg.RecoveryInterval, cfg.StaleSessionAge)
	}()

	var crash *rounds.CrashRoom
	if cfg.Crash.Enabled {
		g, err := registry.Get(models.GameModeCrash)
		if err != nil {
			return err
		}
		crash, err = rounds.NewCrashRoom(g.(*games.Crash), wallets, hub, archive, rounds.CrashConfig{
			Room:          cfg.Crash.Room,
			Currency:      cfg.DefaultCurrency,
			Salt:          cfg.Crash.Salt,
			BettingWindow: cfg.Crash.BettingWindow,
			StartingDelay: cfg.Crash.StartingDelay,
			ResolvedPause: cfg.Crash.ResolvedPause,
			TickInterval:  cfg.Crash.TickInterval,
			GrowthRate:    cfg.Crash.GrowthRate,
			MinStake:      cfg.MinStake,
			MaxStake:      cfg.MaxStake,
		}, log)
		if err != nil {
			return err
		}
		workers.Add(1)
		go func() {
			defer workers.Done()
			crash.Run(ctx)
		}()
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	routerCfg := handlers.RouterConfig{
		Auth:        services.NewJWTService(cfg),
		ProviderKey: cfg.ProviderKey,
		Game:        handlers.NewGameHandler(manager, crash, vault, registry, archive),
		Wallet:      handlers.NewWalletHandler(wallets),
		Provider:    handlers.NewProviderHandler(wallets),
		WS:          handlers.NewWebSocketHandler(hub, log),
		Logger:      log,
	}
	if redisService != nil {
		limits := middleware.DefaultRateLimits()
		limits.Bets = cfg.RateLimitBets
		routerCfg.RateLimiter = redisService
		routerCfg.RateLimits = limits
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Port, "ledger", cfg.LedgerBackend, "crash", cfg.Crash.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
