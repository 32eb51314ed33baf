package rewardsd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"lpmining/core/rewards"
	"lpmining/observability/logging"
	telemetry "lpmining/observability/otel"
	"lpmining/services/rewardsd/chain"
	"lpmining/services/rewardsd/ledger"
	"lpmining/services/rewardsd/positions"
	"lpmining/services/rewardsd/server"
	"lpmining/services/rewardsd/treasury"
)

// Main initialises and runs the rewards daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/rewardsd/config.yaml", "path to rewardsd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("REWARDSD_ENV"))
	logger := logging.Setup("rewardsd", env, cfg.Log)
	telemetryCfg := telemetry.ConfigFromEnv("rewardsd", env)
	telemetryCfg.Attributes["lpm.claim_contract"] = strings.ToLower(cfg.Chain.Contract)
	telemetryCfg.Attributes["lpm.ledger_driver"] = cfg.Database.Driver
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := ledger.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = store.Close() }()

	seed, err := cfg.Treasury.Window()
	if err != nil {
		return fmt.Errorf("treasury: %w", err)
	}
	treasuryStore := treasury.NewStore(store)
	window, err := treasuryStore.Init(stopCtx, seed)
	if err != nil {
		return fmt.Errorf("init treasury: %w", err)
	}
	logger.Info("treasury window loaded",
		slog.Float64("total_allocation", window.TotalAllocation),
		slog.Int("duration_days", window.DurationDays),
		slog.Time("start", window.StartDate),
		slog.Float64("daily_budget", window.DailyBudget))

	evm, err := chain.DialEVMClient(cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer evm.Close()
	contract, err := chain.NewClient(evm, chain.Config{
		Contract:      common.HexToAddress(cfg.Chain.Contract),
		StartBlock:    cfg.Chain.StartBlock,
		RetryAttempts: cfg.Chain.RetryAttempts,
		RetryBackoff:  cfg.Chain.RetryBackoff.Duration,
		LogRange:      cfg.Chain.LogRange,
		Index:         store,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("init claim contract client: %w", err)
	}

	provider, err := positions.NewClient(positions.Config{
		BaseURL:           cfg.Positions.Endpoint,
		APIKey:            cfg.Positions.APIKey,
		Timeout:           cfg.Positions.Timeout.Duration,
		RequestsPerSecond: cfg.Positions.RequestsPerSecond,
		Burst:             cfg.Positions.Burst,
		RetryAttempts:     cfg.Chain.RetryAttempts,
		RetryBackoff:      cfg.Chain.RetryBackoff.Duration,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("init position provider: %w", err)
	}

	interval, err := ScheduleInterval(cfg.Schedule, time.Now())
	if err != nil {
		return err
	}

	opts := []EngineOption{
		WithLogger(logger),
		WithMetrics(NewMetrics()),
		WithClock(clockwork.NewRealClock()),
		WithWorkers(cfg.Workers),
		WithRangeWindow(cfg.RangeWindow),
		WithScheduleInterval(interval),
		WithTokenDecimals(cfg.Claims.TokenDecimals),
		WithVoucherTTL(cfg.Claims.VoucherTTL.Duration),
		WithClaimPolicy(ClaimPolicy{
			LockPeriod: cfg.Claims.LockPeriod.Duration,
			MaxClaim:   maxClaimBaseUnits(cfg.Claims),
		}),
	}
	signer, source, err := LoadSigner(cfg.Signer)
	switch {
	case err != nil:
		return err
	case signer == nil:
		logger.Warn("calculator signer not configured, claim signing disabled")
	default:
		logger.Info("calculator signer loaded",
			slog.String("signer_address", signer.Address().Hex()),
			slog.String("signer_source", source))
		opts = append(opts, WithSigner(signer))
	}

	engine, err := NewRewardEngine(store, provider, treasuryStore, contract, opts...)
	if err != nil {
		return err
	}
	defer engine.Close()
	if cfg.PauseOnStart {
		engine.Pause()
	}

	scheduler, err := NewScheduler(stopCtx, engine, cfg.Schedule, interval, logger)
	if err != nil {
		return err
	}

	auth, err := NewAuthenticator(AuthConfig{
		BearerToken: cfg.Admin.BearerToken,
		JWTSecret:   cfg.Admin.JWTSecret,
		JWTIssuer:   cfg.Admin.JWTIssuer,
	})
	if err != nil {
		return fmt.Errorf("admin auth: %w", err)
	}
	public := server.New(engine, server.Config{
		CORSOrigins:        cfg.HTTP.CORSOrigins,
		ClaimRatePerMinute: cfg.HTTP.ClaimRatePerMinute,
		ClaimBurst:         cfg.HTTP.ClaimBurst,
		Health:             store.Ping,
		Logger:             logger,
	})
	publicServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      public.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	adminServer := &http.Server{
		Addr:         cfg.AdminListenAddress,
		Handler:      auth.Middleware(NewAdminServer(engine, treasuryStore)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	scheduler.Start()
	defer scheduler.Stop()

	group, groupCtx := errgroup.WithContext(stopCtx)
	group.Go(func() error {
		logger.Info("rewardsd public api listening", slog.String("addr", cfg.ListenAddress))
		return serve(publicServer)
	})
	group.Go(func() error {
		logger.Info("rewardsd admin api listening", slog.String("addr", cfg.AdminListenAddress))
		return serve(adminServer)
	})
	group.Go(func() error {
		if _, err := engine.Recalculate(groupCtx); err != nil && !errors.Is(err, ErrRecalculationInProgress) {
			logger.Warn("initial recalculation failed", slog.Any("error", err))
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(publicServer.Shutdown(shutdownCtx), adminServer.Shutdown(shutdownCtx))
	})
	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("rewardsd stopped")
	return nil
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func maxClaimBaseUnits(cfg ClaimsConfig) *big.Int {
	if cfg.AbsoluteMaxClaim <= 0 {
		return nil
	}
	return rewards.ToBaseUnits(cfg.AbsoluteMaxClaim, cfg.TokenDecimals)
}
