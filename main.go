package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"

	"marketOpenBot/config"
	"marketOpenBot/internal/adapters/alerting"
	"marketOpenBot/internal/adapters/analyst"
	"marketOpenBot/internal/adapters/binanceclient"
	"marketOpenBot/internal/adapters/logger"
	"marketOpenBot/internal/adapters/paper"
	"marketOpenBot/internal/adapters/planfile"
	"marketOpenBot/internal/adapters/postgres"
	"marketOpenBot/internal/adapters/sqlite"
	"marketOpenBot/internal/adapters/streamproc"
	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/metrics"
	"marketOpenBot/internal/ports"
	"marketOpenBot/internal/retry"
	"marketOpenBot/internal/risk"
	"marketOpenBot/internal/session"
	"marketOpenBot/internal/strategy"
)

const (
	shutdownTimeout = 30 * time.Second
	healthInterval  = time.Minute
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}
	catalogue, err := config.LoadMarkets(cfg.MarketsFile)
	if err != nil {
		log.Fatalf("FATAL: Failed to load market catalogue: %v", err)
	}
	specs, err := catalogue.Select(cfg.Markets)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	// 2. Initialize Logger and Alerts
	baseLogger := newLogger(cfg)
	alerter := newAlerter(cfg, baseLogger)
	appLogger := alerting.ForwardErrors(baseLogger, alerter)
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{
		"level": cfg.LogLevel.String(), "format": cfg.LogFormat, "live": cfg.IsLive, "dryRun": cfg.DryRun,
	})

	if cfg.PyroscopeServerAddress != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "market-open-bot",
			ServerAddress:   cfg.PyroscopeServerAddress,
			Tags:            map[string]string{"live": boolTag(cfg.IsLive)},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseSpace,
				pyroscope.ProfileGoroutines,
			},
		})
		if err != nil {
			appLogger.Warn(ctx, "Profiler not started", map[string]interface{}{"error": err.Error()})
		} else {
			defer func() { _ = profiler.Stop() }()
		}
	}

	metricsSrv := metrics.Serve(cfg.MetricsAddr, appLogger)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(sctx)
	}()
	appLogger.Info(ctx, "Metrics endpoint started", map[string]interface{}{"addr": cfg.MetricsAddr})

	// 3. Initialize Journal
	journal, err := openJournal(cfg, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize journal")
		log.Fatalf("FATAL: Failed to initialize journal: %v", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing journal")
		}
	}()
	appLogger.Info(ctx, "Journal initialized", map[string]interface{}{"driver": cfg.JournalDriver})

	// 4. Initialize Strategy and Signal Generator
	strat, err := strategy.New(strategyConfig(cfg), appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading strategy")
		log.Fatalf("FATAL: Failed to initialize trading strategy: %v", err)
	}
	generator, source, err := newGenerator(cfg, strat, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize signal generator")
		log.Fatalf("FATAL: Failed to initialize signal generator: %v", err)
	}
	appLogger.Info(ctx, "Signal generator initialized", map[string]interface{}{"source": source})

	// 5. Initialize Broker
	var sup *session.Supervisor
	quotes := quoteFunc(func(epic string) (domain.PriceTick, bool) {
		if sup == nil {
			return domain.PriceTick{}, false
		}
		return sup.Snapshot(epic)
	})
	broker, err := newBroker(cfg, quotes, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize broker")
		log.Fatalf("FATAL: Failed to initialize broker: %v", err)
	}

	// 6. Initialize Stream Workers
	var scriptArgs []string
	if cfg.StreamScript != "" {
		scriptArgs = []string{cfg.StreamScript}
	}
	streams, err := streamproc.NewFactory(streamproc.Config{
		Command: cfg.StreamCommand,
		Args:    scriptArgs,
		Logger:  appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize stream factory")
		log.Fatalf("FATAL: Failed to initialize stream factory: %v", err)
	}

	// 7. Initialize Session Supervisor
	riskManager := risk.NewRiskManager(risk.RiskConfig{
		RiskPerTradePercent: cfg.RiskPerTradePercent,
		MinAccountBalance:   cfg.MinAccountBalance,
		MaxRiskAmount:       cfg.MaxRiskAmount,
		MaxOpenPositions:    cfg.MaxOpenPositions,
		MaxDailyLoss:        cfg.MaxDailyLoss,
	})
	sup, err = session.NewSupervisor(supervisorConfig(cfg), session.Deps{
		Streams:   streams,
		Broker:    broker,
		Generator: generator,
		Journal:   journal,
		Alerter:   alerter,
		Risk:      riskManager,
		ATR:       strat,
		Logger:    appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize session supervisor")
		log.Fatalf("FATAL: Failed to initialize session supervisor: %v", err)
	}

	// 8. Run sessions until they time out or a signal arrives
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds := domain.StreamCredentials{
		CST:       cfg.StreamCST,
		XST:       cfg.StreamXST,
		AccountID: cfg.AccountID,
		Endpoint:  cfg.StreamEndpoint,
	}
	var wg sync.WaitGroup
	for _, spec := range specs {
		h, err := sup.Start(runCtx, domain.SessionConfig{Market: spec, Credentials: creds})
		if err != nil {
			appLogger.Error(ctx, err, "Failed to start session", map[string]interface{}{"market": spec.Name, "epic": spec.Epic})
			continue
		}
		wg.Add(1)
		go func(h *session.Handle, timeout time.Duration) {
			defer wg.Done()
			runSession(runCtx, sup, h, timeout, appLogger)
		}(h, spec.Timeout)
	}
	wg.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sup.StopAll(stopCtx); err != nil {
		appLogger.Error(ctx, err, "Sessions did not stop cleanly")
	}
	appLogger.Info(ctx, "Application finished gracefully.")
}

// runSession waits for the session's timeout, a shutdown signal or the session ending on its own,
// logging health every minute, then stops it.
func runSession(ctx context.Context, sup *session.Supervisor, h *session.Handle, timeout time.Duration, logger ports.Logger) {
	fields := map[string]interface{}{"market": h.Market(), "sessionId": h.ID()}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	reason := "shutdown"
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-h.Done():
			return
		case <-timer.C:
			reason = "timeout"
			break loop
		case <-ticker.C:
			rep := sup.Health(h)
			logger.Info(ctx, "Session health", map[string]interface{}{
				"market": h.Market(), "sessionId": h.ID(), "status": string(rep.Status), "restarts": rep.StreamRestarts,
				"pending": rep.PendingSignals, "positions": rep.TrackedPositions, "lastHeartbeat": rep.LastHeartbeat,
			})
		}
	}

	fields["reason"] = reason
	logger.Info(ctx, "Stopping session", fields)
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sup.Stop(stopCtx, h); err != nil {
		logger.Error(stopCtx, err, "Session did not stop cleanly", fields)
	}
}

func newLogger(cfg *config.Config) ports.Logger {
	if cfg.LogFormat == "json" {
		return logger.NewZeroLogger(cfg.LogLevel.String())
	}
	return logger.NewStdLogger(cfg.LogLevel)
}

// newAlerter writes every alert to the log and, when configured, to Home Assistant.
// It logs through base so alert failures are not forwarded back as alerts.
func newAlerter(cfg *config.Config, base ports.Logger) ports.Alerter {
	sinks := alerting.Multi{alerting.NewLogAlerter(base)}
	if cfg.HAAPIURL != "" {
		ha, err := alerting.NewHomeAssistant(cfg.HAAPIURL, cfg.HAAccessToken, cfg.HANotifyEntity, base)
		if err != nil {
			base.Warn(context.Background(), "Home Assistant alerts disabled", map[string]interface{}{"error": err.Error()})
		} else {
			sinks = append(sinks, ha)
		}
	}
	return sinks
}

func openJournal(cfg *config.Config, logger ports.Logger) (ports.Journal, error) {
	if cfg.JournalDriver == "postgres" {
		return postgres.NewJournal(postgres.Option{ConnString: cfg.PostgresDSN, Logger: logger})
	}
	return sqlite.NewJournal(sqlite.Config{DBPath: cfg.DBPath, Logger: logger})
}

func newBroker(cfg *config.Config, quotes paper.Quotes, logger ports.Logger) (ports.Broker, error) {
	if cfg.DryRun || cfg.Broker == "paper" {
		logger.Info(context.Background(), "Orders go to the paper broker", map[string]interface{}{"balance": cfg.PaperBalance})
		return paper.New(quotes, cfg.PaperBalance, logger), nil
	}
	client, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info(context.Background(), "Binance client initialized", map[string]interface{}{"testnet": cfg.IsTestnet})
	return client, nil
}

// newGenerator prefers the analyst service, then a plan file, then the built-in breakout strategy.
func newGenerator(cfg *config.Config, strat *strategy.Strategy, logger ports.Logger) (ports.SignalGenerator, string, error) {
	defaults := planfile.Defaults{
		ValidFor:        strategy.DefaultConfig().ValidFor,
		Trailing:        trailingConfig(cfg),
		NoChaseMultiple: cfg.NoChaseMultiple,
	}
	switch {
	case cfg.AnalystURL != "":
		gen, err := analyst.New(analyst.Config{URL: cfg.AnalystURL, Defaults: defaults, Summarizer: strat, Logger: logger})
		return gen, "analyst", err
	case cfg.PlanPath != "":
		gen, err := planfile.New(cfg.PlanPath, defaults, strat, logger)
		return gen, "plan file", err
	default:
		return strat, "strategy", nil
	}
}

func strategyConfig(cfg *config.Config) strategy.Config {
	sc := strategy.DefaultConfig()
	sc.NoChaseATR = cfg.NoChaseMultiple
	sc.Trailing = trailingConfig(cfg)
	sc.Trailing.Enabled = false
	return sc
}

func trailingConfig(cfg *config.Config) domain.TrailingConfig {
	return domain.TrailingConfig{
		BreakevenTriggerR: cfg.BreakevenTriggerR,
		ActivationATR:     cfg.TrailActivationATR,
		DistanceATR:       cfg.TrailDistanceATR,
	}
}

func supervisorConfig(cfg *config.Config) session.Config {
	signalRetry := retry.DefaultPolicy
	signalRetry.Attempts = cfg.SignalRetryAttempts
	return session.Config{
		HeartbeatTimeout:   cfg.HeartbeatTimeout,
		RestartMin:         cfg.RestartMinDelay,
		RestartMax:         cfg.RestartMaxDelay,
		MaxRestartFailures: cfg.MaxRestartFailures,
		FailureWindow:      cfg.RestartFailureWindow,
		PollInterval:       cfg.StopPollInterval,
		MaxMonitorDuration: cfg.MaxMonitorDuration,
		SignalRetry:        signalRetry,
		Cooldown:           cfg.SignalCooldown,
	}
}

type quoteFunc func(epic string) (domain.PriceTick, bool)

func (f quoteFunc) Snapshot(epic string) (domain.PriceTick, bool) { return f(epic) }

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
