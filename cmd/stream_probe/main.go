// Command stream_probe runs one price stream bridge for an instrument and prints what arrives.
// It uses the stream settings from the environment (.env) and optionally saves the minute
// candles it built to CSV.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketOpenBot/config"
	"marketOpenBot/internal/adapters/logger"
	"marketOpenBot/internal/adapters/streamproc"
	"marketOpenBot/internal/bridge"
	"marketOpenBot/internal/ports"
	"marketOpenBot/internal/pricecache"
	"marketOpenBot/internal/utils"
)

func main() {
	market := flag.String("market", "london", "market key from the catalogue")
	duration := flag.Duration("duration", 2*time.Minute, "how long to stream")
	candlesOut := flag.String("candles", "", "write completed minute candles to this CSV file")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}
	catalogue, err := config.LoadMarkets(cfg.MarketsFile)
	if err != nil {
		log.Fatalf("FATAL: Failed to load market catalogue: %v", err)
	}
	specs, err := catalogue.Select([]string{*market})
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	spec := specs[0]

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Stream Bridge
	var scriptArgs []string
	if cfg.StreamScript != "" {
		scriptArgs = []string{cfg.StreamScript}
	}
	factory, err := streamproc.NewFactory(streamproc.Config{Command: cfg.StreamCommand, Args: scriptArgs, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize stream factory: %v", err)
	}
	sub := ports.StreamSubscription{
		Epic:      spec.Epic,
		CST:       cfg.StreamCST,
		XST:       cfg.StreamXST,
		AccountID: cfg.AccountID,
		Endpoint:  cfg.StreamEndpoint,
	}
	cache := pricecache.New()
	b, err := bridge.New(bridge.Config{
		Market:           spec.Name,
		Subscription:     sub,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		RestartMin:       cfg.RestartMinDelay,
		RestartMax:       cfg.RestartMaxDelay,
		MaxFailures:      cfg.MaxRestartFailures,
		FailureWindow:    cfg.RestartFailureWindow,
	}, factory, cache, nil, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize bridge: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(ctx) }()

	// 4. Print quotes and trade updates until the duration elapses
	fmt.Printf("Streaming %s (%s) for %s...\n", spec.Name, spec.Epic, *duration)
	changed, unsubscribe := cache.Subscribe()
	defer unsubscribe()
	updates := b.Updates()
	var last time.Time
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-changed:
			tick, ok := cache.Snapshot(spec.Epic)
			if !ok || !tick.Timestamp.After(last) {
				continue
			}
			last = tick.Timestamp
			fmt.Printf("%s  bid %.2f  offer %.2f  spread %.2f  %s\n",
				tick.Timestamp.Format("15:04:05.000"), tick.Bid, tick.Offer, tick.Spread(), tick.MarketState)
		case upd, ok := <-updates:
			if !ok {
				break loop
			}
			fmt.Printf("%s  %s deal %s status %s level %.2f\n",
				upd.ReceivedAt.Format("15:04:05.000"), upd.Kind, upd.DealID, upd.Status, upd.Level)
		}
	}

	cancel()
	if err := <-runErr; err != nil {
		appLogger.Error(context.Background(), err, "Stream ended with error")
	}
	st := b.Status()
	fmt.Printf("State %s, restarts %d, connected %v, last heartbeat %s\n",
		st.State, st.RestartCount, st.Connected, st.LastHeartbeat.Format(time.RFC3339))

	if *candlesOut != "" {
		candles := b.Candles()
		if err := utils.WriteCandlesToCSV(candles, *candlesOut); err != nil {
			log.Fatalf("Error writing CSV: %v", err)
		}
		appLogger.Info(context.Background(), "Saved candles", map[string]interface{}{"filename": *candlesOut, "count": len(candles)})
	}
}
