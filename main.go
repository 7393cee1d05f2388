package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"riskflow/config"
	"riskflow/internal/api"
	"riskflow/internal/archive"
	"riskflow/internal/bars"
	"riskflow/internal/basis"
	"riskflow/internal/book"
	"riskflow/internal/engine"
	"riskflow/internal/funding"
	"riskflow/internal/guard"
	"riskflow/internal/liq"
	"riskflow/internal/onchain"
	"riskflow/internal/stream"
	"riskflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Riskflow.Name,
		"version": cfg.Riskflow.Version,
		"symbol":  cfg.Market.Symbol,
	}).Info("starting riskflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatchEnabled {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}
	if strings.ToLower(cfg.Logging.Level) == "debug" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	store := stream.NewStore(cfg.Stream.DefaultMaxLen)
	for topic, maxLen := range cfg.Stream.MaxLenByTopic {
		store.SetMaxLen(topic, maxLen)
	}
	pub := stream.NewPublisher(store)

	bookReader := book.NewReader(cfg, pub)
	barReader := bars.NewReader(cfg, pub)
	fundingPoller := funding.NewPoller(cfg, pub)
	liqFanin := liq.NewFanin(cfg, pub)
	basisTracker := basis.NewTracker(cfg)
	guardEngine := guard.NewEngine(cfg, store, basisTracker)
	tracker := engine.NewTracker()

	symbol := cfg.Market.Symbol
	topics := []string{
		stream.BookTopic(symbol),
		stream.TradesTopic(symbol),
		stream.FundingTopic(symbol),
		stream.LiquidationsTopic(symbol),
		stream.LiqMapTopic,
		stream.ChainEventsTopic,
	}

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		archiver, err = archive.NewArchiver(cfg, store, topics)
		if err != nil {
			log.WithError(err).Error("failed to create archiver")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("archive disabled; history survives in memory only")
	}

	var scanner *onchain.Scanner
	if cfg.Onchain.Enabled {
		// Oracle price for distance estimates is the latest bar close.
		scanner = onchain.NewScanner(cfg, pub, func() (float64, bool) {
			entries, err := store.Latest(stream.TradesTopic(symbol), 1)
			if err != nil || len(entries) == 0 {
				return 0, false
			}
			px := entries[0].Float("close")
			return px, px > 0
		})
	} else {
		log.WithComponent("main").Info("onchain scanning disabled")
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		relay := api.NewWebhookRelay(cfg, pub)
		var cold api.ColdReader
		if archiver != nil {
			cold = archiver
		}
		apiServer = api.NewServer(cfg, store, cold, guardEngine, tracker, relay)
	}

	type component struct {
		name  string
		start func(context.Context) error
		stop  func()
	}

	components := []component{
		{"book_reader", bookReader.Start, bookReader.Stop},
		{"bar_reader", barReader.Start, barReader.Stop},
		{"funding_poller", fundingPoller.Start, fundingPoller.Stop},
		{"liq_fanin", liqFanin.Start, liqFanin.Stop},
		{"basis_tracker", basisTracker.Start, basisTracker.Stop},
	}
	if archiver != nil {
		components = append(components, component{"archiver", archiver.Start, archiver.Stop})
	}
	if scanner != nil {
		components = append(components, component{"onchain_scanner", scanner.Start, scanner.Stop})
	}
	if apiServer != nil {
		components = append(components, component{"api_server", apiServer.Start, apiServer.Stop})
	}

	for _, c := range components {
		if err := c.start(ctx); err != nil {
			log.WithError(err).WithField("component", c.name).Error("component failed to start")
			os.Exit(1)
		}
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	// Stop in reverse order so downstream consumers drain first.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(components) - 1; i >= 0; i-- {
			log.WithField("component", components[i].name).Info("stopping component")
			components[i].stop()
		}
	}()

	select {
	case <-done:
		log.Info("riskflow shutdown complete")
	case <-time.After(30 * time.Second):
		log.Warn("shutdown timed out, exiting anyway")
	}
}
