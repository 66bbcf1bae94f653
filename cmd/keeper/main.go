package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/web3guy0/keeper/bot"
	"github.com/web3guy0/keeper/core"
	"github.com/web3guy0/keeper/exec"
	"github.com/web3guy0/keeper/feeds"
	"github.com/web3guy0/keeper/internal/config"
	"github.com/web3guy0/keeper/metrics"
	"github.com/web3guy0/keeper/storage"
)

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	cfg, err := config.Load()
	setupLogging(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("              LIMIT ORDER KEEPER - xDai")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Chain client
	client, err := exec.Dial(ctx, cfg.NodeURL, cfg.PrivateKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to node")
	}
	defer client.Close()
	log.Info().Str("account", client.Address().Hex()).Msg("✅ Chain client initialized")

	// 2. Gas multiplier (survives restarts)
	gas, err := exec.LoadGasController(cfg.GasStatePath)
	if err != nil {
		if !errors.Is(err, exec.ErrCorruptGasState) {
			log.Fatal().Err(err).Msg("Failed to load gas state")
		}
		log.Warn().Err(err).Str("path", cfg.GasStatePath).Msg("Gas state unreadable, starting from 1x")
		gas = exec.NewGasController(cfg.GasStatePath)
	}
	metrics.SetGasMultiplier(gas.Multiplier())
	log.Info().Float64("multiplier", gas.Multiplier()).Msg("✅ Gas controller initialized")

	// 3. Submission ledger
	ledger, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		log.Warn().Err(err).Msg("Ledger unavailable, continuing without persistence")
		ledger, _ = storage.Open("")
	}
	defer ledger.Close()

	// 4. Data feeds
	apex := feeds.NewSubgraphClient(cfg.ApexSubgraphURL, cfg.FetchRetries)
	perp := feeds.NewSubgraphClient(cfg.PerpSubgraphURL, cfg.FetchRetries)
	sources := core.Sources{
		Assets:   feeds.NewMetadataClient(cfg.MetadataURL, cfg.FetchRetries),
		Reserves: feeds.NewPriceSource(perp),
		Orders:   feeds.NewOrderSource(apex, cfg.OrderPageSize),
		Balances: feeds.NewBalanceSource(apex, cfg.OrderPageSize),
		History:  feeds.NewReserveHistory(apex, 0),
	}
	log.Info().Msg("✅ Data feeds initialized")

	// 5. Submitter
	book, err := exec.NewLimitOrderBook(cfg.LOBAddress)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid LOB_ADDRESS")
	}
	submitter := exec.NewSubmitter(client, book, gas, exec.SubmitterConfig{
		GasLimitMargin: cfg.GasLimitMargin.InexactFloat64(),
		ReceiptTimeout: cfg.ReceiptTimeout,
		DryRun:         cfg.DryRun,
	})

	// 6. Core engine
	engine := core.NewEngine(sources, submitter, ledger, core.Config{
		TickInterval:      cfg.TickInterval,
		TriggerInterval:   cfg.TriggerIntervalTicks,
		TrailCooldown:     cfg.TrailCooldown,
		TipGasFactor:      cfg.TipGasFactor,
		AllowUnprofitable: cfg.AllowUnprofitable,
		MaxAttempts:       cfg.MaxAttemptsPerOrder,
	})
	engine.SetDryRun(cfg.DryRun)
	if err := engine.RestoreAttempts(); err != nil {
		log.Warn().Err(err).Msg("Failed to restore attempt counts")
	}
	log.Info().Msg("✅ Core engine initialized")

	// 7. Telegram (optional)
	var tg *bot.TelegramBot
	if cfg.TelegramEnabled() {
		tg, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, engine)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram disabled")
		} else {
			engine.SetNotifier(tg)
			tg.Start()
			tg.NotifyStartup(client.Address().Hex(), cfg.DryRun, gas.Multiplier())
		}
	}

	// 8. Metrics (optional)
	if cfg.MetricsAddr != "" {
		go metrics.Serve(ctx, cfg.MetricsAddr)
	}

	// 9. New-head wakeups when the node speaks websocket
	var wake <-chan uint64
	if feeds.IsWebsocketURL(cfg.NodeURL) {
		heads := feeds.NewHeadWatcher(cfg.NodeURL)
		heads.Start()
		defer heads.Stop()
		wake = heads.Heads()
	}

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY RUN"
	}
	log.Info().
		Str("mode", mode).
		Str("lob", book.Address().Hex()).
		Dur("tick", cfg.TickInterval).
		Int("trigger_every", cfg.TriggerIntervalTicks).
		Bool("allow_unprofitable", cfg.AllowUnprofitable).
		Msg("🚀 Keeper running...")

	// ═══════════════════════════════════════════════════════════════════════════════
	// RUN UNTIL SIGNALLED
	// ═══════════════════════════════════════════════════════════════════════════════

	if err := engine.Run(ctx, wake); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Keeper loop failed")
		if tg != nil {
			tg.NotifyError(err)
		}
	}

	log.Info().Msg("🛑 Shutting down...")
	if tg != nil {
		tg.Stop()
	}
	log.Info().Msg("👋 Goodbye!")
}

// setupLogging configures zerolog. cfg may be nil when loading failed.
func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	if cfg != nil && cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err == nil {
			out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    50,
				MaxBackups: 5,
				MaxAge:     14,
				Compress:   true,
			})
		}
	}
	log.Logger = log.Output(out)

	if cfg != nil && cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
