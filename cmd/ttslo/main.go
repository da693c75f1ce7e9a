package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ttslo/internal/bootstrap"
	"ttslo/internal/core"
	"ttslo/internal/credentials"
	"ttslo/internal/engine"
	"ttslo/internal/exchange/kraken"
	"ttslo/internal/metrics"
	"ttslo/internal/notify"
	"ttslo/internal/pricefeed"
	"ttslo/internal/profit"
	"ttslo/internal/store"
	"ttslo/internal/validate"
	"ttslo/pkg/concurrency"
	"ttslo/pkg/telemetry"
)

const defaultEnvFile = ".env"

var (
	configPath   = flag.String("config", "ttslo_config.csv", "Path to the rule configuration CSV")
	statePath    = flag.String("state", "ttslo_state.csv", "Path to the rule state CSV")
	logPath      = flag.String("log", "ttslo_log.csv", "Path to the append-only audit log CSV")
	tradesPath   = flag.String("trades", "ttslo_trades.csv", "Path to the trade history CSV")
	notifyPath   = flag.String("notify-config", "ttslo_notifications.ini", "Path to the notification routing file (INI)")
	settingsPath = flag.String("settings", "", "Optional daemon tuning file (YAML)")
	envFile      = flag.String("env-file", defaultEnvFile, "Dotenv file with API credentials")
	interval     = flag.Duration("interval", time.Minute, "Evaluation tick interval")
	once         = flag.Bool("once", false, "Run a single evaluation tick and exit")
	dryRun       = flag.Bool("dry-run", false, "Evaluate without submitting orders or writing files")
	verbose      = flag.Bool("verbose", false, "Log at DEBUG level")
	createSample = flag.Bool("create-sample-config", false, "Write a sample configuration file and exit")
	validateOnly = flag.Bool("validate-config", false, "Validate the configuration and exit")
	metricsPort  = flag.Int("metrics-port", 0, "Serve Prometheus metrics on this port (0 uses the settings file)")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	// 1. Sample config needs no credentials and no daemon setup.
	if *createSample {
		if err := writeSampleConfig(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "ttslo:", err)
			return 1
		}
		fmt.Printf("Sample configuration written to %s\n", *configPath)
		return 0
	}

	// 2. Settings and logging.
	level := ""
	if *verbose {
		level = "DEBUG"
	}
	app, err := bootstrap.NewApp(*settingsPath, level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ttslo:", err)
		return 1
	}
	logger := app.Logger
	settings := app.Settings
	if *metricsPort > 0 {
		settings.Telemetry.MetricsPort = *metricsPort
		settings.Telemetry.EnableMetrics = true
	}

	logger.Info("Starting TTSLO daemon",
		"config", *configPath, "state", *statePath,
		"interval", interval.String(), "dry_run", *dryRun, "once", *once)

	// 3. Environment and credentials. The default env file is optional;
	// an explicitly named one must exist.
	if _, err := os.Stat(*envFile); err == nil {
		if err := credentials.LoadEnvFile(*envFile); err != nil {
			logger.Error("Failed to load env file", "path", *envFile, "error", err.Error())
			return 1
		}
	} else if *envFile != defaultEnvFile {
		logger.Error("Env file not found", "path", *envFile)
		return 1
	}

	creds, err := credentials.Resolve(logger)
	if err != nil {
		logger.Error("Credential resolution failed", "error", err.Error())
		return 1
	}

	// 4. Telemetry before any component builds its instruments.
	if settings.Telemetry.DebugExporters {
		tel, err := telemetry.Setup("ttslo")
		if err != nil {
			logger.Warn("Telemetry setup failed, continuing without", "error", err.Error())
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(ctx); err != nil {
					logger.Warn("Telemetry shutdown failed", "error", err.Error())
				}
			}()
		}
	} else if settings.Telemetry.EnableMetrics {
		if err := telemetry.InitMetrics(); err != nil {
			logger.Warn("Metrics exporter init failed, continuing without", "error", err.Error())
		}
	}

	// 5. One exchange client per credential scope. The reader prefers the
	// read-only key; the trader exists only with a read-write key. Dry-run
	// never submits, so the reader stands in to let evaluation run end to
	// end without write credentials.
	accounts := make(map[string]engine.Account)
	for _, name := range creds.Accounts() {
		acct := creds.Account(name)
		roPair := acct.ReadOnly
		if roPair == nil {
			roPair = acct.ReadWrite
		}
		reader, err := kraken.NewClient(settings.Exchange, roPair, logger)
		if err != nil {
			logger.Error("Failed to build exchange client", "account", name, "error", err.Error())
			return 1
		}
		ea := engine.Account{Reader: reader}
		if acct.ReadWrite != nil {
			trader, err := kraken.NewClient(settings.Exchange, acct.ReadWrite, logger)
			if err != nil {
				logger.Error("Failed to build exchange client", "account", name, "error", err.Error())
				return 1
			}
			ea.Trader = trader
		} else if *dryRun {
			ea.Trader = ea.Reader
		}
		accounts[name] = ea
	}
	primary := accounts[core.DefaultAccount]

	// 6. One-shot validation mode.
	if *validateOnly {
		return runValidation(context.Background(), *configPath, primary.Reader, logger)
	}

	// 7. Coordinated persistence.
	coord := store.NewCoordinator(*configPath, logger)
	configs := store.NewConfigStore(*configPath, coord, *dryRun, logger)
	states, err := store.NewStateStore(*statePath, coord, *dryRun, logger)
	if err != nil {
		logger.Error("Failed to open state file", "path", *statePath, "error", err.Error())
		return 1
	}
	audit := store.NewAuditLog(*logPath, coord, *dryRun, logger)
	trades := profit.NewTracker(*tradesPath, *dryRun, logger)

	// 8. Notification routing. Missing pieces degrade to silence, never
	// to a startup failure.
	routing := notify.EmptyRouting()
	if _, err := os.Stat(*notifyPath); err == nil {
		routing, err = notify.LoadRouting(*notifyPath)
		if err != nil {
			logger.Error("Failed to parse notification routing", "path", *notifyPath, "error", err.Error())
			return 1
		}
	} else {
		logger.Warn("Notification routing file not found, notifications disabled", "path", *notifyPath)
	}
	var sender notify.Sender
	if creds.BotToken().IsSet() {
		sender = notify.NewTelegramChannel(creds.BotToken().Reveal())
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, notifications disabled")
	}
	queuePath := filepath.Join(filepath.Dir(*statePath), "ttslo_notification_queue.json")
	notifier, err := notify.NewNotifier(routing, sender, queuePath, *dryRun, logger)
	if err != nil {
		logger.Error("Failed to open notification queue", "path", queuePath, "error", err.Error())
		return 1
	}

	// 9. Price provider, worker pool, engine.
	provider := pricefeed.NewProvider(primary.Reader, settings.Pricing, settings.Exchange.WebsocketURL, logger)
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "evaluation",
		MaxWorkers:  settings.Daemon.Workers,
		MaxCapacity: 256,
	}, logger)
	defer pool.Stop()

	eng := engine.New(engine.Deps{
		Accounts: accounts,
		Prices:   provider,
		Notifier: notifier,
		Trades:   trades,
		Audit:    audit,
		Configs:  configs,
		States:   states,
		Coord:    coord,
		Pool:     pool,
		Logger:   logger,
	}, engine.Options{
		Interval:       *interval,
		LostOrderTicks: settings.Daemon.LostOrderTicks,
		DryRun:         *dryRun,
		Once:           *once,
	})

	// 10. Single tick: no stream, no metrics server, REST prices only.
	if *once {
		err := eng.Run(context.Background())
		closeCoordinator(coord, logger)
		if err != nil {
			logger.Error("Evaluation tick failed", "error", err.Error())
			return 1
		}
		return 0
	}

	// 11. Daemon mode: engine, price stream and metrics server run until
	// a termination signal; the in-flight tick completes first.
	runners := []bootstrap.Runner{provider, eng}
	if settings.Telemetry.EnableMetrics {
		runners = append(runners, metrics.NewServer(settings.Telemetry.MetricsPort, logger))
	}
	runErr := app.Run(runners...)

	// 12. Announce the exit, flush the queue, release the sentinels.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	notifier.Notify(shutdownCtx, core.EventAppExit,
		fmt.Sprintf("TTSLO daemon stopped at %s", time.Now().UTC().Format(core.TimeFormat)))
	notifier.Flush(shutdownCtx)
	closeCoordinator(coord, logger)

	if runErr != nil {
		return 1
	}
	logger.Info("Shutdown complete")
	return 0
}

func closeCoordinator(coord *store.Coordinator, logger core.ILogger) {
	if err := coord.Close(); err != nil {
		logger.Warn("Coordination cleanup failed", "error", err.Error())
	}
}

// runValidation loads the config, runs the static and live checks and
// prints every finding. Exit status 1 signals at least one error.
func runValidation(ctx context.Context, configPath string, reader core.IExchange, logger core.ILogger) int {
	coord := store.NewCoordinator(configPath, logger)
	configs := store.NewConfigStore(configPath, coord, true, logger)

	rows, err := configs.Load(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ttslo: cannot read config:", err)
		return 1
	}

	rules, report := validate.Static(rows)
	liveCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	report.Merge(validate.Live(liveCtx, reader, rules))

	for _, finding := range report.Findings {
		fmt.Println(finding.String())
	}
	if report.HasErrors() {
		fmt.Printf("Validation failed: %d error(s), %d warning(s)\n",
			len(report.Errors()), len(report.Warnings()))
		return 1
	}
	fmt.Printf("Validation passed: %d rule(s), %d warning(s)\n",
		len(rules), len(report.Warnings()))
	return 0
}

func writeSampleConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	sample := `# TTSLO rule configuration.
#
# Columns:
#   id                       unique rule name
#   pair                     Kraken pair, e.g. XXBTZUSD or XETHZUSD
#   threshold_price          price that arms the rule
#   threshold_type           above | below
#   direction                buy | sell
#   volume                   order size in base currency
#   trailing_offset_percent  trailing distance once armed
#   enabled                  true | false | paused | canceled
#   linked_order_id          rule to enable after this one fills (optional)
#   account                  credential scope, defaults to primary (optional)
#
# Comment and blank lines survive daemon rewrites, so annotate freely.
id,pair,threshold_price,threshold_type,direction,volume,trailing_offset_percent,enabled,linked_order_id,account
btc_sell_high,XXBTZUSD,100000,above,sell,0.005,5.0,true,btc_rebuy_dip,
# btc_rebuy_dip stays off until btc_sell_high fills.
btc_rebuy_dip,XXBTZUSD,60000,below,buy,0.005,3.0,false,,
# paused rules are skipped but keep their state.
eth_take_profit,XETHZUSD,5000,above,sell,0.1,4.0,paused,,
`
	return os.WriteFile(path, []byte(sample), 0o644)
}
