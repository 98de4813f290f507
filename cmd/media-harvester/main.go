package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"media-harvester/pkg/browser"
	"media-harvester/pkg/catalog"
	"media-harvester/pkg/config"
	"media-harvester/pkg/crawler"
	"media-harvester/pkg/fetch"
	hlog "media-harvester/pkg/log"
	"media-harvester/pkg/orchestrate"
	"media-harvester/pkg/storage"
	"media-harvester/pkg/utils"
)

const ledgerLogFilename = "ledger.tsv"

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// run parses flags, wires the components and returns the process exit code.
func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("media-harvester", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFileFlag := fs.String("config", "config.yaml", "Path to YAML config file (missing file = built-in defaults)")
	logLevelFlag := fs.String("loglevel", "info", "Log level (trace, debug, info, warn, error)")
	writeLedgerLogFlag := fs.Bool("write-ledger-log", false, "Write a TSV dump of the item ledger after the run")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// --- Logger Configuration ---
	logger, err := hlog.New(stderr, *logLevelFlag)
	if err != nil {
		logger.Warnf("Invalid log level '%s', using default 'info'. Error: %v", *logLevelFlag, err)
	}
	runID := uuid.New().String()
	log := logger.WithField("run_id", runID)

	// --- Load Application Configuration ---
	appCfg, err := loadConfig(*configFileFlag, log)
	if err != nil {
		log.Errorf("Configuration error: %v", err)
		return 1
	}
	logAppConfig(appCfg, log)

	// ===========================================================
	// == Setup Global Context & Signal Handling ==
	// ===========================================================
	var runCtx context.Context
	var cancelRun context.CancelFunc
	if appCfg.GlobalCrawlTimeout > 0 {
		log.Infof("Setting global crawl timeout: %v", appCfg.GlobalCrawlTimeout)
		runCtx, cancelRun = context.WithTimeout(context.Background(), appCfg.GlobalCrawlTimeout)
	} else {
		runCtx, cancelRun = context.WithCancel(context.Background())
	}
	defer cancelRun()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig := <-sigChan
		log.Warnf("Received signal: %v. Initiating graceful shutdown, send again to force exit...", sig)
		cancelRun()
		sig = <-sigChan
		log.Warnf("Received second signal: %v. Forcing exit.", sig)
		os.Exit(1)
	}()

	// ===========================================================
	// == Initialize Components ==
	// ===========================================================
	log.Info("Initializing components...")

	ledger := storage.OpenLedger(runCtx, appCfg, log)
	defer ledger.Close()
	go ledger.RunGC(runCtx, 10*time.Minute)

	httpClient := fetch.NewClient(appCfg.HTTPClientSettings, log)
	fetcher := fetch.NewFetcher(httpClient, appCfg, log)
	rateLimiter := fetch.NewRateLimiter(appCfg.DelayPerHost, log)
	assetFetcher := fetch.NewAssetFetcher(fetcher, rateLimiter, appCfg.UserAgent, appCfg.DelayPerHost, log)

	var robots catalog.RobotsPolicy
	if appCfg.RespectRobots {
		robots = fetch.NewRobotsChecker(fetcher, rateLimiter, appCfg.UserAgent, log)
	}

	session, err := browser.NewChromeSession(runCtx, appCfg.Browser, appCfg.UserAgent, log)
	if err != nil {
		log.WithField("error_type", utils.CategorizeError(err)).Errorf("Failed to start browser: %v", err)
		return 1
	}
	defer session.Close()

	discoverer := catalog.NewDiscoverer(appCfg, robots, log)
	extractor := crawler.NewExtractor(appCfg, assetFetcher, ledger, runID, log)
	catalogCrawler := crawler.NewCrawler(appCfg, extractor, log)
	orchestrator := orchestrate.NewOrchestrator(appCfg, session, discoverer, catalogCrawler, log)

	// ===========================================================
	// == Run ==
	// ===========================================================
	summary, runErr := orchestrator.Run(runCtx)

	if n, countErr := ledger.Count(); countErr == nil {
		log.WithField("ledger_items", n).Info("Ledger updated")
	} else {
		log.Warnf("Could not count ledger items: %v", countErr)
	}

	if *writeLedgerLogFlag {
		ledgerLogPath := filepath.Join(appCfg.OutputBaseDir, ledgerLogFilename)
		if writeErr := ledger.WriteLedgerLog(ledgerLogPath); writeErr != nil {
			log.Errorf("Error writing ledger log: %v", writeErr)
		}
	}

	return exitCode(runCtx, runErr, summary, log)
}

// loadConfig reads path (or the defaults when it does not exist) and validates it.
func loadConfig(path string, log *logrus.Entry) (*config.AppConfig, error) {
	appCfg, found, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if found {
		log.Infof("Loaded configuration from %s", path)
	} else {
		log.Infof("No configuration file at %s, using built-in defaults", path)
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, err
	}
	return appCfg, nil
}

// exitCode maps the outcome of a run to the process exit status. Catalog failures
// are reported in the summary but do not fail the run.
func exitCode(runCtx context.Context, runErr error, summary orchestrate.RunSummary, log *logrus.Entry) int {
	if runErr != nil {
		log.WithField("error_type", utils.CategorizeError(runErr)).Errorf("Run failed: %v", runErr)
		return 1
	}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		log.Error("Run timed out (global timeout).")
		return 1
	case errors.Is(runCtx.Err(), context.Canceled):
		log.Warn("Run cancelled gracefully.")
		return 0
	}
	if n := summary.Failed(); n > 0 {
		log.Warnf("Run completed with %d failed catalogs.", n)
		return 0
	}
	log.Info("Run completed successfully.")
	return 0
}

// logAppConfig logs the effective configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Entry) {
	log.Infof("Config: EntryURL:%s, OutputDir:%s, Workers:%d, MaxPages:%d",
		appCfg.EntryURL, appCfg.OutputBaseDir, appCfg.NumWorkers, appCfg.MaxPages)
	log.Infof("Config Timeouts: PageLoad:%v, AssetWait:%v, Item:%v, Cooldown:%v, GlobalCrawl:%v",
		appCfg.PageLoadTimeout, appCfg.AssetWaitTimeout, appCfg.ItemTimeout, appCfg.ItemCooldown, appCfg.GlobalCrawlTimeout)
	log.Infof("Config Retries: Max:%d, InitialDelay:%v, MaxDelay:%v, DelayPerHost:%v",
		appCfg.MaxRetries, appCfg.InitialRetryDelay, appCfg.MaxRetryDelay, appCfg.DelayPerHost)
	log.Infof("Config Ledger: Enabled:%t, StateDir:%s; Robots:%t; Identifier fallback:%s",
		appCfg.EnableLedger, appCfg.StateDir, appCfg.RespectRobots, appCfg.IdentifierFallback)
	log.Infof("Config HTTP Client: Timeout:%v, MaxIdle:%d, MaxIdlePerHost:%d, IdleTimeout:%v, TLSTimeout:%v, DialerTimeout:%v",
		appCfg.HTTPClientSettings.Timeout, appCfg.HTTPClientSettings.MaxIdleConns, appCfg.HTTPClientSettings.MaxIdleConnsPerHost,
		appCfg.HTTPClientSettings.IdleConnTimeout, appCfg.HTTPClientSettings.TLSHandshakeTimeout, appCfg.HTTPClientSettings.DialerTimeout)
}
