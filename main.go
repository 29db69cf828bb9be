package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"freight_scrooper/browser"
	"freight_scrooper/config"
	"freight_scrooper/extract"
	"freight_scrooper/logging"
	"freight_scrooper/models"
	"freight_scrooper/monitor"
	"freight_scrooper/scheduler"
	"freight_scrooper/scraper"
	"freight_scrooper/session"
	"freight_scrooper/storage"
)

var (
	scrapeNow   = flag.Bool("scrape", false, "Run scrape once and exit")
	showHistory = flag.Int("history", 0, "Print the last N journaled runs and exit")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return 2
	}

	logger, logFile, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
		Path:   cfg.LogFile,
		App:    "freight_scrooper",
	})
	if err != nil {
		log.Printf("Failed to set up logging: %v", err)
		return 2
	}
	defer func() {
		_ = logger.Sync()
		if logFile != nil {
			logFile.Close()
		}
	}()

	journal, err := storage.NewRunJournal(cfg.DBPath)
	if err != nil {
		logger.Error("open run journal", zap.String("path", cfg.DBPath), zap.Error(err))
		return 1
	}
	defer journal.Close()

	if *showHistory > 0 {
		return printHistory(journal, *showHistory)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting freight_scrooper",
		zap.String("site", cfg.Site.Name),
		zap.String("url", cfg.Site.URL),
		zap.String("store", cfg.Store.Path),
		zap.Bool("contact_extraction", cfg.Extract.Contact))

	var archiver storage.Archiver
	if cfg.S3.Enabled() {
		a, err := storage.NewS3Archiver(ctx, cfg.S3, logger)
		if err != nil {
			logger.Error("init s3 archiver", zap.Error(err))
			return 1
		}
		archiver = a
		logger.Info("archiving rotated files", zap.String("bucket", cfg.S3.Bucket))
	}

	store, prior, err := storage.OpenCSVStore(cfg.Store.Path, storage.CSVOptions{
		MaxBytes: cfg.Store.MaxBytes,
		Archiver: archiver,
		Log:      logger,
	})
	if err != nil {
		logger.Error("open store", zap.String("path", cfg.Store.Path), zap.Error(err))
		return 1
	}
	defer store.Close()
	logger.Info("store ready", zap.Int("prior_records", len(prior)))

	reg := prometheus.NewRegistry()
	mon := monitor.New(cfg.Monitor, logger, reg)
	mon.Start()
	defer mon.Stop()

	driver := browser.NewPlaywrightDriver()
	sessions := session.NewManager(cfg, driver, logger)
	defer func() {
		if err := sessions.Close(); err != nil {
			logger.Warn("close session", zap.Error(err))
		}
	}()

	orch := scraper.NewOrchestrator(cfg, sessions, extract.NewEngine(cfg, logger), store, mon, logger)
	orch.SetJournal(journal)

	if cfg.Store.DatabaseURL != "" {
		mirror, err := storage.NewPostgresMirror(ctx, cfg.Store.DatabaseURL, logger)
		if err != nil {
			logger.Warn("postgres mirror disabled", zap.String("dsn", maskConnectionString(cfg.Store.DatabaseURL)), zap.Error(err))
		} else {
			defer mirror.Close()
			orch.SetMirror(mirror)
			logger.Info("mirroring to postgres", zap.String("dsn", maskConnectionString(cfg.Store.DatabaseURL)))
		}
	}

	sched := scheduler.New(cfg.Scheduler, orch, logger)

	if *scrapeNow {
		res := sched.TriggerNow(ctx)
		if res.Failed() {
			logger.Error("scrape failed", zap.String("error", res.Err))
			return 1
		}
		logger.Info("scrape complete", zap.Int("new", res.NewRecords), zap.Int("duplicates", res.Duplicates))
		return 0
	}

	critical := make(chan models.HealthStatus, 1)
	var once sync.Once
	orch.OnCritical = func(s models.HealthStatus) {
		once.Do(func() { critical <- s })
	}

	// default gatherer carries the runtime collectors and retry counters
	srv := monitor.NewServer(cfg.Monitor.Addr, mon, prometheus.Gatherers{prometheus.DefaultGatherer, reg}, logger)
	srv.Start()

	if err := sched.Start(ctx); err != nil {
		logger.Error("start scheduler", zap.Error(err))
		return 1
	}
	logger.Info("daemon running")

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case s := <-critical:
		logger.Error("health critical, shutting down for restart",
			zap.Int("consecutive_failures", s.ConsecutiveFailures),
			zap.String("last_error", s.LastError))
		code = 1
	}

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown", zap.Error(err))
	}
	logger.Info("goodbye", zap.Int("exit_code", code))
	return code
}

func printHistory(j *storage.RunJournal, n int) int {
	runs, err := j.RecentRuns(context.Background(), n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read runs: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(runs); err != nil {
		fmt.Fprintf(os.Stderr, "encode runs: %v\n", err)
		return 1
	}
	return 0
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	// Simple mask - find :// and mask until @
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	// Find : after user
	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
