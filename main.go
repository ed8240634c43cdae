package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"idealista_collector/api"
	"idealista_collector/collector"
	"idealista_collector/config"
	"idealista_collector/logging"
	"idealista_collector/models"
	"idealista_collector/scheduler"
	"idealista_collector/storage"
)

var (
	jobFlag = flag.String("job", "", "Run one job and exit: daily_new_listings or weekly_full_scan")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		// Logger is not up yet; write the one-liner by hand.
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, logFile, err := logging.Setup(cfg.LogPath, cfg.LogLevel)
	if err != nil {
		log.Warn().Err(err).Msg("file_logging_unavailable")
	}
	if logFile != nil {
		defer logFile.Close()
	}

	log.Info().Int("markets", len(cfg.Markets)).Msg("collector_starting")
	for id, market := range cfg.Markets {
		log.Info().Str("id", id).Str("location_id", market.LocationID).Str("country", market.Country).Msg("market_configured")
	}

	ctx := context.Background()

	store, err := storage.NewPostgresStore(ctx, cfg.Database.URL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres_connect_failed")
	}
	defer store.Close()
	log.Info().Str("url", maskConnectionString(cfg.Database.URL)).Msg("postgres_connected")

	var archiver storage.Archiver
	if cfg.Archive.Bucket != "" {
		archiver, err = storage.NewS3Archiver(ctx, storage.S3Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("archiver_init_failed")
		}
		log.Info().Str("bucket", cfg.Archive.Bucket).Msg("s3_archive_enabled")
	} else {
		archiver = storage.NewLocalArchiver(cfg.Archive.LocalDir)
		log.Info().Str("dir", cfg.Archive.LocalDir).Msg("local_archive_enabled")
	}

	tokens := api.NewTokenManager(cfg.API.TokenURL, cfg.API.Key, cfg.API.Secret, cfg.API.Timeout, store, log)
	policy := api.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.API.MaxAttempts
	policy.BaseDelay = cfg.API.BaseDelay
	policy.MaxDelay = cfg.API.MaxDelay
	executor := api.NewExecutor(tokens, policy, cfg.API.Timeout, cfg.API.MinInterval, store, log)
	client := api.NewClient(executor, cfg.API.BaseURL)

	reconciler := collector.NewReconciler(store, log)
	newSource := func(market *config.MarketConfig, mode models.ScanMode, knownActive map[string]struct{}) collector.PageSource {
		return api.NewPager(client, market, mode, knownActive, log)
	}
	orchestrator := collector.NewOrchestrator(store, store, reconciler, archiver, newSource, executor, log)

	// One-shot mode: run the requested job and exit with the run's status so
	// the external scheduler's retry policy can engage on failure.
	if jobType := oneShotJob(cfg); jobType != "" {
		mode, err := models.ParseScanMode(jobType)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid_job_type")
		}

		runCtx, cancel := context.WithTimeout(ctx, cfg.Job.RunTimeout)
		defer cancel()

		if err := orchestrator.RunAll(runCtx, cfg.Markets, mode); err != nil {
			log.Error().Err(err).Msg("job_failed")
			os.Exit(1)
		}
		log.Info().Str("job_type", jobType).Msg("job_completed")
		return
	}

	// Daemon mode
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched := scheduler.New(cfg, orchestrator, log)
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("scheduler_start_failed")
	}
	log.Info().Msg("daemon_running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting_down")
	cancel()
	sched.Stop()
}

// oneShotJob returns the job type for a single-run invocation: the -job flag
// wins, then JOB_TYPE (set by the container scheduler).
func oneShotJob(cfg *config.Config) string {
	if *jobFlag != "" {
		return *jobFlag
	}
	return cfg.Job.Type
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
