// -----------------------------------------------------------------------
// Last Modified: Wednesday, 29th July 2026 1:00:00 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/robfig/cron/v3"

	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/jwoc/control"
	"github.com/ternarybob/quaero/internal/jwoc/dispatch"
	"github.com/ternarybob/quaero/internal/jwoc/failer"
	"github.com/ternarybob/quaero/internal/jwoc/httpapi"
	"github.com/ternarybob/quaero/internal/jwoc/process"
	"github.com/ternarybob/quaero/internal/jwoc/queue"
	"github.com/ternarybob/quaero/internal/jwoc/sqlstore"
)

var (
	configFile  = flag.String("config", "", "Configuration file path")
	serverPort  = flag.Int("port", 0, "Server port (overrides config)")
	showVersion = flag.Bool("version", false, "Print version information")
)

// serviceTimeouts adapts common.JWOCConfig to dispatch.TimeoutProvider,
// whose contract returns whole seconds rather than a time.Duration.
type serviceTimeouts struct {
	cfg common.JWOCConfig
}

func (s serviceTimeouts) TimeoutForService(serviceID string) int {
	return int(s.cfg.TimeoutForService(serviceID) / time.Second)
}

func main() {
	flag.Parse()

	execPath, execErr := os.Executable()
	logDir := "./logs"
	if execErr == nil {
		logDir = filepath.Join(filepath.Dir(execPath), "logs")
	}
	common.InstallCrashHandler(logDir)
	defer common.RecoverWithCrashFile()

	if *showVersion {
		fmt.Printf("jwocd version %s\n", common.GetVersion())
		os.Exit(0)
	}

	path := *configFile
	if path == "" {
		if _, err := os.Stat("jwoc.toml"); err == nil {
			path = "jwoc.toml"
		}
	}

	cfg, err := common.LoadFromFile(path)
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Str("path", path).Msg("failed to load configuration")
		os.Exit(1)
	}
	if *serverPort != 0 {
		cfg.Server.Port = *serverPort
	}

	logger := common.SetupLogger(cfg)
	common.PrintBanner(cfg, logger)

	db, err := sqlstore.Open(cfg.Storage, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queues, err := queue.NewGoqiteProvider(ctx, db.Raw(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize queue provider")
	}

	clock := &wallClock{}
	store := sqlstore.New(db, logger, clock)

	limits := dispatch.Limits{
		CMRMaxPageSize:  cfg.JWOC.CMRMaxPageSize,
		MaxGranuleLimit: cfg.JWOC.MaxGranuleLimit,
	}
	dispatcher := dispatch.New(store, queues, cfg.Queue.WorkPrefix, cfg.Queue.SchedulerName, limits, serviceTimeouts{cfg: cfg.JWOC}, logger)

	pollInterval := parseDuration(cfg.Queue.PollInterval, time.Second)
	schedulerPump := dispatch.NewSchedulerPump(dispatcher, queues, cfg.Queue.SchedulerName, pollInterval, cfg.Queue.Concurrency, 50, logger)

	processor := process.New(store, store, dispatcher, process.Config{
		WorkItemRetryLimit:                           cfg.JWOC.WorkItemRetryLimit,
		MaxErrorsForJob:                               cfg.JWOC.MaxErrorsForJob,
		MaxPercentErrorsForJob:                        cfg.JWOC.MaxPercentErrorsForJob,
		MinCompletedWorkItemsToCheckFailurePercentage: cfg.JWOC.MinCompletedWorkItemsToCheckFailurePercentage,
		MaxBatchInputs:                                cfg.JWOC.MaxBatchInputs,
		MaxBatchSizeInBytes:                           cfg.JWOC.MaxBatchSizeInBytes,
	}, logger)

	updatePool := process.NewPool(processor, queues, cfg.Queue.UpdateName, pollInterval, cfg.Queue.Concurrency, logger)

	updateQueue, err := queues.Queue(ctx, cfg.Queue.UpdateName)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve update queue for failer")
	}
	sweeper := failer.New(store, processor, updateQueue, failer.Config{
		PeriodSec:                       cfg.JWOC.WorkFailerPeriodSec,
		FailableWorkAgeMinutes:          cfg.JWOC.FailableWorkAgeMinutes,
		BatchSize:                       cfg.JWOC.WorkFailerBatchSize,
		MaxWorkItemsOnUpdateQueueFailer: cfg.JWOC.MaxWorkItemsOnUpdateQueueFailer,
		DefaultTimeoutSeconds:           cfg.JWOC.DefaultTimeoutSeconds,
		ServiceTimeoutSeconds:           cfg.JWOC.ServiceTimeoutSeconds,
	}, clock, logger)

	ctl := &control.Context{
		Jobs:        store,
		Work:        store,
		Dispatcher:  dispatcher,
		Credentials: control.NoopCredentialRefresher{Logger: logger},
		Clock:       clock,
		Logger:      logger,
	}

	retention := control.NewRetentionSweeper(store, cfg.JWOC.RetentionDays, clock, logger)
	cronSched := cron.New()
	if _, err := cronSched.AddFunc(cfg.JWOC.RetentionSweepSchedule, func() { retention.Run(ctx) }); err != nil {
		logger.Warn().Err(err).Str("schedule", cfg.JWOC.RetentionSweepSchedule).Msg("failed to register retention sweep schedule")
	} else {
		cronSched.Start()
		defer cronSched.Stop()
	}

	schedulerPump.Start(ctx)
	defer schedulerPump.Stop()
	updatePool.Start(ctx)
	defer updatePool.Stop()
	sweeper.Start(ctx)
	defer sweeper.Stop()

	api := httpapi.New(ctl, dispatcher, processor, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Routes(),
	}

	common.SafeGo(logger, "http-server", func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	})

	logger.Info().Str("addr", srv.Addr).Msg("jwocd ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down jwocd")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}

	common.Stop()
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
