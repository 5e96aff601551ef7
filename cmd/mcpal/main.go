package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/yourusername/mcpal/internal/backup"
	"github.com/yourusername/mcpal/internal/bootstrap"
	"github.com/yourusername/mcpal/internal/config"
	"github.com/yourusername/mcpal/internal/console"
	"github.com/yourusername/mcpal/internal/database"
	"github.com/yourusername/mcpal/internal/logging"
	"github.com/yourusername/mcpal/internal/metrics"
	"github.com/yourusername/mcpal/internal/properties"
	"github.com/yourusername/mcpal/internal/server"
)

func main() {
	rootDir := executableDir()

	// Arguments decide which config file to load
	args, err := bootstrap.Resolve(rootDir, os.Args[1:])
	if err != nil {
		if !errors.Is(err, bootstrap.ErrInvalidParameters) || !configFileExists() {
			log.Fatal(err)
		}
		// A config file alone is enough to start
		args, err = bootstrap.Parse(nil)
		if err != nil {
			log.Fatal(err)
		}
	}

	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.Init(cfg.Logging)
	if err != nil {
		log.Printf("Failed to set up log file, using stdout: %v", err)
	}
	defer logging.Close()

	startup, result, err := args.Startup(rootDir, cfg)
	if err != nil {
		log.Fatalf("Failed to prepare server: %v", err)
	}
	reportOverrides(result)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	logDir := filepath.Join(cfg.Storage.DataDir, "logs", "activity")
	activityLogger, err := logging.NewActivityLogger(db.DB, logDir)
	if err != nil {
		log.Fatalf("Failed to initialize activity logger: %v", err)
	}
	defer activityLogger.Close()
	if cfg.Logging.ActivityRetention > 0 {
		if err := activityLogger.CleanupOldActivities(cfg.Logging.ActivityRetention); err != nil {
			log.Printf("Failed to clean up activity log: %v", err)
		}
	}

	runs := server.NewRunStore(db.DB)
	if closed, err := runs.CloseAbandoned(time.Now()); err != nil {
		log.Printf("[Supervisor] %v", err)
	} else if closed > 0 {
		log.Printf("[Supervisor] Closed %d runs left open by a previous session", closed)
	}

	history := console.NewCommandHistory(db.DB)
	opts := server.Options{
		Activity: activityLogger,
		History:  history,
		Runs:     runs,
	}
	if cfg.Server.ConsoleLog.Echo {
		opts.Echo = os.Stdout
	}
	consoleLog, err := console.NewLogWriter(cfg.Server.ConsoleLog)
	if err != nil {
		log.Fatalf("Failed to open console log: %v", err)
	}
	if consoleLog != nil {
		opts.ConsoleLog = consoleLog
		defer consoleLog.Close()
		go rotateOnHangup(consoleLog)
	}

	supervisor := server.NewSupervisor(cfg.Server, cfg.Guard, startup, opts)
	coordinator := backup.NewCoordinator(cfg.Backup, startup, supervisor, db.DB, activityLogger)

	removed, err := coordinator.Recover()
	if err != nil {
		log.Printf("[BackupMgr] Recovery failed: %v", err)
	} else if len(removed) > 0 {
		log.Printf("[BackupMgr] Removed %d interrupted backups", len(removed))
	}

	if cfg.Backup.OnStop {
		supervisor.OnStop(coordinator.StopHook())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Backup.Schedule != "" {
		scheduler, err := backup.NewScheduler(cfg.Backup.Schedule, func(ctx context.Context) error {
			_, err := coordinator.Backup(ctx, backup.TriggerSchedule)
			return err
		}, logger)
		if err != nil {
			log.Fatalf("Failed to schedule backups: %v", err)
		}
		scheduler.Start(ctx)
		log.Printf("[BackupMgr] Next scheduled backup at %s", scheduler.NextRun().Format(time.RFC1123))
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Fatalf("Failed to register metrics: %v", err)
		}
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, prometheus.DefaultGatherer); err != nil {
				log.Printf("[Metrics] Listener stopped: %v", err)
			}
		}()
	}

	if err := supervisor.Start(ctx); err != nil {
		if isFatal(err) {
			log.Fatalf("Failed to start server: %v", err)
		}
		log.Printf("Failed to start server: %v", err)
	}

	op := newOperator(supervisor, coordinator, records{
		commands: history,
		backups:  coordinator.Store(),
		activity: activityLogger,
		runs:     runs,
	}, os.Stdout)
	done := make(chan struct{})
	go func() {
		op.run(ctx, os.Stdin)
		close(done)
	}()

	select {
	case <-ctx.Done():
		log.Println("Shutting down...")
	case <-done:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg.Server))
	defer shutdownCancel()
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown incomplete: %v", err)
	}
	log.Println("MCpal stopped")
}

// isFatal reports configuration problems no retry can fix
func isFatal(err error) bool {
	return errors.Is(err, server.ErrSpawn) ||
		errors.Is(err, server.ErrEULANotAccepted) ||
		errors.Is(err, server.ErrWorldMissing)
}

func reportOverrides(result *properties.Result) {
	if result.TemplateCreated {
		log.Printf("No %s found. Created a copy from the current %s", properties.TemplateName, properties.FileName)
	}
	if len(result.Applied) > 0 {
		log.Println("Overriding default server properties from template")
		for _, change := range result.Applied {
			log.Printf("- %s", change)
		}
	}
	if len(result.Rejected) > 0 {
		logging.L().Warn("invalid properties in parameters", "count", len(result.Rejected))
		for _, change := range result.Rejected {
			log.Printf("- %s -> %s", change.Key, change.Value)
		}
	}
}

// shutdownTimeout covers a graceful stop, the forced kill and an on-stop backup
func shutdownTimeout(cfg config.ServerConfig) time.Duration {
	return cfg.StopTimeout + cfg.KillTimeout + 5*time.Minute
}

// rotateOnHangup starts a fresh console log file on every SIGHUP
func rotateOnHangup(lw *console.LogWriter) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	for range hup {
		if err := lw.Rotate(); err != nil {
			log.Printf("[Console] Failed to rotate console log: %v", err)
			continue
		}
		log.Printf("[Console] Console log rotated")
	}
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		wd, _ := os.Getwd()
		return wd
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}

func configFileExists() bool {
	_, err := os.Stat(config.GetConfigPath())
	return err == nil
}
