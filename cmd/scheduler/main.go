package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/database"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/dispatch"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/failsafe"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/faults"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/models"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/priority"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/queue"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/ratelimit"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/resource"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/retry"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open database
	dbPath := envString("SCHEDULER_DB", "./scheduler.db")
	db, err := database.New(dbPath)
	if err != nil {
		log.Fatalw("open database failed", "path", dbPath, "error", err)
	}
	defer db.Close()

	if err := db.InitSchema(); err != nil {
		log.Fatalw("init schema failed", "error", err)
	}

	// Crash recovery: jobs still marked processing belonged to a run
	// that died; they go back to pending before anything dispatches.
	if n, err := db.ResetProcessing(ctx); err != nil {
		log.Warnw("requeue interrupted jobs failed", "error", err)
	} else if n > 0 {
		log.Infow("requeued interrupted jobs", "count", n)
	}

	// Resource monitor over live host metrics.
	monCfg := resource.DefaultConfig()
	monCfg.SampleInterval = envDuration("SCHEDULER_SAMPLE_INTERVAL", monCfg.SampleInterval)
	monCfg.MemoryLimitMB = envInt("SCHEDULER_MEMORY_LIMIT_MB", monCfg.MemoryLimitMB)
	mon := resource.NewMonitor(resource.NewHostSource(resource.SensorProbe("gpu", "edge", "package")), monCfg, log)
	mon.OnThrottle(func(m resource.Metrics) {
		log.Warnw("hardware throttling", "temperature", m.Temperature, "memory_percent", m.MemoryPercent)
	})
	mon.OnCritical(func(m resource.Metrics) {
		log.Errorw("hardware critical", "temperature", m.Temperature, "memory_percent", m.MemoryPercent)
	})
	mon.OnResume(func(m resource.Metrics) {
		log.Infow("hardware recovered", "temperature", m.Temperature, "memory_percent", m.MemoryPercent)
	})
	mon.Start()
	defer mon.Stop()

	// Failsafe layer over the same SQLite file. Construction logs any
	// operations left recoverable by a previous run.
	fsCfg := failsafe.DefaultConfig()
	fsCfg.BackupDir = envString("SCHEDULER_BACKUP_DIR", fsCfg.BackupDir)
	fsm, err := failsafe.NewManager(db, db, fsCfg, log)
	if err != nil {
		log.Fatalw("failsafe init failed", "error", err)
	}

	if interval := envDuration("SCHEDULER_BACKUP_INTERVAL", 6*time.Hour); interval > 0 {
		fsm.StartAutoBackup([]string{dbPath}, interval)
		defer fsm.StopAutoBackup()
	}

	ex := retry.NewExecutor(log)
	rec := faults.NewRecorder(200, log)
	pm := priority.NewManager(db, priority.DefaultConfig(), log)
	rl := ratelimit.New(envInt("SCHEDULER_MAX_JOBS_PER_MIN", 120), time.Minute)

	// Dispatcher: a Redis-backed worker fleet when configured,
	// otherwise an in-process pool running the develop pipeline.
	var disp dispatch.Dispatcher
	if addr := envString("SCHEDULER_REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: envString("SCHEDULER_REDIS_PASSWORD", ""),
			DB:       envInt("SCHEDULER_REDIS_DB", 0),
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalw("redis unreachable", "addr", addr, "error", err)
		}
		defer rdb.Close()
		disp = dispatch.NewRedisDispatcher(rdb, envString("SCHEDULER_REDIS_PREFIX", "lrsched"), log)
		log.Infow("dispatching to redis worker fleet", "addr", addr)
	} else {
		local := dispatch.NewLocalDispatcher(envInt("SCHEDULER_WORKERS", 3), 64, pipelineTask(fsm, log), log)
		local.Start()
		defer local.Stop()
		disp = local
	}

	qCfg := queue.DefaultConfig()
	qCfg.ControlInterval = envDuration("SCHEDULER_CONTROL_INTERVAL", qCfg.ControlInterval)
	qCfg.JobMemoryMB = envInt("SCHEDULER_JOB_MEMORY_MB", qCfg.JobMemoryMB)
	ctrl := queue.NewController(db, disp, pm, mon, rl, ex, rec, qCfg, log)
	ctrl.Start()
	defer ctrl.Stop()

	// Telemetry side port.
	metricsAddr := envString("SCHEDULER_METRICS_ADDR", ":9090")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Infow("metrics listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics server failed", "error", err)
		}
	}()

	go logStats(ctx, db, fsm, log)

	log.Infow("scheduler running", "db", dbPath)
	<-ctx.Done()
	log.Infow("shutting down")
}

// pipelineTask runs one photo job through the develop stages, writing
// a checkpoint after each stage so a crash can resume mid-photo.
func pipelineTask(fsm *failsafe.Manager, log *zap.SugaredLogger) dispatch.TaskFunc {
	stages := []struct {
		name     string
		progress float64
		work     time.Duration
	}{
		{"load", 0.2, 300 * time.Millisecond},
		{"develop", 0.7, 900 * time.Millisecond},
		{"export", 1.0, 400 * time.Millisecond},
	}

	return func(ctx context.Context, job *models.Job) error {
		cp := &failsafe.Checkpoint{
			OperationID:   job.ID,
			OperationName: "develop-photo",
			State:         failsafe.StateRunning,
			Metadata:      map[string]string{"photo_id": job.PhotoID},
		}

		for _, stage := range stages {
			select {
			case <-ctx.Done():
				cp.ID = ""
				cp.State = failsafe.StatePaused
				if err := fsm.SaveCheckpoint(context.Background(), cp); err != nil {
					log.Warnw("pause checkpoint failed", "job_id", job.ID, "error", err)
				}
				return ctx.Err()
			case <-time.After(stage.work):
			}

			cp.ID = ""
			cp.Progress = stage.progress
			cp.Payload = map[string]any{"stage": stage.name}
			if stage.progress >= 1.0 {
				cp.State = failsafe.StateCompleted
			}
			if err := fsm.SaveCheckpoint(ctx, cp); err != nil {
				return fmt.Errorf("checkpoint after %s: %w", stage.name, err)
			}
		}
		return nil
	}
}

func logStats(ctx context.Context, db *database.DB, fsm *failsafe.Manager, log *zap.SugaredLogger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if qm, err := db.GetQueueMetrics(ctx); err == nil {
				log.Infow("queue stats",
					"pending", qm.PendingJobs,
					"processing", qm.ProcessingJobs,
					"completed", qm.CompletedJobs,
					"failed", qm.FailedJobs,
				)
			}
			if fs, err := fsm.GetStatistics(ctx); err == nil {
				log.Infow("failsafe stats",
					"checkpoints", fs.Checkpoints,
					"recoverable", fs.Recoverable,
					"backups", fs.Backups,
				)
			}
		}
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
