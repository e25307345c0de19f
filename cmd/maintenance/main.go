// Package main is the entrypoint for the Maintenance Lambda function.
//
// EventBridge rules send a MaintenancePayload naming the task; the handler
// routes it to the matching scheduler service.
//
// Handler flow:
//  1. Parse payload and determine the reference time.
//  2. Acquire a distributed job lock: "task:timestamp_hour".
//  3. Record job start in job_history.
//  4. Run the task.
//  5. Record completion, publish the task metric, release the lock.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/google/uuid"

	"billingsync/internal/app"
	"billingsync/internal/billing"
	"billingsync/internal/config"
	"billingsync/internal/db"
	"billingsync/internal/metrics"
	"billingsync/internal/scheduler"
	"billingsync/internal/types"
)

const (
	// lapseBatchLimit caps the subscriptions expired per run. The remainder
	// is picked up by the next run.
	lapseBatchLimit = 500

	// pendingReportLimit caps the claims logged per report.
	pendingReportLimit = 1000

	// lockTTL covers the Lambda timeout with margin.
	lockTTL = 15 * time.Minute
)

// LapseService expires cancelled subscriptions past their period.
type LapseService interface {
	ExpireLapsed(ctx context.Context, now time.Time, limit int) (int, error)
}

// PendingService reports ledger claims stuck in PENDING.
type PendingService interface {
	Report(ctx context.Context, now time.Time, limit int) (int, error)
}

// JobLocker abstracts the distributed lock.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// JobHistorian abstracts the job history recording.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// Handler holds the dependencies for the maintenance Lambda handler. JobLock,
// JobHistory and Metrics may be nil (local SQLite runs).
type Handler struct {
	Lapse      LapseService
	Pending    PendingService
	JobLock    JobLocker
	JobHistory JobHistorian
	Metrics    scheduler.MetricPublisher
	WorkerID   string
	Logger     *slog.Logger
}

// Handle processes a MaintenancePayload from EventBridge.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	taskStr := string(payload.Task)
	logger = logger.With("task", taskStr, "worker_id", h.WorkerID)
	logger.InfoContext(ctx, "maintenance handler invoked",
		"reference_time", now.Format(time.RFC3339),
	)

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}

	lockID := fmt.Sprintf("%s:%s", payload.Task, now.Truncate(time.Hour).Format("2006-01-02T15"))
	if h.JobLock != nil {
		acquired, err := h.JobLock.Acquire(ctx, lockID, h.WorkerID, lockTTL)
		if err != nil {
			logger.ErrorContext(ctx, "failed to acquire job lock",
				"lock_id", lockID,
				"error", err,
			)
			return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
		}
		if !acquired {
			logger.InfoContext(ctx, "job lock not acquired, another worker is processing",
				"lock_id", lockID,
			)
			return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
		}
		defer func() {
			if err := h.JobLock.Release(context.WithoutCancel(ctx), lockID, h.WorkerID); err != nil {
				logger.WarnContext(ctx, "failed to release job lock", "lock_id", lockID, "error", err)
			}
		}()
	}

	var jobID int64
	if h.JobHistory != nil {
		id, err := h.JobHistory.Start(ctx, taskStr)
		if err != nil {
			// History is for visibility only; the task still runs.
			logger.ErrorContext(ctx, "failed to start job history", "error", err)
		}
		jobID = id
	}

	items, execErr := h.dispatch(ctx, logger, payload.Task, now)

	status := db.JobStatusSuccess
	if execErr != nil {
		status = db.JobStatusFailed
	}
	if jobID != 0 {
		if err := h.JobHistory.Finish(ctx, jobID, status, items, execErr); err != nil {
			logger.ErrorContext(ctx, "failed to finish job history",
				"job_id", jobID,
				"error", err,
			)
		}
	}

	if execErr != nil {
		logger.ErrorContext(ctx, "task execution failed",
			"error", execErr,
			"items_before_error", items,
		)
		return "", fmt.Errorf("task %s failed: %w", taskStr, execErr)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", taskStr, items)
	logger.InfoContext(ctx, result, "items", items)
	return result, nil
}

// dispatch routes a TaskType to its service and returns the item count.
func (h *Handler) dispatch(ctx context.Context, logger *slog.Logger, task scheduler.TaskType, now time.Time) (int, error) {
	switch task {
	case scheduler.TaskExpireLapsed:
		n, err := h.Lapse.ExpireLapsed(ctx, now, lapseBatchLimit)
		if err == nil && h.Metrics != nil {
			if perr := h.Metrics.Publish(ctx, types.MetricLapsedExpired, float64(n), nil); perr != nil {
				logger.WarnContext(ctx, "failed to publish lapse metric", "error", perr)
			}
		}
		return n, err

	case scheduler.TaskReportPending:
		return h.Pending.Report(ctx, now, pendingReportLimit)

	default:
		return 0, fmt.Errorf("unknown task type: %q", task)
	}
}

// newHandler wires the scheduler services over an opened backend.
func newHandler(cfg *config.Config, backend *app.Backend, publisher scheduler.MetricPublisher, logger *slog.Logger) *Handler {
	processor := billing.NewProcessor(backend.Store, cfg.Processing, logger)

	h := &Handler{
		Lapse:    scheduler.NewLapseSweeper(backend.Store, processor, cfg.Processing.LapseGrace, logger),
		Pending:  scheduler.NewPendingClaimReporter(backend.Store, publisher, cfg.Processing.PendingClaimAge, logger),
		Metrics:  publisher,
		WorkerID: uuid.New().String(),
		Logger:   logger,
	}
	if backend.Postgres != nil {
		pool := backend.Postgres.Pool()
		h.JobLock = db.NewJobLockRepository(pool)
		h.JobHistory = db.NewJobHistoryRepository(pool)
	}
	return h
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("Maintenance Lambda initializing (cold start)")

	ctx := context.Background()
	backend, err := app.OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		os.Exit(1)
	}

	var publisher scheduler.MetricPublisher
	if cfg.Observability.EnableMetrics {
		awsCfg, err := app.LoadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			logger.Error("Failed to load AWS SDK config", "error", err)
			os.Exit(1)
		}
		publisher = metrics.NewCloudWatchPublisher(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)
	}

	handler := newHandler(cfg, backend, publisher, logger)

	logger.Info("Maintenance Lambda initialized",
		"worker_id", handler.WorkerID,
		"lapse_grace", cfg.Processing.LapseGrace.String(),
		"pending_claim_age", cfg.Processing.PendingClaimAge.String(),
	)

	lambda.Start(handler.Handle)
}
