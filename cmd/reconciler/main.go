// Package main is the entrypoint for the reconciler Lambda function.
//
// The reconciler is a task multiplexer. EventBridge rules send a JSON payload
// naming the task, and the handler routes execution to the matching pass:
//
//	charge_cycle           hourly, debits every billable server's owner
//	reconcile_suspensions  every few minutes, suspends/resumes/deletes/patches
//	refresh_node_cache     reloads the panel node list
//
// Handler flow:
//  1. Parse the Payload and determine the reference time.
//  2. Take the Postgres job lock. The charge cycle claims its hour bucket
//     with a row that never expires, so a retry arriving at any later time
//     cannot charge that hour again. Other tasks lease the task id and
//     release it when done.
//  3. Record job history, dispatch through the in-process Runner, finish
//     history.
//  4. Flush queued notifications and audit events before the invocation
//     returns.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"creditpanel/internal/app"
	"creditpanel/internal/config"
	"creditpanel/internal/db"
	"creditpanel/internal/scheduler"
	"creditpanel/internal/types"
)

const (
	// lockTTL covers the longest expected pass with margin. An abandoned
	// lease expires on its own. Hour-bucket claims do not use it.
	lockTTL = 15 * time.Minute

	// flushTimeout bounds the wait for queued notifications and audit events
	// at the end of an invocation.
	flushTimeout = 10 * time.Second
)

// ServiceRegistry holds the pass services the multiplexer routes to.
type ServiceRegistry struct {
	Billing    ChargeService
	Reconciler ReconcileService
	Nodes      NodeRefresher
}

// ChargeService runs one charge cycle.
type ChargeService interface {
	ChargeCycle(ctx context.Context, now time.Time) (*types.CycleResult, error)
}

// ReconcileService runs one reconcile pass.
type ReconcileService interface {
	ReconcileSuspensions(ctx context.Context, now time.Time) (*types.ReconcileResult, error)
}

// NodeRefresher reloads the node catalog.
type NodeRefresher interface {
	Refresh(ctx context.Context) (int, error)
}

// JobLocker abstracts the distributed lock.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	Claim(ctx context.Context, lockID string, workerID string) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// JobHistorian abstracts the job history recording.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status db.JobStatus, items int, err error) error
}

// Flusher drains queued notifications and audit events.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Handler holds the dependencies for the Lambda handler function.
type Handler struct {
	Services   ServiceRegistry
	JobLock    JobLocker
	JobHistory JobHistorian
	Runner     *scheduler.Runner
	Notifier   Flusher
	WorkerID   string
	Logger     *slog.Logger
}

// lockID returns the job lock key and whether it is a permanent hour-bucket
// claim rather than a lease released after the run.
func lockID(task scheduler.TaskType, now time.Time) (string, bool) {
	if task == scheduler.TaskChargeCycle {
		return scheduler.ChargeLockID(now), true
	}
	return string(task), false
}

// Handle processes one EventBridge payload.
func (h *Handler) Handle(ctx context.Context, payload scheduler.Payload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	taskStr := string(payload.Task)
	logger.InfoContext(ctx, "reconciler handler invoked",
		"task", taskStr,
		"reference_time", now.Format(time.RFC3339),
		"worker_id", h.WorkerID,
	)

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in payload")
	}

	lock, bucket := lockID(payload.Task, now)
	var acquired bool
	var err error
	if bucket {
		acquired, err = h.JobLock.Claim(ctx, lock, h.WorkerID)
	} else {
		acquired, err = h.JobLock.Acquire(ctx, lock, h.WorkerID, lockTTL)
	}
	if err != nil {
		logger.ErrorContext(ctx, "failed to acquire job lock", "lock_id", lock, "error", err)
		return "", fmt.Errorf("acquiring job lock %s: %w", lock, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock not acquired, another worker is processing", "lock_id", lock)
		return fmt.Sprintf("skipped: lock %s held by another worker", lock), nil
	}
	if !bucket {
		defer func() {
			if err := h.JobLock.Release(context.WithoutCancel(ctx), lock, h.WorkerID); err != nil {
				logger.ErrorContext(ctx, "failed to release job lock", "lock_id", lock, "error", err)
			}
		}()
	}
	defer h.flush(ctx, logger)

	jobID, err := h.JobHistory.Start(ctx, taskStr)
	if err != nil {
		// History is best effort; jobID 0 skips Finish.
		logger.ErrorContext(ctx, "failed to start job history", "task", taskStr, "error", err)
		jobID = 0
	}

	var items int
	execErr := h.Runner.Run(ctx, payload.Task, func(ctx context.Context) error {
		var err error
		items, err = h.dispatch(ctx, payload.Task, now)
		return err
	})

	status := db.JobSuccess
	switch {
	case errors.Is(execErr, scheduler.ErrPassInProgress):
		status = db.JobSkipped
	case execErr != nil:
		status = db.JobFailed
	}
	if jobID != 0 {
		if finishErr := h.JobHistory.Finish(context.WithoutCancel(ctx), jobID, status, items, execErr); finishErr != nil {
			logger.ErrorContext(ctx, "failed to finish job history", "job_id", jobID, "task", taskStr, "error", finishErr)
		}
	}

	if status == db.JobSkipped {
		return fmt.Sprintf("skipped: task %s already running", taskStr), nil
	}
	if execErr != nil {
		logger.ErrorContext(ctx, "task execution failed",
			"task", taskStr,
			"error", execErr,
			"items_before_error", items,
		)
		return "", fmt.Errorf("task %s failed: %w", taskStr, execErr)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", taskStr, items)
	logger.InfoContext(ctx, result, "task", taskStr, "items", items)
	return result, nil
}

// dispatch routes a task to its service and reports how many items it
// processed.
func (h *Handler) dispatch(ctx context.Context, task scheduler.TaskType, now time.Time) (int, error) {
	switch task {
	case scheduler.TaskChargeCycle:
		res, err := h.Services.Billing.ChargeCycle(ctx, now)
		if res == nil {
			return 0, err
		}
		return len(res.Entries), err

	case scheduler.TaskReconcileSuspensions:
		res, err := h.Services.Reconciler.ReconcileSuspensions(ctx, now)
		if res == nil {
			return 0, err
		}
		return len(res.Entries), err

	case scheduler.TaskRefreshNodeCache:
		return h.Services.Nodes.Refresh(ctx)

	default:
		return 0, fmt.Errorf("unknown task type: %q", task)
	}
}

func (h *Handler) flush(ctx context.Context, logger *slog.Logger) {
	if h.Notifier == nil {
		return
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := h.Notifier.Flush(fctx); err != nil {
		logger.WarnContext(ctx, "notifications or audit events still queued at end of invocation", "error", err)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("reconciler Lambda initializing (cold start)",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
	)

	// Services are built once per cold start and reused across invocations.
	a, err := app.New(context.Background(), cfg, logger, app.Options{PublishMetrics: true, UseQueue: true})
	if err != nil {
		return err
	}

	workerID := uuid.NewString()
	handler := &Handler{
		Services: ServiceRegistry{
			Billing:    a.Billing,
			Reconciler: a.Reconciler,
			Nodes:      a.Nodes,
		},
		JobLock:    a.JobLocks,
		JobHistory: a.JobHistory,
		Runner:     a.Runner,
		Notifier:   a,
		WorkerID:   workerID,
		Logger:     logger,
	}

	logger.Info("reconciler Lambda initialized", "worker_id", workerID)
	lambda.Start(handler.Handle)
	return nil
}
