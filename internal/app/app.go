// Package app assembles the dependency graph shared by cmd/reconciler,
// cmd/ledger-api and panelctl: database pool, ledger, provisioning client,
// audit sinks, notifier, metrics and the scheduled pass services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"creditpanel/internal/audit"
	"creditpanel/internal/billing"
	"creditpanel/internal/config"
	"creditpanel/internal/db"
	"creditpanel/internal/external"
	"creditpanel/internal/ledger"
	"creditpanel/internal/lifecycle"
	"creditpanel/internal/metrics"
	"creditpanel/internal/notify"
	"creditpanel/internal/scheduler"
	"creditpanel/internal/security"
)

// auditBuffer is the number of audit events queued for the webhook before
// new ones are dropped. A delete-heavy pass records one event per server.
const auditBuffer = 1024

// Options selects the optional AWS integrations. The CLI runs without them.
type Options struct {
	// PublishMetrics sends pass summaries to CloudWatch.
	PublishMetrics bool
	// UseQueue sends notifications to NOTIFICATION_QUEUE_URL when it is set.
	// Otherwise they are only logged.
	UseQueue bool
}

// notifier is what the passes and the shutdown path need from a notifier.
type notifier interface {
	scheduler.Notifier
	Flush(ctx context.Context) error
}

// App is the wired process.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Pool       *pgxpool.Pool
	Ledger     *ledger.Service
	Panel      *external.PanelClient
	Nodes      *external.NodeCache
	Catalog    *billing.Catalog
	Billing    *scheduler.BillingEngine
	Reconciler *scheduler.Reconciler
	Transfers  *lifecycle.Service
	Runner     *scheduler.Runner
	JobLocks   *db.JobLockRepository
	JobHistory *db.JobHistoryRepository

	notifier notifier
	flushers []func(ctx context.Context) error
	closers  []func(ctx context.Context) error
}

// New connects to Postgres and builds every service. On error, anything
// already opened is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.wire(ctx, opts); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	cfg, logger := a.Config, a.Logger
	var err error

	a.Catalog, err = billing.LoadCatalog(cfg.Billing.PlanCatalogJSON)
	if err != nil {
		return fmt.Errorf("loading plan catalog: %w", err)
	}

	a.Pool, err = db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { a.Pool.Close(); return nil })

	a.Ledger = ledger.NewService(db.NewLedgerRepository(a.Pool), logger)
	a.JobLocks = db.NewJobLockRepository(a.Pool)
	a.JobHistory = db.NewJobHistoryRepository(a.Pool)

	sinks := audit.Fanout{audit.NewLogSink(logger)}
	if !cfg.Panel.AuditWebhookURL.Empty() {
		hookHTTP := &http.Client{Timeout: cfg.Panel.Timeout}
		if cfg.Environment != "local" {
			hookHTTP = security.NewEgressGuard().NewHTTPClient(cfg.Panel.Timeout)
		}
		hook := external.NewBaseClient(hookHTTP, "discord-audit",
			external.RetryPolicy{Attempts: 1}, userAgent(cfg))
		discord := audit.NewDiscordSink(hook, cfg.Panel.AuditWebhookURL.Unmask(), auditBuffer, logger)
		sinks = append(sinks, discord)
		a.flushers = append(a.flushers, discord.Flush)
		a.closers = append(a.closers, discord.Close)
	}

	base := external.NewBaseClient(
		&http.Client{Timeout: cfg.Panel.Timeout},
		"panel",
		external.RetryPolicy{Attempts: cfg.Panel.RetryAttempts, Delay: cfg.Panel.RetryDelay},
		userAgent(cfg),
	)
	a.Panel = external.NewPanelClient(base, external.PanelConfig{
		BaseURL:  cfg.Panel.URL,
		APIKey:   cfg.Panel.APIKey.Unmask(),
		PageSize: cfg.Panel.PageSize,
		Audit:    sinks,
		Logger:   logger,
	})
	a.Nodes = external.NewNodeCache(a.Panel, cfg.Panel.NodeCacheTTL)
	a.Transfers = lifecycle.NewService(a.Panel, a.Nodes, logger)

	var passMetrics interface {
		scheduler.CycleMetrics
		scheduler.ReconcileMetrics
	} = metrics.Nop{}

	needAWS := opts.PublishMetrics || (opts.UseQueue && cfg.Notification.QueueURL != "")
	var awsCfg aws.Config
	if needAWS {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return fmt.Errorf("loading aws config: %w", err)
		}
	}
	endpoint := func() *string {
		if cfg.AWS.EndpointURL == "" {
			return nil
		}
		return aws.String(cfg.AWS.EndpointURL)
	}

	if opts.PublishMetrics {
		cw := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) { o.BaseEndpoint = endpoint() })
		passMetrics = metrics.NewPassMetrics(cw, cfg.AWS.MetricNamespace, logger)
	}

	if opts.UseQueue && cfg.Notification.QueueURL != "" {
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) { o.BaseEndpoint = endpoint() })
		d := notify.NewDispatcher(client, notify.Config{
			QueueURL: cfg.Notification.QueueURL,
			Workers:  cfg.Notification.Workers,
			Buffer:   cfg.Notification.Buffer,
		}, logger)
		a.notifier = d
		a.closers = append(a.closers, func(context.Context) error { return d.Close() })
	} else {
		a.notifier = notify.LogNotifier{Logger: logger}
	}
	a.flushers = append(a.flushers, a.notifier.Flush)

	a.Runner = scheduler.NewRunner(logger)
	a.Billing = scheduler.NewBillingEngine(a.Panel, a.Ledger, a.Catalog, a.notifier, passMetrics,
		scheduler.BillingConfig{
			ChargeSuspended: cfg.Billing.ChargeSuspended,
			Concurrency:     cfg.Billing.Concurrency,
		}, logger)
	a.Reconciler = scheduler.NewReconciler(a.Panel, a.Ledger, a.Catalog, a.notifier, passMetrics,
		scheduler.ReconcileConfig{
			Concurrency:     cfg.Reconcile.Concurrency,
			GracePeriod:     cfg.Reconcile.GracePeriod,
			GraceWarning:    cfg.Reconcile.GraceWarning,
			InactivityLimit: cfg.Reconcile.FreeInactivityLimit,
		}, logger)

	return nil
}

// Flush waits for queued notifications and audit events to be delivered.
// The reconciler calls it before every invocation returns.
func (a *App) Flush(ctx context.Context) error {
	var errs []error
	for _, f := range a.flushers {
		if err := f(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func userAgent(cfg *config.Config) string {
	return "creditpanel/" + cfg.Build.Version
}

// NewLogger builds the JSON logger every binary writes to stdout.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
