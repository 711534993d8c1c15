// Package config loads the process configuration for the reconciler, the
// ledger API and panelctl. Values are read once at start-up and never change.
//
// Resolution order, highest first:
//
//	OS environment -> .env file -> AWS SSM Parameter Store (via *_SSM_PARAM)
package config

import (
	"time"

	"creditpanel/internal/types"
)

// SecretString is re-exported so config callers need not import types.
type SecretString = types.SecretString

// Config is the top-level configuration. Components receive only the
// sub-struct they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server       ServerConfig
	Database     DatabaseConfig
	Panel        PanelConfig
	Billing      BillingConfig
	Reconcile    ReconcileConfig
	Notification NotificationConfig
	AWS          AWSConfig

	Build BuildInfo
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// bcrypt hash of the bearer key the web layer presents.
	ServiceKeyHash SecretString `envconfig:"SERVICE_KEY_HASH"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL             SecretString  `envconfig:"DATABASE_URL" validate:"required"`
	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"gte=1"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"1" validate:"gte=0"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// PanelConfig configures the provisioning API client.
type PanelConfig struct {
	URL           string        `envconfig:"PANEL_URL" validate:"required,url"`
	APIKey        SecretString  `envconfig:"PANEL_API_KEY" validate:"required"`
	PageSize      int           `envconfig:"PANEL_PAGE_SIZE" default:"100" validate:"gte=1,lte=500"`
	Timeout       time.Duration `envconfig:"PANEL_TIMEOUT" default:"30s"`
	RetryAttempts int           `envconfig:"PANEL_RETRY_ATTEMPTS" default:"3" validate:"gte=1,lte=10"`
	RetryDelay    time.Duration `envconfig:"PANEL_RETRY_DELAY" default:"2s"`
	NodeCacheTTL  time.Duration `envconfig:"NODE_CACHE_TTL" default:"10m"`
	// Discord webhook receiving audit events for mutating calls. Empty
	// means audit events are only logged.
	AuditWebhookURL SecretString `envconfig:"AUDIT_WEBHOOK_URL"`
}

// BillingConfig holds the charge cycle settings.
type BillingConfig struct {
	ChargeSuspended bool `envconfig:"BILLING_CHARGE_SUSPENDED" default:"true"`
	Concurrency     int  `envconfig:"BILLING_CONCURRENCY" default:"8" validate:"gte=1"`
	// Optional JSON array overriding the built-in plan catalog.
	PlanCatalogJSON string `envconfig:"PLAN_CATALOG_JSON" validate:"omitempty,json"`
}

// ReconcileConfig holds the suspension pass settings.
type ReconcileConfig struct {
	Concurrency         int           `envconfig:"RECONCILE_CONCURRENCY" default:"8" validate:"gte=1"`
	GracePeriod         time.Duration `envconfig:"GRACE_PERIOD" default:"72h"`
	GraceWarning        time.Duration `envconfig:"GRACE_WARNING_WINDOW" default:"24h"`
	FreeInactivityLimit time.Duration `envconfig:"FREE_INACTIVITY_LIMIT" default:"720h"`
}

// NotificationConfig holds the user notification and audit webhook settings.
type NotificationConfig struct {
	QueueURL string `envconfig:"NOTIFICATION_QUEUE_URL" validate:"omitempty,url"`
	Workers  int    `envconfig:"NOTIFY_WORKERS" default:"4" validate:"gte=1"`
	Buffer   int    `envconfig:"NOTIFY_BUFFER" default:"64" validate:"gte=1"`
}

// AWSConfig holds the region and namespaces used by the AWS clients.
type AWSConfig struct {
	Region          string `envconfig:"AWS_REGION" default:"us-east-1"`
	EndpointURL     string `envconfig:"AWS_ENDPOINT_URL"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"CreditPanel"`
}

// BuildInfo is injected through ldflags, not the environment.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes loading failures.
type ConfigErrorType string

const (
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
