package types

import "time"

// NotificationType identifies the owner-facing message the external email
// worker renders.
type NotificationType string

const (
	NotifyServerSuspended NotificationType = "server_suspended"
	NotifyServerDeleted   NotificationType = "server_deleted"
	NotifyGraceWarning    NotificationType = "grace_warning"
	NotifyServerResumed   NotificationType = "server_resumed"
)

// NotificationMessage is the SQS payload consumed by the email worker. JSON
// tags are snake_case to match the consumer.
type NotificationMessage struct {
	ID         string           `json:"id"`
	Type       NotificationType `json:"type"`
	AccountID  string           `json:"account_id"`
	ExternalID int64            `json:"external_id"`
	ServerID   int64            `json:"server_id"`
	ServerName string           `json:"server_name"`
	Reason     string           `json:"reason,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
	// Remaining grace before deletion; only set on grace warnings.
	GraceRemaining string `json:"grace_remaining,omitempty"`
}

// AuditSeverity controls how an audit sink highlights an event.
type AuditSeverity string

const (
	AuditInfo    AuditSeverity = "info"
	AuditWarning AuditSeverity = "warning"
	AuditError   AuditSeverity = "error"
)

// AuditEvent records one mutating provisioning call.
type AuditEvent struct {
	Operation  string        `json:"operation"`
	ServerID   int64         `json:"server_id"`
	NodeID     int64         `json:"node_id,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	PassID     string        `json:"pass_id,omitempty"`
	Severity   AuditSeverity `json:"severity"`
	OccurredAt time.Time     `json:"occurred_at"`
}
