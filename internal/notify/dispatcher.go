// Package notify hands owner notifications to the email worker's SQS queue
// from a fixed pool of background senders, so billing passes never wait on
// delivery.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"creditpanel/internal/types"
)

// SQSSender is the SendMessage subset of *sqs.Client.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Config controls queueing and deduplication of notifications.
type Config struct {
	QueueURL    string
	Workers     int
	Buffer      int
	SendTimeout time.Duration
}

// Dispatcher queues notifications and sends them from Workers goroutines.
// A full queue drops the message and logs it.
type Dispatcher struct {
	sender SQSSender
	cfg    Config
	logger *slog.Logger

	queue   chan types.NotificationMessage
	pending sync.WaitGroup
	group   *errgroup.Group

	mu      sync.RWMutex
	stopped bool
}

// NewDispatcher creates a Dispatcher sending through sender.
func NewDispatcher(sender SQSSender, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Buffer < 1 {
		cfg.Buffer = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sender: sender,
		cfg:    cfg,
		logger: logger.With("component", "notify"),
		queue:  make(chan types.NotificationMessage, cfg.Buffer),
		group:  new(errgroup.Group),
	}
	d.group.SetLimit(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		d.group.Go(d.work)
	}
	return d
}

// Notify enqueues msg without blocking. It reports false when the message
// was dropped.
func (d *Dispatcher) Notify(ctx context.Context, msg types.NotificationMessage) bool {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return false
	}

	d.pending.Add(1)
	select {
	case d.queue <- msg:
		return true
	default:
		d.pending.Done()
		d.logger.WarnContext(ctx, "notification queue full, message dropped",
			"type", msg.Type,
			"account_id", msg.AccountID,
			"server_id", msg.ServerID,
		)
		return false
	}
}

// Flush blocks until every queued notification has been attempted.
func (d *Dispatcher) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the workers.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mu.Unlock()
	return d.group.Wait()
}

func (d *Dispatcher) work() error {
	for msg := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
		if err := d.send(ctx, msg); err != nil {
			d.logger.Error("notification send failed",
				"id", msg.ID,
				"type", msg.Type,
				"account_id", msg.AccountID,
				"error", err,
			)
		}
		cancel()
		d.pending.Done()
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, msg types.NotificationMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = d.sender.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.cfg.QueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"type": {DataType: aws.String("String"), StringValue: aws.String(string(msg.Type))},
		},
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue, "failed to enqueue notification", err)
	}
	return nil
}

// LogNotifier stands in for the dispatcher when no queue is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs msg and reports it as delivered.
func (n LogNotifier) Notify(ctx context.Context, msg types.NotificationMessage) bool {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "notification (no queue configured)",
		"type", msg.Type, "account_id", msg.AccountID, "server_id", msg.ServerID, "reason", msg.Reason)
	return true
}

func (LogNotifier) Flush(context.Context) error { return nil }
