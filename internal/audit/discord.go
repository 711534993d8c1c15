package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"creditpanel/internal/types"
)

const (
	colorInfo    = 0x2196F3
	colorWarning = 0xFF9800
	colorError   = 0xF44336
)

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title     string         `json:"title"`
	Color     int            `json:"color"`
	Fields    []discordField `json:"fields,omitempty"`
	Timestamp string         `json:"timestamp"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Doer sends HTTP requests; external.BaseClient satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxErrorField is the byte budget for the error text in an embed field.
const maxErrorField = 1000

// DiscordSink posts audit events as webhook embeds from a background
// goroutine. When the buffer is full new events are dropped and logged.
//
// Flush must be called before a Lambda invocation returns; queued events
// otherwise sit in a frozen execution environment until the next thaw.
type DiscordSink struct {
	client  Doer
	url     string
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	events chan types.AuditEvent
	done   chan struct{}

	// pending counts events queued or being posted. idle is closed when it
	// drops to zero and is nil while nothing is pending.
	pendMu  sync.Mutex
	pending int
	idle    chan struct{}
}

// NewDiscordSink starts the posting goroutine. buffer bounds the number of
// queued events.
func NewDiscordSink(client Doer, webhookURL string, buffer int, logger *slog.Logger) *DiscordSink {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer < 1 {
		buffer = 1
	}
	s := &DiscordSink{
		client:  client,
		url:     webhookURL,
		logger:  logger,
		timeout: 10 * time.Second,
		events:  make(chan types.AuditEvent, buffer),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Record queues e without blocking.
func (s *DiscordSink) Record(ctx context.Context, e types.AuditEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.addPending(1)
	select {
	case s.events <- e:
	default:
		s.addPending(-1)
		s.logger.WarnContext(ctx, "audit buffer full, event dropped",
			"operation", e.Operation, "server_id", e.ServerID)
	}
}

// Flush waits until every queued event has been posted or ctx ends. The
// sink keeps accepting events afterwards.
func (s *DiscordSink) Flush(ctx context.Context) error {
	s.pendMu.Lock()
	idle := s.idle
	s.pendMu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit flush: %w", ctx.Err())
	}
}

func (s *DiscordSink) addPending(delta int) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	s.pending += delta
	switch {
	case s.pending > 0 && s.idle == nil:
		s.idle = make(chan struct{})
	case s.pending == 0 && s.idle != nil:
		close(s.idle)
		s.idle = nil
	}
}

// Close stops accepting events and waits for queued ones to be posted.
func (s *DiscordSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *DiscordSink) run() {
	defer close(s.done)
	for e := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.post(ctx, e); err != nil {
			s.logger.Error("audit webhook failed", "operation", e.Operation, "server_id", e.ServerID, "error", err)
		}
		cancel()
		s.addPending(-1)
	}
}

func (s *DiscordSink) post(ctx context.Context, e types.AuditEvent) error {
	body, err := json.Marshal(formatEmbed(e))
	if err != nil {
		return fmt.Errorf("encode embed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}

func formatEmbed(e types.AuditEvent) discordPayload {
	color := colorInfo
	switch e.Severity {
	case types.AuditWarning:
		color = colorWarning
	case types.AuditError:
		color = colorError
	}

	fields := []discordField{
		{Name: "Server", Value: strconv.FormatInt(e.ServerID, 10), Inline: true},
	}
	if e.NodeID != 0 {
		fields = append(fields, discordField{Name: "Node", Value: strconv.FormatInt(e.NodeID, 10), Inline: true})
	}
	if e.StatusCode != 0 {
		fields = append(fields, discordField{Name: "Status", Value: strconv.Itoa(e.StatusCode), Inline: true})
	}
	if e.PassID != "" {
		fields = append(fields, discordField{Name: "Pass", Value: e.PassID})
	}
	if e.Error != "" {
		fields = append(fields, discordField{Name: "Error", Value: "```" + truncate(e.Error, maxErrorField) + "```"})
	}

	return discordPayload{
		Username: "creditpanel",
		Embeds: []discordEmbed{{
			Title:     e.Operation,
			Color:     color,
			Fields:    fields,
			Timestamp: e.OccurredAt.UTC().Format(time.RFC3339),
		}},
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
