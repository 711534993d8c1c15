package types

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestWithRequestID_GetRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-abc")
	if got := GetRequestID(ctx); got != "req-abc" {
		t.Errorf("GetRequestID() = %q, want %q", got, "req-abc")
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}

func TestWithPassID_GetPassID(t *testing.T) {
	ctx := WithPassID(context.Background(), "pass-1")
	if got := GetPassID(ctx); got != "pass-1" {
		t.Errorf("GetPassID() = %q, want %q", got, "pass-1")
	}
	if got := GetPassID(context.Background()); got != "" {
		t.Errorf("GetPassID() outside a pass = %q, want empty", got)
	}
}

func TestLoggerFromContext(t *testing.T) {
	var scopedBuf, fallbackBuf bytes.Buffer
	scoped := slog.New(slog.NewTextHandler(&scopedBuf, nil))
	fallback := slog.New(slog.NewTextHandler(&fallbackBuf, nil))

	t.Run("scoped logger wins", func(t *testing.T) {
		ctx := WithLogger(context.Background(), scoped)
		LoggerFromContext(ctx, fallback).Info("hello")
		if !strings.Contains(scopedBuf.String(), "hello") {
			t.Error("expected message on scoped logger")
		}
		if fallbackBuf.Len() != 0 {
			t.Error("fallback logger should not be used")
		}
	})

	t.Run("fallback when absent", func(t *testing.T) {
		if got := LoggerFromContext(context.Background(), fallback); got != fallback {
			t.Error("expected fallback logger")
		}
	})

	t.Run("nil stored logger is ignored", func(t *testing.T) {
		ctx := WithLogger(context.Background(), nil)
		if got := LoggerFromContext(ctx, fallback); got != fallback {
			t.Error("expected fallback logger for nil stored logger")
		}
	})

	t.Run("default when no fallback", func(t *testing.T) {
		if got := LoggerFromContext(context.Background(), nil); got != slog.Default() {
			t.Error("expected slog.Default()")
		}
	})
}

func TestContextValues_DoNotInterfere(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithPassID(ctx, "pass-1")

	if GetRequestID(ctx) != "req-1" || GetPassID(ctx) != "pass-1" {
		t.Errorf("values interfered: request=%q pass=%q", GetRequestID(ctx), GetPassID(ctx))
	}

	// A plain string key with the same text must not collide.
	ctx = context.WithValue(ctx, "request_id", "other") //nolint:staticcheck
	if GetRequestID(ctx) != "req-1" {
		t.Errorf("unexported key type collided with a string key")
	}
}
