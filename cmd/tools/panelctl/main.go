// Package main implements panelctl, the operator CLI for the billing
// system. It runs the scheduled passes by hand (bypassing Lambda and the job
// lock), adjusts balances, applies the schema and inspects the plan catalog.
//
// Usage:
//
//	panelctl migrate
//	panelctl charge --reference-time=2026-01-15T02:00:00Z
//	panelctl reconcile --json
//	panelctl balance <account-id>
//	panelctl credit <account-id> 25.00 --promote
//	panelctl debit <account-id> 0.2083
//	panelctl transfer <server-id> <node-id>
//	panelctl plans
//	echo -n "$KEY" | panelctl hash-key
//
// Configuration comes from the environment or a .env file, exactly as for
// the deployed binaries.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(openBackend).ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}
