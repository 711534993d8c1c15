package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"creditpanel/internal/types"
)

// ErrPassInProgress is returned by Runner.Run when the same task is already
// running in this process. The trigger is skipped, not queued.
var ErrPassInProgress = types.NewAppError(types.ErrCodeConflictPassRunning, "pass already in progress", nil)

// Runner guarantees that at most one pass per task runs at a time.
type Runner struct {
	mu      sync.Mutex
	running map[TaskType]*atomic.Bool
	logger  *slog.Logger
}

// NewRunner creates a Runner. A nil logger falls back to slog.Default().
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{running: make(map[TaskType]*atomic.Bool), logger: logger}
}

func (r *Runner) flag(task TaskType) *atomic.Bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.running[task]
	if !ok {
		f = new(atomic.Bool)
		r.running[task] = f
	}
	return f
}

// Run executes fn unless task is already running. fn receives a context
// tagged with a fresh pass id and a logger carrying it.
func (r *Runner) Run(ctx context.Context, task TaskType, fn func(ctx context.Context) error) error {
	f := r.flag(task)
	if !f.CompareAndSwap(false, true) {
		r.logger.WarnContext(ctx, "pass skipped, previous run still in progress", "task", string(task))
		return ErrPassInProgress
	}
	defer f.Store(false)

	passID := types.GetPassID(ctx)
	if passID == "" {
		passID = uuid.NewString()
		ctx = types.WithPassID(ctx, passID)
	}
	ctx = types.WithLogger(ctx, types.LoggerFromContext(ctx, r.logger).With("task", string(task), "pass_id", passID))
	return fn(ctx)
}

// Running reports whether task currently holds its flag.
func (r *Runner) Running(task TaskType) bool {
	return r.flag(task).Load()
}
