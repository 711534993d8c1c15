package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"creditpanel/internal/types"
)

// fakePanel records every mutation. Errors can be injected per operation
// and per server.
type fakePanel struct {
	mu        sync.Mutex
	servers   []types.ProvisionedServer
	listErr   error
	opErr     map[string]map[int64]error
	suspended []int64
	resumed   []int64
	deleted   []int64
	patched   map[int64]types.Plan
}

func newFakePanel(servers ...types.ProvisionedServer) *fakePanel {
	return &fakePanel{
		servers: servers,
		opErr:   make(map[string]map[int64]error),
		patched: make(map[int64]types.Plan),
	}
}

func (p *fakePanel) failOn(op string, id int64, err error) {
	if p.opErr[op] == nil {
		p.opErr[op] = make(map[int64]error)
	}
	p.opErr[op][id] = err
}

func (p *fakePanel) ListServers(ctx context.Context) ([]types.ProvisionedServer, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	out := make([]types.ProvisionedServer, len(p.servers))
	copy(out, p.servers)
	return out, nil
}

func (p *fakePanel) Suspend(ctx context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.opErr["suspend"][id]; err != nil {
		return err
	}
	p.suspended = append(p.suspended, id)
	return nil
}

func (p *fakePanel) Unsuspend(ctx context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.opErr["unsuspend"][id]; err != nil {
		return err
	}
	p.resumed = append(p.resumed, id)
	return nil
}

func (p *fakePanel) Delete(ctx context.Context, id int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.opErr["delete"][id]; err != nil {
		return 0, err
	}
	p.deleted = append(p.deleted, id)
	return 204, nil
}

func (p *fakePanel) PatchLimits(ctx context.Context, server types.ProvisionedServer, plan types.Plan) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.opErr["patch"][server.ID]; err != nil {
		return err
	}
	p.patched[server.ID] = plan
	return nil
}

type debitCall struct {
	AccountID string
	Amount    decimal.Decimal
}

// fakeLedger serves accounts keyed by external id.
type fakeLedger struct {
	mu        sync.Mutex
	accounts  map[int64]*types.Account
	loadErr   error
	outcomes  map[string]types.DebitOutcome
	debitErr  map[string]error
	clearErr  error
	debits    []debitCall
	cleared   []string
	refreshes []string
}

func newFakeLedger(accounts ...*types.Account) *fakeLedger {
	l := &fakeLedger{
		accounts: make(map[int64]*types.Account),
		outcomes: make(map[string]types.DebitOutcome),
		debitErr: make(map[string]error),
	}
	for _, a := range accounts {
		l.accounts[a.ExternalID] = a
	}
	return l
}

func (l *fakeLedger) AccountsByExternalIDs(ctx context.Context, ids []int64) (map[int64]*types.Account, error) {
	if l.loadErr != nil {
		return nil, l.loadErr
	}
	out := make(map[int64]*types.Account)
	for _, id := range ids {
		if a, ok := l.accounts[id]; ok {
			cp := *a
			out[id] = &cp
		}
	}
	return out, nil
}

func (l *fakeLedger) DebitAccount(ctx context.Context, id string, amount decimal.Decimal) (types.DebitOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debits = append(l.debits, debitCall{AccountID: id, Amount: amount})
	if err := l.debitErr[id]; err != nil {
		return "", err
	}
	if o, ok := l.outcomes[id]; ok {
		return o, nil
	}
	return types.DebitApplied, nil
}

func (l *fakeLedger) ClearBillingSuspension(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.clearErr != nil {
		return false, l.clearErr
	}
	l.cleared = append(l.cleared, id)
	return true, nil
}

func (l *fakeLedger) RequestActivityRefresh(ctx context.Context, id string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshes = append(l.refreshes, id)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []types.NotificationMessage
}

func (n *fakeNotifier) Notify(ctx context.Context, msg types.NotificationMessage) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return true
}

func (n *fakeNotifier) kinds() []types.NotificationType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]types.NotificationType, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.Type)
	}
	return out
}

type fakeMetrics struct {
	cycles     []*types.CycleResult
	reconciles []*types.ReconcileResult
}

func (m *fakeMetrics) RecordCycle(ctx context.Context, res *types.CycleResult) {
	m.cycles = append(m.cycles, res)
}

func (m *fakeMetrics) RecordReconcile(ctx context.Context, res *types.ReconcileResult) {
	m.reconciles = append(m.reconciles, res)
}

// Plan memory sizes from the built-in catalog.
const (
	memFree    = 128
	memStarter = 512
	memOdd     = 777
)

var refNow = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

func server(id, owner, memory int64, suspended bool) types.ProvisionedServer {
	return types.ProvisionedServer{
		ID:              id,
		Identifier:      "srv" + decimal.NewFromInt(id).String(),
		Name:            "server",
		OwnerExternalID: owner,
		Limits:          types.ServerLimits{MemoryMB: memory},
		Suspended:       suspended,
		UpdatedAt:       refNow.Add(-time.Hour),
	}
}

func account(id string, external int64, balance string) *types.Account {
	return &types.Account{
		ID:         id,
		ExternalID: external,
		Balance:    decimal.RequireFromString(balance),
		Role:       types.RoleClient,
	}
}
