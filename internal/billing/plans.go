// Package billing holds the plan catalog and the pricing rules derived from it.
package billing

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"creditpanel/internal/types"
)

// HoursPerMonth is the billing month used to derive hourly cost.
const HoursPerMonth = 30 * 24

// costScale is the number of decimal places balances and charges carry.
const costScale = 4

// defaultPlans is the built-in tier table. Memory is the fingerprint, so no
// two enabled tiers may share it.
//
//	| Plan     | Memory | Monthly | DBs | Backups | Allocations |
//	|----------|--------|---------|-----|---------|-------------|
//	| Free     | 128    | 0       | 0   | 0       | 1           |
//	| Starter  | 512    | 150     | 1   | 1       | 1           |
//	| Standard | 1024   | 300     | 2   | 2       | 2           |
//	| Pro      | 2048   | 600     | 3   | 3       | 3           |
//	| Elite    | 4096   | 1200    | 5   | 5       | 4           |
var defaultPlans = []types.Plan{
	{ID: "free", Name: "Free", MemoryMB: 128, DiskMB: 1024, CPUPercent: 50, MonthlyPrice: decimal.Zero,
		Entitlements: types.Entitlements{Databases: 0, Backups: 0, Allocations: 1}, Enabled: true, Free: true},
	{ID: "starter", Name: "Starter", MemoryMB: 512, DiskMB: 5120, CPUPercent: 100, MonthlyPrice: decimal.NewFromInt(150),
		Entitlements: types.Entitlements{Databases: 1, Backups: 1, Allocations: 1}, Enabled: true},
	{ID: "standard", Name: "Standard", MemoryMB: 1024, DiskMB: 10240, CPUPercent: 150, MonthlyPrice: decimal.NewFromInt(300),
		Entitlements: types.Entitlements{Databases: 2, Backups: 2, Allocations: 2}, Enabled: true},
	{ID: "pro", Name: "Pro", MemoryMB: 2048, DiskMB: 20480, CPUPercent: 200, MonthlyPrice: decimal.NewFromInt(600),
		Entitlements: types.Entitlements{Databases: 3, Backups: 3, Allocations: 3}, Enabled: true},
	{ID: "elite", Name: "Elite", MemoryMB: 4096, DiskMB: 40960, CPUPercent: 300, MonthlyPrice: decimal.NewFromInt(1200),
		Entitlements: types.Entitlements{Databases: 5, Backups: 5, Allocations: 4}, Enabled: true},
}

// Catalog is an immutable, validated set of plans. It is safe for concurrent
// use.
type Catalog struct {
	plans    []types.Plan
	byMemory map[int64]types.Plan // enabled plans only
	disabled map[int64]types.Plan
}

// NewCatalog validates plans and builds a catalog from them. It rejects
// duplicate fingerprints among enabled plans, negative prices, free plans
// with a price, and catalogs without an enabled paid plan.
func NewCatalog(plans []types.Plan) (*Catalog, error) {
	v := validator.New()
	c := &Catalog{
		plans:    make([]types.Plan, 0, len(plans)),
		byMemory: make(map[int64]types.Plan),
		disabled: make(map[int64]types.Plan),
	}
	seenID := make(map[string]bool)
	hasPaid := false

	for _, p := range plans {
		if err := v.Struct(p); err != nil {
			return nil, catalogError(fmt.Sprintf("plan %q is invalid", p.ID), err)
		}
		if seenID[p.ID] {
			return nil, catalogError(fmt.Sprintf("duplicate plan id %q", p.ID), nil)
		}
		seenID[p.ID] = true

		if p.MonthlyPrice.IsNegative() {
			return nil, catalogError(fmt.Sprintf("plan %q has a negative price", p.ID), nil)
		}
		if p.Free && !p.MonthlyPrice.IsZero() {
			return nil, catalogError(fmt.Sprintf("free plan %q has a price", p.ID), nil)
		}

		if p.Enabled {
			if other, dup := c.byMemory[p.MemoryMB]; dup {
				return nil, catalogError(
					fmt.Sprintf("plans %q and %q share the %d MB fingerprint", other.ID, p.ID, p.MemoryMB), nil)
			}
			c.byMemory[p.MemoryMB] = p
			hasPaid = hasPaid || !p.Free
		} else if _, ok := c.disabled[p.MemoryMB]; !ok {
			c.disabled[p.MemoryMB] = p
		}
		c.plans = append(c.plans, p)
	}

	if !hasPaid {
		return nil, catalogError("catalog has no enabled paid plan", nil)
	}
	return c, nil
}

func catalogError(msg string, err error) error {
	return types.NewAppError(types.ErrCodeValidationPlanCatalog, msg, err)
}

// DefaultCatalog returns the built-in tiers.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(defaultPlans)
	if err != nil {
		panic(fmt.Sprintf("billing: built-in catalog invalid: %v", err))
	}
	return c
}

// LoadCatalog parses a JSON array of plans. An empty string yields the
// built-in catalog.
func LoadCatalog(raw string) (*Catalog, error) {
	if raw == "" {
		return DefaultCatalog(), nil
	}
	var plans []types.Plan
	if err := json.Unmarshal([]byte(raw), &plans); err != nil {
		return nil, catalogError("plan catalog is not valid JSON", err)
	}
	return NewCatalog(plans)
}

// Match resolves a server's observed memory to its plan. Enabled plans win;
// a retired plan still matches so servers created under it keep being
// billed at its price.
func (c *Catalog) Match(memoryMB int64) (types.Plan, bool) {
	if p, ok := c.byMemory[memoryMB]; ok {
		return p, true
	}
	p, ok := c.disabled[memoryMB]
	return p, ok
}

// LowestPaid returns the cheapest enabled non-free plan, which is the
// remediation target for servers whose build matches no plan.
func (c *Catalog) LowestPaid() types.Plan {
	var best types.Plan
	found := false
	for _, p := range c.plans {
		if !p.Enabled || p.Free {
			continue
		}
		if !found || p.MonthlyPrice.LessThan(best.MonthlyPrice) {
			best, found = p, true
		}
	}
	return best
}

// Plans returns the catalog ordered by price, then memory.
func (c *Catalog) Plans() []types.Plan {
	out := make([]types.Plan, len(c.plans))
	copy(out, c.plans)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].MonthlyPrice.Equal(out[j].MonthlyPrice) {
			return out[i].MonthlyPrice.LessThan(out[j].MonthlyPrice)
		}
		return out[i].MemoryMB < out[j].MemoryMB
	})
	return out
}

// HourlyCost is the monthly price spread over a 30-day month, rounded to the
// ledger's scale.
func HourlyCost(p types.Plan) decimal.Decimal {
	return p.MonthlyPrice.Div(decimal.NewFromInt(HoursPerMonth)).Round(costScale)
}
