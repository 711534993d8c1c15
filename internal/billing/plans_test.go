package billing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditpanel/internal/types"
)

func paid(id string, mem int64, price int64) types.Plan {
	return types.Plan{ID: id, Name: id, MemoryMB: mem, MonthlyPrice: decimal.NewFromInt(price), Enabled: true}
}

func TestDefaultCatalog_Match(t *testing.T) {
	c := DefaultCatalog()

	p, ok := c.Match(1024)
	require.True(t, ok)
	assert.Equal(t, "standard", p.ID)

	p, ok = c.Match(128)
	require.True(t, ok)
	assert.True(t, p.Free)

	_, ok = c.Match(768)
	assert.False(t, ok)
}

func TestDefaultCatalog_LowestPaid(t *testing.T) {
	p := DefaultCatalog().LowestPaid()
	assert.Equal(t, "starter", p.ID)
	assert.False(t, p.Free)
}

func TestLowestPaid_IgnoresDisabled(t *testing.T) {
	cheap := paid("cheap", 256, 50)
	cheap.Enabled = false
	c, err := NewCatalog([]types.Plan{cheap, paid("mid", 512, 100), paid("big", 1024, 200)})
	require.NoError(t, err)

	assert.Equal(t, "mid", c.LowestPaid().ID)
}

func TestNewCatalog_DuplicateFingerprint(t *testing.T) {
	_, err := NewCatalog([]types.Plan{paid("a", 512, 100), paid("b", 512, 200)})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeValidationPlanCatalog))
}

func TestNewCatalog_DisabledMayShareFingerprint(t *testing.T) {
	legacy := paid("legacy", 512, 90)
	legacy.Enabled = false
	c, err := NewCatalog([]types.Plan{legacy, paid("starter", 512, 150)})
	require.NoError(t, err)

	p, ok := c.Match(512)
	require.True(t, ok)
	assert.Equal(t, "starter", p.ID)
}

func TestMatch_RetiredPlanStillMatches(t *testing.T) {
	legacy := paid("legacy", 3072, 900)
	legacy.Enabled = false
	c, err := NewCatalog([]types.Plan{paid("starter", 512, 150), legacy})
	require.NoError(t, err)

	p, ok := c.Match(3072)
	require.True(t, ok)
	assert.Equal(t, "legacy", p.ID)
}

func TestNewCatalog_Rejects(t *testing.T) {
	pricedFree := paid("free", 128, 10)
	pricedFree.Free = true
	free := types.Plan{ID: "free", Name: "Free", MemoryMB: 128, Enabled: true, Free: true}

	tests := []struct {
		name  string
		plans []types.Plan
	}{
		{"negative price", []types.Plan{paid("a", 512, -1)}},
		{"priced free plan", []types.Plan{pricedFree, paid("a", 512, 1)}},
		{"no paid plan", []types.Plan{free}},
		{"zero memory", []types.Plan{paid("a", 0, 100)}},
		{"missing id", []types.Plan{paid("", 512, 100)}},
		{"duplicate id", []types.Plan{paid("a", 512, 100), paid("a", 1024, 200)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.plans)
			assert.True(t, types.IsCode(err, types.ErrCodeValidationPlanCatalog), "got %v", err)
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)
	assert.Len(t, c.Plans(), 5)

	c, err = LoadCatalog(`[
		{"id":"free","name":"Free","memory_mb":256,"monthly_price":"0","enabled":true,"free":true},
		{"id":"basic","name":"Basic","memory_mb":1024,"monthly_price":"72","enabled":true,
		 "entitlements":{"databases":1,"backups":2,"allocations":1}}
	]`)
	require.NoError(t, err)
	p, ok := c.Match(1024)
	require.True(t, ok)
	assert.Equal(t, 2, p.Entitlements.Backups)
	assert.Equal(t, "0.1", HourlyCost(p).String())

	_, err = LoadCatalog("{")
	assert.True(t, types.IsCode(err, types.ErrCodeValidationPlanCatalog))
}

func TestPlans_SortedByPrice(t *testing.T) {
	plans := DefaultCatalog().Plans()
	for i := 1; i < len(plans); i++ {
		assert.True(t, plans[i-1].MonthlyPrice.LessThanOrEqual(plans[i].MonthlyPrice))
	}
	assert.Equal(t, "free", plans[0].ID)
}

func TestHourlyCost(t *testing.T) {
	tests := []struct {
		monthly string
		want    string
	}{
		{"0", "0"},
		{"150", "0.2083"},
		{"300", "0.4167"},
		{"720", "1"},
		{"1200", "1.6667"},
	}
	for _, tt := range tests {
		p := types.Plan{MonthlyPrice: decimal.RequireFromString(tt.monthly)}
		assert.True(t, decimal.RequireFromString(tt.want).Equal(HourlyCost(p)), "monthly %s: got %s", tt.monthly, HourlyCost(p))
	}
}
