package limits

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"risk-gate/internal/riskerr"
	"risk-gate/internal/store"
)

func testEvaluator() *Evaluator {
	return NewEvaluator(store.NewMemoryStore(), zerolog.Nop())
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestSetLimitDefaults(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()

	limit, err := e.SetLimit(ctx, &Limit{
		TenantID:  "tenant-a",
		AssetID:   "BTC-USD",
		LimitType: LimitAbsolute,
		MaxValue:  d("0.5"),
	})
	if err != nil {
		t.Fatalf("SetLimit failed: %v", err)
	}
	if limit.LimitID == "" {
		t.Error("Expected a generated limit ID")
	}
	if limit.Scope != ScopeAsset {
		t.Errorf("Expected scope ASSET for asset-bound limit, got %s", limit.Scope)
	}
	if limit.CreatedAt.IsZero() || limit.UpdatedAt.IsZero() {
		t.Error("Expected timestamps to be set")
	}

	wide, err := e.SetLimit(ctx, &Limit{
		TenantID:  "tenant-a",
		LimitType: LimitPercentage,
		MaxValue:  d("10"),
	})
	if err != nil {
		t.Fatalf("SetLimit failed: %v", err)
	}
	if wide.Scope != ScopeTenant {
		t.Errorf("Expected scope TENANT for tenant-wide limit, got %s", wide.Scope)
	}
}

func TestSetLimitValidation(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()

	tests := []struct {
		name  string
		limit *Limit
	}{
		{"missing tenant", &Limit{LimitType: LimitAbsolute, MaxValue: d("1")}},
		{"unknown type", &Limit{TenantID: "tenant-a", LimitType: "WEIRD", MaxValue: d("1")}},
		{"zero max", &Limit{TenantID: "tenant-a", LimitType: LimitAbsolute, MaxValue: decimal.Zero}},
		{"negative max", &Limit{TenantID: "tenant-a", LimitType: LimitAbsolute, MaxValue: d("-1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.SetLimit(ctx, tt.limit); !riskerr.IsInvalidState(err) {
				t.Errorf("Expected invalid state error, got %v", err)
			}
		})
	}
}

func TestSetLimitUpdatePreservesBookkeeping(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()

	created, err := e.SetLimit(ctx, &Limit{
		TenantID:  "tenant-a",
		AssetID:   "BTC-USD",
		LimitType: LimitAbsolute,
		MaxValue:  d("2"),
	})
	if err != nil {
		t.Fatalf("SetLimit failed: %v", err)
	}
	if err := e.RecordFill(ctx, "tenant-a", "BTC-USD", d("1"), d("60000")); err != nil {
		t.Fatalf("RecordFill failed: %v", err)
	}

	updated, err := e.SetLimit(ctx, &Limit{
		LimitID:   created.LimitID,
		TenantID:  "tenant-a",
		AssetID:   "BTC-USD",
		LimitType: LimitAbsolute,
		MaxValue:  d("4"),
	})
	if err != nil {
		t.Fatalf("SetLimit update failed: %v", err)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Error("Expected CreatedAt preserved across update")
	}
	if !updated.CurrentValue.Equal(d("1")) {
		t.Errorf("Expected current value 1 preserved, got %s", updated.CurrentValue)
	}
	if !updated.UtilizationPercent.Equal(d("25")) {
		t.Errorf("Expected utilization recomputed to 25, got %s", updated.UtilizationPercent)
	}
}

func TestCheckOrderNoLimitsUnboundedPass(t *testing.T) {
	e := testEvaluator()

	results, err := e.CheckOrder(context.Background(), "tenant-a", "BTC-USD", d("1"), d("60000"), nil, nil)
	if err != nil {
		t.Fatalf("CheckOrder failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}
	if !results[0].WithinLimit || !results[0].Unbounded {
		t.Errorf("Expected unbounded pass, got %+v", results[0])
	}
}

func TestCheckOrderAbsoluteViolation(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()

	if _, err := e.SetLimit(ctx, &Limit{
		TenantID:  "tenant-a",
		AssetID:   "BTC-USD",
		LimitType: LimitAbsolute,
		MaxValue:  d("0.5"),
	}); err != nil {
		t.Fatalf("SetLimit failed: %v", err)
	}

	results, err := e.CheckOrder(ctx, "tenant-a", "BTC-USD", d("1"), d("60000"), nil, nil)
	if err != nil {
		t.Fatalf("CheckOrder failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.WithinLimit {
		t.Error("Expected violation for qty 1 against max 0.5")
	}
	if !r.CurrentValue.Equal(d("1")) {
		t.Errorf("Expected current value 1, got %s", r.CurrentValue)
	}
	if !r.EffectiveMax.Equal(d("0.5")) {
		t.Errorf("Expected limit value 0.5, got %s", r.EffectiveMax)
	}
	if !r.WouldExceedBy.Equal(d("0.5")) {
		t.Errorf("Expected exceed-by 0.5, got %s", r.WouldExceedBy)
	}
}

func TestCheckOrderUsesExistingPosition(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()

	if _, err := e.SetLimit(ctx, &Limit{
		TenantID:  "tenant-a",
		AssetID:   "BTC-USD",
		LimitType: LimitAbsolute,
		MaxValue:  d("0.5"),
	}); err != nil {
		t.Fatalf("SetLimit failed: %v", err)
	}
	positions := map[string]decimal.Decimal{"BTC-USD": d("0.3")}

	t.Run("buy within remaining headroom", func(t *testing.T) {
		results, err := e.CheckOrder(ctx, "tenant-a", "BTC-USD", d("0.1"), d("60000"), positions, nil)
		if err != nil {
			t.Fatalf("CheckOrder failed: %v", err)
		}
		if !results[0].WithinLimit {
			t.Errorf("Expected 0.4 <= 0.5 to pass, got %+v", results[0])
		}
	})

	t.Run("buy exactly to the cap passes", func(t *testing.T) {
		results, err := e.CheckOrder(ctx, "tenant-a", "BTC-USD", d("0.2"), d("60000"), positions, nil)
		if err != nil {
			t.Fatalf("CheckOrder failed: %v", err)
		}
		if !results[0].WithinLimit {
			t.Errorf("Expected 0.5 <= 0.5 to pass, got %+v", results[0])
		}
	})

	t.Run("buy past the cap fails", func(t *testing.T) {
		results, err := e.CheckOrder(ctx, "tenant-a", "BTC-USD", d("0.3"), d("60000"), positions, nil)
		if err != nil {
			t.Fatalf("CheckOrder failed: %v", err)
		}
		if results[0].WithinLimit {
			t.Error("Expected 0.6 > 0.5 to fail")
		}
	})

	t.Run("sell from an over-limit position passes", func(t *testing.T) {
		over := map[string]decimal.Decimal{"BTC-USD": d("1.0")}
		results, err := e.CheckOrder(ctx, "tenant-a", "BTC-USD", d("-0.6"), d("60000"), over, nil)
		if err != nil {
			t.Fatalf("CheckOrder failed: %v", err)
		}
		if !results[0].WithinLimit {
			t.Errorf("Expected sell reducing to 0.4 to pass, got %+v", results[0])
		}
	})
}

func TestCheckOrderPercentageOfPortfolio(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()

	if _, err := e.SetLimit(ctx, &Limit{
		TenantID:  "tenant-a",
		AssetID:   "BTC-USD",
		LimitType: LimitPercentage,
		MaxValue:  d("10"),
	}); err != nil {
		t.Fatalf("SetLimit failed: %v", err)
	}
	portfolio := d("100000")

	// 0.5 * 30000 = 15000 notional against a 10000 cap
	results, err := e.CheckOrder(ctx, "tenant-a", "BTC-USD", d("0.5"), d("30000"), nil, &portfolio)
	if err != nil {
		t.Fatalf("CheckOrder failed: %v", err)
	}
	r := results[0]
	if r.WithinLimit {
		t.Error("Expected 15000 notional > 10000 cap to fail")
	}
	if !r.EffectiveMax.Equal(d("10000")) {
		t.Errorf("Expected effective max 10000, got %s", r.EffectiveMax)
	}
	if !r.WouldExceedBy.Equal(d("5000")) {
		t.Errorf("Expected exceed-by 5000, got %s", r.WouldExceedBy)
	}
	if !r.UtilizationPercent.Equal(d("150")) {
		t.Errorf("Expected utilization 150, got %s", r.UtilizationPercent)
	}

	// 0.2 * 30000 = 6000 notional passes
	results, err = e.CheckOrder(ctx, "tenant-a", "BTC-USD", d("0.2"), d("30000"), nil, &portfolio)
	if err != nil {
		t.Fatalf("CheckOrder failed: %v", err)
	}
	if !results[0].WithinLimit {
		t.Errorf("Expected 6000 notional <= 10000 cap to pass, got %+v", results[0])
	}
}

func TestCheckOrderPercentageWithoutPortfolioFallsBack(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()

	if _, err := e.SetLimit(ctx, &Limit{
		TenantID:  "tenant-a",
		AssetID:   "BTC-USD",
		LimitType: LimitPercentage,
		MaxValue:  d("2"),
	}); err != nil {
		t.Fatalf("SetLimit failed: %v", err)
	}

	// No portfolio value: maxValue acts as a plain quantity cap.
	results, err := e.CheckOrder(ctx, "tenant-a", "BTC-USD", d("3"), d("100"), nil, nil)
	if err != nil {
		t.Fatalf("CheckOrder failed: %v", err)
	}
	if results[0].WithinLimit {
		t.Error("Expected qty 3 > fallback cap 2 to fail")
	}
	if !results[0].EffectiveMax.Equal(d("2")) {
		t.Errorf("Expected effective max 2, got %s", results[0].EffectiveMax)
	}
}

func TestCheckOrderAssetFiltering(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()

	if _, err := e.SetLimit(ctx, &Limit{
		TenantID:  "tenant-a",
		AssetID:   "ETH-USD",
		LimitType: LimitAbsolute,
		MaxValue:  d("1"),
	}); err != nil {
		t.Fatalf("SetLimit failed: %v", err)
	}

	// ETH limit does not bind a BTC order.
	results, err := e.CheckOrder(ctx, "tenant-a", "BTC-USD", d("5"), d("60000"), nil, nil)
	if err != nil {
		t.Fatalf("CheckOrder failed: %v", err)
	}
	if len(results) != 1 || !results[0].Unbounded {
		t.Errorf("Expected unbounded pass for unlimited asset, got %+v", results)
	}

	// A tenant-wide limit binds every asset.
	if _, err := e.SetLimit(ctx, &Limit{
		TenantID:  "tenant-a",
		LimitType: LimitAbsolute,
		MaxValue:  d("2"),
	}); err != nil {
		t.Fatalf("SetLimit failed: %v", err)
	}
	results, err = e.CheckOrder(ctx, "tenant-a", "BTC-USD", d("5"), d("60000"), nil, nil)
	if err != nil {
		t.Fatalf("CheckOrder failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected only the tenant-wide limit to apply, got %d results", len(results))
	}
	if results[0].WithinLimit {
		t.Error("Expected qty 5 > tenant-wide cap 2 to fail")
	}
}

func TestRecordFill(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()

	abs, _ := e.SetLimit(ctx, &Limit{
		TenantID:  "tenant-a",
		AssetID:   "BTC-USD",
		LimitType: LimitAbsolute,
		MaxValue:  d("2"),
	})
	pct, _ := e.SetLimit(ctx, &Limit{
		TenantID:  "tenant-a",
		LimitType: LimitPercentage,
		MaxValue:  d("10"),
	})
	other, _ := e.SetLimit(ctx, &Limit{
		TenantID:  "tenant-a",
		AssetID:   "ETH-USD",
		LimitType: LimitAbsolute,
		MaxValue:  d("3"),
	})

	if err := e.RecordFill(ctx, "tenant-a", "BTC-USD", d("0.5"), d("60000")); err != nil {
		t.Fatalf("RecordFill failed: %v", err)
	}

	got, _ := e.GetLimit(ctx, "tenant-a", abs.LimitID)
	if !got.CurrentValue.Equal(d("0.5")) {
		t.Errorf("Expected absolute current value 0.5, got %s", got.CurrentValue)
	}
	if !got.UtilizationPercent.Equal(d("25")) {
		t.Errorf("Expected utilization 25, got %s", got.UtilizationPercent)
	}

	got, _ = e.GetLimit(ctx, "tenant-a", pct.LimitID)
	if !got.CurrentValue.Equal(d("30000")) {
		t.Errorf("Expected percentage limit to track notional 30000, got %s", got.CurrentValue)
	}

	got, _ = e.GetLimit(ctx, "tenant-a", other.LimitID)
	if !got.CurrentValue.Equal(decimal.Zero) {
		t.Errorf("Expected unrelated asset limit untouched, got %s", got.CurrentValue)
	}

	// A sell unwinds the bookkeeping.
	if err := e.RecordFill(ctx, "tenant-a", "BTC-USD", d("-0.5"), d("60000")); err != nil {
		t.Fatalf("RecordFill failed: %v", err)
	}
	got, _ = e.GetLimit(ctx, "tenant-a", abs.LimitID)
	if !got.CurrentValue.Equal(decimal.Zero) {
		t.Errorf("Expected current value back to 0, got %s", got.CurrentValue)
	}
}

func TestRemoveLimit(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()

	created, _ := e.SetLimit(ctx, &Limit{
		TenantID:  "tenant-a",
		AssetID:   "BTC-USD",
		LimitType: LimitAbsolute,
		MaxValue:  d("1"),
	})
	if err := e.RemoveLimit(ctx, "tenant-a", created.LimitID); err != nil {
		t.Fatalf("RemoveLimit failed: %v", err)
	}
	if err := e.RemoveLimit(ctx, "tenant-a", created.LimitID); !riskerr.IsNotFound(err) {
		t.Errorf("Expected not found on second remove, got %v", err)
	}

	limits, err := e.ListLimits(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("ListLimits failed: %v", err)
	}
	if len(limits) != 0 {
		t.Errorf("Expected no limits after removal, got %d", len(limits))
	}
}
