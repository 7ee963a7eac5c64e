package volatility

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"risk-gate/internal/events"
	"risk-gate/internal/riskerr"
	"risk-gate/internal/store"
)

func testThrottle() *Throttle {
	return NewThrottle(store.NewMemoryStore(), nil, zerolog.Nop())
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestCheckThrottleWithoutState(t *testing.T) {
	th := testThrottle()

	result, err := th.CheckThrottle(context.Background(), "tenant-a", "BTC-USD")
	if err != nil {
		t.Fatalf("CheckThrottle failed: %v", err)
	}
	if result.Level != LevelNormal {
		t.Errorf("Expected NORMAL, got %s", result.Level)
	}
	if !result.ThrottlePercent.IsZero() {
		t.Errorf("Expected zero throttle, got %s", result.ThrottlePercent)
	}
	if !result.AllowNewEntries {
		t.Error("Expected new entries allowed without state")
	}
}

func TestUpdateIndexDefaultBands(t *testing.T) {
	th := testThrottle()
	ctx := context.Background()

	tests := []struct {
		index     string
		wantLevel Level
		wantAllow bool
	}{
		{"0", LevelNormal, true},
		{"24.9", LevelNormal, true},
		{"25", LevelElevated, true}, // band boundary is inclusive
		{"49", LevelElevated, true},
		{"50", LevelHigh, true},
		{"74.9", LevelHigh, true},
		{"75", LevelExtreme, false},
		{"120", LevelExtreme, false},
	}
	for _, tt := range tests {
		state, err := th.UpdateIndex(ctx, "tenant-a", "BTC-USD", "ATR_PCT", d(tt.index))
		if err != nil {
			t.Fatalf("UpdateIndex(%s) failed: %v", tt.index, err)
		}
		if state.Level != tt.wantLevel {
			t.Errorf("Index %s: expected level %s, got %s", tt.index, tt.wantLevel, state.Level)
		}
		if state.AllowNewEntries != tt.wantAllow {
			t.Errorf("Index %s: expected allowNewEntries=%v, got %v", tt.index, tt.wantAllow, state.AllowNewEntries)
		}

		result, err := th.CheckThrottle(ctx, "tenant-a", "BTC-USD")
		if err != nil {
			t.Fatalf("CheckThrottle failed: %v", err)
		}
		if result.Level != tt.wantLevel {
			t.Errorf("Index %s: expected persisted level %s, got %s", tt.index, tt.wantLevel, result.Level)
		}
	}
}

func TestUpdateIndexValidation(t *testing.T) {
	th := testThrottle()
	ctx := context.Background()

	if _, err := th.UpdateIndex(ctx, "", "BTC-USD", "ATR_PCT", d("10")); !riskerr.IsInvalidState(err) {
		t.Errorf("Expected invalid state for blank tenant, got %v", err)
	}
	if _, err := th.UpdateIndex(ctx, "tenant-a", " ", "ATR_PCT", d("10")); !riskerr.IsInvalidState(err) {
		t.Errorf("Expected invalid state for blank asset, got %v", err)
	}
	if _, err := th.UpdateIndex(ctx, "tenant-a", "BTC-USD", "ATR_PCT", d("-1")); !riskerr.IsInvalidState(err) {
		t.Errorf("Expected invalid state for negative index, got %v", err)
	}
}

func TestUpdateIndexKeepsStateID(t *testing.T) {
	th := testThrottle()
	ctx := context.Background()

	first, err := th.UpdateIndex(ctx, "tenant-a", "BTC-USD", "ATR_PCT", d("10"))
	if err != nil {
		t.Fatalf("UpdateIndex failed: %v", err)
	}
	if first.StateID == "" {
		t.Fatal("Expected a state ID on first update")
	}

	second, err := th.UpdateIndex(ctx, "tenant-a", "BTC-USD", "ATR_PCT", d("60"))
	if err != nil {
		t.Fatalf("UpdateIndex failed: %v", err)
	}
	if second.StateID != first.StateID {
		t.Errorf("Expected stable state ID across updates, got %s then %s", first.StateID, second.StateID)
	}
}

func TestTenantIsolation(t *testing.T) {
	th := testThrottle()
	ctx := context.Background()

	if _, err := th.UpdateIndex(ctx, "tenant-a", "BTC-USD", "ATR_PCT", d("90")); err != nil {
		t.Fatalf("UpdateIndex failed: %v", err)
	}

	// The same asset for another tenant stays calm.
	result, err := th.CheckThrottle(ctx, "tenant-b", "BTC-USD")
	if err != nil {
		t.Fatalf("CheckThrottle failed: %v", err)
	}
	if result.Level != LevelNormal || !result.AllowNewEntries {
		t.Errorf("Expected tenant-b unaffected, got %+v", result)
	}
}

func TestCustomBands(t *testing.T) {
	th := testThrottle()
	ctx := context.Background()

	// Deliberately unsorted; SetConfig sorts by MinIndex.
	err := th.SetConfig(ctx, &Config{
		TenantID: "tenant-a",
		Bands: []Band{
			{MinIndex: d("40"), Level: LevelExtreme, ThrottlePercent: d("100"), AllowNewEntries: false},
			{MinIndex: d("0"), Level: LevelNormal, ThrottlePercent: d("0"), AllowNewEntries: true},
			{MinIndex: d("20"), Level: LevelHigh, ThrottlePercent: d("60"), AllowNewEntries: true},
		},
	})
	if err != nil {
		t.Fatalf("SetConfig failed: %v", err)
	}

	state, err := th.UpdateIndex(ctx, "tenant-a", "BTC-USD", "VIX", d("30"))
	if err != nil {
		t.Fatalf("UpdateIndex failed: %v", err)
	}
	if state.Level != LevelHigh {
		t.Errorf("Expected HIGH under custom bands, got %s", state.Level)
	}
	if !state.ThrottlePercent.Equal(d("60")) {
		t.Errorf("Expected throttle 60, got %s", state.ThrottlePercent)
	}

	state, _ = th.UpdateIndex(ctx, "tenant-a", "BTC-USD", "VIX", d("45"))
	if state.Level != LevelExtreme || state.AllowNewEntries {
		t.Errorf("Expected EXTREME blocking at 45, got %+v", state)
	}
}

func TestSetConfigValidation(t *testing.T) {
	th := testThrottle()
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"missing tenant", &Config{Bands: []Band{{Level: LevelNormal}}}},
		{"no bands", &Config{TenantID: "tenant-a"}},
		{"bad level", &Config{TenantID: "tenant-a", Bands: []Band{{Level: "WILD"}}}},
		{"throttle over 100", &Config{TenantID: "tenant-a", Bands: []Band{{Level: LevelHigh, ThrottlePercent: d("150")}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := th.SetConfig(ctx, tt.cfg); !riskerr.IsInvalidState(err) {
				t.Errorf("Expected invalid state error, got %v", err)
			}
		})
	}
}

func TestLevelChangePublishes(t *testing.T) {
	s := store.NewMemoryStore()
	bus := events.NewEventBus()
	th := NewThrottle(s, bus, zerolog.Nop())

	received := make(chan events.Event, 4)
	bus.Subscribe(events.EventVolatilityLevelChanged, func(e events.Event) {
		received <- e
	})

	ctx := context.Background()
	// First reading lands in ELEVATED straight from the implicit NORMAL.
	if _, err := th.UpdateIndex(ctx, "tenant-a", "BTC-USD", "ATR_PCT", d("30")); err != nil {
		t.Fatalf("UpdateIndex failed: %v", err)
	}

	select {
	case e := <-received:
		if e.Data["from"] != "NORMAL" || e.Data["to"] != "ELEVATED" {
			t.Errorf("Expected NORMAL->ELEVATED, got %v->%v", e.Data["from"], e.Data["to"])
		}
		if e.Data["asset_id"] != "BTC-USD" {
			t.Errorf("Expected asset in payload, got %v", e.Data["asset_id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a volatility level event on the bus")
	}

	// Same band again: no event.
	if _, err := th.UpdateIndex(ctx, "tenant-a", "BTC-USD", "ATR_PCT", d("35")); err != nil {
		t.Fatalf("UpdateIndex failed: %v", err)
	}
	select {
	case e := <-received:
		t.Fatalf("Expected no event for unchanged level, got %v", e.Data)
	case <-time.After(100 * time.Millisecond):
	}
}
