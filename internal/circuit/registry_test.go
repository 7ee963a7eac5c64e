package circuit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"risk-gate/internal/events"
	"risk-gate/internal/riskerr"
	"risk-gate/internal/store"
)

func testRegistry() (*Registry, *store.MemoryStore) {
	s := store.NewMemoryStore()
	return NewRegistry(s, nil, zerolog.Nop()), s
}

func lossBreaker(tenantID, name string) *Breaker {
	return &Breaker{
		TenantID: tenantID,
		Name:     name,
		Condition: Condition{
			Type:              ConditionLossRate,
			LossPercent:       decimal.NewFromInt(5),
			TimeWindowMinutes: 10,
		},
	}
}

func TestCreateAppliesDefaults(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	created, err := r.Create(ctx, lossBreaker("tenant-a", "daily-loss"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if created.BreakerID == "" {
		t.Error("Expected a generated breaker ID")
	}
	if created.State != StateClosed {
		t.Errorf("Expected state CLOSED, got %s", created.State)
	}
	if created.Scope != ScopePortfolio {
		t.Errorf("Expected default scope PORTFOLIO, got %s", created.Scope)
	}
	if created.CooldownMinutes != DefaultCooldownMinutes {
		t.Errorf("Expected cooldown %d, got %d", DefaultCooldownMinutes, created.CooldownMinutes)
	}
	if created.TripCount != 0 {
		t.Errorf("Expected trip count 0, got %d", created.TripCount)
	}
	if created.LastTrippedAt != nil {
		t.Error("Expected nil lastTrippedAt on a new breaker")
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		breaker *Breaker
	}{
		{"missing tenant", &Breaker{Name: "x", Condition: Condition{Type: ConditionLossRate}}},
		{"missing name", &Breaker{TenantID: "tenant-a", Condition: Condition{Type: ConditionLossRate}}},
		{"unknown condition", &Breaker{TenantID: "tenant-a", Name: "x", Condition: Condition{Type: "BOGUS"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Create(ctx, tt.breaker); !riskerr.IsInvalidState(err) {
				t.Errorf("Expected invalid state error, got %v", err)
			}
		})
	}
}

func TestCreateDuplicateID(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	b := lossBreaker("tenant-a", "daily-loss")
	b.BreakerID = "fixed-id"
	if _, err := r.Create(ctx, b); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	dup := lossBreaker("tenant-a", "other")
	dup.BreakerID = "fixed-id"
	if _, err := r.Create(ctx, dup); !riskerr.IsInvalidState(err) {
		t.Errorf("Expected invalid state for duplicate ID, got %v", err)
	}
}

func TestGetMissingBreaker(t *testing.T) {
	r, _ := testRegistry()

	_, err := r.Get(context.Background(), "tenant-a", "does-not-exist")
	if !riskerr.IsNotFound(err) {
		t.Errorf("Expected not found error, got %v", err)
	}
}

func TestTripAndReset(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	created, err := r.Create(ctx, lossBreaker("tenant-a", "daily-loss"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	tripped, err := r.Trip(ctx, "tenant-a", created.BreakerID, "loss threshold exceeded")
	if err != nil {
		t.Fatalf("Trip failed: %v", err)
	}
	if tripped.State != StateOpen {
		t.Errorf("Expected state OPEN, got %s", tripped.State)
	}
	if tripped.TripCount != 1 {
		t.Errorf("Expected trip count 1, got %d", tripped.TripCount)
	}
	if tripped.LastTrippedAt == nil {
		t.Fatal("Expected lastTrippedAt to be set")
	}

	// Tripping an open breaker is a no-op
	again, err := r.Trip(ctx, "tenant-a", created.BreakerID, "again")
	if err != nil {
		t.Fatalf("Second trip failed: %v", err)
	}
	if again.TripCount != 1 {
		t.Errorf("Expected trip count to stay 1, got %d", again.TripCount)
	}

	reset, err := r.Reset(ctx, "tenant-a", created.BreakerID, "manual reset")
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if reset.State != StateClosed {
		t.Errorf("Expected state CLOSED after reset, got %s", reset.State)
	}
	if reset.TripCount != 1 {
		t.Errorf("Expected trip count preserved across reset, got %d", reset.TripCount)
	}

	// Resetting a closed breaker is a no-op
	if _, err := r.Reset(ctx, "tenant-a", created.BreakerID, "again"); err != nil {
		t.Fatalf("Reset on closed breaker failed: %v", err)
	}

	if _, err := r.Trip(ctx, "tenant-a", "missing", "x"); !riskerr.IsNotFound(err) {
		t.Errorf("Expected not found for missing breaker, got %v", err)
	}
}

func TestCheckBreakersPartition(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	if _, err := r.Create(ctx, lossBreaker("tenant-a", "closed")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	open, _ := r.Create(ctx, lossBreaker("tenant-a", "open"))
	halfProto := lossBreaker("tenant-a", "half")
	halfProto.AutoResetEnabled = true
	half, _ := r.Create(ctx, halfProto)

	if _, err := r.Trip(ctx, "tenant-a", open.BreakerID, "trip"); err != nil {
		t.Fatalf("Trip failed: %v", err)
	}
	if _, err := r.Trip(ctx, "tenant-a", half.BreakerID, "trip"); err != nil {
		t.Fatalf("Trip failed: %v", err)
	}
	r.now = func() time.Time { return time.Now().Add(time.Duration(DefaultCooldownMinutes+1) * time.Minute) }
	if _, moved, err := r.MarkHalfOpen(ctx, "tenant-a", half.BreakerID); err != nil || !moved {
		t.Fatalf("MarkHalfOpen failed: moved=%v err=%v", moved, err)
	}

	result, err := r.CheckBreakers(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("CheckBreakers failed: %v", err)
	}
	if result.AllClosed {
		t.Error("Expected AllClosed=false with open and half-open breakers")
	}
	if len(result.OpenBreakers) != 1 {
		t.Errorf("Expected 1 open breaker, got %d", len(result.OpenBreakers))
	}
	if len(result.HalfOpenBreakers) != 1 {
		t.Errorf("Expected 1 half-open breaker, got %d", len(result.HalfOpenBreakers))
	}
	if len(result.Blocking()) != 2 {
		t.Errorf("Expected 2 blocking breakers, got %d", len(result.Blocking()))
	}

	// Unknown tenant: no breakers, nothing blocks.
	empty, err := r.CheckBreakers(ctx, "tenant-b")
	if err != nil {
		t.Fatalf("CheckBreakers failed: %v", err)
	}
	if !empty.AllClosed {
		t.Error("Expected AllClosed=true for tenant with no breakers")
	}
	if len(empty.Blocking()) != 0 {
		t.Errorf("Expected no blocking breakers, got %d", len(empty.Blocking()))
	}
}

func TestMarkHalfOpenRespectsCooldown(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	b := lossBreaker("tenant-a", "daily-loss")
	b.AutoResetEnabled = true
	b.CooldownMinutes = 30
	created, err := r.Create(ctx, b)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := r.Trip(ctx, "tenant-a", created.BreakerID, "trip"); err != nil {
		t.Fatalf("Trip failed: %v", err)
	}

	// Cooldown not yet elapsed
	_, moved, err := r.MarkHalfOpen(ctx, "tenant-a", created.BreakerID)
	if err != nil {
		t.Fatalf("MarkHalfOpen failed: %v", err)
	}
	if moved {
		t.Error("Expected no transition before cooldown elapses")
	}

	r.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	after, moved, err := r.MarkHalfOpen(ctx, "tenant-a", created.BreakerID)
	if err != nil {
		t.Fatalf("MarkHalfOpen failed: %v", err)
	}
	if !moved {
		t.Fatal("Expected transition after cooldown elapsed")
	}
	if after.State != StateHalfOpen {
		t.Errorf("Expected state HALF_OPEN, got %s", after.State)
	}

	// Half-open breakers can re-trip
	retripped, err := r.Trip(ctx, "tenant-a", created.BreakerID, "probe failed")
	if err != nil {
		t.Fatalf("Re-trip failed: %v", err)
	}
	if retripped.State != StateOpen {
		t.Errorf("Expected state OPEN after re-trip, got %s", retripped.State)
	}
	if retripped.TripCount != 2 {
		t.Errorf("Expected trip count 2 after re-trip, got %d", retripped.TripCount)
	}
}

func TestMarkHalfOpenRequiresAutoReset(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	b := lossBreaker("tenant-a", "manual-only")
	b.AutoResetEnabled = false
	created, _ := r.Create(ctx, b)
	if _, err := r.Trip(ctx, "tenant-a", created.BreakerID, "trip"); err != nil {
		t.Fatalf("Trip failed: %v", err)
	}

	r.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	after, moved, err := r.MarkHalfOpen(ctx, "tenant-a", created.BreakerID)
	if err != nil {
		t.Fatalf("MarkHalfOpen failed: %v", err)
	}
	if moved {
		t.Error("Expected no transition when auto-reset is disabled")
	}
	if after.State != StateOpen {
		t.Errorf("Expected state to stay OPEN, got %s", after.State)
	}
}

func TestDeleteBreaker(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	created, _ := r.Create(ctx, lossBreaker("tenant-a", "daily-loss"))
	if err := r.Delete(ctx, "tenant-a", created.BreakerID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := r.Delete(ctx, "tenant-a", created.BreakerID); !riskerr.IsNotFound(err) {
		t.Errorf("Expected not found on second delete, got %v", err)
	}
}

func TestTransitionEventsRecorded(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	created, _ := r.Create(ctx, lossBreaker("tenant-a", "daily-loss"))
	if _, err := r.Trip(ctx, "tenant-a", created.BreakerID, "loss threshold exceeded"); err != nil {
		t.Fatalf("Trip failed: %v", err)
	}
	if _, err := r.Reset(ctx, "tenant-a", created.BreakerID, "operator reset"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	history, err := r.Events(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 transition events, got %d", len(history))
	}
	if history[0].From != StateClosed || history[0].To != StateOpen {
		t.Errorf("Expected CLOSED->OPEN first, got %s->%s", history[0].From, history[0].To)
	}
	if history[1].From != StateOpen || history[1].To != StateClosed {
		t.Errorf("Expected OPEN->CLOSED second, got %s->%s", history[1].From, history[1].To)
	}
	if !strings.Contains(history[0].Reason, "loss threshold") {
		t.Errorf("Expected trip reason preserved, got %q", history[0].Reason)
	}
	if history[0].BreakerName != "daily-loss" {
		t.Errorf("Expected breaker name in event, got %q", history[0].BreakerName)
	}
}

func TestTransitionPublishesToBus(t *testing.T) {
	s := store.NewMemoryStore()
	bus := events.NewEventBus()
	r := NewRegistry(s, bus, zerolog.Nop())

	received := make(chan events.Event, 1)
	bus.Subscribe(events.EventBreakerTripped, func(e events.Event) {
		received <- e
	})

	ctx := context.Background()
	created, _ := r.Create(ctx, lossBreaker("tenant-a", "daily-loss"))
	if _, err := r.Trip(ctx, "tenant-a", created.BreakerID, "loss threshold exceeded"); err != nil {
		t.Fatalf("Trip failed: %v", err)
	}

	select {
	case e := <-received:
		if e.TenantID != "tenant-a" {
			t.Errorf("Expected tenant-a, got %s", e.TenantID)
		}
		if e.Data["to"] != "OPEN" {
			t.Errorf("Expected to=OPEN, got %v", e.Data["to"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a breaker tripped event on the bus")
	}
}

func TestConcurrentTripsCountOnce(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	created, _ := r.Create(ctx, lossBreaker("tenant-a", "daily-loss"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Losers of the write race either retry into the no-op
			// path or exhaust their attempts; neither may double count.
			_, _ = r.Trip(ctx, "tenant-a", created.BreakerID, "race")
		}()
	}
	wg.Wait()

	after, err := r.Get(ctx, "tenant-a", created.BreakerID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if after.State != StateOpen {
		t.Errorf("Expected state OPEN, got %s", after.State)
	}
	if after.TripCount != 1 {
		t.Errorf("Expected trip count 1 under concurrent trips, got %d", after.TripCount)
	}
}
