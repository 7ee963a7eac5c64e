package killswitch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"risk-gate/internal/events"
	"risk-gate/internal/riskerr"
	"risk-gate/internal/store"
)

func testController() (*Controller, *store.MemoryStore) {
	st := store.NewMemoryStore()
	return NewController(st, nil, zerolog.Nop()), st
}

func TestGetStateSynthesizesDefault(t *testing.T) {
	c, _ := testController()

	state, err := c.GetState(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Active {
		t.Error("Expected default state to be inactive")
	}
	if state.Scope != ScopeTenant {
		t.Errorf("Expected default scope TENANT, got %s", state.Scope)
	}
	if state.PendingOrdersCancelled != 0 {
		t.Errorf("Expected zero cancelled orders, got %d", state.PendingOrdersCancelled)
	}
	if state.TenantID != "tenant-a" {
		t.Errorf("Expected tenantId on synthesized state, got %s", state.TenantID)
	}
}

func TestActivateRecordsMetadataAndSideEffects(t *testing.T) {
	c, st := testController()
	ctx := context.Background()

	activatedAt := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	c.now = func() time.Time { return activatedAt }

	var alerts []Alert
	result, err := c.Activate(ctx, ActivateRequest{
		TenantID:    "tenant-a",
		Reason:      "Emergency stop",
		ActivatedBy: "ops@example.com",
		CancelOrders: func(ctx context.Context, tenantID string, scope Scope, scopeID string) (int, error) {
			if tenantID != "tenant-a" || scope != ScopeTenant {
				t.Errorf("Cancellation saw tenant %s scope %s", tenantID, scope)
			}
			return 3, nil
		},
		Alert: func(ctx context.Context, alert Alert) error {
			alerts = append(alerts, alert)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	if !result.State.Active {
		t.Error("Expected state to be active")
	}
	if result.OrdersCancelled != 3 {
		t.Errorf("Expected 3 cancelled orders, got %d", result.OrdersCancelled)
	}
	if !result.AlertSent {
		t.Error("Expected alertSent to be true")
	}
	if result.State.ActivationReason != "Emergency stop" {
		t.Errorf("Expected reason recorded, got %q", result.State.ActivationReason)
	}
	if result.State.ActivatedBy != "ops@example.com" {
		t.Errorf("Expected activatedBy recorded, got %q", result.State.ActivatedBy)
	}
	if result.State.TriggerType != TriggerManual {
		t.Errorf("Expected default trigger MANUAL, got %s", result.State.TriggerType)
	}
	if result.State.ActivatedAt == nil || !result.State.ActivatedAt.Equal(activatedAt) {
		t.Errorf("Expected activatedAt %v, got %v", activatedAt, result.State.ActivatedAt)
	}

	if len(alerts) != 1 {
		t.Fatalf("Expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].AlertType != AlertActivated {
		t.Errorf("Expected ACTIVATED alert for manual trigger, got %s", alerts[0].AlertType)
	}

	// The persisted record alone reconstructs the activation.
	fresh := NewController(st, nil, zerolog.Nop())
	persisted, err := fresh.GetState(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if !persisted.Active || persisted.PendingOrdersCancelled != 3 || persisted.ActivationReason != "Emergency stop" {
		t.Errorf("Persisted state incomplete: %+v", persisted)
	}
}

// TestActivateIdempotentNoop verifies the second activation returns the
// existing state without writes or callbacks.
func TestActivateIdempotentNoop(t *testing.T) {
	c, st := testController()
	ctx := context.Background()

	var cancels, alerts atomic.Int32
	req := ActivateRequest{
		TenantID: "tenant-a",
		Reason:   "first stop",
		CancelOrders: func(ctx context.Context, tenantID string, scope Scope, scopeID string) (int, error) {
			cancels.Add(1)
			return 2, nil
		},
		Alert: func(ctx context.Context, alert Alert) error {
			alerts.Add(1)
			return nil
		},
	}
	if _, err := c.Activate(ctx, req); err != nil {
		t.Fatalf("First activate failed: %v", err)
	}

	item, err := st.Get(ctx, store.NamespaceKillSwitchState, store.Key{TenantID: "tenant-a"})
	if err != nil {
		t.Fatalf("Store read failed: %v", err)
	}
	versionAfterFirst := item.Version

	req.Reason = "second stop"
	result, err := c.Activate(ctx, req)
	if err != nil {
		t.Fatalf("Second activate failed: %v", err)
	}

	if result.OrdersCancelled != 0 {
		t.Errorf("Expected 0 cancelled orders on no-op, got %d", result.OrdersCancelled)
	}
	if result.AlertSent {
		t.Error("Expected alertSent false on no-op")
	}
	if result.State.ActivationReason != "first stop" {
		t.Errorf("Expected existing state unchanged, got reason %q", result.State.ActivationReason)
	}
	if cancels.Load() != 1 || alerts.Load() != 1 {
		t.Errorf("Expected callbacks invoked once, got cancels=%d alerts=%d", cancels.Load(), alerts.Load())
	}

	item, err = st.Get(ctx, store.NamespaceKillSwitchState, store.Key{TenantID: "tenant-a"})
	if err != nil {
		t.Fatalf("Store read failed: %v", err)
	}
	if item.Version != versionAfterFirst {
		t.Errorf("Expected no store write on no-op, version went %d -> %d", versionAfterFirst, item.Version)
	}
}

func TestActivateWithoutCallbacks(t *testing.T) {
	c, _ := testController()

	result, err := c.Activate(context.Background(), ActivateRequest{TenantID: "tenant-a", Reason: "halt"})
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if result.OrdersCancelled != 0 {
		t.Errorf("Expected 0 cancelled orders without callback, got %d", result.OrdersCancelled)
	}
	if result.AlertSent {
		t.Error("Expected alertSent false without callback")
	}
	if !result.State.Active {
		t.Error("Expected state active")
	}
}

func TestActivateBlankTenant(t *testing.T) {
	c, _ := testController()

	_, err := c.Activate(context.Background(), ActivateRequest{TenantID: "  ", Reason: "halt"})
	if !riskerr.IsInvalidState(err) {
		t.Errorf("Expected InvalidState for blank tenant, got %v", err)
	}
}

func TestCancellationFailureKeepsSwitchActive(t *testing.T) {
	c, _ := testController()
	ctx := context.Background()

	_, err := c.Activate(ctx, ActivateRequest{
		TenantID: "tenant-a",
		Reason:   "halt",
		CancelOrders: func(ctx context.Context, tenantID string, scope Scope, scopeID string) (int, error) {
			return 0, errors.New("exchange unreachable")
		},
	})
	if err == nil {
		t.Fatal("Expected cancellation failure to propagate")
	}

	active, err := c.IsActive(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("IsActive failed: %v", err)
	}
	if !active {
		t.Error("Expected switch to remain active after cancellation failure")
	}
}

// TestDeactivateTokenGate verifies blank tokens fail before any state
// access, for every current state.
func TestDeactivateTokenGate(t *testing.T) {
	// A store that fails every read proves the token check runs first.
	c := NewController(&readFailingStore{}, nil, zerolog.Nop())

	for _, token := range []string{"", "   ", "\t\n"} {
		_, err := c.Deactivate(context.Background(), "tenant-a", token, nil)
		if !riskerr.IsAuthRequired(err) {
			t.Errorf("Expected AuthRequired for token %q, got %v", token, err)
		}
	}
}

func TestDeactivateWithoutState(t *testing.T) {
	c, _ := testController()

	_, err := c.Deactivate(context.Background(), "tenant-a", "tok-123", nil)
	if !riskerr.IsInvalidState(err) {
		t.Errorf("Expected InvalidState when no state exists, got %v", err)
	}
}

func TestDeactivateLifecycle(t *testing.T) {
	c, _ := testController()
	ctx := context.Background()

	if _, err := c.Activate(ctx, ActivateRequest{TenantID: "tenant-a", Reason: "halt", ActivatedBy: "ops"}); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	var alerts []Alert
	state, err := c.Deactivate(ctx, "tenant-a", "tok-123", func(ctx context.Context, alert Alert) error {
		alerts = append(alerts, alert)
		return nil
	})
	if err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}

	if state.Active {
		t.Error("Expected state inactive after deactivation")
	}
	if state.ActivatedAt != nil || state.ActivatedBy != "" || state.ActivationReason != "" {
		t.Errorf("Expected activation metadata cleared, got %+v", state)
	}
	if state.TriggerType != TriggerManual || state.Scope != ScopeTenant {
		t.Errorf("Expected trigger and scope history preserved, got %+v", state)
	}
	if len(alerts) != 1 || alerts[0].AlertType != AlertDeactivated {
		t.Errorf("Expected one DEACTIVATED alert, got %v", alerts)
	}

	// Second deactivation sees an inactive switch.
	if _, err := c.Deactivate(ctx, "tenant-a", "tok-123", nil); !riskerr.IsInvalidState(err) {
		t.Errorf("Expected InvalidState on double deactivate, got %v", err)
	}

	// The tenant can re-activate after deactivation.
	result, err := c.Activate(ctx, ActivateRequest{TenantID: "tenant-a", Reason: "halt again"})
	if err != nil {
		t.Fatalf("Reactivation failed: %v", err)
	}
	if !result.State.Active || result.State.ActivationReason != "halt again" {
		t.Errorf("Expected fresh activation, got %+v", result.State)
	}
}

// TestConcurrentActivationsExactlyOneWins races activations and checks
// the cancellation callback ran exactly once.
func TestConcurrentActivationsExactlyOneWins(t *testing.T) {
	c, _ := testController()
	ctx := context.Background()

	var cancels atomic.Int32
	var wg sync.WaitGroup
	results := make(chan *ActivationResult, 16)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := c.Activate(ctx, ActivateRequest{
				TenantID: "tenant-a",
				Reason:   "race",
				CancelOrders: func(ctx context.Context, tenantID string, scope Scope, scopeID string) (int, error) {
					cancels.Add(1)
					return 5, nil
				},
			})
			if err != nil {
				t.Errorf("Activate failed: %v", err)
				return
			}
			results <- result
		}()
	}
	wg.Wait()
	close(results)

	if cancels.Load() != 1 {
		t.Errorf("Expected exactly 1 cancellation sweep, got %d", cancels.Load())
	}

	winners := 0
	for result := range results {
		if result.OrdersCancelled > 0 {
			winners++
		}
		if !result.State.Active {
			t.Error("Expected every caller to observe an active switch")
		}
	}
	if winners != 1 {
		t.Errorf("Expected exactly 1 caller to report cancelled orders, got %d", winners)
	}
}

func TestCheckAutoTriggers(t *testing.T) {
	c, _ := testController()
	ctx := context.Background()

	_, err := c.SetConfig(ctx, &Config{
		TenantID: "tenant-a",
		Triggers: []AutoKillTrigger{
			{
				TriggerID: "trg-loss",
				Enabled:   true,
				Condition: TriggerCondition{Type: ConditionRapidLoss, LossPercent: decimal.NewFromInt(5), TimeWindowMinutes: 10},
			},
			{
				TriggerID: "trg-disabled",
				Enabled:   false,
				Condition: TriggerCondition{Type: ConditionErrorRate, ErrorPercent: decimal.NewFromInt(1)},
			},
		},
	})
	if err != nil {
		t.Fatalf("SetConfig failed: %v", err)
	}

	// Below threshold: nothing fires.
	fired, err := c.CheckAutoTriggers(ctx, "tenant-a", events.RiskEvent{
		TenantID: "tenant-a", EventType: events.RiskEventRapidLoss, LossPercent: decimal.NewFromInt(5),
	})
	if err != nil {
		t.Fatalf("CheckAutoTriggers failed: %v", err)
	}
	if fired {
		t.Error("Expected no trigger at exact threshold")
	}

	// Disabled trigger must not fire even when its condition matches.
	fired, err = c.CheckAutoTriggers(ctx, "tenant-a", events.RiskEvent{
		TenantID: "tenant-a", EventType: events.RiskEventErrorRate, ErrorRate: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("CheckAutoTriggers failed: %v", err)
	}
	if fired {
		t.Error("Expected disabled trigger not to fire")
	}

	// Above threshold: fires and activates with AUTOMATIC.
	fired, err = c.CheckAutoTriggers(ctx, "tenant-a", events.RiskEvent{
		TenantID: "tenant-a", EventType: events.RiskEventRapidLoss, LossPercent: decimal.NewFromFloat(7.5),
	})
	if err != nil {
		t.Fatalf("CheckAutoTriggers failed: %v", err)
	}
	if !fired {
		t.Fatal("Expected trigger to fire above threshold")
	}

	state, err := c.GetState(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if !state.Active || state.TriggerType != TriggerAutomatic {
		t.Errorf("Expected automatic activation, got %+v", state)
	}
	if !strings.Contains(state.ActivationReason, "7.5") {
		t.Errorf("Expected reason to carry the observed loss, got %q", state.ActivationReason)
	}

	// Already active: evaluation short-circuits.
	fired, err = c.CheckAutoTriggers(ctx, "tenant-a", events.RiskEvent{
		TenantID: "tenant-a", EventType: events.RiskEventRapidLoss, LossPercent: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("CheckAutoTriggers failed: %v", err)
	}
	if fired {
		t.Error("Expected no trigger while already active")
	}
}

func TestCheckAutoTriggersNoConfig(t *testing.T) {
	c, _ := testController()

	fired, err := c.CheckAutoTriggers(context.Background(), "tenant-a", events.RiskEvent{
		TenantID: "tenant-a", EventType: events.RiskEventRapidLoss, LossPercent: decimal.NewFromInt(99),
	})
	if err != nil {
		t.Fatalf("CheckAutoTriggers failed: %v", err)
	}
	if fired {
		t.Error("Expected no trigger without config")
	}
}

func TestCheckAutoTriggersRejectsForeignEvent(t *testing.T) {
	c, _ := testController()

	_, err := c.CheckAutoTriggers(context.Background(), "tenant-a", events.RiskEvent{
		TenantID: "tenant-b", EventType: events.RiskEventRapidLoss, LossPercent: decimal.NewFromInt(99),
	})
	if !riskerr.IsAccessDenied(err) {
		t.Errorf("Expected AccessDenied for cross-tenant event, got %v", err)
	}
}

func TestStoreErrorsPropagate(t *testing.T) {
	c := NewController(&readFailingStore{}, nil, zerolog.Nop())

	if _, err := c.GetState(context.Background(), "tenant-a"); err == nil {
		t.Error("Expected store failure to propagate from GetState")
	}
	if _, err := c.Activate(context.Background(), ActivateRequest{TenantID: "tenant-a", Reason: "halt"}); err == nil {
		t.Error("Expected store failure to propagate from Activate")
	}
}

// readFailingStore errors on every operation. Used to prove guard
// operations never swallow store failures and that the deactivation
// token gate runs before any read.
type readFailingStore struct{}

var errStoreDown = errors.New("store unavailable")

func (f *readFailingStore) Get(context.Context, string, store.Key) (*store.Item, error) {
	return nil, errStoreDown
}
func (f *readFailingStore) Put(context.Context, string, store.Key, []byte) error { return errStoreDown }
func (f *readFailingStore) PutTTL(context.Context, string, store.Key, []byte, time.Duration) error {
	return errStoreDown
}
func (f *readFailingStore) PutIfAbsent(context.Context, string, store.Key, []byte) error {
	return errStoreDown
}
func (f *readFailingStore) PutIfVersion(context.Context, string, store.Key, []byte, uint64) error {
	return errStoreDown
}
func (f *readFailingStore) Query(context.Context, string, string) ([]store.Item, error) {
	return nil, errStoreDown
}
func (f *readFailingStore) Tenants(context.Context, string) ([]string, error) {
	return nil, errStoreDown
}
func (f *readFailingStore) Delete(context.Context, string, store.Key) error { return errStoreDown }
