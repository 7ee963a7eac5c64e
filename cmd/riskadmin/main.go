package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"risk-gate/config"
	"risk-gate/internal/circuit"
	"risk-gate/internal/drawdown"
	"risk-gate/internal/events"
	"risk-gate/internal/killswitch"
	"risk-gate/internal/limits"
	"risk-gate/internal/riskerr"
	"risk-gate/internal/store"
	"risk-gate/internal/volatility"
)

type adminTool struct {
	killSwitch *killswitch.Controller
	registry   *circuit.Registry
	limits     *limits.Evaluator
	drawdown   *drawdown.Monitor
	volatility *volatility.Throttle
	eventLog   *events.EventLog
}

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Components log at warn and above so tables stay readable
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()

	s, closeStore, err := openStore(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer closeStore()

	tool := &adminTool{
		killSwitch: killswitch.NewController(s, nil, logger),
		registry:   circuit.NewRegistry(s, nil, logger),
		limits:     limits.NewEvaluator(s, logger),
		drawdown:   drawdown.NewMonitor(s, nil, logger),
		volatility: volatility.NewThrottle(s, nil, logger),
		eventLog:   events.NewEventLog(s, 0, logger),
	}

	fmt.Println("========================================")
	fmt.Println(" Risk Gate Administration Tool")
	fmt.Printf(" Store backend: %s\n", cfg.StoreConfig.Backend)
	fmt.Println("========================================")

	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Println("\nOptions:")
		fmt.Println("  1. Tenant risk status")
		fmt.Println("  2. Activate kill switch")
		fmt.Println("  3. Deactivate kill switch")
		fmt.Println("  4. Create circuit breaker")
		fmt.Println("  5. Reset circuit breaker")
		fmt.Println("  6. Set position limit")
		fmt.Println("  7. Update portfolio equity")
		fmt.Println("  8. Update volatility index")
		fmt.Println("  9. Recent risk events")
		fmt.Println("  10. Auto-kill triggers")
		fmt.Println("  0. Exit")
		fmt.Print("\nSelect option: ")

		input, _ := reader.ReadString('\n')
		switch strings.TrimSpace(input) {
		case "1":
			tool.showStatus(reader)
		case "2":
			tool.activateKillSwitch(reader)
		case "3":
			tool.deactivateKillSwitch(reader)
		case "4":
			tool.createBreaker(reader)
		case "5":
			tool.resetBreaker(reader)
		case "6":
			tool.setLimit(reader)
		case "7":
			tool.updateEquity(reader)
		case "8":
			tool.updateVolatility(reader)
		case "9":
			tool.showRecentEvents(reader)
		case "10":
			tool.configureTriggers(reader)
		case "0":
			fmt.Println("Goodbye!")
			os.Exit(0)
		default:
			fmt.Println("Invalid option")
		}
	}
}

func adminContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

func prompt(reader *bufio.Reader, label string) string {
	fmt.Printf("%s: ", label)
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func promptDecimal(reader *bufio.Reader, label string) (decimal.Decimal, bool) {
	value, err := decimal.NewFromString(prompt(reader, label))
	if err != nil {
		fmt.Println("Invalid number")
		return decimal.Zero, false
	}
	return value, true
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func (a *adminTool) showStatus(reader *bufio.Reader) {
	tenantID := prompt(reader, "Tenant ID")
	if tenantID == "" {
		fmt.Println("Tenant ID is required")
		return
	}
	ctx, cancel := adminContext()
	defer cancel()

	state, err := a.killSwitch.GetState(ctx, tenantID)
	if err != nil {
		fmt.Printf("Failed to read kill switch state: %v\n", err)
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("KILL SWITCH")
	t.SetStyle(table.StyleRounded)
	t.AppendRows([]table.Row{
		{"Active", state.Active},
		{"Reason", state.ActivationReason},
		{"Trigger", string(state.TriggerType)},
		{"Scope", string(state.Scope)},
		{"Activated At", formatTime(state.ActivatedAt)},
		{"Activated By", state.ActivatedBy},
		{"Orders Cancelled", state.PendingOrdersCancelled},
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 18, Align: text.AlignLeft},
		{Number: 2, WidthMin: 25, WidthMax: 50, Align: text.AlignLeft},
	})
	t.Render()

	breakers, err := a.registry.List(ctx, tenantID)
	if err != nil {
		fmt.Printf("Failed to list breakers: %v\n", err)
		return
	}
	bt := table.NewWriter()
	bt.SetOutputMirror(os.Stdout)
	bt.SetTitle("CIRCUIT BREAKERS")
	bt.SetStyle(table.StyleRounded)
	bt.AppendHeader(table.Row{"ID", "Name", "State", "Condition", "Trips", "Last Tripped"})
	for _, b := range breakers {
		bt.AppendRow(table.Row{
			shortID(b.BreakerID), b.Name, string(b.State),
			string(b.Condition.Type), b.TripCount, formatTime(b.LastTrippedAt),
		})
	}
	bt.Render()

	limitList, err := a.limits.ListLimits(ctx, tenantID)
	if err != nil {
		fmt.Printf("Failed to list limits: %v\n", err)
		return
	}
	lt := table.NewWriter()
	lt.SetOutputMirror(os.Stdout)
	lt.SetTitle("POSITION LIMITS")
	lt.SetStyle(table.StyleRounded)
	lt.AppendHeader(table.Row{"ID", "Type", "Asset", "Max", "Current", "Utilization"})
	for _, l := range limitList {
		asset := l.AssetID
		if asset == "" {
			asset = "(all)"
		}
		lt.AppendRow(table.Row{
			shortID(l.LimitID), string(l.LimitType), asset,
			l.MaxValue.String(), l.CurrentValue.String(),
			l.UtilizationPercent.StringFixed(1) + "%",
		})
	}
	lt.Render()

	dd, err := a.drawdown.Check(ctx, tenantID, "")
	if err != nil {
		fmt.Printf("Failed to check drawdown: %v\n", err)
		return
	}
	dt := table.NewWriter()
	dt.SetOutputMirror(os.Stdout)
	dt.SetTitle("PORTFOLIO DRAWDOWN")
	dt.SetStyle(table.StyleRounded)
	dt.AppendRows([]table.Row{
		{"Status", string(dd.Status)},
		{"Drawdown", dd.CurrentDrawdownPercent.StringFixed(2) + "%"},
		{"To Warning", dd.DistanceToWarning.StringFixed(2) + "%"},
		{"To Max", dd.DistanceToMax.StringFixed(2) + "%"},
		{"Trading Allowed", dd.TradingAllowed},
	})
	dt.Render()
}

func (a *adminTool) activateKillSwitch(reader *bufio.Reader) {
	fmt.Println("\n--- Activate Kill Switch ---")
	tenantID := prompt(reader, "Tenant ID")
	reason := prompt(reader, "Reason")
	activatedBy := prompt(reader, "Activated by")

	req := killswitch.ActivateRequest{
		TenantID:    tenantID,
		Reason:      reason,
		ActivatedBy: activatedBy,
	}

	fmt.Println("Scope: 1. Tenant (default)  2. Strategy  3. Asset")
	switch prompt(reader, "Select scope") {
	case "2":
		req.Scope = killswitch.ScopeStrategy
		req.ScopeID = prompt(reader, "Strategy ID")
	case "3":
		req.Scope = killswitch.ScopeAsset
		req.ScopeID = prompt(reader, "Asset ID")
	}

	ctx, cancel := adminContext()
	defer cancel()
	result, err := a.killSwitch.Activate(ctx, req)
	if err != nil {
		fmt.Printf("Activation failed: %v\n", err)
		return
	}

	fmt.Println("\n========================================")
	if result.State.Active && result.State.ActivationReason == reason {
		fmt.Println("  Kill switch ACTIVATED")
	} else {
		fmt.Println("  Kill switch was already active")
	}
	fmt.Printf("  Reason:           %s\n", result.State.ActivationReason)
	fmt.Printf("  Orders cancelled: %d\n", result.OrdersCancelled)
	fmt.Printf("  Alert sent:       %v\n", result.AlertSent)
	fmt.Println("========================================")
}

func (a *adminTool) deactivateKillSwitch(reader *bufio.Reader) {
	fmt.Println("\n--- Deactivate Kill Switch ---")
	tenantID := prompt(reader, "Tenant ID")
	token := prompt(reader, "Auth token")

	ctx, cancel := adminContext()
	defer cancel()
	state, err := a.killSwitch.Deactivate(ctx, tenantID, token, nil)
	if err != nil {
		if riskerr.IsAuthRequired(err) {
			fmt.Println("Deactivation requires a non-blank auth token")
		} else {
			fmt.Printf("Deactivation failed: %v\n", err)
		}
		return
	}
	fmt.Printf("Kill switch for %s is now inactive (active=%v)\n", tenantID, state.Active)
}

func (a *adminTool) createBreaker(reader *bufio.Reader) {
	fmt.Println("\n--- Create Circuit Breaker ---")
	breaker := &circuit.Breaker{
		TenantID: prompt(reader, "Tenant ID"),
		Name:     prompt(reader, "Name"),
	}

	fmt.Println("Condition: 1. Loss rate  2. Error rate  3. System error")
	switch prompt(reader, "Select condition") {
	case "1":
		breaker.Condition.Type = circuit.ConditionLossRate
		threshold, ok := promptDecimal(reader, "Loss percent threshold")
		if !ok {
			return
		}
		breaker.Condition.LossPercent = threshold
		breaker.Condition.TimeWindowMinutes = promptInt(reader, "Time window minutes (0 = instantaneous)")
	case "2":
		breaker.Condition.Type = circuit.ConditionErrorRate
		threshold, ok := promptDecimal(reader, "Error rate threshold")
		if !ok {
			return
		}
		breaker.Condition.ErrorPercent = threshold
		breaker.Condition.TimeWindowMinutes = promptInt(reader, "Time window minutes")
	case "3":
		breaker.Condition.Type = circuit.ConditionSystemError
		types := prompt(reader, "Error types to watch (comma separated)")
		for _, part := range strings.Split(types, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				breaker.Condition.ErrorTypes = append(breaker.Condition.ErrorTypes, trimmed)
			}
		}
		if len(breaker.Condition.ErrorTypes) == 0 {
			fmt.Println("Note: a breaker with no watched error types never trips automatically")
		}
	default:
		fmt.Println("Invalid condition type")
		return
	}

	fmt.Println("Scope: 1. Portfolio (default)  2. Strategy  3. Asset")
	switch prompt(reader, "Select scope") {
	case "2":
		breaker.Scope = circuit.ScopeStrategy
		breaker.ScopeID = prompt(reader, "Strategy ID")
	case "3":
		breaker.Scope = circuit.ScopeAsset
		breaker.ScopeID = prompt(reader, "Asset ID")
	}

	breaker.CooldownMinutes = promptInt(reader, "Cooldown minutes (0 = default 30)")
	breaker.AutoResetEnabled = strings.EqualFold(prompt(reader, "Auto reset after cooldown? (y/n)"), "y")

	ctx, cancel := adminContext()
	defer cancel()
	created, err := a.registry.Create(ctx, breaker)
	if err != nil {
		fmt.Printf("Create failed: %v\n", err)
		return
	}
	fmt.Printf("Created breaker %s (%s, cooldown %dm)\n", created.BreakerID, created.Name, created.CooldownMinutes)
}

func (a *adminTool) resetBreaker(reader *bufio.Reader) {
	fmt.Println("\n--- Reset Circuit Breaker ---")
	tenantID := prompt(reader, "Tenant ID")
	breakerID := prompt(reader, "Breaker ID")
	reason := prompt(reader, "Reason")

	ctx, cancel := adminContext()
	defer cancel()
	breaker, err := a.registry.Reset(ctx, tenantID, breakerID, reason)
	if err != nil {
		fmt.Printf("Reset failed: %v\n", err)
		return
	}
	fmt.Printf("Breaker %s is now %s\n", breaker.Name, breaker.State)
}

func (a *adminTool) setLimit(reader *bufio.Reader) {
	fmt.Println("\n--- Set Position Limit ---")
	limit := &limits.Limit{
		TenantID: prompt(reader, "Tenant ID"),
	}

	fmt.Println("Type: 1. Absolute quantity  2. Percentage of portfolio")
	switch prompt(reader, "Select type") {
	case "1":
		limit.LimitType = limits.LimitAbsolute
	case "2":
		limit.LimitType = limits.LimitPercentage
	default:
		fmt.Println("Invalid limit type")
		return
	}

	limit.AssetID = prompt(reader, "Asset ID (blank = tenant-wide)")
	maxValue, ok := promptDecimal(reader, "Max value")
	if !ok {
		return
	}
	limit.MaxValue = maxValue

	ctx, cancel := adminContext()
	defer cancel()
	saved, err := a.limits.SetLimit(ctx, limit)
	if err != nil {
		fmt.Printf("Set limit failed: %v\n", err)
		return
	}
	fmt.Printf("Limit %s saved (%s max %s)\n", saved.LimitID, saved.LimitType, saved.MaxValue)
}

func (a *adminTool) updateEquity(reader *bufio.Reader) {
	fmt.Println("\n--- Update Portfolio Equity ---")
	tenantID := prompt(reader, "Tenant ID")
	strategyID := prompt(reader, "Strategy ID (blank = portfolio)")
	equity, ok := promptDecimal(reader, "Equity value")
	if !ok {
		return
	}

	ctx, cancel := adminContext()
	defer cancel()
	state, err := a.drawdown.UpdateEquity(ctx, tenantID, strategyID, equity)
	if err != nil {
		fmt.Printf("Update failed: %v\n", err)
		return
	}
	fmt.Printf("Status %s, drawdown %s%% (peak %s, current %s)\n",
		state.Status, state.DrawdownPercent.StringFixed(2), state.PeakValue, state.CurrentValue)
}

func (a *adminTool) updateVolatility(reader *bufio.Reader) {
	fmt.Println("\n--- Update Volatility Index ---")
	tenantID := prompt(reader, "Tenant ID")
	assetID := prompt(reader, "Asset ID")
	indexType := prompt(reader, "Index type (e.g. ATR_PCT)")
	value, ok := promptDecimal(reader, "Index value")
	if !ok {
		return
	}

	ctx, cancel := adminContext()
	defer cancel()
	state, err := a.volatility.UpdateIndex(ctx, tenantID, assetID, indexType, value)
	if err != nil {
		fmt.Printf("Update failed: %v\n", err)
		return
	}
	fmt.Printf("Level %s, throttle %s%%, new entries allowed: %v\n",
		state.Level, state.ThrottlePercent, state.AllowNewEntries)
}

func (a *adminTool) configureTriggers(reader *bufio.Reader) {
	fmt.Println("\n--- Auto-Kill Triggers ---")
	tenantID := prompt(reader, "Tenant ID")
	if tenantID == "" {
		fmt.Println("Tenant ID is required")
		return
	}

	readCtx, cancelRead := adminContext()
	cfg, err := a.killSwitch.GetConfig(readCtx, tenantID)
	cancelRead()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("AUTO-KILL TRIGGERS")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Name", "Condition", "Threshold", "Enabled"})
	for _, tr := range cfg.Triggers {
		t.AppendRow(table.Row{
			shortID(tr.TriggerID), tr.Name, string(tr.Condition.Type),
			triggerThreshold(tr.Condition), tr.Enabled,
		})
	}
	t.Render()

	if !strings.EqualFold(prompt(reader, "Add a trigger? (y/n)"), "y") {
		return
	}

	trigger := killswitch.AutoKillTrigger{
		Name:    prompt(reader, "Name"),
		Enabled: true,
	}

	fmt.Println("Condition: 1. Rapid loss  2. Error rate  3. System error")
	switch prompt(reader, "Select condition") {
	case "1":
		trigger.Condition.Type = killswitch.ConditionRapidLoss
		threshold, ok := promptDecimal(reader, "Loss percent threshold")
		if !ok {
			return
		}
		trigger.Condition.LossPercent = threshold
		trigger.Condition.TimeWindowMinutes = promptInt(reader, "Time window minutes")
	case "2":
		trigger.Condition.Type = killswitch.ConditionErrorRate
		threshold, ok := promptDecimal(reader, "Error rate threshold")
		if !ok {
			return
		}
		trigger.Condition.ErrorPercent = threshold
	case "3":
		trigger.Condition.Type = killswitch.ConditionSystemError
		for _, part := range strings.Split(prompt(reader, "Error types to watch (comma separated)"), ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				trigger.Condition.ErrorTypes = append(trigger.Condition.ErrorTypes, trimmed)
			}
		}
		if len(trigger.Condition.ErrorTypes) == 0 {
			fmt.Println("Note: a trigger with no watched error types never fires")
		}
	default:
		fmt.Println("Invalid condition type")
		return
	}

	cfg.Triggers = append(cfg.Triggers, trigger)

	ctx, cancel := adminContext()
	defer cancel()
	saved, err := a.killSwitch.SetConfig(ctx, cfg)
	if err != nil {
		fmt.Printf("Save failed: %v\n", err)
		return
	}
	fmt.Printf("Config saved with %d trigger(s)\n", len(saved.Triggers))
}

func triggerThreshold(c killswitch.TriggerCondition) string {
	switch c.Type {
	case killswitch.ConditionRapidLoss:
		return fmt.Sprintf("%s%% / %dm", c.LossPercent, c.TimeWindowMinutes)
	case killswitch.ConditionErrorRate:
		return c.ErrorPercent.String() + "%"
	case killswitch.ConditionSystemError:
		return strings.Join(c.ErrorTypes, ",")
	}
	return ""
}

func (a *adminTool) showRecentEvents(reader *bufio.Reader) {
	tenantID := prompt(reader, "Tenant ID")
	minutes := promptInt(reader, "Lookback minutes (0 = 60)")
	if minutes <= 0 {
		minutes = 60
	}

	ctx, cancel := adminContext()
	defer cancel()
	recent, err := a.eventLog.Recent(ctx, tenantID, time.Now().Add(-time.Duration(minutes)*time.Minute))
	if err != nil {
		fmt.Printf("Failed to read events: %v\n", err)
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(fmt.Sprintf("RISK EVENTS (last %dm)", minutes))
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Time", "Type", "Loss %", "Error Rate", "Error Type", "Asset"})
	for _, ev := range recent {
		t.AppendRow(table.Row{
			ev.OccurredAt.Format("15:04:05"), string(ev.EventType),
			ev.LossPercent.String(), ev.ErrorRate.String(), ev.ErrorType, ev.AssetID,
		})
	}
	t.Render()
	fmt.Printf("%d events\n", len(recent))
}

func promptInt(reader *bufio.Reader, label string) int {
	value, err := strconv.Atoi(prompt(reader, label))
	if err != nil {
		return 0
	}
	return value
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// openStore builds the configured store backend. The admin tool shares
// the daemon's config so it always talks to the same state.
func openStore(cfg *config.Config, logger zerolog.Logger) (store.Store, func(), error) {
	switch strings.ToLower(cfg.StoreConfig.Backend) {
	case "", "memory":
		// Useful only for trying the tool out: memory state is per-process.
		return store.NewMemoryStore(), func() {}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}
		return store.NewRedisStore(client, logger), func() { client.Close() }, nil

	case "postgres":
		pg, err := store.NewPostgresStore(store.PostgresConfig{
			Host:     cfg.PostgresConfig.Host,
			Port:     cfg.PostgresConfig.Port,
			User:     cfg.PostgresConfig.User,
			Password: cfg.PostgresConfig.Password,
			Database: cfg.PostgresConfig.Database,
			SSLMode:  cfg.PostgresConfig.SSLMode,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pg.Migrate(migrateCtx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return pg, func() { pg.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreConfig.Backend)
	}
}
