package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
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
	"risk-gate/internal/killswitch"
	"risk-gate/internal/limits"
	"risk-gate/internal/pretrade"
	"risk-gate/internal/store"
	"risk-gate/internal/volatility"
)

func main() {
	orderFile := flag.String("order", "", "Path to order JSON (required)")
	profileFile := flag.String("profile", "", "Path to risk profile JSON (optional)")
	jsonOut := flag.Bool("json", false, "Emit the raw result as JSON")
	flag.Parse()

	if *orderFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: checkorder -order <file.json> [-profile <file.json>] [-json]")
		os.Exit(1)
	}

	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()

	order, err := loadOrder(*orderFile)
	if err != nil {
		log.Fatalf("Failed to load order: %v", err)
	}

	profile, err := loadProfile(*profileFile)
	if err != nil {
		log.Fatalf("Failed to load risk profile: %v", err)
	}
	if cfg.PretradeConfig.DefaultMaxLeverage > 0 {
		if profile == nil {
			profile = &pretrade.RiskConfig{}
		}
		if profile.MaxLeverage == nil {
			fallback := decimal.NewFromFloat(cfg.PretradeConfig.DefaultMaxLeverage)
			profile.MaxLeverage = &fallback
		}
	}

	s, closeStore, err := openStore(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer closeStore()

	checker := pretrade.NewChecker(
		killswitch.NewController(s, nil, logger),
		circuit.NewRegistry(s, nil, logger),
		limits.NewEvaluator(s, logger),
		drawdown.NewMonitor(s, nil, logger),
		volatility.NewThrottle(s, nil, logger),
		nil,
		logger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := checker.Validate(ctx, order, profile)
	if err != nil {
		log.Fatalf("Validation failed: %v", err)
	}

	if *jsonOut {
		encoded, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			log.Fatalf("Failed to encode result: %v", err)
		}
		fmt.Println(string(encoded))
	} else {
		printResult(order, result)
	}

	if !result.Approved {
		os.Exit(1)
	}
}

func loadOrder(path string) (pretrade.OrderRequest, error) {
	var order pretrade.OrderRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return order, err
	}
	if err := json.Unmarshal(data, &order); err != nil {
		return order, fmt.Errorf("invalid order JSON: %w", err)
	}
	return order, nil
}

func loadProfile(path string) (*pretrade.RiskConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	profile := &pretrade.RiskConfig{}
	if err := json.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("invalid risk profile JSON: %w", err)
	}
	return profile, nil
}

func printResult(order pretrade.OrderRequest, result *pretrade.Result) {
	fmt.Printf("\nOrder %s: %s %s %s @ %s (tenant %s)\n",
		order.OrderID, order.Side, order.Quantity, order.AssetID, order.Price, order.TenantID)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("PRE-TRADE CHECKS")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Check", "Result", "Detail", "Current", "Limit"})
	for _, check := range result.Checks {
		mark := "PASS"
		if !check.Passed {
			mark = "FAIL"
		}
		t.AppendRow(table.Row{
			string(check.CheckType), mark, check.Message,
			decimalOrDash(check.CurrentValue), decimalOrDash(check.LimitValue),
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, WidthMax: 60, Align: text.AlignLeft},
	})
	t.Render()

	fmt.Println()
	if result.Approved {
		fmt.Printf("APPROVED in %dms\n", result.ProcessingTimeMs)
	} else {
		fmt.Printf("REJECTED in %dms\n", result.ProcessingTimeMs)
		fmt.Printf("Reason: %s\n", result.RejectionReason)
	}
}

func decimalOrDash(value *decimal.Decimal) string {
	if value == nil {
		return "-"
	}
	return value.String()
}

// openStore builds the configured store backend, mirroring the daemon
// so one-shot checks run against the same state.
func openStore(cfg *config.Config, logger zerolog.Logger) (store.Store, func(), error) {
	switch strings.ToLower(cfg.StoreConfig.Backend) {
	case "", "memory":
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
