package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polyagent/config"
	"github.com/alejandrodnm/polyagent/internal/adapters/clob"
	"github.com/alejandrodnm/polyagent/internal/adapters/notify"
	"github.com/alejandrodnm/polyagent/internal/adapters/onchain"
	"github.com/alejandrodnm/polyagent/internal/adapters/storage"
	"github.com/alejandrodnm/polyagent/internal/application/positions"
	"github.com/alejandrodnm/polyagent/internal/application/recon"
	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/keys"
)

const usage = `usage: polyagent [flags] <command>

commands:
  run                 run the reconciliation loop (default; -once for a single pass)
  place               place an order (-market -token -side -price -size [-key] [-type])
  cancel <order-id>   cancel an open order
  status <order-id>   show an order and its fills
  positions           show open positions
  redeem              redeem resolved positions in a market (-market)
  rotate              rotate to the next signing identity
`

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	once := flag.Bool("once", false, "run a single reconciliation pass and exit")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")

	market := flag.String("market", "", "condition id (place)")
	token := flag.String("token", "", "outcome token id (place)")
	side := flag.String("side", "BUY", "BUY or SELL (place)")
	orderType := flag.String("type", "LIMIT", "LIMIT or MARKET (place)")
	price := flag.Float64("price", 0, "limit price in USDC (place)")
	size := flag.Float64("size", 0, "shares (place)")
	key := flag.String("key", "", "idempotency key (place); generated when empty")

	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	secret, err := config.MasterSecret()
	if err != nil {
		slog.Error("master secret unavailable", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ledger, err := storage.NewSQLiteLedger(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open ledger", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer ledger.Close()

	manager, err := keys.NewManager(ctx, secret, ledger, cfg.Identity.MaxIndex)
	if err != nil {
		slog.Error("failed to initialize identities", "err", err)
		os.Exit(1)
	}

	gateway := clob.NewGateway(cfg.API.CLOBBase, manager)
	redeemer, err := onchain.NewRedeemClient(cfg.API.PolygonRPC, manager)
	if err != nil {
		slog.Error("failed to connect to polygon rpc", "err", err, "rpc", cfg.API.PolygonRPC)
		os.Exit(1)
	}

	tracker := positions.NewTracker(ledger)
	notifier := notify.NewConsole(cfg.Agent.CompactOutput)

	engineCfg := recon.DefaultConfig()
	engineCfg.SubmitRetries = cfg.Agent.SubmitRetries
	engineCfg.SubmitBackoff = cfg.SubmitBackoff()
	engineCfg.ReconcileInterval = cfg.ReconcileInterval()

	engine := recon.New(ledger, ledger, manager, gateway, redeemer, tracker, notifier, engineCfg)

	command := flag.Arg(0)
	if command == "" {
		command = "run"
	}

	switch command {
	case "run":
		slog.Info("polyagent starting",
			"config", *configPath,
			"interval", cfg.ReconcileInterval(),
			"clob", cfg.API.CLOBBase,
		)
		if *once {
			if err := engine.RunOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Error("reconciliation pass failed", "err", err)
				os.Exit(1)
			}
			return
		}
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("agent exited with error", "err", err)
			os.Exit(1)
		}
		slog.Info("polyagent stopped cleanly")

	case "place":
		idempotencyKey := *key
		if idempotencyKey == "" {
			idempotencyKey = uuid.New().String()
		}
		if cfg.Agent.MaxOrderSize > 0 && *size > cfg.Agent.MaxOrderSize {
			slog.Error("order exceeds configured size cap",
				"size", *size, "cap", cfg.Agent.MaxOrderSize)
			os.Exit(1)
		}
		rec, err := engine.Place(ctx, domain.OrderIntent{
			IdempotencyKey: idempotencyKey,
			ConditionID:    *market,
			TokenID:        *token,
			Side:           domain.Side(*side),
			Type:           domain.OrderType(*orderType),
			Price:          *price,
			Size:           *size,
		})
		if err != nil {
			slog.Error("place failed", "err", err, "key", idempotencyKey)
		}
		fmt.Printf("order %s  status=%s  exchange_order=%s  key=%s\n",
			rec.ID, rec.Status, rec.ExchangeOrderID, rec.IdempotencyKey)
		if rec.Reason != "" {
			fmt.Printf("reason: %s\n", rec.Reason)
		}
		if err != nil {
			os.Exit(1)
		}

	case "cancel":
		orderID := requireArg(1, "order id")
		if err := engine.Cancel(ctx, orderID); err != nil {
			slog.Error("cancel failed", "order", orderID, "err", err)
			os.Exit(1)
		}
		fmt.Printf("order %s cancelled\n", orderID)

	case "status":
		orderID := requireArg(1, "order id")
		rec, fills, err := engine.GetOrder(ctx, orderID)
		if err != nil {
			slog.Error("status failed", "order", orderID, "err", err)
			os.Exit(1)
		}
		fmt.Printf("order %s  status=%s  side=%s  price=%.4f  size=%.2f  filled=%.2f\n",
			rec.ID, rec.Status, rec.Side, rec.Price, rec.Size, rec.FilledSize)
		for _, f := range fills {
			fmt.Printf("  fill %s  price=%.4f  size=%.2f  at=%s\n",
				f.ExchangeTradeID, f.Price, f.Size, f.TradedAt.Format("2006-01-02 15:04:05"))
		}

	case "positions":
		open, err := tracker.Open(ctx)
		if err != nil {
			slog.Error("positions failed", "err", err)
			os.Exit(1)
		}
		if err := notifier.Notify(ctx, nil, open); err != nil {
			slog.Error("render failed", "err", err)
			os.Exit(1)
		}

	case "redeem":
		if *market == "" {
			fmt.Fprintf(os.Stderr, "missing -market\n\n%s", usage)
			os.Exit(2)
		}
		if err := engine.Redeem(ctx, *market); err != nil {
			slog.Error("redeem failed", "condition", *market, "err", err)
			os.Exit(1)
		}
		fmt.Printf("resolved positions in %s redeemed\n", *market)

	case "rotate":
		next, err := engine.Rotate(ctx)
		if err != nil {
			slog.Error("rotate failed", "err", err)
			os.Exit(1)
		}
		fmt.Printf("active identity is now index %d (%s)\n", next.Index, next.Address)

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}
}

func requireArg(i int, name string) string {
	v := flag.Arg(i)
	if v == "" {
		fmt.Fprintf(os.Stderr, "missing %s\n\n%s", name, usage)
		os.Exit(2)
	}
	return v
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
