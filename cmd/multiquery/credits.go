package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/multiquery/config"
	"github.com/BaSui01/multiquery/internal/cache"
	"github.com/BaSui01/multiquery/internal/database"
	"github.com/BaSui01/multiquery/llm/billing"
)

// =============================================================================
// 💳 credits 命令
// =============================================================================

// runCredits 执行 credits 子命令（grant / balance / reconcile），返回进程退出码
func runCredits(args []string) int {
	if len(args) < 1 {
		printCreditsUsage()
		return 1
	}
	sub, rest := args[0], args[1:]
	if sub == "help" || sub == "-h" || sub == "--help" {
		printCreditsUsage()
		return 0
	}

	fs := flag.NewFlagSet("credits "+sub, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	user := fs.String("user", "", "User id")
	amount := fs.Int64("amount", 0, "Amount to credit (grant)")
	entryType := fs.String("type", string(billing.EntryPurchase), "Entry type: purchase, refund, bonus (grant)")
	reference := fs.String("reference", "", "Idempotency reference (grant, default random)")
	note := fs.String("note", "", "Ledger note (grant)")
	limit := fs.Int("limit", 20, "Number of ledger entries to show (balance)")
	if err := fs.Parse(rest); err != nil {
		return 1
	}
	if *user == "" {
		fmt.Fprintln(os.Stderr, "--user is required")
		return 1
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openBillingStore(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open credit store: %v\n", err)
		return 1
	}
	defer func() { _ = closeStore() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch sub {
	case "grant":
		ref := *reference
		if ref == "" {
			ref = "cli-" + uuid.NewString()
		}
		err = grantCredits(ctx, store, billing.CreditRequest{
			UserID:    *user,
			Amount:    *amount,
			Type:      billing.EntryType(*entryType),
			Reference: ref,
			Note:      *note,
		}, os.Stdout)
	case "balance":
		err = printBalance(ctx, store, *user, *limit, os.Stdout)
	case "reconcile":
		err = printReconciliation(ctx, store, *user, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown credits subcommand: %s\n", sub)
		printCreditsUsage()
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "credits %s failed: %v\n", sub, err)
		return 1
	}
	return 0
}

// openBillingStore 按 billing.backend 打开额度存储，返回关闭函数
func openBillingStore(cfg *config.Config, logger *zap.Logger) (billing.Store, func() error, error) {
	switch cfg.Billing.Backend {
	case "gorm":
		pool, err := database.Open(cfg.Database.Driver, cfg.Database.DSN(), cfg.Database.Pool, logger)
		if err != nil {
			return nil, nil, err
		}
		return billing.NewGormStore(pool, logger), pool.Close, nil
	case "redis":
		mgr, err := cache.NewManager(cfg.Redis, logger)
		if err != nil {
			return nil, nil, err
		}
		return billing.NewRedisStore(mgr, logger), mgr.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported billing backend %q", cfg.Billing.Backend)
	}
}

// grantCredits 充值/退款/赠送。相同 reference 重复执行不会重复入账。
func grantCredits(ctx context.Context, store billing.Store, req billing.CreditRequest, w io.Writer) error {
	bal, err := store.Credit(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %d credits to %s (reference %s)\n", req.Type, req.Amount, req.UserID, req.Reference)
	fmt.Fprintf(w, "Balance: %d\n", bal.Balance)
	return nil
}

func printBalance(ctx context.Context, store billing.Store, userID string, limit int, w io.Writer) error {
	bal, err := store.Balance(ctx, userID)
	if err != nil {
		return err
	}
	entries, err := store.Entries(ctx, userID, limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "User:            %s\n", bal.UserID)
	fmt.Fprintf(w, "Balance:         %d\n", bal.Balance)
	fmt.Fprintf(w, "Lifetime earned: %d\n", bal.LifetimeEarned)
	fmt.Fprintf(w, "Lifetime spent:  %d\n", bal.LifetimeSpent)
	if len(entries) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tAMOUNT\tBALANCE\tREFERENCE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			e.CreatedAt.UTC().Format(time.RFC3339), e.Type, e.Amount, e.BalanceAfter, e.Reference)
	}
	return tw.Flush()
}

func printReconciliation(ctx context.Context, store billing.Store, userID string, w io.Writer) error {
	rec, err := store.Reconcile(ctx, userID)
	if err != nil {
		return err
	}
	status := "OK"
	if !rec.Consistent {
		status = "MISMATCH"
	}
	fmt.Fprintf(w, "User %s: balance %d, seed %d, ledger sum %d over %d entries: %s\n",
		rec.UserID, rec.Balance, rec.InitialSeed, rec.LedgerSum, rec.Entries, status)
	if !rec.Consistent {
		return fmt.Errorf("ledger does not reconcile for %s", userID)
	}
	return nil
}

func printCreditsUsage() {
	fmt.Println(`Usage: multiquery credits <subcommand> --user <id> [options]

Subcommands:
  grant       Credit a user (purchase, refund or bonus)
  balance     Show balance and recent ledger entries
  reconcile   Check that the ledger sums to balance minus initial seed

Options:
  --config <path>      Path to config file (YAML)
  --user <id>          User id (required)
  --amount <n>         Amount to credit (grant)
  --type <t>           purchase | refund | bonus (grant, default purchase)
  --reference <ref>    Idempotency reference (grant); reusing it never credits twice
  --note <text>        Ledger note (grant)
  --limit <n>          Ledger entries to show (balance, default 20)

Examples:
  multiquery credits grant --user alice --amount 5000 --reference order-1042
  multiquery credits balance --user alice`)
}
