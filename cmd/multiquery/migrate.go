package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/BaSui01/multiquery/config"
	"github.com/BaSui01/multiquery/internal/migration"
)

// =============================================================================
// 🗄️ migrate 命令
// =============================================================================

// runMigrate 执行 migrate 子命令，返回进程退出码
func runMigrate(args []string) int {
	if len(args) < 1 {
		printMigrateUsage()
		return 1
	}
	sub, rest := args[0], args[1:]

	// force 和 steps 的第一个参数是数字
	var n int
	switch sub {
	case "force", "steps":
		if len(rest) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: multiquery migrate %s <n> [options]\n", sub)
			return 1
		}
		v, err := strconv.Atoi(rest[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid number: %s\n", rest[0])
			return 1
		}
		n, rest = v, rest[1:]
	case "help", "-h", "--help":
		printMigrateUsage()
		return 0
	}

	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	all := fs.Bool("all", false, "With down: rollback all migrations")
	migrator, err := createMigrator(fs, rest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		return 1
	}
	defer migrator.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := migration.NewCLI(migrator)
	switch sub {
	case "up":
		err = cli.RunUp(ctx)
	case "down":
		if *all {
			err = cli.RunDownAll(ctx)
		} else {
			err = cli.RunDown(ctx)
		}
	case "reset":
		err = cli.RunDownAll(ctx)
	case "steps":
		err = cli.RunSteps(ctx, n)
	case "force":
		err = cli.RunForce(ctx, n)
	case "status":
		err = cli.RunStatus(ctx)
	case "info":
		err = cli.RunInfo(ctx)
	case "version":
		err = cli.RunVersion(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", sub)
		printMigrateUsage()
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", sub, err)
		return 1
	}
	return 0
}

// createMigrator 优先使用 --db-type/--db-url，否则读配置文件的 database 段
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}
	return migration.NewMigratorFromConfig(cfg)
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  multiquery migrate <subcommand> [options]

Subcommands:
  up            Apply all pending migrations
  down [--all]  Rollback the last migration (or all)
  steps <n>     Apply n migrations, or rollback when n is negative
  status        Show every migration and whether it is applied
  info          Show a summary of the migration state
  version       Show current migration version
  force <v>     Force set migration version (repairs a dirty state)
  reset         Rollback all migrations

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  multiquery migrate up --config /etc/multiquery/config.yaml
  multiquery migrate status
  multiquery migrate steps -1
  multiquery migrate force 1 --db-type sqlite --db-url "file:multiquery.db?mode=rwc"`)
}
