package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"

	"github.com/Kirky-X/xRelay/config"
	"github.com/Kirky-X/xRelay/consts"
	"github.com/Kirky-X/xRelay/db"
)

func handleMigrate() {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	ctx := context.Background()

	switch os.Args[2] {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", os.Args[2])
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

Run this while the main 'xrelay' server is stopped. An advisory database
lock prevents concurrent schema changes.

Usage:
  xrelay-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  xrelay-admin migrate up
  xrelay-admin migrate down --limit 1
  xrelay-admin migrate down --all
  xrelay-admin migrate version
  xrelay-admin migrate force 1
`)
}

// migrateFlags builds the shared flag set for a migrate subcommand.
func migrateFlags(name, usage string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() { fmt.Println(usage) }
	return fs, configPath
}

// runLocked opens the migrator, takes the advisory lock, runs fn and
// releases the lock. The lock is session-scoped, so an early exit still
// drops it when the connection closes.
func runLocked(ctx context.Context, configPath string, fn func(m *migrate.Migrate)) {
	m, sqlDB := getMigrateInstance(ctx, configPath)
	defer sqlDB.Close()

	if err := acquireExclusiveLock(ctx, sqlDB); err != nil {
		fatalf("Failed to acquire exclusive lock: %v", err)
	}
	defer releaseExclusiveLock(context.Background(), sqlDB)

	fn(m)
}

func handleMigrateUp(ctx context.Context) {
	fs, configPath := migrateFlags("migrate up",
		"Usage: xrelay-admin migrate up [--config config.toml]\nApplies all pending upwards migrations.")
	fs.Parse(os.Args[3:])

	runLocked(ctx, *configPath, func(m *migrate.Migrate) {
		fmt.Println("Applying UP migrations...")
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			fatalf("Failed to apply UP migrations: %v", err)
		}
		fmt.Println("Migrations applied successfully.")
		showVersion(m)
	})
}

func handleMigrateDown(ctx context.Context) {
	fs, configPath := migrateFlags("migrate down",
		"Usage: xrelay-admin migrate down [--config config.toml] [--limit N | --all]\nReverts migrations. Defaults to reverting one migration.")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Parse(os.Args[3:])

	runLocked(ctx, *configPath, func(m *migrate.Migrate) {
		if *all {
			version, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				fmt.Println("No migrations to revert.")
				return
			}
			if err != nil {
				fatalf("Failed to get current migration version: %v", err)
			}
			if dirty {
				fatalf("Database is in a dirty state (version %d). Please fix manually with 'force'.", version)
			}

			fmt.Printf("Reverting all %d migration(s)...\n", version)
			if err := m.Steps(-int(version)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				fatalf("Failed to revert all migrations: %v", err)
			}
		} else {
			fmt.Printf("Reverting %d migration(s)...\n", *limit)
			if err := m.Steps(-(*limit)); err != nil {
				fatalf("Failed to revert migrations: %v", err)
			}
		}
		fmt.Println("Migrations reverted successfully.")
		showVersion(m)
	})
}

func handleMigrateVersion(ctx context.Context) {
	fs, configPath := migrateFlags("migrate version",
		"Usage: xrelay-admin migrate version [--config config.toml]\nShows the current migration version and dirty state.")
	fs.Parse(os.Args[3:])

	m, sqlDB := getMigrateInstance(ctx, *configPath)
	defer sqlDB.Close()

	showVersion(m)
}

func handleMigrateForce(ctx context.Context) {
	fs, configPath := migrateFlags("migrate force",
		"Usage: xrelay-admin migrate force [--config config.toml] <version>\nForcibly sets the database migration version. USE WITH CAUTION.")
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		fatalf("Invalid version number: %v", err)
	}

	runLocked(ctx, *configPath, func(m *migrate.Migrate) {
		fmt.Printf("Forcing database version to %d...\n", version)
		if err := m.Force(version); err != nil {
			fatalf("Failed to force version: %v", err)
		}
		fmt.Println("Version forced successfully.")
		showVersion(m)
	})
}

func getMigrateInstance(ctx context.Context, configPath string) (*migrate.Migrate, *sql.DB) {
	cfg := loadAdminConfig(configPath)
	if !cfg.Database.IsConfigured() {
		fatalf("Database configuration is missing; migrations need the durable store.")
	}

	m, sqlDB, err := db.NewMigrator(db.BuildDSN(cfg.Database))
	if err != nil {
		fatalf("Failed to initialize migration tool: %v", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		fatalf("Failed to ping database: %v", err)
	}
	return m, sqlDB
}

func acquireExclusiveLock(ctx context.Context, sqlDB *sql.DB) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var acquired bool
	err := sqlDB.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.AdvisoryLockID).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("could not acquire exclusive database lock. Is an xrelay server instance already running?")
	}
	fmt.Println("Acquired exclusive database lock for migration.")
	return nil
}

func releaseExclusiveLock(ctx context.Context, sqlDB *sql.DB) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var unlocked bool
	err := sqlDB.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.AdvisoryLockID).Scan(&unlocked)
	switch {
	case err != nil:
		fmt.Printf("WARN: failed to release advisory lock after migration: %v\n", err)
	case unlocked:
		fmt.Println("Released exclusive database lock.")
	default:
		fmt.Println("WARN: pg_advisory_unlock reported lock was not held at time of release.")
	}
}

func showVersion(m *migrate.Migrate) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Println("Current migration version: none")
		return
	}
	if err != nil {
		fmt.Printf("Failed to get migration version: %v\n", err)
		return
	}

	fmt.Printf("Current migration version: %d\n", version)
	if dirty {
		fmt.Println("Dirty state: YES (Database may be in an inconsistent state. Use 'force' to fix.)")
	} else {
		fmt.Println("Dirty state: no")
	}
}

func loadAdminConfig(configPath string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.Load(configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("WARNING: configuration file '%s' not found. Using defaults.\n", configPath)
		} else {
			fatalf("Error parsing configuration file '%s': %v", configPath, err)
		}
	}
	return cfg
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
