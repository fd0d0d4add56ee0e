package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Kirky-X/xRelay/db"
	"github.com/Kirky-X/xRelay/helpers"
)

// openDatabase connects without running migrations; admin inspection
// must not mutate the schema.
func openDatabase(ctx context.Context, configPath string) *db.Database {
	cfg := loadAdminConfig(configPath)
	if !cfg.Database.IsConfigured() {
		fatalf("Database configuration is missing; this command needs the durable store.")
	}

	pool, err := pgxpool.New(ctx, db.BuildDSN(cfg.Database))
	if err != nil {
		fatalf("Failed to create connection pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		fatalf("Failed to connect to the database: %v", err)
	}
	return &db.Database{Pool: pool}
}

func handleStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: xrelay-admin status [--config config.toml]")
		fmt.Println("Shows available and deprecated relay counts.")
	}
	fs.Parse(os.Args[2:])

	ctx := context.Background()
	database := openDatabase(ctx, *configPath)
	defer database.Close()

	available, err := database.CountAvailable(ctx)
	if err != nil {
		fatalf("Failed to count available relays: %v", err)
	}
	deprecated, err := database.ListDeprecated(ctx)
	if err != nil {
		fatalf("Failed to list deprecated relays: %v", err)
	}

	fmt.Printf("Available relays:  %d\n", available)
	fmt.Printf("Deprecated relays: %d\n", len(deprecated))
}

func handleSweep() {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	retentionFlag := fs.String("retention", "", "Retention window override, e.g. '7d' (defaults to pool.retention)")
	fs.Usage = func() {
		fmt.Println("Usage: xrelay-admin sweep [--config config.toml] [--retention 7d]")
		fmt.Println("Purges deprecated relays older than the retention window.")
	}
	fs.Parse(os.Args[2:])

	cfg := loadAdminConfig(*configPath)

	var retention time.Duration
	var err error
	if *retentionFlag != "" {
		retention, err = helpers.ParseDuration(*retentionFlag)
	} else {
		retention, err = cfg.Pool.GetRetention()
	}
	if err != nil {
		fatalf("Invalid retention: %v", err)
	}

	ctx := context.Background()
	database := openDatabase(ctx, *configPath)
	defer database.Close()

	deleted, err := database.SweepExpiredDeprecated(ctx, retention)
	if err != nil {
		fatalf("Sweep failed: %v", err)
	}
	fmt.Printf("Purged %d deprecated relay(s) older than %v.\n", deleted, retention)
}

func handleListRelays() {
	fs := flag.NewFlagSet("list-relays", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: xrelay-admin list-relays [--config config.toml]")
		fmt.Println("Lists available relays with their counters and sampling weight.")
	}
	fs.Parse(os.Args[2:])

	ctx := context.Background()
	database := openDatabase(ctx, *configPath)
	defer database.Close()

	relays, err := database.GetAvailableRelays(ctx)
	if err != nil {
		fatalf("Failed to list relays: %v", err)
	}
	if len(relays) == 0 {
		fmt.Println("No available relays.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tSOURCE\tSUCCESS\tFAILURE\tWEIGHT")
	for _, r := range relays {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.3f\n", r.HostPort(), r.Source, r.SuccessCount, r.FailureCount, r.Weight())
	}
	w.Flush()
}

func handleListDeprecated() {
	fs := flag.NewFlagSet("list-deprecated", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: xrelay-admin list-deprecated [--config config.toml]")
		fmt.Println("Lists deprecated relays with their deprecation timestamps.")
	}
	fs.Parse(os.Args[2:])

	ctx := context.Background()
	database := openDatabase(ctx, *configPath)
	defer database.Close()

	deprecated, err := database.ListDeprecated(ctx)
	if err != nil {
		fatalf("Failed to list deprecated relays: %v", err)
	}
	if len(deprecated) == 0 {
		fmt.Println("No deprecated relays.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tFAILURES\tDEPRECATED AT")
	for _, d := range deprecated {
		fmt.Fprintf(w, "%s\t%d\t%s\n", d.HostPort(), d.FailureCount, d.DeprecatedAt.Format(time.RFC3339))
	}
	w.Flush()
}
