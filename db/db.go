package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Kirky-X/xRelay/config"
	"github.com/Kirky-X/xRelay/logger"
	"github.com/Kirky-X/xRelay/pkg/metrics"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Database wraps the pgx connection pool for the durable relay store.
type Database struct {
	Pool *pgxpool.Pool
}

// BuildDSN constructs a postgres connection string from the configuration.
func BuildDSN(cfg *config.DatabaseConfig) string {
	sslMode := "disable"
	if cfg.TLSMode {
		sslMode = "require"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, port, cfg.Name, sslMode)
}

// NewDatabaseFromConfig creates the connection pool, pings the database and
// applies pending migrations. Errors here are not fatal to the caller: the
// server degrades to the in-memory store when the backend is unreachable.
func NewDatabaseFromConfig(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	dsn := BuildDSN(cfg)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if lifetime, err := cfg.GetMaxConnLifetime(); err == nil {
		poolCfg.MaxConnLifetime = lifetime
	}
	if idle, err := cfg.GetMaxConnIdleTime(); err == nil {
		poolCfg.MaxConnIdleTime = idle
	}
	if cfg.LogQueries {
		poolCfg.ConnConfig.Tracer = &queryTracer{}
	}

	logger.Infof("[DB] connecting to database: postgres://%s@%s/%s", cfg.User, cfg.Host, cfg.Name)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	db := &Database{Pool: pool}

	migrationTimeout, _ := cfg.GetMigrationTimeout()
	migCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()
	if err := RunMigrations(migCtx, dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// RunMigrations applies all pending upwards migrations using the embedded
// migration files. The schema_migrations ledger table is maintained by
// golang-migrate.
func RunMigrations(ctx context.Context, dsn string) error {
	m, sqlDB, err := NewMigrator(dsn)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	done := make(chan error, 1)
	go func() { done <- m.Up() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("migration timed out: %w", ctx.Err())
	}
}

// NewMigrator builds a migrate.Migrate over the embedded migrations for
// the admin CLI (up/down/version/force). The returned *sql.DB must be
// closed by the caller after the migrator is done.
func NewMigrator(dsn string) (*migrate.Migrate, *sql.DB, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database for migrations: %w", err)
	}

	source, err := iofs.New(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to initialize migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return m, sqlDB, nil
}

// StartPoolMetrics starts a goroutine that periodically collects
// connection pool statistics.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	if db.Pool == nil {
		return
	}
	stats := db.Pool.Stat()
	metrics.DBPoolTotalConns.WithLabelValues("primary").Set(float64(stats.TotalConns()))
	metrics.DBPoolIdleConns.WithLabelValues("primary").Set(float64(stats.IdleConns()))
	metrics.DBPoolInUseConns.WithLabelValues("primary").Set(float64(stats.AcquiredConns()))
}
