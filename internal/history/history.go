// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

// Package history records every export, import, reconcile and prune run
// together with its per-unit results. It is backed by bun and supports
// SQLite (default), PostgreSQL and MySQL.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/toeirei/hostmove/internal/logging"
	"github.com/toeirei/hostmove/internal/model"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	// SQL drivers for the supported history backends.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	//go:embed migrations
	embeddedMigrations embed.FS
	// sqlOpenFunc allows tests to override database opening behavior.
	sqlOpenFunc = sql.Open
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Operation names a recorded run type.
type Operation string

const (
	OpExport    Operation = "export"
	OpImport    Operation = "import"
	OpReconcile Operation = "reconcile"
	OpPrune     Operation = "prune"
	OpPush      Operation = "push"
	OpVerify    Operation = "verify"
)

// Run is one recorded engine invocation.
type Run struct {
	bun.BaseModel `bun:"table:runs"`

	ID         string    `bun:"id,pk"`
	Operation  Operation `bun:"operation"`
	Label      string    `bun:"label"`
	Host       string    `bun:"host"`
	Status     string    `bun:"status"`
	Detail     string    `bun:"detail"`
	StartedAt  time.Time `bun:"started_at"`
	FinishedAt time.Time `bun:"finished_at"`

	Units []Unit `bun:"-"`
}

// Unit is a single per-dataset, per-config or per-service result of a run.
type Unit struct {
	bun.BaseModel `bun:"table:run_units"`

	ID     int64  `bun:"id,pk,autoincrement"`
	RunID  string `bun:"run_id"`
	Name   string `bun:"name"`
	Kind   string `bun:"kind"`
	Status string `bun:"status"`
	Reason string `bun:"reason"`
}

// UnitsFrom converts engine unit results into history rows.
func UnitsFrom(results []model.UnitResult) []Unit {
	units := make([]Unit, 0, len(results))
	for _, r := range results {
		reason := r.Reason
		if reason == "" && r.Err != nil {
			reason = r.Err.Error()
		}
		units = append(units, Unit{Name: r.Unit, Kind: string(r.Kind), Status: string(r.Status), Reason: reason})
	}
	return units
}

// Failed returns the units of the run that did not succeed.
func (r Run) Failed() []Unit {
	var out []Unit
	for _, u := range r.Units {
		if u.Status == string(model.StatusFailed) {
			out = append(out, u)
		}
	}
	return out
}

// Store is the history database.
type Store struct {
	bun    *bun.DB
	dbType string
}

// Open connects to the history database, applies pending migrations and
// returns a Store. dbType is one of sqlite, postgres or mysql.
func Open(dbType, dsn string) (*Store, error) {
	driverName := dbType
	// The pgx stdlib registers driver name "pgx"; map "postgres" to that driver.
	switch dbType {
	case "sqlite", "mysql":
	case "postgres":
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("unsupported history database type: '%s'", dbType)
	}
	start := time.Now()
	sqlDB, err := sqlOpenFunc(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// One writer at a time keeps SQLite from returning SQLITE_BUSY and
	// makes ":memory:" databases visible across queries.
	if dbType == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	}
	logging.Debugf("history: opened %s driver in %s", driverName, time.Since(start))

	if err := RunMigrations(sqlDB, dbType); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to run history migrations: %w", err)
	}
	return &Store{bun: createBunDB(sqlDB, dbType), dbType: dbType}, nil
}

// createBunDB constructs a *bun.DB for the provided *sql.DB and dbType.
func createBunDB(sqlDB *sql.DB, dbType string) *bun.DB {
	switch dbType {
	case "postgres":
		return bun.NewDB(sqlDB, pgdialect.New())
	case "mysql":
		return bun.NewDB(sqlDB, mysqldialect.New())
	default:
		return bun.NewDB(sqlDB, sqlitedialect.New())
	}
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.bun == nil {
		return nil
	}
	return s.bun.Close()
}

// Record stores run and its units in one transaction. A missing ID is
// filled with a new UUID and returned.
func (s *Store) Record(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = run.FinishedAt.UTC()

	err := s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(&run).Exec(ctx); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if len(run.Units) == 0 {
			return nil
		}
		units := make([]Unit, len(run.Units))
		for i, u := range run.Units {
			u.ID = 0
			u.RunID = run.ID
			units[i] = u
		}
		if _, err := tx.NewInsert().Model(&units).Exec(ctx); err != nil {
			return fmt.Errorf("insert run units: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

// List returns the most recent runs, newest first. A limit <= 0 returns
// every run.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	q := s.bun.NewSelect().Model(&runs).OrderExpr("started_at DESC, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return runs, nil
	}
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	var units []Unit
	if err := s.bun.NewSelect().Model(&units).Where("run_id IN (?)", bun.In(ids)).OrderExpr("id").Scan(ctx); err != nil {
		return nil, err
	}
	byRun := map[string][]Unit{}
	for _, u := range units {
		byRun[u.RunID] = append(byRun[u.RunID], u)
	}
	for i := range runs {
		runs[i].Units = byRun[runs[i].ID]
	}
	return runs, nil
}

// Get returns a single run with its units.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	var run Run
	err := s.bun.NewSelect().Model(&run).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	if err := s.bun.NewSelect().Model(&run.Units).Where("run_id = ?", id).OrderExpr("id").Scan(ctx); err != nil {
		return nil, err
	}
	return &run, nil
}

// RunMigrations applies the embedded migrations for dbType that are not yet
// listed in schema_migrations.
func RunMigrations(db *sql.DB, dbType string) error {
	start := time.Now()
	migrationsPath := fmt.Sprintf("migrations/%s", dbType)

	entries, err := fs.ReadDir(embeddedMigrations, migrationsPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no migrations for database type %q", dbType)
		}
		return fmt.Errorf("failed to read embedded migrations (%s): %w", migrationsPath, err)
	}

	var ups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			ups = append(ups, e.Name())
		}
	}
	sort.Strings(ups)

	if err := ensureSchemaMigrationsTable(db, dbType); err != nil {
		return fmt.Errorf("failed to ensure schema_migrations table: %w", err)
	}

	for _, fname := range ups {
		version := strings.TrimSuffix(fname, ".up.sql")

		var exists int
		query := "SELECT 1 FROM schema_migrations WHERE version = ?"
		if dbType == "postgres" {
			query = "SELECT 1 FROM schema_migrations WHERE version = $1"
		}
		err := db.QueryRow(query, version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check migration version %s: %w", version, err)
		}

		p := path.Join(migrationsPath, fname)
		data, err := embeddedMigrations.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", p, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", version, err)
		}
		// Statements are executed one by one; MySQL rejects multi-statement
		// Exec unless the DSN enables it.
		for _, stmt := range splitStatements(string(data)) {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("failed to execute migration %s: %w", version, err)
			}
		}

		insertQuery := "INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)"
		if dbType == "postgres" {
			insertQuery = "INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2)"
		}
		if _, err := tx.Exec(insertQuery, version, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", version, err)
		}
	}
	logging.Debugf("history: migrations for %s completed in %s", dbType, time.Since(start))
	return nil
}

func ensureSchemaMigrationsTable(db *sql.DB, dbType string) error {
	// MySQL does not permit TEXT columns to be indexed without a length.
	stmt := `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMP)`
	if dbType == "mysql" {
		stmt = `CREATE TABLE IF NOT EXISTS schema_migrations (version VARCHAR(191) PRIMARY KEY, applied_at TIMESTAMP NULL)`
	}
	_, err := db.Exec(stmt)
	return err
}

func splitStatements(sqlText string) []string {
	var out []string
	for _, s := range strings.Split(sqlText, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
