package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect registration
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"library-circulation/obs"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Config selects and tunes the relational store.
type Config struct {
	Driver          string // DriverSQLite (default) or DriverPostgres
	Path            string // SQLite file
	DSN             string // Postgres connection string
	BusyTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Database provides high-level helpers around the store connection.
type Database struct {
	db      *sqlx.DB
	driver  string
	dialect goqu.DialectWrapper
	lock    string // appended to row reads that must lock for the rest of the tx

	retry   []RetryOption
	log     *zap.Logger
	metrics *obs.Metrics
}

// NewDatabase opens (or creates) the SQLite database at dbPath and applies
// schema migrations.
func NewDatabase(dbPath string) (*Database, error) {
	return OpenDatabase(context.Background(), Config{Path: dbPath})
}

// OpenDatabase connects to the store described by cfg, applies pool settings
// and runs migrations.
func OpenDatabase(ctx context.Context, cfg Config) (*Database, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}

	var dsn, lock string
	switch cfg.Driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		// Ensure directory exists so first-run succeeds.
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		// Immediate transactions take the write lock at BEGIN, which
		// serializes every read-check-write sequence in the store.
		dsn = fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=1&_txlock=immediate&_journal_mode=WAL",
			cfg.Path, cfg.BusyTimeout.Milliseconds())
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		dsn = cfg.DSN
		lock = " FOR UPDATE"
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}

	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	if err := applyMigrations(ctx, db, cfg.Driver); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{
		db:      db,
		driver:  cfg.Driver,
		dialect: goqu.Dialect(cfg.Driver),
		lock:    lock,
		log:     zap.NewNop(),
	}, nil
}

// Close closes the DB.
func (d *Database) Close() error { return d.db.Close() }

func (d *Database) Driver() string { return d.driver }

func (d *Database) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// instrument attaches logging and metrics to transaction retries.
func (d *Database) instrument(log *zap.Logger, metrics *obs.Metrics) {
	d.log = log
	d.metrics = metrics
	d.retry = []RetryOption{WithOnRetry(func(attempt int, err error) {
		reason := contentionReason(err)
		d.log.Warn("store contention, retrying transaction",
			zap.Int("attempt", attempt), zap.String("reason", reason), zap.Error(err))
		if d.metrics != nil {
			d.metrics.StoreRetries.WithLabelValues(reason).Inc()
		}
	})}
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

// migrations[i] brings the schema to version i+1. Placeholders in braces are
// replaced with driver-specific column types.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS members (
            id {id},
            name TEXT NOT NULL,
            password_hash TEXT NOT NULL,
            role TEXT NOT NULL DEFAULT 'member',
            membership_type TEXT NOT NULL DEFAULT 'standard',
            membership_expiry {ts} NOT NULL,
            created_at {ts} NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS books (
            id {id},
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            isbn TEXT NOT NULL DEFAULT '',
            total_copies INTEGER NOT NULL DEFAULT 0,
            available_copies INTEGER NOT NULL DEFAULT 0,
            created_at {ts} NOT NULL,
            CHECK (available_copies >= 0 AND available_copies <= total_copies)
        )`,
		`CREATE TABLE IF NOT EXISTS book_copies (
            id {id},
            book_id {ref} NOT NULL REFERENCES books(id),
            copy_number INTEGER NOT NULL,
            status TEXT NOT NULL DEFAULT 'available',
            updated_at {ts} NOT NULL,
            UNIQUE (book_id, copy_number)
        )`,
		`CREATE INDEX IF NOT EXISTS ix_book_copies_status ON book_copies(book_id, status)`,
		`CREATE TABLE IF NOT EXISTS loans (
            id {id},
            user_id {ref} NOT NULL REFERENCES members(id),
            book_id {ref} NOT NULL REFERENCES books(id),
            book_copy_id {ref} NOT NULL REFERENCES book_copies(id),
            checkout_date {ts} NOT NULL,
            due_date {ts} NOT NULL,
            return_date {ts},
            renewal_count INTEGER NOT NULL DEFAULT 0,
            issued_by {ref} NOT NULL DEFAULT 0,
            returned_to {ref},
            notes TEXT NOT NULL DEFAULT ''
        )`,
		// At most one active loan per copy.
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_loans_active_copy ON loans(book_copy_id) WHERE return_date IS NULL`,
		`CREATE INDEX IF NOT EXISTS ix_loans_user ON loans(user_id, return_date)`,
		`CREATE TABLE IF NOT EXISTS fines (
            id {id},
            transaction_id {ref} NOT NULL UNIQUE REFERENCES loans(id),
            user_id {ref} NOT NULL REFERENCES members(id),
            amount {money} NOT NULL,
            reason TEXT NOT NULL,
            days_overdue INTEGER NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            created_at {ts} NOT NULL,
            resolved_at {ts},
            resolved_by {ref}
        )`,
		`CREATE INDEX IF NOT EXISTS ix_fines_user ON fines(user_id, status)`,
		`CREATE TABLE IF NOT EXISTS reservations (
            id {id},
            user_id {ref} NOT NULL REFERENCES members(id),
            book_id {ref} NOT NULL REFERENCES books(id),
            status TEXT NOT NULL DEFAULT 'active',
            queue_position INTEGER NOT NULL,
            reserved_at {ts} NOT NULL,
            fulfilled_at {ts},
            expires_at {ts},
            held_copy_id {ref} REFERENCES book_copies(id),
            collected_at {ts},
            collected_by {ref},
            loan_id {ref} REFERENCES loans(id),
            cancelled_at {ts}
        )`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_reservations_active ON reservations(user_id, book_id) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS ix_reservations_queue ON reservations(book_id, status, queue_position)`,
		`CREATE TABLE IF NOT EXISTS activity_log (
            id TEXT PRIMARY KEY,
            action TEXT NOT NULL,
            actor_id {ref} NOT NULL DEFAULT 0,
            user_id {ref} NOT NULL DEFAULT 0,
            book_id {ref} NOT NULL DEFAULT 0,
            copy_id {ref} NOT NULL DEFAULT 0,
            loan_id {ref} NOT NULL DEFAULT 0,
            details TEXT NOT NULL DEFAULT '{}',
            occurred_at {ts} NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS ix_activity_log_time ON activity_log(occurred_at)`,
	},
}

func columnTypes(driver string) *strings.Replacer {
	if driver == DriverPostgres {
		return strings.NewReplacer(
			"{id}", "BIGSERIAL PRIMARY KEY",
			"{ref}", "BIGINT",
			"{ts}", "TIMESTAMPTZ",
			"{money}", "NUMERIC(12,2)",
		)
	}
	return strings.NewReplacer(
		"{id}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{ref}", "INTEGER",
		"{ts}", "DATETIME",
		"{money}", "TEXT",
	)
}

func applyMigrations(ctx context.Context, db *sqlx.DB, driver string) error {
	if driver == DriverSQLite {
		// WAL improves write concurrency.
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return fmt.Errorf("create meta: %w", err)
	}

	var current int
	err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='schema_version'`).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read schema version: %w", err)
	}

	types := columnTypes(driver)
	for v := current + 1; v <= len(migrations); v++ {
		if err := applyMigration(ctx, db, types, v); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sqlx.DB, types *strings.Replacer, version int) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range migrations[version-1] {
		if _, err := tx.ExecContext(ctx, types.Replace(stmt)); err != nil {
			return fmt.Errorf("apply migration v%d: %w", version, err)
		}
	}

	upsert := tx.Rebind(`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value`)
	if _, err := tx.ExecContext(ctx, upsert, strconv.Itoa(version)); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

// txn is the handle every mutation runs on. Queries are written with ?
// placeholders and rebound for the driver.
type txn struct {
	tx   *sqlx.Tx
	lock string
}

func (t *txn) get(ctx context.Context, dest any, query string, args ...any) error {
	return t.tx.GetContext(ctx, dest, t.tx.Rebind(query), args...)
}

func (t *txn) sel(ctx context.Context, dest any, query string, args ...any) error {
	return t.tx.SelectContext(ctx, dest, t.tx.Rebind(query), args...)
}

// getLocked reads a row and, where the driver supports it, keeps it locked
// until the transaction ends.
func (t *txn) getLocked(ctx context.Context, dest any, query string, args ...any) error {
	return t.get(ctx, dest, query+t.lock, args...)
}

func (t *txn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// withTx runs fn in a transaction, committing on success and rolling back on
// any error. Store contention is retried from the start.
func (d *Database) withTx(ctx context.Context, fn func(*txn) error) error {
	return RetryWithBackoff(ctx, func(ctx context.Context) error {
		tx, err := d.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(&txn{tx: tx, lock: d.lock}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	}, d.retry...)
}

func (d *Database) get(ctx context.Context, dest any, query string, args ...any) error {
	return d.db.GetContext(ctx, dest, d.db.Rebind(query), args...)
}

func (d *Database) sel(ctx context.Context, dest any, query string, args ...any) error {
	return d.db.SelectContext(ctx, dest, d.db.Rebind(query), args...)
}

func (d *Database) exec(ctx context.Context, query string, args ...any) error {
	_, err := d.db.ExecContext(ctx, d.db.Rebind(query), args...)
	return err
}

// selectDataset runs a goqu dataset built with this database's dialect.
func (d *Database) selectDataset(ctx context.Context, dest any, ds *goqu.SelectDataset) error {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return d.db.SelectContext(ctx, dest, query, args...)
}
