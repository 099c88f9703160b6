// Package sqlstore persists the library in a relational database. SQLite is
// the default; MySQL and PostgreSQL are selected by driver name.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"lms/library"
)

// Supported driver names. They double as goqu dialect names.
const (
	DriverSQLite   = "sqlite3"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Database provides the library.Store implementation over database/sql.
type Database struct {
	db      *sqlx.DB
	driver  string
	dialect goqu.DialectWrapper
	log     *zap.Logger
}

var _ library.Store = (*Database)(nil)

type Option func(*Database)

func WithLogger(l *zap.Logger) Option { return func(d *Database) { d.log = l } }

// WithMaxOpenConns caps the connection pool (DB_CONN_LIMIT).
func WithMaxOpenConns(n int) Option {
	return func(d *Database) {
		if n > 0 {
			d.db.SetMaxOpenConns(n)
		}
	}
}

// SQLiteDSN returns the connection string for the SQLite file at path,
// creating its directory so first-run succeeds. Write transactions begin
// IMMEDIATE so concurrent borrowers queue on the busy timeout instead of
// failing on lock upgrade.
func SQLiteDSN(path string) (string, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create db dir: %w", err)
		}
	}
	return fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=1", path), nil
}

// MySQLDSN builds a go-sql-driver DSN from the DB_* settings.
func MySQLDSN(user, pass, host string, port int, name string) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC", user, pass, host, port, name)
}

// NewDatabase opens the database, applies schema migrations and returns a
// ready store.
func NewDatabase(ctx context.Context, driver, dsn string, opts ...Option) (*Database, error) {
	switch driver {
	case DriverSQLite, DriverMySQL, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	d := &Database{db: db, driver: driver, dialect: goqu.Dialect(driver), log: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.applyMigrations(ctx); err != nil {
		db.Close()
		return nil, library.Unavailable(err)
	}
	return d, nil
}

// Close closes the connection pool.
func (d *Database) Close() error { return d.db.Close() }

// Driver reports the driver the store was opened with.
func (d *Database) Driver() string { return d.driver }

// Update runs fn inside one database transaction and commits when fn succeeds.
func (d *Database) Update(ctx context.Context, fn func(library.Tx) error) error {
	return d.run(ctx, false, fn)
}

// View runs fn inside a read-only transaction where the driver supports it.
func (d *Database) View(ctx context.Context, fn func(library.Tx) error) error {
	return d.run(ctx, true, fn)
}

func (d *Database) run(ctx context.Context, readOnly bool, fn func(library.Tx) error) error {
	opts := &sql.TxOptions{ReadOnly: readOnly && d.driver != DriverSQLite}
	tx, err := d.db.BeginTxx(ctx, opts)
	if err != nil {
		return library.Unavailable(fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx, dialect: d.dialect, lockRows: d.driver != DriverSQLite}); err != nil {
		return library.Unavailable(err)
	}
	if readOnly {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return library.Unavailable(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const (
	schemaVersion = 1
	metaTable     = "schema_meta"
	versionKey    = "schema_version"
)

func (d *Database) applyMigrations(ctx context.Context) error {
	if d.driver == DriverSQLite {
		// WAL improves write concurrency.
		if _, err := d.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
	}

	create := `CREATE TABLE IF NOT EXISTS ` + metaTable + ` (name VARCHAR(64) PRIMARY KEY, value VARCHAR(255))`
	if _, err := d.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	current, err := d.currentVersion(ctx)
	if err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range schema(d.driver) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}

	del, delArgs, _ := d.dialect.Delete(metaTable).Where(goqu.Ex{"name": versionKey}).Prepared(true).ToSQL()
	ins, insArgs, _ := d.dialect.Insert(metaTable).
		Rows(goqu.Record{"name": versionKey, "value": strconv.Itoa(schemaVersion)}).
		Prepared(true).ToSQL()
	if _, err := tx.ExecContext(ctx, del, delArgs...); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, ins, insArgs...); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	d.log.Info("schema migrated", zap.String("driver", d.driver), zap.Int("version", schemaVersion))
	return nil
}

func (d *Database) currentVersion(ctx context.Context) (int, error) {
	query, args, err := d.dialect.From(metaTable).Select("value").
		Where(goqu.Ex{"name": versionKey}).Prepared(true).ToSQL()
	if err != nil {
		return 0, err
	}
	var value string
	err = d.db.QueryRowxContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	v, _ := strconv.Atoi(value)
	return v, nil
}

func schema(driver string) []string {
	ts, date := "DATETIME", "DATE"
	switch driver {
	case DriverMySQL:
		ts = "DATETIME(6)"
	case DriverPostgres:
		ts = "TIMESTAMPTZ"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS users (
            user_id VARCHAR(64) PRIMARY KEY,
            name VARCHAR(255) NOT NULL,
            email VARCHAR(255) NOT NULL,
            password VARCHAR(255) NOT NULL DEFAULT '',
            role VARCHAR(32) NOT NULL DEFAULT 'member',
            membership_date ` + date + ` NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS staff (
            staff_id VARCHAR(64) PRIMARY KEY,
            staff_name VARCHAR(255) NOT NULL,
            email VARCHAR(255) NOT NULL DEFAULT '',
            role VARCHAR(64) NOT NULL DEFAULT '',
            department VARCHAR(255) NOT NULL DEFAULT ''
        )`,
		`CREATE TABLE IF NOT EXISTS category (
            category_id VARCHAR(64) PRIMARY KEY,
            category_name VARCHAR(255) NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS books (
            book_id VARCHAR(64) PRIMARY KEY,
            title VARCHAR(512) NOT NULL,
            author VARCHAR(255) NOT NULL DEFAULT '',
            category_id VARCHAR(64) NOT NULL DEFAULT '',
            description TEXT,
            total INTEGER NOT NULL DEFAULT 0,
            available INTEGER NOT NULL DEFAULT 0
        )`,
		`CREATE TABLE IF NOT EXISTS bookcopies (
            copy_id VARCHAR(64) PRIMARY KEY,
            book_id VARCHAR(64) NOT NULL REFERENCES books(book_id),
            status VARCHAR(32) NOT NULL DEFAULT 'Available',
            location VARCHAR(255) NOT NULL DEFAULT 'main',
            copy_condition VARCHAR(64) NOT NULL DEFAULT 'good'
        )`,
		// copy_id is not a foreign key: removed copies keep their history.
		`CREATE TABLE IF NOT EXISTS transactions (
            transaction_id VARCHAR(64) PRIMARY KEY,
            user_id VARCHAR(64) NOT NULL,
            copy_id VARCHAR(64) NOT NULL,
            borrow_date ` + ts + ` NOT NULL,
            due_date ` + ts + ` NOT NULL,
            return_date ` + ts + ` NULL
        )`,
		`CREATE TABLE IF NOT EXISTS fines (
            fine_id VARCHAR(64) PRIMARY KEY,
            user_id VARCHAR(64) NOT NULL,
            transaction_id VARCHAR(64) NOT NULL,
            amount DECIMAL(10,2) NOT NULL DEFAULT 0,
            due_date ` + ts + ` NOT NULL,
            payment_date ` + ts + ` NULL,
            fine_reason VARCHAR(512) NOT NULL DEFAULT ''
        )`,
	}
}
