package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

// Schema version tracking:
// 1 - agent_blocks, checkpoints, mint_receipts, agent_events
// 2 - mint_receipts.managed and mint_receipts.checked_at
const currentSchemaVersion = 2

// Upgrades from version 1. The schema files already create version 2
// tables, so these run only against databases created at version 1.
const (
	sqliteUpgradeV2 = `
		ALTER TABLE mint_receipts ADD COLUMN managed INTEGER NOT NULL DEFAULT 0;
		ALTER TABLE mint_receipts ADD COLUMN checked_at INTEGER NOT NULL DEFAULT 0;`
	postgresUpgradeV2 = `
		ALTER TABLE mint_receipts ADD COLUMN IF NOT EXISTS managed BOOLEAN NOT NULL DEFAULT FALSE;
		ALTER TABLE mint_receipts ADD COLUMN IF NOT EXISTS checked_at BIGINT NOT NULL DEFAULT 0;`
)

// receiptDueIndex depends on version 2 columns, so it is created after upgrades.
const receiptDueIndex = `CREATE INDEX IF NOT EXISTS idx_mint_receipts_due ON mint_receipts(status, checked_at, created_at)`

// Dialect selects placeholder syntax and schema for a database engine.
type Dialect int

const (
	// DialectSQLite uses ? placeholders and PRAGMA user_version.
	DialectSQLite Dialect = iota
	// DialectPostgres uses $N placeholders and a schema_version table.
	DialectPostgres
)

func (d Dialect) String() string {
	switch d {
	case DialectSQLite:
		return "sqlite"
	case DialectPostgres:
		return "postgres"
	default:
		return "unknown"
	}
}

// Store provides durable storage for agent ledgers.
// Every uniqueness rule the ledger relies on is a database constraint;
// Store itself holds no locks and any number of processes may share one database.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//
// Safe to call repeatedly on the same path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY inside the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	s := &Store{db: db, dialect: DialectSQLite}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to PostgreSQL and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, dialect: DialectPostgres}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. The schema is not applied; call Migrate.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect reports the database engine in use.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Migrate creates tables if they don't exist and records the schema version.
// Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	switch s.dialect {
	case DialectSQLite:
		if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
		return migrateSQLite(ctx, s.db)
	case DialectPostgres:
		if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
		return migratePostgres(ctx, s.db)
	default:
		return fmt.Errorf("unsupported dialect %d", s.dialect)
	}
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if version == currentSchemaVersion {
		return nil
	}
	if version == 1 {
		if _, err := db.ExecContext(ctx, sqliteUpgradeV2); err != nil {
			return fmt.Errorf("upgrade schema to version 2: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, receiptDueIndex); err != nil {
		return fmt.Errorf("create receipt index: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func migratePostgres(ctx context.Context, db *sql.DB) error {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if version == currentSchemaVersion {
		return nil
	}
	if version == 1 {
		if _, err := db.ExecContext(ctx, postgresUpgradeV2); err != nil {
			return fmt.Errorf("upgrade schema to version 2: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, receiptDueIndex); err != nil {
		return fmt.Errorf("create receipt index: %w", err)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES ($1)", currentSchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to the dialect's syntax.
// Queries in this package never contain a literal question mark.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
