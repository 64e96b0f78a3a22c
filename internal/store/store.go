package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DBFile is the ledger database location relative to the jobplane home.
const DBFile = "data/jobplane.db"

// Connection-level pragmas, applied to every pooled connection through the DSN.
var connPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(ON)",
	"temp_store(MEMORY)",
	"cache_size(-20000)",
}

// sqliteStore is the embedded SQLite ledger.
type sqliteStore struct {
	DB *sql.DB

	stmtGetJob         *sql.Stmt
	stmtClaimCandidate *sql.Stmt
	stmtClaimJob       *sql.Stmt
	stmtUpdateJob      *sql.Stmt
	stmtAppendEvent    *sql.Stmt
	stmtTouchMachine   *sql.Stmt
}

// Open opens (creating if needed) the SQLite ledger under home and brings its schema up to date.
// PostgreSQL lives in the postgres subpackage.
func Open(home string) (Store, error) {
	return OpenFile(filepath.Join(home, filepath.FromSlash(DBFile)))
}

// OpenFile opens the SQLite ledger at an explicit database path.
func OpenFile(dbPath string) (Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	s := &sqliteStore{DB: db}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepare(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func sqliteDSN(dbPath string) string {
	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(dbPath)
	for i, p := range connPragmas {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString("_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

// stmts pairs every hot-path statement field with its query.
func (s *sqliteStore) stmts() []struct {
	dest  **sql.Stmt
	query string
} {
	return []struct {
		dest  **sql.Stmt
		query string
	}{
		{&s.stmtGetJob, `SELECT ` + JobColumns + ` FROM jobs WHERE cluster_id = ? AND job_id = ?`},
		{&s.stmtClaimCandidate, `SELECT job_id FROM jobs WHERE cluster_id = ? AND status = 'pending' AND (approval_requested = 0 OR approved = 1) AND (target IN (SELECT value FROM json_each(?)) OR service IN (SELECT value FROM json_each(?))) ORDER BY seq ASC LIMIT 1`},
		{&s.stmtClaimJob, `UPDATE jobs SET status = 'running', attempt_token = ?, machine_id = ?, attempt_count = attempt_count + 1, acknowledged_at = ?, updated_at = ?, version = version + 1 WHERE cluster_id = ? AND job_id = ? AND status = 'pending' AND (approval_requested = 0 OR approved = 1)`},
		{&s.stmtUpdateJob, `UPDATE jobs SET status = ?, failure_reason = ?, result = ?, result_type = ?, approval_requested = ?, approved = ?, attempt_count = ?, attempt_token = ?, machine_id = ?, acknowledged_at = ?, approval_requested_at = ?, resolved_at = ?, updated_at = ?, version = version + 1 WHERE cluster_id = ? AND job_id = ? AND version = ?`},
		{&s.stmtAppendEvent, `INSERT INTO events(event_id, cluster_id, type, job_id, run_id, execution_id, machine_id, service, function, meta, created_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.stmtTouchMachine, `INSERT INTO machine_services(cluster_id, machine_id, service, last_seen_at) VALUES(?, ?, ?, ?) ON CONFLICT(cluster_id, machine_id, service) DO UPDATE SET last_seen_at = excluded.last_seen_at`},
	}
}

func (s *sqliteStore) prepare(ctx context.Context) error {
	for _, p := range s.stmts() {
		st, err := s.DB.PrepareContext(ctx, p.query)
		if err != nil {
			return fmt.Errorf("sqlite: prepare: %w", err)
		}
		*p.dest = st
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	for _, p := range s.stmts() {
		if *p.dest != nil {
			_ = (*p.dest).Close()
		}
	}
	return s.DB.Close()
}

type migration struct {
	version int
	name    string
	body    string
}

// loadMigrations reads the embedded NNN_name.sql files in version order.
func loadMigrations() ([]migration, error) {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(names))
	for _, name := range names {
		base := path.Base(name)
		prefix, _, _ := strings.Cut(strings.TrimSuffix(base, ".sql"), "_")
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: version prefix: %w", base, err)
		}
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: v, name: base, body: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// migrate applies every embedded migration newer than the highest recorded version, each in
// its own transaction.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("sqlite: migrations table: %w", err)
	}
	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return err
	}
	migs, err := loadMigrations()
	if err != nil {
		return err
	}
	for _, m := range migs {
		if m.version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.body); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`, m.version, time.Now().Unix()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: record: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
