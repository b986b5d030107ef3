package core

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/benchctl/pkg/api"
)

// Store is the SQLite-backed invocation ledger. It remembers which
// invocations this machine created and how each ended locally, so a run
// killed before it could report is closed by the next one.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// LedgerEntry is one row of the ledger.
type LedgerEntry struct {
	UUID          uuid.UUID
	Status        api.InvocationStatus
	Reason        string
	Workloads     int
	FailureReason string
	StartedAt     time.Time
	FinishedAt    *time.Time
	Owner         Owner
}

func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create ledger dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open ledger %s", path)
	}
	// one writer; also keeps :memory: databases on a single connection
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies the embedded migrations newer than the database's
// user_version, each in its own transaction.
func (s *Store) migrate() error {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return errors.Wrap(err, "read schema version")
	}
	for i := version; i < len(names); i++ {
		schema, err := migrationFS.ReadFile(names[i])
		if err != nil {
			return err
		}
		tx, err := s.db.Begin()
		if err != nil {
			return errors.Wrap(err, "begin migration")
		}
		if _, err := tx.Exec(string(schema)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "apply migration %s", filepath.Base(names[i]))
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "bump schema version")
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit migration %s", filepath.Base(names[i]))
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// RecordInvocation stores a freshly created invocation as running, owned by
// owner until it is finished.
func (s *Store) RecordInvocation(ctx context.Context, id uuid.UUID, reason string, workloads int, owner Owner) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (uuid, status, reason, workloads, started_at, owner_pid, owner_host, owner_started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), string(api.InvocationRunning), nullString(reason), workloads, time.Now().UTC(),
		owner.PID, nullString(owner.Hostname), owner.StartedAt)
	return errors.Wrapf(err, "record invocation %s", id)
}

// FinishInvocation stores the local outcome of an invocation.
func (s *Store) FinishInvocation(ctx context.Context, id uuid.UUID, status api.InvocationStatus, failure string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET status = ?, failure_reason = ?, finished_at = ? WHERE uuid = ?`,
		string(status), nullString(failure), time.Now().UTC(), id.String())
	if err != nil {
		return errors.Wrapf(err, "finish invocation %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf("finish invocation %s: not in ledger", id)
	}
	return nil
}

// Orphans returns the invocations still marked running, oldest first. Their
// owner may still be alive; see Owner.Alive.
func (s *Store) Orphans(ctx context.Context) ([]LedgerEntry, error) {
	return s.query(ctx, `SELECT `+entryColumns+`
		FROM invocations WHERE status = ? ORDER BY started_at ASC`, string(api.InvocationRunning))
}

// List returns at most limit entries, newest first. A non-positive limit
// returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, `SELECT `+entryColumns+`
		FROM invocations ORDER BY started_at DESC LIMIT ?`, limit)
}

const entryColumns = `uuid, status, reason, workloads, failure_reason, started_at, finished_at,
	owner_pid, owner_host, owner_started_at`

func (s *Store) query(ctx context.Context, q string, args ...interface{}) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query ledger")
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var (
			e               LedgerEntry
			id, status      string
			reason, failure sql.NullString
			finished        sql.NullTime
			pid, ownerStart sql.NullInt64
			host            sql.NullString
		)
		if err := rows.Scan(&id, &status, &reason, &e.Workloads, &failure, &e.StartedAt, &finished,
			&pid, &host, &ownerStart); err != nil {
			return nil, errors.Wrap(err, "scan ledger")
		}
		if e.UUID, err = uuid.Parse(id); err != nil {
			return nil, errors.Wrapf(err, "ledger uuid %q", id)
		}
		e.Status = api.InvocationStatus(status)
		e.Reason = reason.String
		e.FailureReason = failure.String
		if finished.Valid {
			t := finished.Time
			e.FinishedAt = &t
		}
		e.Owner = Owner{PID: int32(pid.Int64), Hostname: host.String, StartedAt: ownerStart.Int64}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate ledger")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
