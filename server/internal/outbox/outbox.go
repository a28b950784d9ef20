// Package outbox parks case saves that failed so an operator can list and replay them.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"rural-triage/server/internal/config"
	"rural-triage/server/internal/model"
)

// ErrNotFound is returned when no entry exists for a case.
var ErrNotFound = errors.New("outbox: entry not found")

// Entry is one parked save.
type Entry struct {
	CaseID     string    `json:"case_id"`
	PatientRef string    `json:"patient_ref"`
	Payload    string    `json:"payload"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Decode returns the parked payload.
func (e Entry) Decode() (model.PersistencePayload, error) {
	var p model.PersistencePayload
	if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
		return model.PersistencePayload{}, fmt.Errorf("decode outbox payload %s: %w", e.CaseID, err)
	}
	return p, nil
}

// Outbox stores failed saves keyed by case id.
type Outbox interface {
	// Put parks a payload, or bumps the attempt count if the case is already parked.
	Put(ctx context.Context, payload model.PersistencePayload, cause error) error
	List(ctx context.Context) ([]Entry, error)
	Get(ctx context.Context, caseID string) (Entry, error)
	Delete(ctx context.Context, caseID string) error
	Close() error
}

// Open builds the outbox selected by cfg.Driver. "none" yields a no-op outbox.
func Open(cfg config.OutboxConfig) (Outbox, error) {
	switch cfg.Driver {
	case "", "none":
		return Nop{}, nil
	case "sqlite", "postgres":
		return OpenSQL(cfg.Driver, cfg.DSN)
	}
	return nil, fmt.Errorf("unsupported outbox driver %q", cfg.Driver)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Put(context.Context, model.PersistencePayload, error) error { return nil }
func (Nop) List(context.Context) ([]Entry, error)                      { return nil, nil }
func (Nop) Get(context.Context, string) (Entry, error)                 { return Entry{}, ErrNotFound }
func (Nop) Delete(context.Context, string) error                       { return nil }
func (Nop) Close() error                                               { return nil }

// SQL is an Outbox on sqlite (modernc) or postgres (lib/pq).
type SQL struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

// OpenSQL opens the database and creates the table if needed.
func OpenSQL(driver, dsn string) (*SQL, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite" {
		// One writer; also keeps ":memory:" databases on a single connection.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	s := &SQL{db: db, driver: driver, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQL) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS failed_saves (
		case_id TEXT PRIMARY KEY,
		patient_ref TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 1,
		last_error TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`)
	return err
}

func (s *SQL) Put(ctx context.Context, payload model.PersistencePayload, cause error) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := s.now().UnixMilli()

	query := s.db.Rebind(`INSERT INTO failed_saves (case_id, patient_ref, payload, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (case_id) DO UPDATE SET
			payload = excluded.payload,
			attempts = failed_saves.attempts + 1,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, payload.CaseID, payload.PatientRef, string(data), msg, now, now); err != nil {
		return fmt.Errorf("park case %s: %w", payload.CaseID, err)
	}
	return nil
}

type row struct {
	CaseID     string `db:"case_id"`
	PatientRef string `db:"patient_ref"`
	Payload    string `db:"payload"`
	Attempts   int    `db:"attempts"`
	LastError  string `db:"last_error"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (r row) entry() Entry {
	return Entry{
		CaseID:     r.CaseID,
		PatientRef: r.PatientRef,
		Payload:    r.Payload,
		Attempts:   r.Attempts,
		LastError:  r.LastError,
		CreatedAt:  time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:  time.UnixMilli(r.UpdatedAt).UTC(),
	}
}

const selectColumns = `SELECT case_id, patient_ref, payload, attempts, last_error, created_at, updated_at FROM failed_saves`

func (s *SQL) List(ctx context.Context) ([]Entry, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, selectColumns+` ORDER BY created_at, case_id`); err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

func (s *SQL) Get(ctx context.Context, caseID string) (Entry, error) {
	var r row
	err := s.db.GetContext(ctx, &r, s.db.Rebind(selectColumns+` WHERE case_id = ?`), caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get outbox entry %s: %w", caseID, err)
	}
	return r.entry(), nil
}

func (s *SQL) Delete(ctx context.Context, caseID string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM failed_saves WHERE case_id = ?`), caseID); err != nil {
		return fmt.Errorf("delete outbox entry %s: %w", caseID, err)
	}
	return nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}
