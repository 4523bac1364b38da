package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

// SQLiteStore persists records in a SQLite database file. Change
// notifications are delivered in-process, so it suits a single server.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	hub   *hub
	locks *keyedMutex
	clock clockwork.Clock
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS commands (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	intent TEXT NOT NULL,
	response_text TEXT NOT NULL,
	status TEXT NOT NULL,
	result TEXT,
	revision INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commands_created ON commands(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status, updated_at);`

const sqliteColumns = "id, text, intent, response_text, status, result, revision, created_at, updated_at"

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", domain.ErrInvalidInput)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), domain.DirectoryPermissions); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes serial.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	o := buildOptions(opts)
	return &SQLiteStore{
		db:    db,
		path:  path,
		hub:   newHub(),
		locks: newKeyedMutex(),
		clock: o.clock,
	}, nil
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Create implements ports.CommandStore.
func (s *SQLiteStore) Create(ctx context.Context, record domain.CommandRecord) error {
	if record.ID == "" {
		return fmt.Errorf("%w: empty command id", domain.ErrInvalidInput)
	}
	if record.Revision == 0 {
		record.Revision = 1
	}
	unlock := s.locks.Lock(record.ID)
	defer unlock()

	args, err := sqliteArgs(record)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO commands (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`, args...)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateID, record.ID)
	}
	s.hub.publish(record.Clone())
	return nil
}

// Get implements ports.CommandStore.
func (s *SQLiteStore) Get(ctx context.Context, id string) (domain.CommandRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM commands WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CommandRecord{}, domain.NotFound(id)
	}
	return rec, err
}

// Update implements ports.CommandStore. The write is guarded by the revision
// that was read, so a writer on another connection to the same file forces a
// retry instead of being overwritten.
func (s *SQLiteStore) Update(ctx context.Context, id string, mutate ports.Mutator) (domain.CommandRecord, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		next, applied, err := s.updateOnce(ctx, id, mutate)
		if err != nil {
			return domain.CommandRecord{}, err
		}
		if applied {
			s.hub.publish(next)
			return next.Clone(), nil
		}
	}
	return domain.CommandRecord{}, fmt.Errorf("update command %s: too much contention after %d attempts", id, maxCASAttempts)
}

// updateOnce reports applied=false when the revision moved between the read
// and the conditional write.
func (s *SQLiteStore) updateOnce(ctx context.Context, id string, mutate ports.Mutator) (domain.CommandRecord, bool, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return domain.CommandRecord{}, false, err
	}
	next, err := applyMutation(current, mutate, s.clock.Now())
	if err != nil {
		return domain.CommandRecord{}, false, err
	}
	args, err := sqliteArgs(next)
	if err != nil {
		return domain.CommandRecord{}, false, err
	}
	// args[0] is the id; move it to the WHERE clause.
	res, err := s.db.ExecContext(ctx, `UPDATE commands SET
		text = ?, intent = ?, response_text = ?, status = ?, result = ?,
		revision = ?, created_at = ?, updated_at = ?
		WHERE id = ? AND revision = ?`, append(args[1:], id, current.Revision)...)
	if err != nil {
		return domain.CommandRecord{}, false, fmt.Errorf("update command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.CommandRecord{}, false, fmt.Errorf("update command: %w", err)
	}
	return next, n == 1, nil
}

// Subscribe implements ports.CommandStore.
func (s *SQLiteStore) Subscribe(ctx context.Context, id string, cb ports.RecordCallback) (func(), error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: nil callback", domain.ErrInvalidInput)
	}
	return s.hub.subscribe(id, cb, func() (domain.CommandRecord, bool, error) {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.CommandRecord{}, false, nil
		}
		if err != nil {
			return domain.CommandRecord{}, false, err
		}
		return rec, true, nil
	})
}

// List implements ports.CommandStore.
func (s *SQLiteStore) List(ctx context.Context, query domain.CommandQuery) ([]domain.CommandRecord, error) {
	builder := strings.Builder{}
	builder.WriteString(`SELECT ` + sqliteColumns + ` FROM commands`)
	var args []interface{}
	if query.Status != "" {
		builder.WriteString(" WHERE status = ?")
		args = append(args, string(query.Status))
	}
	builder.WriteString(" ORDER BY created_at DESC, id DESC")
	if query.Limit > 0 {
		builder.WriteString(" LIMIT ?")
		args = append(args, query.Limit)
	}
	rows, err := s.db.QueryContext(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()
	var records []domain.CommandRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PruneTerminal implements ports.CommandStore.
func (s *SQLiteStore) PruneTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM commands WHERE status IN (?, ?) AND updated_at < ?`,
		string(domain.StatusCompleted), string(domain.StatusFailed), olderThan.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune commands: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close drops subscriptions and closes the database.
func (s *SQLiteStore) Close() error {
	s.hub.closeAll()
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (domain.CommandRecord, error) {
	var (
		rec              domain.CommandRecord
		intentJSON       string
		resultJSON       sql.NullString
		status           string
		created, updated int64
	)
	if err := row.Scan(&rec.ID, &rec.Text, &intentJSON, &rec.ResponseText, &status, &resultJSON, &rec.Revision, &created, &updated); err != nil {
		return domain.CommandRecord{}, err
	}
	if err := json.Unmarshal([]byte(intentJSON), &rec.Intent); err != nil {
		return domain.CommandRecord{}, fmt.Errorf("decode intent for %s: %w", rec.ID, err)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var result domain.CommandResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return domain.CommandRecord{}, fmt.Errorf("decode result for %s: %w", rec.ID, err)
		}
		rec.Result = &result
	}
	rec.Status = domain.CommandStatus(status)
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return rec, nil
}

func sqliteArgs(rec domain.CommandRecord) ([]interface{}, error) {
	intentJSON, err := json.Marshal(rec.Intent)
	if err != nil {
		return nil, fmt.Errorf("encode intent: %w", err)
	}
	var result interface{}
	if rec.Result != nil {
		b, err := json.Marshal(rec.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		result = string(b)
	}
	return []interface{}{
		rec.ID,
		rec.Text,
		string(intentJSON),
		rec.ResponseText,
		string(rec.Status),
		result,
		rec.Revision,
		rec.CreatedAt.UTC().UnixNano(),
		rec.UpdatedAt.UTC().UnixNano(),
	}, nil
}

var _ ports.CommandStore = (*SQLiteStore)(nil)
