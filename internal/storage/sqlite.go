package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	logx "laterbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	log      logx.Logger
	readOnly bool

	// dbMu guards db; Close swaps it to nil so later calls see ErrClosed.
	dbMu sync.RWMutex
	db   *sql.DB

	// mu serializes multi-statement operations (RemoveAt).
	mu sync.Mutex
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if cfg.ReadOnly {
		return openSQLiteReadOnly(path, log)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log.With(logx.String("store", "sqlite"))}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	// FULL so a returned mutation survives power loss, not only a process crash.
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	ctx := context.Background()
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := st.Load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// openSQLiteReadOnly opens an existing database with mode=ro and skips
// migrations, so inspecting a store never creates or changes it.
func openSQLiteReadOnly(path string, log logx.Logger) (*sqliteStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", "file:"+filepath.ToSlash(path)+"?mode=ro")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	st := &sqliteStore{db: db, readOnly: true, log: log.With(logx.String("store", "sqlite"))}
	if _, err := st.Load(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// conn returns the open handle, or ErrClosed after Close.
func (s *sqliteStore) conn() (*sql.DB, error) {
	if s == nil {
		return nil, ErrClosed
	}
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

// writable is conn for mutations.
func (s *sqliteStore) writable() (*sql.DB, error) {
	db, err := s.conn()
	if err == nil && s.readOnly {
		return nil, ErrReadOnly
	}
	return db, err
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil {
		return nil
	}
	s.dbMu.Lock()
	db := s.db
	s.db = nil
	s.dbMu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (Record, error) {
	var (
		id, due           string
		uid               sql.NullInt64
		content, file, ca sql.NullString
	)
	if err := sc.Scan(&id, &due, &uid, &content, &file, &ca); err != nil {
		return Record{}, err
	}
	w := wireRecord{ID: id, Time: due}
	if uid.Valid {
		v := uid.Int64
		w.UserID = &v
	}
	if content.Valid {
		v := content.String
		w.Content = &v
	}
	if file.Valid {
		v := file.String
		w.File = &v
	}
	if ca.Valid {
		w.CreatedAt = ca.String
	}
	r, err := fromWire(w)
	if err != nil {
		return Record{}, fmt.Errorf("%w: row %s: %v", ErrCorruptState, id, err)
	}
	return r, nil
}

const selectCols = `SELECT id, due_at, user_id, content, file, created_at FROM deliveries`

func (s *sqliteStore) Load(ctx context.Context) ([]Record, error) {
	return s.List(ctx)
}

func (s *sqliteStore) List(ctx context.Context) ([]Record, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, selectCols+` ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Append(ctx context.Context, rec Record) error {
	db, err := s.writable()
	if err != nil {
		return err
	}
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("record id is required")
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.DueAt = NormalizeDue(rec.DueAt)
	w := toWire(rec)
	_, err = db.ExecContext(ctx,
		`INSERT INTO deliveries(id, due_at, user_id, content, file, created_at) VALUES(?,?,?,?,?,?)`,
		w.ID, w.Time, *w.UserID, nullPtr(w.Content), nullPtr(w.File), nullStr(w.CreatedAt),
	)
	return err
}

func (s *sqliteStore) Remove(ctx context.Context, id string) (bool, error) {
	db, err := s.writable()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM deliveries WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) RemoveAt(ctx context.Context, pos int) (Record, error) {
	db, err := s.writable()
	if err != nil {
		return Record{}, err
	}
	if pos < 1 {
		return Record{}, ErrIndexOutOfRange
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanRecord(tx.QueryRowContext(ctx, selectCols+` ORDER BY seq LIMIT 1 OFFSET ?`, pos-1))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrIndexOutOfRange
	}
	if err != nil {
		return Record{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM deliveries WHERE id = ?`, r.ID); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, err
	}
	return r, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (Record, bool, error) {
	db, err := s.conn()
	if err != nil {
		return Record{}, false, err
	}
	r, err := scanRecord(db.QueryRowContext(ctx, selectCols+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
