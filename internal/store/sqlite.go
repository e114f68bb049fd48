package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	createMessages = `
		CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			nickname   TEXT    NOT NULL,
			payload    TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);`

	insertMessage = `INSERT INTO messages (nickname, payload, created_at) VALUES (?, ?, ?)`

	selectRecent = `
		SELECT id, nickname, payload, created_at FROM (
			SELECT id, nickname, payload, created_at FROM messages ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`
)

// SQLite stores the history in a single SQLite table.  Nickname and payload
// only ever reach the database as bound parameters of prepared statements.
// Payloads are stored base64 encoded so arbitrary bytes survive a TEXT column.
type SQLite struct {
	db     *sqlx.DB
	insert *sqlx.Stmt
	recent *sqlx.Stmt
	log    *slog.Logger
}

type messageRow struct {
	ID        int64  `db:"id"`
	Nickname  string `db:"nickname"`
	Payload   string `db:"payload"`
	CreatedAt int64  `db:"created_at"`
}

// OpenSQLite opens (or creates) the database file at path.
func OpenSQLite(path string, log *slog.Logger) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// One connection serialises writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	if _, err := db.Exec(createMessages); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	s := &SQLite{db: db, log: log}
	if s.insert, err = db.Preparex(insertMessage); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: prepare insert: %w", err)
	}
	if s.recent, err = db.Preparex(selectRecent); err != nil {
		_ = s.insert.Close()
		_ = db.Close()
		return nil, fmt.Errorf("store: prepare select: %w", err)
	}
	log.Info("History opened", "backend", BackendSQLite, "path", path)
	return s, nil
}

func (s *SQLite) Append(ctx context.Context, nickname string, payload []byte) (Record, error) {
	at := time.Now().UTC()
	res, err := s.insert.ExecContext(ctx, nickname, base64.StdEncoding.EncodeToString(payload), at.UnixNano())
	if err != nil {
		return Record{}, fmt.Errorf("store: insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("store: read message id: %w", err)
	}
	return Record{
		ID:       id,
		Nickname: nickname,
		Payload:  append([]byte(nil), payload...),
		At:       at,
	}, nil
}

func (s *SQLite) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	var rows []messageRow
	if err := s.recent.SelectContext(ctx, &rows, n); err != nil {
		return nil, fmt.Errorf("store: select recent: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		payload, err := base64.StdEncoding.DecodeString(row.Payload)
		if err != nil {
			return nil, fmt.Errorf("store: decode payload of message %d: %w", row.ID, err)
		}
		out = append(out, Record{
			ID:       row.ID,
			Nickname: row.Nickname,
			Payload:  payload,
			At:       time.Unix(0, row.CreatedAt).UTC(),
		})
	}
	return out, nil
}

func (s *SQLite) Close() error {
	_ = s.insert.Close()
	_ = s.recent.Close()
	return s.db.Close()
}
