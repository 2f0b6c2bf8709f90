package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps documents in a single-file SQLite database. Turns live in
// their own table so appends never rewrite the transcript.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		user_id    TEXT PRIMARY KEY,
		profile    TEXT,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS turns (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    TEXT NOT NULL,
		id         TEXT NOT NULL,
		role       TEXT NOT NULL,
		text       TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_user_seq ON turns(user_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, userID string) (*Document, error) {
	var profileRaw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT profile FROM documents WHERE user_id = ?`, userID,
	).Scan(&profileRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}

	doc := &Document{UserID: userID, ChatHistory: []Turn{}}
	if profileRaw.Valid && profileRaw.String != "" {
		var p Profile
		if err := json.Unmarshal([]byte(profileRaw.String), &p); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
		doc.Profile = &p
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, text, created_at FROM turns WHERE user_id = ? ORDER BY seq ASC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t       Turn
			role    string
			created string
		)
		if err := rows.Scan(&t.ID, &role, &t.Text, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = ParseRole(role)
		t.Timestamp, _ = time.Parse(time.RFC3339Nano, created)
		doc.ChatHistory = append(doc.ChatHistory, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStore) PutProfile(ctx context.Context, userID string, profile Profile, merge bool) error {
	now := time.Now().UTC()
	profile.CreatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	next := profile
	if merge {
		var existing sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT profile FROM documents WHERE user_id = ?`, userID).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load profile: %w", err)
		}
		if existing.Valid && existing.String != "" {
			var base Profile
			if err := json.Unmarshal([]byte(existing.String), &base); err == nil {
				next = mergeProfile(base, profile)
			}
		}
	} else {
		if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("reset turns: %w", err)
		}
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (user_id, profile, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET profile = excluded.profile, updated_at = excluded.updated_at`,
		userID, string(raw), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, userID string, turn Turn) (Turn, error) {
	turn.Timestamp = time.Now().UTC()
	ts := turn.Timestamp.Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO documents (user_id, profile, updated_at) VALUES (?, NULL, ?)`,
		userID, ts,
	); err != nil {
		return Turn{}, fmt.Errorf("ensure document: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (user_id, id, role, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, turn.ID, string(turn.Role), turn.Text, ts,
	); err != nil {
		return Turn{}, fmt.Errorf("append turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("commit turn: %w", err)
	}
	return turn, nil
}

func (s *SQLiteStore) ClearTranscript(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Mode() string { return "sqlite" }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
