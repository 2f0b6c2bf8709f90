package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps one JSONB document row per user.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS companion_documents (
			user_id TEXT PRIMARY KEY,
			profile JSONB,
			chat_history JSONB NOT NULL DEFAULT '[]'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Document, error) {
	var profileRaw, historyRaw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT profile, chat_history FROM companion_documents WHERE user_id=$1`,
		userID,
	).Scan(&profileRaw, &historyRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}

	doc := &Document{UserID: userID, ChatHistory: []Turn{}}
	if len(profileRaw) > 0 {
		var p Profile
		if err := json.Unmarshal(profileRaw, &p); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
		doc.Profile = &p
	}
	if len(historyRaw) > 0 {
		if err := json.Unmarshal(historyRaw, &doc.ChatHistory); err != nil {
			return nil, fmt.Errorf("decode chat history: %w", err)
		}
		for i := range doc.ChatHistory {
			doc.ChatHistory[i].Role = ParseRole(string(doc.ChatHistory[i].Role))
		}
	}
	return doc, nil
}

func (s *PostgresStore) PutProfile(ctx context.Context, userID string, profile Profile, merge bool) error {
	profile.CreatedAt = time.Now().UTC()
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	stmt := `INSERT INTO companion_documents (user_id, profile, chat_history, updated_at)
		 VALUES ($1, $2::jsonb, '[]'::jsonb, now())
		 ON CONFLICT (user_id) DO UPDATE SET
		   profile = COALESCE(companion_documents.profile, '{}'::jsonb) || EXCLUDED.profile,
		   updated_at = now()`
	if !merge {
		stmt = `INSERT INTO companion_documents (user_id, profile, chat_history, updated_at)
		 VALUES ($1, $2::jsonb, '[]'::jsonb, now())
		 ON CONFLICT (user_id) DO UPDATE SET
		   profile = EXCLUDED.profile,
		   chat_history = '[]'::jsonb,
		   updated_at = now()`
	}
	if _, err := s.pool.Exec(ctx, stmt, userID, raw); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, userID string, turn Turn) (Turn, error) {
	turn.Timestamp = time.Now().UTC()
	raw, err := json.Marshal(turn)
	if err != nil {
		return Turn{}, fmt.Errorf("encode turn: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO companion_documents (user_id, chat_history, updated_at)
		 VALUES ($1, jsonb_build_array($2::jsonb), now())
		 ON CONFLICT (user_id) DO UPDATE SET
		   chat_history = companion_documents.chat_history || jsonb_build_array($2::jsonb),
		   updated_at = now()`,
		userID,
		raw,
	)
	if err != nil {
		return Turn{}, fmt.Errorf("append turn: %w", err)
	}
	return turn, nil
}

func (s *PostgresStore) ClearTranscript(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE companion_documents SET chat_history='[]'::jsonb, updated_at=now() WHERE user_id=$1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}
	return nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
