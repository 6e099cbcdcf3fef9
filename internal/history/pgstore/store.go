// Package pgstore persists conversation turns in PostgreSQL through pgx.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/qianfanbot/internal/history"
)

const uniqueViolation = "23505"

// DBTX is the subset of pgx used by the store; satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db     DBTX
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// New wraps an open pool.
func New(log *slog.Logger, pool *pgxpool.Pool) *Store {
	s := NewWithDB(log, pool)
	s.pool = pool
	return s
}

func NewWithDB(log *slog.Logger, db DBTX) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		db:     db,
		logger: log.With(slog.String("service", "history"), slog.String("driver", "postgres")),
		now:    time.Now,
	}
}

const insertTurn = `INSERT INTO conversation_turns
    (uid, start_message_id, current_message_id, model, command, role, content, system, usage_tokens, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`

func (s *Store) Create(ctx context.Context, turn history.Turn) (history.Turn, error) {
	if _, err := history.ParseRole(string(turn.Role)); err != nil {
		return history.Turn{}, err
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	err := s.db.QueryRow(ctx, insertTurn,
		turn.UID,
		turn.StartMessageID,
		turn.CurrentMessageID,
		turn.Model,
		turn.Command,
		string(turn.Role),
		turn.Content,
		turn.System,
		turn.UsageTokens,
		turn.CreatedAt,
	).Scan(&turn.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return history.Turn{}, history.ErrDuplicateMessage
		}
		return history.Turn{}, fmt.Errorf("insert turn: %w", err)
	}
	return turn, nil
}

const selectTurns = `SELECT id, uid, start_message_id, current_message_id, model, command, role, content, system, usage_tokens, created_at
FROM conversation_turns`

// buildQuery renders q as SQL with positional arguments.
func buildQuery(q history.Query) (string, []any) {
	var sb strings.Builder
	sb.WriteString(selectTurns)
	args := []any{q.UID}
	conds := []string{"uid = $1"}
	if q.StartMessageID != "" {
		args = append(args, q.StartMessageID)
		conds = append(conds, fmt.Sprintf("start_message_id = $%d", len(args)))
	}
	if q.CurrentMessageID != "" {
		args = append(args, q.CurrentMessageID)
		conds = append(conds, fmt.Sprintf("current_message_id = $%d", len(args)))
	}
	if !q.CreatedAtOrBefore.IsZero() {
		args = append(args, q.CreatedAtOrBefore)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	sb.WriteString("\nWHERE ")
	sb.WriteString(strings.Join(conds, " AND "))
	if q.Order == history.OrderDesc {
		sb.WriteString("\nORDER BY created_at DESC, id DESC")
	} else {
		sb.WriteString("\nORDER BY created_at ASC, id ASC")
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, "\nLIMIT $%d", len(args))
	}
	return sb.String(), args
}

func (s *Store) Query(ctx context.Context, q history.Query) ([]history.Turn, error) {
	sql, args := buildQuery(q)
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	turns := make([]history.Turn, 0)
	for rows.Next() {
		var (
			t    history.Turn
			role string
		)
		if err := rows.Scan(&t.ID, &t.UID, &t.StartMessageID, &t.CurrentMessageID, &t.Model, &t.Command, &role, &t.Content, &t.System, &t.UsageTokens, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if t.Role, err = history.ParseRole(role); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

const upsertUser = `INSERT INTO users (platform, external_id, display_name)
VALUES ($1, $2, $3)
ON CONFLICT (platform, external_id) DO UPDATE SET display_name = users.display_name
RETURNING id, platform, external_id, display_name, created_at`

func (s *Store) EnsureUser(ctx context.Context, platform, externalID, displayName string) (history.User, error) {
	platform = strings.TrimSpace(platform)
	externalID = strings.TrimSpace(externalID)
	if platform == "" || externalID == "" {
		return history.User{}, fmt.Errorf("platform and external id are required")
	}
	var u history.User
	err := s.db.QueryRow(ctx, upsertUser, platform, externalID, displayName).
		Scan(&u.ID, &u.Platform, &u.ExternalID, &u.DisplayName, &u.CreatedAt)
	if err != nil {
		return history.User{}, fmt.Errorf("ensure user: %w", err)
	}
	return u, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
