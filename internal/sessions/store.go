// Package sessions persists chat sessions and their messages in Postgres.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/analyst/pkg/identity"
	"github.com/malbeclabs/analyst/pkg/workflow"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
	maxTitleLen      = 255
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrInvalidRole = errors.New("invalid message role")
)

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Config struct {
	Logger *slog.Logger
	DB     DB
	Clock  clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DB == nil {
		return errors.New("db is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	PersonID  string    `json:"person_id,omitempty"`
	CompanyID string    `json:"company_id,omitempty"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type Store struct {
	log   *slog.Logger
	db    DB
	clock clockwork.Clock
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Store{log: cfg.Logger, db: cfg.DB, clock: cfg.Clock}, nil
}

var migrations = []struct {
	name string
	sql  string
}{
	{"chat_sessions table", `
		CREATE TABLE IF NOT EXISTS chat_sessions (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			person_id TEXT NOT NULL DEFAULT '',
			company_id TEXT NOT NULL DEFAULT '',
			title VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"chat_messages table", `
		CREATE TABLE IF NOT EXISTS chat_messages (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			role VARCHAR(20) NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"sessions user index", `CREATE INDEX IF NOT EXISTS idx_chat_sessions_user_updated ON chat_sessions (user_id, updated_at DESC)`},
	{"messages session index", `CREATE INDEX IF NOT EXISTS idx_chat_messages_session_created ON chat_messages (session_id, created_at)`},
}

// RunMigrations creates the session tables and indexes if they do not exist.
func (s *Store) RunMigrations(ctx context.Context) error {
	s.log.Info("sessions: running migrations")
	for _, m := range migrations {
		if _, err := s.db.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", m.name, err)
		}
	}
	s.log.Info("sessions: migrations completed")
	return nil
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// Title derives a session title from the first question.
func Title(question string) string {
	title := strings.Join(strings.Fields(question), " ")
	if r := []rune(title); len(r) > 60 {
		title = string(r[:60])
	}
	return title
}

func (s *Store) CreateSession(ctx context.Context, id identity.Identity, title string) (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    id.UserID,
		Email:     id.Email,
		PersonID:  id.PersonID,
		CompanyID: id.CompanyID,
		Title:     truncateTitle(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO chat_sessions (id, user_id, email, person_id, company_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sess.ID, sess.UserID, sess.Email, sess.PersonID, sess.CompanyID, sess.Title, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.log.Debug("sessions: created", "session_id", sess.ID, "user_id", sess.UserID)
	return sess, nil
}

const sessionColumns = `id::text, user_id, email, person_id, company_id, title, created_at, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Email, &sess.PersonID, &sess.CompanyID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession returns the session only if it belongs to userID.
func (s *Store) GetSession(ctx context.Context, sessionID, userID string) (*Session, error) {
	if !validID(sessionID) {
		return nil, ErrNotFound
	}
	sess, err := scanSession(s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1 AND user_id = $2`, sessionID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	if !validID(sessionID) {
		return false, nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chat_sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return exists, nil
}

func (s *Store) CountSessions(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM chat_sessions WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// ListSessions returns the user's sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, userID string, limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	offset = max(offset, 0)

	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM chat_sessions
		WHERE user_id = $1
		ORDER BY updated_at DESC, id ASC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

const messageColumns = `id::text, session_id::text, role, content, metadata::text, created_at`

func scanMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()
	msgs := []Message{}
	for rows.Next() {
		var m Message
		var metadata string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if metadata != "" && metadata != "{}" {
			m.Metadata = json.RawMessage(metadata)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return msgs, nil
}

// ListMessages returns every message of a session in chronological order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	if !validID(sessionID) {
		return nil, ErrNotFound
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return scanMessages(rows)
}

// History returns the last limit messages of a session, oldest first, in
// the form the workflow consumes.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]workflow.Message, error) {
	if !validID(sessionID) || limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE session_id = $1 AND role IN ('user', 'assistant')
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)

	history := make([]workflow.Message, len(msgs))
	for i, m := range msgs {
		history[i] = workflow.Message{Role: m.Role, Content: m.Content}
	}
	return history, nil
}

// AppendMessage stores a message and bumps the session's updated_at in one
// transaction.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string, metadata map[string]any) (*Message, error) {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if !validID(sessionID) {
		return nil, ErrNotFound
	}

	meta := []byte("{}")
	if len(metadata) > 0 {
		var err error
		if meta, err = json.Marshal(metadata); err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	msg := &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: s.now(),
	}
	if len(metadata) > 0 {
		msg.Metadata = meta
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := insertMessage(ctx, tx, msg, meta); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			s.log.Debug("sessions: rollback failed", "error", rbErr)
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return msg, nil
}

func insertMessage(ctx context.Context, tx pgx.Tx, msg *Message, meta []byte) error {
	tag, err := tx.Exec(ctx, `UPDATE chat_sessions SET updated_at = $2 WHERE id = $1`, msg.SessionID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, msg.SessionID, msg.Role, msg.Content, string(meta), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *Store) UpdateTitle(ctx context.Context, sessionID, userID, title string) error {
	if !validID(sessionID) {
		return ErrNotFound
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE chat_sessions SET title = $3, updated_at = $4 WHERE id = $1 AND user_id = $2
	`, sessionID, userID, truncateTitle(title), s.now())
	if err != nil {
		return fmt.Errorf("failed to update title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session and, by cascade, its messages.
func (s *Store) DeleteSession(ctx context.Context, sessionID, userID string) error {
	if !validID(sessionID) {
		return ErrNotFound
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func truncateTitle(title string) string {
	title = strings.TrimSpace(title)
	if r := []rune(title); len(r) > maxTitleLen {
		title = string(r[:maxTitleLen])
	}
	return title
}
