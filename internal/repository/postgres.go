package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

type PostgresThreadRepository struct {
	db *sql.DB
}

func NewPostgresThreadRepository(db *sql.DB) *PostgresThreadRepository {
	return &PostgresThreadRepository{db: db}
}

// OpenPostgres opens and pings a database/sql handle using lib/pq.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

func (r *PostgresThreadRepository) CreateThread(ctx context.Context, thread *domain.Thread) error {
	now := time.Now()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = now

	query := `
		INSERT INTO threads (id, title, title_in_flight, created_at, updated_at)
		VALUES ($1, $2, FALSE, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query, thread.ID, thread.Title, thread.CreatedAt, thread.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}

	return nil
}

func (r *PostgresThreadRepository) GetThread(ctx context.Context, id string) (*domain.Thread, error) {
	query := `
		SELECT id, title, title_in_flight, created_at, updated_at
		FROM threads
		WHERE id = $1
	`

	var thread domain.Thread
	var title sql.NullString

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&thread.ID,
		&title,
		&thread.TitleInFlight,
		&thread.CreatedAt,
		&thread.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
	}

	if title.Valid {
		thread.Title = &title.String
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, thread_id, role, content, created_at
		FROM messages
		WHERE thread_id = $1
		ORDER BY created_at ASC, id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		thread.Messages = append(thread.Messages, m)
	}

	return &thread, rows.Err()
}

func (r *PostgresThreadRepository) CreateMessage(ctx context.Context, threadID string, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.ThreadID = threadID

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = NOW() WHERE id = $1`, threadID)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrThreadNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, threadID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return tx.Commit()
}

func (r *PostgresThreadRepository) CreateMessageSummary(ctx context.Context, threadID, messageID, content string) error {
	query := `
		INSERT INTO message_summaries (id, thread_id, message_id, content, created_at)
		SELECT $1, id, $3, $4, NOW() FROM threads WHERE id = $2
	`

	res, err := r.db.ExecContext(ctx, query, uuid.New().String(), threadID, messageID, content)
	if err != nil {
		return fmt.Errorf("insert message summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrThreadNotFound
	}

	return nil
}

func (r *PostgresThreadRepository) ListMessageSummaries(ctx context.Context, threadID string) ([]domain.MessageSummary, error) {
	if err := r.exists(ctx, threadID); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, thread_id, message_id, content, created_at
		FROM message_summaries
		WHERE thread_id = $1
		ORDER BY created_at ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query message summaries: %w", err)
	}
	defer rows.Close()

	var out []domain.MessageSummary
	for rows.Next() {
		var s domain.MessageSummary
		if err := rows.Scan(&s.ID, &s.ThreadID, &s.MessageID, &s.Content, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message summary: %w", err)
		}
		out = append(out, s)
	}

	return out, rows.Err()
}

func (r *PostgresThreadRepository) UpdateThreadTitle(ctx context.Context, threadID, title string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE threads SET title = $2, updated_at = NOW() WHERE id = $1`, threadID, title)
	if err != nil {
		return fmt.Errorf("update thread title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrThreadNotFound
	}
	return nil
}

func (r *PostgresThreadRepository) TryBeginTitle(ctx context.Context, threadID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE threads SET title_in_flight = TRUE
		WHERE id = $1 AND NOT title_in_flight
	`, threadID)
	if err != nil {
		return false, fmt.Errorf("begin title: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	if err := r.exists(ctx, threadID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *PostgresThreadRepository) EndTitle(ctx context.Context, threadID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE threads SET title_in_flight = FALSE WHERE id = $1`, threadID)
	if err != nil {
		return fmt.Errorf("end title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrThreadNotFound
	}
	return nil
}

func (r *PostgresThreadRepository) ResetInFlightTitles(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE threads SET title_in_flight = FALSE WHERE title_in_flight`)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight titles: %w", err)
	}
	return res.RowsAffected()
}

// Ping reports whether the database is reachable.
func (r *PostgresThreadRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresThreadRepository) exists(ctx context.Context, threadID string) error {
	var ok bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM threads WHERE id = $1)`, threadID).Scan(&ok); err != nil {
		return fmt.Errorf("check thread: %w", err)
	}
	if !ok {
		return domain.ErrThreadNotFound
	}
	return nil
}
