package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gigsync/server/realtime/domain"
)

type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

func (r *ChatRepository) CreateThread(ctx context.Context, thread domain.Thread) (domain.Thread, error) {
	thread, err := normalizeThread(thread)
	if err != nil {
		return thread, err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return thread, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO threads(kind, title, created_by)
		VALUES($1, $2, $3)
		RETURNING id::text, created_at
	`, thread.Kind, thread.Title, thread.CreatedBy).Scan(&thread.ID, &thread.CreatedAt)
	if err != nil {
		return thread, err
	}

	for _, userID := range thread.Participants {
		if _, err := tx.Exec(ctx, `INSERT INTO thread_participants(thread_id, user_id) VALUES($1::uuid, $2) ON CONFLICT DO NOTHING`, thread.ID, userID); err != nil {
			return thread, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return thread, err
	}
	return thread, nil
}

func (r *ChatRepository) GetThread(ctx context.Context, threadID string) (domain.Thread, error) {
	var t domain.Thread
	err := r.pool.QueryRow(ctx, `
		SELECT t.id::text, t.kind, t.title, t.created_by, t.created_at,
		       COALESCE(array_agg(p.user_id ORDER BY p.joined_at, p.user_id) FILTER (WHERE p.user_id IS NOT NULL), '{}')
		FROM threads t
		LEFT JOIN thread_participants p ON p.thread_id = t.id
		WHERE t.id = $1::uuid
		GROUP BY t.id
	`, threadID).Scan(&t.ID, &t.Kind, &t.Title, &t.CreatedBy, &t.CreatedAt, &t.Participants)
	if err != nil {
		return t, notFound(err, "thread "+threadID)
	}
	return t, nil
}

func (r *ChatRepository) ListThreads(ctx context.Context, userID string) ([]domain.Thread, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT t.id::text, t.kind, t.title, t.created_by, t.created_at,
		       array_agg(p.user_id ORDER BY p.joined_at, p.user_id)
		FROM threads t
		JOIN thread_participants me ON me.thread_id = t.id AND me.user_id = $1
		JOIN thread_participants p ON p.thread_id = t.id
		GROUP BY t.id
		ORDER BY t.created_at DESC, t.id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Thread, 0)
	for rows.Next() {
		var t domain.Thread
		if err := rows.Scan(&t.ID, &t.Kind, &t.Title, &t.CreatedBy, &t.CreatedAt, &t.Participants); err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *ChatRepository) IsThreadParticipant(ctx context.Context, threadID, userID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM thread_participants
			WHERE thread_id=$1::uuid AND user_id=$2
		)
	`, threadID, userID).Scan(&exists)
	if err != nil {
		if nf := notFound(err, "thread "+threadID); nf != err {
			return false, nil
		}
		return false, err
	}
	return exists, nil
}

// ListThreadMessages returns the full history, oldest first.
func (r *ChatRepository) ListThreadMessages(ctx context.Context, threadID string) ([]domain.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, thread_id::text, sender_id, recipient_id, body, created_at, read_at
		FROM messages
		WHERE thread_id=$1::uuid
		ORDER BY created_at, id
	`, threadID)
	if err != nil {
		return nil, notFound(err, "thread "+threadID)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]domain.Message, error) {
	items := make([]domain.Message, 0)
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.RecipientID, &m.Body, &m.CreatedAt, &m.ReadAt); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// InsertMessage stores msg and returns the row as written.
func (r *ChatRepository) InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if err := validateBody(msg.Body); err != nil {
		return msg, err
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO messages(thread_id, sender_id, recipient_id, body)
		VALUES($1::uuid, $2, $3, $4)
		RETURNING id::text, thread_id::text, sender_id, recipient_id, body, created_at, read_at
	`, msg.ThreadID, msg.SenderID, msg.RecipientID, msg.Body).Scan(&msg.ID, &msg.ThreadID, &msg.SenderID, &msg.RecipientID, &msg.Body, &msg.CreatedAt, &msg.ReadAt)
	if err != nil {
		return msg, fmt.Errorf("insert message: %w", notFound(err, "thread "+msg.ThreadID))
	}
	return msg, nil
}

// MarkMessageRead sets read_at on a message addressed to userID. Marking an
// already read message is a no-op.
func (r *ChatRepository) MarkMessageRead(ctx context.Context, messageID, userID string) error {
	var recipient *string
	err := r.pool.QueryRow(ctx, `
		WITH target AS (
			SELECT id, recipient_id FROM messages WHERE id=$1::uuid
		), updated AS (
			UPDATE messages SET read_at=NOW()
			WHERE id=$1::uuid AND recipient_id=$2 AND read_at IS NULL
			RETURNING id
		)
		SELECT recipient_id FROM target
	`, messageID, userID).Scan(&recipient)
	if err != nil {
		return notFound(err, "message "+messageID)
	}
	if recipient == nil || *recipient != userID {
		return fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	return nil
}

// MarkThreadRead marks every unread message addressed to userID in the thread.
func (r *ChatRepository) MarkThreadRead(ctx context.Context, threadID, userID string) (int64, error) {
	cmd, err := r.pool.Exec(ctx, `
		UPDATE messages SET read_at=NOW()
		WHERE thread_id=$1::uuid AND recipient_id=$2 AND read_at IS NULL
	`, threadID, userID)
	if err != nil {
		return 0, notFound(err, "thread "+threadID)
	}
	return cmd.RowsAffected(), nil
}
