package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"gigsync/server/realtime/domain"
)

const DefaultListLimit = 50

type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

// UnreadSnapshot returns the ids of the user's unread notifications in one statement.
func (r *NotificationRepository) UnreadSnapshot(ctx context.Context, userID string) (domain.UnreadSnapshot, error) {
	rows, err := r.pool.Query(ctx, `SELECT id::text FROM notifications WHERE user_id=$1 AND read_at IS NULL`, userID)
	if err != nil {
		return domain.UnreadSnapshot{}, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return domain.UnreadSnapshot{}, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return domain.UnreadSnapshot{}, err
	}
	return domain.UnreadSnapshot{Count: len(ids), IDs: ids}, nil
}

func (r *NotificationRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id=$1 AND read_at IS NULL`, userID).Scan(&n)
	return n, err
}

func (r *NotificationRepository) ListNotifications(ctx context.Context, userID string, limit int, unreadOnly bool) ([]domain.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = DefaultListLimit
	}
	base := `
		SELECT id::text, user_id, kind, title, body, link, created_at, read_at
		FROM notifications
		WHERE user_id=$1`
	if unreadOnly {
		base += ` AND read_at IS NULL`
	}
	base += ` ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, base, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Notification, 0)
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &n.Link, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

func (r *NotificationRepository) CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if err := validateNotification(n); err != nil {
		return n, err
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO notifications(user_id, kind, title, body, link)
		VALUES($1, $2, $3, $4, $5)
		RETURNING id::text, created_at
	`, n.UserID, n.Kind, n.Title, n.Body, n.Link).Scan(&n.ID, &n.CreatedAt)
	return n, err
}

// MarkNotificationRead is idempotent for the owner; other users get ErrNotFound.
func (r *NotificationRepository) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		WITH updated AS (
			UPDATE notifications SET read_at=NOW()
			WHERE id=$1::uuid AND user_id=$2 AND read_at IS NULL
			RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM notifications WHERE id=$1::uuid AND user_id=$2)
	`, notificationID, userID).Scan(&exists)
	if err != nil {
		return notFound(err, "notification "+notificationID)
	}
	if !exists {
		return fmt.Errorf("notification %s: %w", notificationID, domain.ErrNotFound)
	}
	return nil
}

func (r *NotificationRepository) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	cmd, err := r.pool.Exec(ctx, `UPDATE notifications SET read_at=NOW() WHERE user_id=$1 AND read_at IS NULL`, userID)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
