package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"gigsync/server/realtime/domain"
)

//go:embed schema.sql
var schemaSQL string

var (
	ErrInvalidThread       = errors.New("invalid thread")
	ErrInvalidNotification = errors.New("invalid notification")
)

// EnsureSchema creates tables and row-change triggers. It is safe to run on every start.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// normalizeThread validates a new thread and returns its participant list with the
// creator included and duplicates removed.
func normalizeThread(t domain.Thread) (domain.Thread, error) {
	if strings.TrimSpace(t.CreatedBy) == "" {
		return t, fmt.Errorf("%w: created_by is required", ErrInvalidThread)
	}
	if t.Kind == "" {
		t.Kind = domain.ThreadDirect
	}
	participants := []string{t.CreatedBy}
	for _, p := range t.Participants {
		p = strings.TrimSpace(p)
		if p != "" && !slices.Contains(participants, p) {
			participants = append(participants, p)
		}
	}
	t.Participants = participants

	switch t.Kind {
	case domain.ThreadDirect:
		if len(participants) != 2 {
			return t, fmt.Errorf("%w: a direct thread has exactly two participants", ErrInvalidThread)
		}
	case domain.ThreadGroup:
		if len(participants) < 2 {
			return t, fmt.Errorf("%w: a group thread needs at least two participants", ErrInvalidThread)
		}
	default:
		return t, fmt.Errorf("%w: unknown kind %q", ErrInvalidThread, t.Kind)
	}
	return t, nil
}

func validateBody(body string) error {
	switch {
	case strings.TrimSpace(body) == "":
		return domain.ErrEmptyBody
	case len(body) > domain.MaxBodyBytes:
		return domain.ErrBodyTooLong
	}
	return nil
}

func validateNotification(n domain.Notification) error {
	switch {
	case strings.TrimSpace(n.UserID) == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidNotification)
	case strings.TrimSpace(n.Kind) == "":
		return fmt.Errorf("%w: kind is required", ErrInvalidNotification)
	case len(n.Title) > 400, len(n.Body) > 4000, len(n.Link) > 1000:
		return fmt.Errorf("%w: field too long", ErrInvalidNotification)
	}
	return nil
}

// notFound maps "no row" and malformed uuid lookups to domain.ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return err
}
