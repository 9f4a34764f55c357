package service

import (
	"errors"
	"strings"

	"gigsync/server/realtime/coordinator"
	"gigsync/server/realtime/domain"
)

func dedupeAndTrim(items []string) []string {
	result := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	for _, item := range items {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	return result
}

// clientError turns an operation error into the text sent in an error frame.
// Unexpected errors are not leaked to the client.
func clientError(err error, fallback string) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "thread not found"
	case errors.Is(err, domain.ErrNotParticipant):
		return "thread access denied"
	case errors.Is(err, domain.ErrEmptyBody):
		return "body required"
	case errors.Is(err, domain.ErrBodyTooLong):
		return "body too long"
	case errors.Is(err, coordinator.ErrNotStarted):
		return "session is closing"
	default:
		return fallback
	}
}
