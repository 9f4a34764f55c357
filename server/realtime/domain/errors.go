package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrNotParticipant = errors.New("user is not a participant of the thread")
	ErrEmptyBody      = errors.New("message body is empty")
	ErrBodyTooLong    = errors.New("message body is too long")
)

// MaxBodyBytes bounds a message body so its row change fits a NOTIFY payload.
const MaxBodyBytes = 6000
