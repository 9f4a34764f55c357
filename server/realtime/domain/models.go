package domain

import "time"

type ThreadKind string

const (
	ThreadDirect ThreadKind = "direct"
	ThreadGroup  ThreadKind = "group"
)

// Thread is a conversation. Direct threads have exactly two participants and every
// message in them names a recipient; group threads carry no recipient.
type Thread struct {
	ID           string     `json:"id"`
	Kind         ThreadKind `json:"kind"`
	Title        string     `json:"title,omitempty"`
	CreatedBy    string     `json:"created_by"`
	Participants []string   `json:"participants"`
	CreatedAt    time.Time  `json:"created_at"`
}

// PeerOf returns the other participant of a direct thread.
func (t Thread) PeerOf(userID string) (string, bool) {
	if t.Kind != ThreadDirect {
		return "", false
	}
	for _, p := range t.Participants {
		if p != userID {
			return p, true
		}
	}
	return "", false
}

func (t Thread) HasParticipant(userID string) bool {
	for _, p := range t.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

type Message struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id"`
	SenderID    string     `json:"sender_id"`
	RecipientID *string    `json:"recipient_id,omitempty"`
	Body        string     `json:"body"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// UnreadFor reports whether the message is addressed to userID and has no read receipt yet.
func (m Message) UnreadFor(userID string) bool {
	return m.RecipientID != nil && *m.RecipientID == userID && m.ReadAt == nil
}

// Before orders messages by creation time, then id, which is the order of a full re-fetch.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Kind      string     `json:"kind"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	Link      string     `json:"link,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

const (
	NotificationKindMessage = "message"
)

// UnreadSnapshot is the initial state of an unread counter. IDs is nil when the
// source can only count.
type UnreadSnapshot struct {
	Count int
	IDs   []string
}
