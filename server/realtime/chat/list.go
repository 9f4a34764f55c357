package chat

import (
	"slices"
	"sync"
	"time"

	"gigsync/server/realtime/domain"
)

// MessageList is the ordered message list of one open thread. Every path that adds
// a message, whether a local send or a realtime echo, goes through Merge.
type MessageList struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]domain.Message
}

func NewMessageList() *MessageList {
	return &MessageList{byID: map[string]domain.Message{}}
}

// Merge appends m unless a message with the same id is present, and reports
// whether it was appended. A duplicate may still carry a newer read receipt.
func (l *MessageList) Merge(m domain.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.byID[m.ID]; ok {
		if existing.ReadAt == nil && m.ReadAt != nil {
			existing.ReadAt = m.ReadAt
			l.byID[m.ID] = existing
		}
		return false
	}
	l.byID[m.ID] = m
	l.order = append(l.order, m.ID)
	return true
}

// MergeAll merges a page of history in creation order and returns the number
// of messages appended.
func (l *MessageList) MergeAll(msgs []domain.Message) int {
	sorted := slices.Clone(msgs)
	SortMessages(sorted)
	n := 0
	for _, m := range sorted {
		if l.Merge(m) {
			n++
		}
	}
	return n
}

// ApplyRead records a read receipt. It reports false for unknown ids and for
// messages that were already read.
func (l *MessageList) ApplyRead(id string, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byID[id]
	if !ok || m.ReadAt != nil {
		return false
	}
	m.ReadAt = &at
	l.byID[id] = m
	return true
}

func (l *MessageList) Get(id string) (domain.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.byID[id]
	return m, ok
}

func (l *MessageList) Messages() []domain.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Message, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id])
	}
	return out
}

func (l *MessageList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// SortMessages orders by creation time, then id.
func SortMessages(msgs []domain.Message) {
	slices.SortStableFunc(msgs, func(a, b domain.Message) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		default:
			return 0
		}
	})
}
