package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	commonlog "gigsync/server/common/log"
	"gigsync/server/realtime/channel"
	"gigsync/server/realtime/domain"
)

// RowPublisher receives committed row changes, like the Postgres triggers would emit.
type RowPublisher interface {
	PublishRowChange(change channel.RowChange) int
}

// MemoryStore keeps threads, messages and notifications in process. It satisfies
// the same contracts as the Postgres repositories and publishes a row change for
// every insert and update while still holding its lock, so changes leave in
// commit order.
type MemoryStore struct {
	rows RowPublisher
	now  func() time.Time

	mu            sync.RWMutex
	threads       map[string]domain.Thread
	messages      map[string]domain.Message
	threadMsgs    map[string][]string
	notifications map[string]domain.Notification
	userNotifs    map[string][]string
}

func NewMemoryStore(rows RowPublisher) *MemoryStore {
	return &MemoryStore{
		rows:          rows,
		now:           func() time.Time { return time.Now().UTC() },
		threads:       map[string]domain.Thread{},
		messages:      map[string]domain.Message{},
		threadMsgs:    map[string][]string{},
		notifications: map[string]domain.Notification{},
		userNotifs:    map[string][]string{},
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *MemoryStore) publish(table string, typ channel.ChangeType, record, old any) {
	if s.rows == nil {
		return
	}
	change := channel.RowChange{Table: table, Type: typ, CommitTime: s.now()}
	var err error
	if record != nil {
		if change.Record, err = json.Marshal(record); err != nil {
			commonlog.Errorf("event=memory_store action=publish status=failed table=%s error=%v", table, err)
			return
		}
	}
	if old != nil {
		if change.OldRecord, err = json.Marshal(old); err != nil {
			commonlog.Errorf("event=memory_store action=publish status=failed table=%s error=%v", table, err)
			return
		}
	}
	s.rows.PublishRowChange(change)
}

func (s *MemoryStore) CreateThread(_ context.Context, thread domain.Thread) (domain.Thread, error) {
	thread, err := normalizeThread(thread)
	if err != nil {
		return thread, err
	}
	thread.ID = newID()
	thread.CreatedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[thread.ID] = thread
	return cloneThread(thread), nil
}

func cloneThread(t domain.Thread) domain.Thread {
	t.Participants = append([]string(nil), t.Participants...)
	return t
}

func (s *MemoryStore) GetThread(_ context.Context, threadID string) (domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok {
		return domain.Thread{}, fmt.Errorf("thread %s: %w", threadID, domain.ErrNotFound)
	}
	return cloneThread(t), nil
}

func (s *MemoryStore) ListThreads(_ context.Context, userID string) ([]domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]domain.Thread, 0)
	for _, t := range s.threads {
		if t.HasParticipant(userID) {
			items = append(items, cloneThread(t))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *MemoryStore) IsThreadParticipant(_ context.Context, threadID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	return ok && t.HasParticipant(userID), nil
}

func (s *MemoryStore) ListThreadMessages(_ context.Context, threadID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.threads[threadID]; !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, domain.ErrNotFound)
	}
	items := make([]domain.Message, 0, len(s.threadMsgs[threadID]))
	for _, id := range s.threadMsgs[threadID] {
		items = append(items, s.messages[id])
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Before(items[j]) })
	return items, nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	if err := validateBody(msg.Body); err != nil {
		return msg, err
	}
	s.mu.Lock()
	if _, ok := s.threads[msg.ThreadID]; !ok {
		s.mu.Unlock()
		return msg, fmt.Errorf("insert message: thread %s: %w", msg.ThreadID, domain.ErrNotFound)
	}
	msg.ID = newID()
	msg.CreatedAt = s.now()
	msg.ReadAt = nil
	s.messages[msg.ID] = msg
	s.threadMsgs[msg.ThreadID] = append(s.threadMsgs[msg.ThreadID], msg.ID)
	s.publish(chatTable, channel.ChangeInsert, msg, nil)
	s.mu.Unlock()
	return msg, nil
}

func (s *MemoryStore) MarkMessageRead(_ context.Context, messageID, userID string) error {
	s.mu.Lock()
	m, ok := s.messages[messageID]
	if !ok || m.RecipientID == nil || *m.RecipientID != userID {
		s.mu.Unlock()
		return fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	if m.ReadAt != nil {
		s.mu.Unlock()
		return nil
	}
	old := m
	at := s.now()
	m.ReadAt = &at
	s.messages[messageID] = m
	s.publish(chatTable, channel.ChangeUpdate, m, old)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) MarkThreadRead(_ context.Context, threadID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.now()
	var n int64
	for _, id := range s.threadMsgs[threadID] {
		m := s.messages[id]
		if !m.UnreadFor(userID) {
			continue
		}
		old := m
		m.ReadAt = &at
		s.messages[id] = m
		s.publish(chatTable, channel.ChangeUpdate, m, old)
		n++
	}
	return n, nil
}

func (s *MemoryStore) UnreadSnapshot(_ context.Context, userID string) (domain.UnreadSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for _, id := range s.userNotifs[userID] {
		if s.notifications[id].ReadAt == nil {
			ids = append(ids, id)
		}
	}
	return domain.UnreadSnapshot{Count: len(ids), IDs: ids}, nil
}

func (s *MemoryStore) CountUnread(ctx context.Context, userID string) (int, error) {
	snap, err := s.UnreadSnapshot(ctx, userID)
	return snap.Count, err
}

func (s *MemoryStore) ListNotifications(_ context.Context, userID string, limit int, unreadOnly bool) ([]domain.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = DefaultListLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.userNotifs[userID]
	items := make([]domain.Notification, 0)
	for i := len(ids) - 1; i >= 0 && len(items) < limit; i-- {
		n := s.notifications[ids[i]]
		if unreadOnly && n.ReadAt != nil {
			continue
		}
		items = append(items, n)
	}
	return items, nil
}

func (s *MemoryStore) CreateNotification(_ context.Context, n domain.Notification) (domain.Notification, error) {
	if err := validateNotification(n); err != nil {
		return n, err
	}
	s.mu.Lock()
	n.ID = newID()
	n.CreatedAt = s.now()
	n.ReadAt = nil
	s.notifications[n.ID] = n
	s.userNotifs[n.UserID] = append(s.userNotifs[n.UserID], n.ID)
	s.publish(notificationTable, channel.ChangeInsert, n, nil)
	s.mu.Unlock()
	return n, nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, userID, notificationID string) error {
	s.mu.Lock()
	n, ok := s.notifications[notificationID]
	if !ok || n.UserID != userID {
		s.mu.Unlock()
		return fmt.Errorf("notification %s: %w", notificationID, domain.ErrNotFound)
	}
	if n.ReadAt != nil {
		s.mu.Unlock()
		return nil
	}
	old := n
	at := s.now()
	n.ReadAt = &at
	s.notifications[notificationID] = n
	s.publish(notificationTable, channel.ChangeUpdate, n, old)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) MarkAllNotificationsRead(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.now()
	var count int64
	for _, id := range s.userNotifs[userID] {
		n := s.notifications[id]
		if n.ReadAt != nil {
			continue
		}
		old := n
		n.ReadAt = &at
		s.notifications[id] = n
		s.publish(notificationTable, channel.ChangeUpdate, n, old)
		count++
	}
	return count, nil
}

const (
	chatTable         = "messages"
	notificationTable = "notifications"
)
