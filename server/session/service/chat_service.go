package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	commonlog "gigsync/server/common/log"
	"gigsync/server/realtime/domain"
)

// ChatStore is satisfied by repository.ChatRepository and repository.MemoryStore.
type ChatStore interface {
	CreateThread(ctx context.Context, thread domain.Thread) (domain.Thread, error)
	GetThread(ctx context.Context, threadID string) (domain.Thread, error)
	ListThreads(ctx context.Context, userID string) ([]domain.Thread, error)
	IsThreadParticipant(ctx context.Context, threadID, userID string) (bool, error)
	ListThreadMessages(ctx context.Context, threadID string) ([]domain.Message, error)
	InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	MarkMessageRead(ctx context.Context, messageID, userID string) error
	MarkThreadRead(ctx context.Context, threadID, userID string) (int64, error)
}

// NotificationStore is satisfied by repository.NotificationRepository and repository.MemoryStore.
type NotificationStore interface {
	UnreadSnapshot(ctx context.Context, userID string) (domain.UnreadSnapshot, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	ListNotifications(ctx context.Context, userID string, limit int, unreadOnly bool) ([]domain.Notification, error)
	CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)
}

// Routing keys on the realtime.events exchange.
const (
	KeyMessageCreated        = "message.created"
	KeyMessageRead           = "message.read"
	KeyNotificationRead      = "notification.read"
	KeyNotificationsReadAll  = "notification.read_all"
	KeyNotificationRequested = "notification.requested"
)

const previewMaxRunes = 140

// ChatService wraps the stores with the side effects of chat and notification
// mutations: message notifications for recipients and domain events on the
// broker. Both side effects are best-effort.
type ChatService struct {
	chats     ChatStore
	notifs    NotificationStore
	publisher EventPublisher
}

func NewChatService(chats ChatStore, notifs NotificationStore, publisher EventPublisher) *ChatService {
	return &ChatService{chats: chats, notifs: notifs, publisher: publisher}
}

func (s *ChatService) CreateThread(ctx context.Context, thread domain.Thread) (domain.Thread, error) {
	return s.chats.CreateThread(ctx, thread)
}

func (s *ChatService) GetThread(ctx context.Context, threadID string) (domain.Thread, error) {
	return s.chats.GetThread(ctx, threadID)
}

func (s *ChatService) ListThreads(ctx context.Context, userID string) ([]domain.Thread, error) {
	return s.chats.ListThreads(ctx, userID)
}

func (s *ChatService) ListThreadMessages(ctx context.Context, threadID string) ([]domain.Message, error) {
	return s.chats.ListThreadMessages(ctx, threadID)
}

// ThreadFor loads a thread and checks that userID participates in it.
func (s *ChatService) ThreadFor(ctx context.Context, threadID, userID string) (domain.Thread, error) {
	th, err := s.chats.GetThread(ctx, threadID)
	if err != nil {
		return domain.Thread{}, err
	}
	if !th.HasParticipant(userID) {
		return domain.Thread{}, domain.ErrNotParticipant
	}
	return th, nil
}

func (s *ChatService) ListMessagesFor(ctx context.Context, threadID, userID string) ([]domain.Message, error) {
	if _, err := s.ThreadFor(ctx, threadID, userID); err != nil {
		return nil, err
	}
	return s.chats.ListThreadMessages(ctx, threadID)
}

// SendMessage is the HTTP path for sending. Websocket sessions go through the
// coordinator, which ends in InsertMessage as well.
func (s *ChatService) SendMessage(ctx context.Context, threadID, senderID, body string) (domain.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Message{}, domain.ErrEmptyBody
	}
	th, err := s.ThreadFor(ctx, threadID, senderID)
	if err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{ThreadID: threadID, SenderID: senderID, Body: body}
	if peer, ok := th.PeerOf(senderID); ok {
		msg.RecipientID = &peer
	}
	return s.InsertMessage(ctx, msg)
}

func (s *ChatService) InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	startedAt := time.Now()
	stored, err := s.chats.InsertMessage(ctx, msg)
	if err != nil {
		commonlog.Errorf("event=chat_message_persist action=create status=failed thread_id=%s user_id=%s latency_ms=%d error=%v", msg.ThreadID, msg.SenderID, time.Since(startedAt).Milliseconds(), err)
		return domain.Message{}, err
	}
	commonlog.Infof("event=chat_message_persist action=create status=ok thread_id=%s user_id=%s message_id=%s latency_ms=%d", stored.ThreadID, stored.SenderID, stored.ID, time.Since(startedAt).Milliseconds())

	if stored.RecipientID != nil {
		n := domain.Notification{
			UserID: *stored.RecipientID,
			Kind:   domain.NotificationKindMessage,
			Title:  "New message",
			Body:   preview(stored.Body),
			Link:   "/messages/" + stored.ThreadID,
		}
		if _, err := s.notifs.CreateNotification(ctx, n); err != nil {
			commonlog.Warnf("event=chat_message_notify action=create status=failed thread_id=%s message_id=%s recipient_id=%s error=%v", stored.ThreadID, stored.ID, *stored.RecipientID, err)
		}
	}
	s.publish(ctx, KeyMessageCreated, stored)
	return stored, nil
}

func (s *ChatService) MarkMessageRead(ctx context.Context, messageID, userID string) error {
	if err := s.chats.MarkMessageRead(ctx, messageID, userID); err != nil {
		return err
	}
	s.publish(ctx, KeyMessageRead, map[string]string{"message_id": messageID, "user_id": userID})
	return nil
}

func (s *ChatService) MarkThreadRead(ctx context.Context, threadID, userID string) (int64, error) {
	n, err := s.chats.MarkThreadRead(ctx, threadID, userID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.publish(ctx, KeyMessageRead, map[string]any{"thread_id": threadID, "user_id": userID, "count": n})
	}
	return n, nil
}

// MarkThreadReadFor is MarkThreadRead with a participant check, for callers
// that did not open the thread first.
func (s *ChatService) MarkThreadReadFor(ctx context.Context, threadID, userID string) (int64, error) {
	if _, err := s.ThreadFor(ctx, threadID, userID); err != nil {
		return 0, err
	}
	return s.MarkThreadRead(ctx, threadID, userID)
}

func (s *ChatService) UnreadSnapshot(ctx context.Context, userID string) (domain.UnreadSnapshot, error) {
	return s.notifs.UnreadSnapshot(ctx, userID)
}

func (s *ChatService) CountUnread(ctx context.Context, userID string) (int, error) {
	return s.notifs.CountUnread(ctx, userID)
}

func (s *ChatService) ListNotifications(ctx context.Context, userID string, limit int, unreadOnly bool) ([]domain.Notification, error) {
	return s.notifs.ListNotifications(ctx, userID, limit, unreadOnly)
}

func (s *ChatService) CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	return s.notifs.CreateNotification(ctx, n)
}

func (s *ChatService) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	if err := s.notifs.MarkNotificationRead(ctx, userID, notificationID); err != nil {
		return err
	}
	s.publish(ctx, KeyNotificationRead, map[string]string{"notification_id": notificationID, "user_id": userID})
	return nil
}

func (s *ChatService) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	n, err := s.notifs.MarkAllNotificationsRead(ctx, userID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.publish(ctx, KeyNotificationsReadAll, map[string]any{"user_id": userID, "count": n})
	}
	return n, nil
}

func (s *ChatService) publish(ctx context.Context, key string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, key, payload); err != nil {
		commonlog.Warnf("event=realtime_event_publish action=publish status=failed routing_key=%s error=%v", key, err)
	}
}

func preview(body string) string {
	r := []rune(body)
	if len(r) <= previewMaxRunes {
		return body
	}
	return fmt.Sprintf("%s...", string(r[:previewMaxRunes]))
}
