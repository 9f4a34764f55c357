// Package chat keeps open threads consistent between their initial history load,
// realtime inserts and local sends.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	commonlog "gigsync/server/common/log"
	"gigsync/server/realtime/channel"
	"gigsync/server/realtime/domain"
	"gigsync/server/realtime/events"
)

const (
	Table           = "messages"
	markReadTimeout = 5 * time.Second
	resyncTimeout   = 5 * time.Second
)

// Store is the query/mutation surface the stream needs. GetThread returns an
// error wrapping domain.ErrNotFound for unknown threads.
type Store interface {
	GetThread(ctx context.Context, threadID string) (domain.Thread, error)
	ListThreadMessages(ctx context.Context, threadID string) ([]domain.Message, error)
	InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	MarkMessageRead(ctx context.Context, messageID, userID string) error
	MarkThreadRead(ctx context.Context, threadID, userID string) (int64, error)
}

func ChannelName(threadID string) string {
	return "messages:" + threadID
}

type Stream struct {
	transport channel.Transport
	store     Store
	selfID    string
	emit      domain.Emitter

	mu      sync.Mutex
	threads map[string]*Thread
	// background mark-read calls
	pending sync.WaitGroup
}

func NewStream(transport channel.Transport, store Store, selfID string, emit domain.Emitter) *Stream {
	return &Stream{
		transport: transport,
		store:     store,
		selfID:    selfID,
		emit:      emit,
		threads:   map[string]*Thread{},
	}
}

// Thread is one open conversation: its history plus live appends.
type Thread struct {
	info domain.Thread
	list *MessageList
	feed *events.Feed[domain.Message]
	sub  channel.Subscription
	done chan struct{}
}

func (t *Thread) Info() domain.Thread { return t.info }

func (t *Thread) History() []domain.Message { return t.list.Messages() }

func (t *Thread) List() *MessageList { return t.list }

// Subscribe returns every message appended after the call.
func (t *Thread) Subscribe() (<-chan domain.Message, func()) { return t.feed.Subscribe() }

// Open loads a thread the local user participates in. The row subscription is
// established before the history query so nothing inserted in between is lost;
// the list's merge drops whatever both sources delivered.
func (s *Stream) Open(ctx context.Context, threadID string) (*Thread, error) {
	s.mu.Lock()
	if th, ok := s.threads[threadID]; ok {
		s.mu.Unlock()
		return th, nil
	}
	s.mu.Unlock()

	info, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	if !info.HasParticipant(s.selfID) {
		return nil, domain.ErrNotParticipant
	}

	sub, err := s.transport.Subscribe(ctx, ChannelName(threadID), channel.Config{Rows: []channel.RowFilter{{
		Table:  Table,
		Events: []channel.ChangeType{channel.ChangeInsert, channel.ChangeUpdate},
		Column: "thread_id",
		Value:  threadID,
	}}})
	if err != nil {
		return nil, fmt.Errorf("subscribe thread %s: %w", threadID, err)
	}

	history, err := s.store.ListThreadMessages(ctx, threadID)
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("load history %s: %w", threadID, err)
	}

	th := &Thread{
		info: info,
		list: NewMessageList(),
		feed: events.NewFeed[domain.Message]("thread:"+threadID, 0),
		sub:  sub,
		done: make(chan struct{}),
	}
	th.list.MergeAll(history)

	s.mu.Lock()
	if existing, ok := s.threads[threadID]; ok {
		s.mu.Unlock()
		_ = sub.Close()
		return existing, nil
	}
	s.threads[threadID] = th
	s.mu.Unlock()

	go s.run(th)

	for _, m := range history {
		if m.UnreadFor(s.selfID) {
			s.markThreadRead(threadID)
			break
		}
	}
	return th, nil
}

func (s *Stream) run(th *Thread) {
	defer close(th.done)
	for ev := range th.sub.Events() {
		if ev.Kind == channel.EventResync {
			s.resync(th)
			continue
		}
		if ev.Kind != channel.EventRowChange || ev.Change == nil {
			continue
		}
		var m domain.Message
		if err := ev.Change.Decode(&m); err != nil {
			commonlog.Warnf("event=chat action=decode status=invalid thread_id=%s error=%v", th.info.ID, err)
			continue
		}
		switch ev.Change.Type {
		case channel.ChangeInsert:
			s.append(th, m)
		case channel.ChangeUpdate:
			s.reconcile(th, m)
		}
	}
}

// reconcile applies a stored row to the list: unknown rows are appended, known
// ones pick up their read receipt.
func (s *Stream) reconcile(th *Thread, m domain.Message) {
	if _, known := th.list.Get(m.ID); !known {
		s.append(th, m)
		return
	}
	if m.ReadAt != nil && th.list.ApplyRead(m.ID, *m.ReadAt) {
		updated, _ := th.list.Get(m.ID)
		domain.Emit(s.emit, domain.StateEvent{Type: domain.EventMessageRead, ThreadID: th.info.ID, Message: &updated})
	}
}

// resync re-fetches the thread after the transport lost row changes and merges
// whatever the list is missing.
func (s *Stream) resync(th *Thread) {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()
	history, err := s.store.ListThreadMessages(ctx, th.info.ID)
	if err != nil {
		commonlog.Warnf("event=chat action=resync status=failed thread_id=%s error=%v", th.info.ID, err)
		return
	}
	SortMessages(history)
	for _, m := range history {
		s.reconcile(th, m)
	}
	commonlog.Debugf("event=chat action=resync status=ok thread_id=%s messages=%d", th.info.ID, th.list.Len())
}

func (s *Stream) append(th *Thread, m domain.Message) {
	if !th.list.Merge(m) {
		return
	}
	th.feed.Publish(m)
	domain.Emit(s.emit, domain.StateEvent{Type: domain.EventMessageAppended, ThreadID: th.info.ID, Message: &m})
	if m.UnreadFor(s.selfID) {
		s.markRead(m)
	}
}

// markRead is fire-and-forget: a failure leaves the message unread and is only logged.
func (s *Stream) markRead(m domain.Message) {
	s.pending.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
		defer cancel()
		if err := s.store.MarkMessageRead(ctx, m.ID, s.selfID); err != nil {
			commonlog.Warnf("event=chat action=mark_read status=failed thread_id=%s message_id=%s error=%v", m.ThreadID, m.ID, err)
		}
	})
}

func (s *Stream) markThreadRead(threadID string) {
	s.pending.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
		defer cancel()
		n, err := s.store.MarkThreadRead(ctx, threadID, s.selfID)
		if err != nil {
			commonlog.Warnf("event=chat action=mark_thread_read status=failed thread_id=%s error=%v", threadID, err)
			return
		}
		commonlog.Debugf("event=chat action=mark_thread_read status=ok thread_id=%s marked=%d", threadID, n)
	})
}

// Send inserts a message and merges the stored row into the open thread right
// away; the realtime echo of the same row is dropped by the merge.
func (s *Stream) Send(ctx context.Context, threadID, body string) (domain.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Message{}, domain.ErrEmptyBody
	}

	s.mu.Lock()
	th := s.threads[threadID]
	s.mu.Unlock()

	var info domain.Thread
	if th != nil {
		info = th.info
	} else {
		var err error
		if info, err = s.store.GetThread(ctx, threadID); err != nil {
			return domain.Message{}, fmt.Errorf("load thread %s: %w", threadID, err)
		}
	}
	if !info.HasParticipant(s.selfID) {
		return domain.Message{}, domain.ErrNotParticipant
	}

	msg := domain.Message{ThreadID: threadID, SenderID: s.selfID, Body: body}
	if peer, ok := info.PeerOf(s.selfID); ok {
		msg.RecipientID = &peer
	}
	stored, err := s.store.InsertMessage(ctx, msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if th != nil {
		s.append(th, stored)
	}
	return stored, nil
}

func (s *Stream) Thread(threadID string) (*Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	return th, ok
}

func (s *Stream) Close(threadID string) {
	s.mu.Lock()
	th, ok := s.threads[threadID]
	delete(s.threads, threadID)
	s.mu.Unlock()
	if ok {
		s.release(th)
	}
}

// CloseAll closes every open thread and waits for in-flight mark-read calls.
func (s *Stream) CloseAll() {
	s.mu.Lock()
	threads := make([]*Thread, 0, len(s.threads))
	for id, th := range s.threads {
		threads = append(threads, th)
		delete(s.threads, id)
	}
	s.mu.Unlock()
	for _, th := range threads {
		s.release(th)
	}
	s.pending.Wait()
}

func (s *Stream) release(th *Thread) {
	if err := th.sub.Close(); err != nil {
		commonlog.Warnf("event=chat action=close status=failed thread_id=%s error=%v", th.info.ID, err)
	}
	<-th.done
	th.feed.Close()
}
