package events

import (
	"sync"

	commonlog "gigsync/server/common/log"
)

const defaultBuffer = 256

// Feed fans values out to any number of subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the value and the drop is logged.
type Feed[T any] struct {
	name   string
	buffer int

	mu     sync.RWMutex
	subs   map[int]chan T
	nextID int
	closed bool
}

func NewFeed[T any](name string, buffer int) *Feed[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Feed[T]{name: name, buffer: buffer, subs: map[int]chan T{}}
}

// Subscribe returns a receive channel and a cancel func. The channel is closed on
// cancel or when the feed closes.
func (f *Feed[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, f.buffer)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

func (f *Feed[T]) Publish(v T) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for id, ch := range f.subs {
		select {
		case ch <- v:
		default:
			commonlog.Warnf("event=feed action=publish status=dropped feed=%s subscriber=%d", f.name, id)
		}
	}
}

func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}
