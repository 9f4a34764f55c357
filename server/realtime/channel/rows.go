package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// RowChange is a committed insert, update or delete on a relation. Record holds the
// new row (nil for deletes), OldRecord the previous row (nil for inserts).
type RowChange struct {
	Table      string          `json:"table"`
	Type       ChangeType      `json:"type"`
	Record     json.RawMessage `json:"record"`
	OldRecord  json.RawMessage `json:"old_record"`
	CommitTime time.Time       `json:"commit_time"`
}

func (c RowChange) Decode(out any) error {
	if len(c.Record) == 0 || string(c.Record) == "null" {
		return fmt.Errorf("%s %s change has no record", c.Table, c.Type)
	}
	return json.Unmarshal(c.Record, out)
}

func (c RowChange) DecodeOld(out any) error {
	if len(c.OldRecord) == 0 || string(c.OldRecord) == "null" {
		return fmt.Errorf("%s %s change has no old record", c.Table, c.Type)
	}
	return json.Unmarshal(c.OldRecord, out)
}

// Column returns the textual value of a column, reading the old row for deletes.
func (c RowChange) Column(name string) (string, bool) {
	raw := c.Record
	if c.Type == ChangeDelete {
		raw = c.OldRecord
	}
	if len(raw) == 0 {
		return "", false
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", false
	}
	switch v := fields[name].(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

// RowFilter selects changes on Table. Empty Events matches every change type; an
// empty Column disables the equality filter.
type RowFilter struct {
	Table  string
	Events []ChangeType
	Column string
	Value  string
}

func (f RowFilter) Match(c RowChange) bool {
	if f.Table != c.Table {
		return false
	}
	if len(f.Events) > 0 {
		found := false
		for _, t := range f.Events {
			if t == c.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Column == "" {
		return true
	}
	v, ok := c.Column(f.Column)
	return ok && v == f.Value
}

// RowFeed is a source of row changes a transport can route into subscriptions.
// resync is called whenever changes may have been missed, for example after the
// feed reconnected.
type RowFeed interface {
	Register(filters []RowFilter, sink func(RowChange), resync func()) (unregister func())
	// WaitReady returns once changes committed from now on will be delivered.
	WaitReady(ctx context.Context) error
}

type rowSink struct {
	filters []RowFilter
	sink    func(RowChange)
	resync  func()
}

// RowRouter dispatches each change to every registered sink with a matching filter.
type RowRouter struct {
	mu    sync.RWMutex
	sinks map[int]rowSink
	next  int
}

func NewRowRouter() *RowRouter {
	return &RowRouter{sinks: map[int]rowSink{}}
}

func (r *RowRouter) Register(filters []RowFilter, sink func(RowChange), resync func()) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.sinks[id] = rowSink{filters: append([]RowFilter(nil), filters...), sink: sink, resync: resync}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.sinks, id)
			r.mu.Unlock()
		})
	}
}

// Dispatch returns the number of sinks the change was delivered to.
func (r *RowRouter) Dispatch(change RowChange) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for _, s := range r.sinks {
		for _, f := range s.filters {
			if f.Match(change) {
				s.sink(change)
				delivered++
				break
			}
		}
	}
	return delivered
}

// Resync asks every registered sink to reload.
func (r *RowRouter) Resync() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sinks {
		if s.resync != nil {
			s.resync()
		}
	}
}

// WaitReady always succeeds: a router delivers synchronously from Dispatch.
func (r *RowRouter) WaitReady(context.Context) error { return nil }
