package channel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowFilterMatch(t *testing.T) {
	insert := RowChange{Table: "notifications", Type: ChangeInsert, Record: json.RawMessage(`{"id":"n1","user_id":"u1","priority":2,"urgent":true}`)}
	del := RowChange{Table: "notifications", Type: ChangeDelete, OldRecord: json.RawMessage(`{"id":"n1","user_id":"u1"}`)}

	cases := []struct {
		name   string
		filter RowFilter
		change RowChange
		want   bool
	}{
		{"table only", RowFilter{Table: "notifications"}, insert, true},
		{"other table", RowFilter{Table: "messages"}, insert, false},
		{"event listed", RowFilter{Table: "notifications", Events: []ChangeType{ChangeInsert}}, insert, true},
		{"event not listed", RowFilter{Table: "notifications", Events: []ChangeType{ChangeUpdate}}, insert, false},
		{"column match", RowFilter{Table: "notifications", Column: "user_id", Value: "u1"}, insert, true},
		{"column mismatch", RowFilter{Table: "notifications", Column: "user_id", Value: "u2"}, insert, false},
		{"numeric column", RowFilter{Table: "notifications", Column: "priority", Value: "2"}, insert, true},
		{"bool column", RowFilter{Table: "notifications", Column: "urgent", Value: "true"}, insert, true},
		{"missing column", RowFilter{Table: "notifications", Column: "thread_id", Value: "t1"}, insert, false},
		{"delete reads old row", RowFilter{Table: "notifications", Column: "user_id", Value: "u1"}, del, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Match(tc.change))
		})
	}
}

func TestRowChangeDecode(t *testing.T) {
	change := RowChange{
		Table:     "notifications",
		Type:      ChangeUpdate,
		Record:    json.RawMessage(`{"id":"n1","read_at":"2026-01-02T03:04:05Z"}`),
		OldRecord: json.RawMessage(`{"id":"n1","read_at":null}`),
	}
	var cur, old struct {
		ID     string  `json:"id"`
		ReadAt *string `json:"read_at"`
	}
	require.NoError(t, change.Decode(&cur))
	require.NoError(t, change.DecodeOld(&old))
	assert.NotNil(t, cur.ReadAt)
	assert.Nil(t, old.ReadAt)

	insert := RowChange{Table: "notifications", Type: ChangeInsert, Record: json.RawMessage(`{"id":"n2"}`)}
	assert.Error(t, insert.DecodeOld(&old))
}

func TestRowRouterUnregister(t *testing.T) {
	router := NewRowRouter()
	var got []string
	resyncs := 0
	unregister := router.Register([]RowFilter{{Table: "messages"}}, func(c RowChange) {
		got = append(got, string(c.Type))
	}, func() { resyncs++ })

	assert.Equal(t, 1, router.Dispatch(RowChange{Table: "messages", Type: ChangeInsert}))
	router.Resync()
	unregister()
	unregister()
	router.Resync()
	assert.Equal(t, 0, router.Dispatch(RowChange{Table: "messages", Type: ChangeUpdate}))
	assert.Equal(t, []string{"INSERT"}, got)
	assert.Equal(t, 1, resyncs)
}
