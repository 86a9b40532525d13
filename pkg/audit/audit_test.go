package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu      sync.Mutex
	entries []*Entry
	err     error
}

func (f *fakeSink) AppendAudit(ctx context.Context, entry *Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	entry.ID = int64(len(f.entries) + 1)
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeSink) ListAudit(ctx context.Context, q Query) ([]*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Entry
	for _, e := range f.entries {
		if q.ItemID != 0 && e.ItemID != q.ItemID {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func TestAppendScrubsEntry(t *testing.T) {
	sink := &fakeSink{}
	log := New(sink, nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log.now = func() time.Time { return fixed }

	err := log.Append(context.Background(), Entry{
		ItemID:  3,
		Action:  ActionRotation,
		Status:  "failed",
		Message: "login rejected: password=hunter2",
		Detail: map[string]interface{}{
			"cookie":   "sid=abc",
			"attempts": 2,
		},
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if len(sink.entries) != 1 {
		t.Fatalf("sink has %d entries, want 1", len(sink.entries))
	}
	got := sink.entries[0]
	if !got.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, fixed)
	}
	if strings.Contains(got.Message, "hunter2") {
		t.Errorf("Message was not scrubbed: %q", got.Message)
	}
	if got.Detail["cookie"] == "sid=abc" {
		t.Error("cookie detail was not scrubbed")
	}
	if got.Detail["attempts"] != 2 {
		t.Errorf("attempts = %v, want 2", got.Detail["attempts"])
	}
}

func TestAppendKeepsTimestamp(t *testing.T) {
	sink := &fakeSink{}
	ts := time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC)
	if err := New(sink, nil).Append(context.Background(), Entry{Action: ActionRun, Status: "completed", Timestamp: ts}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if !sink.entries[0].Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", sink.entries[0].Timestamp, ts)
	}
}

func TestAppendTruncatesMessage(t *testing.T) {
	sink := &fakeSink{}
	msg := strings.Repeat("é", MaxMessageLength+20)
	if err := New(sink, nil).Append(context.Background(), Entry{Action: ActionItem, Status: "added", Message: msg}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if n := len([]rune(sink.entries[0].Message)); n != MaxMessageLength {
		t.Errorf("message has %d runes, want %d", n, MaxMessageLength)
	}
}

func TestAppendErrors(t *testing.T) {
	tests := []struct {
		name  string
		sink  *fakeSink
		entry Entry
	}{
		{"missing action", &fakeSink{}, Entry{Status: "ok"}},
		{"sink failure", &fakeSink{err: errors.New("database is locked")}, Entry{Action: ActionLease, Status: "acquired"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := New(tt.sink, nil).Append(context.Background(), tt.entry); err == nil {
				t.Error("expected an error")
			}
			if len(tt.sink.entries) != 0 {
				t.Errorf("sink stored %d entries", len(tt.sink.entries))
			}
		})
	}
}

func TestList(t *testing.T) {
	sink := &fakeSink{}
	log := New(sink, nil)
	ctx := context.Background()
	for _, e := range []Entry{
		{ItemID: 1, Action: ActionRotation, Status: "succeeded"},
		{ItemID: 2, Action: ActionRotation, Status: "failed"},
		{ItemID: 1, Action: ActionItem, Status: "unblocked"},
	} {
		if err := log.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := log.List(ctx, Query{ItemID: 1, Action: ActionRotation})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 || got[0].Status != "succeeded" {
		t.Errorf("List() = %+v, want the single succeeded rotation", got)
	}
}
