package memory

import (
	"context"
	"testing"
)

func TestInMemoryStoreSessionHistory(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	for i, content := range []string{"a", "b", "c"} {
		if err := s.SaveTurn(ctx, TurnRecord{SessionID: "s1", Seq: uint64(i + 1), Role: "user", Content: content}); err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}
	_ = s.SaveTurn(ctx, TurnRecord{SessionID: "s2", Role: "user", Content: "other"})

	all, err := s.SessionHistory(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("SessionHistory() error = %v", err)
	}
	if len(all) != 3 || all[0].Content != "a" || all[2].Content != "c" {
		t.Fatalf("history = %+v, want a,b,c", all)
	}
	if all[0].ID == "" || all[0].CreatedAt.IsZero() {
		t.Fatalf("record missing generated id or timestamp: %+v", all[0])
	}

	recent, _ := s.SessionHistory(ctx, "s1", 2)
	if len(recent) != 2 || recent[0].Content != "b" {
		t.Fatalf("recent = %+v, want b,c", recent)
	}
	recent[0].Content = "mutated"
	again, _ := s.SessionHistory(ctx, "s1", 0)
	if again[1].Content != "b" {
		t.Fatalf("SessionHistory returned shared backing array")
	}

	none, err := s.SessionHistory(ctx, "missing", 10)
	if err != nil || len(none) != 0 {
		t.Fatalf("SessionHistory(missing) = %v, %v; want empty", none, err)
	}
}

func TestNewStoreWithoutURLIsInMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() = %T, want *InMemoryStore", s)
	}
}

func TestInMemoryStoreEvictsOldestSession(t *testing.T) {
	ctx := context.Background()
	s := NewBoundedInMemoryStore(2)
	for _, id := range []string{"s1", "s2", "s3"} {
		_ = s.SaveTurn(ctx, TurnRecord{SessionID: id, Role: "user", Content: id})
	}
	// Extra turns for a known session must not evict anything.
	_ = s.SaveTurn(ctx, TurnRecord{SessionID: "s2", Role: "assistant", Content: "again"})

	if got, _ := s.SessionHistory(ctx, "s1", 0); len(got) != 0 {
		t.Fatalf("s1 history = %+v, want evicted", got)
	}
	if got, _ := s.SessionHistory(ctx, "s2", 0); len(got) != 2 {
		t.Fatalf("s2 history len = %d, want 2", len(got))
	}
	if got, _ := s.SessionHistory(ctx, "s3", 0); len(got) != 1 {
		t.Fatalf("s3 history len = %d, want 1", len(got))
	}
}

func TestStoreMode(t *testing.T) {
	if got := Mode(NewInMemoryStore()); got != ModeInMemory {
		t.Fatalf("Mode(in-memory) = %q", got)
	}
	if got := Mode(nil); got != ModeDisabled {
		t.Fatalf("Mode(nil) = %q", got)
	}
}
