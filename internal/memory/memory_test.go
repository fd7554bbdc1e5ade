package memory

import (
	"context"
	"testing"
	"time"

	"github.com/knoguchi/rag/internal/domain"
)

type fakeRepo struct {
	turns map[string][]*domain.ConversationTurn
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{turns: make(map[string][]*domain.ConversationTurn)}
}

func (f *fakeRepo) Create(ctx context.Context, turn *domain.ConversationTurn) error {
	f.turns[turn.SessionID] = append(f.turns[turn.SessionID], turn)
	return nil
}

func (f *fakeRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]*domain.ConversationTurn, error) {
	all := f.turns[sessionID]
	if len(all) <= limit {
		return all, nil
	}
	return all[len(all)-limit:], nil
}

func (f *fakeRepo) LastTurnTime(ctx context.Context, sessionID string) (*domain.ConversationTurn, error) {
	all := f.turns[sessionID]
	if len(all) == 0 {
		return nil, domain.ErrNotFound
	}
	return all[len(all)-1], nil
}

func (f *fakeRepo) DeleteExpired(ctx context.Context, olderThanSeconds int64) (int, error) {
	return 0, nil
}

func TestStore_GetRecentContext_TokenBudget(t *testing.T) {
	repo := newFakeRepo()
	store := NewStore(repo, 10, 24*time.Hour)

	ctx := context.Background()
	now := time.Now()
	store.AddTurn(ctx, &domain.ConversationTurn{SessionID: "s1", Question: "q1", Answer: "a1", Timestamp: now.Add(-2 * time.Minute)})
	store.AddTurn(ctx, &domain.ConversationTurn{SessionID: "s1", Question: "q2", Answer: "a2", Timestamp: now.Add(-1 * time.Minute)})

	text, err := store.GetRecentContext(ctx, "s1", 3, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text == "" {
		t.Fatal("expected non-empty context")
	}
	// oldest turn should appear before the newest in the transcript.
	i1 := indexOf(text, "q1")
	i2 := indexOf(text, "q2")
	if i1 == -1 || i2 == -1 || i1 > i2 {
		t.Errorf("expected chronological order, got: %q", text)
	}
}

func TestStore_SessionExpiry(t *testing.T) {
	repo := newFakeRepo()
	store := NewStore(repo, 10, 1*time.Millisecond)

	ctx := context.Background()
	store.AddTurn(ctx, &domain.ConversationTurn{SessionID: "s1", Question: "q1", Answer: "a1", Timestamp: time.Now()})

	time.Sleep(5 * time.Millisecond)

	history, err := store.GetHistory(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected expired session to yield no history, got %d turns", len(history))
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
