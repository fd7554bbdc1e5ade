// Package memory implements conversation memory (4.O): durable persistence
// of conversation turns in the metadata store, fronted by an in-memory
// per-session cache so repeated reads within a session's lifetime avoid a
// round trip.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/knoguchi/rag/internal/domain"
	"github.com/knoguchi/rag/internal/repository"
)

// DefaultMaxHistoryLength is the default number of turns kept per session.
const DefaultMaxHistoryLength = 10

// DefaultSessionTimeout is the default session liveness window: a session
// is considered live as long as its most recent turn is within this window.
const DefaultSessionTimeout = 24 * time.Hour

// Store provides conversation history storage backed by the metadata store,
// with an in-memory cache keyed by session ID.
type Store struct {
	repo           repository.ConversationRepository
	maxHistoryLen  int
	sessionTimeout time.Duration

	mu    sync.RWMutex
	cache map[string][]*domain.ConversationTurn
}

// NewStore creates a new conversation memory store over repo.
func NewStore(repo repository.ConversationRepository, maxHistoryLen int, sessionTimeout time.Duration) *Store {
	if maxHistoryLen <= 0 {
		maxHistoryLen = DefaultMaxHistoryLength
	}
	if sessionTimeout <= 0 {
		sessionTimeout = DefaultSessionTimeout
	}
	return &Store{
		repo:           repo,
		maxHistoryLen:  maxHistoryLen,
		sessionTimeout: sessionTimeout,
		cache:          make(map[string][]*domain.ConversationTurn),
	}
}

// AddTurn persists a conversation turn and updates the in-memory cache.
func (s *Store) AddTurn(ctx context.Context, turn *domain.ConversationTurn) error {
	if err := s.repo.Create(ctx, turn); err != nil {
		return fmt.Errorf("persisting conversation turn: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	history := append(s.cache[turn.SessionID], turn)
	if len(history) > s.maxHistoryLen {
		history = history[len(history)-s.maxHistoryLen:]
	}
	s.cache[turn.SessionID] = history
	return nil
}

// GetHistory returns up to limit turns for a session, oldest-first. It
// serves from the in-memory cache when the cached session is still live;
// otherwise it reloads from the metadata store and filters out turns from
// an expired session.
func (s *Store) GetHistory(ctx context.Context, sessionID string, limit int) ([]*domain.ConversationTurn, error) {
	if limit <= 0 {
		limit = s.maxHistoryLen
	}

	s.mu.RLock()
	cached, ok := s.cache[sessionID]
	s.mu.RUnlock()

	if ok && len(cached) > 0 && s.isLive(cached[len(cached)-1].Timestamp) {
		return tail(cached, limit), nil
	}

	history, err := s.repo.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading conversation history: %w", err)
	}

	live := history[:0:0]
	for _, turn := range history {
		if s.isLive(turn.Timestamp) {
			live = append(live, turn)
		}
	}

	s.mu.Lock()
	s.cache[sessionID] = live
	s.mu.Unlock()

	return tail(live, limit), nil
}

// GetRecentContext builds a "Q: ...\nA: ..." transcript from the most
// recent maxTurns turns of a session, truncated to a token budget estimated
// as ⌈len(text)/4⌉, scanning newest-first and emitting oldest-first so the
// transcript reads chronologically.
func (s *Store) GetRecentContext(ctx context.Context, sessionID string, maxTurns, maxTokens int) (string, error) {
	history, err := s.GetHistory(ctx, sessionID, maxTurns)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", nil
	}

	var parts []string
	totalTokens := 0
	for i := len(history) - 1; i >= 0; i-- {
		turn := history[i]
		text := fmt.Sprintf("Q: %s\nA: %s", turn.Question, turn.Answer)
		tokens := (len(text) + 3) / 4
		if totalTokens+tokens > maxTokens {
			break
		}
		parts = append([]string{text}, parts...)
		totalTokens += tokens
	}

	return strings.Join(parts, "\n\n"), nil
}

// ClearSession removes a session's cached history; the persisted turns are
// left intact.
func (s *Store) ClearSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, sessionID)
}

// PruneExpired deletes persisted turns belonging to sessions inactive for
// longer than the configured session timeout, and evicts any matching
// cache entries.
func (s *Store) PruneExpired(ctx context.Context) (int, error) {
	removed, err := s.repo.DeleteExpired(ctx, int64(s.sessionTimeout.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("pruning expired conversations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, history := range s.cache {
		if len(history) == 0 || !s.isLive(history[len(history)-1].Timestamp) {
			delete(s.cache, id)
		}
	}

	return removed, nil
}

func (s *Store) isLive(lastTurn time.Time) bool {
	return time.Since(lastTurn) <= s.sessionTimeout
}

func tail(turns []*domain.ConversationTurn, limit int) []*domain.ConversationTurn {
	if len(turns) <= limit {
		return turns
	}
	return turns[len(turns)-limit:]
}

// SessionSummary reports aggregate statistics for a session's history.
type SessionSummary struct {
	SessionID           string
	TotalTurns          int
	TotalTokensUsed     int
	AverageRelevance    float64
	AverageResponseTime time.Duration
	SessionStart        time.Time
	LastActivity        time.Time
}

// Summarize computes a SessionSummary from a session's full (uncapped)
// history.
func Summarize(sessionID string, history []*domain.ConversationTurn) SessionSummary {
	if len(history) == 0 {
		return SessionSummary{SessionID: sessionID}
	}

	sorted := make([]*domain.ConversationTurn, len(history))
	copy(sorted, history)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var totalTokens int
	var relevanceSum float64
	var responseTimeSum time.Duration
	for _, turn := range sorted {
		totalTokens += turn.TokensUsed
		relevanceSum += turn.RelevanceScore
		responseTimeSum += turn.ResponseTime
	}

	n := float64(len(sorted))
	return SessionSummary{
		SessionID:           sessionID,
		TotalTurns:          len(sorted),
		TotalTokensUsed:     totalTokens,
		AverageRelevance:    relevanceSum / n,
		AverageResponseTime: responseTimeSum / time.Duration(len(sorted)),
		SessionStart:        sorted[0].Timestamp,
		LastActivity:        sorted[len(sorted)-1].Timestamp,
	}
}
