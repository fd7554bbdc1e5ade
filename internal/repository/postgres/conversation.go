package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/rag/internal/domain"
	"github.com/knoguchi/rag/internal/repository"
)

// ConversationRepo implements repository.ConversationRepository.
type ConversationRepo struct {
	db *DB
}

// NewConversationRepo creates a new conversation repository.
func NewConversationRepo(db *DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// Create inserts a conversation turn.
func (r *ConversationRepo) Create(ctx context.Context, turn *domain.ConversationTurn) error {
	chunksJSON, err := json.Marshal(turn.RetrievedChunks)
	if err != nil {
		return fmt.Errorf("marshaling retrieved chunks: %w", err)
	}

	query := `
		INSERT INTO conversation_turns
			(id, session_id, question, answer, retrieved_chunks, tokens_used, relevance_score, response_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		turn.ID, turn.SessionID, turn.Question, turn.Answer, chunksJSON,
		turn.TokensUsed, turn.RelevanceScore, turn.ResponseTime.Milliseconds(), turn.Timestamp)
	if err != nil {
		return fmt.Errorf("creating conversation turn: %w", err)
	}
	return nil
}

// ListBySession returns the most recent limit turns for a session, ordered
// oldest-first.
func (r *ConversationRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]*domain.ConversationTurn, error) {
	query := `
		SELECT id, session_id, question, answer, retrieved_chunks, tokens_used, relevance_score, response_time_ms, created_at
		FROM conversation_turns
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversation turns: %w", err)
	}
	defer rows.Close()

	var turns []*domain.ConversationTurn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	return turns, nil
}

// LastTurnTime returns the most recent turn for a session, or
// domain.ErrNotFound if the session has no turns.
func (r *ConversationRepo) LastTurnTime(ctx context.Context, sessionID string) (*domain.ConversationTurn, error) {
	query := `
		SELECT id, session_id, question, answer, retrieved_chunks, tokens_used, relevance_score, response_time_ms, created_at
		FROM conversation_turns
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanTurn(r.db.Pool.QueryRow(ctx, query, sessionID))
}

// DeleteExpired removes turns belonging to sessions whose most recent turn
// is older than olderThanSeconds, implementing the session TTL (4.O).
func (r *ConversationRepo) DeleteExpired(ctx context.Context, olderThanSeconds int64) (int, error) {
	query := `
		DELETE FROM conversation_turns
		WHERE session_id IN (
			SELECT session_id FROM conversation_turns
			GROUP BY session_id
			HAVING MAX(created_at) < NOW() - make_interval(secs => $1)
		)
	`
	result, err := r.db.Pool.Exec(ctx, query, olderThanSeconds)
	if err != nil {
		return 0, fmt.Errorf("deleting expired conversations: %w", err)
	}
	return int(result.RowsAffected()), nil
}

func scanTurn(row pgx.Row) (*domain.ConversationTurn, error) {
	var t domain.ConversationTurn
	var chunksJSON []byte
	var responseTimeMs int64

	err := row.Scan(&t.ID, &t.SessionID, &t.Question, &t.Answer, &chunksJSON,
		&t.TokensUsed, &t.RelevanceScore, &responseTimeMs, &t.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scanning conversation turn: %w", err)
	}

	if err := json.Unmarshal(chunksJSON, &t.RetrievedChunks); err != nil {
		return nil, fmt.Errorf("unmarshaling retrieved chunks: %w", err)
	}
	t.ResponseTime = time.Duration(responseTimeMs) * time.Millisecond

	return &t, nil
}

// Ensure ConversationRepo implements the interface.
var _ repository.ConversationRepository = (*ConversationRepo)(nil)
