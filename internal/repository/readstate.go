package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/messaging/internal/logger"
	"github.com/messaging/internal/model"
)

type ReadStateRepository struct {
	pool *pgxpool.Pool
}

func NewReadStateRepository(pool *pgxpool.Pool) *ReadStateRepository {
	return &ReadStateRepository{pool: pool}
}

// AdvanceLastRead never moves the cursor backwards, so a late or repeated markRead is harmless.
func (r *ReadStateRepository) AdvanceLastRead(ctx context.Context, conversationID, userID, messageID string, sequence int64) (*model.Participant, error) {
	defer logger.DeferLogDuration("read.Advance", time.Now())()
	if _, err := r.pool.Exec(ctx,
		`UPDATE conversation_participants
		 SET last_read_message_id = $3, last_read_sequence = $4
		 WHERE conversation_id = $1 AND user_id = $2 AND last_read_sequence < $4`,
		conversationID, userID, messageID, sequence,
	); err != nil {
		return nil, fmt.Errorf("readRepo.Advance update: %w", err)
	}
	p := &model.Participant{}
	err := scanParticipant(r.pool.QueryRow(ctx,
		`SELECT `+participantCols+` FROM conversation_participants p
		 WHERE p.conversation_id = $1 AND p.user_id = $2`,
		conversationID, userID,
	), p)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("readRepo.Advance select: %w", err)
	}
	return p, nil
}

func (r *ReadStateRepository) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	defer logger.DeferLogDuration("read.UnreadCount", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT `+unreadExpr+` FROM conversation_participants p
		 WHERE p.conversation_id = $1 AND p.user_id = $2`,
		conversationID, userID,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, model.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("readRepo.UnreadCount: %w", err)
	}
	return n, nil
}

func (r *ReadStateRepository) UnreadByParticipant(ctx context.Context, conversationID string) (map[string]int, error) {
	defer logger.DeferLogDuration("read.UnreadByParticipant", time.Now())()
	return r.unreadMap(ctx,
		`SELECT p.user_id, `+unreadExpr+` FROM conversation_participants p WHERE p.conversation_id = $1`,
		conversationID)
}

func (r *ReadStateRepository) UnreadTotals(ctx context.Context, userID string) (map[string]int, error) {
	defer logger.DeferLogDuration("read.UnreadTotals", time.Now())()
	return r.unreadMap(ctx,
		`SELECT p.conversation_id, `+unreadExpr+` FROM conversation_participants p WHERE p.user_id = $1`,
		userID)
}

func (r *ReadStateRepository) unreadMap(ctx context.Context, sql, arg string) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("readRepo query: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int, 8)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("readRepo scan: %w", err)
		}
		out[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("readRepo rows: %w", err)
	}
	return out, nil
}
