package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/messaging/internal/logger"
	"github.com/messaging/internal/model"
)

type ReactionRepository struct {
	pool *pgxpool.Pool
}

func NewReactionRepository(pool *pgxpool.Pool) *ReactionRepository {
	return &ReactionRepository{pool: pool}
}

// AddReaction is idempotent: an existing (message, user, emoji, variant) row is left alone.
func (r *ReactionRepository) AddReaction(ctx context.Context, rc model.Reaction) (bool, error) {
	defer logger.DeferLogDuration("reaction.Add", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO reactions (message_id, user_id, emoji, variant, created_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
		rc.MessageID, rc.UserID, rc.Emoji, rc.Variant, rc.CreatedAt,
	)
	if isForeignKeyViolation(err) {
		return false, model.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("reactionRepo.Add: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ReactionRepository) RemoveReaction(ctx context.Context, messageID, userID, emoji, variant string) (bool, error) {
	defer logger.DeferLogDuration("reaction.Remove", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3 AND variant = $4`,
		messageID, userID, emoji, variant,
	)
	if err != nil {
		return false, fmt.Errorf("reactionRepo.Remove: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListReactions batch-loads reactions for a set of messages.
func (r *ReactionRepository) ListReactions(ctx context.Context, messageIDs []string) (map[string][]model.Reaction, error) {
	defer logger.DeferLogDuration("reaction.List", time.Now())()
	out := make(map[string][]model.Reaction, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, user_id, emoji, variant, created_at
		 FROM reactions
		 WHERE message_id = ANY($1)
		 ORDER BY created_at, user_id`, messageIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("reactionRepo.List query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rc model.Reaction
		if err := rows.Scan(&rc.MessageID, &rc.UserID, &rc.Emoji, &rc.Variant, &rc.CreatedAt); err != nil {
			return nil, fmt.Errorf("reactionRepo.List scan: %w", err)
		}
		out[rc.MessageID] = append(out[rc.MessageID], rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reactionRepo.List rows: %w", err)
	}
	return out, nil
}
