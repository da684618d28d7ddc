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

const convCols = `c.id, c.title, c.is_group, c.created_by, c.created_at, c.last_message_at, c.last_sequence`

// unreadExpr counts visible messages after the participant's cursor not written by them.
// Expects the participant row aliased as p.
const unreadExpr = `(SELECT COUNT(*) FROM messages m
	WHERE m.conversation_id = p.conversation_id
	  AND m.sequence > p.last_read_sequence
	  AND m.deleted_at IS NULL
	  AND m.author_id IS DISTINCT FROM p.user_id)`

const participantCols = `p.conversation_id, p.user_id, p.role, p.joined_at, p.last_read_message_id, p.last_read_sequence, ` + unreadExpr

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func scanConversation(s interface{ Scan(dest ...any) error }, c *model.Conversation) error {
	return s.Scan(&c.ID, &c.Title, &c.IsGroup, &c.CreatedBy, &c.CreatedAt, &c.LastMessageAt, &c.LastSequence)
}

func scanParticipant(s interface{ Scan(dest ...any) error }, p *model.Participant) error {
	return s.Scan(&p.ConversationID, &p.UserID, &p.Role, &p.JoinedAt, &p.LastReadMessageID, &p.LastReadSequence, &p.UnreadCount)
}

func (r *ConversationRepository) CreateConversation(ctx context.Context, c *model.Conversation) error {
	defer logger.DeferLogDuration("conv.Create", time.Now())()
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversations (id, title, is_group, created_by, created_at, last_sequence)
			 VALUES ($1, $2, $3, $4, $5, 0)`,
			c.ID, c.Title, c.IsGroup, c.CreatedBy, c.CreatedAt,
		); err != nil {
			return err
		}
		for _, p := range c.Participants {
			if _, err := tx.Exec(ctx,
				`INSERT INTO conversation_participants (conversation_id, user_id, role, joined_at)
				 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
				c.ID, p.UserID, p.Role, p.JoinedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("convRepo.Create: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.Get", time.Now())()
	c := &model.Conversation{}
	err := scanConversation(r.pool.QueryRow(ctx, `SELECT `+convCols+` FROM conversations c WHERE c.id = $1`, id), c)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.Get: %w", err)
	}
	byConv, err := r.participantsFor(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	c.Participants = byConv[id]
	return c, nil
}

// FindDirectConversation returns the oldest non-group conversation of exactly userA and userB.
func (r *ConversationRepository) FindDirectConversation(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.FindDirect", time.Now())()
	var id string
	err := r.pool.QueryRow(ctx,
		`SELECT c.id FROM conversations c
		 WHERE c.is_group = false
		   AND EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = c.id AND user_id = $1)
		   AND EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = c.id AND user_id = $2)
		   AND (SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = c.id) = 2
		 ORDER BY c.created_at
		 LIMIT 1`,
		userA, userB,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.FindDirect: %w", err)
	}
	return r.GetConversation(ctx, id)
}

// DeleteConversation removes a conversation that never got a message.
func (r *ConversationRepository) DeleteConversation(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("conv.Delete", time.Now())()
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var last int64
		err := tx.QueryRow(ctx, `SELECT last_sequence FROM conversations WHERE id = $1 FOR UPDATE`, id).Scan(&last)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}
		if last > 0 {
			return model.ErrConflict
		}
		if _, err := tx.Exec(ctx, `DELETE FROM conversation_participants WHERE conversation_id = $1`, id); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
		return err
	})
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrConflict) {
		return err
	}
	if err != nil {
		return fmt.Errorf("convRepo.Delete: %w", err)
	}
	return nil
}

// participantsFor batch-loads participants of several conversations in one query.
func (r *ConversationRepository) participantsFor(ctx context.Context, ids []string) (map[string][]model.Participant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+participantCols+`
		 FROM conversation_participants p
		 WHERE p.conversation_id = ANY($1)
		 ORDER BY p.joined_at, p.user_id`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.participants query: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.Participant, len(ids))
	for rows.Next() {
		var p model.Participant
		if err := scanParticipant(rows, &p); err != nil {
			return nil, fmt.Errorf("convRepo.participants scan: %w", err)
		}
		out[p.ConversationID] = append(out[p.ConversationID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.participants rows: %w", err)
	}
	return out, nil
}

func (r *ConversationRepository) ListConversations(ctx context.Context, userID string) ([]model.ConversationWithUnread, error) {
	defer logger.DeferLogDuration("conv.List", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+convCols+`, `+unreadExpr+`
		 FROM conversations c
		 JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = $1
		 ORDER BY COALESCE(c.last_message_at, c.created_at) DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.List query: %w", err)
	}
	defer rows.Close()

	out := make([]model.ConversationWithUnread, 0, 16)
	for rows.Next() {
		var cw model.ConversationWithUnread
		c := &cw.Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.IsGroup, &c.CreatedBy, &c.CreatedAt, &c.LastMessageAt, &c.LastSequence, &cw.UnreadCount); err != nil {
			return nil, fmt.Errorf("convRepo.List scan: %w", err)
		}
		out = append(out, cw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.List rows: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]string, len(out))
	for i := range out {
		ids[i] = out[i].Conversation.ID
	}
	byConv, err := r.participantsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Conversation.Participants = byConv[out[i].Conversation.ID]
	}
	return out, nil
}

func (r *ConversationRepository) AddParticipant(ctx context.Context, p model.Participant) error {
	defer logger.DeferLogDuration("conv.AddParticipant", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversation_participants (conversation_id, user_id, role, joined_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		p.ConversationID, p.UserID, p.Role, p.JoinedAt,
	)
	if isForeignKeyViolation(err) {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("convRepo.AddParticipant: %w", err)
	}
	return nil
}

func (r *ConversationRepository) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	defer logger.DeferLogDuration("conv.RemoveParticipant", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.RemoveParticipant: %w", err)
	}
	return nil
}
