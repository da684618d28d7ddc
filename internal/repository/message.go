package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/messaging/internal/logger"
	"github.com/messaging/internal/model"
)

const msgCols = `id, conversation_id, sequence, author_id, type, body, metadata, reply_to_id, created_at, deleted_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	var meta []byte
	if err := s.Scan(&m.ID, &m.ConversationID, &m.Sequence, &m.AuthorID, &m.Type, &m.Body, &meta, &m.ReplyToID, &m.CreatedAt, &m.DeletedAt); err != nil {
		return err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
	}
	return nil
}

// queryer is satisfied by both the pool and a transaction.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// appendTx allocates the next sequence by bumping conversations.last_sequence. The row lock
// taken by UPDATE serializes concurrent appenders across instances; a rollback returns
// the number, so sequences stay gap-free.
func appendTx(ctx context.Context, tx pgx.Tx, m *model.Message) error {
	var seq int64
	err := tx.QueryRow(ctx,
		`UPDATE conversations SET last_sequence = last_sequence + 1, last_message_at = GREATEST(last_message_at, $2)
		 WHERE id = $1 RETURNING last_sequence`,
		m.ConversationID, m.CreatedAt,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("allocate sequence: %w", err)
	}

	if m.ReplyToID != nil {
		var ok bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1 AND conversation_id = $2)`,
			*m.ReplyToID, m.ConversationID,
		).Scan(&ok); err != nil {
			return fmt.Errorf("check reply_to: %w", err)
		}
		if !ok {
			return model.NewValidationError("reply_to_id", "message not in this conversation")
		}
	}

	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sequence, author_id, type, body, metadata, reply_to_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.ConversationID, seq, m.AuthorID, m.Type, m.Body, meta, m.ReplyToID, m.CreatedAt,
	)
	if isSequenceConflict(err) {
		return model.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	for i, a := range m.Attachments {
		if _, err := tx.Exec(ctx,
			`INSERT INTO attachments (message_id, position, attachment_id, url) VALUES ($1, $2, $3, $4)`,
			m.ID, i, a.ID, a.URL,
		); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}
	m.Sequence = seq
	return nil
}

func (r *MessageRepository) AppendMessage(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	var seq int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		cp := *m
		if err := appendTx(ctx, tx, &cp); err != nil {
			return err
		}
		seq = cp.Sequence
		return nil
	})
	if errors.Is(err, model.ErrConflict) || errors.Is(err, model.ErrNotFound) || model.IsValidation(err) {
		return err
	}
	if err != nil {
		return fmt.Errorf("msgRepo.Append: %w", err)
	}
	m.Sequence = seq
	return nil
}

func (r *MessageRepository) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Get", time.Now())()
	m := &model.Message{}
	err := scanMessage(r.pool.QueryRow(ctx, `SELECT `+msgCols+` FROM messages WHERE id = $1`, id), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Get: %w", err)
	}
	if err := r.attachAttachments(ctx, r.pool, []*model.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *MessageRepository) GetMessages(ctx context.Context, ids []string) (map[string]*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetMany", time.Now())()
	out := make(map[string]*model.Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	msgs, err := r.queryMessages(ctx, `SELECT `+msgCols+` FROM messages WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetMany: %w", err)
	}
	for i := range msgs {
		out[msgs[i].ID] = &msgs[i]
	}
	return out, nil
}

func (r *MessageRepository) ListMessages(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.List", time.Now())()
	msgs, err := r.queryMessages(ctx,
		`SELECT `+msgCols+` FROM messages
		 WHERE conversation_id = $1 AND ($2 = 0 OR sequence < $2)
		 ORDER BY sequence DESC
		 LIMIT $3`, conversationID, beforeSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.List: %w", err)
	}
	// DB returns DESC, callers want ascending
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r *MessageRepository) LatestMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Latest", time.Now())()
	m := &model.Message{}
	err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+msgCols+` FROM messages WHERE conversation_id = $1 ORDER BY sequence DESC LIMIT 1`,
		conversationID,
	), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Latest: %w", err)
	}
	return m, nil
}

// SoftDeleteMessage keeps the row and its sequence slot; only the body goes.
func (r *MessageRepository) SoftDeleteMessage(ctx context.Context, id string, at time.Time) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	m := &model.Message{}
	err := scanMessage(r.pool.QueryRow(ctx,
		`UPDATE messages SET deleted_at = COALESCE(deleted_at, $2), body = NULL
		 WHERE id = $1 RETURNING `+msgCols, id, at,
	), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	m.Redact()
	return m, nil
}

func (r *MessageRepository) ResolveTipRequest(ctx context.Context, requestID string, status model.TipRequestStatus, at time.Time, tip *model.Message) (*model.Message, bool, error) {
	defer logger.DeferLogDuration("msg.ResolveTipRequest", time.Now())()
	var (
		req     model.Message
		changed bool
		tipSeq  int64
	)
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		req = model.Message{}
		changed = false
		err := scanMessage(tx.QueryRow(ctx, `SELECT `+msgCols+` FROM messages WHERE id = $1 FOR UPDATE`, requestID), &req)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}
		if req.Type != model.MessageTypeTipRequest || req.Metadata.TipRequest == nil {
			return model.NewValidationError("message_id", "not a tip request")
		}
		if req.Metadata.TipRequest.Status.Terminal() {
			return nil
		}
		state := *req.Metadata.TipRequest
		state.Status = status
		t := at
		state.RespondedAt = &t
		if tip != nil {
			cp := *tip
			if err := appendTx(ctx, tx, &cp); err != nil {
				return err
			}
			tipSeq = cp.Sequence
			id := tip.ID
			state.TipMessageID = &id
		}
		req.Metadata.TipRequest = &state
		meta, err := json.Marshal(req.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE messages SET metadata = $2 WHERE id = $1`, requestID, meta); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrConflict) || model.IsValidation(err) {
		return nil, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("msgRepo.ResolveTipRequest: %w", err)
	}
	if changed && tip != nil {
		tip.Sequence = tipSeq
	}
	req.Redact()
	return &req, changed, nil
}

func (r *MessageRepository) queryMessages(ctx context.Context, sql string, args ...any) ([]model.Message, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, 32)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	ptrs := make([]*model.Message, len(msgs))
	for i := range msgs {
		ptrs[i] = &msgs[i]
	}
	if err := r.attachAttachments(ctx, r.pool, ptrs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// attachAttachments loads attachments for the whole page at once.
func (r *MessageRepository) attachAttachments(ctx context.Context, q queryer, msgs []*model.Message) error {
	ids := make([]string, 0, len(msgs))
	byID := make(map[string]*model.Message, len(msgs))
	for _, m := range msgs {
		if m.DeletedAt != nil {
			continue
		}
		ids = append(ids, m.ID)
		byID[m.ID] = m
	}
	if len(ids) == 0 {
		return nil
	}
	rows, err := q.Query(ctx,
		`SELECT message_id, attachment_id, url FROM attachments
		 WHERE message_id = ANY($1) ORDER BY message_id, position`, ids,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.attachments query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var msgID string
		var a model.Attachment
		if err := rows.Scan(&msgID, &a.ID, &a.URL); err != nil {
			return fmt.Errorf("msgRepo.attachments scan: %w", err)
		}
		if m := byID[msgID]; m != nil {
			m.Attachments = append(m.Attachments, a)
		}
	}
	return rows.Err()
}
