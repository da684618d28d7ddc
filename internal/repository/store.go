package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/messaging/internal/storage"
)

// Store: Postgres-реализация storage.Store поверх одного пула.
type Store struct {
	*ConversationRepository
	*MessageRepository
	*ReactionRepository
	*ReadStateRepository
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		ConversationRepository: NewConversationRepository(pool),
		MessageRepository:      NewMessageRepository(pool),
		ReactionRepository:     NewReactionRepository(pool),
		ReadStateRepository:    NewReadStateRepository(pool),
		pool:                   pool,
	}
}

// Close is a no-op: the pool is owned by main.
func (s *Store) Close() error { return nil }
