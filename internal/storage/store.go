package storage

import (
	"context"
	"time"

	"github.com/messaging/internal/model"
)

// ConversationStore: беседы и участники.
// Реализации: repository (Postgres), memory.Store (для -dev и тестов).
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *model.Conversation) error
	// GetConversation возвращает беседу вместе с участниками; model.ErrNotFound если её нет.
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// FindDirectConversation: личная беседа пары пользователей, порядок аргументов не важен.
	FindDirectConversation(ctx context.Context, userA, userB string) (*model.Conversation, error)
	// DeleteConversation удаляет беседу без сообщений (откат неудачного первого сообщения).
	// Беседа с сообщениями не трогается: model.ErrConflict.
	DeleteConversation(ctx context.Context, id string) error
	ListConversations(ctx context.Context, userID string) ([]model.ConversationWithUnread, error)
	AddParticipant(ctx context.Context, p model.Participant) error
	RemoveParticipant(ctx context.Context, conversationID, userID string) error
}

// MessageStore: сообщения. AppendMessage единственный путь записи нового сообщения:
// он выделяет last_sequence+1 атомарно в рамках беседы и обновляет last_message_at.
type MessageStore interface {
	AppendMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// GetMessages загружает пачку сообщений по id одним запросом (reply_to и т.п.).
	GetMessages(ctx context.Context, ids []string) (map[string]*model.Message, error)
	// ListMessages возвращает до limit сообщений с sequence < beforeSeq (0: без курсора)
	// в порядке возрастания sequence.
	ListMessages(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]model.Message, error)
	LatestMessage(ctx context.Context, conversationID string) (*model.Message, error)
	// SoftDeleteMessage ставит deleted_at; повторный вызов возвращает уже удалённое сообщение.
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) (*model.Message, error)
	// ResolveTipRequest переводит pending-запрос в терминальный статус. Если tip != nil,
	// tip-сообщение добавляется в той же транзакции. changed=false: запрос уже был решён,
	// возвращается его текущее состояние.
	ResolveTipRequest(ctx context.Context, requestID string, status model.TipRequestStatus, at time.Time, tip *model.Message) (req *model.Message, changed bool, err error)
}

// ReactionStore: реакции, уникальные по (message, user, emoji, variant).
type ReactionStore interface {
	AddReaction(ctx context.Context, r model.Reaction) (added bool, err error)
	RemoveReaction(ctx context.Context, messageID, userID, emoji, variant string) (removed bool, err error)
	ListReactions(ctx context.Context, messageIDs []string) (map[string][]model.Reaction, error)
}

// ReadStateStore: курсоры прочтения. Непрочитанные всегда считаются из курсора:
// count(sequence > last_read_sequence, автор != user, не удалено).
type ReadStateStore interface {
	// AdvanceLastRead двигает курсор только вперёд и возвращает участника с пересчитанным unread.
	AdvanceLastRead(ctx context.Context, conversationID, userID, messageID string, sequence int64) (*model.Participant, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
	// UnreadByParticipant: unread для каждого участника беседы.
	UnreadByParticipant(ctx context.Context, conversationID string) (map[string]int, error)
	UnreadTotals(ctx context.Context, userID string) (map[string]int, error)
}

// ActiveRegistry: какая беседа сейчас открыта у пользователя (сигнал от UI).
// Реализации: redis.Client (общая для инстансов), memory.ActiveRegistry.
type ActiveRegistry interface {
	SetActive(ctx context.Context, userID, conversationID string, ttl time.Duration) error
	ClearActive(ctx context.Context, userID, conversationID string) error
	// ActiveIn возвращает тех из userIDs, у кого открыта conversationID.
	ActiveIn(ctx context.Context, conversationID string, userIDs []string) ([]string, error)
}

// Store объединяет всё постоянное хранилище подсистемы.
type Store interface {
	ConversationStore
	MessageStore
	ReactionStore
	ReadStateStore
	Close() error
}
