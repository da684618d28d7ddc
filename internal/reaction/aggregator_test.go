package reaction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messaging/internal/authz"
	"github.com/messaging/internal/broadcast"
	"github.com/messaging/internal/model"
	"github.com/messaging/internal/storage/memory"
)

type pubRecorder struct {
	mu   sync.Mutex
	seen []broadcast.ReactionPayload
}

func (p *pubRecorder) ReactionChanged(ev broadcast.ReactionPayload) {
	p.mu.Lock()
	p.seen = append(p.seen, ev)
	p.mu.Unlock()
}

func setup(t *testing.T) (*Aggregator, *memory.Store, *pubRecorder) {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	now := time.Now()
	require.NoError(t, st.CreateConversation(ctx, &model.Conversation{
		ID:        "c1",
		CreatedAt: now,
		Participants: []model.Participant{
			{UserID: "alice", Role: model.RoleMember, JoinedAt: now},
			{UserID: "bob", Role: model.RoleMember, JoinedAt: now},
		},
	}))
	alice := "alice"
	body := "hi"
	require.NoError(t, st.AppendMessage(ctx, &model.Message{
		ID: "m1", ConversationID: "c1", AuthorID: &alice, Type: model.MessageTypeText, Body: &body, CreatedAt: now,
	}))
	pub := &pubRecorder{}
	return New(st, authz.ParticipantPolicy{}, pub), st, pub
}

func TestAddIsIdempotent(t *testing.T) {
	agg, _, pub := setup(t)
	ctx := context.Background()

	res, err := agg.Add(ctx, "m1", "bob", "👍", "")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, []model.ReactionSummary{{Emoji: "👍", Count: 1, ViewerReacted: true}}, res.Summary)

	res, err = agg.Add(ctx, "m1", "bob", "👍", "")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 1, res.Summary[0].Count)
	assert.Len(t, pub.seen, 1)
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	agg, _, pub := setup(t)
	res, err := agg.Remove(context.Background(), "m1", "bob", "👍", "")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Empty(t, res.Summary)
	assert.Empty(t, pub.seen)
}

func TestToggleSequenceEndsAtLastCall(t *testing.T) {
	agg, _, _ := setup(t)
	ctx := context.Background()
	ops := []bool{true, false, true, true, false, false, true}
	var last *Result
	for _, add := range ops {
		var err error
		if add {
			last, err = agg.Add(ctx, "m1", "bob", "❤️", "")
		} else {
			last, err = agg.Remove(ctx, "m1", "bob", "❤️", "")
		}
		require.NoError(t, err)
	}
	require.Len(t, last.Summary, 1)
	assert.True(t, last.Summary[0].ViewerReacted)
}

func TestSummaryGroupsByEmojiAndVariant(t *testing.T) {
	agg, _, _ := setup(t)
	ctx := context.Background()
	_, err := agg.Add(ctx, "m1", "alice", "👍", "")
	require.NoError(t, err)
	_, err = agg.Add(ctx, "m1", "bob", "👍", "")
	require.NoError(t, err)
	_, err = agg.Add(ctx, "m1", "bob", "👍", "skin-3")
	require.NoError(t, err)

	sum, err := agg.Summarize(ctx, "m1", "alice")
	require.NoError(t, err)
	require.Len(t, sum, 2)
	assert.Equal(t, model.ReactionSummary{Emoji: "👍", Count: 2, ViewerReacted: true}, sum[0])
	assert.Equal(t, model.ReactionSummary{Emoji: "👍", Variant: "skin-3", Count: 1, ViewerReacted: false}, sum[1])
}

func TestRejectsStrangersAndBadInput(t *testing.T) {
	agg, st, _ := setup(t)
	ctx := context.Background()

	_, err := agg.Add(ctx, "m1", "mallory", "👍", "")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = agg.Add(ctx, "m1", "bob", "", "")
	assert.True(t, model.IsValidation(err))

	_, err = agg.Add(ctx, "missing", "bob", "👍", "")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = st.SoftDeleteMessage(ctx, "m1", time.Now())
	require.NoError(t, err)
	_, err = agg.Add(ctx, "m1", "bob", "👍", "")
	assert.True(t, model.IsValidation(err))
}

func TestConcurrentAddsCountOnce(t *testing.T) {
	agg, _, pub := setup(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := agg.Add(ctx, "m1", "bob", "🔥", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	sum, err := agg.Summarize(ctx, "m1", "bob")
	require.NoError(t, err)
	require.Len(t, sum, 1)
	assert.Equal(t, 1, sum[0].Count)
	assert.Len(t, pub.seen, 1)
}
