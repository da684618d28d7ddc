package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messaging/internal/model"
)

func conv(id string, group bool, at time.Time, users ...string) *model.Conversation {
	c := &model.Conversation{ID: id, IsGroup: group, CreatedAt: at}
	for _, u := range users {
		c.Participants = append(c.Participants, model.Participant{UserID: u, Role: model.RoleMember, JoinedAt: at})
	}
	return c
}

func TestFindDirectConversation(t *testing.T) {
	ctx := context.Background()
	st := New()
	now := time.Now()
	require.NoError(t, st.CreateConversation(ctx, conv("g1", true, now, "a", "b")))
	require.NoError(t, st.CreateConversation(ctx, conv("d2", false, now.Add(time.Second), "a", "b")))
	require.NoError(t, st.CreateConversation(ctx, conv("d1", false, now, "a", "b")))
	require.NoError(t, st.CreateConversation(ctx, conv("d3", false, now, "a", "c")))

	c, err := st.FindDirectConversation(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, "d1", c.ID, "oldest direct conversation wins")
	assert.Len(t, c.Participants, 2)

	_, err = st.FindDirectConversation(ctx, "b", "c")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeleteConversationOnlyWhenEmpty(t *testing.T) {
	ctx := context.Background()
	st := New()
	now := time.Now()
	require.NoError(t, st.CreateConversation(ctx, conv("empty", false, now, "a", "b")))
	require.NoError(t, st.CreateConversation(ctx, conv("used", false, now, "a", "c")))
	body := "hi"
	a := "a"
	require.NoError(t, st.AppendMessage(ctx, &model.Message{ID: "m1", ConversationID: "used", AuthorID: &a, Type: model.MessageTypeText, Body: &body, CreatedAt: now}))

	require.NoError(t, st.DeleteConversation(ctx, "empty"))
	_, err := st.GetConversation(ctx, "empty")
	assert.ErrorIs(t, err, model.ErrNotFound)
	convs, err := st.ListConversations(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, convs)

	assert.ErrorIs(t, st.DeleteConversation(ctx, "used"), model.ErrConflict)
	assert.ErrorIs(t, st.DeleteConversation(ctx, "missing"), model.ErrNotFound)
}

func TestLastMessageAtNeverMovesBack(t *testing.T) {
	ctx := context.Background()
	st := New()
	now := time.Now().UTC()
	require.NoError(t, st.CreateConversation(ctx, conv("c1", false, now, "a", "b")))
	a := "a"
	body := "x"
	later, earlier := now.Add(2*time.Second), now.Add(time.Second)
	require.NoError(t, st.AppendMessage(ctx, &model.Message{ID: "m1", ConversationID: "c1", AuthorID: &a, Type: model.MessageTypeText, Body: &body, CreatedAt: later}))
	require.NoError(t, st.AppendMessage(ctx, &model.Message{ID: "m2", ConversationID: "c1", AuthorID: &a, Type: model.MessageTypeText, Body: &body, CreatedAt: earlier}))

	c, err := st.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, c.LastMessageAt)
	assert.True(t, c.LastMessageAt.Equal(later))
	assert.Equal(t, int64(2), c.LastSequence)
}
