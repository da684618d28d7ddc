package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifySendsBadge(t *testing.T) {
	got := make(chan NotifyRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/notify", r.URL.Path)
		var in NotifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		got <- in
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	require.True(t, c.Enabled())
	c.UnreadChanged(context.Background(), "bob", "c1", 3)

	in := <-got
	assert.Equal(t, "bob", in.UserID)
	assert.Equal(t, 3, in.Badge)
	assert.Equal(t, "c1", in.Data["conversation_id"])
}

func TestDisabledClientIsNoop(t *testing.T) {
	c := NewClient("")
	assert.False(t, c.Enabled())
	c.UnreadChanged(context.Background(), "bob", "c1", 1)
	c.Notify(context.Background(), NotifyRequest{UserID: "bob"})
}
