package attachment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messaging/internal/model"
)

func TestResolveAgainstFileService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in resolveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		out := resolveResponse{}
		for _, id := range in.IDs {
			if id == "a1" || id == "a2" {
				out.Files = append(out.Files, model.Attachment{ID: id, URL: "https://files/" + id})
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()
	c := NewClient(srv.URL)

	got, err := c.Resolve(context.Background(), []string{"a2", "a1"})
	require.NoError(t, err)
	assert.Equal(t, []model.Attachment{{ID: "a2", URL: "https://files/a2"}, {ID: "a1", URL: "https://files/a1"}}, got)

	_, err = c.Resolve(context.Background(), []string{"a1", "zz"})
	assert.True(t, model.IsValidation(err))
}

func TestResolveWithoutService(t *testing.T) {
	c := NewClient("")
	got, err := c.Resolve(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, []model.Attachment{{ID: "x"}}, got)

	_, err = c.Resolve(context.Background(), []string{"x", "x"})
	assert.True(t, model.IsValidation(err))
	_, err = c.Resolve(context.Background(), []string{" "})
	assert.True(t, model.IsValidation(err))
}
