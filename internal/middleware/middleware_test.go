package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoUser(w http.ResponseWriter, r *http.Request) {
	id, _ := GetIdentity(r.Context())
	_ = json.NewEncoder(w).Encode(id)
}

func TestDevIdentity(t *testing.T) {
	h := DevIdentity(http.HandlerFunc(echoUser))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/unread", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/unread", nil)
	req.Header.Set("X-User-Id", "alice")
	req.Header.Set("X-User-Name", "Alice")
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var id Identity
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&id))
	assert.Equal(t, Identity{UserID: "alice", Name: "Alice"}, id)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?user_id=bob", nil))
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&id))
	assert.Equal(t, "bob", id.Name)
}

func TestAuthServiceValidate(t *testing.T) {
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in["signature"] != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "/api/conversations", in["path"])
		_ = json.NewEncoder(w).Encode(Identity{UserID: "alice", Name: "Alice"})
	}))
	defer auth.Close()
	h := AuthServiceValidate(auth.URL+"/", nil)(http.HandlerFunc(echoUser))

	send := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
		req.Header.Set("X-Session-Id", "sess-123456")
		req.Header.Set("X-Timestamp", "1700000000")
		req.Header.Set("X-Signature", sig)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	assert.Equal(t, http.StatusUnauthorized, send("bad").Code)
	rec := send("good")
	require.Equal(t, http.StatusOK, rec.Code)
	var id Identity
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&id))
	assert.Equal(t, "alice", id.UserID)
}

func TestRateLimitAPI(t *testing.T) {
	h := DevIdentity(RateLimitAPI(0.001, 2)(http.HandlerFunc(echoUser)))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/unread", nil)
		req.Header.Set("X-User-Id", "alice")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestInternalOnly(t *testing.T) {
	h := InternalOnly("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	req := httptest.NewRequest(http.MethodGet, "/internal/x", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/internal/x", nil)
	req.RemoteAddr = "8.8.8.8:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/internal/x", nil)
	req.RemoteAddr = "8.8.8.8:5555"
	req.Header.Set("X-Internal-Secret", "s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRecoverJSON(t *testing.T) {
	h := RecoverJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestMaskID(t *testing.T) {
	assert.Equal(t, "sess***", maskID("sess-123456"))
	assert.Equal(t, "****", maskID("abc"))
}
