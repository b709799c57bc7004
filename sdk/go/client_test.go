package wardensdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSendsActionDataAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/manifests/reply/execute", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"to": "x"}, body["action_data"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[],"actionResult":{"success":true,"resultData":{"actionId":"a1","status":"pending"}},"meta":{"operatorsApplied":["draft:stage"]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	res, err := c.Execute(context.Background(), "reply", map[string]any{"to": "x"})
	require.NoError(t, err)
	assert.Equal(t, "a1", res.ActionID())
	assert.Equal(t, []string{"draft:stage"}, res.Meta.OperatorsApplied)
}

func TestErrorsCarryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"invalid_transition"}}`))
	}))
	defer srv.Close()

	_, _, err := New(srv.URL, "").Commit(context.Background(), "a1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "invalid_transition")
}
