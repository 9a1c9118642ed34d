package auditflowsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartInstanceSendsActorHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/instances", r.URL.Path)
		assert.Equal(t, "alice", r.Header.Get("X-Actor-Id"))
		var req StartRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "finding", req.Module)
		assert.Equal(t, "F-1", req.EntityID)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"instance":{"id":"i1","entity_id":"F-1","current_node_id":"review","status":"Running"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/v1/")
	c.ActorID = "alice"
	res, err := c.StartInstance(context.Background(), StartRequest{Module: "finding", EntityID: "F-1"})
	require.NoError(t, err)
	assert.Equal(t, "i1", res.Instance.ID)
	assert.Equal(t, "review", res.Instance.CurrentNodeID)
	assert.Empty(t, res.Error)
}

func TestBearerTokenWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("X-Actor-Id"))
		assert.Equal(t, "/me/assignments", r.URL.Path)
		_, _ = w.Write([]byte(`[{"id":"a1","workflow_instance_id":"i1","step_id":"review","kind":"process","status":"pending"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken, c.ActorID = "tok", "alice"
	list, err := c.Inbox(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "i1", list[0].InstanceID)
}

func TestErrorEnvelopeDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/assignments/a%2F1/complete", r.URL.EscapedPath())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"conflict","message":"assignment a/1 is completed"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).CompleteTask(context.Background(), "a/1", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "conflict", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "code=conflict")
}

func TestVoteDecodesTally(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "approved", body["decision"])
		_, _ = w.Write([]byte(`{"vote":{"id":"v1","approver_id":"bob","decision":"approved"},"tally":{"resolved":false,"approved":["bob"],"rejected":[],"pending":["carol"]},"instance":{"id":"i1"}}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL).Vote(context.Background(), "a1", "approved", "")
	require.NoError(t, err)
	assert.False(t, res.Tally.Resolved)
	assert.Equal(t, []string{"carol"}, res.Tally.Pending)
	assert.Equal(t, "bob", res.Vote.ApproverID)
}
