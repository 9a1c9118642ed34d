package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"auditflow/internal/domain"
)

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "escalation", r.Header.Get("X-Auditflow-Notification"))
		assert.Equal(t, "s3cret", r.Header.Get("X-Auditflow-Secret"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(srv.URL, "s3cret", time.Second, 3)
	w.Backoff = time.Millisecond
	err := w.Notify(context.Background(), Notification{UserID: "u1", Type: domain.NotifyEscalation, Title: "Escalated"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "u1", got.UserID)
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(srv.URL, "", time.Second, 5)
	w.Backoff = time.Millisecond
	err := w.Notify(context.Background(), Notification{UserID: "u1", Type: domain.NotifyReminder})
	require.ErrorContains(t, err, "status 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcherSwallowsButReports(t *testing.T) {
	ok := &Recorder{}
	bad := &Recorder{Err: errors.New("smtp down")}
	d := Dispatcher{Notifiers: []Notifier{bad, ok, LogNotifier{Log: zap.NewNop()}}}

	err := d.Dispatch(context.Background(), Notification{UserID: "u1", Type: domain.NotifyAssignment})
	require.Error(t, err)
	assert.Len(t, ok.Sent(), 1)
	assert.Len(t, ok.OfType(domain.NotifyAssignment), 1)

	require.NoError(t, d.Dispatch(context.Background(), Notification{Type: domain.NotifyAssignment}))
	assert.Len(t, ok.Sent(), 1, "notifications without a recipient are dropped")
}
