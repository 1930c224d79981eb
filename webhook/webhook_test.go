package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastSender(maxRetries int) *Sender {
	return NewSender(time.Second, maxRetries, WithInitialInterval(time.Millisecond))
}

func TestSendDeliversPayload(t *testing.T) {
	var received Payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := fastSender(3).Send(context.Background(), server.URL, Payload{
		TaskID: "t-1",
		Status: "completed",
		Data:   map[string]any{"text": "done"},
	})
	require.NoError(t, err)
	assert.Equal(t, "t-1", received.TaskID)
	assert.Equal(t, "completed", received.Status)
}

func TestSendRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := fastSender(3).Send(context.Background(), server.URL, Payload{TaskID: "t-1", Status: "failed"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := fastSender(2).Send(context.Background(), server.URL, Payload{TaskID: "t-1", Status: "completed"})
	assert.Error(t, err)
	// 1 initial attempt + 2 retries.
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendTransportError(t *testing.T) {
	err := fastSender(1).Send(context.Background(), "http://127.0.0.1:1", Payload{TaskID: "t-1", Status: "completed"})
	assert.Error(t, err)
}

func TestSendRespectsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sender := NewSender(time.Second, 5, WithInitialInterval(10*time.Second))
	err := sender.Send(ctx, server.URL, Payload{TaskID: "t-1", Status: "completed"})
	assert.Error(t, err)
}
