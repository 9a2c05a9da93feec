package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rideshare-core/internal/events"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []any
	err    error
	closed bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeConn) Close() error { f.closed = true; return nil }

func TestWSRegistryPublishesToConnectedRecipients(t *testing.T) {
	reg := NewWSRegistry(nil)
	rider := &fakeConn{}
	reg.add("rider-1", rider)

	e := events.New(events.RideStarted, "ride-1", "ONGOING", "rider-1", "driver-offline")
	require.NoError(t, reg.Publish(context.Background(), e))
	require.Len(t, rider.sent, 1)
	assert.Equal(t, e, rider.sent[0])
}

func TestWSRegistryDropsBrokenSession(t *testing.T) {
	reg := NewWSRegistry(nil)
	broken := &fakeConn{err: errors.New("closed pipe")}
	reg.add("u1", broken)

	err := reg.Send("u1", "hello")
	assert.Error(t, err)
	assert.False(t, reg.Connected("u1"))
	assert.True(t, broken.closed)
	assert.ErrorIs(t, reg.Send("u1", "again"), ErrNoSession)
}

func TestWSRegistryReplacesSession(t *testing.T) {
	reg := NewWSRegistry(nil)
	first, second := &fakeConn{}, &fakeConn{}
	reg.add("u1", first)
	reg.add("u1", second)
	assert.True(t, first.closed)
	require.NoError(t, reg.Send("u1", 1))
	assert.Len(t, second.sent, 1)
}

func TestPushDispatcherPostsOfflineRecipients(t *testing.T) {
	var got pushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	reg := NewWSRegistry(nil)
	online := &fakeConn{}
	reg.add("online", online)
	p := NewPushDispatcher(srv.URL, reg)

	e := events.New(events.PaymentProcessed, "ride-1", "COMPLETED", "online", "offline")
	require.NoError(t, p.Publish(context.Background(), e))
	assert.Len(t, online.sent, 1)
	assert.Equal(t, []string{"offline"}, got.UserIDs)
	assert.Equal(t, events.PaymentProcessed, got.Event.Type)
}

func TestPushDispatcherGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewPushDispatcher(srv.URL, nil)
	err := p.Publish(context.Background(), events.New(events.RideCancelled, "r1", "CANCELLED_BY_DRIVER", "u1"))
	assert.Error(t, err)
}
