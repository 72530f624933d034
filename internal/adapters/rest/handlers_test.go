package rest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"notification-service/internal/adapters/connregistry"
	"notification-service/internal/adapters/idempotency"
	"notification-service/internal/adapters/identity"
	"notification-service/internal/contextkeys"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port/usecases_port"
	"notification-service/internal/core/usecase"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	entries []domain.HistoryEntry
	err     error
	gotID   string
}

func (f *fakeHistory) Execute(ctx context.Context, recipientID string, limit, offset int) ([]domain.HistoryEntry, int64, error) {
	f.gotID = recipientID
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.entries, int64(len(f.entries)), nil
}

type fakePublish struct {
	err error
	got domain.NotificationInput
}

func (f *fakePublish) Execute(ctx context.Context, in domain.NotificationInput, eventID string) (string, error) {
	f.got = in
	if f.err != nil {
		return "", f.err
	}
	return "m-" + eventID, nil
}

type testServer struct {
	srv       *httptest.Server
	registry  *connregistry.Registry
	lifecycle *usecase.ConnectionLifecycleManager
	dispatch  *usecase.DispatchNotificationUseCase
	history   *fakeHistory
	publish   *fakePublish
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := contextkeys.NoopLogger()
	ts := &testServer{
		registry: connregistry.NewRegistry(logger),
		history:  &fakeHistory{},
		publish:  &fakePublish{},
	}
	ts.lifecycle = usecase.NewConnectionLifecycleManager(identity.NewHeaderProvider(), ts.registry, usecase.LifecycleConfig{}, logger)
	tracker := idempotency.NewMemoryTracker(idempotency.MemoryTrackerConfig{Retention: time.Minute, MaxEntries: 100})
	ts.dispatch = usecase.NewDispatchNotificationUseCase(ts.registry, tracker, nil, nil, usecase.DispatchConfig{PushTimeout: time.Second})

	handlers := NewNotificationHandler(ts.lifecycle, ts.history, ts.publish, HandlerConfig{
		KeepAlive:  time.Hour,
		Credential: GatewayCredential,
	})
	router := NewRouter(ServerConfig{Identity: identity.NewHeaderProvider(), Credential: GatewayCredential}, handlers, logger)
	ts.srv = httptest.NewServer(router)
	t.Cleanup(ts.srv.Close)
	return ts
}

type sseEvent struct {
	id, event, data string
}

func readEvent(t *testing.T, r *bufio.Reader) (sseEvent, error) {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return ev, err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.event != "" {
				return ev, nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func (ts *testServer) openStream(t *testing.T, ctx context.Context, subject string) (*http.Response, *bufio.Reader) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.srv.URL+"/api/v1/notifications/stream", nil)
	require.NoError(t, err)
	if subject != "" {
		req.Header.Set("X-User-ID", subject)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

func TestStream_DeliversNotifications(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, reader := ts.openStream(t, ctx, "U1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	connected, err := readEvent(t, reader)
	require.NoError(t, err)
	assert.Equal(t, "connected", connected.event)
	assert.Contains(t, connected.data, "connection_id")

	record, err := ts.dispatch.Execute(ctx, usecases_port.InboundNotification{
		Input: domain.NotificationInput{
			RecipientID: "U1",
			Title:       "Grade posted",
			Message:     "Your grade is ready",
			Type:        "academic",
		},
		MessageID: "m-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDelivered, record.Outcome)

	ev, err := readEvent(t, reader)
	require.NoError(t, err)
	assert.Equal(t, "notification", ev.event)
	assert.Equal(t, record.NotificationID, ev.id)

	var msg domain.PushMessage
	require.NoError(t, json.Unmarshal([]byte(ev.data), &msg))
	assert.Equal(t, "Grade posted", msg.Title)
	assert.Equal(t, domain.TypeAcademic, msg.Type)
}

func TestStream_RejectsMissingCredential(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.openStream(t, context.Background(), "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, ts.lifecycle.Stats().Connections)
}

func TestStream_ClientGoneDeregisters(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, reader := ts.openStream(t, ctx, "U1")
	_, err := readEvent(t, reader)
	require.NoError(t, err)
	require.Equal(t, 1, ts.lifecycle.Stats().Connections)

	cancel()
	require.Eventually(t, func() bool { return ts.lifecycle.Stats().Connections == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, ts.registry.ConnectionsFor("U1"))
}

func TestStream_EvictionEndsStream(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, reader := ts.openStream(t, ctx, "U1")
	_, err := readEvent(t, reader)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, ts.srv.URL+"/api/v1/subjects/U1/connections", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var evicted EvictResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&evicted))
	assert.Equal(t, 1, evicted.Evicted)

	_, err = readEvent(t, reader)
	assert.Error(t, err, "stream must end after eviction")
	assert.Zero(t, ts.lifecycle.Stats().Connections)
}

func TestGetHistory(t *testing.T) {
	ts := newTestServer(t)
	ts.history.entries = []domain.HistoryEntry{{
		NotificationID: "n-1",
		RecipientID:    "U1",
		Title:          "Grade posted",
		Message:        "Your grade is ready",
		Type:           domain.TypeAcademic,
		CreatedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}}

	get := func(path, subject string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.srv.URL+path, nil)
		require.NoError(t, err)
		if subject != "" {
			req.Header.Set("X-User-ID", subject)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("ok", func(t *testing.T) {
		resp := get("/api/v1/notifications?limit=5", "U1")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var page PaginatedNotificationsResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
		assert.EqualValues(t, 1, page.Total)
		assert.Equal(t, 5, page.Limit)
		require.Len(t, page.Data, 1)
		assert.Equal(t, "n-1", page.Data[0].ID)
		assert.Nil(t, page.Data[0].RelatedEntity)
		assert.Equal(t, "U1", ts.history.gotID)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, get("/api/v1/notifications", "").StatusCode)
	})

	t.Run("bad paging", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, get("/api/v1/notifications?offset=-1", "U1").StatusCode)
	})

	t.Run("history disabled", func(t *testing.T) {
		ts.history.err = domain.ErrHistoryUnavailable
		defer func() { ts.history.err = nil }()
		assert.Equal(t, http.StatusServiceUnavailable, get("/api/v1/notifications", "U1").StatusCode)
	})
}

func TestPublish(t *testing.T) {
	ts := newTestServer(t)
	post := func(body string) *http.Response {
		resp, err := http.Post(ts.srv.URL+"/api/v1/notifications", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(`{"event_id":"e1","recipient_id":"U1","title":"t","message":"m","type":"system"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out PublishNotificationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "m-e1", out.MessageID)
	assert.Equal(t, "U1", ts.publish.got.RecipientID)

	assert.Equal(t, http.StatusBadRequest, post(`{oops`).StatusCode)

	ts.publish.err = &domain.InvalidEventError{Field: "title", Reason: "must not be empty"}
	assert.Equal(t, http.StatusBadRequest, post(`{"recipient_id":"U1"}`).StatusCode)

	ts.publish.err = errors.New("bus down")
	assert.Equal(t, http.StatusBadGateway, post(`{"recipient_id":"U1","title":"t","message":"m","type":"system"}`).StatusCode)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ts.lifecycle.Shutdown()
	resp2, err := http.Get(ts.srv.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestEvictSubject_InvalidID(t *testing.T) {
	ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodDelete, ts.srv.URL+"/api/v1/subjects/%20bad/connections", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCredentialExtractors(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/stream?access_token=tok", nil)
	assert.Equal(t, "tok", BearerCredential(r))

	r.Header.Set("Authorization", "Bearer hdr")
	assert.Equal(t, "Bearer hdr", BearerCredential(r))

	r.Header.Set("X-User-ID", " U1 ")
	assert.Equal(t, "U1", GatewayCredential(r))
}
