package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/unclebandit/cartrecovery-backend/internal/broadcast"
	"github.com/unclebandit/cartrecovery-backend/internal/handler"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
	"github.com/unclebandit/cartrecovery-backend/internal/queue"
	"github.com/unclebandit/cartrecovery-backend/internal/repository"
	"github.com/unclebandit/cartrecovery-backend/internal/service"
)

type inbox struct {
	svc    *service.NotificationService
	hub    *broadcast.Hub
	router http.Handler
}

func newInbox(t *testing.T) *inbox {
	t.Helper()
	q := queue.NewInMemoryQueue()
	t.Cleanup(func() { _ = q.Close() })
	hub := broadcast.NewHub(broadcast.Options{})
	require.NoError(t, broadcast.StartRelay(q, hub))

	svc := &service.NotificationService{Repo: repository.NewMemoryNotificationRepository(), Queue: q}
	return &inbox{
		svc: svc,
		hub: hub,
		router: handler.NewRouter(handler.Routes{
			Notifications: handler.NewNotificationHandler(svc),
			Hub:           hub,
		}),
	}
}

func (in *inbox) post(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	in.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b)))
	return w
}

func TestListNotificationsPaginates(t *testing.T) {
	in := newInbox(t)
	for i := 0; i < 3; i++ {
		_, err := in.svc.Notify(context.Background(), "store-1", "campaign_created", map[string]int{"n": i})
		require.NoError(t, err)
	}
	_, err := in.svc.Notify(context.Background(), "store-2", "campaign_created", nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	in.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/notifications?scope=store-1&page=1&page_size=2", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var res struct {
		Data       []model.NotificationEvent `json:"data"`
		Pagination map[string]int            `json:"pagination"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Len(t, res.Data, 2)
	assert.Equal(t, 3, res.Pagination["total_count"])
	assert.Equal(t, 2, res.Pagination["total_pages"])
	for _, ev := range res.Data {
		assert.Equal(t, "store-1", ev.Scope)
	}

	w = httptest.NewRecorder()
	in.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/notifications", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMarkReadAndDelete(t *testing.T) {
	in := newInbox(t)
	ev, err := in.svc.Notify(context.Background(), "store-1", "campaign_created", nil)
	require.NoError(t, err)

	w := in.post(t, "/notifications/read", handler.TargetsRequest{Scope: "store-1", IDs: []string{ev.ID, "missing"}})
	require.Equal(t, http.StatusOK, w.Code)
	var res handler.TargetsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, []string{ev.ID}, res.Changed)

	// already read: nothing changes
	w = in.post(t, "/notifications/read", handler.TargetsRequest{Scope: "store-1", IDs: []string{ev.ID}})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Empty(t, res.Changed)

	// another scope cannot delete it
	w = in.post(t, "/notifications/delete", handler.TargetsRequest{Scope: "store-2", IDs: []string{ev.ID}})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Empty(t, res.Changed)

	w = in.post(t, "/notifications/delete", handler.TargetsRequest{Scope: "store-1", IDs: []string{ev.ID}})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, []string{ev.ID}, res.Changed)

	w = in.post(t, "/notifications/delete", handler.TargetsRequest{Scope: "store-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInboxChangesReachWebsocket(t *testing.T) {
	in := newInbox(t)
	srv := httptest.NewServer(in.router)
	defer srv.Close()

	conn, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?scope=store-1", "", srv.URL)
	require.NoError(t, err)
	defer conn.Close()

	next := func() broadcast.Frame {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var f broadcast.Frame
		require.NoError(t, websocket.JSON.Receive(conn, &f))
		return f
	}
	nextEvent := func() model.NotificationEvent {
		t.Helper()
		f := next()
		require.Equal(t, broadcast.FrameEvent, f.Type)
		var ev model.NotificationEvent
		require.NoError(t, json.Unmarshal(f.Payload, &ev))
		return ev
	}

	require.Equal(t, broadcast.FrameSession, next().Type)
	assert.Equal(t, model.EventConnectionTest, nextEvent().Type)

	created, err := in.svc.Notify(context.Background(), "store-1", "campaign_created", map[string]string{"name": "Win back"})
	require.NoError(t, err)
	ev := nextEvent()
	assert.Equal(t, created.ID, ev.ID)
	assert.Equal(t, model.EventNew, ev.Type)

	require.Equal(t, http.StatusOK, in.post(t, "/notifications/read", handler.TargetsRequest{Scope: "store-1", IDs: []string{created.ID}}).Code)
	ev = nextEvent()
	assert.Equal(t, model.EventRead, ev.Type)
	assert.Equal(t, []string{created.ID}, ev.TargetIDs)
}

func TestHealthz(t *testing.T) {
	w := httptest.NewRecorder()
	handler.NewRouter(handler.Routes{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
