package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"localagent/internal/control"
	"localagent/internal/control/controltest"
	"localagent/internal/events"
	"localagent/internal/settings"
	"localagent/internal/storage"
)

func init() { gin.SetMode(gin.TestMode) }

func newTestServer(t *testing.T) (*Server, *controltest.Harness) {
	t.Helper()
	h := controltest.New(t)
	return NewServer(h.Surface, h.Bus, nil), h
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body=%s", w.Body.String())
	return v
}

func TestSettingsRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodGet, "/api/v1/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, settings.Default(), decode[settings.Settings](t, w))

	w = do(t, s, http.MethodPatch, "/api/v1/settings", map[string]any{"max_cpu_percent": 95})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[errorBody](t, w)
	require.Equal(t, "validation", body.Kind)
	require.Equal(t, "max_cpu_percent", body.Field)

	w = do(t, s, http.MethodPatch, "/api/v1/settings", `{"max_cpu_percent":`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, decode[settings.Settings](t, w).Paused)

	w = do(t, s, http.MethodPost, "/api/v1/resources/check", map[string]any{"estimated_cpu": 1, "estimated_ram": 1})
	require.Equal(t, http.StatusOK, w.Code)
	check := decode[control.TaskCheck](t, w)
	require.False(t, check.Allowed)
	require.Equal(t, "deny.paused", check.Code)

	w = do(t, s, http.MethodPost, "/api/v1/resources/check", map[string]any{"estimated_cpu": 120})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/settings/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, decode[settings.Settings](t, w).Paused)
}

func TestMemoryRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/v1/memories", control.MemoryInput{Content: "remember the milk"})
	require.Equal(t, http.StatusCreated, w.Code)
	m := decode[storage.LocalMemory](t, w)
	require.NotEmpty(t, m.ID)

	w = do(t, s, http.MethodPut, "/api/v1/memories/"+m.ID, control.MemoryInput{Content: "remember the bread"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, m.ID, decode[storage.LocalMemory](t, w).ID)

	w = do(t, s, http.MethodGet, "/api/v1/memories?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]storage.LocalMemory](t, w)
	require.Len(t, list, 1)
	require.Equal(t, "remember the bread", list[0].Content)

	w = do(t, s, http.MethodGet, "/api/v1/memories?limit=ten", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodDelete, "/api/v1/memories/"+m.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/memories/"+m.ID, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "not_found", decode[errorBody](t, w).Kind)

	w = do(t, s, http.MethodPost, "/api/v1/search", control.SearchRequest{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSyncRoutes(t *testing.T) {
	s, h := newTestServer(t)
	ctx := context.Background()
	_, err := h.Store.SaveMemory(ctx, storage.LocalMemory{Content: "sync me"})
	require.NoError(t, err)

	h.Remote.SetDown(true)
	w := do(t, s, http.MethodPost, "/api/v1/sync", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "network", decode[errorBody](t, w).Kind)

	h.Remote.SetDown(false)
	w = do(t, s, http.MethodPost, "/api/v1/sync", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[control.SyncResult](t, w)
	require.Equal(t, 1, res.Report.Uploaded)

	w = do(t, s, http.MethodGet, "/api/v1/conflicts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "[]", strings.TrimSpace(w.Body.String()))

	w = do(t, s, http.MethodPost, "/api/v1/conflicts/nope/resolve", map[string]string{"strategy": "keep_local"})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/conflicts/nope/resolve", map[string]string{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/v1/tasks", map[string]any{
		"task_type": "sync_memory",
		"payload":   map[string]string{"reason": "manual"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	task := decode[storage.PendingTask](t, w)

	w = do(t, s, http.MethodGet, "/api/v1/tasks?status=queued", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[[]storage.PendingTask](t, w), 1)

	w = do(t, s, http.MethodGet, "/api/v1/tasks?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/tasks/"+task.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, string(storage.TaskCancelled), decode[map[string]string](t, w)["status"])

	w = do(t, s, http.MethodPost, "/api/v1/tasks", map[string]any{"task_type": "teleport"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/v1/sessions", map[string]any{
		"context":  map[string]any{"topic": "plans"},
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	sess := decode[storage.LocalSession](t, w)
	require.Equal(t, "chat", sess.SessionType)

	w = do(t, s, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/messages", map[string]any{
		"messages": []map[string]string{{"role": "assistant", "content": "hello"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[storage.LocalSession](t, w).Messages, 2)

	w = do(t, s, http.MethodPost, "/api/v1/sessions", map[string]any{"context": []int{1}})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodDelete, "/api/v1/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, s, http.MethodGet, "/api/v1/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestOverviewAndModels(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodGet, "/api/v1/overview", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ov := decode[map[string]any](t, w)
	require.Contains(t, ov, "metrics")

	w = do(t, s, http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, decode[[]map[string]any](t, w))

	w = do(t, s, http.MethodPost, "/api/v1/models/unknown-model/download", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventStream(t *testing.T) {
	s, h := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Hub().Run(ctx)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events?kinds=sync"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The hub subscribes asynchronously; publish until the filtered event lands.
	got := make(chan events.Event, 1)
	go func() {
		var ev events.Event
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
		close(got)
	}()
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev, ok := <-got:
			require.True(t, ok, "no event received")
			require.Equal(t, events.KindSync, ev.Kind)
			return
		case <-tick.C:
			h.Bus.Publish(events.KindMetrics, map[string]int{"cpu": 1})
			h.Bus.Publish(events.KindSync, map[string]string{"state": "idle"})
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestStatusMapping(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[control.Health](t, w)
	require.Equal(t, control.Healthy, health.State)
	require.True(t, health.CanRunTasks)
	require.Len(t, health.Components, 3)

	w = do(t, s, http.MethodPost, "/api/v1/inference/transcribe", map[string]string{"path": "/etc/passwd.wav"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}
