package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pxarchive/internal/controller"
	"github.com/roach88/pxarchive/internal/engine"
	"github.com/roach88/pxarchive/internal/source"
	"github.com/roach88/pxarchive/internal/store"
)

type fakeSyncs struct {
	mu        sync.Mutex
	startErr  error
	cancelErr error
	plans     []engine.Plan
	cancelled []controller.Kind
}

func (f *fakeSyncs) Start(ctx context.Context, kind controller.Kind, plan engine.Plan) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.plans = append(f.plans, plan)
	return "run-1", nil
}

func (f *fakeSyncs) Cancel(kind controller.Kind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, kind)
	return nil
}

func (f *fakeSyncs) Status() []controller.Status {
	return []controller.Status{
		{Kind: controller.KindScheduled, State: controller.StateIdle},
		{Kind: controller.KindManual, State: controller.StateRunning, RunID: "run-1",
			Progress: engine.Progress{RunID: "run-1", Ordinal: 12, Processed: 3, Total: 6, Percent: 50}},
	}
}

type fakeRuns struct{ runs []store.Run }

func (f fakeRuns) RecentRuns(ctx context.Context, limit int) ([]store.Run, error) {
	return f.runs[:min(limit, len(f.runs))], nil
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(New(&fakeSyncs{}, nil, Config{Token: "secret"}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestAuth(t *testing.T) {
	h := New(&fakeSyncs{}, nil, Config{Token: "secret"})

	code, body := do(t, h, http.MethodGet, "/v1/syncs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthorized", body["error"])

	code, _ = do(t, h, http.MethodGet, "/v1/syncs", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, h, http.MethodGet, "/v1/syncs", "", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, code)
}

func TestStatus(t *testing.T) {
	h := New(&fakeSyncs{}, nil, Config{})

	code, body := do(t, h, http.MethodGet, "/v1/syncs", "", nil)
	require.Equal(t, http.StatusOK, code)
	syncs := body["syncs"].([]any)
	require.Len(t, syncs, 2)
	manual := syncs[1].(map[string]any)
	assert.Equal(t, "manual", manual["kind"])
	assert.Equal(t, "running", manual["state"])
	progress := manual["progress"].(map[string]any)
	assert.InDelta(t, 50.0, progress["percent"], 0.001)
	assert.InDelta(t, 12.0, progress["ordinal"], 0.001)
}

func TestStart(t *testing.T) {
	syncs := &fakeSyncs{}
	h := New(syncs, nil, Config{Order: source.OldestFirst})

	code, body := do(t, h, http.MethodPost, "/v1/syncs", `{"start":10,"end":40,"mode":"catchup"}`, nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "run-1", body["run_id"])

	require.Len(t, syncs.plans, 1)
	assert.Equal(t, engine.Plan{
		Mode:   engine.ModeCatchUp,
		Order:  source.OldestFirst,
		Window: source.Window{Start: 10, End: 40},
	}, syncs.plans[0])

	code, _ = do(t, h, http.MethodPost, "/v1/syncs", "", nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, engine.ModeFull, syncs.plans[1].Mode)

	code, _ = do(t, h, http.MethodPost, "/v1/syncs", `{"order":"newest"}`, nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, source.NewestFirst, syncs.plans[2].Order)
}

func TestStart_Rejections(t *testing.T) {
	syncs := &fakeSyncs{}
	h := New(syncs, nil, Config{})

	for _, body := range []string{`{"mode":"partial"}`, `{"start":5,"end":5}`, `{"start":-1}`, `not json`, `{"order":"sideways"}`} {
		code, out := do(t, h, http.MethodPost, "/v1/syncs", body, nil)
		assert.Equal(t, http.StatusBadRequest, code, body)
		assert.Equal(t, "bad_request", out["error"], body)
	}

	syncs.startErr = controller.ErrBusy
	code, out := do(t, h, http.MethodPost, "/v1/syncs", `{}`, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "busy", out["error"])
}

func TestCancel(t *testing.T) {
	syncs := &fakeSyncs{}
	h := New(syncs, nil, Config{})

	code, body := do(t, h, http.MethodDelete, "/v1/syncs/manual", "", nil)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "cancelling", body["status"])
	assert.Equal(t, []controller.Kind{controller.KindManual}, syncs.cancelled)

	code, _ = do(t, h, http.MethodDelete, "/v1/syncs/hourly", "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	syncs.cancelErr = controller.ErrNotRunning
	code, body = do(t, h, http.MethodDelete, "/v1/syncs/scheduled", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_running", body["error"])
}

func TestRuns(t *testing.T) {
	runs := fakeRuns{runs: []store.Run{{ID: "b", Kind: "manual", Status: "completed"}, {ID: "a", Kind: "scheduled", Status: "failed"}}}
	h := New(&fakeSyncs{}, runs, Config{})

	code, body := do(t, h, http.MethodGet, "/v1/runs?limit=1", "", nil)
	require.Equal(t, http.StatusOK, code)
	list := body["runs"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].(map[string]any)["id"])

	code, _ = do(t, h, http.MethodGet, "/v1/runs?limit=zero", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = do(t, New(&fakeSyncs{}, nil, Config{}), http.MethodGet, "/v1/runs", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["runs"])
}
