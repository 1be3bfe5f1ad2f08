package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Swind/go-task-stream/core"
	"github.com/Swind/go-task-stream/internal/auth"
	"github.com/Swind/go-task-stream/internal/training"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv      *httptest.Server
	launcher *core.Launcher
	store    *core.ProgressStore
	issuer   *auth.Issuer
}

func newFixture(t *testing.T, work core.Work, withAuth bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := core.NewProgressStore(core.NewMemoryCache(), core.StoreOptions{})
	ch := core.NewChannel(store, core.ChannelOptions{})
	l := core.NewLauncher(ch, core.LauncherOptions{MaxWorkers: 2})
	l.SetRetryPolicy(core.NoRetry())
	l.Start(context.Background())

	var issuer *auth.Issuer
	if withAuth {
		issuer = auth.NewIssuer("test-secret")
	}
	s := NewServer(l, work, Options{
		Issuer:   issuer,
		Stream:   core.StreamOptions{PollInterval: 5 * time.Millisecond, HeartbeatInterval: 50 * time.Millisecond},
		Gatherer: prometheus.NewRegistry(),
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Shutdown(ctx)
	})
	return &fixture{srv: srv, launcher: l, store: store, issuer: issuer}
}

func (f *fixture) token(t *testing.T, userID int64) string {
	t.Helper()
	tok, err := f.issuer.Generate(userID, "", time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func trainerWork() core.Work {
	return training.NewTrainer(training.Options{BatchesPerEpoch: 3, StepDelay: time.Millisecond, Seed: 1}).Work()
}

// blockingWork runs until its context is cancelled.
func blockingWork(ctx context.Context, _ core.TaskSpec, rep core.Reporter) (*core.TaskResult, error) {
	rep.Publish(ctx, core.NewLog("waiting"))
	<-ctx.Done()
	return nil, ctx.Err()
}

func submitBody(taskID string) map[string]any {
	return map[string]any{
		"task_id": taskID,
		"config":  map[string]any{"model_name": "demand-forecast", "epochs": 2},
	}
}

// sseFrame is one parsed text/event-stream message.
type sseFrame struct {
	event string
	data  string
}

func readSSE(t *testing.T, r io.Reader) []sseFrame {
	t.Helper()
	var (
		frames []sseFrame
		cur    sseFrame
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			cur.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			frames = append(frames, cur)
			cur = sseFrame{}
		}
	}
	require.NoError(t, sc.Err())
	return frames
}

func TestSubmitAndStreamSSE(t *testing.T) {
	f := newFixture(t, trainerWork(), false)

	code, body := f.do(t, http.MethodPost, "/api/v1/trainings", "", submitBody("sse-1"))
	require.Equal(t, http.StatusAccepted, code, body)
	assert.Equal(t, "sse-1", body["task_id"])

	resp, err := http.Get(f.srv.URL + "/api/v1/trainings/sse-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readSSE(t, resp.Body)
	require.GreaterOrEqual(t, len(frames), 4)
	assert.Equal(t, core.FrameConnection, frames[0].event)
	assert.Equal(t, core.FrameClose, frames[len(frames)-1].event)

	complete := frames[len(frames)-2]
	require.Equal(t, core.FrameComplete, complete.event)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(complete.data), &payload))
	assert.Equal(t, "completed", payload["status"])
	for _, key := range []string{"metrics", "history", "predictions", "y_test", "epoch_logs", "model_id", "model_name"} {
		assert.Contains(t, payload, key)
	}

	code, status := f.do(t, http.MethodGet, "/api/v1/trainings/sse-1", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", status["status"])
	assert.Equal(t, "demand-forecast", status["model_name"])
	assert.NotNil(t, status["result"])
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t, blockingWork, false)

	code, _ := f.do(t, http.MethodPost, "/api/v1/trainings", "", map[string]any{"config": map[string]any{"epochs": 2}})
	assert.Equal(t, http.StatusBadRequest, code, "missing model name")

	code, _ = f.do(t, http.MethodPost, "/api/v1/trainings", "", submitBody("dup"))
	require.Equal(t, http.StatusAccepted, code)
	code, body := f.do(t, http.MethodPost, "/api/v1/trainings", "", submitBody("dup"))
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "task already active")

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/v1/trainings", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.launcher.Shutdown(ctx))
	code, _ = f.do(t, http.MethodPost, "/api/v1/trainings", "", submitBody("late"))
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, blockingWork, false)

	code, _ := f.do(t, http.MethodPost, "/api/v1/trainings", "", submitBody("c1"))
	require.Equal(t, http.StatusAccepted, code)
	h, ok := f.launcher.Get("c1")
	require.True(t, ok)
	require.Eventually(t, func() bool { return h.Status() == core.StatusRunning }, 2*time.Second, 5*time.Millisecond)

	code, body := f.do(t, http.MethodPost, "/api/v1/trainings/c1/cancel", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["cancelled"])

	code, body = f.do(t, http.MethodPost, "/api/v1/trainings/c1/cancel", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["cancelled"], "second cancel is a no-op")

	rec, err := f.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, rec.Status)

	code, _ = f.do(t, http.MethodPost, "/api/v1/trainings/unknown/cancel", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestOwnership(t *testing.T) {
	f := newFixture(t, blockingWork, true)
	alice, bob := f.token(t, 1), f.token(t, 2)

	code, _ := f.do(t, http.MethodPost, "/api/v1/trainings", "", submitBody("x"))
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodPost, "/api/v1/trainings", alice, submitBody("a1"))
	require.Equal(t, http.StatusAccepted, code)

	code, _ = f.do(t, http.MethodGet, "/api/v1/trainings/a1", bob, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = f.do(t, http.MethodPost, "/api/v1/trainings/a1/cancel", bob, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body := f.do(t, http.MethodGet, "/api/v1/trainings", bob, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["tasks"])

	code, body = f.do(t, http.MethodGet, "/api/v1/trainings", alice, nil)
	require.Equal(t, http.StatusOK, code)
	tasks, _ := body["tasks"].([]any)
	require.Len(t, tasks, 1)
	assert.Equal(t, "a1", tasks[0].(map[string]any)["task_id"])

	code, _ = f.do(t, http.MethodGet, "/api/v1/trainings/a1", alice, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestStreamWebSocket(t *testing.T) {
	f := newFixture(t, blockingWork, false)
	code, _ := f.do(t, http.MethodPost, "/api/v1/trainings", "", submitBody("ws-1"))
	require.Equal(t, http.StatusAccepted, code)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/trainings/ws-1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first map[string]any
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, core.FrameConnection, first["event"])

	_, err = f.launcher.Cancel("ws-1")
	require.NoError(t, err)

	var events []string
	var last map[string]any
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		event, _ := msg["event"].(string)
		events = append(events, event)
		if event == core.FrameComplete {
			last = msg
		}
		if event == core.FrameClose {
			break
		}
	}
	require.NotNil(t, last, "frames: %v", events)
	data := last["data"].(map[string]any)
	assert.Equal(t, "cancelled", data["status"])
}

func TestStreamUnknownTask(t *testing.T) {
	f := newFixture(t, blockingWork, false)
	resp, err := http.Get(f.srv.URL + "/api/v1/trainings/nope/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, blockingWork, true)

	code, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
