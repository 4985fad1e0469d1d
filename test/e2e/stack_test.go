package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/fireforget/internal/api"
	"github.com/seantiz/fireforget/internal/background"
	"github.com/seantiz/fireforget/internal/engine"
	"github.com/seantiz/fireforget/internal/handler"
	"github.com/seantiz/fireforget/internal/model"
	"github.com/seantiz/fireforget/internal/store"
)

// stack is the full service wired in-process the way main wires it.
type stack struct {
	ts      *httptest.Server
	tracker *background.Tracker
	store   *store.SQLiteStore
}

func newStack(t *testing.T, completionTimeout time.Duration) *stack {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	tracker := background.New(context.Background(), background.Config{CompletionTimeout: completionTimeout}, logger)
	producer, consumer := background.Register(tracker)

	reg := handler.NewRegistry()
	handler.RegisterBuiltins(reg, nil)

	eng := engine.NewEngine(s, reg, producer, logger)
	srv := api.NewServer(":0", s, eng, tracker, logger)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		consumer.Close()
	})

	return &stack{ts: ts, tracker: tracker, store: s}
}

func (st *stack) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, st.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, b
}

func (st *stack) submit(t *testing.T, body string) string {
	t.Helper()
	status, b := st.do(t, http.MethodPost, "/v1/tasks", body)
	if status != http.StatusAccepted {
		t.Fatalf("status = %d, want 202\nbody: %s", status, b)
	}
	var task model.Task
	if err := json.Unmarshal(b, &task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return task.ID
}

func (st *stack) task(t *testing.T, id string) model.Task {
	t.Helper()
	status, b := st.do(t, http.MethodGet, "/v1/tasks/"+id, "")
	if status != http.StatusOK {
		t.Fatalf("GET task status = %d\nbody: %s", status, b)
	}
	var task model.Task
	if err := json.Unmarshal(b, &task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return task
}

func (st *stack) pollStatus(t *testing.T, id, expected string) model.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if task := st.task(t, id); task.Status == expected {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach %q", id, expected)
	return model.Task{}
}

func TestSubmitReturnsBeforeWorkFinishes(t *testing.T) {
	st := newStack(t, 5*time.Second)

	start := time.Now()
	id := st.submit(t, `{"kind":"sleep","input":{"duration_ms":300}}`)
	if elapsed := time.Since(start); elapsed >= 300*time.Millisecond {
		t.Errorf("submit took %v, want it to return before the task finishes", elapsed)
	}

	done := st.pollStatus(t, id, model.StatusCompleted)
	if done.DurationMS == nil || *done.DurationMS < 300 {
		t.Errorf("duration_ms = %v, want >= 300", done.DurationMS)
	}
}

func TestStreamDeliversLinesThenDone(t *testing.T) {
	st := newStack(t, 5*time.Second)

	id := st.submit(t, `{"kind":"sleep","input":{"duration_ms":200}}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, st.ts.URL+"/v1/tasks/"+id+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	var data []string
	var sawDone bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: done" {
			sawDone = true
		}
		if d, ok := strings.CutPrefix(line, "data: "); ok && !sawDone {
			data = append(data, d)
		}
	}

	if !sawDone {
		t.Fatal("stream ended without a done event")
	}
	if len(data) == 0 || data[len(data)-1] != "awake" {
		t.Errorf("streamed lines = %v, want them to end with awake", data)
	}

	status, b := st.do(t, http.MethodGet, "/v1/tasks/"+id+"/events/history", "")
	if status != http.StatusOK {
		t.Fatalf("history status = %d", status)
	}
	if !strings.Contains(string(b), `"awake"`) {
		t.Errorf("history missing awake line: %s", b)
	}
}

func TestDrainEndpointWaitsForInFlightTasks(t *testing.T) {
	st := newStack(t, 5*time.Second)

	ids := []string{
		st.submit(t, `{"kind":"sleep","input":{"duration_ms":100}}`),
		st.submit(t, `{"kind":"echo","input":{"message":"quick"}}`),
		st.submit(t, `{"kind":"fail","input":{"message":"broken"}}`),
	}

	status, b := st.do(t, http.MethodPost, "/v1/tracker/drain", "")
	if status != http.StatusOK {
		t.Fatalf("drain status = %d\nbody: %s", status, b)
	}

	want := []string{model.StatusCompleted, model.StatusCompleted, model.StatusFailed}
	for i, id := range ids {
		if got := st.task(t, id).Status; got != want[i] {
			t.Errorf("task %d status = %q, want %q", i, got, want[i])
		}
	}

	s := st.tracker.Stats()
	if s.Completed != 2 || s.Faulted != 1 || s.Pending != 0 {
		t.Errorf("tracker stats = %+v", s)
	}
	if n := st.tracker.Len(); n != 0 {
		t.Errorf("registry holds %d entries after drain", n)
	}
}

func TestDrainEndpointTimesOut(t *testing.T) {
	st := newStack(t, 100*time.Millisecond)

	fast := st.submit(t, `{"kind":"echo","input":{"message":"fast"}}`)
	slow := st.submit(t, `{"kind":"sleep","input":{"duration_ms":2000}}`)

	start := time.Now()
	status, b := st.do(t, http.MethodPost, "/v1/tracker/drain", "")
	elapsed := time.Since(start)

	if status != http.StatusGatewayTimeout {
		t.Fatalf("drain status = %d, want 504\nbody: %s", status, b)
	}
	if elapsed > time.Second {
		t.Errorf("drain took %v, want it bounded by the completion timeout", elapsed)
	}
	st.pollStatus(t, fast, model.StatusCompleted)
	if got := st.task(t, slow).Status; got != model.StatusRunning {
		t.Errorf("slow task status = %q, want running", got)
	}
}

func TestKillThenShutdown(t *testing.T) {
	st := newStack(t, 5*time.Second)

	killed := st.submit(t, `{"kind":"sleep","input":{"duration_ms":60000}}`)
	running := st.submit(t, `{"kind":"sleep","input":{"duration_ms":60000}}`)
	st.pollStatus(t, killed, model.StatusRunning)
	st.pollStatus(t, running, model.StatusRunning)

	if status, b := st.do(t, http.MethodDelete, "/v1/tasks/"+killed, ""); status != http.StatusAccepted {
		t.Fatalf("DELETE status = %d\nbody: %s", status, b)
	}
	st.pollStatus(t, killed, model.StatusKilled)

	if err := st.tracker.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := st.task(t, running).Status; got != model.StatusCanceled {
		t.Errorf("status after shutdown = %q, want canceled", got)
	}

	if status, _ := st.do(t, http.MethodPost, "/v1/tasks", `{"kind":"echo"}`); status != http.StatusServiceUnavailable {
		t.Errorf("submit after shutdown status = %d, want 503", status)
	}
	if status, _ := st.do(t, http.MethodGet, "/healthz", ""); status != http.StatusServiceUnavailable {
		t.Errorf("healthz after shutdown status = %d, want 503", status)
	}
}
