package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/fireforget/internal/background"
	"github.com/seantiz/fireforget/internal/engine"
	"github.com/seantiz/fireforget/internal/handler"
	"github.com/seantiz/fireforget/internal/model"
	"github.com/seantiz/fireforget/internal/store"
)

const kindBlock = "block"

// blockHandler runs until its context is done.
type blockHandler struct{}

func (blockHandler) Run(ctx context.Context, _ handler.Spec) (handler.Result, error) {
	<-ctx.Done()
	return handler.Result{}, ctx.Err()
}

func (blockHandler) Info() handler.Info { return handler.Info{Description: "blocks until cancelled"} }

func newTestServer(t *testing.T) *Server {
	return newTestServerWith(t, background.Config{CompletionTimeout: 5 * time.Second})
}

func newTestServerWith(t *testing.T, cfg background.Config) *Server {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	tracker := background.New(context.Background(), cfg, logger)
	t.Cleanup(func() { tracker.Close() })

	reg := handler.NewRegistry()
	handler.RegisterBuiltins(reg, nil)
	reg.Register(kindBlock, blockHandler{})

	producer, _ := background.Register(tracker)
	eng := engine.NewEngine(s, reg, producer, logger)
	return NewServer(":0", s, eng, tracker, logger)
}

// createTask stores a pending task directly, bypassing the engine.
func createTask(t *testing.T, srv *Server, kind string) *model.Task {
	t.Helper()
	task := &model.Task{
		ID:        model.NewID(),
		Kind:      kind,
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := srv.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

// submitTask posts body to /v1/tasks and decodes the accepted task.
func submitTask(t *testing.T, ts *httptest.Server, body string) *model.Task {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 202: %s", resp.StatusCode, b)
	}
	var task model.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return &task
}

// waitForStatus polls the store until the task reaches the expected status.
func waitForStatus(t *testing.T, srv *Server, id, expected string) *model.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := srv.store.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if task.Status == expected {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %q", id, expected)
	return nil
}

type sseEvent struct {
	name string
	data string
}

// readSSE parses a complete event stream. Consecutive data fields are
// joined with newlines.
func readSSE(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
		data   []string
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "" && (len(data) > 0 || cur.name != ""):
			cur.data = strings.Join(data, "\n")
			events = append(events, cur)
			cur, data = sseEvent{}, nil
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read event stream: %v", err)
	}
	return events
}

func decodeError(t *testing.T, r io.Reader) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"]
}

func TestRequestIDMiddleware(t *testing.T) {
	srv := newTestServer(t)
	var reqID string
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		reqID = middleware.GetReqID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if reqID == "" {
		t.Error("request id missing from request context")
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/v1/tasks", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /v1/tasks: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestServeShutsDownTrackerOnCancel(t *testing.T) {
	srv := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Post(base+"/v1/tasks", "application/json", strings.NewReader(`{"kind":"block"}`))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	var task model.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	resp.Body.Close()
	waitForStatus(t, srv, task.ID, model.StatusRunning)

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if !srv.tracker.Stats().Closed {
		t.Error("tracker not closed after shutdown")
	}
	got, err := srv.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusCanceled {
		t.Errorf("status = %q, want canceled", got.Status)
	}
}

func TestServeShutdownEndsOpenEventStreams(t *testing.T) {
	srv := newTestServer(t)
	srv.shutdownTimeout = 2 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Post(base+"/v1/tasks", "application/json", strings.NewReader(`{"kind":"block"}`))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	var task model.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	resp.Body.Close()
	waitForStatus(t, srv, task.ID, model.StatusRunning)

	stream, err := http.Get(base + "/v1/tasks/" + task.ID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer stream.Body.Close()
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d, want 200", stream.StatusCode)
	}

	start := time.Now()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if elapsed := time.Since(start); elapsed >= srv.shutdownTimeout {
		t.Errorf("shutdown took %s, want less than %s", elapsed, srv.shutdownTimeout)
	}

	events := readSSE(t, stream.Body)
	if len(events) == 0 {
		t.Fatal("stream ended without events")
	}
	last := events[len(events)-1]
	if last.name != "done" || last.data != "server shutting down" {
		t.Errorf("last event = %+v, want done/server shutting down", last)
	}

	got, err := srv.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusCanceled {
		t.Errorf("status = %q, want canceled", got.Status)
	}
}
