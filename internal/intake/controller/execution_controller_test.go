package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"execbox/internal/intake"
	"execbox/internal/sandbox/result"
	appErr "execbox/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type fakeIntake struct {
	accepting bool
	block     chan struct{}
	cancelled chan struct{}
}

func (f *fakeIntake) Execute(ctx context.Context, msg intake.JobMessage, onAccepted func(intake.JobRecord)) intake.ResultMessage {
	if msg.Language == "cobol" {
		return intake.Rejected(msg.ID, msg.Language, appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", msg.Language))
	}
	if onAccepted != nil {
		onAccepted(intake.JobRecord{ID: msg.ID, State: intake.StateAccepted})
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			if f.cancelled != nil {
				close(f.cancelled)
			}
			return intake.Executed(msg.ID, msg.Language, result.Cancelled())
		}
	}
	return intake.Executed(msg.ID, msg.Language, result.ExecutionResult{Status: result.StatusSuccess, Stdout: "2\n"})
}

func (f *fakeIntake) Enqueue(_ context.Context, msg intake.JobMessage) (intake.JobRecord, error) {
	if msg.Source == "" {
		return intake.JobRecord{}, appErr.New(appErr.RequiredFieldEmpty)
	}
	if msg.ID == "used" {
		return intake.JobRecord{}, appErr.Newf(appErr.DuplicateJob, "job %s has already been submitted", msg.ID)
	}
	return intake.JobRecord{ID: "queued-1", State: intake.StateQueued}, nil
}

func (f *fakeIntake) Status(_ context.Context, id string) (intake.JobRecord, error) {
	if id != "queued-1" {
		return intake.JobRecord{}, appErr.New(appErr.JobNotFound)
	}
	return intake.JobRecord{ID: id, State: intake.StateRunning}, nil
}

func (f *fakeIntake) Languages() []intake.LanguageInfo {
	return []intake.LanguageInfo{{ID: "c", Name: "C (gcc)", Compiled: true}}
}

func (f *fakeIntake) Accepting() bool { return f.accepting }

type envelope struct {
	Code    appErr.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    json.RawMessage  `json:"data"`
}

func newRouter(svc IntakeService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	reg := prometheus.NewRegistry()
	Register(router, NewExecutionController(svc, 1024), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return router
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var env envelope
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w, env
}

func TestExecuteEndpoint(t *testing.T) {
	router := newRouter(&fakeIntake{accepting: true})

	cases := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   appErr.ErrorCode
		outcome    intake.Outcome
	}{
		{name: "executed", body: `{"id":"a","language":"python3","source":"print(1+1)"}`, wantStatus: http.StatusOK, wantCode: appErr.Success, outcome: intake.OutcomeExecuted},
		{name: "rejected", body: `{"id":"b","language":"cobol","source":"x"}`, wantStatus: http.StatusBadRequest, wantCode: appErr.LanguageNotSupported, outcome: intake.OutcomeRejected},
		{name: "not json", body: `{`, wantStatus: http.StatusBadRequest, wantCode: appErr.InvalidFormat},
		{name: "too large", body: `{"source":"` + strings.Repeat("x", 2048) + `"}`, wantStatus: http.StatusBadRequest, wantCode: appErr.InvalidFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, env := doJSON(t, router, http.MethodPost, "/api/v1/executions", tc.body)
			if w.Code != tc.wantStatus || env.Code != tc.wantCode {
				t.Fatalf("status=%d code=%d body=%s", w.Code, env.Code, w.Body.String())
			}
			if tc.outcome == "" {
				return
			}
			var res intake.ResultMessage
			if err := json.Unmarshal(env.Data, &res); err != nil {
				t.Fatalf("decode data: %v", err)
			}
			if res.Outcome != tc.outcome {
				t.Fatalf("outcome = %q", res.Outcome)
			}
		})
	}
}

func TestSubmitAndStatusEndpoints(t *testing.T) {
	router := newRouter(&fakeIntake{accepting: true})

	w, env := doJSON(t, router, http.MethodPost, "/api/v1/jobs", `{"language":"c","source":"int main(){}"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d body=%s", w.Code, w.Body.String())
	}
	var rec intake.JobRecord
	if err := json.Unmarshal(env.Data, &rec); err != nil || rec.ID != "queued-1" {
		t.Fatalf("submit data = %s, %v", env.Data, err)
	}

	w, _ = doJSON(t, router, http.MethodPost, "/api/v1/jobs", `{"language":"c"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid submit status = %d", w.Code)
	}

	w, env = doJSON(t, router, http.MethodPost, "/api/v1/jobs", `{"id":"used","language":"c","source":"int main(){}"}`)
	if w.Code != http.StatusConflict || env.Code != appErr.DuplicateJob {
		t.Fatalf("duplicate submit = %d code=%d", w.Code, env.Code)
	}

	w, env = doJSON(t, router, http.MethodGet, "/api/v1/jobs/queued-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if err := json.Unmarshal(env.Data, &rec); err != nil || rec.State != intake.StateRunning {
		t.Fatalf("status data = %s", env.Data)
	}

	w, env = doJSON(t, router, http.MethodGet, "/api/v1/jobs/other", "")
	if w.Code != http.StatusNotFound || env.Code != appErr.JobNotFound {
		t.Fatalf("missing status = %d code=%d", w.Code, env.Code)
	}
}

func TestHealthLanguagesAndMetrics(t *testing.T) {
	svc := &fakeIntake{accepting: true}
	router := newRouter(svc)

	w, _ := doJSON(t, router, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"accepting":true`) {
		t.Fatalf("healthz = %d %s", w.Code, w.Body.String())
	}
	svc.accepting = false
	w, _ = doJSON(t, router, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz while full = %d", w.Code)
	}

	w, env := doJSON(t, router, http.MethodGet, "/api/v1/languages", "")
	var langs []intake.LanguageInfo
	if err := json.Unmarshal(env.Data, &langs); err != nil || w.Code != http.StatusOK || len(langs) != 1 {
		t.Fatalf("languages = %d %s", w.Code, w.Body.String())
	}

	w, _ = doJSON(t, router, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
}

func dialStream(t *testing.T, router http.Handler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/executions/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) StreamEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev StreamEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestStreamRunsJobs(t *testing.T) {
	conn := dialStream(t, newRouter(&fakeIntake{accepting: true}))
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, conn); ev.Type != EventError {
		t.Fatalf("bad frame event = %+v", ev)
	}

	if err := conn.WriteJSON(intake.JobMessage{ID: "ws-1", Language: "python3", Source: "print(1+1)"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, conn); ev.Type != EventAccepted || ev.Job == nil || ev.Job.ID != "ws-1" {
		t.Fatalf("accepted event = %+v", ev)
	}
	ev := readEvent(t, conn)
	if ev.Type != EventResult || ev.Result == nil || ev.Result.Result.Stdout != "2\n" {
		t.Fatalf("result event = %+v", ev)
	}

	// A rejected job yields only a result frame.
	if err := conn.WriteJSON(intake.JobMessage{ID: "ws-2", Language: "cobol", Source: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev = readEvent(t, conn)
	if ev.Type != EventResult || ev.Result.Outcome != intake.OutcomeRejected {
		t.Fatalf("rejected event = %+v", ev)
	}
}

func TestStreamCloseCancelsJob(t *testing.T) {
	svc := &fakeIntake{accepting: true, block: make(chan struct{}), cancelled: make(chan struct{})}
	defer close(svc.block)
	conn := dialStream(t, newRouter(svc))

	if err := conn.WriteJSON(intake.JobMessage{ID: "ws-3", Language: "c", Source: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, conn); ev.Type != EventAccepted {
		t.Fatalf("accepted event = %+v", ev)
	}
	if err := conn.WriteJSON(intake.JobMessage{ID: "ws-4", Language: "c", Source: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, conn); ev.Type != EventError {
		t.Fatalf("second job on a busy socket = %+v", ev)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	select {
	case <-svc.cancelled:
	case <-time.After(3 * time.Second):
		t.Fatalf("closing the socket did not cancel the job")
	}
}

func TestBindJobRejectsOversizedBody(t *testing.T) {
	router := newRouter(&fakeIntake{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(bytes.Repeat([]byte("a"), 4096)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestGuardsApplyToIntakeRoutesOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	deny := func(c *gin.Context) { c.AbortWithStatus(http.StatusTooManyRequests) }
	Register(router, NewExecutionController(&fakeIntake{accepting: true}, 0), nil, deny)

	w, _ := doJSON(t, router, http.MethodPost, "/api/v1/executions", `{"language":"c","source":"x"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("guarded route = %d", w.Code)
	}
	w, _ = doJSON(t, router, http.MethodGet, "/api/v1/languages", "")
	if w.Code != http.StatusOK {
		t.Fatalf("unguarded route = %d", w.Code)
	}
	w, _ = doJSON(t, router, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("metrics without handler = %d", w.Code)
	}
}

func TestStreamChecksOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	Register(router, NewExecutionController(&fakeIntake{accepting: true}, 0).WithOrigins([]string{"https://ide.example.com"}), nil)
	srv := httptest.NewServer(router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/executions/ws"

	if _, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}}); err == nil {
		t.Fatalf("foreign origin upgraded")
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://ide.example.com"}})
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	_ = conn.Close()
}

func TestStreamDefaultsToSameOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	Register(router, NewExecutionController(&fakeIntake{accepting: true}, 0), nil)
	srv := httptest.NewServer(router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/executions/ws"

	if _, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}}); err == nil {
		t.Fatalf("cross-site origin upgraded")
	}
	for _, header := range []http.Header{{"Origin": {srv.URL}}, nil} {
		conn, _, err := websocket.DefaultDialer.Dial(url, header)
		if err != nil {
			t.Fatalf("dial with %v: %v", header, err)
		}
		_ = conn.Close()
	}
}
