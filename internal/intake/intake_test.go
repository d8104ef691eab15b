package intake

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"execbox/internal/common/mq"
	"execbox/internal/coordinator"
	"execbox/internal/pool"
	"execbox/internal/sandbox/profile"
	"execbox/internal/sandbox/result"
	appErr "execbox/pkg/errors"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []coordinator.Job
	block chan struct{}
	fn    func(ctx context.Context, job coordinator.Job) result.ExecutionResult
}

func (f *fakeExecutor) Execute(ctx context.Context, job coordinator.Job) result.ExecutionResult {
	f.mu.Lock()
	f.calls = append(f.calls, job)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return result.Cancelled()
		}
	}
	if f.fn != nil {
		return f.fn(ctx, job)
	}
	return result.ExecutionResult{Status: result.StatusSuccess, Stdout: "2\n", ExitCode: result.IntPtr(0)}
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeQueue struct {
	mu        sync.Mutex
	published map[string][]*mq.Message
}

func (q *fakeQueue) Publish(_ context.Context, topic string, message *mq.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.published == nil {
		q.published = make(map[string][]*mq.Message)
	}
	q.published[topic] = append(q.published[topic], message)
	return nil
}

func (q *fakeQueue) on(topic string) []*mq.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*mq.Message(nil), q.published[topic]...)
}

type countingMetrics struct {
	mu    sync.Mutex
	codes map[string]int
}

func (m *countingMetrics) IncJobRejected(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.codes == nil {
		m.codes = make(map[string]int)
	}
	m.codes[code]++
}

func (m *countingMetrics) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.codes {
		n += v
	}
	return n
}

type harness struct {
	svc     *Service
	exec    *fakeExecutor
	queue   *fakeQueue
	codec   *ResultCodec
	ledger  *MemoryLedger
	metrics *countingMetrics
	pool    *pool.Pool
}

func newHarness(t *testing.T, poolCfg pool.Config, retry RetryPolicy) *harness {
	t.Helper()
	reg, err := profile.NewRegistry(nil, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	p, err := pool.New(poolCfg, nil)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	codec, err := NewResultCodec(0)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	t.Cleanup(codec.Close)
	queue := &fakeQueue{}
	publisher, err := NewKafkaPublisher(queue, "execbox.results", codec)
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	h := &harness{
		exec:    &fakeExecutor{},
		queue:   queue,
		codec:   codec,
		ledger:  NewMemoryLedger(time.Hour),
		metrics: &countingMetrics{},
		pool:    p,
	}
	h.svc, err = NewService(Config{
		Languages:  reg,
		Validation: Validation{MaxSourceBytes: 1024, MaxStdinBytes: 64},
		Executor:   h.exec,
		Pool:       p,
		Ledger:     h.ledger,
		Publisher:  publisher,
		Producer:   queue,
		Metrics:    h.metrics,
		JobTopic:   "execbox.jobs",
		JobTTL:     time.Minute,
		Retry:      retry,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return h
}

func (h *harness) results(t *testing.T) []ResultMessage {
	t.Helper()
	var out []ResultMessage
	for _, m := range h.queue.on("execbox.results") {
		msg, err := h.codec.Decode(m.Body, m.Headers)
		if err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if m.ID != msg.ID {
			t.Fatalf("result keyed by %q, body id %q", m.ID, msg.ID)
		}
		out = append(out, msg)
	}
	return out
}

func jobBody(t *testing.T, msg JobMessage) []byte {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func TestValidate(t *testing.T) {
	reg, _ := profile.NewRegistry(map[string]profile.Override{"java": {Disabled: true}}, nil)
	v := NewValidator(Validation{MaxSourceBytes: 10, MaxStdinBytes: 4}, reg)

	cases := []struct {
		name string
		msg  JobMessage
		code appErr.ErrorCode
	}{
		{name: "empty source", msg: JobMessage{Language: "c"}, code: appErr.RequiredFieldEmpty},
		{name: "source too large", msg: JobMessage{Language: "c", Source: strings.Repeat("x", 11)}, code: appErr.SourceTooLarge},
		{name: "stdin too large", msg: JobMessage{Language: "c", Source: "x", Stdin: "12345"}, code: appErr.StdinTooLarge},
		{name: "unknown language", msg: JobMessage{Language: "cobol", Source: "x"}, code: appErr.LanguageNotSupported},
		{name: "disabled language", msg: JobMessage{Language: "java", Source: "x"}, code: appErr.LanguageNotSupported},
		{name: "missing language", msg: JobMessage{Source: "x"}, code: appErr.ValidationFailed},
		{name: "bad id", msg: JobMessage{ID: "../etc", Language: "c", Source: "x"}, code: appErr.ValidationFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Validate(tc.msg); !appErr.Is(err, tc.code) {
				t.Fatalf("error = %v, want code %d", err, tc.code)
			}
		})
	}

	job, err := v.Validate(JobMessage{Language: "py", Source: "print(1)", Stdin: "1", Limits: nil})
	if err != nil {
		t.Fatalf("valid job: %v", err)
	}
	if job.ID == "" || job.Language != profile.LanguagePython3 || string(job.Stdin) != "1" {
		t.Fatalf("job = %+v", job)
	}

	if _, _, err := v.Decode([]byte("{not json")); !appErr.Is(err, appErr.InvalidFormat) {
		t.Fatalf("decode error = %v", err)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	reg, _ := profile.NewRegistry(nil, nil)
	v := NewValidator(Validation{}, reg)
	in := coordinator.Job{ID: "job-1", Language: profile.LanguageC, Source: "int main(){}", Stdin: []byte("in")}
	in.Limits.WallTimeMs = 500
	out, err := v.Validate(Message(in))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if out.ID != in.ID || out.Limits.WallTimeMs != 500 || string(out.Stdin) != "in" {
		t.Fatalf("round trip = %+v", out)
	}
	if Message(coordinator.Job{ID: "x", Language: profile.LanguageC, Source: "s"}).Limits != nil {
		t.Fatalf("zero limits should be omitted")
	}
}

func TestValidateCases(t *testing.T) {
	reg, _ := profile.NewRegistry(nil, nil)
	v := NewValidator(Validation{MaxStdinBytes: 4, MaxCases: 2}, reg)

	bad := []struct {
		name  string
		cases []CaseMessage
		stdin string
		code  appErr.ErrorCode
	}{
		{name: "too many", cases: []CaseMessage{{}, {}, {}}, code: appErr.ValidationFailed},
		{name: "with stdin", cases: []CaseMessage{{Input: "1"}}, stdin: "1", code: appErr.ValidationFailed},
		{name: "input too large", cases: []CaseMessage{{Input: "12345"}}, code: appErr.StdinTooLarge},
		{name: "expected too large", cases: []CaseMessage{{ExpectedOutput: "12345"}}, code: appErr.StdinTooLarge},
		{name: "duplicate srno", cases: []CaseMessage{{Srno: 2}, {Srno: 2}}, code: appErr.ValidationFailed},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Validate(JobMessage{Language: "c", Source: "x", Stdin: tc.stdin, Cases: tc.cases})
			if !appErr.Is(err, tc.code) {
				t.Fatalf("error = %v, want code %d", err, tc.code)
			}
		})
	}

	_, job, err := v.Decode([]byte(`{"language":"c","source":"x","cases":[{"input":"1 2","expected_output":"3"},{"srno":9,"input":"","expected_output":"0"}]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(job.Cases) != 2 || job.Cases[0].Srno != 1 || string(job.Cases[0].Input) != "1 2" || job.Cases[0].Expected != "3" || job.Cases[1].Srno != 9 {
		t.Fatalf("cases = %+v", job.Cases)
	}
	again, err := v.Validate(Message(job))
	if err != nil || len(again.Cases) != 2 || again.Cases[1].Expected != "0" {
		t.Fatalf("cases lost on the queue path: %+v %v", again.Cases, err)
	}
}

func TestRejectedHidesInternalDetail(t *testing.T) {
	msg := Rejected("job-1", "c", appErr.Wrapf(context.Canceled, appErr.ServiceUnavailable, "ledger at 10.0.0.1 down"))
	if msg.Outcome != OutcomeRejected || msg.Rejection.Code != appErr.ServiceUnavailable {
		t.Fatalf("rejection = %+v", msg.Rejection)
	}
	if strings.Contains(msg.Rejection.Reason, "10.0.0.1") {
		t.Fatalf("reason leaked detail: %q", msg.Rejection.Reason)
	}
	msg = Rejected("job-2", "c", appErr.ValidationError("id", "too long"))
	if msg.Rejection.Reason != "id too long" {
		t.Fatalf("validation reason = %q", msg.Rejection.Reason)
	}
}

func TestResultCodecCompressesLargeBodies(t *testing.T) {
	codec, err := NewResultCodec(256)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	defer codec.Close()

	small := Executed("job-1", "c", result.ExecutionResult{Status: result.StatusSuccess, Stdout: "ok"})
	body, headers, err := codec.Encode(small)
	if err != nil || headers != nil {
		t.Fatalf("small encode headers=%v err=%v", headers, err)
	}
	if got, _ := codec.Decode(body, headers); got.Result.Stdout != "ok" {
		t.Fatalf("small decode = %+v", got)
	}

	large := Executed("job-2", "c", result.ExecutionResult{Status: result.StatusSuccess, Stdout: strings.Repeat("a", 8192)})
	body, headers, err = codec.Encode(large)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if headers[HeaderContentEncoding] != "zstd" || len(body) >= 8192 {
		t.Fatalf("large body not compressed: headers=%v len=%d", headers, len(body))
	}
	got, err := codec.Decode(body, headers)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "job-2" || len(got.Result.Stdout) != 8192 {
		t.Fatalf("decoded id=%q stdout=%d", got.ID, len(got.Result.Stdout))
	}
	if _, err := codec.Decode([]byte("garbage"), map[string]string{HeaderContentEncoding: "zstd"}); err == nil {
		t.Fatalf("expected error for corrupt body")
	}
}

func TestComputePoolBackoff(t *testing.T) {
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}
	for _, tc := range cases {
		if got := computePoolBackoff(tc.retry, 100*time.Millisecond, time.Second); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.retry, got, tc.want)
		}
	}
	if computePoolBackoff(3, 0, time.Second) != 0 {
		t.Errorf("zero base should disable backoff")
	}
}

func TestExecuteSync(t *testing.T) {
	h := newHarness(t, pool.Config{Size: 2, QueueSize: 2}, RetryPolicy{})
	var accepted []JobRecord
	res := h.svc.Execute(context.Background(), JobMessage{ID: "sync-1", Language: "python3", Source: "print(1+1)"}, func(rec JobRecord) {
		accepted = append(accepted, rec)
	})
	if res.Outcome != OutcomeExecuted || res.Result.Status != result.StatusSuccess || res.Result.Stdout != "2\n" {
		t.Fatalf("result = %+v", res)
	}
	if len(accepted) != 1 || accepted[0].ID != "sync-1" {
		t.Fatalf("accepted = %+v", accepted)
	}
	rec, err := h.svc.Status(context.Background(), "sync-1")
	if err != nil || rec.State != StateFinished || rec.Status != string(result.StatusSuccess) {
		t.Fatalf("ledger = %+v, %v", rec, err)
	}

	dup := h.svc.Execute(context.Background(), JobMessage{ID: "sync-1", Language: "python3", Source: "print(1+1)"}, nil)
	if dup.Outcome != OutcomeRejected || dup.Rejection.Code != appErr.DuplicateJob {
		t.Fatalf("duplicate = %+v", dup)
	}
	if h.exec.count() != 1 {
		t.Fatalf("executor calls = %d", h.exec.count())
	}
	if rec, _ := h.svc.Status(context.Background(), "sync-1"); rec.State != StateFinished {
		t.Fatalf("duplicate overwrote ledger state: %+v", rec)
	}

	bad := h.svc.Execute(context.Background(), JobMessage{Language: "cobol", Source: "x"}, nil)
	if bad.Outcome != OutcomeRejected || bad.Rejection.Code != appErr.LanguageNotSupported {
		t.Fatalf("bad = %+v", bad)
	}
	if h.metrics.total() != 2 {
		t.Fatalf("rejections counted = %d", h.metrics.total())
	}
}

func TestExecuteSyncCancelledWhileQueued(t *testing.T) {
	h := newHarness(t, pool.Config{Size: 1, QueueSize: 1}, RetryPolicy{})
	h.exec.block = make(chan struct{})
	defer close(h.exec.block)

	go h.svc.Execute(context.Background(), JobMessage{ID: "busy", Language: "c", Source: "x"}, nil)
	waitFor(t, func() bool { return h.exec.count() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan ResultMessage, 1)
	queued := make(chan struct{})
	go func() {
		done <- h.svc.Execute(ctx, JobMessage{ID: "queued", Language: "c", Source: "x"}, func(JobRecord) { close(queued) })
	}()
	<-queued
	cancel()
	h.exec.block <- struct{}{}

	select {
	case res := <-done:
		if res.Result == nil || res.Result.Status != result.StatusInternalError || res.Result.Message != result.CancelledMessage {
			t.Fatalf("cancelled result = %+v", res.Result)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("cancelled job never delivered")
	}
	if h.exec.count() != 1 {
		t.Fatalf("cancelled job reached the executor")
	}
}

func TestExecuteSyncPoolFullRejects(t *testing.T) {
	h := newHarness(t, pool.Config{Size: 1, QueueSize: 1, Policy: pool.PolicyReject}, RetryPolicy{})
	h.exec.block = make(chan struct{})
	defer close(h.exec.block)
	fillPool(t, h)

	res := h.svc.Execute(context.Background(), JobMessage{ID: "second", Language: "c", Source: "x"}, nil)
	if res.Outcome != OutcomeRejected || res.Rejection.Code != appErr.ExecQueueFull {
		t.Fatalf("result = %+v", res)
	}
	rec, err := h.ledger.Get(context.Background(), "second")
	if err != nil || rec.State != StateRejected || rec.Code != appErr.ExecQueueFull {
		t.Fatalf("ledger = %+v, %v", rec, err)
	}
	// The claim was released, so the same id may be retried later.
	if ok, _ := h.ledger.Accept(context.Background(), JobRecord{ID: "second"}); !ok {
		t.Fatalf("claim not released after rejection")
	}
}

func TestHandleMessagePublishesOnce(t *testing.T) {
	h := newHarness(t, pool.Config{Size: 2, QueueSize: 4}, RetryPolicy{})
	msg := mq.NewMessage(jobBody(t, JobMessage{ID: "k-1", Language: "c", Source: "int main(){}"}))
	msg.ID = "k-1"

	if err := h.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := h.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	results := h.results(t)
	if len(results) != 1 {
		t.Fatalf("published %d results, want 1", len(results))
	}
	if results[0].Outcome != OutcomeExecuted || results[0].Result.Status != result.StatusSuccess {
		t.Fatalf("result = %+v", results[0])
	}
	if h.exec.count() != 1 {
		t.Fatalf("executor calls = %d", h.exec.count())
	}
}

func TestHandleMessageRejectsMalformed(t *testing.T) {
	h := newHarness(t, pool.Config{Size: 1, QueueSize: 1}, RetryPolicy{})

	notJSON := mq.NewMessage([]byte("{oops"))
	notJSON.ID = "m-1"
	if err := h.svc.HandleMessage(context.Background(), notJSON); err != nil {
		t.Fatalf("handle: %v", err)
	}
	tooBig := mq.NewMessage(jobBody(t, JobMessage{ID: "m-2", Language: "c", Source: strings.Repeat("x", 2048)}))
	if err := h.svc.HandleMessage(context.Background(), tooBig); err != nil {
		t.Fatalf("handle: %v", err)
	}

	results := h.results(t)
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].ID != "m-1" || results[0].Rejection.Code != appErr.InvalidFormat {
		t.Fatalf("first = %+v", results[0])
	}
	if results[1].ID != "m-2" || results[1].Rejection.Code != appErr.SourceTooLarge {
		t.Fatalf("second = %+v", results[1])
	}
	if h.exec.count() != 0 {
		t.Fatalf("malformed job reached the executor")
	}
}

func TestHandleMessageExpired(t *testing.T) {
	h := newHarness(t, pool.Config{Size: 1, QueueSize: 1}, RetryPolicy{})
	msg := mq.NewMessage(jobBody(t, JobMessage{ID: "old", Language: "c", Source: "x"}))
	msg.Timestamp = time.Now().Add(-time.Minute)
	msg.Expiration = time.Second

	if err := h.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	results := h.results(t)
	if len(results) != 1 || results[0].Rejection == nil || results[0].Rejection.Code != appErr.Timeout {
		t.Fatalf("results = %+v", results)
	}
	if rec, _ := h.ledger.Get(context.Background(), "old"); rec.State != StateRejected {
		t.Fatalf("ledger = %+v", rec)
	}
}

func TestHandleMessageTTLCancelsRunningJob(t *testing.T) {
	h := newHarness(t, pool.Config{Size: 1, QueueSize: 1}, RetryPolicy{})
	h.exec.block = make(chan struct{})
	defer close(h.exec.block)

	msg := mq.NewMessage(jobBody(t, JobMessage{ID: "ttl", Language: "c", Source: "x"}))
	msg.Expiration = 100 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- h.svc.HandleMessage(context.Background(), msg) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("job did not stop at its deadline")
	}
	results := h.results(t)
	if len(results) != 1 || results[0].Result == nil || results[0].Result.Message != result.CancelledMessage {
		t.Fatalf("results = %+v", results)
	}
}

func TestHandleMessageRequeuesWhenPoolFull(t *testing.T) {
	retry := RetryPolicy{Topic: "execbox.jobs.retry", MaxRetries: 1}
	h := newHarness(t, pool.Config{Size: 1, QueueSize: 1, Policy: pool.PolicyReject}, retry)
	h.exec.block = make(chan struct{})
	defer close(h.exec.block)
	fillPool(t, h)

	msg := mq.NewMessage(jobBody(t, JobMessage{ID: "later", Language: "c", Source: "x"}))
	msg.ID = "later"
	if err := h.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	requeued := h.queue.on("execbox.jobs.retry")
	if len(requeued) != 1 || requeued[0].Headers[poolRetryHeader] != "1" {
		t.Fatalf("requeued = %+v", requeued)
	}
	if len(h.results(t)) != 0 {
		t.Fatalf("requeued job must not publish a result")
	}

	// Second delivery exhausts the retry budget and is rejected.
	if err := h.svc.HandleMessage(context.Background(), requeued[0]); err != nil {
		t.Fatalf("handle requeued: %v", err)
	}
	results := h.results(t)
	if len(results) != 1 || results[0].Rejection == nil || results[0].Rejection.Code != appErr.ExecQueueFull {
		t.Fatalf("results = %+v", results)
	}
}

func TestEnqueue(t *testing.T) {
	h := newHarness(t, pool.Config{Size: 1, QueueSize: 1}, RetryPolicy{})
	rec, err := h.svc.Enqueue(context.Background(), JobMessage{Language: "cpp", Source: "int main(){}"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if rec.ID == "" || rec.State != StateQueued {
		t.Fatalf("record = %+v", rec)
	}
	jobs := h.queue.on("execbox.jobs")
	if len(jobs) != 1 || jobs[0].ID != rec.ID || jobs[0].Expiration != time.Minute {
		t.Fatalf("published = %+v", jobs)
	}
	var msg JobMessage
	if err := json.Unmarshal(jobs[0].Body, &msg); err != nil || msg.Language != "cpp" {
		t.Fatalf("body = %s, %v", jobs[0].Body, err)
	}

	// Consuming the enqueued job moves it through to finished.
	if err := h.svc.HandleMessage(context.Background(), jobs[0]); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, err := h.svc.Status(context.Background(), rec.ID)
	if err != nil || got.State != StateFinished {
		t.Fatalf("status = %+v, %v", got, err)
	}

	if _, err := h.svc.Enqueue(context.Background(), JobMessage{Language: "c"}); !appErr.Is(err, appErr.RequiredFieldEmpty) {
		t.Fatalf("invalid enqueue = %v", err)
	}
	if _, err := h.svc.Status(context.Background(), "nope"); !appErr.Is(err, appErr.JobNotFound) {
		t.Fatalf("missing status = %v", err)
	}
}

func TestEnqueueRefusesUsedID(t *testing.T) {
	h := newHarness(t, pool.Config{Size: 1, QueueSize: 1}, RetryPolicy{})
	ctx := context.Background()
	res := h.svc.Execute(ctx, JobMessage{ID: "reused", Language: "c", Source: "x"}, nil)
	if res.Outcome != OutcomeExecuted {
		t.Fatalf("execute = %+v", res)
	}

	_, err := h.svc.Enqueue(ctx, JobMessage{ID: "reused", Language: "c", Source: "x"})
	if !appErr.Is(err, appErr.DuplicateJob) {
		t.Fatalf("enqueue after execute = %v", err)
	}
	if jobs := h.queue.on("execbox.jobs"); len(jobs) != 0 {
		t.Fatalf("duplicate was published: %+v", jobs)
	}
	if rec, _ := h.svc.Status(ctx, "reused"); rec.State != StateFinished {
		t.Fatalf("ledger overwritten: %+v", rec)
	}

	if _, err := h.svc.Enqueue(ctx, JobMessage{ID: "queued-twice", Language: "c", Source: "x"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := h.svc.Enqueue(ctx, JobMessage{ID: "queued-twice", Language: "c", Source: "x"}); !appErr.Is(err, appErr.DuplicateJob) {
		t.Fatalf("second enqueue = %v", err)
	}
	if dup := h.svc.Execute(ctx, JobMessage{ID: "queued-twice", Language: "c", Source: "x"}, nil); dup.Rejection == nil || dup.Rejection.Code != appErr.DuplicateJob {
		t.Fatalf("execute of queued id = %+v", dup)
	}
	if h.exec.count() != 1 {
		t.Fatalf("executor calls = %d", h.exec.count())
	}
}

func TestRejectedIDCanBeResubmitted(t *testing.T) {
	h := newHarness(t, pool.Config{Size: 1, QueueSize: 1, Policy: pool.PolicyReject}, RetryPolicy{})
	h.exec.block = make(chan struct{})
	defer close(h.exec.block)
	fillPool(t, h)

	res := h.svc.Execute(context.Background(), JobMessage{ID: "retry-me", Language: "c", Source: "x"}, nil)
	if res.Rejection == nil || res.Rejection.Code != appErr.ExecQueueFull {
		t.Fatalf("full pool = %+v", res)
	}
	// The job never ran, so its id is free again.
	if _, err := h.svc.Enqueue(context.Background(), JobMessage{ID: "retry-me", Language: "c", Source: "x"}); err != nil {
		t.Fatalf("resubmit after rejection: %v", err)
	}
}

func TestExecutorPanicStillDelivers(t *testing.T) {
	h := newHarness(t, pool.Config{Size: 1, QueueSize: 1}, RetryPolicy{})
	h.exec.fn = func(context.Context, coordinator.Job) result.ExecutionResult { panic("boom") }
	res := h.svc.Execute(context.Background(), JobMessage{ID: "p", Language: "c", Source: "x"}, nil)
	if res.Result == nil || res.Result.Status != result.StatusInternalError {
		t.Fatalf("result = %+v", res)
	}
}

func TestConcurrentJobsEachDeliverOnce(t *testing.T) {
	h := newHarness(t, pool.Config{Size: 4, QueueSize: 8}, RetryPolicy{})
	var executed atomic.Int64
	h.exec.fn = func(context.Context, coordinator.Job) result.ExecutionResult {
		executed.Add(1)
		time.Sleep(time.Millisecond)
		return result.ExecutionResult{Status: result.StatusSuccess}
	}
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := mq.NewMessage(jobBody(t, JobMessage{Language: "c", Source: "x"}))
			if err := h.svc.HandleMessage(context.Background(), msg); err != nil {
				t.Errorf("handle %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	results := h.results(t)
	if len(results) != 32 || executed.Load() != 32 {
		t.Fatalf("results = %d, executed = %d", len(results), executed.Load())
	}
	seen := make(map[string]bool)
	for _, r := range results {
		if seen[r.ID] {
			t.Fatalf("result %s published twice", r.ID)
		}
		seen[r.ID] = true
	}
}

// fillPool occupies the single worker and the single queue slot.
func fillPool(t *testing.T, h *harness) {
	t.Helper()
	go h.svc.Execute(context.Background(), JobMessage{ID: "running", Language: "c", Source: "x"}, nil)
	waitFor(t, func() bool { return h.exec.count() == 1 })
	queued := make(chan struct{})
	go h.svc.Execute(context.Background(), JobMessage{ID: "waiting", Language: "c", Source: "x"}, func(JobRecord) { close(queued) })
	<-queued
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
