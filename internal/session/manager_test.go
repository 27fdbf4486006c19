package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/monshin/internal/capture"
	"github.com/foxseedlab/monshin/internal/config"
	"github.com/foxseedlab/monshin/internal/repository"
	"github.com/foxseedlab/monshin/internal/webhook"
)

type mockRepository struct {
	mu          sync.Mutex
	createCount int
	running     *repository.CaptureSession
	completed   []repository.CompleteSessionInput
	attempts    []repository.InsertSegmentAttemptInput
	transcripts []repository.TranscriptSegment
	createErr   error
}

func (m *mockRepository) CreateSession(_ context.Context, input repository.CreateSessionInput) (*repository.CaptureSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.createCount++
	return &repository.CaptureSession{
		ID:             fmt.Sprintf("capture-%d", m.createCount),
		ConsultationID: input.ConsultationID,
		StreamTag:      input.StreamTag,
		StartedAt:      input.StartedAt,
		Status:         repository.SessionStatusRunning,
	}, nil
}

func (m *mockRepository) CompleteSession(_ context.Context, input repository.CompleteSessionInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, input)
	if m.running != nil && m.running.ID == input.SessionID {
		m.running = nil
	}
	return nil
}

func (m *mockRepository) GetRunningSession(_ context.Context, consultationID, streamTag string) (*repository.CaptureSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running != nil && m.running.ConsultationID == consultationID && m.running.StreamTag == streamTag {
		return m.running, nil
	}
	return nil, nil
}

func (m *mockRepository) InsertSegmentAttempt(_ context.Context, input repository.InsertSegmentAttemptInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, input)
	return nil
}

func (m *mockRepository) ListSegmentAttempts(_ context.Context, sessionID string) ([]repository.SegmentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.SegmentAttempt
	for _, a := range m.attempts {
		if a.SessionID != sessionID {
			continue
		}
		out = append(out, repository.SegmentAttempt{
			SessionID:      a.SessionID,
			SequenceNumber: a.SequenceNumber,
			StreamTag:      a.StreamTag,
			Outcome:        a.Outcome,
			Bytes:          a.Bytes,
			Error:          a.Error,
			SettledAt:      a.SettledAt,
		})
	}
	return out, nil
}

func (m *mockRepository) InsertTranscriptSegment(context.Context, repository.InsertTranscriptInput) error {
	return nil
}

func (m *mockRepository) ListTranscriptSegments(context.Context, string) ([]repository.TranscriptSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]repository.TranscriptSegment(nil), m.transcripts...), nil
}

func (m *mockRepository) completions() []repository.CompleteSessionInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]repository.CompleteSessionInput(nil), m.completed...)
}

type mockWebhook struct {
	mu       sync.Mutex
	payloads []webhook.CaptureSummaryPayload
}

func (m *mockWebhook) SendCaptureSummary(_ context.Context, payload webhook.CaptureSummaryPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, payload)
	return nil
}

func (m *mockWebhook) sent() []webhook.CaptureSummaryPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]webhook.CaptureSummaryPayload(nil), m.payloads...)
}

type mockRecorder struct {
	mu               sync.Mutex
	sent             int
	failed           int
	skipped          int
	rotationFailures int
	active           int
}

func (m *mockRecorder) SegmentSent(string, int64, time.Duration) { m.inc(&m.sent) }
func (m *mockRecorder) SegmentFailed(string, time.Duration)      { m.inc(&m.failed) }
func (m *mockRecorder) SegmentSkipped(string)                    { m.inc(&m.skipped) }
func (m *mockRecorder) RotationFailed(string)                    { m.inc(&m.rotationFailures) }
func (m *mockRecorder) SessionStarted()                          { m.inc(&m.active) }

func (m *mockRecorder) SessionStopped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active--
}

func (m *mockRecorder) inc(n *int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*n++
}

type mockController struct {
	mu         sync.Mutex
	opts       capture.Options
	startErr   error
	startedFor string
	stats      capture.Stats
	stopped    bool
	drained    bool
	closed     bool
	onStop     func(opts capture.Options)

	// block holds Stop until Close, like a final upload cut short.
	block           chan struct{}
	closeOnce       sync.Once
	stopCtxErr      error
	stopHasDeadline bool
}

func (m *mockController) Start(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		m.stats.LastError = m.startErr.Error()
		return m.startErr
	}
	m.startedFor = sessionID
	m.stats.Recording = true
	m.stats.SessionID = sessionID
	m.stats.SegmentIndex = 1
	return nil
}

func (m *mockController) Stop(ctx context.Context) {
	m.mu.Lock()
	onStop := m.onStop
	block := m.block
	m.stopped = true
	m.stopCtxErr = ctx.Err()
	_, m.stopHasDeadline = ctx.Deadline()
	m.stats.Recording = false
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	if onStop != nil {
		onStop(m.opts)
	}
}

func (m *mockController) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stats.Recording = false
	m.closeOnce.Do(func() {
		if m.block != nil {
			close(m.block)
		}
	})
}

func (m *mockController) Drain(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drained = true
	return nil
}

func (m *mockController) Stats() capture.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

type managerHarness struct {
	repo        *mockRepository
	webhook     *mockWebhook
	recorder    *mockRecorder
	controllers []*mockController
	next        func() *mockController
	m           *Manager
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()
	h := &managerHarness{
		repo:     &mockRepository{},
		webhook:  &mockWebhook{},
		recorder: &mockRecorder{},
		next:     func() *mockController { return &mockController{} },
	}
	cfg := &config.Config{
		StreamTag:            "local",
		MaxConcurrentUploads: 2,
		TranscriptTimezone:   "Asia/Tokyo",
	}
	h.m = NewManager(cfg, h.repo, h.webhook, h.recorder, func(opts capture.Options) CaptureController {
		c := h.next()
		c.opts = opts
		h.controllers = append(h.controllers, c)
		return c
	})
	h.m.now = func() time.Time { return time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC) }
	return h
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition was not met before timeout")
}

func TestStartCapture_CreatesLedgerAndStartsController(t *testing.T) {
	h := newManagerHarness(t)

	status, err := h.m.StartCapture(context.Background(), "consultation-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.Active || status.ConsultationID != "consultation-1" || status.CaptureSessionID != "capture-1" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if !status.Capture.Recording {
		t.Fatal("expected controller stats to report recording")
	}
	ctrl := h.controllers[0]
	if ctrl.startedFor != "consultation-1" {
		t.Fatalf("controller must be started with the consultation id, got %q", ctrl.startedFor)
	}
	if ctrl.opts.StreamTag != "local" || ctrl.opts.MaxConcurrentUploads != 2 || ctrl.opts.Observer == nil {
		t.Fatalf("unexpected controller options: %+v", ctrl.opts)
	}
	if h.recorder.active != 1 {
		t.Fatalf("expected one active session, got %d", h.recorder.active)
	}
}

func TestStartCapture_SameConsultationIsIdempotent(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	if _, err := h.m.StartCapture(ctx, "consultation-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	status, err := h.m.StartCapture(ctx, "consultation-1")
	if err != nil {
		t.Fatalf("second start must succeed: %v", err)
	}
	if status.CaptureSessionID != "capture-1" {
		t.Fatalf("expected the running session, got %+v", status)
	}
	if h.repo.createCount != 1 || len(h.controllers) != 1 {
		t.Fatalf("second start must not create anything: rows=%d controllers=%d", h.repo.createCount, len(h.controllers))
	}
}

func TestStartCapture_AnotherConsultationIsRejected(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	if _, err := h.m.StartCapture(ctx, "consultation-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := h.m.StartCapture(ctx, "consultation-2"); !errors.Is(err, ErrAnotherSessionActive) {
		t.Fatalf("expected ErrAnotherSessionActive, got %v", err)
	}
}

func TestStartCapture_ClosesOrphanLedgerRow(t *testing.T) {
	h := newManagerHarness(t)
	h.repo.running = &repository.CaptureSession{ID: "stale", ConsultationID: "consultation-1", StreamTag: "local"}

	if _, err := h.m.StartCapture(context.Background(), "consultation-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	completed := h.repo.completions()
	if len(completed) != 1 {
		t.Fatalf("expected the orphan to be completed, got %+v", completed)
	}
	if completed[0].SessionID != "stale" || completed[0].Status != repository.SessionStatusAborted || completed[0].StopReason != StopReasonOrphaned {
		t.Fatalf("unexpected orphan completion: %+v", completed[0])
	}
}

func TestStartCapture_LeavesOtherStreamRunningRowAlone(t *testing.T) {
	h := newManagerHarness(t)
	remote := &repository.CaptureSession{ID: "remote-live", ConsultationID: "consultation-1", StreamTag: "remote"}
	h.repo.running = remote

	if _, err := h.m.StartCapture(context.Background(), "consultation-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completed := h.repo.completions(); len(completed) != 0 {
		t.Fatalf("another stream's live row must not be closed as orphaned: %+v", completed)
	}
	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	if h.repo.running != remote {
		t.Fatal("expected the remote row to stay running")
	}
}

func TestStartCapture_PermissionDeniedExplainsOnce(t *testing.T) {
	h := newManagerHarness(t)
	h.next = func() *mockController { return &mockController{startErr: capture.ErrPermissionDenied} }
	ctx := context.Background()

	_, err := h.m.StartCapture(ctx, "consultation-1")
	var denied *PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected PermissionDeniedError, got %v", err)
	}
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatal("expected error to match capture.ErrPermissionDenied")
	}
	if denied.Explanation == "" {
		t.Fatal("first denial must carry an explanation")
	}

	_, err = h.m.StartCapture(ctx, "consultation-1")
	if !errors.As(err, &denied) {
		t.Fatalf("expected PermissionDeniedError, got %v", err)
	}
	if denied.Explanation != "" {
		t.Fatal("explanation must only be shown once per consultation")
	}

	if h.m.Status().Active {
		t.Fatal("denied start must leave no active capture")
	}
	for _, c := range h.controllers {
		if !c.closed {
			t.Fatal("controller of a failed start must be closed")
		}
	}
	completed := h.repo.completions()
	if len(completed) != 2 || completed[0].StopReason != StopReasonPermissionDenied {
		t.Fatalf("expected ledger rows aborted for permission denial, got %+v", completed)
	}
}

func TestStartCapture_DeviceUnavailable(t *testing.T) {
	h := newManagerHarness(t)
	h.next = func() *mockController {
		return &mockController{startErr: fmt.Errorf("%w: begin first segment: boom", capture.ErrDeviceUnavailable)}
	}

	_, err := h.m.StartCapture(context.Background(), "consultation-1")
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	completed := h.repo.completions()
	if len(completed) != 1 || completed[0].StopReason != StopReasonDeviceUnavailable || completed[0].Status != repository.SessionStatusAborted {
		t.Fatalf("unexpected ledger completion: %+v", completed)
	}
	if completed[0].LastError == "" {
		t.Fatal("expected last error to be recorded")
	}
	if h.recorder.active != 0 {
		t.Fatalf("failed start must not count as active, got %d", h.recorder.active)
	}
}

func TestStartCapture_CreateSessionError(t *testing.T) {
	h := newManagerHarness(t)
	h.repo.createErr = errors.New("db down")

	if _, err := h.m.StartCapture(context.Background(), "consultation-1"); err == nil {
		t.Fatal("expected error")
	}
	if len(h.controllers) != 0 {
		t.Fatal("no controller may be built without a ledger row")
	}
}

func TestStopCapture_CompletesLedgerAndSendsSummary(t *testing.T) {
	h := newManagerHarness(t)
	h.repo.transcripts = []repository.TranscriptSegment{
		{SequenceNumber: 1, StreamTag: "local", Content: "お大事に"},
		{SequenceNumber: 0, StreamTag: "local", Content: "今日はどうされましたか"},
	}
	h.next = func() *mockController {
		c := &mockController{}
		c.onStop = func(opts capture.Options) {
			opts.Observer.OnSegmentSettled(capture.SegmentResult{SessionID: "consultation-1", SequenceNumber: 0, StreamTag: "local", Bytes: 32000, Outcome: capture.OutcomeSent})
			opts.Observer.OnSegmentSettled(capture.SegmentResult{SessionID: "consultation-1", SequenceNumber: 1, StreamTag: "local", Outcome: capture.OutcomeFailed, Err: errors.New("503")})
			c.mu.Lock()
			c.stats.SegmentIndex = 2
			c.stats.SegmentsSent = 1
			c.stats.SegmentsFailed = 1
			c.stats.LastError = "503"
			c.mu.Unlock()
		}
		return c
	}
	ctx := context.Background()

	if _, err := h.m.StartCapture(ctx, "consultation-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	summary, err := h.m.StopCapture(ctx, "consultation-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.SegmentCount != 2 || summary.SegmentsSent != 1 || summary.SegmentsFailed != 1 || summary.StopReason != StopReasonManual {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	ctrl := h.controllers[0]
	if !ctrl.stopped || !ctrl.drained || !ctrl.closed {
		t.Fatalf("expected stop, drain and close: %+v", ctrl)
	}
	completed := h.repo.completions()
	if len(completed) != 1 || completed[0].Status != repository.SessionStatusCompleted || completed[0].SegmentsSent != 1 {
		t.Fatalf("unexpected ledger completion: %+v", completed)
	}
	if h.m.Status().Active {
		t.Fatal("expected no active capture after stop")
	}
	if h.recorder.sent != 1 || h.recorder.failed != 1 || h.recorder.active != 0 {
		t.Fatalf("unexpected metrics: %+v", h.recorder)
	}

	waitUntil(t, time.Second, func() bool { return len(h.webhook.sent()) == 1 })
	payload := h.webhook.sent()[0]
	if payload.CaptureSessionID != "capture-1" || payload.ConsultationID != "consultation-1" {
		t.Fatalf("unexpected payload ids: %+v", payload)
	}
	if len(payload.Segments) != 2 || payload.Segments[1].Outcome != "failed" {
		t.Fatalf("unexpected payload segments: %+v", payload.Segments)
	}
	if len(payload.TranscriptSegments) != 2 || payload.TranscriptSegments[0].Text != "今日はどうされましたか" {
		t.Fatalf("transcripts must be ordered by sequence number: %+v", payload.TranscriptSegments)
	}
}

func TestStopCapture_NotRunning(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	if _, err := h.m.StopCapture(ctx, "consultation-1"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if _, err := h.m.StartCapture(ctx, "consultation-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := h.m.StopCapture(ctx, "consultation-2"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning for a different consultation, got %v", err)
	}
}

func TestStopAll_StopsActiveAndWaitsForSummary(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	if _, err := h.m.StartCapture(ctx, "consultation-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.m.StopAll(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.webhook.sent()) != 1 {
		t.Fatal("StopAll must wait for the summary webhook")
	}
	if got := h.repo.completions()[0].StopReason; got != StopReasonServerShutdown {
		t.Fatalf("unexpected stop reason: %s", got)
	}
}

func TestAbort_ClosesWithoutSummary(t *testing.T) {
	h := newManagerHarness(t)

	if _, err := h.m.StartCapture(context.Background(), "consultation-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.m.Abort()

	ctrl := h.controllers[0]
	if ctrl.stopped || !ctrl.closed {
		t.Fatalf("abort must close without stopping: %+v", ctrl)
	}
	completed := h.repo.completions()
	if len(completed) != 1 || completed[0].Status != repository.SessionStatusAborted || completed[0].StopReason != StopReasonAborted {
		t.Fatalf("unexpected ledger completion: %+v", completed)
	}
	if len(h.webhook.sent()) != 0 {
		t.Fatal("abort must not send a summary")
	}
	h.m.Abort()
}

func TestStopCapture_DetachesFromCancelledRequest(t *testing.T) {
	h := newManagerHarness(t)
	if _, err := h.m.StartCapture(context.Background(), "consultation-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.m.StopCapture(ctx, "consultation-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctrl := h.controllers[0]
	ctrl.mu.Lock()
	stopErr, hasDeadline := ctrl.stopCtxErr, ctrl.stopHasDeadline
	ctrl.mu.Unlock()
	if stopErr != nil {
		t.Fatalf("stop must not inherit the caller's cancellation, got %v", stopErr)
	}
	if !hasDeadline {
		t.Fatal("expected stop to run under its own deadline")
	}
	completed := h.repo.completions()
	if len(completed) != 1 || completed[0].Status != repository.SessionStatusCompleted {
		t.Fatalf("unexpected ledger completion: %+v", completed)
	}
	waitUntil(t, time.Second, func() bool { return len(h.webhook.sent()) == 1 })
}

func TestStopAll_DeadlineThenAbortTearsDown(t *testing.T) {
	h := newManagerHarness(t)
	h.next = func() *mockController { return &mockController{block: make(chan struct{})} }
	if _, err := h.m.StartCapture(context.Background(), "consultation-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.m.StopAll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while stop is blocked, got %v", err)
	}

	aborted := make(chan struct{})
	go func() {
		h.m.Abort()
		close(aborted)
	}()
	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("abort waited on the stop in progress")
	}

	// The blocked stop finishes once Close releases it; wait for it to let go.
	h.m.opMu.Lock()
	h.m.opMu.Unlock()

	completed := h.repo.completions()
	if len(completed) != 1 || completed[0].Status != repository.SessionStatusAborted || completed[0].StopReason != StopReasonAborted {
		t.Fatalf("expected a single aborted completion, got %+v", completed)
	}
	if !h.controllers[0].closed {
		t.Fatal("expected controller to be closed")
	}
	if len(h.webhook.sent()) != 0 {
		t.Fatal("an aborted capture must not send a summary")
	}
	if h.m.Status().Active {
		t.Fatal("expected no active capture after abort")
	}
}

func TestSegmentObserver_RecordsAttemptsAndMetrics(t *testing.T) {
	h := newManagerHarness(t)

	if _, err := h.m.StartCapture(context.Background(), "consultation-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	opts := h.controllers[0].opts
	opts.Observer.OnSegmentSettled(capture.SegmentResult{SequenceNumber: 0, StreamTag: "local", Bytes: 1000, Outcome: capture.OutcomeSkipped})
	opts.OnRotationFailure(errors.New("device busy"))

	if len(h.repo.attempts) != 1 || h.repo.attempts[0].SessionID != "capture-1" || h.repo.attempts[0].Outcome != "skipped" {
		t.Fatalf("unexpected attempts: %+v", h.repo.attempts)
	}
	if h.recorder.skipped != 1 || h.recorder.rotationFailures != 1 {
		t.Fatalf("unexpected metrics: %+v", h.recorder)
	}
}
