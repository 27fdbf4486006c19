package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxseedlab/monshin/internal/capture"
	"github.com/foxseedlab/monshin/internal/config"
	"github.com/foxseedlab/monshin/internal/metrics"
	"github.com/foxseedlab/monshin/internal/repository"
	"github.com/foxseedlab/monshin/internal/webhook"
)

const (
	// stopTimeout bounds a stop once it is detached from the caller.
	stopTimeout        = 2 * time.Minute
	drainTimeout       = 30 * time.Second
	ledgerWriteTimeout = 5 * time.Second
	finalizeTimeout    = 30 * time.Second
)

var (
	ErrAnotherSessionActive = errors.New("another consultation is already being captured")
	ErrNotRunning           = errors.New("capture is not running for this consultation")
)

// PermissionDeniedError carries the explanation shown to the user. The
// explanation is only set the first time a consultation is denied.
type PermissionDeniedError struct {
	Explanation string
}

func (e *PermissionDeniedError) Error() string {
	return capture.ErrPermissionDenied.Error()
}

func (e *PermissionDeniedError) Unwrap() error {
	return capture.ErrPermissionDenied
}

// CaptureController is the part of *capture.Controller the manager drives.
type CaptureController interface {
	Start(ctx context.Context, sessionID string) error
	Stop(ctx context.Context)
	Close()
	Drain(ctx context.Context) error
	Stats() capture.Stats
}

type ControllerFactory func(opts capture.Options) CaptureController

type Status struct {
	Active           bool          `json:"active"`
	ConsultationID   string        `json:"consultation_id,omitempty"`
	CaptureSessionID string        `json:"capture_session_id,omitempty"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	Capture          capture.Stats `json:"capture"`
}

type Summary struct {
	CaptureSessionID string    `json:"capture_session_id"`
	ConsultationID   string    `json:"consultation_id"`
	StreamTag        string    `json:"stream_tag"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at"`
	StopReason       string    `json:"stop_reason"`
	SegmentCount     int       `json:"segment_count"`
	SegmentsSent     int       `json:"segments_sent"`
	SegmentsFailed   int       `json:"segments_failed"`
	SegmentsSkipped  int       `json:"segments_skipped"`
	LastError        string    `json:"last_error,omitempty"`
}

type activeCapture struct {
	consultationID string
	row            *repository.CaptureSession
	controller     CaptureController
	ended          atomic.Bool
}

// claimEnd reports whether the caller is the one to finish the capture's
// ledger row; stop and abort may race at shutdown.
func (a *activeCapture) claimEnd() bool {
	return a.ended.CompareAndSwap(false, true)
}

// Manager owns the single capture session of this process and keeps the
// ledger, metrics and summary webhook in step with it.
type Manager struct {
	cfg           *config.Config
	repo          repository.Repository
	webhook       webhook.Sender
	metrics       metrics.Recorder
	newController ControllerFactory
	now           func() time.Time

	// opMu serializes start and stop; mu only guards reads of active.
	opMu      sync.Mutex
	mu        sync.RWMutex
	active    *activeCapture
	explained map[string]bool

	finalizers sync.WaitGroup
}

func NewManager(cfg *config.Config, repo repository.Repository, wh webhook.Sender, rec metrics.Recorder, newController ControllerFactory) *Manager {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Manager{
		cfg:           cfg,
		repo:          repo,
		webhook:       wh,
		metrics:       rec,
		newController: newController,
		now:           time.Now,
		explained:     make(map[string]bool),
	}
}

// StartCapture begins capturing a consultation. Starting the consultation
// that is already being captured returns its status without side effects.
func (m *Manager) StartCapture(ctx context.Context, consultationID string) (Status, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if a := m.current(); a != nil {
		if a.consultationID == consultationID {
			slog.Info("capture already running for consultation", "consultation_id", consultationID, "capture_session_id", a.row.ID)
			return m.Status(), nil
		}
		return Status{}, ErrAnotherSessionActive
	}

	if err := m.closeOrphan(ctx, consultationID); err != nil {
		return Status{}, err
	}

	row, err := m.repo.CreateSession(ctx, repository.CreateSessionInput{
		ConsultationID: consultationID,
		StreamTag:      m.cfg.StreamTag,
		StartedAt:      m.now(),
	})
	if err != nil {
		slog.Error("failed to create capture session", "error", err, "consultation_id", consultationID)
		return Status{}, fmt.Errorf("create capture session: %w", err)
	}
	slog.Info("created capture session", "capture_session_id", row.ID, "consultation_id", consultationID)

	ctrl := m.newController(capture.Options{
		StreamTag:            m.cfg.StreamTag,
		MaxConcurrentUploads: int64(m.cfg.MaxConcurrentUploads),
		Observer:             m.segmentObserver(row.ID),
		OnRotationFailure: func(err error) {
			m.metrics.RotationFailed(m.cfg.StreamTag)
		},
	})
	if err := ctrl.Start(ctx, consultationID); err != nil {
		ctrl.Close()
		reason := startFailureReason(err)
		m.completeLedger(ctx, row, ctrl.Stats(), repository.SessionStatusAborted, reason, m.now())
		if errors.Is(err, capture.ErrPermissionDenied) {
			return Status{}, m.permissionDenied(consultationID)
		}
		return Status{}, err
	}

	m.mu.Lock()
	m.active = &activeCapture{consultationID: consultationID, row: row, controller: ctrl}
	m.mu.Unlock()
	m.metrics.SessionStarted()
	return m.Status(), nil
}

// StopCapture stops the consultation's capture, waiting for the final
// segment and background uploads before completing the ledger row.
func (m *Manager) StopCapture(ctx context.Context, consultationID string) (Summary, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	a := m.current()
	if a == nil || a.consultationID != consultationID {
		return Summary{}, ErrNotRunning
	}
	return m.stopActive(ctx, a, StopReasonManual), nil
}

// StopAll is the shutdown path. It stops any active capture and waits for
// pending summary webhooks until ctx is done. On error the capture may still
// be stopping; call Abort to tear it down.
func (m *Manager) StopAll(ctx context.Context) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		m.opMu.Lock()
		defer m.opMu.Unlock()
		if a := m.current(); a != nil {
			m.stopActive(ctx, a, StopReasonServerShutdown)
		}
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		return fmt.Errorf("stop active capture: %w", ctx.Err())
	}

	done := make(chan struct{})
	go func() {
		m.finalizers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for capture finalizers: %w", ctx.Err())
	}
}

// Abort tears the active capture down without uploading its final segment.
// It does not wait for a stop in progress; that stop's final upload is
// cancelled and its ledger write is skipped.
func (m *Manager) Abort() {
	a := m.current()
	if a == nil || !a.claimEnd() {
		return
	}
	slog.Warn("aborting capture", "consultation_id", a.consultationID, "capture_session_id", a.row.ID)
	a.controller.Close()
	m.completeLedger(context.Background(), a.row, a.controller.Stats(), repository.SessionStatusAborted, StopReasonAborted, m.now())
	m.clearActive()
}

func (m *Manager) Status() Status {
	a := m.current()
	if a == nil {
		return Status{}
	}
	startedAt := a.row.StartedAt
	return Status{
		Active:           true,
		ConsultationID:   a.consultationID,
		CaptureSessionID: a.row.ID,
		StartedAt:        &startedAt,
		Capture:          a.controller.Stats(),
	}
}

func (m *Manager) current() *activeCapture {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

func (m *Manager) clearActive() {
	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()
	m.metrics.SessionStopped()
}

func (m *Manager) stopActive(ctx context.Context, a *activeCapture, reason string) Summary {
	slog.Info("stopping capture", "consultation_id", a.consultationID, "capture_session_id", a.row.ID, "reason", reason)
	// A disconnected caller must not cost the final segment.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	a.controller.Stop(ctx)

	drainCtx, cancelDrain := context.WithTimeout(ctx, drainTimeout)
	if err := a.controller.Drain(drainCtx); err != nil {
		slog.Warn("background uploads did not settle before stop completed", "capture_session_id", a.row.ID, "error", err)
	}
	cancelDrain()

	stats := a.controller.Stats()
	a.controller.Close()
	endedAt := m.now()

	summary := Summary{
		CaptureSessionID: a.row.ID,
		ConsultationID:   a.consultationID,
		StreamTag:        a.row.StreamTag,
		StartedAt:        a.row.StartedAt,
		EndedAt:          endedAt,
		StopReason:       reason,
		SegmentCount:     stats.SegmentIndex,
		SegmentsSent:     stats.SegmentsSent,
		SegmentsFailed:   stats.SegmentsFailed,
		SegmentsSkipped:  stats.SegmentsSkipped,
		LastError:        stats.LastError,
	}
	if !a.claimEnd() {
		slog.Warn("capture was aborted while stopping", "capture_session_id", a.row.ID)
		return summary
	}
	m.completeLedger(ctx, a.row, stats, repository.SessionStatusCompleted, reason, endedAt)
	m.clearActive()

	m.finalizers.Add(1)
	go func() {
		defer m.finalizers.Done()
		m.finalizeCapture(summary)
	}()
	return summary
}

func (m *Manager) finalizeCapture(summary Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	attempts, err := m.repo.ListSegmentAttempts(ctx, summary.CaptureSessionID)
	if err != nil {
		slog.Error("failed to list segment attempts", "error", err, "capture_session_id", summary.CaptureSessionID)
		return
	}
	transcripts, err := m.repo.ListTranscriptSegments(ctx, summary.CaptureSessionID)
	if err != nil {
		slog.Error("failed to list transcript segments", "error", err, "capture_session_id", summary.CaptureSessionID)
		return
	}
	payload := buildCaptureSummaryPayload(summary, m.cfg.TranscriptTimezone, m.cfg.Location(), attempts, transcripts)
	if err := m.webhook.SendCaptureSummary(ctx, payload); err != nil {
		slog.Error("failed to send capture summary webhook", "error", err, "capture_session_id", summary.CaptureSessionID)
		return
	}
	slog.Info("capture summary sent", "capture_session_id", summary.CaptureSessionID, "segments", len(payload.Segments), "transcripts", len(payload.TranscriptSegments))
}

func (m *Manager) closeOrphan(ctx context.Context, consultationID string) error {
	orphan, err := m.repo.GetRunningSession(ctx, consultationID, m.cfg.StreamTag)
	if err != nil {
		slog.Error("failed to query running capture session", "error", err, "consultation_id", consultationID)
		return fmt.Errorf("query running capture session: %w", err)
	}
	if orphan == nil {
		return nil
	}
	slog.Warn("found orphan running capture session; closing and continuing", "capture_session_id", orphan.ID, "consultation_id", consultationID, "stream_tag", m.cfg.StreamTag)
	if err := m.repo.CompleteSession(ctx, repository.CompleteSessionInput{
		SessionID:  orphan.ID,
		EndedAt:    m.now(),
		Status:     repository.SessionStatusAborted,
		StopReason: StopReasonOrphaned,
	}); err != nil {
		slog.Error("failed to complete orphan capture session", "error", err, "capture_session_id", orphan.ID)
		return fmt.Errorf("complete orphan capture session: %w", err)
	}
	return nil
}

func (m *Manager) completeLedger(ctx context.Context, row *repository.CaptureSession, stats capture.Stats, status repository.SessionStatus, reason string, endedAt time.Time) {
	ctx, cancel := context.WithTimeout(ctx, ledgerWriteTimeout)
	defer cancel()
	if err := m.repo.CompleteSession(ctx, repository.CompleteSessionInput{
		SessionID:       row.ID,
		EndedAt:         endedAt,
		Status:          status,
		StopReason:      reason,
		SegmentCount:    stats.SegmentIndex,
		SegmentsSent:    stats.SegmentsSent,
		SegmentsFailed:  stats.SegmentsFailed,
		SegmentsSkipped: stats.SegmentsSkipped,
		LastError:       stats.LastError,
	}); err != nil {
		slog.Error("failed to complete capture session", "error", err, "capture_session_id", row.ID)
	}
}

// segmentObserver records each settled segment. It runs on upload
// goroutines, so it must not take the manager's locks.
func (m *Manager) segmentObserver(captureSessionID string) capture.Observer {
	return capture.ObserverFunc(func(r capture.SegmentResult) {
		switch r.Outcome {
		case capture.OutcomeSent:
			m.metrics.SegmentSent(r.StreamTag, r.Bytes, r.Duration)
		case capture.OutcomeSkipped:
			m.metrics.SegmentSkipped(r.StreamTag)
		default:
			m.metrics.SegmentFailed(r.StreamTag, r.Duration)
		}

		var errText string
		if r.Err != nil {
			errText = r.Err.Error()
		}
		ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
		defer cancel()
		if err := m.repo.InsertSegmentAttempt(ctx, repository.InsertSegmentAttemptInput{
			SessionID:      captureSessionID,
			SequenceNumber: r.SequenceNumber,
			StreamTag:      r.StreamTag,
			Outcome:        string(r.Outcome),
			Bytes:          r.Bytes,
			DurationMs:     r.Duration.Milliseconds(),
			Error:          errText,
			SettledAt:      r.SettledAt,
		}); err != nil {
			slog.Error("failed to record segment attempt", "error", err, "capture_session_id", captureSessionID, "sequence_number", r.SequenceNumber)
		}
	})
}

func (m *Manager) permissionDenied(consultationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.explained[consultationID] {
		return &PermissionDeniedError{}
	}
	m.explained[consultationID] = true
	return &PermissionDeniedError{Explanation: permissionExplanation}
}

func startFailureReason(err error) string {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return StopReasonPermissionDenied
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return StopReasonDeviceUnavailable
	default:
		return StopReasonStartFailed
	}
}

// uploadTimeout bounds one segment's whole ingest call, including retries.
func uploadTimeout(cfg *config.Config) time.Duration {
	return cfg.IngestTimeout()*time.Duration(cfg.IngestRetryCount+1) + capture.DefaultUploadTimeout/2
}
