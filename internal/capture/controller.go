package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxseedlab/monshin/internal/audio"
	"github.com/foxseedlab/monshin/internal/device"
	"github.com/foxseedlab/monshin/internal/storage"
	"github.com/foxseedlab/monshin/internal/transcriber"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultSegmentDuration      = 10 * time.Second
	DefaultMinSegmentBytes      = 4 * 1024
	DefaultStreamTag            = "local"
	DefaultUploadTimeout        = 60 * time.Second
	DefaultMaxConcurrentUploads = 4

	// 16 kHz mono keeps speech intelligible and payloads small; the payload
	// bitrate is set by the encoder (audio.SpeechBitRate).
	speechSampleRate = 16000
	speechChannels   = 1

	teardownTimeout = 5 * time.Second
)

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type TickerFunc func(d time.Duration) Ticker

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

type Options struct {
	SegmentDuration      time.Duration
	MinSegmentBytes      int64
	StreamTag            string
	SampleRate           int
	Channels             int
	MimeType             string
	UploadTimeout        time.Duration
	MaxConcurrentUploads int64
	NewTicker            TickerFunc
	Observer             Observer
	// OnRotationFailure is called when the next segment cannot begin.
	OnRotationFailure func(err error)
}

func (o Options) withDefaults() Options {
	if o.SegmentDuration <= 0 {
		o.SegmentDuration = DefaultSegmentDuration
	}
	if o.MinSegmentBytes <= 0 {
		o.MinSegmentBytes = DefaultMinSegmentBytes
	}
	if o.StreamTag == "" {
		o.StreamTag = DefaultStreamTag
	}
	if o.SampleRate <= 0 {
		o.SampleRate = speechSampleRate
	}
	if o.Channels <= 0 {
		o.Channels = speechChannels
	}
	if o.MimeType == "" {
		o.MimeType = audio.MimeTypeWAV
	}
	if o.UploadTimeout <= 0 {
		o.UploadTimeout = DefaultUploadTimeout
	}
	if o.MaxConcurrentUploads <= 0 {
		o.MaxConcurrentUploads = DefaultMaxConcurrentUploads
	}
	if o.NewTicker == nil {
		o.NewTicker = newTimeTicker
	}
	return o
}

type segment struct {
	handle         device.Handle
	sequenceNumber int
	streamTag      string
	// sess is the session the segment was recorded in; its upload settles
	// there even if a newer session has started since.
	sess *session
}

// Controller records consecutive fixed-length segments and uploads each
// finished one in the background. Start, rotation, Stop and Close all run
// under mu, so the current segment slot has a single writer at a time.
type Controller struct {
	device   device.Device
	storage  storage.TempStorage
	ingester transcriber.Ingester
	opts     Options
	uploads  *semaphore.Weighted

	closeCtx    context.Context
	closeCancel context.CancelFunc
	closeOnce   sync.Once
	closed      atomic.Bool

	mu         sync.Mutex
	state      atomic.Int32
	current    *segment
	runID      string
	ticker     Ticker
	cancelLoop context.CancelFunc
	loopDone   chan struct{}

	// sessionEnabled is guarded by mu.
	sessionEnabled bool

	statsMu sync.Mutex
	sess    *session

	inflightMu sync.Mutex
	inflight   int
	idle       chan struct{}
}

func New(dev device.Device, store storage.TempStorage, ingester transcriber.Ingester, opts Options) *Controller {
	opts = opts.withDefaults()
	closeCtx, closeCancel := context.WithCancel(context.Background())
	return &Controller{
		device:      dev,
		storage:     store,
		ingester:    ingester,
		opts:        opts,
		uploads:     semaphore.NewWeighted(opts.MaxConcurrentUploads),
		closeCtx:    closeCtx,
		closeCancel: closeCancel,
		sess:        &session{},
	}
}

// Start begins a capture session. It returns nil when capture is running,
// including when it was already running. The only errors are the fatal ones:
// permission denial and a device that cannot produce the first segment.
func (c *Controller) Start(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}

	switch c.State() {
	case StateRecording:
		slog.Debug("capture already active; start ignored", "session_id", c.Stats().SessionID, "requested_session_id", sessionID)
		return nil
	case StateStopping:
		return ErrStopping
	}

	c.setState(StateStarting)
	c.resetSession(sessionID)
	slog.Info("capture starting", "session_id", sessionID, "stream_tag", c.opts.StreamTag)

	granted, err := c.device.RequestPermission(ctx)
	if err != nil {
		return c.abortStart(fmt.Errorf("%w: request permission: %w", ErrDeviceUnavailable, err))
	}
	if !granted {
		return c.abortStart(ErrPermissionDenied)
	}
	if err := c.device.EnableSession(ctx); err != nil {
		return c.abortStart(fmt.Errorf("%w: enable audio session: %w", ErrDeviceUnavailable, err))
	}
	c.sessionEnabled = true
	first, err := c.beginSegment(ctx)
	if err != nil {
		c.restoreSession(ctx)
		return c.abortStart(fmt.Errorf("%w: begin first segment: %w", ErrDeviceUnavailable, err))
	}
	c.current = first

	loopCtx, cancel := context.WithCancel(c.closeCtx)
	c.ticker = c.opts.NewTicker(c.opts.SegmentDuration)
	c.cancelLoop = cancel
	c.loopDone = make(chan struct{})
	c.setState(StateRecording)
	go c.rotationLoop(loopCtx, c.ticker, c.loopDone)

	slog.Info("capture recording", "session_id", sessionID, "segment_duration", c.opts.SegmentDuration.String())
	return nil
}

func (c *Controller) abortStart(err error) error {
	c.recordError(err)
	c.setState(StateIdle)
	slog.Error("capture failed to start", "session_id", c.Stats().SessionID, "error", err)
	return err
}

func (c *Controller) rotationLoop(ctx context.Context, ticker Ticker, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.rotate(ctx)
		}
	}
}

// rotate stops the current segment, starts the next one right away to keep
// the gap in the audio timeline short, then hands the old one to the uploader.
func (c *Controller) rotate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil || c.State() != StateRecording {
		return
	}

	prev := c.current
	c.current = nil

	var prevPath string
	if prev != nil {
		prevPath = c.stopSegment(ctx, prev)
	}

	next, err := c.beginSegment(ctx)
	if err != nil {
		c.recordError(fmt.Errorf("begin segment: %w", err))
		slog.Warn("failed to begin next segment; retrying on next tick", "session_id", c.Stats().SessionID, "error", err)
		if c.opts.OnRotationFailure != nil {
			c.opts.OnRotationFailure(err)
		}
	} else {
		c.current = next
	}

	if prev != nil {
		c.dispatchUpload(prev, prevPath)
	}
}

func (c *Controller) beginSegment(ctx context.Context) (*segment, error) {
	c.statsMu.Lock()
	sess := c.sess
	seq := sess.segmentIndex
	c.statsMu.Unlock()

	h, err := c.device.BeginSegment(ctx, device.SegmentConfig{
		Name:       fmt.Sprintf("%s-%s-%06d", c.runID, c.opts.StreamTag, seq),
		SampleRate: c.opts.SampleRate,
		Channels:   c.opts.Channels,
	})
	if err != nil {
		return nil, err
	}

	c.statsMu.Lock()
	sess.segmentIndex++
	c.statsMu.Unlock()
	slog.Debug("segment recording", "sequence_number", seq, "stream_tag", c.opts.StreamTag, "path", h.Path())
	return &segment{handle: h, sequenceNumber: seq, streamTag: c.opts.StreamTag, sess: sess}, nil
}

// stopSegment returns the readable path of the segment. Errors are recorded
// and the handle's own path is used so the upload path can still clean up.
func (c *Controller) stopSegment(ctx context.Context, seg *segment) string {
	path := seg.handle.Path()
	if !seg.handle.Recording() {
		return path
	}
	readable, err := c.device.StopSegment(ctx, seg.handle)
	if err != nil {
		c.recordError(fmt.Errorf("stop segment %d: %w", seg.sequenceNumber, err))
		slog.Warn("failed to stop segment", "sequence_number", seg.sequenceNumber, "error", err)
		return path
	}
	if readable != "" {
		path = readable
	}
	return path
}

func (c *Controller) dispatchUpload(seg *segment, path string) {
	c.beginUpload()
	go func() {
		defer c.endUpload()
		ctx := context.Background()
		if err := c.uploads.Acquire(ctx, 1); err != nil {
			return
		}
		defer c.uploads.Release(1)
		c.upload(ctx, seg, path)
	}()
}

func (c *Controller) beginUpload() {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if c.inflight == 0 {
		c.idle = make(chan struct{})
	}
	c.inflight++
}

func (c *Controller) endUpload() {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	c.inflight--
	if c.inflight == 0 {
		close(c.idle)
	}
}

// uploadsIdle returns a channel closed once no upload is in flight.
func (c *Controller) uploadsIdle() <-chan struct{} {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if c.inflight == 0 {
		return closedChan
	}
	return c.idle
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// upload submits one segment and always deletes its backing file afterwards.
// Nothing escapes this function; the outcome only moves the counters.
func (c *Controller) upload(parent context.Context, seg *segment, path string) {
	started := time.Now()
	sessionID := seg.sess.id
	result := SegmentResult{
		SessionID:      sessionID,
		SequenceNumber: seg.sequenceNumber,
		StreamTag:      seg.streamTag,
	}
	defer func() {
		if r := recover(); r != nil {
			result.Outcome = OutcomeFailed
			result.Err = fmt.Errorf("segment upload panic: %v", r)
		}
		c.deleteSegment(path, seg.sequenceNumber)
		result.Duration = time.Since(started)
		result.SettledAt = time.Now()
		c.settle(seg.sess, result)
	}()

	ctx, cancel := context.WithTimeout(parent, c.opts.UploadTimeout)
	defer cancel()
	result.Bytes, result.Outcome, result.Err = c.submit(ctx, sessionID, seg, path)
}

func (c *Controller) submit(ctx context.Context, sessionID string, seg *segment, path string) (int64, Outcome, error) {
	size, err := c.storage.Size(ctx, path)
	if err != nil {
		return 0, OutcomeFailed, fmt.Errorf("stat segment %d: %w", seg.sequenceNumber, err)
	}
	if size < c.opts.MinSegmentBytes {
		return size, OutcomeSkipped, nil
	}
	data, err := c.storage.Read(ctx, path)
	if err != nil {
		return size, OutcomeFailed, fmt.Errorf("read segment %d: %w", seg.sequenceNumber, err)
	}
	err = c.ingester.IngestSegment(ctx, transcriber.SegmentUpload{
		ConsultationID: sessionID,
		StreamTag:      seg.streamTag,
		SequenceNumber: seg.sequenceNumber,
		Audio:          data,
		MimeType:       c.opts.MimeType,
		RequestID:      uuid.NewString(),
	})
	if err != nil {
		return size, OutcomeFailed, fmt.Errorf("ingest segment %d: %w", seg.sequenceNumber, err)
	}
	return size, OutcomeSent, nil
}

func (c *Controller) deleteSegment(path string, seq int) {
	if path == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := c.storage.Delete(ctx, path); err != nil {
		slog.Warn("failed to delete segment file", "sequence_number", seq, "path", path, "error", err)
	}
}

func (c *Controller) settle(sess *session, result SegmentResult) {
	c.statsMu.Lock()
	switch result.Outcome {
	case OutcomeSent:
		sess.segmentsSent++
	case OutcomeSkipped:
		sess.segmentsSkipped++
	default:
		sess.segmentsFailed++
		if result.Err != nil {
			sess.lastError = result.Err.Error()
		}
	}
	c.statsMu.Unlock()

	switch result.Outcome {
	case OutcomeSent:
		slog.Info("segment uploaded", "session_id", result.SessionID, "sequence_number", result.SequenceNumber, "stream_tag", result.StreamTag, "bytes", result.Bytes, "took", result.Duration.String())
	case OutcomeSkipped:
		slog.Debug("segment below size threshold; upload skipped", "session_id", result.SessionID, "sequence_number", result.SequenceNumber, "bytes", result.Bytes)
	default:
		slog.Warn("segment upload failed", "session_id", result.SessionID, "sequence_number", result.SequenceNumber, "stream_tag", result.StreamTag, "error", result.Err)
	}
	if c.opts.Observer != nil {
		c.opts.Observer.OnSegmentSettled(result)
	}
}

// Stop cancels rotation, stops the final segment and waits for its upload
// attempt to settle before restoring the audio session. A concurrent Close
// cancels the final upload and takes over the teardown.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.State() != StateRecording {
		c.mu.Unlock()
		return
	}
	c.setState(StateStopping)
	c.haltRotation()
	done := c.loopDone
	c.mu.Unlock()
	<-done

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(c.closeCtx, cancel)()

	sessionID := c.Stats().SessionID
	final := c.current
	c.current = nil
	if final != nil {
		path := c.stopSegment(ctx, final)
		c.upload(ctx, final, path)
	}
	c.restoreSession(ctx)
	c.setState(StateIdle)
	stats := c.Stats()
	slog.Info("capture stopped", "session_id", sessionID, "segments_sent", stats.SegmentsSent, "segments_failed", stats.SegmentsFailed, "segments_skipped", stats.SegmentsSkipped)
}

// Close is the teardown path for a controller whose owner goes away without
// calling Stop. The in-flight segment is stopped and discarded, not uploaded.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.setState(StateIdle)
		c.closeCancel()

		c.mu.Lock()
		defer c.mu.Unlock()
		c.setState(StateIdle)
		if c.ticker != nil {
			c.ticker.Stop()
		}
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if seg := c.current; seg != nil {
			c.current = nil
			path := seg.handle.Path()
			if seg.handle.Recording() {
				if readable, err := c.device.StopSegment(ctx, seg.handle); err == nil && readable != "" {
					path = readable
				}
			}
			if path != "" {
				_ = c.storage.Delete(ctx, path)
			}
			slog.Warn("capture torn down; final segment discarded", "session_id", c.Stats().SessionID, "sequence_number", seg.sequenceNumber)
		}
		c.restoreSession(ctx)
	})
}

// Drain waits until no background upload of a rotated segment is in flight.
// While recording, rotations keep adding uploads, so call it after Stop.
func (c *Controller) Drain(ctx context.Context) error {
	select {
	case <-c.uploadsIdle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) haltRotation() {
	if c.ticker != nil {
		c.ticker.Stop()
	}
	if c.cancelLoop != nil {
		c.cancelLoop()
	}
}

// restoreSession releases the audio session at most once per Start. Callers hold mu.
func (c *Controller) restoreSession(ctx context.Context) {
	if !c.sessionEnabled {
		return
	}
	c.sessionEnabled = false
	if err := c.device.RestoreSession(ctx); err != nil {
		slog.Warn("failed to restore audio session", "error", err)
	}
}

func (c *Controller) resetSession(sessionID string) {
	c.runID = uuid.NewString()
	c.statsMu.Lock()
	c.sess = &session{id: sessionID}
	c.statsMu.Unlock()
}

func (c *Controller) recordError(err error) {
	c.statsMu.Lock()
	c.sess.lastError = err.Error()
	c.statsMu.Unlock()
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) IsRecording() bool {
	return c.State() == StateRecording
}

func (c *Controller) Stats() Stats {
	state := c.State()
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return Stats{
		Recording:       state == StateRecording,
		State:           state.String(),
		SessionID:       c.sess.id,
		SegmentIndex:    c.sess.segmentIndex,
		SegmentsSent:    c.sess.segmentsSent,
		SegmentsFailed:  c.sess.segmentsFailed,
		SegmentsSkipped: c.sess.segmentsSkipped,
		LastError:       c.sess.lastError,
	}
}
