package device

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxseedlab/monshin/internal/device"
)

const (
	defaultStopTimeout = 3 * time.Second
	defaultStartGrace  = 150 * time.Millisecond
)

var errSessionNotEnabled = errors.New("audio session is not enabled")

type process interface {
	Signal(sig os.Signal) error
	Kill() error
	Wait() error
}

type execProcess struct{ cmd *exec.Cmd }

func (p execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p execProcess) Kill() error                { return p.cmd.Process.Kill() }
func (p execProcess) Wait() error                { return p.cmd.Wait() }

func startExec(name string, args ...string) (process, error) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return execProcess{cmd: cmd}, nil
}

type RecorderConfig struct {
	Command string
	Device  string
	Dir     string
}

// CommandRecorder records each segment with its own arecord process writing
// a WAV file. Interrupting the process makes arecord finalize the header,
// and a new process can start before the previous one has exited.
type CommandRecorder struct {
	command     string
	device      string
	dir         string
	stopTimeout time.Duration
	startGrace  time.Duration
	lookPath    func(file string) (string, error)
	start       func(name string, args ...string) (process, error)

	mu      sync.Mutex
	claimed bool
}

var _ device.Device = (*CommandRecorder)(nil)

func NewCommandRecorder(cfg RecorderConfig) *CommandRecorder {
	return &CommandRecorder{
		command:     cfg.Command,
		device:      cfg.Device,
		dir:         cfg.Dir,
		stopTimeout: defaultStopTimeout,
		startGrace:  defaultStartGrace,
		lookPath:    exec.LookPath,
		start:       startExec,
	}
}

// RequestPermission reports whether segments can be written. A missing
// capture command is a device problem, not a denial.
func (r *CommandRecorder) RequestPermission(_ context.Context) (bool, error) {
	if _, err := r.lookPath(r.command); err != nil {
		return false, fmt.Errorf("capture command %q: %w", r.command, err)
	}
	check, err := os.CreateTemp(r.dir, ".access-*")
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			slog.Warn("segment directory is not writable", "dir", r.dir)
			return false, nil
		}
		return false, fmt.Errorf("check segment dir: %w", err)
	}
	name := check.Name()
	_ = check.Close()
	_ = os.Remove(name)
	return true, nil
}

func (r *CommandRecorder) EnableSession(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimed {
		return device.ErrSessionBusy
	}
	r.claimed = true
	return nil
}

func (r *CommandRecorder) RestoreSession(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimed = false
	return nil
}

func (r *CommandRecorder) BeginSegment(_ context.Context, cfg device.SegmentConfig) (device.Handle, error) {
	r.mu.Lock()
	claimed := r.claimed
	r.mu.Unlock()
	if !claimed {
		return nil, errSessionNotEnabled
	}

	path := filepath.Join(r.dir, cfg.Name+".wav")
	proc, err := r.start(r.command, r.args(cfg, path)...)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", r.command, err)
	}
	h := &segmentHandle{path: path, proc: proc, done: make(chan struct{})}
	h.recording.Store(true)
	go h.wait()

	// arecord exits right away on a busy or missing device.
	select {
	case <-h.done:
		return nil, fmt.Errorf("%s exited while starting segment %s: %w", r.command, cfg.Name, h.exitErr())
	case <-time.After(r.startGrace):
	}
	return h, nil
}

func (r *CommandRecorder) args(cfg device.SegmentConfig, path string) []string {
	args := []string{"-q"}
	if r.device != "" {
		args = append(args, "-D", r.device)
	}
	return append(args,
		"-f", "S16_LE",
		"-r", strconv.Itoa(cfg.SampleRate),
		"-c", strconv.Itoa(cfg.Channels),
		"-t", "wav",
		path,
	)
}

// StopSegment interrupts the recording and waits for the file to be
// finalized. A process that ignores the interrupt is killed.
func (r *CommandRecorder) StopSegment(ctx context.Context, h device.Handle) (string, error) {
	sh, ok := h.(*segmentHandle)
	if !ok {
		return "", fmt.Errorf("unexpected segment handle %T", h)
	}
	if !sh.Recording() {
		return sh.path, nil
	}
	if err := sh.proc.Signal(os.Interrupt); err != nil {
		_ = sh.proc.Kill()
	}
	select {
	case <-sh.done:
		return sh.path, nil
	case <-ctx.Done():
	case <-time.After(r.stopTimeout):
	}
	_ = sh.proc.Kill()
	<-sh.done
	return sh.path, fmt.Errorf("%s did not stop in time; killed", r.command)
}

type segmentHandle struct {
	path      string
	proc      process
	recording atomic.Bool
	done      chan struct{}

	mu  sync.Mutex
	err error
}

func (h *segmentHandle) Path() string    { return h.path }
func (h *segmentHandle) Recording() bool { return h.recording.Load() }

func (h *segmentHandle) wait() {
	err := h.proc.Wait()
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	h.recording.Store(false)
	close(h.done)
}

func (h *segmentHandle) exitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		return errors.New("exit status 0")
	}
	return h.err
}
