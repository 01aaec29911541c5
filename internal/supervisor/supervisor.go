// Package supervisor spawns and monitors the OS processes that run
// Script Workers: a process-lifecycle manager (Start/Stop/Kill) in the
// style of a supervise loop, built around a two-queue protocol — an
// inbound work queue the parent writes to, and an outbound event queue
// the child writes to — plus a startup_done / shutdown_requested
// handshake.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/oet/internal/bus"
	"github.com/cuemby/oet/pkg/log"
	"github.com/cuemby/oet/pkg/oeterrors"
)

// ProcessState is the supervisor's own coarse view of a worker's OS
// process, independent of the richer procedure state machine the
// worker reports over the event queue.
type ProcessState string

const (
	ProcessStarting ProcessState = "STARTING"
	ProcessRunning  ProcessState = "RUNNING"
	ProcessComplete ProcessState = "COMPLETE"
	ProcessFailed   ProcessState = "FAILED"
	ProcessUnknown  ProcessState = "UNKNOWN"
)

// Timeouts bundles every duration the supervisor needs; callers build
// this from internal/config.Config.
type Timeouts struct {
	Startup time.Duration // T_startup
	Soft    time.Duration // T_soft
	Hard    time.Duration // T_hard
}

// Handle is a live (or recently-live) worker process.
type Handle struct {
	LogicalID uint64 // caller-assigned id (a procedure pid), not the OS pid
	Binary    string
	Args      []string

	mu    sync.Mutex
	state ProcessState

	cmd *exec.Cmd

	workW io.WriteCloser // write end of the inbound work queue
	eventR io.ReadCloser // read end of the outbound event queue

	startupDone chan struct{}
	startupOnce sync.Once

	exited    chan struct{}
	exitErr   error
	exitOnce  sync.Once

	shutdownRequested bool
}

// Supervisor owns every Handle it spawns and the process-wide signal
// handler that shuts them all down together.
type Supervisor struct {
	timeouts Timeouts

	mu      sync.Mutex
	handles map[uint64]*Handle

	signalOnce sync.Once
}

// New builds a Supervisor. Call InstallSignalHandler once, from main,
// to wire SIGTERM/SIGINT/SIGHUP to a coordinated shutdown of every
// worker it owns.
func New(timeouts Timeouts) *Supervisor {
	return &Supervisor{
		timeouts: timeouts,
		handles:  make(map[uint64]*Handle),
	}
}

// SpawnOptions configures one worker process.
type SpawnOptions struct {
	LogicalID uint64
	Binary    string
	Args      []string
	Env       []string
	// OnEvent receives every Event the worker publishes on its outbound
	// queue, including EventTopicStartupDone.
	OnEvent func(bus.Event)
}

// Spawn starts binary as a new OS process, wires its work/event queues,
// and blocks until the worker reports startup_done or T_startup elapses.
// On timeout the child is forcibly terminated and the returned error is
// an *oeterrors.Error of kind WorkerStartupTimeout.
func (s *Supervisor) Spawn(ctx context.Context, opts SpawnOptions) (*Handle, error) {
	workR, workW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("allocate work queue pipe: %w", err)
	}
	eventR, eventW, err := os.Pipe()
	if err != nil {
		workR.Close()
		workW.Close()
		return nil, fmt.Errorf("allocate event queue pipe: %w", err)
	}

	cmd := exec.Command(opts.Binary, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// fd 3 = inbound work queue (child reads), fd 4 = outbound event
	// queue (child writes). The child's own entrypoint knows this
	// convention.
	cmd.ExtraFiles = []*os.File{workR, eventW}

	h := &Handle{
		LogicalID:   opts.LogicalID,
		Binary:      opts.Binary,
		Args:        opts.Args,
		state:       ProcessStarting,
		cmd:         cmd,
		workW:       workW,
		eventR:      eventR,
		startupDone: make(chan struct{}),
		exited:      make(chan struct{}),
	}

	wLog := log.WithComponent("supervisor").With().Uint64("pid", opts.LogicalID).Logger()

	if err := cmd.Start(); err != nil {
		workR.Close()
		workW.Close()
		eventR.Close()
		eventW.Close()
		return nil, oeterrors.Wrap(oeterrors.KindInvalidWorkerCommand, "failed to start worker process", err)
	}
	// The parent holds the read end of the work queue and the write end
	// of the event queue only inside the child; close our copies so the
	// pipes' EOF semantics track the child process's lifetime correctly.
	workR.Close()
	eventW.Close()

	s.mu.Lock()
	s.handles[opts.LogicalID] = h
	s.mu.Unlock()

	go h.watchExit(&wLog)
	go h.watchEvents(opts.OnEvent, &wLog)

	select {
	case <-h.startupDone:
		h.mu.Lock()
		h.state = ProcessRunning
		h.mu.Unlock()
		return h, nil
	case <-h.exited:
		return h, oeterrors.Wrap(oeterrors.KindWorkerStartupTimeout, "worker process exited before startup_done", h.exitErr)
	case <-time.After(s.timeouts.Startup):
		wLog.Warn().Msg("worker startup timed out, terminating")
		_ = s.Terminate(context.Background(), h)
		return h, oeterrors.New(oeterrors.KindWorkerStartupTimeout, "worker did not signal startup_done in time")
	case <-ctx.Done():
		_ = s.Terminate(context.Background(), h)
		return h, ctx.Err()
	}
}

func (h *Handle) watchExit(wLog *zerolog.Logger) {
	err := h.cmd.Wait()
	h.exitOnce.Do(func() {
		h.exitErr = err
		close(h.exited)
	})

	h.mu.Lock()
	if h.state != ProcessComplete && h.state != ProcessFailed && h.state != ProcessUnknown {
		switch {
		case err == nil:
			h.state = ProcessComplete
		case h.cmd.ProcessState != nil && h.cmd.ProcessState.ExitCode() > 0:
			h.state = ProcessFailed
		default:
			h.state = ProcessUnknown
		}
	}
	state := h.state
	h.mu.Unlock()

	if state != ProcessComplete {
		wLog.Warn().Err(err).Str("state", string(state)).Msg("worker process exited abnormally")
	}
}

func (h *Handle) watchEvents(onEvent func(bus.Event), wLog *zerolog.Logger) {
	err := bus.ReadRelayed(h.eventR, func(ev bus.Event) {
		if ev.Topic == EventTopicStartupDone {
			h.startupOnce.Do(func() { close(h.startupDone) })
		}
		if onEvent != nil {
			onEvent(ev)
		}
	})
	if err != nil && err != io.EOF {
		wLog.Warn().Err(err).Msg("event queue reader stopped")
	}
}

// SendWork writes one message to the worker's inbound work queue as a
// single newline-terminated JSON line.
func (h *Handle) SendWork(kind MessageKind, payload []byte) error {
	msg := WorkMessage{Kind: kind, Payload: payload}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.workW.Write(data)
	return err
}

// State returns the supervisor's current view of the process.
func (h *Handle) State() ProcessState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Terminate runs the three-step escalation: shutdown_requested + T_soft,
// interrupt + T_hard, then kill. If the process still hasn't exited
// after the kill, the handle is marked UNKNOWN and the returned error
// is of kind WorkerUnreachable.
func (s *Supervisor) Terminate(ctx context.Context, h *Handle) error {
	s.mu.Lock()
	delete(s.handles, h.LogicalID)
	s.mu.Unlock()

	select {
	case <-h.exited:
		return nil
	default:
	}

	wLog := log.WithComponent("supervisor").With().Uint64("pid", h.LogicalID).Logger()

	h.mu.Lock()
	h.shutdownRequested = true
	h.mu.Unlock()
	_ = h.SendWork(MessageKindShutdown, nil)

	if waitExit(h.exited, s.timeouts.Soft) {
		return nil
	}

	wLog.Warn().Msg("soft grace period elapsed, sending interrupt")
	_ = h.cmd.Process.Signal(syscall.SIGINT)
	if waitExit(h.exited, s.timeouts.Hard) {
		return nil
	}

	wLog.Warn().Msg("hard grace period elapsed, sending kill")
	_ = h.cmd.Process.Kill()
	if waitExit(h.exited, 2*time.Second) {
		return nil
	}

	h.mu.Lock()
	h.state = ProcessUnknown
	h.mu.Unlock()
	return oeterrors.New(oeterrors.KindWorkerUnreachable, "worker process did not exit after kill")
}

func waitExit(exited <-chan struct{}, d time.Duration) bool {
	select {
	case <-exited:
		return true
	case <-time.After(d):
		return false
	}
}

// InstallSignalHandler installs the supervisor's one and only
// SIGTERM/SIGINT/SIGHUP handler, which terminates every owned worker in
// parallel. Safe to call more than once; only the first call installs
// the handler.
func (s *Supervisor) InstallSignalHandler(ctx context.Context) {
	s.signalOnce.Do(func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
		go func() {
			<-sigCh
			log.WithComponent("supervisor").Info().Msg("shutdown signal received, terminating all workers")
			s.ShutdownAll(ctx)
		}()
	})
}

// ShutdownAll terminates every live worker in parallel and waits for
// all of them to finish.
func (s *Supervisor) ShutdownAll(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			_ = s.Terminate(ctx, h)
		}(h)
	}
	wg.Wait()
}

// Get returns the handle for a logical id, if still owned.
func (s *Supervisor) Get(logicalID uint64) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[logicalID]
	return h, ok
}
