package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/yourusername/mcpal/internal/config"
	"github.com/yourusername/mcpal/internal/console"
	"github.com/yourusername/mcpal/internal/logging"
	"github.com/yourusername/mcpal/internal/metrics"
)

// Command sources recorded in the console history
const (
	SourceOperator   = "operator"
	SourceStartup    = "startup"
	SourceBackup     = "backup"
	SourceSupervisor = "supervisor"
)

const (
	defaultStopTimeout = 60 * time.Second
	defaultKillTimeout = 10 * time.Second
	outputDrainTimeout = 2 * time.Second
	restartResetWindow = 10 * time.Minute
)

// Lifecycle is the view of the supervisor handed to code that already holds the lifecycle lock
type Lifecycle interface {
	State() State
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// StopHook runs after a requested stop has brought the server to STOPPED,
// before Stop returns and before any other lifecycle operation can begin.
type StopHook func(ctx context.Context, lc Lifecycle) error

// Options carries the optional collaborators of a Supervisor
type Options struct {
	Activity   *logging.ActivityLogger
	History    *console.CommandHistory
	ConsoleLog console.LineWriter
	Echo       io.Writer
	Runs       *RunStore
}

// Supervisor owns the server process, its console bridge and the lifecycle state machine
type Supervisor struct {
	cfg     config.ServerConfig
	startup config.StartupConfiguration
	guard   *Guard
	opts    Options
	buffer  *console.RingBuffer

	// Serializes Start, Stop, Restart and Exclusive
	lifecycleMu sync.Mutex

	mu        sync.RWMutex
	state     State
	since     time.Time
	inst      *instance
	restarts  int
	lastExit  string
	stopHooks []StopHook

	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// instance is one spawned process with its bridge and command writer
type instance struct {
	runID     string
	proc      *process
	bridge    *console.Bridge
	spawnedAt time.Time
	startedAt time.Time

	commands   chan commandRequest
	writerDone chan struct{}

	monitorDone   chan struct{}
	stopRequested atomic.Bool
	// exitSeen is guarded by Supervisor.mu
	exitSeen bool
}

type commandRequest struct {
	text   string
	source string
	result chan error
}

// NewSupervisor creates a supervisor in the STOPPED state
func NewSupervisor(cfg config.ServerConfig, guardCfg config.GuardConfig, startup config.StartupConfiguration, opts Options) *Supervisor {
	historyLines := cfg.HistoryLines
	if historyLines <= 0 {
		historyLines = 1000
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:      cfg,
		startup:  startup,
		guard:    NewGuard(guardCfg, opts.Activity),
		opts:     opts,
		buffer:   console.NewRingBuffer(historyLines),
		state:    StateStopped,
		since:    time.Now(),
		bgCtx:    ctx,
		bgCancel: cancel,
	}
	metrics.SetState(string(StateStopped), stateNames())
	return s
}

// OnStop registers a hook that runs at the end of every operator or shutdown stop
func (s *Supervisor) OnStop(hook StopHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopHooks = append(s.stopHooks, hook)
}

// Status returns the current state
func (s *Supervisor) Status() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Running reports whether the server is RUNNING and its console has not signalled a stop
func (s *Supervisor) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateRunning && s.inst != nil && s.inst.bridge.State().Running()
}

// Snapshot returns the current status details
func (s *Supervisor) Snapshot() StatusInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := StatusInfo{
		State:    s.state,
		Since:    s.since,
		Restarts: s.restarts,
		LastExit: s.lastExit,
	}
	if s.inst != nil {
		info.RunID = s.inst.runID
		info.PID = s.inst.proc.pid()
		info.StartedAt = s.inst.startedAt
	}
	return info
}

// History returns up to n of the most recent console lines, or all of them when n < 0
func (s *Supervisor) History(n int) []string {
	return s.buffer.GetLast(n)
}

// Subscribe streams console output of the current process
func (s *Supervisor) Subscribe(buffer int) (<-chan string, func(), error) {
	s.mu.RLock()
	inst := s.inst
	s.mu.RUnlock()
	if inst == nil {
		return nil, nil, ErrNotRunning
	}
	ch, cancel := inst.bridge.Subscribe(buffer)
	return ch, cancel, nil
}

// Start launches the server and runs preflight remediation until it is RUNNING
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.startLocked(ctx)
}

// Stop asks the server to shut down and kills it if it does not exit in time
func (s *Supervisor) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.stopLocked(ctx, true)
}

// Restart stops the server if it is running and starts it again
func (s *Supervisor) Restart(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	log.Printf("[Supervisor] Restarting server...")
	if err := s.stopLocked(ctx, true); err != nil && !errors.Is(err, ErrNotRunning) {
		return fmt.Errorf("failed to stop server: %w", err)
	}
	if err := s.startLocked(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Exclusive runs fn while holding the lifecycle lock, so no start or stop can interleave
func (s *Supervisor) Exclusive(ctx context.Context, fn func(lc Lifecycle) error) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return fn(lockedLifecycle{s: s})
}

// Shutdown disables auto-restart and stops the server if it is running
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.bgCancel()
	if err := s.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return nil
}

// SendCommand writes an operator command to the server console
func (s *Supervisor) SendCommand(text string) error {
	return s.SendCommandAs(context.Background(), SourceOperator, text)
}

// SendCommandAs writes a command on behalf of source. All writers share one queue.
func (s *Supervisor) SendCommandAs(ctx context.Context, source, text string) error {
	s.mu.RLock()
	inst := s.inst
	state := s.state
	s.mu.RUnlock()

	if inst == nil || state == StateStopped {
		return ErrNotRunning
	}
	return s.send(ctx, inst, source, text)
}

type lockedLifecycle struct {
	s *Supervisor
}

func (l lockedLifecycle) State() State                    { return l.s.Status() }
func (l lockedLifecycle) Start(ctx context.Context) error { return l.s.startLocked(ctx) }
func (l lockedLifecycle) Stop(ctx context.Context) error  { return l.s.stopLocked(ctx, false) }

func (s *Supervisor) startLocked(ctx context.Context) error {
	if s.startup.IsZero() {
		return ErrNoStartupConfig
	}
	if s.Status() != StateStopped {
		return ErrAlreadyRunning
	}

	serverDir := s.startup.ServerDir()
	guardCfg := s.guard.cfg
	s.setState(StateStarting)

	eulaAttempts, worldAttempts := 0, 0
	for {
		failure := s.guard.CheckFiles(serverDir)
		if failure == FailureNone {
			inst, result, err := s.launch(ctx, serverDir)
			if err != nil {
				s.setState(StateStopped)
				return err
			}

			switch {
			case result.Failure != FailureNone:
				failure = result.Failure
				log.Printf("[Supervisor] Startup output reported a %s problem, stopping process", failure)
				s.abortInstance(inst)
			case result.Closed:
				s.abortInstance(inst)
				return s.failStart(inst, fmt.Errorf("%w: %s", ErrStartupExited, describeExit(inst.proc.exitError())))
			case ctx.Err() != nil:
				s.abortInstance(inst)
				return s.failStart(inst, ctx.Err())
			default:
				return s.finishStart(ctx, inst)
			}
		}

		var attempt, limit int
		var exhausted error
		switch failure {
		case FailureEULA:
			eulaAttempts++
			attempt, limit, exhausted = eulaAttempts, guardCfg.EULARetries, ErrEULANotAccepted
		case FailureWorld:
			worldAttempts++
			attempt, limit, exhausted = worldAttempts, guardCfg.WorldRetries, ErrWorldMissing
		}

		s.setState(StatePreflightFailed)
		if attempt > limit {
			log.Printf("[Supervisor] %s", exhausted.Error())
			s.setState(StateStopped)
			return exhausted
		}

		log.Printf("[Supervisor] Preflight %s check failed, remediating (attempt %d/%d)", failure, attempt, limit)
		if err := s.guard.Remediate(ctx, serverDir, failure, attempt); err != nil {
			s.setState(StateStopped)
			return err
		}
		s.setState(StateStarting)
	}
}

// launch spawns a process, wires its bridge and command writer, and scans early output
func (s *Supervisor) launch(ctx context.Context, serverDir string) (*instance, ScanResult, error) {
	proc, err := spawn(launchSpec{
		Dir:        serverDir,
		Executable: s.cfg.Executable,
		Args:       s.cfg.Args,
		Env:        s.cfg.Env,
	})
	if err != nil {
		log.Printf("[Supervisor] %v", err)
		if logErr := s.opts.Activity.LogServerStart("", 0, false, err.Error()); logErr != nil {
			log.Printf("[Supervisor] Failed to record start: %v", logErr)
		}
		return nil, ScanResult{}, err
	}

	runID := "run-" + uuid.NewString()[:8]
	bridge := console.NewBridge(console.NewRunState(), proc.stdout, proc.stdin, console.Options{
		Buffer: s.buffer,
		Log:    s.opts.ConsoleLog,
		Echo:   s.opts.Echo,
	})

	scanBuffer := s.guard.cfg.ScanLines + 256
	lines, cancel := bridge.Subscribe(scanBuffer)
	defer cancel()

	inst := &instance{
		runID:       runID,
		proc:        proc,
		bridge:      bridge,
		spawnedAt:   time.Now(),
		commands:    make(chan commandRequest),
		writerDone:  make(chan struct{}),
		monitorDone: make(chan struct{}),
	}

	s.mu.Lock()
	s.inst = inst
	s.mu.Unlock()

	go s.writeLoop(inst)
	go s.monitor(inst)
	bridge.Start()

	log.Printf("[Supervisor] Spawned server process (pid %d, run %s) in %s", proc.pid(), runID, serverDir)

	result := s.guard.Scan(ctx, lines, s.cfg.StartupTimeout)
	return inst, result, nil
}

func (s *Supervisor) finishStart(ctx context.Context, inst *instance) error {
	for _, command := range s.startup.StartupCommands() {
		if err := s.send(ctx, inst, SourceStartup, command); err != nil {
			if errors.Is(err, console.ErrBrokenPipe) || errors.Is(err, ErrNotRunning) {
				break
			}
			log.Printf("[Supervisor] Warning: startup command %q failed: %v", command, err)
		}
	}

	s.mu.Lock()
	if inst.exitSeen || !inst.bridge.State().Running() {
		s.mu.Unlock()
		s.abortInstance(inst)
		return s.failStart(inst, fmt.Errorf("%w: %s", ErrStartupExited, describeExit(inst.proc.exitError())))
	}
	inst.startedAt = time.Now()
	s.setStateLocked(StateRunning)
	s.mu.Unlock()

	elapsed := inst.startedAt.Sub(inst.spawnedAt)
	log.Printf("[Supervisor] Server running (pid %d) after %v", inst.proc.pid(), elapsed.Round(time.Millisecond))
	metrics.IncStart()
	metrics.ObserveStartDuration(elapsed.Seconds())
	if err := s.opts.Activity.LogServerStart(inst.runID, inst.proc.pid(), true, ""); err != nil {
		log.Printf("[Supervisor] Failed to record start: %v", err)
	}
	if err := s.opts.Runs.Begin(inst.runID, inst.proc.pid(), inst.startedAt); err != nil {
		log.Printf("[Supervisor] %v", err)
	}
	return nil
}

func (s *Supervisor) failStart(inst *instance, err error) error {
	s.setState(StateStopped)
	log.Printf("[Supervisor] Start failed: %v", err)
	if logErr := s.opts.Activity.LogServerStart(inst.runID, inst.proc.pid(), false, err.Error()); logErr != nil {
		log.Printf("[Supervisor] Failed to record start: %v", logErr)
	}
	return err
}

// abortInstance kills a process the startup path gave up on and waits for its goroutines
func (s *Supervisor) abortInstance(inst *instance) {
	inst.stopRequested.Store(true)
	if err := inst.proc.kill(); err != nil {
		log.Printf("[Supervisor] Failed to kill process: %v", err)
	}
	s.waitGone(inst)

	s.mu.Lock()
	if s.inst == inst {
		s.inst = nil
	}
	s.mu.Unlock()
}

func (s *Supervisor) stopLocked(ctx context.Context, runHooks bool) error {
	s.mu.Lock()
	inst := s.inst
	if inst == nil || s.state == StateStopped {
		s.mu.Unlock()
		return ErrNotRunning
	}
	inst.stopRequested.Store(true)
	s.setStateLocked(StateStopping)
	s.mu.Unlock()

	stopTimeout := s.cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	// One deadline covers writing the stop command and waiting for the exit
	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	log.Printf("[Supervisor] Stopping server (run %s)...", inst.runID)
	if err := s.send(stopCtx, inst, SourceSupervisor, s.cfg.StopCommand); err != nil {
		log.Printf("[Supervisor] Warning: failed to send stop command: %v", err)
	}

	forced := false
	if !s.awaitShutdown(stopCtx, inst) {
		forced = true
		log.Printf("[Supervisor] Server did not stop within %v, killing process group", s.cfg.StopTimeout)
		if err := inst.proc.kill(); err != nil {
			log.Printf("[Supervisor] Failed to kill process: %v", err)
		}
	}
	s.waitGone(inst)

	s.mu.Lock()
	if s.inst == inst {
		s.inst = nil
	}
	s.setStateLocked(StateStopped)
	hooks := append([]StopHook(nil), s.stopHooks...)
	s.mu.Unlock()

	reason := "stop"
	if forced {
		reason = "forced kill"
		metrics.IncStop("forced")
	} else {
		metrics.IncStop("clean")
	}
	if err := s.opts.Runs.End(inst.runID, time.Now(), reason); err != nil {
		log.Printf("[Supervisor] %v", err)
	}
	if err := s.opts.Activity.LogServerStop(inst.runID, forced, ""); err != nil {
		log.Printf("[Supervisor] Failed to record stop: %v", err)
	}
	log.Printf("[Supervisor] Server stopped")

	if runHooks {
		lc := lockedLifecycle{s: s}
		for _, hook := range hooks {
			if err := hook(ctx, lc); err != nil {
				log.Printf("[Supervisor] Stop hook failed: %v", err)
			}
		}
	}
	return nil
}

// awaitShutdown waits for the stop signal on the console and for the process to exit
func (s *Supervisor) awaitShutdown(ctx context.Context, inst *instance) bool {
	select {
	case <-inst.bridge.State().Done():
	case <-ctx.Done():
		return false
	}

	select {
	case <-inst.proc.exited:
		return true
	case <-ctx.Done():
		return false
	}
}

// waitGone waits for the process to exit and its monitor to release the bridge
func (s *Supervisor) waitGone(inst *instance) {
	killTimeout := s.cfg.KillTimeout
	if killTimeout <= 0 {
		killTimeout = defaultKillTimeout
	}
	if !inst.proc.waitExit(killTimeout) {
		log.Printf("[Supervisor] Process %d still alive %v after kill", inst.proc.pid(), killTimeout)
		return
	}

	timer := time.NewTimer(outputDrainTimeout + time.Second)
	defer timer.Stop()
	select {
	case <-inst.monitorDone:
	case <-timer.C:
		log.Printf("[Supervisor] Timed out waiting for console to close")
	}
}

// writeLoop is the only goroutine that writes to the process input
func (s *Supervisor) writeLoop(inst *instance) {
	defer close(inst.writerDone)
	for {
		select {
		case req := <-inst.commands:
			err := inst.bridge.SendCommand(req.text)
			req.result <- err
			if errors.Is(err, console.ErrBrokenPipe) && !inst.stopRequested.Load() {
				log.Printf("[Supervisor] Console input failed, treating server as crashed")
				if killErr := inst.proc.kill(); killErr != nil {
					log.Printf("[Supervisor] Failed to kill process: %v", killErr)
				}
			}
		case <-inst.proc.exited:
			return
		}
	}
}

func (s *Supervisor) send(ctx context.Context, inst *instance, source, text string) error {
	req := commandRequest{text: text, source: source, result: make(chan error, 1)}

	select {
	case inst.commands <- req:
	case <-inst.writerDone:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	// result is buffered, so the writer never blocks on an abandoned request
	var err error
	select {
	case err = <-req.result:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.recordCommand(inst.runID, source, text, err)
	return err
}

func (s *Supervisor) recordCommand(runID, source, text string, sendErr error) {
	metrics.IncCommand(source, sendErr)
	if err := s.opts.History.Record(runID, source, text, sendErr); err != nil {
		log.Printf("[Supervisor] Failed to save command history: %v", err)
	}
	errMsg := ""
	if sendErr != nil {
		errMsg = sendErr.Error()
	}
	if err := s.opts.Activity.LogCommandExecute(runID, source, text, errMsg); err != nil {
		log.Printf("[Supervisor] Failed to record command: %v", err)
	}
}

// monitor reaps the process and classifies an exit nobody asked for
func (s *Supervisor) monitor(inst *instance) {
	defer close(inst.monitorDone)

	<-inst.proc.exited

	// A grandchild holding the output pipe must not keep the bridge alive
	select {
	case <-inst.bridge.Done():
	case <-time.After(outputDrainTimeout):
	}
	if err := inst.bridge.Close(); err != nil {
		log.Printf("[Supervisor] Failed to close console: %v", err)
	}

	exitDesc := describeExit(inst.proc.exitError())
	reason := inst.bridge.State().Reason()

	s.mu.Lock()
	inst.exitSeen = true
	if s.inst != inst || inst.stopRequested.Load() || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.inst = nil
	s.lastExit = exitDesc
	s.setStateLocked(StateStopped)
	ranFor := time.Since(inst.startedAt)
	s.mu.Unlock()

	if reason == console.StopReasonSentinel {
		if err := s.opts.Runs.End(inst.runID, time.Now(), "console stop: "+exitDesc); err != nil {
			log.Printf("[Supervisor] %v", err)
		}
		log.Printf("[Supervisor] Server stopped from its console (%s)", exitDesc)
		metrics.IncStop("clean")
		if err := s.opts.Activity.LogServerStop(inst.runID, false, ""); err != nil {
			log.Printf("[Supervisor] Failed to record stop: %v", err)
		}
		return
	}

	crash := fmt.Sprintf("%s: %s", reason, exitDesc)
	if err := s.opts.Runs.End(inst.runID, time.Now(), "crash: "+crash); err != nil {
		log.Printf("[Supervisor] %v", err)
	}
	log.Printf("[Supervisor] Server crashed (%s)", crash)
	metrics.IncStop("crash")
	if err := s.opts.Activity.LogServerCrash(inst.runID, crash); err != nil {
		log.Printf("[Supervisor] Failed to record crash: %v", err)
	}

	s.scheduleRestart(ranFor)
}

func (s *Supervisor) scheduleRestart(ranFor time.Duration) {
	policy := s.cfg.AutoRestart
	if !policy.Enabled {
		return
	}

	s.mu.Lock()
	if ranFor > restartResetWindow {
		s.restarts = 0
	}
	if s.restarts >= policy.MaxRestarts {
		s.mu.Unlock()
		log.Printf("[Supervisor] Auto-restart limit (%d) reached, leaving server stopped", policy.MaxRestarts)
		return
	}
	s.restarts++
	attempt := s.restarts
	s.mu.Unlock()

	delay := restartDelay(policy, attempt)
	log.Printf("[Supervisor] Auto-restart %d/%d in %v", attempt, policy.MaxRestarts, delay)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.bgCtx.Done():
			return
		}

		metrics.IncAutoRestart()
		if err := s.opts.Activity.LogActivity(&logging.Activity{
			ActivityType: logging.ActivityServerRestart,
			Description:  "Automatic restart after crash",
			Metadata:     map[string]interface{}{"attempt": attempt},
			Success:      true,
		}); err != nil {
			log.Printf("[Supervisor] Failed to record restart: %v", err)
		}
		if err := s.Start(s.bgCtx); err != nil {
			log.Printf("[Supervisor] Auto-restart failed: %v", err)
		}
	}()
}

// restartDelay returns the exponential delay before the given 1-based attempt
func restartDelay(policy config.AutoRestartConfig, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialDelay
	b.MaxInterval = policy.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(state)
}

func (s *Supervisor) setStateLocked(state State) {
	old := s.state
	if old == state {
		return
	}
	s.state = state
	s.since = time.Now()

	runID := ""
	if s.inst != nil {
		runID = s.inst.runID
	}
	log.Printf("[Supervisor] %s -> %s", old, state)
	metrics.SetState(string(state), stateNames())
	if err := s.opts.Activity.LogStatusChange(runID, string(old), string(state)); err != nil {
		log.Printf("[Supervisor] Failed to record state change: %v", err)
	}
}
