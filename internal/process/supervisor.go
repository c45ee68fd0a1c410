package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gophpeek/phpeek-watchdog/internal/config"
	"github.com/gophpeek/phpeek-watchdog/internal/handshake"
	"github.com/gophpeek/phpeek-watchdog/internal/logger"
	"github.com/gophpeek/phpeek-watchdog/internal/metrics"
	"github.com/gophpeek/phpeek-watchdog/internal/tracing"
)

// State is the lifecycle state of a supervised server
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateKilled   State = "killed"
)

// Active reports whether a process may be alive in this state
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

const (
	defaultReapTimeout = 10 * time.Second
	defaultOutputGrace = 5 * time.Second
	// relayDrain bounds how long the waiter lets the relay finish after the
	// child exited; grandchildren may still hold the pipe open
	relayDrain = time.Second
)

// Options tune supervisor behavior. Zero values select defaults.
type Options struct {
	HandshakeTimeout time.Duration
	Mode             logger.Mode
	Logs             config.LogsConfig
	TailLines        int
	ReapTimeout      time.Duration
	// OutputGrace is how long a child may live after closing its output before it is killed
	OutputGrace time.Duration
	// SampleInterval enables periodic resource sampling of the child when > 0
	SampleInterval time.Duration
	// OnExit runs on the waiter goroutine after every child exit
	OnExit func(id string, pid int, exit ExitClassification)
}

// OptionsFromConfig derives supervisor options from the watchdog configuration
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		HandshakeTimeout: cfg.Watchdog.HandshakeTimeoutDuration(),
		Logs:             cfg.Logs,
	}
	if cfg.Watchdog.Console {
		opts.Mode = logger.ModeConsole
	}
	if cfg.Watchdog.MetricsEnabledValue() {
		opts.SampleInterval = 15 * time.Second
	}
	return opts
}

func (o *Options) setDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 60 * time.Second
	}
	if o.ReapTimeout <= 0 {
		o.ReapTimeout = defaultReapTimeout
	}
	if o.OutputGrace <= 0 {
		o.OutputGrace = defaultOutputGrace
	}
}

// Status is a point-in-time view of a supervisor
type Status struct {
	ID             string             `json:"id"`
	State          State              `json:"state"`
	Pid            int                `json:"pid,omitempty"`
	StartCount     int                `json:"start_count"`
	FirstStart     time.Time          `json:"first_start,omitempty"`
	LastStart      time.Time          `json:"last_start,omitempty"`
	Uptime         time.Duration      `json:"uptime"`
	LastExit       ExitClassification `json:"last_exit"`
	Handshake      bool               `json:"handshake"`
	PendingMessage string             `json:"pending_message,omitempty"`
}

// Supervisor owns the lifecycle of at most one child process for an identity.
// It never restarts a child on its own.
type Supervisor struct {
	identity *config.Identity
	spawner  Spawner
	opts     Options
	logger   *slog.Logger
	tail     *logger.Tail

	mu             sync.Mutex
	state          State
	child          *Child
	listener       *handshake.Listener
	conn           *handshake.Conn
	sink           io.Closer
	exited         chan struct{} // closed by the waiter of the current child
	cancelStart    context.CancelFunc
	launching      bool // between Start's state change and publishing the child
	killed         bool
	confirmed      bool
	startCount     int
	firstStart     time.Time
	lastStart      time.Time
	lastExit       ExitClassification
	pendingMessage string
	closed         bool
}

// NewSupervisor creates an idle supervisor for identity
func NewSupervisor(identity *config.Identity, spawner Spawner, opts Options, log *slog.Logger) *Supervisor {
	opts.setDefaults()
	s := &Supervisor{
		identity: identity,
		spawner:  spawner,
		opts:     opts,
		logger:   log.With("server", identity.DisplayID()),
		tail:     logger.NewTail(opts.TailLines),
		state:    StateIdle,
	}
	metrics.SetState(identity.DisplayID(), string(StateIdle))
	return s
}

// Identity returns the identity the supervisor was built from
func (s *Supervisor) Identity() *config.Identity {
	return s.identity
}

// State returns the current lifecycle state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsActive reports whether a child may be alive. A killed child counts
// until its waiter has reaped it.
func (s *Supervisor) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy()
}

func (s *Supervisor) busy() bool {
	return s.state.Active() || s.launching || s.child != nil
}

// Tail returns the last n relayed output lines, all buffered lines for n <= 0
func (s *Supervisor) Tail(n int) []logger.Line {
	return s.tail.Recent(n)
}

// Snapshot returns the current status
func (s *Supervisor) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ID:             s.identity.DisplayID(),
		State:          s.state,
		StartCount:     s.startCount,
		FirstStart:     s.firstStart,
		LastStart:      s.lastStart,
		LastExit:       s.lastExit,
		Handshake:      s.confirmed,
		PendingMessage: s.pendingMessage,
	}
	if s.child != nil {
		st.Pid = s.child.Pid
	}
	if s.state.Active() && !s.lastStart.IsZero() {
		st.Uptime = time.Since(s.lastStart)
	}
	return st
}

func (s *Supervisor) setState(state State) {
	s.state = state
	metrics.SetState(s.identity.DisplayID(), string(state))
}

type acceptResult struct {
	conn *handshake.Conn
	err  error
}

// Start launches the child and waits until it connected to the handshake
// listener, the handshake window elapsed, or the child exited. A child that
// exits before connecting is a start failure.
func (s *Supervisor) Start(ctx context.Context, args StartArgs) error {
	ctx, span := tracing.StartServerSpan(ctx, "start", s.identity.DisplayID(),
		attribute.String("restart.reason", args.Message))
	defer span.End()

	if err := s.start(ctx, args); err != nil {
		tracing.RecordError(span, err, "start failed")
		return err
	}
	tracing.RecordSuccess(span)
	return nil
}

func (s *Supervisor) start(ctx context.Context, args StartArgs) error {
	id := s.identity.DisplayID()
	span := trace.SpanFromContext(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Errorf(KindNotFound, "start", id, "supervisor is closed")
	}
	if s.busy() {
		state := s.state
		s.mu.Unlock()
		if !state.Active() {
			return Errorf(KindConflict, "start", id, "server is %s but not yet reaped", state)
		}
		return Errorf(KindConflict, "start", id, "server is already %s", state)
	}

	info := handshake.StartInfo{
		IsRestart:       s.startCount > 0,
		RestartReason:   args.Message,
		ShutdownMessage: s.pendingMessage,
	}
	if !s.lastExit.IsZero() {
		info.PreviousExit = wireExit(s.lastExit)
	}

	now := time.Now()
	s.startCount++
	count := s.startCount
	if s.firstStart.IsZero() {
		s.firstStart = now
	}
	s.lastStart = now
	s.pendingMessage = ""
	s.killed = false
	s.confirmed = false
	s.launching = true
	s.setState(StateStarting)

	// the handshake outlives the request that triggered it; only Kill cancels it
	startCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	s.cancelStart = cancel
	s.mu.Unlock()

	metrics.RecordStart(id, float64(now.Unix()))
	s.logger.Info("Starting server", "start_count", count, "restart_reason", args.Message)

	ln, err := handshake.Listen(s.logger)
	if err != nil {
		return s.failStart(&Error{Kind: KindInternal, Op: "start", ID: id, Err: err})
	}

	out, sink, err := s.openOutput()
	if err != nil {
		ln.Close()
		return s.failStart(&Error{Kind: KindConfiguration, Op: "start", ID: id, Err: err})
	}

	child, err := s.spawner.Spawn(startCtx, s.identity, args, ln.Port())
	if err != nil {
		ln.Close()
		if sink != nil {
			sink.Close()
		}
		return s.failStart(err)
	}

	exited := make(chan struct{})
	s.mu.Lock()
	s.child = child
	s.listener = ln
	s.sink = sink
	s.exited = exited
	s.launching = false
	aborted := s.killed
	s.mu.Unlock()

	relay := logger.NewRelay(id, child.Output, out, s.tail, s.logger, func(error) {
		go s.afterOutputClosed(exited)
	})
	relay.Start()
	go s.wait(child, relay, exited)
	if s.opts.SampleInterval > 0 {
		go s.sample(child.Pid, exited)
	}

	s.logger.Info("Server process started", "pid", child.Pid, "handshake_port", ln.Port())
	tracing.AddEvent(span, "process.spawned", attribute.Int("pid", child.Pid), attribute.Int("start.count", count))

	if aborted {
		ln.Close()
		if err := killProcessGroup(child.Pid); err != nil {
			s.logger.Warn("Failed to kill aborted server", "pid", child.Pid, "error", err)
		}
		return Errorf(KindInternal, "start", id, "start aborted by kill")
	}

	accepted := make(chan acceptResult, 1)
	began := time.Now()
	go func() {
		c, err := ln.Accept(startCtx, s.opts.HandshakeTimeout, s.handleQuery)
		accepted <- acceptResult{conn: c, err: err}
	}()

	var res acceptResult
	select {
	case res = <-accepted:
	case <-exited:
		ln.Close()
		res = <-accepted
	}

	switch {
	case res.err == nil:
		metrics.RecordHandshake(id, time.Since(began).Seconds(), true)
		tracing.AddEvent(span, "handshake.confirmed")
		s.mu.Lock()
		s.confirmed = true
		live := s.child == child
		if live {
			s.conn = res.conn
		}
		if s.state == StateStarting {
			s.setState(StateRunning)
		}
		s.mu.Unlock()
		if !live {
			// connected, then exited before the start finished
			res.conn.Close()
			return nil
		}

		if err := res.conn.SendStartInfo(info); err != nil {
			s.logger.Warn("Failed to send start info", "error", err)
		}
		go s.watchConn(res.conn, exited)
		s.logger.Info("Server connected", "handshake_seconds", time.Since(began).Seconds())
		return nil

	case errors.Is(res.err, handshake.ErrTimeout):
		metrics.RecordHandshake(id, time.Since(began).Seconds(), false)
		tracing.AddEvent(span, "handshake.timeout")
		select {
		case <-exited:
			return s.exitedDuringStart()
		default:
		}
		s.mu.Lock()
		if s.state == StateStarting {
			s.setState(StateRunning)
		}
		s.mu.Unlock()
		s.logger.Warn("Server running without confirmed handshake", "timeout", s.opts.HandshakeTimeout)
		return nil

	default:
		select {
		case <-exited:
			return s.exitedDuringStart()
		default:
		}
		s.mu.Lock()
		killed := s.killed
		s.mu.Unlock()
		if killed {
			return Errorf(KindInternal, "start", id, "start aborted by kill")
		}
		// the listener failed but the child is alive; it runs unconfirmed
		s.logger.Warn("Handshake listener failed", "error", res.err)
		s.mu.Lock()
		if s.state == StateStarting {
			s.setState(StateRunning)
		}
		s.mu.Unlock()
		return nil
	}
}

// failStart records a start that never produced a live child
func (s *Supervisor) failStart(err error) error {
	s.mu.Lock()
	if s.state == StateStarting {
		s.setState(StateStopped)
	}
	s.launching = false
	s.cancelStart = nil
	s.mu.Unlock()
	s.logger.Error("Failed to start server", "error", err)
	return err
}

func (s *Supervisor) exitedDuringStart() error {
	s.mu.Lock()
	exit := s.lastExit
	killed := s.killed
	s.mu.Unlock()
	if killed {
		return Errorf(KindInternal, "start", s.identity.DisplayID(), "start aborted by kill")
	}
	s.logger.Error("Server exited before connecting", "exit", exit.String())
	return Errorf(KindInternal, "start", s.identity.DisplayID(), "server exited during startup: %s", exit)
}

// openOutput returns the relay destination and the sink to close after exit
func (s *Supervisor) openOutput() (io.Writer, io.Closer, error) {
	if s.opts.Mode == logger.ModeConsole {
		return logger.ConsoleWriter(), nil, nil
	}
	dir := s.identity.LogDir
	if dir == "" {
		dir = s.opts.Logs.Directory
	}
	sink, err := logger.NewSink(dir, s.identity.ID, s.opts.Logs, s.logger)
	if err != nil {
		return nil, nil, err
	}
	return sink, sink, nil
}

// wait reaps the child, classifies its exit and releases everything the start acquired
func (s *Supervisor) wait(child *Child, relay *logger.Relay, exited chan struct{}) {
	waitErr := child.Cmd.Wait()
	child.Release()
	exit := ClassifyState(child.Cmd.ProcessState)

	select {
	case <-relay.Done():
	case <-time.After(relayDrain):
		s.logger.Debug("Output still open after exit, closing it")
	}
	child.Output.Close()
	<-relay.Done()

	s.mu.Lock()
	var listener *handshake.Listener
	var conn *handshake.Conn
	var sink io.Closer
	if s.child == child {
		s.lastExit = exit
		if s.killed || s.state == StateKilled {
			s.setState(StateKilled)
		} else {
			s.setState(StateStopped)
		}
		listener, conn, sink = s.listener, s.conn, s.sink
		s.child = nil
		s.listener = nil
		s.conn = nil
		s.sink = nil
		s.cancelStart = nil
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	if conn != nil {
		conn.Close()
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			s.logger.Warn("Failed to close log sink", "error", err)
		}
	}

	metrics.RecordExit(s.identity.DisplayID(), string(exit.Kind), exit.Code)
	if exit.Kind == ExitKindNormal {
		s.logger.Info("Server exited", "pid", child.Pid, "exit", exit.String(), "relayed_bytes", relay.Bytes())
	} else {
		s.logger.Warn("Server exited", "pid", child.Pid, "exit", exit.String(), "error", waitErr)
	}
	if s.opts.OnExit != nil {
		s.opts.OnExit(s.identity.DisplayID(), child.Pid, exit)
	}
	close(exited)
}

// afterOutputClosed kills a child that closed its output but kept running
func (s *Supervisor) afterOutputClosed(exited <-chan struct{}) {
	timer := time.NewTimer(s.opts.OutputGrace)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		s.logger.Warn("Server closed its output but did not exit, killing", "grace", s.opts.OutputGrace)
		s.forceKill("output_closed")
	}
}

// watchConn logs a disconnect that happens while the child is still alive
func (s *Supervisor) watchConn(conn *handshake.Conn, exited <-chan struct{}) {
	select {
	case <-exited:
	case <-conn.Done():
		select {
		case <-exited:
			return
		default:
		}
		if err := conn.Err(); err != nil {
			s.logger.Warn("Handshake connection failed", "error", err)
		} else {
			s.logger.Info("Server disconnected from handshake channel")
		}
	}
}

func (s *Supervisor) sample(pid int, exited <-chan struct{}) {
	ticker := time.NewTicker(s.opts.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-exited:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.SampleInterval)
			sample, err := metrics.CollectProcessMetrics(ctx, pid)
			cancel()
			if err != nil {
				s.logger.Debug("Failed to sample server resources", "pid", pid, "error", err)
				continue
			}
			metrics.UpdatePrometheusMetrics(s.identity.DisplayID(), sample)
		}
	}
}

// forceKill kills the current child's process group and marks the supervisor killed
func (s *Supervisor) forceKill(cause string) {
	s.mu.Lock()
	child := s.child
	if child == nil {
		s.mu.Unlock()
		return
	}
	s.killed = true
	s.setState(StateKilled)
	s.mu.Unlock()

	metrics.RecordForcedKill(s.identity.DisplayID(), cause)
	if err := killProcessGroup(child.Pid); err != nil {
		s.logger.Error("Failed to kill server", "pid", child.Pid, "error", err)
	}
}

// Stop asks the child to shut down, over the handshake channel when
// connected and by closing its stdin otherwise. A child still alive after
// the identity's stop timeout is killed. message is handed to the next start.
func (s *Supervisor) Stop(ctx context.Context, message string) error {
	ctx, span := tracing.StartServerSpan(ctx, "stop", s.identity.DisplayID())
	defer span.End()

	if err := s.stop(ctx, message); err != nil {
		tracing.RecordError(span, err, "stop did not complete")
		return err
	}
	tracing.RecordSuccess(span)
	return nil
}

func (s *Supervisor) stop(ctx context.Context, message string) error {
	span := trace.SpanFromContext(ctx)
	s.mu.Lock()
	if message != "" {
		s.pendingMessage = message
	}
	if !s.state.Active() {
		s.mu.Unlock()
		return nil
	}
	if s.child == nil {
		// still launching, nothing to ask yet
		s.mu.Unlock()
		return s.Kill(ctx)
	}
	child, conn, exited := s.child, s.conn, s.exited
	if s.state != StateStopping {
		s.setState(StateStopping)
	}
	s.mu.Unlock()

	grace := s.identity.StopTimeoutDuration()
	s.logger.Info("Stopping server", "pid", child.Pid, "grace", grace, "handshake", conn != nil)

	sent := false
	if conn != nil {
		if err := conn.SendShutdown(message); err != nil {
			s.logger.Warn("Failed to send shutdown request, closing stdin", "error", err)
		} else {
			sent = true
		}
	}
	via := "handshake"
	if !sent {
		via = "stdin"
		child.Stdin.Close()
	}
	tracing.AddEvent(span, "shutdown.requested", attribute.Int("pid", child.Pid), attribute.String("via", via))

	done := make(chan struct{})
	go func() {
		defer close(done)
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-exited:
			return
		case <-timer.C:
		}
		s.logger.Warn("Server did not stop in time, killing", "grace", grace)
		tracing.AddEvent(span, "stop_timeout")
		s.forceKill("stop_timeout")
		select {
		case <-exited:
		case <-time.After(s.opts.ReapTimeout):
			s.logger.Error("Server was not reaped after kill", "pid", child.Pid)
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// enforcement continues in the background
		return ctx.Err()
	}
}

// Kill terminates the child immediately. It is safe in any state, including
// while a start is still waiting for the handshake.
func (s *Supervisor) Kill(ctx context.Context) error {
	s.mu.Lock()
	if !s.busy() {
		s.mu.Unlock()
		return nil
	}
	s.killed = true
	s.setState(StateKilled)
	cancel, ln, conn, child, exited := s.cancelStart, s.listener, s.conn, s.child, s.exited
	s.mu.Unlock()

	s.logger.Warn("Killing server")
	if cancel != nil {
		cancel()
	}
	if ln != nil {
		ln.Close()
	}
	if conn != nil {
		conn.Close()
	}
	if child == nil {
		return nil
	}

	child.Stdin.Close()
	metrics.RecordForcedKill(s.identity.DisplayID(), "kill")
	if err := killProcessGroup(child.Pid); err != nil {
		return &Error{Kind: KindInternal, Op: "kill", ID: s.identity.DisplayID(), Err: err}
	}

	timer := time.NewTimer(s.opts.ReapTimeout)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		s.logger.Error("Server was not reaped after kill", "pid", child.Pid, "timeout", s.opts.ReapTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Restart stops the running child and starts a new one. A child that did
// not stop makes the start fail with a conflict.
func (s *Supervisor) Restart(ctx context.Context, args StartArgs) error {
	if err := s.Stop(ctx, args.Message); err != nil {
		s.logger.Warn("Stop before restart did not complete", "error", err)
	}
	return s.Start(ctx, args)
}

// Query sends a named query to the connected child
func (s *Supervisor) Query(ctx context.Context, name string, body any) (json.RawMessage, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, Errorf(KindConnectivity, "query", s.identity.DisplayID(), "server has no handshake connection")
	}
	reply, err := conn.Query(ctx, name, body)
	if err != nil {
		return nil, &Error{Kind: KindConnectivity, Op: "query", ID: s.identity.DisplayID(), Err: err}
	}
	return reply, nil
}

// handleQuery answers queries sent by the child
func (s *Supervisor) handleQuery(_ context.Context, name string, _ json.RawMessage) (any, error) {
	switch name {
	case "ping":
		return "pong", nil
	case "state":
		return s.Snapshot(), nil
	case "identity":
		return s.identity, nil
	default:
		return nil, fmt.Errorf("unknown query %q", name)
	}
}

// Close kills any live child and makes the supervisor unusable
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.Kill(context.Background())
}

func wireExit(e ExitClassification) *handshake.ExitStatus {
	return &handshake.ExitStatus{
		Kind:        string(e.Kind),
		Code:        e.Code,
		Signal:      e.SignalName,
		Description: e.String(),
	}
}
