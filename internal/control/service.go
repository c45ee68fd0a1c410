// Package control implements the watchdog's remote operations: start, stop,
// restart and kill of a configured server, a status report, and shutdown of
// the watchdog itself. Every mutating operation except shutdown is guarded
// by the shared-secret cookie.
package control

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gophpeek/phpeek-watchdog/internal/audit"
	"github.com/gophpeek/phpeek-watchdog/internal/config"
	"github.com/gophpeek/phpeek-watchdog/internal/logger"
	"github.com/gophpeek/phpeek-watchdog/internal/metrics"
	"github.com/gophpeek/phpeek-watchdog/internal/process"
	"github.com/gophpeek/phpeek-watchdog/internal/tracing"
)

// ShutdownMessage is handed to every server stopped by a watchdog shutdown
const ShutdownMessage = "watchdog shutdown"

// Caller identifies the origin of a request for auditing
type Caller struct {
	Cookie string
	IP     string
	Agent  string
}

func (c Caller) actor() audit.Actor {
	id := c.Agent
	if id == "" {
		id = "client"
	}
	return audit.Actor{Type: "api", ID: id, IP: c.IP}
}

// Service dispatches control operations into the registry
type Service struct {
	registry *process.Registry
	audit    *audit.Logger
	logger   *slog.Logger

	mu  sync.RWMutex
	cfg *config.Config

	exit          func(int)
	shutdownDelay time.Duration
	shutdownOnce  sync.Once
	shuttingDown  chan struct{}
}

// NewService creates the control service over registry
func NewService(cfg *config.Config, registry *process.Registry, auditLogger *audit.Logger, log *slog.Logger) *Service {
	return &Service{
		registry:      registry,
		audit:         auditLogger,
		logger:        log.With("component", "control"),
		cfg:           cfg,
		exit:          os.Exit,
		shutdownDelay: cfg.Watchdog.ShutdownDelayDuration(),
		shuttingDown:  make(chan struct{}),
	}
}

// SetExitFunc replaces the function that terminates the host process after Shutdown
func (s *Service) SetExitFunc(exit func(int)) {
	s.exit = exit
}

// UpdateConfig swaps the configuration used for identity lookups. Running
// servers keep their identity; a changed identity applies on the next start.
func (s *Service) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Config returns the current configuration
func (s *Service) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ShuttingDown is closed once Shutdown was called
func (s *Service) ShuttingDown() <-chan struct{} {
	return s.shuttingDown
}

// Authenticate accepts a cookie equal to the configured one. An empty cookie
// only matches when none is configured.
func (s *Service) Authenticate(cookie string) error {
	expected := s.Config().Watchdog.Cookie
	if len(cookie) == len(expected) && subtle.ConstantTimeCompare([]byte(cookie), []byte(expected)) == 1 {
		return nil
	}
	return process.Errorf(process.KindAuthorization, "authenticate", "", "invalid cookie")
}

func (s *Service) authorize(caller Caller, op string) error {
	if err := s.Authenticate(caller.Cookie); err != nil {
		reason := "cookie mismatch"
		if caller.Cookie == "" {
			reason = "missing cookie"
		}
		s.audit.LogAuthFailure(caller.IP, op, reason)
		s.logger.Warn("Rejected control request", "op", op, "ip", caller.IP, "reason", reason)
		return err
	}
	return nil
}

func (s *Service) identity(op, id string) (*config.Identity, error) {
	identity, ok := s.Config().Server(id)
	if !ok {
		return nil, process.Errorf(process.KindNotFound, op, id, "no server %q is configured", id)
	}
	return identity, nil
}

// observe records metrics, audit and span outcome for an operation
func (s *Service) observe(caller Caller, op, id string, began time.Time, err error) {
	result := "success"
	if err != nil {
		result = string(process.KindOf(err))
	}
	metrics.RecordControl(op, result, time.Since(began).Seconds())
	s.audit.LogControl(caller.actor(), op, id, err)
}

// Start starts the server id
func (s *Service) Start(ctx context.Context, caller Caller, id string, args process.StartArgs) (msg string, err error) {
	began := time.Now()
	ctx, span := tracing.StartControlSpan(ctx, "start", id)
	defer func() {
		if err != nil {
			tracing.RecordError(span, err, "start failed")
		} else {
			tracing.RecordSuccess(span)
		}
		span.End()
	}()

	if err := s.authorize(caller, "start"); err != nil {
		metrics.RecordControl("start", string(process.KindAuthorization), time.Since(began).Seconds())
		return "", err
	}
	defer func() { s.observe(caller, "start", id, began, err) }()

	return s.start(ctx, id, args)
}

func (s *Service) start(ctx context.Context, id string, args process.StartArgs) (string, error) {
	identity, err := s.identity("start", id)
	if err != nil {
		return "", err
	}
	sup, err := s.registry.GetOrCreate(identity)
	if err != nil {
		return "", err
	}
	if err := sup.Start(ctx, args); err != nil {
		return "", err
	}

	st := sup.Snapshot()
	if !st.Handshake && st.State.Active() {
		return fmt.Sprintf("server %s started (pid %d) without confirmed handshake", identity.DisplayID(), st.Pid), nil
	}
	return fmt.Sprintf("server %s started (pid %d)", identity.DisplayID(), st.Pid), nil
}

// Stop stops the server id gracefully, killing it after its stop timeout
func (s *Service) Stop(ctx context.Context, caller Caller, id string, args process.StartArgs) (msg string, err error) {
	began := time.Now()
	ctx, span := tracing.StartControlSpan(ctx, "stop", id)
	defer func() {
		tracing.RecordError(span, err, "stop failed")
		span.End()
	}()

	if err := s.authorize(caller, "stop"); err != nil {
		metrics.RecordControl("stop", string(process.KindAuthorization), time.Since(began).Seconds())
		return "", err
	}
	defer func() { s.observe(caller, "stop", id, began, err) }()

	identity, err := s.identity("stop", id)
	if err != nil {
		return "", err
	}
	sup, ok := s.registry.Get(identity.DisplayID())
	if !ok || !sup.IsActive() {
		return fmt.Sprintf("server %s is not running", identity.DisplayID()), nil
	}
	if err := sup.Stop(ctx, args.Message); err != nil {
		return "", &process.Error{Kind: process.KindInternal, Op: "stop", ID: identity.DisplayID(), Err: err}
	}
	return fmt.Sprintf("server %s %s", identity.DisplayID(), sup.State()), nil
}

// Restart stops the server id when it is running, then starts it with the
// current configuration
func (s *Service) Restart(ctx context.Context, caller Caller, id string, args process.StartArgs) (msg string, err error) {
	began := time.Now()
	ctx, span := tracing.StartControlSpan(ctx, "restart", id)
	defer func() {
		tracing.RecordError(span, err, "restart failed")
		span.End()
	}()

	if err := s.authorize(caller, "restart"); err != nil {
		metrics.RecordControl("restart", string(process.KindAuthorization), time.Since(began).Seconds())
		return "", err
	}
	defer func() { s.observe(caller, "restart", id, began, err) }()

	identity, err := s.identity("restart", id)
	if err != nil {
		return "", err
	}
	if sup, ok := s.registry.Get(identity.DisplayID()); ok && sup.IsActive() {
		if err := sup.Stop(ctx, args.Message); err != nil {
			// the start below reports the conflict if the server is still up
			s.logger.Warn("Stop before restart did not complete", "server", identity.DisplayID(), "error", err)
		}
		tracing.AddEvent(span, "server.stopped", attribute.String("state", string(sup.State())))
	}
	return s.start(ctx, id, args)
}

// Kill terminates the server id immediately
func (s *Service) Kill(ctx context.Context, caller Caller, id string) (msg string, err error) {
	began := time.Now()
	ctx, span := tracing.StartControlSpan(ctx, "kill", id)
	defer func() {
		tracing.RecordError(span, err, "kill failed")
		span.End()
	}()

	if err := s.authorize(caller, "kill"); err != nil {
		metrics.RecordControl("kill", string(process.KindAuthorization), time.Since(began).Seconds())
		return "", err
	}
	defer func() { s.observe(caller, "kill", id, began, err) }()

	identity, err := s.identity("kill", id)
	if err != nil {
		return "", err
	}
	sup, ok := s.registry.Get(identity.DisplayID())
	if !ok || !sup.IsActive() {
		return fmt.Sprintf("server %s is not running", identity.DisplayID()), nil
	}
	if err := sup.Kill(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("server %s killed", identity.DisplayID()), nil
}

// Tail returns the last n output lines of the server id
func (s *Service) Tail(ctx context.Context, caller Caller, id string, n int) ([]logger.Line, error) {
	if err := s.authorize(caller, "logs"); err != nil {
		return nil, err
	}
	identity, err := s.identity("logs", id)
	if err != nil {
		return nil, err
	}
	sup, ok := s.registry.Get(identity.DisplayID())
	if !ok {
		return nil, process.Errorf(process.KindNotFound, "logs", identity.DisplayID(), "server has not been started")
	}
	return sup.Tail(n), nil
}

// Shutdown stops every server, kills what does not stop in time, and exits
// the host process after the configured delay. Only the first call acts.
func (s *Service) Shutdown(ctx context.Context, caller Caller) string {
	first := false
	s.shutdownOnce.Do(func() {
		first = true
		close(s.shuttingDown)
	})
	if !first {
		return "shutdown already in progress"
	}

	began := time.Now()
	ctx, span := tracing.StartWatchdogSpan(ctx, "shutdown")
	defer span.End()

	s.logger.Info("Shutting down watchdog", "ip", caller.IP)
	stopped := s.StopAll(ctx, ShutdownMessage)
	tracing.AddEvent(span, "supervisors.stopped", attribute.Int("count", stopped))
	tracing.RecordSuccess(span)

	s.observe(caller, "shutdown", "watchdog", began, nil)
	s.audit.LogSystemShutdown("control request", true)

	go func() {
		time.Sleep(s.shutdownDelay)
		s.logger.Info("Watchdog exiting")
		s.exit(0)
	}()
	return fmt.Sprintf("watchdog shutting down, %d servers stopped", stopped)
}

// StopAll gracefully stops every active server in parallel, then closes the
// registry so anything still alive is killed. It returns how many servers
// were active.
func (s *Service) StopAll(ctx context.Context, message string) int {
	var wg sync.WaitGroup
	stopped := 0
	for _, sup := range s.registry.List() {
		if !sup.IsActive() {
			continue
		}
		stopped++
		wg.Add(1)
		go func(sup *process.Supervisor) {
			defer wg.Done()
			if err := sup.Stop(context.WithoutCancel(ctx), message); err != nil {
				s.logger.Warn("Failed to stop server", "server", sup.Identity().DisplayID(), "error", err)
			}
		}(sup)
	}
	wg.Wait()
	s.registry.CloseAll()
	return stopped
}

// Autostart starts every configured server marked autostart
func (s *Service) Autostart(ctx context.Context) {
	cfg := s.Config()
	for _, id := range cfg.ServerIDs() {
		identity := cfg.Servers[id]
		if !identity.Autostart {
			continue
		}
		msg, err := s.start(ctx, id, process.StartArgs{})
		if err != nil {
			s.logger.Error("Autostart failed", "server", id, "error", err)
			continue
		}
		s.logger.Info("Autostarted server", "server", id, "message", msg)
	}
}
