package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gophpeek/phpeek-watchdog/internal/acl"
	"github.com/gophpeek/phpeek-watchdog/internal/audit"
	"github.com/gophpeek/phpeek-watchdog/internal/config"
	"github.com/gophpeek/phpeek-watchdog/internal/control"
	"github.com/gophpeek/phpeek-watchdog/internal/logger"
	"github.com/gophpeek/phpeek-watchdog/internal/process"
)

// maxRequestBodySize limits request bodies; start arguments are small
const maxRequestBodySize = 1024 * 1024 // 1MB

// defaultTailLines is returned by the logs endpoint without a lines parameter
const defaultTailLines = 100

// RequestIDHeader carries the id assigned to every request
const RequestIDHeader = "X-Request-ID"

// Response is the envelope of every control plane reply
type Response struct {
	Success   bool                   `json:"success"`
	Message   string                 `json:"message"`
	Kind      string                 `json:"kind,omitempty"`
	Detail    string                 `json:"detail,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Servers   []control.ServerStatus `json:"servers,omitempty"`
	Lines     []logger.Line          `json:"lines,omitempty"`
}

// rateLimiter keeps one token bucket per client IP
type rateLimiter struct {
	visitors        map[string]*visitor
	mu              sync.Mutex
	limit           rate.Limit
	burst           int
	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newRateLimiter creates a limiter allowing perSecond requests with burst per IP
func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	rl := &rateLimiter{
		visitors:        make(map[string]*visitor),
		limit:           rate.Limit(perSecond),
		burst:           burst,
		cleanupInterval: 5 * time.Minute,
		stopCh:          make(chan struct{}),
	}
	rl.wg.Add(1)
	go rl.cleanupVisitors()
	return rl
}

func (rl *rateLimiter) stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
	rl.wg.Wait()
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()
	return v.limiter.Allow()
}

func (rl *rateLimiter) cleanupVisitors() {
	defer rl.wg.Done()

	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evict(10 * time.Minute)
		}
	}
}

// evict forgets visitors idle for longer than idle
func (rl *rateLimiter) evict(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.visitors {
		if time.Since(v.lastSeen) > idle {
			delete(rl.visitors, ip)
		}
	}
}

// Server exposes the control service over HTTP
type Server struct {
	address     string
	port        int
	verbose     bool
	service     *control.Service
	acl         *acl.Checker
	rateLimiter *rateLimiter
	auditLogger *audit.Logger
	logger      *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates the control plane server for cfg
func NewServer(cfg config.WatchdogConfig, service *control.Service, auditLogger *audit.Logger, log *slog.Logger) (*Server, error) {
	checker, err := acl.NewChecker(cfg.AllowedClients, cfg.TrustProxy)
	if err != nil {
		return nil, fmt.Errorf("failed to create client ACL: %w", err)
	}
	log = log.With("component", "api")
	if checker != nil {
		log.Info("Client ACL enabled", "allowed", checker.Len(), "trust_proxy", cfg.TrustProxy)
	}

	return &Server{
		address:     cfg.Address,
		port:        cfg.Port,
		verbose:     cfg.Verbose,
		service:     service,
		acl:         checker,
		rateLimiter: newRateLimiter(cfg.RateLimit, cfg.RateBurst),
		auditLogger: auditLogger,
		logger:      log,
	}, nil
}

// Handler returns the routed handler with the full middleware stack
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Middleware order: panicRecovery -> requestID -> acl -> bodyLimit -> rateLimit -> handler.
	// The cookie is checked by the control service itself.
	mux.HandleFunc("GET /api/v1/health", s.wrapHandler(s.handleHealth))
	mux.HandleFunc("GET /api/v1/status", s.wrapHandler(s.handleStatus))
	mux.HandleFunc("POST /api/v1/shutdown", s.wrapHandler(s.handleShutdown))
	mux.HandleFunc("POST /api/v1/servers/{id}/{action}", s.wrapHandler(s.handleServerAction))
	mux.HandleFunc("GET /api/v1/servers/{id}/logs", s.wrapHandler(s.handleLogs))

	return mux
}

// Start binds the control port and serves in the background
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.address, strconv.Itoa(s.port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return process.Errorf(process.KindConfiguration, "listen", "", "failed to listen on %s: %v", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		// no WriteTimeout: stop and shutdown wait out server grace periods
		IdleTimeout: 60 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Starting control plane", "address", ln.Addr().String())

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Control plane failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping control plane")
	s.rateLimiter.stop()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop control plane: %w", err)
	}
	return nil
}

// Port returns the bound port, or the configured one before Start
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().(*net.TCPAddr).Port
	}
	return s.port
}

type ctxKey struct{}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	}
}

// aclMiddleware rejects clients outside the allow list
func (s *Server) aclMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.acl == nil {
			next(w, r)
			return
		}
		ip, err := s.acl.ClientIP(r)
		if err != nil {
			s.auditLogger.LogACLDeny(r.RemoteAddr, r.URL.Path, "invalid client address")
			s.respondError(w, r, http.StatusBadRequest, "unable to determine client address")
			return
		}
		if !s.acl.IsAllowed(ip) {
			s.auditLogger.LogACLDeny(ip.String(), r.URL.Path, "client not in allowed_clients")
			s.respondError(w, r, http.StatusForbidden, "access denied")
			return
		}
		next(w, r)
	}
}

func (s *Server) rateLimitMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := s.clientIP(r)
		if !s.rateLimiter.allow(ip) {
			s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
			s.auditLogger.LogRateLimit(ip, r.URL.Path)
			s.respondError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) panicRecoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered in control handler",
					"error", err,
					"path", r.URL.Path,
					"method", r.Method,
					"stack", string(debug.Stack()),
				)
				s.respondError(w, r, http.StatusInternalServerError, "internal server error")
			}
		}()
		next(w, r)
	}
}

func (s *Server) bodyLimitMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}
		next(w, r)
	}
}

func (s *Server) wrapHandler(handler http.HandlerFunc) http.HandlerFunc {
	h := s.rateLimitMiddleware(handler)
	h = s.bodyLimitMiddleware(h)
	h = s.aclMiddleware(h)
	h = s.requestIDMiddleware(h)
	return s.panicRecoveryMiddleware(h)
}

func (s *Server) clientIP(r *http.Request) string {
	if ip, err := s.acl.ClientIP(r); err == nil {
		return ip.String()
	}
	return r.RemoteAddr
}

// caller extracts the cookie from "Authorization: Bearer <cookie>"
func (s *Server) caller(r *http.Request) control.Caller {
	cookie, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return control.Caller{
		Cookie: cookie,
		IP:     s.clientIP(r),
		Agent:  r.Header.Get("User-Agent"),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, r, http.StatusOK, &Response{Success: true, Message: "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report := s.service.Report(r.Context())
	s.respondJSON(w, r, http.StatusOK, &Response{
		Success: true,
		Message: s.service.Status(r.Context()),
		Servers: report,
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	msg := s.service.Shutdown(r.Context(), s.caller(r))
	s.respondJSON(w, r, http.StatusOK, &Response{Success: true, Message: msg})
}

// handleServerAction dispatches POST /api/v1/servers/{id}/{start|stop|restart|kill}
func (s *Server) handleServerAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action := r.PathValue("action")

	var args process.StartArgs
	if action != "kill" {
		if err := decodeBody(r, &args); err != nil {
			s.respondError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}

	caller := s.caller(r)
	var (
		msg string
		err error
	)
	switch action {
	case "start":
		msg, err = s.service.Start(r.Context(), caller, id, args)
	case "stop":
		msg, err = s.service.Stop(r.Context(), caller, id, args)
	case "restart":
		msg, err = s.service.Restart(r.Context(), caller, id, args)
	case "kill":
		msg, err = s.service.Kill(r.Context(), caller, id)
	default:
		s.respondError(w, r, http.StatusNotFound, fmt.Sprintf("unknown action %q", action))
		return
	}
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, &Response{Success: true, Message: msg})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultTailLines
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			s.respondError(w, r, http.StatusBadRequest, "lines must be a non-negative integer")
			return
		}
		n = parsed
	}

	lines, err := s.service.Tail(r.Context(), s.caller(r), r.PathValue("id"), n)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, &Response{
		Success: true,
		Message: fmt.Sprintf("%d lines", len(lines)),
		Lines:   lines,
	})
}

// decodeBody reads an optional JSON body into v
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) respondJSON(w http.ResponseWriter, r *http.Request, status int, resp *Response) {
	resp.RequestID = requestID(r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.respondJSON(w, r, status, &Response{Success: false, Message: message})
}

// respondFailure maps err onto status, kind and, in verbose mode, the error chain
func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	resp := &Response{
		Success: false,
		Message: err.Error(),
		Kind:    string(process.KindOf(err)),
	}
	if s.verbose {
		resp.Detail = errorChain(err)
	}
	s.respondJSON(w, r, httpStatusFromError(err), resp)
}

func httpStatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch process.KindOf(err) {
	case process.KindAuthorization:
		return http.StatusUnauthorized
	case process.KindConflict:
		return http.StatusConflict
	case process.KindConfiguration:
		return http.StatusBadRequest
	case process.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// errorChain renders every wrapped error, outermost first
func errorChain(err error) string {
	var parts []string
	for err != nil {
		parts = append(parts, err.Error())
		err = errors.Unwrap(err)
	}
	return strings.Join(parts, "\ncaused by: ")
}
