// Package callback implements the loopback HTTP server that receives
// browser-posted payloads for UI generation sessions.
//
// The server is a small adversarial-input-facing state machine:
//
//	SHUTDOWN -> IDLE -> BUSY -> IDLE (reuse) -> SHUTDOWN
//
// Every inbound request passes origin checks, per-IP rate limiting, session
// token validation, and streamed body-size enforcement before it can resolve
// a waiting caller. One callback completes one session; tokens are single-use.
package callback

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/21st-dev/magic/pkg/ratelimit"
	"github.com/21st-dev/magic/pkg/redact"
)

// Server defaults.
const (
	// DefaultPreferredPort is the first port tried when binding.
	DefaultPreferredPort = 9221

	// portAttempts is how many sequential ports are tried from the preferred
	// one before giving up.
	portAttempts = 10

	// DefaultCallbackTimeout bounds one WaitForCallback.
	DefaultCallbackTimeout = 120 * time.Second

	// DefaultInactivityTimeout shuts an idle singleton down if it is never
	// reused.
	DefaultInactivityTimeout = 5 * time.Minute

	// DefaultMaxBodySize caps the callback payload at 1 MiB.
	DefaultMaxBodySize = 1 << 20

	// CallbackPath is the only served endpoint.
	CallbackPath = "/data"
)

// Sentinel errors.
var (
	// ErrNotStarted is returned when WaitForCallback is called on a server
	// that was never started or already shut down.
	ErrNotStarted = errors.New("callback: server not started")

	// ErrBusy is returned when a session is started against a server that
	// already has a pending callback.
	ErrBusy = errors.New("callback: server already has a pending callback")

	// ErrTimeout is returned when no callback arrives within the wait
	// window, or the wait is cancelled.
	ErrTimeout = errors.New("callback: timed out waiting for callback")

	// ErrNoPort is returned when no port in the scan range could be bound.
	ErrNoPort = errors.New("callback: no available port in scan range")

	errBodyTooLarge = errors.New("callback: request body exceeds limit")
)

// State is the lifecycle state of a Server.
type State int

const (
	// StateShutdown means the listener is closed and the instance is dead.
	StateShutdown State = iota
	// StateIdle means the listener is bound and no callback is pending.
	StateIdle
	// StateBusy means exactly one caller is awaiting a callback.
	StateBusy
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	default:
		return "shutdown"
	}
}

// Config controls one Server instance.
type Config struct {
	// PreferredPort is the first candidate port; sequential ports are tried
	// until one binds.
	PreferredPort int

	// CallbackTimeout bounds WaitForCallback when the caller passes no
	// explicit timeout.
	CallbackTimeout time.Duration

	// InactivityTimeout shuts down an idle singleton that is never reused.
	InactivityTimeout time.Duration

	// MaxBodySize caps the callback payload in bytes.
	MaxBodySize int64

	// TokenTTL overrides the session token lifetime.
	TokenTTL time.Duration

	// AllowTrustedBypass honors the mcp=true query flag in place of a session
	// token. Off by default; only an explicit operator policy enables it.
	AllowTrustedBypass bool

	// RateMaxRequests and RateWindow configure the per-IP limiter.
	RateMaxRequests int
	RateWindow      time.Duration
}

func (c Config) withDefaults() Config {
	if c.PreferredPort <= 0 {
		c.PreferredPort = DefaultPreferredPort
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = DefaultCallbackTimeout
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	return c
}

// result is what resolves a pending wait: either a payload or a timeout.
type result struct {
	data     string
	timedOut bool
}

// waiter is the single pending continuation of a BUSY server. Resolution is
// idempotent: a late timer firing after a successful POST (or vice versa)
// must neither block nor double-deliver.
type waiter struct {
	ch    chan result // buffered, capacity 1
	once  sync.Once
	timer *time.Timer
}

func (w *waiter) resolve(r result) {
	w.once.Do(func() { w.ch <- r })
}

// Server is a loopback HTTP listener handling exactly one callback per
// session. Instances are created through Acquire (singleton policy) or
// NewServer (independent, shuts down after one session).
type Server struct {
	cfg       Config
	logger    *slog.Logger
	singleton bool

	mu         sync.Mutex
	state      State
	httpSrv    *http.Server
	ln         net.Listener
	port       int
	token      string
	tokens     *TokenManager
	limiter    *ratelimit.Limiter
	pending    *waiter
	inactivity *time.Timer
}

// NewServer creates an independent (non-singleton) instance. It shuts down
// fully after its session completes or times out.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	return newServer(cfg, logger, false)
}

func newServer(cfg Config, logger *slog.Logger, singleton bool) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		singleton: singleton,
		state:     StateShutdown,
	}
}

// Start binds the listener and mints a session token. On an already-running
// idle instance it only mints a fresh token and returns the existing port
// (singleton reuse fast path). Returns the bound port and the token.
func (s *Server) Start() (int, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateBusy:
		return 0, "", ErrBusy
	case StateIdle:
		// Reuse: replace the live token, keep the listener.
		if s.token != "" {
			s.tokens.Invalidate(s.token)
		}
		token, err := s.tokens.Generate()
		if err != nil {
			return 0, "", err
		}
		s.token = token
		return s.port, token, nil
	}

	ln, port, err := listenLoopback(s.cfg.PreferredPort)
	if err != nil {
		return 0, "", err
	}

	s.tokens = NewTokenManager(s.cfg.TokenTTL)
	s.limiter = ratelimit.New(s.cfg.RateMaxRequests, s.cfg.RateWindow)
	s.httpSrv = &http.Server{
		Handler:           http.HandlerFunc(s.handle),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpSrv := s.httpSrv
	go func() {
		if serveErr := httpSrv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Debug("callback server stopped", "error", serveErr)
		}
	}()

	token, err := s.tokens.Generate()
	if err != nil {
		_ = ln.Close()
		s.tokens.Stop()
		s.limiter.Stop()
		return 0, "", err
	}

	s.ln = ln
	s.port = port
	s.token = token
	s.state = StateIdle
	if s.singleton {
		s.armInactivityLocked()
	}

	s.logger.Info("callback server listening",
		"port", port,
		"singleton", s.singleton,
	)
	return port, token, nil
}

// listenLoopback binds 127.0.0.1 on the first free port starting at
// preferred, scanning a fixed number of sequential candidates.
func listenLoopback(preferred int) (net.Listener, int, error) {
	var lastErr error
	for i := 0; i < portAttempts; i++ {
		port := preferred + i
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("%w (%d-%d): %v", ErrNoPort, preferred, preferred+portAttempts-1, lastErr)
}

// WaitForCallback blocks until a valid POST arrives, the timeout fires, or
// Cancel/Shutdown resolves the wait. A non-positive timeout uses the
// configured default. On success a singleton returns to IDLE for reuse; an
// independent instance shuts down fully.
func (s *Server) WaitForCallback(timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = s.cfg.CallbackTimeout
	}

	s.mu.Lock()
	switch s.state {
	case StateShutdown:
		s.mu.Unlock()
		return "", ErrNotStarted
	case StateBusy:
		s.mu.Unlock()
		return "", ErrBusy
	}
	s.state = StateBusy
	s.disarmInactivityLocked()

	w := &waiter{ch: make(chan result, 1)}
	w.timer = time.AfterFunc(timeout, func() {
		w.resolve(result{timedOut: true})
	})
	s.pending = w
	s.mu.Unlock()

	r := <-w.ch
	w.timer.Stop()

	s.mu.Lock()
	if s.pending == w {
		s.pending = nil
	}
	shutdownAfter := false
	if s.state == StateBusy {
		if s.singleton {
			s.state = StateIdle
			s.armInactivityLocked()
		} else {
			shutdownAfter = true
		}
	}
	s.mu.Unlock()

	if shutdownAfter {
		s.Shutdown()
	}
	if r.timedOut {
		return "", ErrTimeout
	}
	return r.data, nil
}

// Cancel aborts the current session. A pending wait resolves as timed out
// and its waiter performs the IDLE/shutdown transition. With no wait pending
// a temporary instance shuts down fully, releasing its port and background
// sweeps; an idle singleton stays resident. Safe to call at any time.
func (s *Server) Cancel() {
	s.mu.Lock()
	w := s.pending
	singleton := s.singleton
	s.mu.Unlock()

	if w != nil {
		w.resolve(result{timedOut: true})
		return
	}
	if !singleton {
		s.Shutdown()
	}
}

// Shutdown closes the listener, stops all owned timers and background
// sweeps, invalidates any live token, and unregisters the singleton.
// Idempotent.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.state == StateShutdown {
		s.mu.Unlock()
		return
	}
	s.state = StateShutdown
	s.disarmInactivityLocked()

	w := s.pending
	s.pending = nil

	httpSrv := s.httpSrv
	s.httpSrv = nil

	ln := s.ln
	s.ln = nil

	tokens := s.tokens
	limiter := s.limiter
	if s.token != "" && tokens != nil {
		tokens.Invalidate(s.token)
		s.token = ""
	}
	port := s.port
	s.mu.Unlock()

	if w != nil {
		w.resolve(result{timedOut: true})
	}
	if httpSrv != nil {
		_ = httpSrv.Close()
	}
	// Close the listener directly as well: httpSrv.Close only closes
	// listeners Serve has already registered, so a shutdown racing the
	// serve goroutine would otherwise leave the port bound.
	if ln != nil {
		_ = ln.Close()
	}
	if tokens != nil {
		tokens.Stop()
	}
	if limiter != nil {
		limiter.Stop()
	}
	unregister(s)

	s.logger.Info("callback server shut down", "port", port)
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Singleton reports whether this instance is the process-wide singleton.
func (s *Server) Singleton() bool {
	return s.singleton
}

// armInactivityLocked (re)arms the idle self-shutdown timer. Caller holds mu.
func (s *Server) armInactivityLocked() {
	if s.inactivity != nil {
		s.inactivity.Stop()
	}
	s.inactivity = time.AfterFunc(s.cfg.InactivityTimeout, func() {
		s.logger.Info("callback server idle timeout, shutting down")
		s.Shutdown()
	})
}

// disarmInactivityLocked stops the idle timer. Caller holds mu.
func (s *Server) disarmInactivityLocked() {
	if s.inactivity != nil {
		s.inactivity.Stop()
		s.inactivity = nil
	}
}

// handle processes every inbound request: CORS, preflight, rate limit,
// method/path routing, token check, bounded body read, waiter resolution.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	origin := r.Header.Get("Origin")

	if !IsAllowedOrigin(origin) {
		s.logger.Warn("callback request from disallowed origin",
			"request_id", reqID,
			"origin", redact.String(origin),
		)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	setCORSHeaders(w.Header(), origin)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	ip := clientIP(r)
	rl := s.limiter.Check(ip)
	if !rl.Allowed {
		s.logger.Warn("callback request rate limited",
			"request_id", reqID,
			"client", ip,
			"retry_after", rl.RetryAfter,
		)
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "Rate limit exceeded"})
		return
	}

	if r.Method != http.MethodPost || r.URL.Path != CallbackPath {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	trusted := s.cfg.AllowTrustedBypass && query.Get("mcp") == "true"
	if !trusted {
		token := query.Get("token")
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Missing session token"})
			return
		}
		switch s.tokens.Status(token) {
		case TokenExpired:
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Session token expired"})
			return
		case TokenUnknown:
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Invalid session token"})
			return
		}
	}

	body, err := readBounded(r.Body, s.cfg.MaxBodySize)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			s.logger.Warn("callback payload too large",
				"request_id", reqID,
				"limit", s.cfg.MaxBodySize,
			)
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
				"error": "Payload too large",
				"limit": s.cfg.MaxBodySize,
			})
			return
		}
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	pending := s.pending
	live := s.token
	ready := pending != nil && s.state == StateBusy
	if ready {
		s.token = ""
	}
	s.mu.Unlock()

	if !ready {
		http.Error(w, "Server not ready", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("success"))

	pending.resolve(result{data: string(body)})
	if live != "" {
		s.tokens.Invalidate(live)
	}
	if presented := query.Get("token"); presented != "" && presented != live {
		s.tokens.Invalidate(presented)
	}

	s.logger.Info("callback received",
		"request_id", reqID,
		"bytes", len(body),
		"trusted_bypass", trusted,
	)
}

// readBounded streams the body in chunks, aborting as soon as the cumulative
// size exceeds limit. The oversized remainder is never buffered.
func readBounded(rc io.Reader, limit int64) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, 32*1024)
	var total int64
	for {
		n, err := rc.Read(chunk)
		if n > 0 {
			total += int64(n)
			if total > limit {
				return nil, errBodyTooLarge
			}
			buf = append(buf, chunk[:n]...)
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// clientIP derives the rate-limit key: first X-Forwarded-For entry when
// present, else the socket address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if trimmed := strings.TrimSpace(first); trimmed != "" {
			return trimmed
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
