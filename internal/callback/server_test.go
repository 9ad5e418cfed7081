package callback

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testClient avoids keep-alive so idle connections never outlive a test.
var testClient = &http.Client{
	Transport: &http.Transport{DisableKeepAlives: true},
	Timeout:   5 * time.Second,
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTestServer boots a server and registers cleanup.
func startTestServer(t *testing.T, cfg Config, singleton bool) (*Server, int, string) {
	t.Helper()
	s := newServer(cfg, testLogger(), singleton)
	port, token, err := s.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s, port, token
}

// awaitBusy polls until the server registers a pending waiter.
func awaitBusy(t *testing.T, s *Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == StateBusy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server never became busy")
}

func callbackURL(port int, query string) string {
	u := fmt.Sprintf("http://127.0.0.1:%d%s", port, CallbackPath)
	if query != "" {
		u += "?" + query
	}
	return u
}

func postCallback(t *testing.T, url, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for name, values := range header {
		req.Header[name] = values
	}
	resp, err := testClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return payload
}

func TestSingletonCallbackRoundTrip(t *testing.T) {
	s, port, token := startTestServer(t, Config{}, true)

	type waitResult struct {
		data string
		err  error
	}
	done := make(chan waitResult, 1)
	go func() {
		data, err := s.WaitForCallback(10 * time.Second)
		done <- waitResult{data, err}
	}()
	awaitBusy(t, s)

	resp := postCallback(t, callbackURL(port, "token="+token), `{"component":"<Button/>"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "success" {
		t.Errorf("POST body = %q, want success", body)
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("WaitForCallback: %v", r.err)
	}
	if r.data != `{"component":"<Button/>"}` {
		t.Errorf("resolved data = %q", r.data)
	}

	// Singleton returns to IDLE for reuse rather than shutting down.
	if got := s.State(); got != StateIdle {
		t.Errorf("state after callback = %v, want idle", got)
	}

	// Reuse fast path: same port, fresh token.
	port2, token2, err := s.Start()
	if err != nil {
		t.Fatalf("reuse Start: %v", err)
	}
	if port2 != port {
		t.Errorf("reuse port = %d, want %d", port2, port)
	}
	if token2 == token {
		t.Error("reuse must mint a fresh token")
	}
}

func TestTokenIsSingleUse(t *testing.T) {
	s, port, token := startTestServer(t, Config{}, true)

	done := make(chan struct{})
	go func() {
		_, _ = s.WaitForCallback(10 * time.Second)
		close(done)
	}()
	awaitBusy(t, s)

	first := postCallback(t, callbackURL(port, "token="+token), "payload", nil)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first POST status = %d", first.StatusCode)
	}
	<-done

	// Replay with the consumed token: invalid, not expired.
	replay := postCallback(t, callbackURL(port, "token="+token), "payload", nil)
	if replay.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replayed POST status = %d, want 401", replay.StatusCode)
	}
	if payload := decodeError(t, replay); payload["error"] != "Invalid session token" {
		t.Errorf("replay error = %v", payload["error"])
	}
}

func TestTokenErrors(t *testing.T) {
	s, port, _ := startTestServer(t, Config{}, true)

	t.Run("missing token", func(t *testing.T) {
		resp := postCallback(t, callbackURL(port, ""), "x", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
		if payload := decodeError(t, resp); payload["error"] != "Missing session token" {
			t.Errorf("error = %v", payload["error"])
		}
	})

	t.Run("falsy mcp flag still requires token", func(t *testing.T) {
		resp := postCallback(t, callbackURL(port, "mcp=false"), "x", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
		if payload := decodeError(t, resp); payload["error"] != "Missing session token" {
			t.Errorf("error = %v", payload["error"])
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		resp := postCallback(t, callbackURL(port, "token=deadbeef"), "x", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
		if payload := decodeError(t, resp); payload["error"] != "Invalid session token" {
			t.Errorf("error = %v", payload["error"])
		}
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := s.tokens.Generate()
		if err != nil {
			t.Fatal(err)
		}
		s.tokens.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
		defer func() { s.tokens.now = time.Now }()

		resp := postCallback(t, callbackURL(port, "token="+token), "x", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
		if payload := decodeError(t, resp); payload["error"] != "Session token expired" {
			t.Errorf("error = %v", payload["error"])
		}
	})
}

func TestTrustedBypass(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		_, port, _ := startTestServer(t, Config{}, true)
		resp := postCallback(t, callbackURL(port, "mcp=true"), "x", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("bypass honored without policy opt-in: status %d", resp.StatusCode)
		}
	})

	t.Run("enabled by policy", func(t *testing.T) {
		s, port, _ := startTestServer(t, Config{AllowTrustedBypass: true}, true)

		done := make(chan string, 1)
		go func() {
			data, _ := s.WaitForCallback(10 * time.Second)
			done <- data
		}()
		awaitBusy(t, s)

		resp := postCallback(t, callbackURL(port, "mcp=true"), "trusted payload", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("trusted POST status = %d, want 200", resp.StatusCode)
		}
		if got := <-done; got != "trusted payload" {
			t.Errorf("resolved data = %q", got)
		}
	})
}

func TestBodySizeLimit(t *testing.T) {
	s, port, token := startTestServer(t, Config{MaxBodySize: 1024}, true)

	done := make(chan error, 1)
	go func() {
		_, err := s.WaitForCallback(10 * time.Second)
		done <- err
	}()
	awaitBusy(t, s)

	oversized := strings.Repeat("x", 4096)
	resp := postCallback(t, callbackURL(port, "token="+token), oversized, nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized POST status = %d, want 413", resp.StatusCode)
	}
	payload := decodeError(t, resp)
	if payload["error"] != "Payload too large" {
		t.Errorf("error = %v", payload["error"])
	}
	if limit, ok := payload["limit"].(float64); !ok || int64(limit) != 1024 {
		t.Errorf("limit = %v, want 1024", payload["limit"])
	}

	// The wait is still pending; a conforming POST completes it.
	resp = postCallback(t, callbackURL(port, "token="+token), "small", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("follow-up POST status = %d", resp.StatusCode)
	}
	if err := <-done; err != nil {
		t.Fatalf("WaitForCallback: %v", err)
	}
}

func TestPostWhileIdle(t *testing.T) {
	_, port, token := startTestServer(t, Config{}, true)

	resp := postCallback(t, callbackURL(port, "token="+token), "x", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Server not ready") {
		t.Errorf("body = %q, want Server not ready", body)
	}
}

func TestDisallowedOrigin(t *testing.T) {
	_, port, token := startTestServer(t, Config{}, true)

	h := http.Header{}
	h.Set("Origin", "https://evil.com")
	resp := postCallback(t, callbackURL(port, "token="+token), "x", h)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestPreflight(t *testing.T) {
	_, port, _ := startTestServer(t, Config{}, true)

	req, err := http.NewRequest(http.MethodOptions, callbackURL(port, ""), nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", "https://21st.dev")
	resp, err := testClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("OPTIONS status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://21st.dev" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); got != "POST, OPTIONS" {
		t.Errorf("Allow-Methods = %q", got)
	}
}

func TestUnknownRoutes(t *testing.T) {
	_, port, _ := startTestServer(t, Config{}, true)

	resp, err := testClient.Get(fmt.Sprintf("http://127.0.0.1:%d/other", port))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /other status = %d, want 404", resp.StatusCode)
	}

	resp2, err := testClient.Get(callbackURL(port, ""))
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("GET /data status = %d, want 404", resp2.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	_, port, _ := startTestServer(t, Config{RateMaxRequests: 2, RateWindow: time.Minute}, true)

	h := http.Header{}
	h.Set("X-Forwarded-For", "10.1.1.1")
	for i := 0; i < 2; i++ {
		resp := postCallback(t, callbackURL(port, ""), "x", h)
		if resp.StatusCode == http.StatusTooManyRequests {
			t.Fatalf("request %d rate limited early", i+1)
		}
	}

	resp := postCallback(t, callbackURL(port, ""), "x", h)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 missing Retry-After header")
	}

	// A different client IP is unaffected.
	other := http.Header{}
	other.Set("X-Forwarded-For", "10.2.2.2")
	if resp := postCallback(t, callbackURL(port, ""), "x", other); resp.StatusCode == http.StatusTooManyRequests {
		t.Error("independent client hit the first client's limit")
	}
}

func TestWaitTimeout(t *testing.T) {
	s, _, _ := startTestServer(t, Config{}, true)

	start := time.Now()
	_, err := s.WaitForCallback(50 * time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}

	// Singleton survives a timeout and stays reusable.
	if got := s.State(); got != StateIdle {
		t.Errorf("state after timeout = %v, want idle", got)
	}
}

func TestCancel(t *testing.T) {
	s, _, _ := startTestServer(t, Config{}, true)

	done := make(chan error, 1)
	go func() {
		_, err := s.WaitForCallback(10 * time.Second)
		done <- err
	}()
	awaitBusy(t, s)

	s.Cancel()
	if err := <-done; err != ErrTimeout {
		t.Fatalf("err after Cancel = %v, want ErrTimeout", err)
	}
	if got := s.State(); got != StateIdle {
		t.Errorf("singleton state after Cancel = %v, want idle", got)
	}

	// Cancel with nothing pending leaves an idle singleton resident.
	s.Cancel()
	if got := s.State(); got != StateIdle {
		t.Errorf("singleton state after idle Cancel = %v, want idle", got)
	}
}

func TestCancelIdleTemporaryShutsDown(t *testing.T) {
	// A temporary instance has no inactivity timer; cancelling before any
	// wait starts must still release the port and background sweeps.
	s, port, _ := startTestServer(t, Config{}, false)

	s.Cancel()

	if got := s.State(); got != StateShutdown {
		t.Fatalf("temporary instance state after Cancel = %v, want shutdown", got)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("port %d still bound after Cancel: %v", port, err)
	}
	ln.Close()

	// Cancel after shutdown stays idempotent.
	s.Cancel()
}

func TestTemporaryInstanceShutsDownAfterSession(t *testing.T) {
	s, port, token := startTestServer(t, Config{}, false)

	done := make(chan error, 1)
	go func() {
		_, err := s.WaitForCallback(10 * time.Second)
		done <- err
	}()
	awaitBusy(t, s)

	resp := postCallback(t, callbackURL(port, "token="+token), "x", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST status = %d", resp.StatusCode)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if got := s.State(); got != StateShutdown {
		t.Errorf("temporary instance state = %v, want shutdown", got)
	}
	// The port is released.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("port %d still bound after shutdown: %v", port, err)
	}
	ln.Close()
}

func TestPortScan(t *testing.T) {
	// Occupy the preferred port; Start must bind the next one.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	occupied := ln.Addr().(*net.TCPAddr).Port

	_, port, _ := startTestServer(t, Config{PreferredPort: occupied}, false)
	if port != occupied+1 {
		t.Errorf("bound port = %d, want %d", port, occupied+1)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	s, _, _ := startTestServer(t, Config{}, true)
	s.Shutdown()
	s.Shutdown()
	if got := s.State(); got != StateShutdown {
		t.Errorf("state = %v, want shutdown", got)
	}

	if _, err := s.WaitForCallback(time.Second); err != ErrNotStarted {
		t.Errorf("WaitForCallback after shutdown = %v, want ErrNotStarted", err)
	}
}

func TestRegistrySingletonPolicy(t *testing.T) {
	t.Cleanup(ResetInstance)

	cfg := Config{}
	first := Acquire(cfg, testLogger())
	if !first.Singleton() {
		t.Fatal("first acquisition is not the singleton")
	}
	if _, _, err := first.Start(); err != nil {
		t.Fatal(err)
	}

	// Idle singleton is shared.
	if again := Acquire(cfg, testLogger()); again != first {
		t.Error("idle singleton not reused")
	}

	// Busy singleton routes to a fresh independent instance.
	done := make(chan struct{})
	go func() {
		_, _ = first.WaitForCallback(10 * time.Second)
		close(done)
	}()
	awaitBusy(t, first)

	second := Acquire(cfg, testLogger())
	if second == first {
		t.Fatal("busy singleton was shared")
	}
	if second.Singleton() {
		t.Error("overflow instance must not be a singleton")
	}

	first.Cancel()
	<-done

	// Shutdown clears the registry slot so acquisition creates anew.
	first.Shutdown()
	third := Acquire(cfg, testLogger())
	if third == first {
		t.Error("shut-down singleton returned from registry")
	}
	if _, _, err := third.Start(); err != nil {
		t.Fatal(err)
	}
	third.Shutdown()
}
