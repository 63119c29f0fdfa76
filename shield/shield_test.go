package shield

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(APIHeaders())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
}

func TestSecurityHeaders_SkipsEmpty(t *testing.T) {
	h := SecurityHeaders(HeaderConfig{XFrameOptions: "DENY"})(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if _, ok := rec.Header()["Content-Security-Policy"]; ok {
		t.Error("empty CSP should not be set")
	}
}

func TestHeadToGet(t *testing.T) {
	var method string
	h := HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodHead, "/", nil))
	if method != http.MethodGet {
		t.Errorf("method = %s, want GET", method)
	}
}

func TestMaxBody(t *testing.T) {
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		for {
			_, err := r.Body.Read(buf)
			if err != nil {
				if err == io.EOF {
					w.WriteHeader(http.StatusOK)
				} else {
					w.WriteHeader(http.StatusRequestEntityTooLarge)
				}
				return
			}
		}
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789abcdef")))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("tiny")))
	if rec.Code != http.StatusOK {
		t.Errorf("small body: code = %d", rec.Code)
	}
}

func TestRequestID(t *testing.T) {
	var reqLogger *slog.Logger
	h := RequestID(slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLogger, _ = r.Context().Value(LoggerKey).(*slog.Logger)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	id := rec.Header().Get("X-Request-ID")
	if !strings.HasPrefix(id, "req_") {
		t.Errorf("X-Request-ID = %q, want req_ prefix", id)
	}
	if reqLogger == nil {
		t.Error("per-request logger not stored")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "upstream-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "upstream-1" {
		t.Errorf("X-Request-ID = %q, want upstream value kept", got)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil, "/status")
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }
	h := rl.Middleware(okHandler())

	do := func(path, ip string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := do("/recover", "10.0.0.1"); code != http.StatusOK {
			t.Fatalf("request %d: code = %d", i, code)
		}
	}
	if code := do("/recover", "10.0.0.1"); code != http.StatusTooManyRequests {
		t.Errorf("burst exhausted: code = %d, want 429", code)
	}
	if code := do("/recover", "10.0.0.2"); code != http.StatusOK {
		t.Errorf("other client: code = %d", code)
	}
	if code := do("/status", "10.0.0.1"); code != http.StatusOK {
		t.Errorf("excluded path: code = %d", code)
	}

	now = now.Add(time.Second)
	if code := do("/recover", "10.0.0.1"); code != http.StatusOK {
		t.Errorf("after refill: code = %d", code)
	}
}

func TestRateLimiter_DropsIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }
	rl.allow("10.0.0.1")
	now = now.Add(idleAfter + time.Second)
	rl.allow("10.0.0.2")
	if _, ok := rl.clients["10.0.0.1"]; ok {
		t.Error("idle client not collected")
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := ExtractIP(req); got != "203.0.113.7" {
		t.Errorf("ExtractIP = %q", got)
	}
}
