package httpmiddleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"clubattendance/internal/logging"
	"clubattendance/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucketLimitsAndRefills(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	l := NewSimpleTokenBucket(3, 60)
	l.now = clock.Now

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d rejected within burst", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("burst exceeded but request allowed")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("other client throttled")
	}

	clock.Advance(time.Second)
	if !l.Allow("10.0.0.1") {
		t.Fatal("token not refilled after one second at 60/min")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("refill exceeded rate")
	}
}

func TestTokenBucketPrune(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	l := NewSimpleTokenBucket(5, 60)
	l.now = clock.Now

	l.Allow("a")
	l.Allow("b")
	if n := l.Prune(); n != 2 {
		t.Fatalf("pruned too early, %d left", n)
	}
	clock.Advance(5 * time.Minute)
	l.Allow("b")
	clock.Advance(6 * time.Minute)
	if n := l.Prune(); n != 1 {
		t.Fatalf("buckets left = %d, want 1", n)
	}
}

func TestGinMiddlewareRejectsWith429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewSimpleTokenBucket(1, 1).GinMiddleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/x", nil))
	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/x", nil))

	if first.Code != http.StatusNoContent || second.Code != http.StatusTooManyRequests {
		t.Fatalf("codes = %d, %d", first.Code, second.Code)
	}
}

func TestMemberKeyedLimiterKeepsBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewSimpleTokenBucket(1, 1).GinMiddlewareBy(MemberKey))
	r.POST("/checkin", func(c *gin.Context) {
		var req struct {
			MemberID string `json:"memberId"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.String(http.StatusOK, req.MemberID)
	})
	r.GET("/status/:memberId", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	post := func(id string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/checkin", strings.NewReader(`{"memberId":"`+id+`"}`))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	// Same remote address throughout; only the member differs.
	if w := post("000001"); w.Code != http.StatusOK || w.Body.String() != "000001" {
		t.Fatalf("first member: %d %q", w.Code, w.Body.String())
	}
	if w := post("000002"); w.Code != http.StatusOK || w.Body.String() != "000002" {
		t.Fatalf("second member: %d %q", w.Code, w.Body.String())
	}
	if w := post("000001"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("repeat member = %d, want 429", w.Code)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status/000003", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("path-keyed member = %d", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status/000003", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("repeat path-keyed member = %d, want 429", w.Code)
	}
}

func TestRequestLoggerAttachesLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	r := gin.New()
	r.Use(RequestLogger(logger, m, "/healthz"))
	r.GET("/v1/status/:memberId", func(c *gin.Context) {
		if logging.FromContext(c.Request.Context()) == nil {
			t.Error("handler context carries no logger")
		}
		logging.FromContext(c.Request.Context()).Info("inside_handler")
		c.Status(http.StatusOK)
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/v1/status/000001", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get(RequestIDHeader); got != "req-123" {
		t.Fatalf("request id header = %q", got)
	}
	out := buf.String()
	if !strings.Contains(out, "inside_handler") || !strings.Contains(out, "request_id=req-123") {
		t.Fatalf("log output missing request context:\n%s", out)
	}
	if !strings.Contains(out, "msg=http_request") {
		t.Fatalf("no access log line:\n%s", out)
	}

	buf.Reset()
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if strings.Contains(buf.String(), "http_request") {
		t.Fatal("skipped path was logged")
	}

	if n, err := testutil.GatherAndCount(reg, "library_http_request_duration_seconds"); err != nil || n != 2 {
		t.Fatalf("latency series = %d err=%v, want 2", n, err)
	}
}

func TestTimeoutSetsDeadline(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Timeout(50 * time.Millisecond))
	r.GET("/x", func(c *gin.Context) {
		if _, ok := c.Request.Context().Deadline(); !ok {
			t.Error("no deadline on request context")
		}
		c.Status(http.StatusOK)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
}

func TestSecurityHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Header().Get("X-Content-Type-Options") != "nosniff" || w.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("headers = %v", w.Header())
	}
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Fatal("HSTS set outside release mode")
	}
}
