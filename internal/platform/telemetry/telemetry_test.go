package telemetry

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func requestCount(p *Provider) int64 {
	var n int64
	for _, h := range p.httpDuration.snapshot() {
		n += h.Count()
	}
	return n
}

func scrape(t *testing.T, p *Provider) string {
	t.Helper()
	e := echo.New()
	e.GET("/metrics", p.Handler())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	return rec.Body.String()
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func TestConfig_Defaults(t *testing.T) {
	p := NewProvider(Config{})
	if p.cfg.ServiceName != "labbridge" {
		t.Fatalf("expected default ServiceName='labbridge', got %q", p.cfg.ServiceName)
	}
	if p.cfg.ServiceVersion != "0.0.0" {
		t.Fatalf("expected default ServiceVersion='0.0.0', got %q", p.cfg.ServiceVersion)
	}
	if p.cfg.Environment != "development" {
		t.Fatalf("expected default Environment='development', got %q", p.cfg.Environment)
	}
	if !p.cfg.metricsOn() {
		t.Fatal("expected metrics enabled by default")
	}
}

func TestProvider_Resource(t *testing.T) {
	p := NewProvider(Config{ServiceName: "lab-a", ServiceVersion: "1.2.3", Environment: "staging"})
	res := p.Resource()
	want := map[string]string{
		"service.name":           "lab-a",
		"service.version":        "1.2.3",
		"deployment.environment": "staging",
	}
	for k, v := range want {
		if res[k] != v {
			t.Errorf("%s = %q, want %q", k, res[k], v)
		}
	}
}

func TestDisabled_RecordsNothing(t *testing.T) {
	p := NewProvider(Config{MetricsEnabled: BoolPtr(false)})

	e := echo.New()
	e.Use(p.Middleware())
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	p.ObserveMessage("inbound", "hl7v2", "processed", time.Second)
	p.ObserveEvent("lab.result_received", nil)

	if n := requestCount(p); n != 0 {
		t.Errorf("expected no request observations, got %d", n)
	}
	if n := p.MessageCount("inbound", "hl7v2", "processed"); n != 0 {
		t.Errorf("expected no message count, got %d", n)
	}
	if n := p.EventCount("lab.result_received", "published"); n != 0 {
		t.Errorf("expected no event count, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestMiddleware_RecordsDuration(t *testing.T) {
	p := NewProvider(Config{})

	e := echo.New()
	e.Use(p.Middleware())
	e.GET("/api/v1/integrations", func(c echo.Context) error {
		time.Sleep(5 * time.Millisecond)
		return c.String(http.StatusOK, "ok")
	})
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/integrations", nil))

	h := p.httpDuration.with(http.MethodGet, "/api/v1/integrations", "200")
	if h.Count() != 1 {
		t.Fatalf("expected 1 observation, got %d", h.Count())
	}
	if h.Sum() <= 0 {
		t.Fatal("expected positive duration sum")
	}
}

func TestMiddleware_ActiveRequests(t *testing.T) {
	p := NewProvider(Config{})
	observed := make(chan int64, 1)

	e := echo.New()
	e.Use(p.Middleware())
	e.GET("/slow", func(c echo.Context) error {
		observed <- p.ActiveRequests()
		return c.String(http.StatusOK, "ok")
	})
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slow", nil))

	if got := <-observed; got != 1 {
		t.Fatalf("expected 1 active request during handling, got %d", got)
	}
	if got := p.ActiveRequests(); got != 0 {
		t.Fatalf("expected 0 active requests after handling, got %d", got)
	}
}

func TestMiddleware_Labels(t *testing.T) {
	p := NewProvider(Config{})

	e := echo.New()
	e.Use(p.Middleware())
	e.POST("/api/v1/lab/hl7/:integrationId", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid key")
	})
	e.GET("/boom", func(c echo.Context) error {
		return errors.New("boom")
	})

	for i := 0; i < 2; i++ {
		path := fmt.Sprintf("/api/v1/lab/hl7/int-%d", i)
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, strings.NewReader("MSH|")))
	}
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	tests := []struct {
		method string
		route  string
		status string
		want   int64
	}{
		{http.MethodPost, "/api/v1/lab/hl7/:integrationId", "401", 2},
		{http.MethodGet, "/boom", "500", 1},
	}
	for _, tt := range tests {
		if got := p.httpDuration.with(tt.method, tt.route, tt.status).Count(); got != tt.want {
			t.Errorf("%s %s %s: count = %d, want %d", tt.method, tt.route, tt.status, got, tt.want)
		}
	}
	if got := requestCount(p); got != 4 {
		t.Errorf("expected 4 observations in total, got %d", got)
	}
}

func TestMiddleware_Sizes(t *testing.T) {
	p := NewProvider(Config{})

	e := echo.New()
	e.Use(p.Middleware())
	e.POST("/echo", func(c echo.Context) error {
		return c.String(http.StatusOK, strings.Repeat("a", 2048))
	})
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(strings.Repeat("b", 500))))

	if p.httpReqSize.Count() != 1 || p.httpReqSize.Sum() != 500 {
		t.Errorf("request size count=%d sum=%g", p.httpReqSize.Count(), p.httpReqSize.Sum())
	}
	if p.httpRespSize.Count() != 1 || p.httpRespSize.Sum() != 2048 {
		t.Errorf("response size count=%d sum=%g", p.httpRespSize.Count(), p.httpRespSize.Sum())
	}
}

// ---------------------------------------------------------------------------
// Message and event counters
// ---------------------------------------------------------------------------

func TestObserveMessage(t *testing.T) {
	p := NewProvider(Config{})
	p.ObserveMessage("inbound", "hl7v2", "processed", 20*time.Millisecond)
	p.ObserveMessage("inbound", "hl7v2", "processed", 40*time.Millisecond)
	p.ObserveMessage("inbound", "hl7v2", "failed", time.Millisecond)
	p.ObserveMessage("outbound", "fhir", "sent", 3*time.Second)

	tests := []struct {
		direction, format, status string
		want                      int64
	}{
		{"inbound", "hl7v2", "processed", 2},
		{"inbound", "hl7v2", "failed", 1},
		{"outbound", "fhir", "sent", 1},
		{"outbound", "hl7v2", "sent", 0},
	}
	for _, tt := range tests {
		if got := p.MessageCount(tt.direction, tt.format, tt.status); got != tt.want {
			t.Errorf("%s/%s/%s = %d, want %d", tt.direction, tt.format, tt.status, got, tt.want)
		}
	}

	h := p.messageDuration.with("inbound", "hl7v2")
	if h.Count() != 3 {
		t.Errorf("expected 3 inbound hl7v2 durations, got %d", h.Count())
	}
}

func TestObserveEvent(t *testing.T) {
	p := NewProvider(Config{})
	p.ObserveEvent("lab.critical_result", nil)
	p.ObserveEvent("lab.critical_result", errors.New("nats down"))
	p.ObserveEvent("lab.critical_result", nil)

	if got := p.EventCount("lab.critical_result", "published"); got != 2 {
		t.Errorf("published = %d, want 2", got)
	}
	if got := p.EventCount("lab.critical_result", "failed"); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
}

// ---------------------------------------------------------------------------
// Prometheus exposition
// ---------------------------------------------------------------------------

func TestHandler_Format(t *testing.T) {
	p := NewProvider(Config{})

	e := echo.New()
	e.Use(p.Middleware())
	e.GET("/api/v1/messages", func(c echo.Context) error { return c.String(http.StatusOK, "[]") })
	for i := 0; i < 3; i++ {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/messages", nil))
	}
	p.ObserveMessage("inbound", "fhir", "processed", 15*time.Millisecond)
	p.ObserveEvent("lab.result_received", nil)

	body := scrape(t, p)

	required := []string{
		"# TYPE http_server_request_duration_seconds histogram",
		`http_server_request_duration_seconds_count{method="GET",route="/api/v1/messages",status_code="200"} 3`,
		"# TYPE http_server_active_requests gauge",
		"http_server_request_size_bytes_count 0",
		"http_server_response_size_bytes_count 3",
		"# TYPE lab_messages_total counter",
		`lab_messages_total{direction="inbound",format="fhir",status="processed"} 1`,
		`lab_message_duration_seconds_bucket{direction="inbound",format="fhir",le="0.025"} 1`,
		`lab_message_duration_seconds_bucket{direction="inbound",format="fhir",le="0.01"} 0`,
		`lab_message_duration_seconds_bucket{direction="inbound",format="fhir",le="+Inf"} 1`,
		`lab_events_total{type="lab.result_received",outcome="published"} 1`,
	}
	for _, s := range required {
		if !strings.Contains(body, s) {
			t.Errorf("expected output to contain %q, body:\n%s", s, body)
		}
	}
}

func TestHandler_Gauges(t *testing.T) {
	p := NewProvider(Config{})
	open := int64(3)
	p.RegisterGauge("lab_mllp_open_connections", "Open MLLP connections.", func() int64 { return open })
	p.RegisterGauge("db_pool_acquired_connections", "Connections in use.", func() int64 { return 7 })

	body := scrape(t, p)
	if !strings.Contains(body, "lab_mllp_open_connections 3") {
		t.Errorf("missing mllp gauge, body:\n%s", body)
	}
	if !strings.Contains(body, "db_pool_acquired_connections 7") {
		t.Errorf("missing pool gauge, body:\n%s", body)
	}
	if strings.Index(body, "db_pool_acquired_connections") > strings.Index(body, "lab_mllp_open_connections") {
		t.Error("gauges are not sorted by name")
	}

	open = 0
	if !strings.Contains(scrape(t, p), "lab_mllp_open_connections 0") {
		t.Error("gauge not re-read at scrape time")
	}
}

func TestHandler_StableOrder(t *testing.T) {
	p := NewProvider(Config{})
	for _, s := range []string{"sent", "failed", "processed", "rejected"} {
		p.ObserveMessage("outbound", "hl7v2", s, time.Millisecond)
	}
	first := scrape(t, p)
	for i := 0; i < 5; i++ {
		if got := scrape(t, p); got != first {
			t.Fatal("exposition output changed between scrapes")
		}
	}
}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

func TestHistogram_Observation(t *testing.T) {
	h := newHistogram(durationBuckets)

	h.Observe(0.005) // le=0.01
	h.Observe(0.010) // le=0.01, boundary is inclusive
	h.Observe(0.015) // le=0.025
	h.Observe(3.0)   // le=5
	h.Observe(60.0)  // +Inf only

	if h.Count() != 5 {
		t.Fatalf("expected count=5, got %d", h.Count())
	}
	if h.buckets[0] != 2 {
		t.Errorf("bucket[0.01] = %d, want 2", h.buckets[0])
	}
	if h.buckets[1] != 1 {
		t.Errorf("bucket[0.025] = %d, want 1", h.buckets[1])
	}
	if h.buckets[8] != 1 {
		t.Errorf("bucket[5] = %d, want 1", h.buckets[8])
	}

	cum := h.cumulative()
	if cum[len(cum)-1] != 4 {
		t.Errorf("last finite cumulative bucket = %d, want 4", cum[len(cum)-1])
	}
}

func TestLabelsKey_RoundTrip(t *testing.T) {
	l := labels{"inbound", "hl7v2", "processed"}
	got := splitKey(l.key())
	if len(got) != 3 || got[0] != "inbound" || got[2] != "processed" {
		t.Errorf("splitKey = %v", got)
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestMetrics_ConcurrentSafe(t *testing.T) {
	p := NewProvider(Config{})

	e := echo.New()
	e.Use(p.Middleware())
	e.GET("/api/v1/integrations/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/api/v1/lab/fhir/:integrationId", func(c echo.Context) error {
		return c.String(http.StatusCreated, "created")
	})

	var wg sync.WaitGroup
	goroutines := 50
	requestsPerGoroutine := 20

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < requestsPerGoroutine; i++ {
				var req *http.Request
				if i%2 == 0 {
					req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/integrations/%d", i), nil)
				} else {
					req = httptest.NewRequest(http.MethodPost, "/api/v1/lab/fhir/x", strings.NewReader(`{}`))
				}
				e.ServeHTTP(httptest.NewRecorder(), req)
				p.ObserveMessage("inbound", "fhir", "processed", time.Millisecond)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m := echo.New()
		m.GET("/metrics", p.Handler())
		for i := 0; i < 50; i++ {
			m.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
			time.Sleep(time.Millisecond)
		}
	}()

	wg.Wait()

	total := int64(goroutines * requestsPerGoroutine)
	if got := requestCount(p); got != total {
		t.Fatalf("expected %d request observations, got %d", total, got)
	}
	if got := p.MessageCount("inbound", "fhir", "processed"); got != total {
		t.Fatalf("expected %d messages, got %d", total, got)
	}
}
