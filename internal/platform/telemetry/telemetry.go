// Package telemetry collects HTTP and message-flow metrics in process and
// serves them in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Config holds the telemetry settings.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// MetricsEnabled defaults to true when nil.
	MetricsEnabled *bool
}

func (c *Config) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "labbridge"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper for Config.MetricsEnabled.
func BoolPtr(b bool) *bool {
	return &b
}

// durationBuckets are in seconds. Message processing includes clinic calls
// and MLLP round trips, so the upper buckets are wide.
var durationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0, 30.0,
}

var sizeBuckets = []float64{
	100, 1_000, 10_000, 100_000, 1_000_000, 10_000_000,
}

type gaugeFunc struct {
	name string
	help string
	fn   func() int64
}

// Provider owns all metric state.
type Provider struct {
	cfg Config

	httpDuration *histogramVec // method, route, status_code
	httpReqSize  *histogram
	httpRespSize *histogram
	httpActive   int64

	messages        *counterVec   // direction, format, status
	messageDuration *histogramVec // direction, format
	events          *counterVec   // type, outcome

	gaugesMu sync.RWMutex
	gauges   []gaugeFunc
}

func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()
	return &Provider{
		cfg:             cfg,
		httpDuration:    newHistogramVec(durationBuckets),
		httpReqSize:     newHistogram(sizeBuckets),
		httpRespSize:    newHistogram(sizeBuckets),
		messages:        newCounterVec(),
		messageDuration: newHistogramVec(durationBuckets),
		events:          newCounterVec(),
	}
}

// Resource returns the attributes identifying this process.
func (p *Provider) Resource() map[string]string {
	return map[string]string{
		"service.name":           p.cfg.ServiceName,
		"service.version":        p.cfg.ServiceVersion,
		"deployment.environment": p.cfg.Environment,
	}
}

// RegisterGauge adds a gauge whose value is read at scrape time. name must
// be a valid Prometheus metric name.
func (p *Provider) RegisterGauge(name, help string, fn func() int64) {
	p.gaugesMu.Lock()
	defer p.gaugesMu.Unlock()
	p.gauges = append(p.gauges, gaugeFunc{name: name, help: help, fn: fn})
	sort.Slice(p.gauges, func(i, j int) bool { return p.gauges[i].name < p.gauges[j].name })
}

// ObserveMessage records one settled message exchange.
func (p *Provider) ObserveMessage(direction, format, status string, elapsed time.Duration) {
	if !p.cfg.metricsOn() {
		return
	}
	p.messages.inc(direction, format, status)
	p.messageDuration.with(direction, format).Observe(elapsed.Seconds())
}

// MessageCount returns how many messages settled with the given labels.
func (p *Provider) MessageCount(direction, format, status string) int64 {
	return p.messages.get(direction, format, status)
}

// ObserveEvent records the outcome of one event publication.
func (p *Provider) ObserveEvent(eventType string, err error) {
	if !p.cfg.metricsOn() {
		return
	}
	outcome := "published"
	if err != nil {
		outcome = "failed"
	}
	p.events.inc(eventType, outcome)
}

// EventCount returns how many events of eventType ended with outcome.
func (p *Provider) EventCount(eventType, outcome string) int64 {
	return p.events.get(eventType, outcome)
}

// ActiveRequests returns the number of HTTP requests in flight.
func (p *Provider) ActiveRequests() int64 {
	return atomic.LoadInt64(&p.httpActive)
}

// Middleware records HTTP server metrics labelled by route pattern.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}
			atomic.AddInt64(&p.httpActive, 1)
			defer atomic.AddInt64(&p.httpActive, -1)

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Seconds()

			req, resp := c.Request(), c.Response()
			status := resp.Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !resp.Committed {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}

			p.httpDuration.with(req.Method, route, strconv.Itoa(status)).Observe(elapsed)
			if req.ContentLength > 0 {
				p.httpReqSize.Observe(float64(req.ContentLength))
			}
			if resp.Size > 0 {
				p.httpRespSize.Observe(float64(resp.Size))
			}
			return err
		}
	}
}

// Handler serves every metric in Prometheus text format.
func (p *Provider) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		writeHistogramVec(&b, "http_server_request_duration_seconds",
			"Duration of HTTP requests in seconds.",
			[]string{"method", "route", "status_code"}, p.httpDuration)

		writeHeader(&b, "http_server_active_requests", "Number of active HTTP requests.", "gauge")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", p.ActiveRequests())

		writeHeader(&b, "http_server_request_size_bytes", "Size of HTTP request bodies in bytes.", "histogram")
		writeHistogram(&b, "http_server_request_size_bytes", "", p.httpReqSize)
		b.WriteByte('\n')
		writeHeader(&b, "http_server_response_size_bytes", "Size of HTTP response bodies in bytes.", "histogram")
		writeHistogram(&b, "http_server_response_size_bytes", "", p.httpRespSize)
		b.WriteByte('\n')

		writeCounterVec(&b, "lab_messages_total",
			"Settled message exchanges by direction, format and final status.",
			[]string{"direction", "format", "status"}, p.messages)
		writeHistogramVec(&b, "lab_message_duration_seconds",
			"Time from receipt or send to the final status.",
			[]string{"direction", "format"}, p.messageDuration)
		writeCounterVec(&b, "lab_events_total",
			"Lab event publications by type and outcome.",
			[]string{"type", "outcome"}, p.events)

		p.gaugesMu.RLock()
		gauges := append([]gaugeFunc(nil), p.gauges...)
		p.gaugesMu.RUnlock()
		for _, g := range gauges {
			writeHeader(&b, g.name, g.help, "gauge")
			fmt.Fprintf(&b, "%s %d\n\n", g.name, g.fn())
		}

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func writeHeader(b *strings.Builder, name, help, typ string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func formatLabels(names []string, key string) string {
	values := splitKey(key)
	parts := make([]string, 0, len(names))
	for i, n := range names {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		parts = append(parts, fmt.Sprintf("%s=%q", n, v))
	}
	return strings.Join(parts, ",")
}

func writeCounterVec(b *strings.Builder, name, help string, names []string, v *counterVec) {
	writeHeader(b, name, help, "counter")
	snap := v.snapshot()
	for _, k := range sortedKeys(snap) {
		fmt.Fprintf(b, "%s{%s} %d\n", name, formatLabels(names, k), snap[k])
	}
	b.WriteByte('\n')
}

func writeHistogramVec(b *strings.Builder, name, help string, names []string, v *histogramVec) {
	writeHeader(b, name, help, "histogram")
	snap := v.snapshot()
	for _, k := range sortedKeys(snap) {
		writeHistogram(b, name, formatLabels(names, k), snap[k])
	}
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, lbls string, h *histogram) {
	prefix, suffix := "", ""
	if lbls != "" {
		prefix, suffix = lbls+",", "{"+lbls+"}"
	}
	cum := h.cumulative()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, h.Count())
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, h.Count())
}
