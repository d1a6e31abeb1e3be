package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/platform/apperr"
)

func endpointFor(t *testing.T, addr string) Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("bad addr %q: %v", addr, err)
	}
	port, _ := strconv.Atoi(portStr)
	return Endpoint{Host: host, Port: port}
}

// closedEndpoint returns an address nothing is listening on.
func closedEndpoint(t *testing.T) Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return endpointFor(t, addr)
}

func TestClient_SendAndAwaitAck_Accepted(t *testing.T) {
	srv := startServer(t, ackingHandler(nil))
	c := NewClient()

	msg, _ := Parse([]byte(testADT))
	info, raw, err := c.SendAndAwaitAck(context.Background(), endpointFor(t, srv.Addr()), msg, RetryPolicy{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Code != AckAccept || info.ControlID != "MSG001" {
		t.Errorf("unexpected ack %+v", info)
	}
	if len(raw) == 0 {
		t.Error("expected raw response")
	}
}

func TestClient_NegativeAckIsNotRetried(t *testing.T) {
	var calls int32
	srv := startServer(t, HandlerFunc(func(_ context.Context, p []byte, _ ConnMeta) []byte {
		atomic.AddInt32(&calls, 1)
		msg, _ := Parse(p)
		return Encode(GenerateACK(msg, AckError, "unknown patient", AckIssue{Code: ErrCodeUnknownKey, Diagnostic: "PID-3"}))
	}))

	c := NewClient()
	msg, _ := Parse([]byte(testADT))
	info, _, err := c.SendAndAwaitAck(context.Background(), endpointFor(t, srv.Addr()), msg,
		RetryPolicy{Enabled: true, MaxAttempts: 3, Delay: time.Millisecond})

	var nak *NegativeAckError
	if !errors.As(err, &nak) {
		t.Fatalf("expected *NegativeAckError, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindProtocol {
		t.Errorf("expected protocol kind, got %s", apperr.KindOf(err))
	}
	if info.Code != AckError || !strings.Contains(err.Error(), "unknown patient") {
		t.Errorf("unexpected ack %+v / %v", info, err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected exactly one delivery, got %d", got)
	}
}

func TestClient_RetriesConnectionFailures(t *testing.T) {
	var logs bytes.Buffer
	c := NewClient(WithConnectTimeout(200*time.Millisecond), WithClientLogger(zerolog.New(&logs)))

	ep := closedEndpoint(t)
	_, err := c.Send(context.Background(), ep, []byte(testADT), RetryPolicy{Enabled: true, MaxAttempts: 3, Delay: 5 * time.Millisecond})
	if err == nil {
		t.Fatal("expected error")
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "connect" {
		t.Fatalf("expected connect TransportError, got %v", err)
	}
	if !apperr.Retryable(err) {
		t.Error("expected transport kind")
	}
	if got := strings.Count(logs.String(), "retrying"); got != 2 {
		t.Errorf("expected 2 retry notices for 3 attempts, got %d", got)
	}
}

func TestClient_RetryDisabledMakesOneAttempt(t *testing.T) {
	var logs bytes.Buffer
	c := NewClient(WithClientLogger(zerolog.New(&logs)))
	_, err := c.Send(context.Background(), closedEndpoint(t), []byte("x"), RetryPolicy{Enabled: false, MaxAttempts: 5})
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(logs.String(), "retrying") {
		t.Error("expected no retries when disabled")
	}
}

func TestClient_ResponseTimeout(t *testing.T) {
	srv := startServer(t, HandlerFunc(func(context.Context, []byte, ConnMeta) []byte { return nil }))
	c := NewClient(WithResponseTimeout(100 * time.Millisecond))

	start := time.Now()
	_, err := c.Send(context.Background(), endpointFor(t, srv.Addr()), []byte(testADT), RetryPolicy{Enabled: true, MaxAttempts: 3})
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "read" {
		t.Fatalf("expected read TransportError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestClient_ContextCancel(t *testing.T) {
	srv := startServer(t, HandlerFunc(func(context.Context, []byte, ConnMeta) []byte { return nil }))
	c := NewClient()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := c.Send(ctx, endpointFor(t, srv.Addr()), []byte(testADT), RetryPolicy{}); err == nil {
		t.Fatal("expected error after context deadline")
	}
}

func TestClient_Probe(t *testing.T) {
	srv := startServer(t, ackingHandler(nil))
	c := NewClient()
	if err := c.Probe(context.Background(), endpointFor(t, srv.Addr())); err != nil {
		t.Errorf("unexpected probe error: %v", err)
	}
	if err := c.Probe(context.Background(), closedEndpoint(t)); err == nil {
		t.Error("expected probe failure for closed port")
	}
}
