package labinterface

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/domain/integration"
	"github.com/ehr/labbridge/internal/domain/lab"
	"github.com/ehr/labbridge/internal/domain/messagelog"
	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/fhir"
	"github.com/ehr/labbridge/internal/platform/hl7v2"
)

var requester = lab.Practitioner{ID: "dr-1", NPI: "1234567890", FirstName: "Grace", LastName: "Hopper"}

type outboundHarness struct {
	*harness
	sender   *mockSender
	outbound *Outbound
}

func newOutboundHarness(t *testing.T, cfg *integration.Config) *outboundHarness {
	t.Helper()
	h := &outboundHarness{harness: newHarness(t, cfg), sender: &mockSender{}}
	h.outbound = NewOutbound(h.registry, h.log, h.sender.factory(), zerolog.New(io.Discard))
	h.registry.mapCode(cfg.ID, "2345-7", "GLU")
	return h
}

func completedOrder() lab.LabOrder {
	o := panelOrder()
	o.FillerNumber = "FL-9"
	o.ApplyResult(lab.Result{Test: lab.Code{System: "LN", Code: "2345-7", Display: "Glucose"}, Value: lab.NumericValue(105), Units: "mg/dL", Flag: lab.FlagHigh, Status: lab.ResultFinal})
	o.ApplyResult(lab.Result{Test: lab.Code{System: "LN", Code: "2951-2", Display: "Sodium"}, Value: lab.NumericValue(140), Units: "mmol/L", Status: lab.ResultFinal})
	return o
}

func TestOutbound_SendLabOrderMLLP(t *testing.T) {
	cfg := mllpConfig("acme", "EHR", "LIS")
	cfg.SendingFacility = "CLINIC"
	h := newOutboundHarness(t, cfg)
	cfg.AckTimeoutMS = 2500

	d, err := h.outbound.SendLabOrder(context.Background(), cfg.ID, panelOrder(), ada, requester)
	if err != nil {
		t.Fatalf("SendLabOrder: %v", err)
	}
	if len(h.sender.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(h.sender.sent))
	}
	if h.sender.timeout != 2500*time.Millisecond {
		t.Errorf("ack timeout = %v", h.sender.timeout)
	}

	msg := h.sender.sent[0]
	if msg.Kind() != hl7v2.KindORMO01 {
		t.Errorf("kind = %v", msg.Kind())
	}
	groups := msg.OrderGroups()
	if len(groups) != 2 {
		t.Fatalf("expected 2 order groups, got %d", len(groups))
	}
	if groups[0].Order.Test.Code != "GLU" || groups[0].Order.Test.System != "L" {
		t.Errorf("first test not translated: %+v", groups[0].Order.Test)
	}
	if groups[1].Order.Test.Code != "2951-2" {
		t.Errorf("unmapped test changed: %+v", groups[1].Order.Test)
	}
	if groups[0].Order.PlacerOrderNumber != "PL-1001" {
		t.Errorf("placer = %q", groups[0].Order.PlacerOrderNumber)
	}

	e := d.Entry
	if e.Direction != messagelog.Outbound || e.Status != messagelog.StatusAcknowledged || e.MessageType != "ORM^O01" {
		t.Errorf("entry = %+v", e)
	}
	if e.ControlID == "" || e.ControlID != d.ControlID || d.Ack == nil || d.Ack.ControlID != e.ControlID {
		t.Errorf("delivery = %+v", d)
	}
	if e.PatientID != "p-1" || e.OrderID != "ord-1" || e.Meta.Channel != messagelog.ChannelMLLP || e.Meta.Destination != "127.0.0.1:2575" {
		t.Errorf("entry links = %+v", e)
	}
	if h.registry.sent != 1 {
		t.Errorf("sent counter = %d", h.registry.sent)
	}
}

func TestOutbound_NegativeAck(t *testing.T) {
	cfg := mllpConfig("acme", "EHR", "LIS")
	h := newOutboundHarness(t, cfg)
	h.sender.ack = hl7v2.AckError

	d, err := h.outbound.SendLabOrder(context.Background(), cfg.ID, panelOrder(), ada, requester)
	var nak *hl7v2.NegativeAckError
	if !errors.As(err, &nak) {
		t.Fatalf("expected negative ack, got %v", err)
	}
	if d == nil || d.Entry.Status != messagelog.StatusError || d.Entry.ErrorCode != "NAK_AE" {
		t.Fatalf("delivery = %+v", d)
	}
	if d.Ack == nil || d.Ack.Code != hl7v2.AckError || d.Entry.Response == "" {
		t.Errorf("ack not recorded: %+v", d)
	}
	if len(h.registry.errors) != 1 || h.registry.sent != 0 {
		t.Errorf("counters: errors=%v sent=%d", h.registry.errors, h.registry.sent)
	}
}

func TestOutbound_ConnectionRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	cfg := mllpConfig("acme", "EHR", "LIS")
	cfg.Host = host
	cfg.Port, _ = strconv.Atoi(port)
	cfg.RetryEnabled = true
	cfg.RetryMaxAttempts = 3
	cfg.RetryDelayMS = 5

	var logs bytes.Buffer
	h := newOutboundHarness(t, cfg)
	h.outbound.senders = MLLPSenders(200*time.Millisecond, time.Second, zerolog.New(&logs))

	d, err := h.outbound.SendLabOrder(context.Background(), cfg.ID, panelOrder(), ada, requester)
	if !apperr.Retryable(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if got := strings.Count(logs.String(), "retrying"); got != 2 {
		t.Errorf("expected 3 attempts (2 retries), got %d retries", got)
	}
	if d.Entry.Status != messagelog.StatusError || d.Entry.ErrorCode != "MLLP_CONNECT_FAILED" {
		t.Errorf("entry = %s/%s", d.Entry.Status, d.Entry.ErrorCode)
	}
	stored, _ := h.log.Get(context.Background(), d.Entry.ID)
	if stored.Status != messagelog.StatusError {
		t.Errorf("stored status = %s", stored.Status)
	}
}

func TestOutbound_SendResultsMLLP(t *testing.T) {
	cfg := mllpConfig("acme", "EHR", "LIS")
	h := newOutboundHarness(t, cfg)

	d, err := h.outbound.SendResults(context.Background(), cfg.ID, completedOrder(), ada)
	if err != nil {
		t.Fatalf("SendResults: %v", err)
	}
	msg := h.sender.sent[0]
	if msg.Kind() != hl7v2.KindORUR01 || d.Entry.MessageType != "ORU^R01" {
		t.Errorf("kind = %v / %s", msg.Kind(), d.Entry.MessageType)
	}
	groups := msg.OrderGroups()
	if len(groups) != 1 || len(groups[0].Observations) != 2 {
		t.Fatalf("groups = %+v", groups)
	}
	if groups[0].Order.ResultStatus != "F" || groups[0].Order.Test.Code != "11502-2" {
		t.Errorf("order = %+v", groups[0].Order)
	}
	if groups[0].Observations[0].Code.Code != "GLU" || groups[0].Observations[1].Code.Code != "2951-2" {
		t.Errorf("observation codes = %s, %s", groups[0].Observations[0].Code.Code, groups[0].Observations[1].Code.Code)
	}
}

func TestOutbound_Validation(t *testing.T) {
	cfg := mllpConfig("acme", "EHR", "LIS")
	inactive := mllpConfig("paused", "EHR", "LIS")
	inactive.Status = integration.StatusInactive
	fileDrop := mllpConfig("drop", "EHR", "LIS")
	fileDrop.Transport = integration.TransportFileDrop

	noTests := panelOrder()
	noTests.Tests = nil

	tests := []struct {
		name string
		cfg  *integration.Config
		send func(*Outbound, *integration.Config) error
		code string
		kind apperr.Kind
	}{
		{"no tests", cfg, func(o *Outbound, c *integration.Config) error {
			_, err := o.SendLabOrder(context.Background(), c.ID, noTests, ada, requester)
			return err
		}, "ORDER_HAS_NO_TESTS", apperr.KindValidation},
		{"no results", cfg, func(o *Outbound, c *integration.Config) error {
			_, err := o.SendResults(context.Background(), c.ID, panelOrder(), ada)
			return err
		}, "ORDER_HAS_NO_RESULTS", apperr.KindValidation},
		{"inactive", inactive, func(o *Outbound, c *integration.Config) error {
			_, err := o.SendLabOrder(context.Background(), c.ID, panelOrder(), ada, requester)
			return err
		}, CodeInactive, apperr.KindConfig},
		{"no outbound dir", fileDrop, func(o *Outbound, c *integration.Config) error {
			_, err := o.SendLabOrder(context.Background(), c.ID, panelOrder(), ada, requester)
			return err
		}, "OUTBOUND_DIR_MISSING", apperr.KindConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newOutboundHarness(t, tt.cfg)
			err := tt.send(h.outbound, tt.cfg)
			if apperr.CodeOf(err) != tt.code || !apperr.Is(err, tt.kind) {
				t.Errorf("got %v, want %s", err, tt.code)
			}
			if len(h.repo.all()) != 0 || len(h.sender.sent) != 0 {
				t.Error("invalid send was logged or transmitted")
			}
		})
	}
}

func TestOutbound_FileDrop(t *testing.T) {
	dir := t.TempDir()
	cfg := mllpConfig("drop", "EHR", "LIS")
	cfg.Transport = integration.TransportFileDrop
	cfg.OutboundDir = dir
	h := newOutboundHarness(t, cfg)

	d, err := h.outbound.SendLabOrder(context.Background(), cfg.ID, panelOrder(), ada, requester)
	if err != nil {
		t.Fatalf("SendLabOrder: %v", err)
	}
	if d.Entry.Status != messagelog.StatusProcessed || d.Entry.Meta.Channel != messagelog.ChannelFileDrop {
		t.Errorf("entry = %+v", d.Entry)
	}
	data, err := os.ReadFile(filepath.Join(dir, d.ControlID+".hl7"))
	if err != nil {
		t.Fatalf("dropped file: %v", err)
	}
	if string(data) != d.Entry.RawPayload {
		t.Error("dropped file differs from logged payload")
	}
	files, _ := os.ReadDir(dir)
	if len(files) != 1 {
		t.Errorf("expected only the message file, found %d entries", len(files))
	}
}

func TestOutbound_HTTPHL7(t *testing.T) {
	tests := []struct {
		name        string
		ackRequired bool
		ack         hl7v2.AckCode
		want        messagelog.Status
	}{
		{"fire and forget", false, hl7v2.AckAccept, messagelog.StatusProcessed},
		{"acknowledged", true, hl7v2.AckAccept, messagelog.StatusAcknowledged},
		{"rejected", true, hl7v2.AckReject, messagelog.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var contentType string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				contentType = r.Header.Get("Content-Type")
				body, _ := io.ReadAll(r.Body)
				msg, err := hl7v2.Parse(body)
				if err != nil {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				w.Header().Set("Content-Type", hl7v2.ContentTypeER7)
				w.Write(hl7v2.Encode(hl7v2.GenerateACK(msg, tt.ack, "")))
			}))
			defer srv.Close()

			cfg := webhookConfig()
			cfg.BaseURL = srv.URL
			cfg.AckRequired = tt.ackRequired
			h := newOutboundHarness(t, cfg)

			d, err := h.outbound.SendLabOrder(context.Background(), cfg.ID, panelOrder(), ada, requester)
			if (err != nil) != (tt.want == messagelog.StatusError) {
				t.Fatalf("unexpected error result: %v", err)
			}
			if d.Entry.Status != tt.want || d.Entry.Meta.Channel != messagelog.ChannelHTTP {
				t.Errorf("entry = %s/%s", d.Entry.Status, d.Entry.Meta.Channel)
			}
			if !strings.HasPrefix(contentType, hl7v2.ContentTypeER7) {
				t.Errorf("content type = %q", contentType)
			}
		})
	}
}

func TestOutbound_FHIRTransaction(t *testing.T) {
	var received *fhir.Bundle
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		res, err := fhir.DecodeResource(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received, _ = res.(*fhir.Bundle)
		w.Header().Set("Content-Type", fhir.ContentType)
		w.Write([]byte(`{"resourceType":"Bundle","type":"transaction-response","entry":[]}`))
	}))
	defer srv.Close()

	cfg := webhookConfig()
	cfg.Transport = integration.TransportFHIRREST
	cfg.BaseURL = srv.URL
	h := newOutboundHarness(t, cfg)

	d, err := h.outbound.SendLabOrder(context.Background(), cfg.ID, panelOrder(), ada, requester)
	if err != nil {
		t.Fatalf("SendLabOrder: %v", err)
	}
	if d.Entry.Status != messagelog.StatusProcessed || d.Entry.Format != messagelog.FormatFHIR || d.Entry.MessageType != "Bundle" {
		t.Errorf("entry = %+v", d.Entry)
	}
	if received == nil || received.Type != string(fhir.BundleTransaction) {
		t.Fatalf("server received %+v", received)
	}

	resources, err := received.Resources()
	if err != nil {
		t.Fatal(err)
	}
	var codes []string
	var sawPatient, sawRequester bool
	for _, r := range resources {
		switch r := r.(type) {
		case *fhir.ServiceRequest:
			codes = append(codes, r.Code.FirstCoding().Code)
		case *fhir.Patient:
			sawPatient = true
		case *fhir.Practitioner:
			sawRequester = true
		}
	}
	if !sawPatient || !sawRequester {
		t.Errorf("patient=%v requester=%v", sawPatient, sawRequester)
	}
	if strings.Join(codes, ",") != "GLU,2951-2" {
		t.Errorf("service request codes = %v", codes)
	}
}
