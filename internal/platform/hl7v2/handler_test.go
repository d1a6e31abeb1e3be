package hl7v2

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

// =========== Handler Tests ===========

func TestHandler_Inspect(t *testing.T) {
	h := NewHandler()
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tools/hl7v2/inspect", strings.NewReader(sampleORU))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Inspect(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}
	if result["kind"] != "ORU^R01" {
		t.Errorf("expected kind 'ORU^R01', got %v", result["kind"])
	}
	header, ok := result["header"].(map[string]interface{})
	if !ok {
		t.Fatal("expected header object")
	}
	if header["control_id"] != "MSG00001" {
		t.Errorf("expected control_id MSG00001, got %v", header["control_id"])
	}
	segments, ok := result["segments"].([]interface{})
	if !ok || len(segments) != 9 {
		t.Errorf("expected 9 segments, got %v", result["segments"])
	}
	if result["demographics"] == nil {
		t.Error("expected demographics")
	}
}

func TestHandler_Inspect_Framed(t *testing.T) {
	h := NewHandler()
	e := echo.New()

	body := string(Frame([]byte(testADT)))
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	if err := h.Inspect(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"kind":"ADT^A01"`) {
		t.Errorf("expected ADT^A01 kind, got %s", rec.Body.String())
	}
}

func TestHandler_Inspect_Invalid(t *testing.T) {
	h := NewHandler()
	e := echo.New()

	for _, body := range []string{"", "not hl7"} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		rec := httptest.NewRecorder()
		err := h.Inspect(e.NewContext(req, rec))
		he, ok := err.(*echo.HTTPError)
		if !ok {
			t.Fatalf("expected *echo.HTTPError for %q, got %v", body, err)
		}
		if he.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", he.Code)
		}
	}
}

func TestHandler_PreviewAck(t *testing.T) {
	h := NewHandler()
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/?code=AR&text=nope", strings.NewReader(testADT))
	rec := httptest.NewRecorder()
	if err := h.PreviewAck(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != ContentTypeER7 {
		t.Errorf("expected %s, got %q", ContentTypeER7, ct)
	}
	msg, err := Parse(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("failed to parse ACK: %v", err)
	}
	info, _ := ParseAck(msg)
	if info.Code != AckReject || info.Text != "nope" || len(info.Errors) != 1 {
		t.Errorf("unexpected ack %+v", info)
	}
}

func TestHandler_PreviewAck_BadCode(t *testing.T) {
	h := NewHandler()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/?code=XX", strings.NewReader(testADT))
	rec := httptest.NewRecorder()
	err := h.PreviewAck(e.NewContext(req, rec))
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400 HTTPError, got %v", err)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler().RegisterRoutes(e.Group("/api/v1/tools"))

	found := map[string]bool{}
	for _, r := range e.Routes() {
		found[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{"POST /api/v1/tools/hl7v2/inspect", "POST /api/v1/tools/hl7v2/ack"} {
		if !found[want] {
			t.Errorf("missing route %s", want)
		}
	}
}
