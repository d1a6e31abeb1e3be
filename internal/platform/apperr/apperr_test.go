package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

type transportErr struct{}

func (transportErr) Error() string { return "dial refused" }
func (transportErr) ErrKind() Kind { return KindTransport }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindInternal},
		{"plain", errors.New("boom"), KindInternal},
		{"app error", New(KindAuth, "BAD_KEY", "invalid api key"), KindAuth},
		{"wrapped app error", fmt.Errorf("outer: %w", New(KindNotFound, "", "missing")), KindNotFound},
		{"foreign kinded", fmt.Errorf("send: %w", transportErr{}), KindTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(KindTransport, "X", "", nil) != nil {
		t.Error("expected nil when wrapping nil")
	}
}

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("ctx: %w", Wrap(KindDomainMismatch, "PATIENT_NOT_FOUND", "", errors.New("no match")))
	if got := CodeOf(err); got != "PATIENT_NOT_FOUND" {
		t.Errorf("expected PATIENT_NOT_FOUND, got %q", got)
	}
	if !Is(err, KindDomainMismatch) {
		t.Error("expected domain mismatch kind")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(transportErr{}) {
		t.Error("transport errors must be retryable")
	}
	if Retryable(New(KindProtocol, "NAK", "rejected")) {
		t.Error("protocol errors must not be retryable")
	}
}

func TestHTTPStatus(t *testing.T) {
	if got := HTTPStatus(New(KindNotFound, "", "x")); got != http.StatusNotFound {
		t.Errorf("expected 404, got %d", got)
	}
	if got := HTTPStatus(New(KindTokenAcquisition, "", "x")); got != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", got)
	}
	if got := HTTPStatus(errors.New("x")); got != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", got)
	}
}

func TestError_Message(t *testing.T) {
	err := Wrapf(KindTransport, "CONNECT", errors.New("refused"), "dial %s", "lis:2575")
	want := "transport [CONNECT]: dial lis:2575: refused"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestHTTPError(t *testing.T) {
	he := HTTPError(New(KindNotFound, "INTEGRATION_NOT_FOUND", "integration not found"))
	if he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", he.Code)
	}
	if he.Message != "not_found [INTEGRATION_NOT_FOUND]: integration not found" {
		t.Errorf("unexpected message %v", he.Message)
	}

	he = HTTPError(errors.New("pq: connection reset"))
	if he.Code != http.StatusInternalServerError || he.Message != "internal server error" {
		t.Errorf("internal errors must not leak: %d %v", he.Code, he.Message)
	}
	if he.Internal == nil {
		t.Error("cause should be kept for logging")
	}
}
