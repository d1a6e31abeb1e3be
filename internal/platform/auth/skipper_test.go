package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestIsPublicPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/health", true},
		{"/health/db", true},
		{"/metrics", true},
		{"/api/v1/lab/hl7/6f1c2a8e-0000-4000-8000-000000000001", true},
		{"/api/v1/lab/fhir/6f1c2a8e-0000-4000-8000-000000000001", true},
		{"/api/v1/lab/hl7/", false},
		{"/api/v1/lab/messages/1/reprocess", false},
		{"/api/v1/integrations", false},
		{"/health/extra", false},
		{"/", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := IsPublicPath(tt.path); got != tt.want {
				t.Errorf("IsPublicPath(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	v := newTestVerifier(t, JWTConfig{Skipper: AuthSkipper})

	tests := []struct {
		path       string
		wantCalled bool
	}{
		{"/health", true},
		{"/api/v1/lab/hl7/6f1c2a8e-0000-4000-8000-000000000001", true},
		{"/api/v1/integrations", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			called := false
			err := v.Middleware()(func(c echo.Context) error {
				called = true
				return c.NoContent(http.StatusOK)
			})(c)

			if called != tt.wantCalled {
				t.Errorf("handler called = %v, want %v (err %v)", called, tt.wantCalled, err)
			}
		})
	}
}
