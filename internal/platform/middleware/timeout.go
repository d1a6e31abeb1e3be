package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/labbridge/internal/platform/fhir"
)

// RequestTimeout puts a deadline on the request context. When it passes
// before the handler returns, a 504 with an OperationOutcome body is sent.
// Handlers keep running until they observe the cancelled context.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() != context.DeadlineExceeded {
					return ctx.Err()
				}
				if c.Response().Committed {
					return nil
				}
				body, _ := json.Marshal(fhir.NewOperationOutcome(fhir.IssueSeverityError, "timeout",
					"request processing exceeded the allowed time"))
				return c.Blob(http.StatusGatewayTimeout, fhir.ContentType, body)
			}
		}
	}
}
