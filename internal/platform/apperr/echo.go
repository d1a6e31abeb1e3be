package apperr

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HTTPError converts err into the echo error returned by API handlers.
// Internal failures are reported without their cause.
func HTTPError(err error) *echo.HTTPError {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		return echo.NewHTTPError(status, "internal server error").SetInternal(err)
	}
	return echo.NewHTTPError(status, err.Error()).SetInternal(err)
}
