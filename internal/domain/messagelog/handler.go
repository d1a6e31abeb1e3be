package messagelog

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/auth"
	"github.com/ehr/labbridge/pkg/pagination"
)

// Reader is the read side of the audit log used by the HTTP API.
type Reader interface {
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error)
}

type Handler struct {
	svc Reader
}

func NewHandler(svc Reader) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the audit log endpoints:
//
//	GET /messages      - list entries (integration_id, direction, status, control_id, since)
//	GET /messages/:id  - one entry with raw and parsed payloads
func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleLabManager, auth.RoleLabTech))
	read.GET("/messages", h.List)
	read.GET("/messages/:id", h.Get)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f Filter
	if v := c.QueryParam("integration_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid integration_id")
		}
		f.IntegrationID = id
	}
	if v := c.QueryParam("direction"); v != "" {
		f.Direction = Direction(v)
		if f.Direction != Inbound && f.Direction != Outbound {
			return echo.NewHTTPError(http.StatusBadRequest, "direction must be inbound or outbound")
		}
	}
	if v := c.QueryParam("status"); v != "" {
		f.Status = Status(v)
		if !f.Status.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
	}
	f.ControlID = c.QueryParam("control_id")
	if v := c.QueryParam("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be an RFC 3339 timestamp")
		}
		f.Since = since
	}

	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}
