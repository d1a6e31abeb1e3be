package integration

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/auth"
	"github.com/ehr/labbridge/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints - admin, lab_manager, lab_tech
	read := api.Group("/integrations", auth.RequireRole(auth.RoleAdmin, auth.RoleLabManager, auth.RoleLabTech))
	read.GET("", h.List)
	read.GET("/:id", h.Get)
	read.GET("/:id/health", h.Health)
	read.GET("/:id/mappings", h.ListMappings)
	read.GET("/:id/mappings/:mappingId", h.GetMapping)

	// Write endpoints - admin, lab_manager
	write := api.Group("/integrations", auth.RequireRole(auth.RoleAdmin, auth.RoleLabManager))
	write.POST("", h.Create)
	write.PUT("/:id", h.Update)
	write.DELETE("/:id", h.Delete)
	write.PUT("/:id/status", h.SetStatus)
	write.POST("/:id/test", h.TestConnection)
	write.POST("/:id/mappings", h.CreateMapping)
	write.PUT("/:id/mappings/:mappingId", h.UpdateMapping)
	write.DELETE("/:id/mappings/:mappingId", h.DeleteMapping)

	// Secrets - admin only
	secret := api.Group("/integrations", auth.RequireRole(auth.RoleAdmin))
	secret.PUT("/:id/credentials/:field", h.SetCredential)
	secret.POST("/:id/webhook-secrets/rotate", h.RotateWebhookSecrets)
}

// configRequest defaults retry_enabled to true when the field is omitted.
type configRequest struct {
	Config
	RetryEnabled *bool `json:"retry_enabled"`
}

func (r *configRequest) toConfig() *Config {
	c := r.Config
	c.RetryEnabled = r.RetryEnabled == nil || *r.RetryEnabled
	return &c
}

// mappingRequest defaults active to true when the field is omitted.
type mappingRequest struct {
	TestMapping
	Active *bool `json:"active"`
}

func (r *mappingRequest) toMapping() *TestMapping {
	m := r.TestMapping
	m.Active = r.Active == nil || *r.Active
	return &m
}

type credentialRequest struct {
	Value    string `json:"value"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := ListFilter{
		Transport: Transport(c.QueryParam("transport")),
		Status:    Status(c.QueryParam("status")),
	}
	if filter.Transport != "" && !filter.Transport.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid transport")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}
	items, total, err := h.svc.List(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	cfg, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) Create(c echo.Context) error {
	var req configRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cfg := req.toConfig()
	cfg.ID = uuid.Nil
	if err := h.svc.Create(c.Request().Context(), cfg); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, cfg)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req configRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cfg := req.toConfig()
	cfg.ID = id
	if err := h.svc.Update(c.Request().Context(), cfg); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SetStatus(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req struct {
		Status Status `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.SetStatus(c.Request().Context(), id, req.Status); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": string(req.Status)})
}

// SetCredential stores one secret. The value is never echoed back.
func (h *Handler) SetCredential(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	field := CredentialField(c.Param("field"))
	if !field.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown credential field")
	}
	var req credentialRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid credential body")
	}
	value := req.Value
	if field == CredentialHTTP && req.Username != "" {
		value = req.Username + ":" + req.Password
	}
	if err := h.svc.SetCredential(c.Request().Context(), id, field, value); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RotateWebhookSecrets returns the new pair once; it cannot be read again.
func (h *Handler) RotateWebhookSecrets(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	out, err := h.svc.RotateWebhookSecrets(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) TestConnection(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	res, err := h.svc.TestConnection(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Health(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	recent, _ := strconv.Atoi(c.QueryParam("recent"))
	out, err := h.svc.Health(c.Request().Context(), id, recent)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// -- Test mappings --

func (h *Handler) ListMappings(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListMappings(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetMapping(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	mid, err := pathID(c, "mappingId")
	if err != nil {
		return err
	}
	m, err := h.svc.GetMapping(c.Request().Context(), mid)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if m.IntegrationID != id {
		return apperr.HTTPError(ErrMappingNotFound)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) CreateMapping(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req mappingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m := req.toMapping()
	m.ID = uuid.Nil
	m.IntegrationID = id
	if err := h.svc.CreateMapping(c.Request().Context(), m); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) UpdateMapping(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	mid, err := pathID(c, "mappingId")
	if err != nil {
		return err
	}
	existing, err := h.svc.GetMapping(c.Request().Context(), mid)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if existing.IntegrationID != id {
		return apperr.HTTPError(ErrMappingNotFound)
	}
	var req mappingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m := req.toMapping()
	m.ID = mid
	if err := h.svc.UpdateMapping(c.Request().Context(), m); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) DeleteMapping(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	mid, err := pathID(c, "mappingId")
	if err != nil {
		return err
	}
	existing, err := h.svc.GetMapping(c.Request().Context(), mid)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if existing.IntegrationID != id {
		return apperr.HTTPError(ErrMappingNotFound)
	}
	if err := h.svc.DeleteMapping(c.Request().Context(), mid); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
