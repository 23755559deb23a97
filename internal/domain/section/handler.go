package section

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/validate"
	"github.com/lims/lims/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "supervisor", "technician"))
	read.GET("/sections", h.ListSections)
	read.GET("/sections/:id", h.GetSection)
	read.GET("/sections/:id/path", h.GetSectionPath)

	write := api.Group("", auth.RequireRole("admin"))
	write.POST("/sections", h.CreateSection)
	write.POST("/section-groups", h.CreateGroup)
}

type createSectionRequest struct {
	Name    string     `json:"name" validate:"required,max=255"`
	GroupID *uuid.UUID `json:"section_group_id"`
	Active  *bool      `json:"active"`
}

type createGroupRequest struct {
	Name     string     `json:"name" validate:"required,max=255"`
	ParentID *uuid.UUID `json:"parent_id"`
}

func (h *Handler) CreateSection(c echo.Context) error {
	var req createSectionRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	sec := &Section{Name: req.Name, GroupID: req.GroupID, Active: true}
	if req.Active != nil {
		sec.Active = *req.Active
	}
	if err := h.svc.CreateSection(c.Request().Context(), sec); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sec)
}

func (h *Handler) GetSection(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sec, err := h.svc.GetSection(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sec)
}

func (h *Handler) GetSectionPath(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	path, err := h.svc.PathOf(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, path)
}

func (h *Handler) ListSections(c echo.Context) error {
	pg := pagination.FromContext(c)
	activeOnly := c.QueryParam("include_inactive") != "true"
	items, total, err := h.svc.ListSections(c.Request().Context(), activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(pg, c.Request().URL.Path))
}

func (h *Handler) CreateGroup(c echo.Context) error {
	var req createGroupRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	g := &Group{Name: req.Name, ParentID: req.ParentID, Active: true}
	if err := h.svc.CreateGroup(c.Request().Context(), g); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, g)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrSectionNotFound), errors.Is(err, ErrGroupNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrGroupCycle):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}
