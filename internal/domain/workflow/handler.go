package workflow

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/validate"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "supervisor", "technician"))
	read.GET("/workflows/:id", h.GetWorkflow)
	read.GET("/workflows/:id/steps", h.ListSteps)

	write := api.Group("", auth.RequireRole("admin"))
	write.POST("/workflows", h.CreateWorkflow)
}

type stepRequest struct {
	SectionID       uuid.UUID              `json:"section_id" validate:"required"`
	Order           *int                   `json:"order" validate:"required,min=0"`
	Parameters      map[string]interface{} `json:"parameters"`
	ParameterSchema json.RawMessage        `json:"parameter_schema"`
}

type createWorkflowRequest struct {
	Name        string        `json:"name" validate:"required,max=255"`
	Description *string       `json:"description"`
	Steps       []stepRequest `json:"steps" validate:"required,min=1,dive"`
}

func (h *Handler) CreateWorkflow(c echo.Context) error {
	var req createWorkflowRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	w := &Workflow{Name: req.Name, Description: req.Description}
	for _, st := range req.Steps {
		w.Steps = append(w.Steps, Step{
			SectionID:       st.SectionID,
			Order:           *st.Order,
			Parameters:      st.Parameters,
			ParameterSchema: st.ParameterSchema,
		})
	}
	if err := h.svc.CreateWorkflow(c.Request().Context(), w); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) GetWorkflow(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	w, err := h.svc.GetWorkflow(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, w)
}

// ListSteps returns every step, or with ?before=N the valid rejection
// targets of order N, or with ?after=N the single next step.
func (h *Handler) ListSteps(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()

	if v := c.QueryParam("before"); v != "" {
		order, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid before")
		}
		steps, err := h.svc.StepsBefore(ctx, id, order)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, steps)
	}
	if v := c.QueryParam("after"); v != "" {
		order, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid after")
		}
		st, ok, err := h.svc.StepAfter(ctx, id, order)
		if err != nil {
			return httpError(err)
		}
		if !ok {
			return c.JSON(http.StatusOK, []Step{})
		}
		return c.JSON(http.StatusOK, []Step{st})
	}

	steps, err := h.svc.StepsOf(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, steps)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrWorkflowNotFound), errors.Is(err, ErrMethodNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrWorkflowHasNoSteps), errors.Is(err, ErrInvalidDefinition),
		errors.Is(err, ErrInvalidParameters), errors.Is(err, ErrMethodHasNoWorkflow):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
