package pipeline

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
	engine *Engine
	eval   *Evaluator
}

func NewHandler(engine *Engine, eval *Evaluator) *Handler {
	return &Handler{engine: engine, eval: eval}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	station := api.Group("", auth.RequireRole("admin", "supervisor", "technician"))
	station.POST("/pipeline/scan", h.EnterSection)
	station.POST("/pipeline/states/:id/complete", h.CompleteSection)
	station.POST("/pipeline/states/:id/reject", h.RejectSection)
	station.GET("/pipeline/states/:id/rejection-targets", h.RejectionTargets)
	station.GET("/pipeline/items/:id/status", h.ItemStatus)
	station.GET("/pipeline/items/:id/reportable", h.ItemReadiness)
	station.GET("/pipeline/items/:id/history", h.ItemHistory)
	station.GET("/pipeline/acceptances/:id/reportable", h.AcceptanceReportable)
	station.GET("/pipeline/acceptances/:id/status", h.AcceptanceStatus)
	station.GET("/sections/:id/worklist", h.Worklist)

	desk := api.Group("", auth.RequireRole("admin", "supervisor"))
	desk.POST("/pipeline/items/:id/enter", h.EnterPipeline)
}

type scanRequest struct {
	Barcode   string    `json:"barcode" validate:"required,max=64"`
	SectionID uuid.UUID `json:"section_id" validate:"required"`
}

type completeRequest struct {
	Parameters map[string]interface{} `json:"parameters"`
}

type rejectRequest struct {
	TargetSectionID uuid.UUID `json:"target_section_id" validate:"required"`
}

type enterResponse struct {
	StateID uuid.UUID `json:"state_id"`
}

func (h *Handler) EnterPipeline(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	stateID, err := h.engine.EnterPipeline(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, enterResponse{StateID: stateID})
}

func (h *Handler) EnterSection(c echo.Context) error {
	var req scanRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.engine.EnterSection(ctx, req.Barcode, req.SectionID, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CompleteSection(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req completeRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.engine.CompleteSection(ctx, id, auth.UserIDFromContext(ctx), req.Parameters)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) RejectSection(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req rejectRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	st, err := h.engine.RejectSection(ctx, id, auth.UserIDFromContext(ctx), req.TargetSectionID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, st)
}

func (h *Handler) RejectionTargets(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	targets, err := h.engine.AvailableRejectionTargets(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, targets)
}

func (h *Handler) ItemStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	st, err := h.eval.CurrentStatus(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) ItemReadiness(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.eval.Check(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ItemHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rows, err := h.eval.History(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rows)
}

type reportableResponse struct {
	AcceptanceID uuid.UUID   `json:"acceptance_id"`
	ItemIDs      []uuid.UUID `json:"item_ids"`
}

func (h *Handler) AcceptanceReportable(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ids, err := h.eval.ReportableItems(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, reportableResponse{AcceptanceID: id, ItemIDs: ids})
}

func (h *Handler) AcceptanceStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	board, err := h.eval.AcceptanceStatus(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, board)
}

func (h *Handler) Worklist(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	rows, total, err := h.eval.Worklist(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(rows, total, pg.Limit, pg.Offset).WithLinks(pg, c.Request().URL.Path))
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// httpError returns domain errors with their status and problem body.
func httpError(err error) error {
	var de *Error
	if errors.As(err, &de) {
		return echo.NewHTTPError(de.StatusCode(), de)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
