package acceptance

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/domain/workflow"
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
	read.GET("/samples/:barcode", h.LookupBarcode)

	write := api.Group("", auth.RequireRole("admin", "supervisor"))
	write.POST("/acceptance-items/:id/accept", h.AcceptItem)
	write.POST("/acceptance-items/:id/resample", h.Resample)
}

type acceptResponse struct {
	ItemID  uuid.UUID `json:"item_id"`
	StateID uuid.UUID `json:"state_id"`
}

func (h *Handler) AcceptItem(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	stateID, err := h.svc.AcceptItem(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, acceptResponse{ItemID: id, StateID: stateID})
}

type resampleRequest struct {
	Barcode     string     `json:"barcode" validate:"required,max=64"`
	SampleType  *string    `json:"sample_type" validate:"omitempty,max=128"`
	PatientName *string    `json:"patient_name" validate:"omitempty,max=255"`
	CollectedAt *time.Time `json:"collected_at"`
}

func (h *Handler) Resample(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req resampleRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	sample, err := h.svc.Resample(c.Request().Context(), id, &Sample{
		Barcode:     req.Barcode,
		SampleType:  req.SampleType,
		PatientName: req.PatientName,
		CollectedAt: req.CollectedAt,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sample)
}

func (h *Handler) LookupBarcode(c echo.Context) error {
	lookup, err := h.svc.LookupBarcode(c.Request().Context(), c.Param("barcode"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, lookup)
}

// statusCoder is implemented by errors that know their HTTP status, such as
// the pipeline's domain errors surfacing through AcceptItem.
type statusCoder interface {
	StatusCode() int
}

func httpError(err error) error {
	var sc statusCoder
	switch {
	case errors.Is(err, ErrItemNotFound), errors.Is(err, ErrSampleNotFound),
		errors.Is(err, ErrAcceptanceNotFound), errors.Is(err, workflow.ErrMethodNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrBarcodeRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case workflow.IsConfigurationError(err):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &sc):
		return echo.NewHTTPError(sc.StatusCode(), err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
