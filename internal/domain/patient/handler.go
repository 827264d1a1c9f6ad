package patient

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/radportal/radportal/internal/platform/auth"
	"github.com/radportal/radportal/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleRadiologist, auth.RoleAdmin))
	g.POST("/patients", h.CreatePatient)
	g.GET("/patients", h.ListPatients)
	g.GET("/patients/:patientId", h.GetPatientHistory)
}

func toHTTP(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

func clinicianFrom(c echo.Context) (auth.Clinician, error) {
	clinician, ok := auth.ClinicianFromContext(c.Request().Context())
	if !ok {
		return auth.Clinician{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return clinician, nil
}

func (h *Handler) CreatePatient(c echo.Context) error {
	clinician, err := clinicianFrom(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.Create(c.Request().Context(), clinician, in)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	clinician, err := clinicianFrom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), clinician, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTP(err)
	}
	if items == nil {
		items = []*Patient{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetPatientHistory(c echo.Context) error {
	clinician, err := clinicianFrom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	hist, err := h.svc.History(c.Request().Context(), clinician, c.Param("patientId"), pg.Limit, pg.Offset)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, hist)
}
