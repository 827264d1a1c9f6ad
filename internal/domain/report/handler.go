package report

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/radportal/radportal/internal/platform/auth"
	"github.com/radportal/radportal/internal/platform/export"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the clinician endpoints. api must already run the
// bearer token middleware.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleRadiologist, auth.RoleAdmin))
	g.POST("/reports", h.CreateReport)
	g.POST("/reports/upload-pdf", h.UploadPDF)
	g.GET("/reports/:id", h.GetReport)
	g.PUT("/reports/:id", h.UpdateReport)
	g.GET("/reports/:id/export", h.ExportReport)
}

// RegisterPublicRoutes mounts the token endpoints. public must not run the
// bearer token middleware: the token in the path is the only credential.
func (h *Handler) RegisterPublicRoutes(public *echo.Group) {
	public.GET("/view/:token", h.PublicView)
	public.POST("/chat/:token", h.Chat)
}

func clinicianFrom(c echo.Context) (auth.Clinician, error) {
	clinician, ok := auth.ClinicianFromContext(c.Request().Context())
	if !ok {
		return auth.Clinician{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return clinician, nil
}

// toHTTP maps service errors onto status codes. Every lookup failure, whether
// by id or by token, has the same status and message.
func toHTTP(err error) error {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrInvalidInput), errors.Is(err, export.ErrUnsupportedFormat):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, ErrFinalized), errors.Is(err, ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		// Malformed ids look exactly like unknown ones.
		return uuid.Nil, echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	return id, nil
}

func readFormFile(c echo.Context, field string) ([]byte, *multipart.FileHeader, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s file is required", field))
	}
	f, err := fh.Open()
	if err != nil {
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "cannot read upload")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, nil, he
		}
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "cannot read upload")
	}
	return data, fh, nil
}

func setVersionHeader(c echo.Context, r *Report) {
	c.Response().Header().Set("ETag", strconv.Quote(strconv.Itoa(r.Version)))
}

func (h *Handler) CreateReport(c echo.Context) error {
	clinician, err := clinicianFrom(c)
	if err != nil {
		return err
	}
	data, fh, err := readFormFile(c, "image")
	if err != nil {
		return err
	}
	r, err := h.svc.Create(c.Request().Context(), clinician, CreateInput{
		PatientID:     c.FormValue("patient_id"),
		ClinicalNotes: c.FormValue("clinical_notes"),
		Image:         data,
		ContentType:   fh.Header.Get("Content-Type"),
	})
	if err != nil {
		return toHTTP(err)
	}
	setVersionHeader(c, r)
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetReport(c echo.Context) error {
	clinician, err := clinicianFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Get(c.Request().Context(), id, clinician)
	if err != nil {
		return toHTTP(err)
	}
	setVersionHeader(c, r)
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) UpdateReport(c echo.Context) error {
	clinician, err := clinicianFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var p Patch
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if p.Version == nil {
		if v, ok := ifMatchVersion(c.Request().Header.Get("If-Match")); ok {
			p.Version = &v
		}
	}
	r, err := h.svc.Update(c.Request().Context(), id, clinician, p)
	if err != nil {
		return toHTTP(err)
	}
	setVersionHeader(c, r)
	return c.JSON(http.StatusOK, r)
}

// ifMatchVersion reads a version from an If-Match header such as "3" or
// W/"3". A wildcard or anything unparsable means no precondition.
func ifMatchVersion(header string) (int, bool) {
	v := strings.TrimPrefix(strings.TrimSpace(header), "W/")
	v = strings.Trim(v, `"`)
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func (h *Handler) ExportReport(c echo.Context) error {
	clinician, err := clinicianFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	format, err := export.ParseFormat(c.QueryParam("format"))
	if err != nil {
		return toHTTP(err)
	}
	out, err := h.svc.Export(c.Request().Context(), id, clinician, format)
	if err != nil {
		return toHTTP(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", out.Filename))
	return c.Blob(http.StatusOK, out.ContentType, out.Body)
}

func (h *Handler) UploadPDF(c echo.Context) error {
	clinician, err := clinicianFrom(c)
	if err != nil {
		return err
	}
	data, fh, err := readFormFile(c, "pdf_file")
	if err != nil {
		return err
	}
	res, err := h.svc.ImportPDF(c.Request().Context(), clinician, ImportInput{
		PatientID:   c.FormValue("patient_id"),
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusCreated, res)
}

// -- Token surface --

func (h *Handler) PublicView(c echo.Context) error {
	view, err := h.svc.PublicView(c.Request().Context(), auth.TokenHolder{Token: c.Param("token")})
	if err != nil {
		return toHTTP(err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, view)
}

type chatRequest struct {
	Query string `json:"query"`
}

type chatResponse struct {
	Response string `json:"response"`
}

func (h *Handler) Chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	answer, err := h.svc.Chat(c.Request().Context(), auth.TokenHolder{Token: c.Param("token")}, req.Query)
	if err != nil {
		return toHTTP(err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, chatResponse{Response: answer})
}
