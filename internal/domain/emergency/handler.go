package emergency

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/edtrack/internal/platform/auth"
	"github.com/ehr/edtrack/internal/platform/hipaa"
	"github.com/ehr/edtrack/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – all clinical staff and the front desk
	readGroup := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleRegistrar))
	readGroup.GET("/board", h.GetBoard)
	readGroup.GET("/patients", h.ListPatients)
	readGroup.GET("/patients/:id", h.GetPatient)
	readGroup.GET("/rooms", h.ListRooms)

	// Registration – front desk and nurses
	intakeGroup := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleNurse))
	intakeGroup.POST("/patients", h.RegisterPatient)

	// Chart writes – clinical staff
	writeGroup := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	writeGroup.PATCH("/patients/:id", h.UpdatePatient)
	writeGroup.POST("/patients/:id/comments", h.AddComment)
	writeGroup.PUT("/patients/:id/assignment", h.Assign)
	writeGroup.POST("/audit", h.RecordClinicalEvent)
	writeGroup.PUT("/rooms/:room/status", h.SetRoomStatus)

	// Per-patient audit trail – compliance and physicians
	auditGroup := api.Group("", auth.RequireRole(auth.RoleAuditor, auth.RolePhysician))
	auditGroup.GET("/patients/:id/audit", h.PatientAudit)
}

// httpError maps domain errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrRoomOccupied):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidHoldContext):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalidField), errors.Is(err, ErrUnknownRoom), errors.Is(err, hipaa.ErrInvalidEntry):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// -- Board --

func (h *Handler) GetBoard(c echo.Context) error {
	q := Query{
		Tab:       Tab(c.QueryParam("tab")),
		Search:    c.QueryParam("q"),
		SortBy:    c.QueryParam("sort"),
		Direction: SortDirection(c.QueryParam("dir")),
	}
	v, err := h.svc.Board(q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// -- Patients --

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	rows, total := h.svc.ListPatients(pg)
	return c.JSON(http.StatusOK, pagination.NewResponse(rows, total, pg))
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	row, err := h.svc.RegisterPatient(c.Request().Context(), &p, auth.ActorFromContext(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, row)
}

// GetPatient opens a chart. The optional section query names the chart tab
// being viewed and is recorded with the access.
func (h *Handler) GetPatient(c echo.Context) error {
	row, err := h.svc.OpenChart(c.Request().Context(), c.Param("id"), c.QueryParam("section"), auth.ActorFromContext(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, row)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	var patch Patch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	row, err := h.svc.UpdatePatient(c.Request().Context(), c.Param("id"), patch, auth.ActorFromContext(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, row)
}

func (h *Handler) AddComment(c echo.Context) error {
	var in CommentInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	row, err := h.svc.AddComment(c.Request().Context(), c.Param("id"), in, auth.ActorFromContext(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, row)
}

func (h *Handler) Assign(c echo.Context) error {
	var req AssignmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	row, err := h.svc.Assign(c.Request().Context(), c.Param("id"), req, auth.ActorFromContext(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, row)
}

// -- Audit --

func (h *Handler) PatientAudit(c echo.Context) error {
	res, err := h.svc.PatientAudit(c.Param("id"), pagination.FromContext(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) RecordClinicalEvent(c echo.Context) error {
	var ev ClinicalEvent
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.RecordClinicalEvent(c.Request().Context(), ev, auth.ActorFromContext(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

// -- Rooms --

func (h *Handler) ListRooms(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Rooms())
}

type roomStatusRequest struct {
	Status RoomStatus `json:"status"`
}

func (h *Handler) SetRoomStatus(c echo.Context) error {
	var req roomStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	room, err := h.svc.SetRoomStatus(c.Request().Context(), c.Param("room"), req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, room)
}
