package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-api/internal/middleware"
	"github.com/noah-isme/lms-api/internal/models"
	"github.com/noah-isme/lms-api/internal/service"
	appErrors "github.com/noah-isme/lms-api/pkg/errors"
	"github.com/noah-isme/lms-api/pkg/export"
	"github.com/noah-isme/lms-api/pkg/response"
)

type courseService interface {
	Create(ctx context.Context, req service.CreateCourseRequest, callerID string) (*models.Course, error)
	Get(ctx context.Context, id string) (*models.Course, bool, error)
	ExportRoster(ctx context.Context, id, format string) (*export.File, error)
}

type rosterReconciler interface {
	Reconcile(ctx context.Context, courseID string, apply bool) (*models.RosterDrift, error)
}

// CourseHandler exposes course endpoints.
type CourseHandler struct {
	courses courseService
	roster  rosterReconciler
}

// NewCourseHandler constructs CourseHandler.
func NewCourseHandler(courses courseService, roster rosterReconciler) *CourseHandler {
	return &CourseHandler{courses: courses, roster: roster}
}

// Create godoc
// @Summary Create course
// @Tags Courses
// @Accept json
// @Produce json
// @Param payload body service.CreateCourseRequest true "Course payload"
// @Success 201 {object} response.Envelope
// @Router /courses [post]
func (h *CourseHandler) Create(c *gin.Context) {
	var req service.CreateCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid payload"))
		return
	}
	callerID := ""
	if claims := claimsFromContext(c); claims != nil {
		callerID = claims.UserID
	}
	course, err := h.courses.Create(c.Request.Context(), req, callerID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, course)
}

// Get godoc
// @Summary Get course with roster
// @Tags Courses
// @Produce json
// @Param id path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Router /courses/{id} [get]
func (h *CourseHandler) Get(c *gin.Context) {
	course, hit, err := h.courses.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, course, nil, middleware.ExtractMeta(c))
}

// ExportRoster godoc
// @Summary Export course roster
// @Tags Courses
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Course ID"
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Router /courses/{id}/roster/export [get]
func (h *CourseHandler) ExportRoster(c *gin.Context) {
	file, err := h.courses.ExportRoster(c.Request.Context(), c.Param("id"), c.DefaultQuery("format", "csv"))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename=\""+file.Name+"\"")
	c.Data(http.StatusOK, file.ContentType, file.Content)
}

// Reconcile godoc
// @Summary Report or repair drift between the student counter and the roster
// @Tags Courses
// @Produce json
// @Param id path string true "Course ID"
// @Param apply query bool false "Reset the counter to the roster size"
// @Success 200 {object} response.Envelope
// @Router /courses/{id}/roster/reconcile [post]
func (h *CourseHandler) Reconcile(c *gin.Context) {
	apply, _ := strconv.ParseBool(c.DefaultQuery("apply", "false"))
	report, err := h.roster.Reconcile(c.Request.Context(), c.Param("id"), apply)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}
