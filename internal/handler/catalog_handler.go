package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lesson-draw-api/internal/middleware"
	"github.com/noah-isme/lesson-draw-api/internal/models"
	"github.com/noah-isme/lesson-draw-api/pkg/response"
)

type catalogService interface {
	Catalog(ctx context.Context) (*models.Catalog, bool, error)
	Settings(ctx context.Context) (*models.Settings, error)
	Lessons(ctx context.Context) ([]models.Lesson, error)
	ImportLessons(ctx context.Context, req models.LessonImportRequest, actorID string) ([]models.Lesson, error)
	AddSubject(ctx context.Context, req models.TaxonomyRequest, actorID string) error
	RemoveSubject(ctx context.Context, req models.TaxonomyRequest, actorID string) error
	AddGrade(ctx context.Context, req models.TaxonomyRequest, actorID string) error
	RemoveGrade(ctx context.Context, req models.TaxonomyRequest, actorID string) error
	AddClassroom(ctx context.Context, req models.ClassroomRequest, actorID string) (*models.Classroom, error)
	RemoveClassroom(ctx context.Context, id, actorID string) error
}

// CatalogHandler serves the lesson catalog and the taxonomy.
type CatalogHandler struct {
	service catalogService
}

// NewCatalogHandler creates a catalog handler.
func NewCatalogHandler(svc catalogService) *CatalogHandler {
	return &CatalogHandler{service: svc}
}

// Catalog godoc
// @Summary Draw screen catalog
// @Description Grades, subjects and classrooms available for drawing
// @Tags Catalog
// @Produce json
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /catalog [get]
func (h *CatalogHandler) Catalog(c *gin.Context) {
	catalog, hit, err := h.service.Catalog(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, catalog, nil, middleware.Meta(c))
}

// Lessons godoc
// @Summary List lessons
// @Tags Catalog
// @Produce json
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /lessons [get]
func (h *CatalogHandler) Lessons(c *gin.Context) {
	lessons, err := h.service.Lessons(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, lessons, nil, map[string]interface{}{"count": len(lessons)})
}

// ImportLessons godoc
// @Summary Replace lesson catalog
// @Description Replaces all lessons with rows of [subject, grade, week, period, name]
// @Tags Catalog
// @Accept json
// @Produce json
// @Param payload body models.LessonImportRequest true "Lesson rows"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Security BearerAuth
// @Router /lessons [put]
func (h *CatalogHandler) ImportLessons(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		return
	}
	var req models.LessonImportRequest
	if !bindJSON(c, &req, "invalid lesson import payload") {
		return
	}

	lessons, err := h.service.ImportLessons(c.Request.Context(), req, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, lessons, nil, map[string]interface{}{"count": len(lessons)})
}

// Settings godoc
// @Summary Get settings
// @Description Subjects, grades and classrooms
// @Tags Settings
// @Produce json
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /settings [get]
func (h *CatalogHandler) Settings(c *gin.Context) {
	settings, err := h.service.Settings(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, settings, nil)
}

// AddSubject godoc
// @Summary Add subject
// @Tags Settings
// @Accept json
// @Produce json
// @Param payload body models.TaxonomyRequest true "Subject"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Security BearerAuth
// @Router /settings/subjects [post]
func (h *CatalogHandler) AddSubject(c *gin.Context) {
	h.addName(c, h.service.AddSubject)
}

// RemoveSubject godoc
// @Summary Remove subject
// @Tags Settings
// @Produce json
// @Param name query string true "Subject name"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Security BearerAuth
// @Router /settings/subjects [delete]
func (h *CatalogHandler) RemoveSubject(c *gin.Context) {
	h.removeName(c, h.service.RemoveSubject)
}

// AddGrade godoc
// @Summary Add grade
// @Tags Settings
// @Accept json
// @Produce json
// @Param payload body models.TaxonomyRequest true "Grade"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Security BearerAuth
// @Router /settings/grades [post]
func (h *CatalogHandler) AddGrade(c *gin.Context) {
	h.addName(c, h.service.AddGrade)
}

// RemoveGrade godoc
// @Summary Remove grade
// @Description Removes a grade and its classrooms
// @Tags Settings
// @Produce json
// @Param name query string true "Grade name"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Security BearerAuth
// @Router /settings/grades [delete]
func (h *CatalogHandler) RemoveGrade(c *gin.Context) {
	h.removeName(c, h.service.RemoveGrade)
}

type nameMutation func(ctx context.Context, req models.TaxonomyRequest, actorID string) error

func (h *CatalogHandler) addName(c *gin.Context, apply nameMutation) {
	claims, ok := currentClaims(c)
	if !ok {
		return
	}
	var req models.TaxonomyRequest
	if !bindJSON(c, &req, "invalid payload") {
		return
	}
	if err := apply(c.Request.Context(), req, claims.UserID); err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, req)
}

func (h *CatalogHandler) removeName(c *gin.Context, apply nameMutation) {
	claims, ok := currentClaims(c)
	if !ok {
		return
	}
	if err := apply(c.Request.Context(), models.TaxonomyRequest{Name: c.Query("name")}, claims.UserID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// AddClassroom godoc
// @Summary Add classroom
// @Tags Settings
// @Accept json
// @Produce json
// @Param payload body models.ClassroomRequest true "Classroom"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Security BearerAuth
// @Router /settings/classrooms [post]
func (h *CatalogHandler) AddClassroom(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		return
	}
	var req models.ClassroomRequest
	if !bindJSON(c, &req, "invalid classroom payload") {
		return
	}
	room, err := h.service.AddClassroom(c.Request.Context(), req, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, room)
}

// RemoveClassroom godoc
// @Summary Remove classroom
// @Tags Settings
// @Produce json
// @Param id path string true "Classroom ID"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Security BearerAuth
// @Router /settings/classrooms/{id} [delete]
func (h *CatalogHandler) RemoveClassroom(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		return
	}
	if err := h.service.RemoveClassroom(c.Request.Context(), c.Param("id"), claims.UserID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
