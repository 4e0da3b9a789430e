package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lesson-draw-api/internal/models"
	"github.com/noah-isme/lesson-draw-api/pkg/response"
)

type drawService interface {
	Draw(ctx context.Context, teacherID string, grades []string) (*models.DrawResult, error)
	Reset(ctx context.Context, teacherID, actorID string) error
	Current(ctx context.Context, teacherID string) (*models.DrawStatus, error)
}

// DrawHandler exposes the lesson draw.
type DrawHandler struct {
	service drawService
}

// NewDrawHandler creates a draw handler.
func NewDrawHandler(svc drawService) *DrawHandler {
	return &DrawHandler{service: svc}
}

// Draw godoc
// @Summary Draw a lesson
// @Description Draws a lesson and classroom for the caller from one or two grades. available=false means nothing is left for the selection.
// @Tags Draws
// @Accept json
// @Produce json
// @Param payload body models.DrawRequest true "Grade selection"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Security BearerAuth
// @Router /draws [post]
func (h *DrawHandler) Draw(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		return
	}
	var req models.DrawRequest
	if !bindJSON(c, &req, "invalid draw payload") {
		return
	}

	res, err := h.service.Draw(c.Request.Context(), claims.UserID, req.Grades)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// Current godoc
// @Summary Current draw result
// @Description Returns the caller's draw window and recorded result
// @Tags Draws
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Security BearerAuth
// @Router /draws/me [get]
func (h *DrawHandler) Current(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		return
	}

	status, err := h.service.Current(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}

// Reset godoc
// @Summary Reset a draw
// @Description Clears a user's draw result so they can draw again
// @Tags Draws
// @Produce json
// @Param id path string true "User ID"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Security BearerAuth
// @Router /users/{id}/reset-draw [post]
func (h *DrawHandler) Reset(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		return
	}

	if err := h.service.Reset(c.Request.Context(), c.Param("id"), claims.UserID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
