package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lesson-draw-api/internal/models"
	"github.com/noah-isme/lesson-draw-api/pkg/response"
)

type syncService interface {
	Pull(ctx context.Context, actorID string) (*models.SyncSummary, error)
}

// SyncHandler triggers spreadsheet synchronization.
type SyncHandler struct {
	service syncService
}

// NewSyncHandler creates a sync handler.
func NewSyncHandler(svc syncService) *SyncHandler {
	return &SyncHandler{service: svc}
}

// Pull godoc
// @Summary Pull from spreadsheet
// @Description Replaces roster, lessons and classrooms with the spreadsheet contents
// @Tags Sync
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Security BearerAuth
// @Router /sync/pull [post]
func (h *SyncHandler) Pull(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		return
	}
	summary, err := h.service.Pull(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}
