package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lesson-draw-api/internal/service"
	"github.com/noah-isme/lesson-draw-api/pkg/response"
)

type exportService interface {
	Results(ctx context.Context, req service.ExportRequest) (*service.ExportResult, error)
}

// ExportHandler serves the result sheet downloads.
type ExportHandler struct {
	service exportService
}

// NewExportHandler creates an export handler.
func NewExportHandler(svc exportService) *ExportHandler {
	return &ExportHandler{service: svc}
}

// Results godoc
// @Summary Download draw results
// @Description Result sheet of all non-admin users, or one user with user_id
// @Tags Exports
// @Produce text/csv
// @Produce application/pdf
// @Param format query string false "csv or pdf" default(csv)
// @Param user_id query string false "Single user"
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Security BearerAuth
// @Router /exports/results [get]
func (h *ExportHandler) Results(c *gin.Context) {
	res, err := h.service.Results(c.Request.Context(), service.ExportRequest{
		Format: c.DefaultQuery("format", service.ExportFormatCSV),
		UserID: c.Query("user_id"),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, res.Filename, res.ContentType, res.Body)
}
