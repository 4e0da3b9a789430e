package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lesson-draw-api/internal/models"
	"github.com/noah-isme/lesson-draw-api/internal/service"
	"github.com/noah-isme/lesson-draw-api/pkg/response"
)

type userService interface {
	List(ctx context.Context, filter models.UserFilter) ([]models.User, *models.Pagination, error)
	Get(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, req service.CreateUserRequest, actor models.Actor) (*models.User, error)
	Update(ctx context.Context, id string, req service.UpdateUserRequest, actor models.Actor) (*models.User, error)
	ChangeRole(ctx context.Context, id string, req service.RoleRequest, actor models.Actor) (*models.User, error)
	SetWindow(ctx context.Context, id string, req service.WindowRequest, actor models.Actor) (*models.User, error)
	BulkSetWindow(ctx context.Context, req service.BulkWindowRequest, actor models.Actor) (int64, error)
	SetGradeRestriction(ctx context.Context, id string, req service.GradeRestrictionRequest, actor models.Actor) (*models.User, error)
	Delete(ctx context.Context, id string, actor models.Actor) error
}

// UserHandler handles roster administration endpoints.
type UserHandler struct {
	service userService
}

// NewUserHandler creates a new user handler.
func NewUserHandler(svc userService) *UserHandler {
	return &UserHandler{service: svc}
}

// List godoc
// @Summary List users
// @Description List users with pagination and filtering
// @Tags Users
// @Produce json
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Param role query string false "Role filter"
// @Param has_drawn query bool false "Draw state filter"
// @Param search query string false "Search term"
// @Param sort_by query string false "Sort by"
// @Param sort_order query string false "Sort order"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Security BearerAuth
// @Router /users [get]
func (h *UserHandler) List(c *gin.Context) {
	var filter models.UserFilter

	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("page_size", "50")); err == nil {
		filter.PageSize = size
	}
	if role := c.Query("role"); role != "" {
		r := models.ParseRole(role)
		filter.Role = &r
	}
	if drawn := c.Query("has_drawn"); drawn != "" {
		if val, err := strconv.ParseBool(drawn); err == nil {
			filter.HasDrawn = &val
		}
	}
	filter.Search = c.Query("search")
	filter.SortBy = c.Query("sort_by")
	filter.SortOrder = c.Query("sort_order")

	users, pagination, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, users, pagination)
}

// Get godoc
// @Summary Get user
// @Tags Users
// @Produce json
// @Param id path string true "User ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Security BearerAuth
// @Router /users/{id} [get]
func (h *UserHandler) Get(c *gin.Context) {
	user, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, user, nil)
}

// Create godoc
// @Summary Create user
// @Description Create a teacher account. Only administrators may create managers or administrators.
// @Tags Users
// @Accept json
// @Produce json
// @Param payload body service.CreateUserRequest true "Create user payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Security BearerAuth
// @Router /users [post]
func (h *UserHandler) Create(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		return
	}
	var req service.CreateUserRequest
	if !bindJSON(c, &req, "invalid payload") {
		return
	}

	user, err := h.service.Create(c.Request.Context(), req, actorFromClaims(c, claims))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, user)
}

// Update godoc
// @Summary Update user
// @Description Update profile fields and optionally the password
// @Tags Users
// @Accept json
// @Produce json
// @Param id path string true "User ID"
// @Param payload body service.UpdateUserRequest true "Update payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Security BearerAuth
// @Router /users/{id} [put]
func (h *UserHandler) Update(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		return
	}
	var req service.UpdateUserRequest
	if !bindJSON(c, &req, "invalid payload") {
		return
	}

	user, err := h.service.Update(c.Request.Context(), c.Param("id"), req, actorFromClaims(c, claims))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, user, nil)
}

// ChangeRole godoc
// @Summary Change role
// @Tags Users
// @Accept json
// @Produce json
// @Param id path string true "User ID"
// @Param payload body service.RoleRequest true "Role"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Security BearerAuth
// @Router /users/{id}/role [patch]
func (h *UserHandler) ChangeRole(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		return
	}
	var req service.RoleRequest
	if !bindJSON(c, &req, "invalid payload") {
		return
	}

	user, err := h.service.ChangeRole(c.Request.Context(), c.Param("id"), req, actorFromClaims(c, claims))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, user, nil)
}

// SetWindow godoc
// @Summary Set draw window
// @Tags Users
// @Accept json
// @Produce json
// @Param id path string true "User ID"
// @Param payload body service.WindowRequest true "Window"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Security BearerAuth
// @Router /users/{id}/window [patch]
func (h *UserHandler) SetWindow(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		return
	}
	var req service.WindowRequest
	if !bindJSON(c, &req, "invalid payload") {
		return
	}

	user, err := h.service.SetWindow(c.Request.Context(), c.Param("id"), req, actorFromClaims(c, claims))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, user, nil)
}

// BulkSetWindow godoc
// @Summary Set draw window for many users
// @Tags Users
// @Accept json
// @Produce json
// @Param payload body service.BulkWindowRequest true "Users and window"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Security BearerAuth
// @Router /users/bulk-window [post]
func (h *UserHandler) BulkSetWindow(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		return
	}
	var req service.BulkWindowRequest
	if !bindJSON(c, &req, "invalid payload") {
		return
	}

	updated, err := h.service.BulkSetWindow(c.Request.Context(), req, actorFromClaims(c, claims))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"updated": updated}, nil)
}

// SetGradeRestriction godoc
// @Summary Toggle single-grade restriction
// @Tags Users
// @Accept json
// @Produce json
// @Param id path string true "User ID"
// @Param payload body service.GradeRestrictionRequest true "Restriction"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /users/{id}/grade-restriction [patch]
func (h *UserHandler) SetGradeRestriction(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		return
	}
	var req service.GradeRestrictionRequest
	if !bindJSON(c, &req, "invalid payload") {
		return
	}

	user, err := h.service.SetGradeRestriction(c.Request.Context(), c.Param("id"), req, actorFromClaims(c, claims))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, user, nil)
}

// Delete godoc
// @Summary Delete user
// @Tags Users
// @Produce json
// @Param id path string true "User ID"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Security BearerAuth
// @Router /users/{id} [delete]
func (h *UserHandler) Delete(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		return
	}
	if err := h.service.Delete(c.Request.Context(), c.Param("id"), actorFromClaims(c, claims)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
