package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lesson-draw-api/internal/middleware"
	"github.com/noah-isme/lesson-draw-api/internal/models"
	appErrors "github.com/noah-isme/lesson-draw-api/pkg/errors"
	"github.com/noah-isme/lesson-draw-api/pkg/response"
)

// currentClaims writes 401 and returns false when the request is anonymous.
func currentClaims(c *gin.Context) (*models.JWTClaims, bool) {
	claims := middleware.Claims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return nil, false
	}
	return claims, true
}

func actorFromClaims(c *gin.Context, claims *models.JWTClaims) models.Actor {
	return models.Actor{
		ID:        claims.UserID,
		Role:      claims.Role,
		IP:        c.ClientIP(),
		UserAgent: c.GetHeader("User-Agent"),
	}
}

func bindJSON(c *gin.Context, dest interface{}, message string) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, message))
		return false
	}
	return true
}
