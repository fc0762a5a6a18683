package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sealtrack/webhook-service/internal/handler"
	"github.com/sealtrack/webhook-service/pkg/auth"
	apperrors "github.com/sealtrack/webhook-service/pkg/errors"
)

type AuthMiddleware struct {
	jwtService auth.JWTService
}

func NewAuthMiddleware(jwtService auth.JWTService) *AuthMiddleware {
	return &AuthMiddleware{jwtService: jwtService}
}

// Authenticate verifies the bearer token and sets caller info in context
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing authorization header"))
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid authorization format"))
			c.Abort()
			return
		}

		claims, err := m.jwtService.ValidateToken(parts[1])
		if err != nil {
			appErr := apperrors.Unauthorized(err)
			c.JSON(http.StatusUnauthorized, handler.NewErrorResponse(appErr.Message))
			c.Abort()
			return
		}

		c.Set("subject", claims.Subject)
		c.Set("organization_id", claims.OrganizationID)
		c.Next()
	}
}
