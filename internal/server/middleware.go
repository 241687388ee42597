package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/windsayl/internal/auth"
	"github.com/MarcoPoloResearchLab/windsayl/internal/users"
)

const accessTokenQueryParameter = "access_token"

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.ExtractBearerToken(c.GetHeader("Authorization"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	h.authorizeToken(c, token)
}

// authorizeStream also accepts the token as a query parameter since EventSource cannot set headers.
func (h *httpHandler) authorizeStream(c *gin.Context) {
	token, err := auth.ExtractBearerToken(c.GetHeader("Authorization"))
	if err != nil {
		token = c.Query(accessTokenQueryParameter)
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	h.authorizeToken(c, token)
}

func (h *httpHandler) authorizeToken(c *gin.Context, token string) {
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unauthorized"})
		return
	}

	actor, err := h.users.FindActorByUserID(c.Request.Context(), claims.Subject)
	if errors.Is(err, users.ErrActorNotFound) {
		h.logger.Warn("token subject has no profile", zap.String("user_id", claims.Subject))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unauthorized"})
		return
	}
	if err != nil {
		h.writeError(c, err)
		c.Abort()
		return
	}
	c.Set(actorContextKey, actor)
	c.Next()
}

func actorFromContext(c *gin.Context) (users.Actor, bool) {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return users.Actor{}, false
	}
	actor, ok := value.(users.Actor)
	return actor, ok
}
