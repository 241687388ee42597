package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/windsayl/internal/apperrors"
)

const (
	codeUnclassified    = "server.unclassified"
	messageInternal     = "Something went wrong, please try again"
	messageInvalidJSON  = "Invalid request body"
	messageUnauthorized = "unauthorized"
)

// handle adapts an error-returning handler to gin and writes classified errors.
func (h *httpHandler) handle(fn func(c *gin.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(c); err != nil {
			h.writeError(c, err)
		}
	}
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	classified, ok := apperrors.As(err)
	if !ok {
		h.logger.Error("unclassified handler error",
			zap.String("route", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": messageInternal, "code": codeUnclassified})
		return
	}

	status := classified.Kind().HTTPStatus()
	switch classified.Kind() {
	case apperrors.KindInternal:
		h.logger.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.String("code", classified.Code()),
			zap.Error(classified.Unwrap()))
		c.JSON(status, gin.H{"error": messageInternal, "code": classified.Code()})
	case apperrors.KindValidation:
		c.JSON(status, classified.Fields())
	case apperrors.KindForbidden:
		if fields := classified.Fields(); len(fields) > 0 {
			c.JSON(status, fields)
			return
		}
		c.JSON(status, gin.H{"error": classified.Message()})
	default:
		c.JSON(status, gin.H{"error": classified.Message()})
	}
}

func invalidRequestBody(operation string) error {
	return apperrors.Validation(operation+".invalid_body", map[string]string{"error": messageInvalidJSON})
}

func missingActor() error {
	return apperrors.Unauthenticated("server.missing_actor", messageUnauthorized)
}
