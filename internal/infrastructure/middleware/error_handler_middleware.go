package middleware

import (
	"net/http"

	"voicebox/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error. Node errors are mapped to their API code and status.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		appErr := errors.FromDomain(c.Errors.Last().Err)
		fields := []interface{}{
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"error", appErr.Error(),
		}
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("Request failed", fields...)
		} else {
			logger.Infow("Request rejected", fields...)
		}

		c.JSON(appErr.HTTPStatus, errorBody(appErr))
	}
}

func errorBody(appErr *errors.AppError) gin.H {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	return body
}

// abortWithError stops the chain and writes appErr in the same shape as
// ErrorHandlerMiddleware.
func abortWithError(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, errorBody(appErr))
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				abortWithError(c, errors.NewInternalError("Internal server error"))
			}
		}()

		c.Next()
	}
}
