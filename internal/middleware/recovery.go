package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperr "github.com/eidos-exchange/eidos-escrow/pkg/errors"
	"github.com/eidos-exchange/eidos-escrow/pkg/logger"
)

// Recovery 捕获 panic，返回 500
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithContext(c.Request.Context()).Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":    apperr.ErrInternal.Code,
					"message": apperr.ErrInternal.Message,
				})
			}
		}()
		c.Next()
	}
}
