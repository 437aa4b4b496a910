// Package handler 提供 HTTP 请求处理
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperr "github.com/eidos-exchange/eidos-escrow/pkg/errors"
	"github.com/eidos-exchange/eidos-escrow/pkg/logger"
)

// Response 统一响应结构
type Response struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Data    interface{}       `json:"data,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// PagedResponse 分页响应
type PagedResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
	Meta    PageMeta    `json:"meta"`
}

// PageMeta 分页元数据
type PageMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    "OK",
		Message: "success",
		Data:    data,
	})
}

// SuccessPaged 分页成功响应
func SuccessPaged(c *gin.Context, data interface{}, page, pageSize int, total int64) {
	c.JSON(http.StatusOK, PagedResponse{
		Code:    "OK",
		Message: "success",
		Data:    data,
		Meta: PageMeta{
			Page:     page,
			PageSize: pageSize,
			Total:    total,
		},
	})
}

// BadRequest 请求参数错误
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Code:    apperr.ErrInvalidRequest.Code,
		Message: message,
	})
}

// Error 业务错误按错误码映射 HTTP 状态，未知错误归为 500
func Error(c *gin.Context, err error) {
	bizErr := apperr.FromError(err)
	status := apperr.ToHTTPStatus(bizErr)
	if status >= http.StatusInternalServerError {
		logger.WithContext(c.Request.Context()).Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", bizErr.Code),
			zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, Response{
		Code:    bizErr.Code,
		Message: bizErr.Message,
		Details: bizErr.Details,
	})
}
