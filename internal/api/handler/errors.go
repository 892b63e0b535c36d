package handler

import (
	"errors"

	"cv-shortlister/internal/processor"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// ErrorResponse 错误响应体
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// StatusFor 把筛选错误映射为 HTTP 状态码与对外说明，不暴露内部细节
func StatusFor(err error) (int, string) {
	var se *processor.ShortlistError
	if !errors.As(err, &se) {
		return consts.StatusInternalServerError, "Internal server error"
	}
	switch se.Kind {
	case processor.ErrInvalidRequest, processor.ErrNoContentExtracted:
		return consts.StatusBadRequest, se.PublicMessage()
	case processor.ErrConfiguration:
		return consts.StatusInternalServerError, se.PublicMessage()
	case processor.ErrProviderFailed:
		return consts.StatusBadGateway, se.PublicMessage()
	default:
		return consts.StatusInternalServerError, "Internal server error"
	}
}

func writeError(c *app.RequestContext, status int, detail string) {
	c.JSON(status, ErrorResponse{Detail: detail})
}
