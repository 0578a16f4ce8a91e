package webapp

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"evidence-orchestrator/internal/domain/model"

	"github.com/gin-gonic/gin"
)

const actorHeader = "X-Actor"

type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteError 把错误分类映射为状态码。校验与冲突类错误原样返回消息，便于调用方修正输入。
func WriteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		WriteErrorCode(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, model.ErrValidation):
		WriteErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	case errors.Is(err, model.ErrCapacity):
		WriteErrorCode(c, http.StatusTooManyRequests, model.CodeCapacityExceeded, err.Error())
	case errors.Is(err, model.ErrLegalHold):
		WriteErrorCode(c, http.StatusConflict, "LEGAL_HOLD", err.Error())
	case errors.Is(err, model.ErrInvalidTransition):
		WriteErrorCode(c, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, model.ErrHashChain):
		WriteErrorCode(c, http.StatusConflict, "HASH_CHAIN_BROKEN", err.Error())
	case errors.Is(err, model.ErrUnsupported):
		WriteErrorCode(c, http.StatusUnprocessableEntity, model.CodeUnsupportedType, err.Error())
	case errors.Is(err, model.ErrConnection):
		WriteErrorCode(c, http.StatusBadGateway, model.CodeConnectionFailed, err.Error())
	default:
		WriteErrorCode(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func WriteErrorCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Code: code, Message: message})
}

// bindJSON 解析请求体；失败时已写出 400。
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		WriteErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid request body: "+err.Error())
		return false
	}
	return true
}

// bindOptionalJSON 与 bindJSON 相同，但允许空请求体。
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return bindJSON(c, dst)
}

// actor 依次取请求体中的 actor、X-Actor 头；都为空时交给编排器使用默认值。
func actor(c *gin.Context, fromBody string) string {
	if a := strings.TrimSpace(fromBody); a != "" {
		return a
	}
	return strings.TrimSpace(c.GetHeader(actorHeader))
}

func queryBool(c *gin.Context, name string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(c.Query(name)))
	return err == nil && v
}

func queryInt(c *gin.Context, name string, def int) int {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
