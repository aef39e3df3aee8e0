// Package response HTTP 响应与请求中间件
package response

import (
	"encoding/json"
	"net/http"
	"strings"

	apperrors "github.com/fund/execution/pkg/errors"
)

// Envelope 成功响应
type Envelope struct {
	Code      string      `json:"code"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// RequestIDFromRequest 从请求头提取请求 ID
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
	if reqID == "" {
		reqID = strings.TrimSpace(r.Header.Get("X-Request-ID"))
	}
	return reqID
}

// WriteSuccess 输出成功响应
func WriteSuccess(w http.ResponseWriter, r *http.Request, data interface{}) {
	writeJSON(w, http.StatusOK, &Envelope{
		Code:      string(apperrors.CodeOK),
		Data:      data,
		RequestID: RequestIDFromRequest(r),
	})
}

// WriteError 按错误分类输出结构化错误
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if w == nil || err == nil {
		return
	}
	code := apperrors.CodeOf(err)
	payload := apperrors.New(code, err.Error())
	if reqID := RequestIDFromRequest(r); reqID != "" {
		payload.RequestID = reqID
	}
	writeJSON(w, payload.HTTPStatus(), payload)
}

// WriteErrorCode 按错误码输出
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code apperrors.Code, message string) {
	WriteError(w, r, apperrors.New(code, message))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
