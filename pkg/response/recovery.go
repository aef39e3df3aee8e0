package response

import (
	"log"
	"net/http"
	"runtime/debug"

	apperrors "github.com/fund/execution/pkg/errors"
)

type statusWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

// RecoveryMiddleware 捕获 panic，返回安全的 500 响应
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusWriter{ResponseWriter: w}
		defer func() {
			if v := recover(); v != nil {
				log.Printf("panic recovered: %v request_id=%s\n%s", v, RequestIDFromRequest(r), string(debug.Stack()))
				if !wrapped.wroteHeader {
					WriteErrorCode(wrapped, r, apperrors.CodeInternal, "internal server error")
				}
			}
		}()
		next.ServeHTTP(wrapped, r)
	})
}
