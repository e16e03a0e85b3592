package logging

import (
	"net/http"

	"github.com/felixge/httpsnoop"
	"go.uber.org/zap"
)

// AccessLog wraps handler and logs one line per completed request.
func AccessLog(logger *zap.Logger, handler http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		metrics := httpsnoop.CaptureMetrics(handler, writer, request)
		logger.Info("http request handled",
			zap.String("method", request.Method),
			zap.String("path", request.URL.Path),
			zap.Int("status", metrics.Code),
			zap.Int64("bytes", metrics.Written),
			zap.Duration("duration", metrics.Duration),
		)
	})
}
