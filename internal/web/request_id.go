package web

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// RequestID attaches an identifier to every request, honoring one supplied
// by the caller so widget-side logs can be correlated with server logs.
func RequestID() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		requestID := contextGin.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		contextGin.Set("request_id", requestID)
		contextGin.Header(requestIDHeader, requestID)
		contextGin.Next()
	}
}
