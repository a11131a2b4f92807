package util

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	requestIDHeader = "X-Request-Id"
	maxRequestIDLen = 128
)

type requestIDKey struct{}

// WithRequestID reuses a caller supplied X-Request-Id, or assigns a uuid,
// and echoes it on the response. Handlers below it log through a logger
// tagged with request_id and the service's http component.
func WithRequestID(service string, next http.Handler) http.Handler {
	component := strings.TrimSpace(service)
	if component == "" {
		component = "unknown"
	}
	component += "-http"
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := sanitizeRequestID(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		logger := LoggerFromContext(ctx).With("request_id", id, "component", component)
		next.ServeHTTP(w, r.WithContext(ContextWithLogger(ctx, logger)))
	})
}

// sanitizeRequestID drops ids that are too long or carry control characters.
func sanitizeRequestID(raw string) string {
	id := strings.TrimSpace(raw)
	if len(id) > maxRequestIDLen {
		return ""
	}
	for _, c := range id {
		if c < 0x20 || c == 0x7f {
			return ""
		}
	}
	return id
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	return RequestIDFromContext(r.Context())
}
