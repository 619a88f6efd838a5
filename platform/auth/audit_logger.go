package auth

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Route params that identify the resources a request touched. Wildcard file
// paths and other free-form values stay out of the audit record.
var auditedParams = []string{"project_id", "version_id", "analysis_id", "issue_id", "comment_id", "user_id"}

// AuditLogger writes one JSON record per authenticated request: who acted,
// from where, and which projects, versions, or analyses were touched.
type AuditLogger struct {
	logger *slog.Logger
}

func NewAuditLogger(stream io.Writer) AuditLogger {
	return AuditLogger{logger: slog.New(slog.NewJSONHandler(stream, nil))}
}

func requestIp(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// First hop is the originating client.
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	return r.RemoteAddr
}

func touchedResources(r *http.Request) []interface{} {
	attrs := make([]interface{}, 0)

	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return attrs
	}

	for _, key := range auditedParams {
		if value := rctx.URLParam(key); value != "" {
			attrs = append(attrs, slog.String(key, value))
		}
	}
	return attrs
}

func (log *AuditLogger) Middleware(next http.Handler) http.Handler {
	handler := func(w http.ResponseWriter, r *http.Request) {
		user, err := UserFromContext(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		log.logger.Info("",
			"username", user.Username,
			"user_id", user.Id,
			"organization_id", user.OrganizationId,
			"client_ip", requestIp(r),
			"method", r.Method,
			"url", r.URL.Path,
			slog.Group("resources", touchedResources(r)...),
		)

		next.ServeHTTP(w, r)
	}
	return http.HandlerFunc(handler)
}
