package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/middleware"
)

// sensitiveFields never reach log lines. Gateway access tokens, webhook
// secrets and anything card-shaped get masked on both requests and responses.
var sensitiveFields = []string{
	"authorization",
	"token",
	"access_token",
	"customer_token",
	"secret",
	"webhook_secret",
	"api_key",
	"signature",
	"credential",
	"card_number",
	"cvv",
	"auth",
}

// maxLoggedBody caps how much of a payload one log line carries; gateway
// callbacks can embed full QR payloads.
const maxLoggedBody = 4096

func LoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := middleware.GetReqID(r.Context())

			var reqBody []byte
			if r.Body != nil {
				reqBody, _ = io.ReadAll(r.Body)
				r.Body = io.NopCloser(bytes.NewBuffer(reqBody))
			}

			logger.Info("incoming request",
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"query", r.URL.RawQuery,
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
				"headers", redactHeaders(r.Header),
				"body", redactBody(reqBody))

			ww := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}}
			next.ServeHTTP(ww, r)

			status := ww.statusCode
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "response",
				"request_id", reqID,
				"status_code", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"response_size", ww.body.Len(),
				"body", redactBody(ww.body.Bytes()))
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (rw *responseRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseRecorder) Write(b []byte) (int, error) {
	if rw.body.Len() < maxLoggedBody {
		rw.body.Write(b[:min(len(b), maxLoggedBody-rw.body.Len())])
	}
	return rw.ResponseWriter.Write(b)
}

func isSensitiveName(name string) bool {
	lower := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

func redactHeaders(headers http.Header) map[string]string {
	redacted := make(map[string]string, len(headers))
	for name, values := range headers {
		if isSensitiveName(name) {
			redacted[name] = "[REDACTED]"
			continue
		}
		redacted[name] = strings.Join(values, ", ")
	}
	return redacted
}

// redactBody masks sensitive JSON fields; non-JSON payloads are logged only
// when no sensitive name appears anywhere in them.
func redactBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if len(body) > maxLoggedBody {
		body = body[:maxLoggedBody]
	}

	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		if isSensitiveName(string(body)) {
			return "[REDACTED]"
		}
		return string(body)
	}

	redactedBytes, err := json.Marshal(redactJSON(parsed))
	if err != nil {
		return "[REDACTED]"
	}
	return string(redactedBytes)
}

func redactJSON(data interface{}) interface{} {
	switch v := data.(type) {
	case map[string]interface{}:
		redacted := make(map[string]interface{}, len(v))
		for key, value := range v {
			if isSensitiveName(key) {
				redacted[key] = "[REDACTED]"
				continue
			}
			redacted[key] = redactJSON(value)
		}
		return redacted
	case []interface{}:
		redacted := make([]interface{}, len(v))
		for i, item := range v {
			redacted[i] = redactJSON(item)
		}
		return redacted
	default:
		return v
	}
}
