package api

import (
	"encoding/json"
	"net/http"
	"regexp"

	"go.uber.org/zap"
)

// maxErrorMessageLength bounds error text returned to clients
const maxErrorMessageLength = 500

var (
	dsnPattern       = regexp.MustCompile(`(?:mysql|postgres|postgresql|sqlite|redis|clickhouse)://[^\s"']+`)
	secretPattern    = regexp.MustCompile(`(?i)(password|secret|token|key|credential)[:=]\s*["']?[^"'\s]+["']?`)
	privateIPPattern = regexp.MustCompile(`\b(?:10|127)(?:\.\d{1,3}){3}(?::\d{1,5})?\b|\b192\.168(?:\.\d{1,3}){2}(?::\d{1,5})?\b`)
)

// sanitizeErrorMessage removes connection strings, credentials and private addresses
// from error messages before sending them to clients
func sanitizeErrorMessage(message string) string {
	message = dsnPattern.ReplaceAllString(message, "[DATABASE_CONNECTION]")
	message = secretPattern.ReplaceAllString(message, "$1=[REDACTED]")
	message = privateIPPattern.ReplaceAllString(message, "[PRIVATE_IP]")

	if len(message) > maxErrorMessageLength {
		message = message[:maxErrorMessageLength-3] + "..."
	}
	return message
}

// writeError writes an error response to the client and logs it. Client errors are
// logged at warn level, server errors at error level.
func writeError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	if logger != nil {
		log := logger.Errorw
		if statusCode < http.StatusInternalServerError {
			log = logger.Warnw
		}
		if err != nil {
			log(message, "error", err.Error(), "status_code", statusCode)
		} else {
			log(message, "status_code", statusCode)
		}
	}

	text := message
	if err != nil && statusCode < http.StatusInternalServerError {
		text = message + ": " + err.Error()
	}
	writeJSON(w, statusCode, map[string]string{"error": sanitizeErrorMessage(text)}, logger)
}

// writeJSON encodes body as the response
func writeJSON(w http.ResponseWriter, statusCode int, body any, logger *zap.SugaredLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil && logger != nil {
		logger.Warnw("Failed to encode response", "error", err)
	}
}
