package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestLogger returns a Chi-compatible middleware that logs each request
// with method, path, status, and byte count using logger.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// parseUUID extracts and parses a UUID path parameter by name, writing a
// 400 and returning false if it is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// uuidParse is a bare wrapper used where the caller handles the error
// itself rather than writing a response directly.
func uuidParse(raw string) (uuid.UUID, error) {
	return uuid.Parse(raw)
}

// chiURLParam exposes chi.URLParam to sibling files without a repeated
// import alias.
func chiURLParam(r *http.Request, param string) string {
	return chi.URLParam(r, param)
}

// decodeJSONOptional decodes a request body that may be empty — an empty
// or absent body leaves dst at its zero value rather than erroring.
func decodeJSONOptional(r *http.Request, dst any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}
