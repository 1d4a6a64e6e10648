package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// MaxBody rejects requests whose body exceeds limit bytes. A declared
// Content-Length over the limit is refused before any of the body is read;
// chunked bodies are capped by http.MaxBytesReader, which fails the handler's
// read once the limit is crossed.
func MaxBody(limit int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > limit {
			WriteBodyTooLarge(w, limit)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

// WriteBodyTooLarge writes the 413 response used for oversized payloads.
func WriteBodyTooLarge(w http.ResponseWriter, limit int64) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusRequestEntityTooLarge)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    "PAYLOAD_TOO_LARGE",
			"message": fmt.Sprintf("request body exceeds size limit of %d bytes", limit),
		},
	})
}
