package middleware

import (
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// compressibleTypes lists the response types worth compressing. MPEG-TS
// segments are already compressed and are served as-is.
var compressibleTypes = []string{
	"application/json",
	"application/problem+json",
	"application/vnd.apple.mpegurl",
	"application/x-mpegurl",
	"text/html",
	"text/plain",
}

// Compress returns a compression middleware offering brotli alongside gzip
// and deflate. Brotli wins when the client accepts it.
func Compress(level int) func(http.Handler) http.Handler {
	c := chimiddleware.NewCompressor(level, compressibleTypes...)
	c.SetEncoder("br", func(w io.Writer, level int) io.Writer {
		return brotli.NewWriterLevel(w, brotliLevel(level))
	})
	return c.Handler
}

// brotliLevel maps a gzip style level (1-9) onto brotli's 0-11 range.
func brotliLevel(level int) int {
	switch {
	case level < 0:
		return brotli.DefaultCompression
	case level > brotli.BestCompression:
		return brotli.BestCompression
	default:
		return level
	}
}
