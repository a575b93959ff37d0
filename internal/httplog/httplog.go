// Package httplog is the request logging and panic recovery middleware shared
// by the web console and the dev store.
package httplog

import (
	"log/slog"
	"net/http"
	"time"
)

// ResponseWriterWrapper is a wrapper around the default http.ResponseWriter.
// It intercepts the WriteHeader call and saves the response status code.
type ResponseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
}

// WriteHeader intercepts the status code and stores it, then calls the original WriteHeader.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write calls the underlying ResponseWriter's Write method.
func (w *ResponseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Flush lets streamed downloads reach the client as they are copied.
func (w *ResponseWriterWrapper) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type LogEntry struct {
	IP         string
	UserKey    string
	UserName   string
	Method     string
	URL        string
	Proto      string
	DurationMS float64
	StatusCode int
}

func (e LogEntry) User() slog.Attr {
	return slog.Group("user", "ip", e.IP, e.UserKey, e.UserName)
}

func (e LogEntry) Request() slog.Attr {
	return slog.Group("request",
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
	)
}

type Options struct {
	// Logger defaults to slog.Default() at request time.
	Logger *slog.Logger

	// UserKey names the caller attribute, e.g. "username".
	UserKey string

	// User returns the caller after the handler has run.
	User func(r *http.Request) string

	// SuccessLevel is used below status 400.
	SuccessLevel slog.Level
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// LogRequest is middleware that logs every request once it has been served:
// 5xx at error level, 4xx at warn level and the rest at opts.SuccessLevel.
func LogRequest(opts Options, next http.Handler) http.Handler {
	if opts.UserKey == "" {
		opts.UserKey = "user"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := LogEntry{
			IP:      r.RemoteAddr,
			UserKey: opts.UserKey,
			Method:  r.Method,
			URL:     r.URL.Path,
			Proto:   r.Proto,
		}

		writer := ResponseWriterWrapper{ResponseWriter: w}

		start := time.Now()
		next.ServeHTTP(&writer, r)
		elapsed := time.Since(start)

		if opts.User != nil {
			entry.UserName = opts.User(r)
		}
		entry.DurationMS = float64(elapsed) / float64(time.Millisecond)
		entry.StatusCode = writer.WrittenResponseCode

		level := opts.SuccessLevel
		switch {
		case writer.WrittenResponseCode >= 500:
			level = slog.LevelError
		case writer.WrittenResponseCode >= 400:
			level = slog.LevelWarn
		}
		opts.logger().LogAttrs(r.Context(), level, "Request", entry.User(), entry.Request())
	})
}

// Recoverer turns a handler panic into a 500 response.
func Recoverer(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// we don't recover http.ErrAbortHandler so the response
					// to the client is aborted, this should not be logged
					panic(rvr)
				}

				l := logger
				if l == nil {
					l = slog.Default()
				}
				l.ErrorContext(r.Context(), "Internal Error in HTTP handler", "error", rvr)

				if r.Header.Get("Connection") != "Upgrade" {
					w.WriteHeader(http.StatusInternalServerError)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}
