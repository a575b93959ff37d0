package web

import (
	"log/slog"
	"net/http"

	"s3console/internal/httplog"
)

// LogRequest is middleware that logs incoming HTTP requests.
func (s *Server) LogRequest(next http.Handler) http.Handler {
	return httplog.LogRequest(httplog.Options{
		Logger:       s.cfg.Logger,
		UserKey:      "username",
		SuccessLevel: slog.LevelInfo,
		User:         func(*http.Request) string { return s.client.Username() },
	}, next)
}

// RequireSession sends the browser to the login page when there is no
// usable session.
func (s *Server) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.signedIn() {
			redirect(w, r, "/login")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Recoverer(next http.Handler) http.Handler {
	return httplog.Recoverer(s.cfg.Logger, next)
}
