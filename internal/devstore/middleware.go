package devstore

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"s3console/internal/auth"
	"s3console/internal/httplog"
)

type contextKey struct{}

// UserFromContext returns the authenticated user of a request, or nil.
func UserFromContext(ctx context.Context) *auth.User {
	user, _ := ctx.Value(contextKey{}).(*auth.User)
	return user
}

func withUser(ctx context.Context, user *auth.User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// LogRequest is middleware that logs incoming HTTP requests.
func (s *Server) LogRequest(next http.Handler) http.Handler {
	logged := httplog.LogRequest(httplog.Options{
		UserKey:      "access_key",
		SuccessLevel: slog.LevelDebug,
		User: func(r *http.Request) string {
			if holder, ok := r.Context().Value(holderKey{}).(*auth.User); ok {
				return holder.AccessKeyID
			}
			return ""
		},
	}, next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The authentication middleware runs inside this one and reports
		// the caller back through the holder.
		holder := &auth.User{}
		logged.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), holderKey{}, holder)))
	})
}

type holderKey struct{}

// RequireAuthentication is middleware that rejects requests without valid
// credentials and stores the caller in the request context.
func (s *Server) RequireAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		ctx := r.Context()

		user, err := s.Config.Authenticator.AuthenticateRequest(ctx, r)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		if user == nil {
			writeAccessDenied(w, r)
			return
		}

		if holder, ok := ctx.Value(holderKey{}).(*auth.User); ok {
			*holder = *user
		}

		next.ServeHTTP(w, r.WithContext(withUser(ctx, user)))
	})
}

// writeAuthError maps a rejection from the auth engines onto the S3 error
// clients expect.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrUnknownAccessKey):
		writeS3Error(w, "InvalidAccessKeyId", "The Access Key Id you provided does not exist in our records.", r.URL.Path, http.StatusForbidden)
	case errors.Is(err, auth.ErrInvalidToken):
		writeS3Error(w, "InvalidToken", "The provided token is malformed or otherwise invalid.", r.URL.Path, http.StatusForbidden)
	case errors.Is(err, auth.ErrSignatureMismatch):
		writeS3Error(w, "SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided. Check your key and signing method.", r.URL.Path, http.StatusForbidden)
	case errors.Is(err, auth.ErrRequestExpired):
		writeS3Error(w, "AccessDenied", "Request has expired", r.URL.Path, http.StatusForbidden)
	case errors.Is(err, auth.ErrMalformed):
		writeS3Error(w, "AuthorizationHeaderMalformed", err.Error(), r.URL.Path, http.StatusBadRequest)
	default:
		slog.Error("Authenticate request", "err", err)
		writeInternalError(w, r)
	}
}

// SlashFix collapses doubled slashes. A trailing slash is dropped only from
// bucket paths so that folder keys such as "photos/" survive.
func (s *Server) SlashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for strings.Contains(r.URL.Path, "//") {
			r.URL.Path = strings.ReplaceAll(r.URL.Path, "//", "/")
		}

		trimmed := strings.Trim(r.URL.Path, "/")
		if trimmed != "" && !strings.Contains(trimmed, "/") {
			r.URL.Path = "/" + trimmed
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Recoverer(next http.Handler) http.Handler {
	return httplog.Recoverer(nil, next)
}
