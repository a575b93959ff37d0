package devstore

import (
	"context"
	"encoding/xml"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"s3console/internal/s3xml"

	"github.com/google/uuid"
)

const (
	minSessionDuration     = 15 * time.Minute
	defaultSessionDuration = time.Hour
)

// writeSTSError writes an STS style ErrorResponse document.
func writeSTSError(w http.ResponseWriter, code string, message string, status int) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(s3xml.ErrorResponse{
		XMLNS: s3xml.STSNamespace,
		Error: s3xml.STSError{
			Type:    "Sender",
			Code:    code,
			Message: message,
		},
		RequestID: uuid.NewString(),
	})
}

// handleRootPost serves the STS query API on POST /.
func (s *Server) handleRootPost(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeSTSError(w, "InvalidParameterValue", "The request body could not be parsed.", http.StatusBadRequest)
		return
	}

	switch action := r.Form.Get("Action"); action {
	case "AssumeRole":
		s.handleAssumeRole(ctx, w, r)
	default:
		writeSTSError(w, "InvalidAction", "Could not find operation "+action+".", http.StatusBadRequest)
	}
}

// handleAssumeRole issues temporary credentials for the calling user.
func (s *Server) handleAssumeRole(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(ctx)
	if user == nil || user.AccessKeyID != user.Owner {
		writeSTSError(w, "AccessDenied", "Temporary credentials cannot assume a role.", http.StatusForbidden)
		return
	}

	duration := defaultSessionDuration
	if raw := r.Form.Get("DurationSeconds"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			writeSTSError(w, "InvalidParameterValue", "DurationSeconds must be a number.", http.StatusBadRequest)
			return
		}
		duration = time.Duration(seconds) * time.Second
	}
	if duration < minSessionDuration || duration > MaxSessionDuration {
		writeSTSError(w, "ValidationError", "DurationSeconds is out of range.", http.StatusBadRequest)
		return
	}

	if n, err := s.purgeExpiredSessions(ctx); err != nil {
		slog.Warn("Purge expired sessions", "err", err)
	} else if n > 0 {
		slog.Debug("Purged expired sessions", "count", n)
	}

	creds := s3xml.STSCredentials{
		AccessKeyID:     "ASIA" + strings.ToUpper(randomToken()[:16]),
		SecretAccessKey: randomToken() + randomToken()[:8],
		SessionToken:    uuid.NewString(),
	}
	expires := s.now().Add(duration)
	creds.Expiration = expires.Format(time.RFC3339)

	_, err := s.Db.ExecContext(ctx,
		`INSERT INTO sessions(access_key, secret_key, session_token, owner, expires_at) VALUES(?, ?, ?, ?, ?)`,
		creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken, user.Owner, expires,
	)
	if err != nil {
		slog.Error("Store session", "owner", user.Owner, "err", err)
		writeSTSError(w, "InternalFailure", "The session could not be stored.", http.StatusInternalServerError)
		return
	}

	slog.Info("Session issued", "owner", user.Owner, "access_key", creds.AccessKeyID, "expires", expires)

	resp := s3xml.AssumeRoleResponse{
		XMLNS:            s3xml.STSNamespace,
		Result:           s3xml.AssumeRoleResult{Credentials: creds},
		ResponseMetadata: s3xml.ResponseMetadata{RequestID: uuid.NewString()},
	}
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode AssumeRole XML", "err", err)
	}
}

// randomToken returns 32 random hex characters.
func randomToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
