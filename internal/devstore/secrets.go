package devstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"s3console/internal/auth"
)

// LookupSecret resolves permanent user keys and STS session keys. Keys of
// disabled users, and sessions that expired or whose user is disabled, are
// unknown.
func (s *Server) LookupSecret(ctx context.Context, accessKeyID string) (auth.Secret, error) {
	var secretKey, status string
	err := s.Db.QueryRowContext(ctx,
		`SELECT secret_key, status FROM users WHERE access_key = ?`,
		accessKeyID,
	).Scan(&secretKey, &status)
	switch {
	case err == nil:
		if status != UserStatusOn {
			return auth.Secret{}, auth.ErrUnknownAccessKey
		}
		return auth.Secret{SecretAccessKey: secretKey, Owner: accessKeyID}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return auth.Secret{}, err
	}

	var (
		secret    auth.Secret
		expiresAt time.Time
	)
	err = s.Db.QueryRowContext(ctx,
		`SELECT s.secret_key, s.session_token, s.owner, s.expires_at, u.status
		 FROM sessions s JOIN users u ON u.access_key = s.owner
		 WHERE s.access_key = ?`,
		accessKeyID,
	).Scan(&secret.SecretAccessKey, &secret.SessionToken, &secret.Owner, &expiresAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Secret{}, auth.ErrUnknownAccessKey
	}
	if err != nil {
		return auth.Secret{}, err
	}

	if status != UserStatusOn || !s.now().Before(expiresAt) {
		return auth.Secret{}, auth.ErrUnknownAccessKey
	}
	secret.Expires = expiresAt
	return secret, nil
}

// purgeExpiredSessions removes sessions past their expiry.
func (s *Server) purgeExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.Db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, s.now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
