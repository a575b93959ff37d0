package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
)

// BasicAuthEngine accepts HTTP Basic credentials of the form
// accessKey:secretKey. It exists for curl-friendly access to the
// development store.
type BasicAuthEngine struct {
	Secrets SecretStore
}

// NewBasicAuthEngine creates a BasicAuthEngine backed by secrets.
func NewBasicAuthEngine(secrets SecretStore) *BasicAuthEngine {
	return &BasicAuthEngine{Secrets: secrets}
}

// AuthenticateRequest checks the Authorization header for valid Basic Auth
// credentials. Temporary keys are refused because Basic carries no token.
func (e *BasicAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	accessKey, pass, ok := r.BasicAuth()
	if !ok {
		return nil, nil
	}

	secret, err := e.Secrets.LookupSecret(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	if secret.SessionToken != "" {
		return nil, ErrInvalidToken
	}

	if subtle.ConstantTimeCompare([]byte(pass), []byte(secret.SecretAccessKey)) != 1 {
		return nil, ErrSignatureMismatch
	}

	return &User{
		AccessKeyID: accessKey,
		Owner:       secret.Owner,
	}, nil
}
