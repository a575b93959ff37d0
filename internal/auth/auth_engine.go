package auth

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Errors returned by the engines once a request has been recognised as
// theirs. Callers map them onto S3 error codes.
var (
	ErrUnknownAccessKey  = errors.New("unknown access key")
	ErrSignatureMismatch = errors.New("signature does not match")
	ErrRequestExpired    = errors.New("request has expired")
	ErrInvalidToken      = errors.New("invalid security token")
	ErrMalformed         = errors.New("malformed authorization")
)

// User is the principal a request was authenticated as.
type User struct {
	AccessKeyID string

	// Owner is the account the key belongs to. Temporary keys issued by
	// AssumeRole resolve to the account that requested them.
	Owner string
}

// Secret is what a SecretStore knows about an access key.
type Secret struct {
	SecretAccessKey string

	// SessionToken is set for temporary credentials and must accompany
	// every request signed with them.
	SessionToken string

	Owner   string
	Expires time.Time
}

// SecretStore resolves access keys to their secrets. It returns
// ErrUnknownAccessKey for keys it does not know.
type SecretStore interface {
	LookupSecret(ctx context.Context, accessKeyID string) (Secret, error)
}

type AuthEngine interface {

	// AuthenticateRequest inspects the given HTTP request for valid
	// authentication credentials. It returns (nil, nil) when the request
	// carries no credentials this engine understands, a User when they are
	// valid, and an error when they are present but rejected.
	AuthenticateRequest(ctx context.Context, rq *http.Request) (*User, error)
}
