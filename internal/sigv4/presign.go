package sigv4

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

const (
	// MaxPresignExpiry is the longest validity SigV4 allows for a presigned
	// URL.
	MaxPresignExpiry = 7 * 24 * time.Hour

	// DefaultShareExpiry is used for share links when no expiry is given.
	DefaultShareExpiry = MaxPresignExpiry

	QueryAlgorithm     = "X-Amz-Algorithm"
	QueryCredential    = "X-Amz-Credential"
	QueryDate          = "X-Amz-Date"
	QueryExpires       = "X-Amz-Expires"
	QuerySignedHeaders = "X-Amz-SignedHeaders"
	QuerySignature     = "X-Amz-Signature"
	QuerySecurityToken = "X-Amz-Security-Token"
)

// Presign returns a GET URL for path that is authenticated by its query
// string and valid for expiresIn from now. creds and region fall back to the
// signer's provider and configured region when empty.
func (s *Signer) Presign(ctx context.Context, path string, expiresIn time.Duration, creds *aws.Credentials, region string) (string, error) {
	if expiresIn < 0 {
		return "", &SigningError{Field: "expires", Err: fmt.Errorf("negative expiry %s", expiresIn)}
	}
	if expiresIn > MaxPresignExpiry {
		return "", &SigningError{Field: "expires", Err: fmt.Errorf("expiry %s exceeds %s", expiresIn, MaxPresignExpiry)}
	}

	if region == "" {
		region = s.cfg.Region
	}
	if region == "" {
		return "", &SigningError{Field: "region"}
	}

	resolved, err := s.resolve(ctx, creds)
	if err != nil {
		return "", err
	}

	u, err := s.buildURL("", path, map[string]string{
		QueryExpires: strconv.FormatInt(int64(expiresIn/time.Second), 10),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", &SigningError{Field: "request", Err: err}
	}
	req.URL = u

	signed, _, err := s.signer.PresignHTTP(ctx, resolved, req, UnsignedPayload, "s3", region, s.cfg.Now().UTC())
	if err != nil {
		return "", &SigningError{Field: "signature", Err: err}
	}

	return signed, nil
}

// PresignedExpiry reports the instant a presigned URL stops being valid.
func PresignedExpiry(rawURL string) (time.Time, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return time.Time{}, err
	}

	q := u.Query()
	signedAt, err := time.Parse(TimeFormat, q.Get(QueryDate))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", QueryDate, err)
	}

	seconds, err := strconv.ParseInt(q.Get(QueryExpires), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", QueryExpires, err)
	}
	if seconds < 0 {
		return time.Time{}, fmt.Errorf("negative %s", QueryExpires)
	}

	return signedAt.Add(time.Duration(seconds) * time.Second), nil
}
