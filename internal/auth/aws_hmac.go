package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"s3console/internal/sigv4"
)

const (
	AWSv4Prefix    = "AWS4-HMAC-SHA256 "
	AWSv4Algorithm = "AWS4-HMAC-SHA256"
)

type AwsHmacAuthEngine struct {
	Secrets SecretStore
}

// NewAwsHmacAuthEngine creates an engine verifying SigV4 Authorization
// headers against secrets.
func NewAwsHmacAuthEngine(secrets SecretStore) *AwsHmacAuthEngine {
	return &AwsHmacAuthEngine{Secrets: secrets}
}

func canonicalQueryString(u *url.URL, exclude string) string {
	if u.RawQuery == "" {
		return ""
	}

	values := u.Query()
	if exclude != "" {
		values.Del(exclude)
	}
	return sigv4.CanonicalQuery(values)
}

func canonicalHeaderValue(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	fields := strings.Fields(v)
	return strings.Join(fields, " ")
}

// BuildCanonicalRequest assembles the SigV4 canonical request for r. The URI
// is the decoded path escaped once, which is how S3 clients sign. The query
// parameter named by excludeQuery, if any, is left out.
func BuildCanonicalRequest(r *http.Request, signedHeaderNames []string, payloadHash string, excludeQuery string) string {
	canonicalURI := sigv4.EscapePath(r.URL.Path)
	if canonicalURI == "" {
		canonicalURI = "/"
	}
	canonicalQS := canonicalQueryString(r.URL, excludeQuery)

	// Headers
	lowerNames := make([]string, len(signedHeaderNames))
	for i, h := range signedHeaderNames {
		lowerNames[i] = strings.ToLower(strings.TrimSpace(h))
	}

	var hdrBuilder strings.Builder
	for _, name := range lowerNames {
		if name == "" {
			continue
		}
		var value string
		switch name {
		case "host":
			value = r.Host
			if value == "" {
				value = r.URL.Host
			}
		case "content-length":
			value = r.Header.Get(name)
			if value == "" && r.ContentLength >= 0 {
				value = strconv.FormatInt(r.ContentLength, 10)
			}
		default:
			value = strings.Join(r.Header.Values(name), ",")
		}
		value = canonicalHeaderValue(value)
		hdrBuilder.WriteString(name)
		hdrBuilder.WriteString(":")
		hdrBuilder.WriteString(value)
		hdrBuilder.WriteString("\n")
	}
	canonicalHeaders := hdrBuilder.String()
	canonicalSignedHeaders := strings.Join(lowerNames, ";")

	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteString("\n")
	b.WriteString(canonicalURI)
	b.WriteString("\n")
	b.WriteString(canonicalQS)
	b.WriteString("\n")
	b.WriteString(canonicalHeaders)
	b.WriteString("\n")
	b.WriteString(canonicalSignedHeaders)
	b.WriteString("\n")
	b.WriteString(payloadHash)

	return b.String()
}

func HmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// credentialScope is the parsed form of "AKID/20250101/us-east-1/s3/aws4_request".
type credentialScope struct {
	AccessKeyID string
	DateStamp   string
	Region      string
	Service     string
}

func parseCredential(s string) (credentialScope, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 5 || parts[4] != "aws4_request" {
		return credentialScope{}, fmt.Errorf("%w: credential %q", ErrMalformed, s)
	}
	if parts[0] == "" || parts[2] == "" || parts[3] == "" {
		return credentialScope{}, fmt.Errorf("%w: credential %q", ErrMalformed, s)
	}
	return credentialScope{
		AccessKeyID: parts[0],
		DateStamp:   parts[1],
		Region:      parts[2],
		Service:     parts[3],
	}, nil
}

func (c credentialScope) String() string {
	return strings.Join([]string{c.DateStamp, c.Region, c.Service, "aws4_request"}, "/")
}

// computeSignature derives the signing key and signs canonicalReq.
func computeSignature(secret string, scope credentialScope, amzDate string, canonicalReq string) []byte {
	crHash := sha256.Sum256([]byte(canonicalReq))
	crHashHex := hex.EncodeToString(crHash[:])

	var stsBuilder strings.Builder
	stsBuilder.WriteString(AWSv4Algorithm)
	stsBuilder.WriteString("\n")
	stsBuilder.WriteString(amzDate)
	stsBuilder.WriteString("\n")
	stsBuilder.WriteString(scope.String())
	stsBuilder.WriteString("\n")
	stsBuilder.WriteString(crHashHex)
	stringToSign := stsBuilder.String()

	kSecret := []byte("AWS4" + secret)
	kDate := HmacSHA256(kSecret, scope.DateStamp)
	kRegion := HmacSHA256(kDate, scope.Region)
	kService := HmacSHA256(kRegion, scope.Service)
	kSigning := HmacSHA256(kService, "aws4_request")
	return HmacSHA256(kSigning, stringToSign)
}

// checkSignature compares the hex signature sent by the client with the
// expected one.
func checkSignature(expected []byte, signatureHex string) error {
	decodedSignature, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrMalformed)
	}
	if !hmac.Equal(expected, decodedSignature) {
		return ErrSignatureMismatch
	}
	return nil
}

// AuthenticateRequest verifies a SigV4 Authorization header. Requests
// without one are not this engine's concern.
func (e *AwsHmacAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, AWSv4Prefix) {
		return nil, nil
	}
	params := strings.TrimSpace(strings.TrimPrefix(auth, AWSv4Prefix))
	parts := strings.Split(params, ",")
	kv := make(map[string]string, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		idx := strings.IndexByte(p, '=')
		if idx <= 0 {
			continue
		}
		k := p[:idx]
		v := p[idx+1:]
		kv[k] = strings.TrimSpace(v)
	}

	credStr, okCred := kv["Credential"]
	signedHeadersStr, okSigned := kv["SignedHeaders"]
	signatureHex, okSig := kv["Signature"]
	if !okCred || !okSigned || !okSig {
		return nil, fmt.Errorf("%w: incomplete authorization header", ErrMalformed)
	}

	scope, err := parseCredential(credStr)
	if err != nil {
		return nil, err
	}

	amzDate := r.Header.Get(sigv4.HeaderDate)
	if amzDate == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformed, sigv4.HeaderDate)
	}

	secret, err := e.Secrets.LookupSecret(ctx, scope.AccessKeyID)
	if err != nil {
		return nil, err
	}
	if secret.SessionToken != "" && r.Header.Get(sigv4.HeaderSecurityToken) != secret.SessionToken {
		return nil, ErrInvalidToken
	}

	// A missing content hash header means the client signed the empty
	// payload.
	payloadHash := r.Header.Get(sigv4.HeaderContentSHA256)
	if payloadHash == "" {
		payloadHash = sigv4.EmptyPayloadHash
	}

	signedHeaderNames := strings.Split(signedHeadersStr, ";")
	canonicalReq := BuildCanonicalRequest(r, signedHeaderNames, payloadHash, "")
	computed := computeSignature(secret.SecretAccessKey, scope, amzDate, canonicalReq)

	if err := checkSignature(computed, signatureHex); err != nil {
		return nil, err
	}

	return &User{
		AccessKeyID: scope.AccessKeyID,
		Owner:       secret.Owner,
	}, nil
}

// AwsPresignAuthEngine verifies query-string (presigned) SigV4 requests.
type AwsPresignAuthEngine struct {
	Secrets SecretStore
	Now     func() time.Time
}

// NewAwsPresignAuthEngine creates an engine verifying presigned URLs.
func NewAwsPresignAuthEngine(secrets SecretStore) *AwsPresignAuthEngine {
	return &AwsPresignAuthEngine{Secrets: secrets, Now: time.Now}
}

// AuthenticateRequest verifies X-Amz-* query authentication, including the
// X-Amz-Expires window. A URL is valid strictly before date+expires.
func (e *AwsPresignAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	q := r.URL.Query()
	if q.Get(sigv4.QueryAlgorithm) == "" || !q.Has(sigv4.QuerySignature) {
		return nil, nil
	}
	if q.Get(sigv4.QueryAlgorithm) != AWSv4Algorithm {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformed, q.Get(sigv4.QueryAlgorithm))
	}

	scope, err := parseCredential(q.Get(sigv4.QueryCredential))
	if err != nil {
		return nil, err
	}

	amzDate := q.Get(sigv4.QueryDate)
	signedAt, err := time.Parse(sigv4.TimeFormat, amzDate)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, sigv4.QueryDate)
	}
	seconds, err := strconv.ParseInt(q.Get(sigv4.QueryExpires), 10, 64)
	if err != nil || seconds < 0 || seconds > int64(sigv4.MaxPresignExpiry/time.Second) {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, sigv4.QueryExpires)
	}

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	if !now().Before(signedAt.Add(time.Duration(seconds) * time.Second)) {
		return nil, ErrRequestExpired
	}

	secret, err := e.Secrets.LookupSecret(ctx, scope.AccessKeyID)
	if err != nil {
		return nil, err
	}
	if secret.SessionToken != "" && q.Get(sigv4.QuerySecurityToken) != secret.SessionToken {
		return nil, ErrInvalidToken
	}

	payloadHash := q.Get(sigv4.HeaderContentSHA256)
	if payloadHash == "" {
		payloadHash = sigv4.UnsignedPayload
	}

	signedHeaderNames := strings.Split(q.Get(sigv4.QuerySignedHeaders), ";")
	canonicalReq := BuildCanonicalRequest(r, signedHeaderNames, payloadHash, sigv4.QuerySignature)
	computed := computeSignature(secret.SecretAccessKey, scope, amzDate, canonicalReq)

	if err := checkSignature(computed, q.Get(sigv4.QuerySignature)); err != nil {
		return nil, err
	}

	return &User{
		AccessKeyID: scope.AccessKeyID,
		Owner:       secret.Owner,
	}, nil
}
