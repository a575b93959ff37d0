package sigv4

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

const (
	// EmptyPayloadHash is the hex SHA-256 of the empty string.
	EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	UnsignedPayload  = "UNSIGNED-PAYLOAD"

	HeaderDate          = "X-Amz-Date"
	HeaderContentSHA256 = "X-Amz-Content-Sha256"
	HeaderSecurityToken = "X-Amz-Security-Token"
	HeaderMetaPrefix    = "X-Amz-Meta-"

	// TimeFormat is the layout of X-Amz-Date.
	TimeFormat = "20060102T150405Z"
	// ShortTimeFormat is the layout of the credential scope date.
	ShortTimeFormat = "20060102"
)

// Request describes a call to the storage service before it is signed.
// Path is relative to the configured endpoint and never carries a host.
type Request struct {
	Service  string
	Method   string
	Protocol string
	Path     string
	Query    map[string]string

	ContentType string
	Meta        map[string]string
	Header      http.Header
	Body        []byte

	// Region overrides the signer's configured region when set.
	Region string

	// ApplyChecksum attaches X-Amz-Content-Sha256 and signs the real payload
	// hash. When false the empty payload hash is signed and the header is
	// omitted.
	ApplyChecksum bool

	// Credentials overrides the provider for this call only.
	Credentials *aws.Credentials
}

// SignedRequest is a signed HTTP request ready for a single send.
type SignedRequest struct {
	*http.Request
	Payload []byte
}

// SigningError reports a missing or invalid signing input. Calls failing
// with it are never transmitted.
type SigningError struct {
	Field string
	Err   error
}

func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sign request: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("sign request: %s is not set", e.Field)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

type Config struct {
	Endpoint    string
	Region      string
	Credentials aws.CredentialsProvider
	Now         func() time.Time
}

type Option func(*Config)

// WithEndpoint sets the scheme and host requests are signed for, such as
// "http://127.0.0.1:9000".
func WithEndpoint(endpoint string) Option {
	return func(cfg *Config) {
		cfg.Endpoint = endpoint
	}
}

func WithRegion(region string) Option {
	return func(cfg *Config) {
		cfg.Region = region
	}
}

// WithCredentials sets the provider consulted when a request carries no
// credential override.
func WithCredentials(provider aws.CredentialsProvider) Option {
	return func(cfg *Config) {
		cfg.Credentials = provider
	}
}

func WithClock(now func() time.Time) Option {
	return func(cfg *Config) {
		cfg.Now = now
	}
}

// Signer produces SigV4 signed requests and presigned URLs.
type Signer struct {
	cfg    Config
	signer *v4.Signer
}

func NewSigner(opts ...Option) *Signer {
	cfg := Config{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Signer{
		cfg: cfg,
		signer: v4.NewSigner(func(o *v4.SignerOptions) {
			// Paths are escaped once by buildURL.
			o.DisableURIPathEscaping = true
		}),
	}
}

// Region returns the configured default region.
func (s *Signer) Region() string {
	return s.cfg.Region
}

// Endpoint returns the configured endpoint.
func (s *Signer) Endpoint() string {
	return s.cfg.Endpoint
}

// Sign builds and signs req.
func (s *Signer) Sign(ctx context.Context, req Request) (*SignedRequest, error) {
	if req.Service == "" {
		return nil, &SigningError{Field: "service"}
	}

	region := req.Region
	if region == "" {
		region = s.cfg.Region
	}
	if region == "" {
		return nil, &SigningError{Field: "region"}
	}

	creds, err := s.resolve(ctx, req.Credentials)
	if err != nil {
		return nil, err
	}

	u, err := s.buildURL(req.Protocol, req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, &SigningError{Field: "request", Err: err}
	}
	httpReq.URL = u

	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	for k, v := range req.Meta {
		httpReq.Header.Set(HeaderMetaPrefix+k, v)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	payloadHash := EmptyPayloadHash
	if req.ApplyChecksum {
		if len(req.Body) > 0 {
			payloadHash = PayloadHash(req.Body)
		}
		httpReq.Header.Set(HeaderContentSHA256, payloadHash)
	}

	if err := s.signer.SignHTTP(ctx, creds, httpReq, payloadHash, req.Service, region, s.cfg.Now().UTC()); err != nil {
		return nil, &SigningError{Field: "signature", Err: err}
	}

	return &SignedRequest{Request: httpReq, Payload: req.Body}, nil
}

// PayloadHash returns the hex SHA-256 of body.
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func (s *Signer) resolve(ctx context.Context, override *aws.Credentials) (aws.Credentials, error) {
	var creds aws.Credentials
	switch {
	case override != nil:
		creds = *override
	case s.cfg.Credentials != nil:
		c, err := s.cfg.Credentials.Retrieve(ctx)
		if err != nil {
			return aws.Credentials{}, &SigningError{Field: "credentials", Err: err}
		}
		creds = c
	}

	if creds.AccessKeyID == "" {
		return aws.Credentials{}, &SigningError{Field: "access key"}
	}
	if creds.SecretAccessKey == "" {
		return aws.Credentials{}, &SigningError{Field: "secret key"}
	}
	return creds, nil
}

func (s *Signer) buildURL(protocol string, path string, query map[string]string) (*url.URL, error) {
	if s.cfg.Endpoint == "" {
		return nil, &SigningError{Field: "host"}
	}

	endpoint, err := url.Parse(s.cfg.Endpoint)
	if err != nil {
		return nil, &SigningError{Field: "host", Err: err}
	}
	if endpoint.Host == "" {
		return nil, &SigningError{Field: "host", Err: errors.New("endpoint has no host")}
	}

	scheme := endpoint.Scheme
	if protocol != "" {
		scheme = strings.TrimSuffix(protocol, ":")
	}
	if scheme == "" {
		scheme = "https"
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	values := make(url.Values, len(query))
	for k, v := range query {
		values.Set(k, v)
	}

	return &url.URL{
		Scheme:   scheme,
		Host:     endpoint.Host,
		Path:     path,
		RawPath:  EscapePath(path),
		RawQuery: CanonicalQuery(values),
	}, nil
}
