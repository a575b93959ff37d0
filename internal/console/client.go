// Package console implements the operations of the storage console on top
// of the signing pipeline: sign, send, decode, classify, then notify and
// invalidate the session when the service asks for it.
package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"s3console/internal/classify"
	"s3console/internal/decode"
	"s3console/internal/session"
	"s3console/internal/sigv4"
	"s3console/internal/transport"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// Mode selects how a response body is decoded.
type Mode int

const (
	// ModeXML decodes the body as XML and classifies by HTTP status.
	ModeXML Mode = iota

	// ModeStream hands a successful body to the caller unread. Error bodies
	// are decoded as XML.
	ModeStream

	// ModeJSON decodes the body as a JSON envelope whose HTTPStatusCode
	// decides success.
	ModeJSON

	// ModeJSONAWS decodes a successful body as JSON and an error body as
	// XML.
	ModeJSONAWS
)

func (m Mode) String() string {
	switch m {
	case ModeXML:
		return "xml"
	case ModeStream:
		return "stream"
	case ModeJSON:
		return "json"
	case ModeJSONAWS:
		return "json-aws"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ErrAuthInvalidated is wrapped by a ServiceError whose code says the
// stored credentials are no longer valid.
var ErrAuthInvalidated = errors.New("session is no longer valid")

// NetworkError means no usable response was received, either because the
// request failed or because the body could not be decoded.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ServiceError is an error response from the storage service.
type ServiceError struct {
	Op      string
	Status  int
	Code    string
	Message string

	invalidated bool
}

func (e *ServiceError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Code, e.Status, e.Message)
}

func (e *ServiceError) Unwrap() error {
	if e.invalidated {
		return ErrAuthInvalidated
	}
	return nil
}

// Notifier shows a transient message to the user.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, message string)

func (f NotifierFunc) Notify(ctx context.Context, message string) {
	f(ctx, message)
}

// LogNotifier reports notifications as warnings.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, message string) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "Error", "message", message)
}

// CredentialStore is the part of the credential provider the console
// mutates on login and logout.
type CredentialStore interface {
	SetCredentials(creds aws.Credentials) error
	Clear() error
	Set(key string, value string, ttl time.Duration) error
	Get(key string) (string, error)
}

// Result is a classified successful response.
type Result struct {
	Status int
	Header http.Header
	Body   decode.Body

	// Raw is the undecoded body. It is nil in ModeStream.
	Raw  []byte
	ETag string

	// Stream is the unread body in ModeStream. The caller must close it.
	Stream io.ReadCloser
}

type Config struct {
	Transport   *transport.Client
	Notifier    Notifier
	Invalidator *session.Invalidator
	Logger      *slog.Logger
	Extractors  []classify.Extractor
}

type Option func(*Config)

func WithTransport(t *transport.Client) Option {
	return func(cfg *Config) {
		cfg.Transport = t
	}
}

func WithNotifier(n Notifier) Option {
	return func(cfg *Config) {
		cfg.Notifier = n
	}
}

// WithInvalidator sets what runs when the service rejects the stored
// access key.
func WithInvalidator(i *session.Invalidator) Option {
	return func(cfg *Config) {
		cfg.Invalidator = i
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

func WithExtractors(extractors ...classify.Extractor) Option {
	return func(cfg *Config) {
		cfg.Extractors = extractors
	}
}

// Client runs console operations against one storage endpoint.
type Client struct {
	signer *sigv4.Signer
	creds  CredentialStore
	cfg    Config
}

// New creates a Client. creds may be nil when Login and Logout are not
// used.
func New(signer *sigv4.Signer, creds CredentialStore, opts ...Option) *Client {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Transport == nil {
		cfg.Transport = transport.NewClient()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{Logger: cfg.Logger}
	}
	if cfg.Extractors == nil {
		cfg.Extractors = classify.DefaultExtractors
	}
	return &Client{signer: signer, creds: creds, cfg: cfg}
}

// Signer returns the signer requests are signed with.
func (c *Client) Signer() *sigv4.Signer {
	return c.signer
}

// Do runs req through the pipeline. Signing failures are returned as is and
// never notified. Every NetworkError and ServiceError is notified exactly
// once.
func (c *Client) Do(ctx context.Context, req sigv4.Request, mode Mode, progress transport.ProgressFunc) (*Result, error) {
	res, err := c.exchange(ctx, req, mode, progress)
	if err != nil {
		c.report(ctx, err)
		return nil, err
	}
	return res, nil
}

// Exchange runs req through the pipeline like Do but leaves errors
// unreported.
func (c *Client) Exchange(ctx context.Context, req sigv4.Request, mode Mode, progress transport.ProgressFunc) (*Result, error) {
	return c.exchange(ctx, req, mode, progress)
}

func (c *Client) exchange(ctx context.Context, req sigv4.Request, mode Mode, progress transport.ProgressFunc) (*Result, error) {
	signed, err := c.signer.Sign(ctx, req)
	if err != nil {
		return nil, err
	}

	op := signed.Method + " " + req.Path
	c.cfg.Logger.DebugContext(ctx, "Signed request",
		"service", req.Service,
		"method", signed.Method,
		"path", req.Path,
		"mode", mode.String(),
		"bytes", len(signed.Payload),
	)

	resp, err := c.cfg.Transport.Do(ctx, signed, progress)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	etag := resp.Header.Get("ETag")
	if mode == ModeStream && classify.IsSuccess(resp.StatusCode) {
		return &Result{
			Status: resp.StatusCode,
			Header: resp.Header,
			ETag:   etag,
			Stream: resp.Body,
		}, nil
	}

	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	body, err := decodeBody(mode, resp.StatusCode, raw)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	status := resp.StatusCode
	if mode == ModeJSON {
		status = classify.EffectiveStatus(status, body)
	}
	out := classify.ClassifyWith(status, body, c.cfg.Extractors)
	if out.Kind != classify.Success {
		return nil, &ServiceError{
			Op:          op,
			Status:      out.Status,
			Code:        out.Code,
			Message:     out.Message,
			invalidated: out.InvalidateSession,
		}
	}

	return &Result{
		Status: out.Status,
		Header: resp.Header,
		Body:   body,
		Raw:    raw,
		ETag:   etag,
	}, nil
}

func decodeBody(mode Mode, status int, raw []byte) (decode.Body, error) {
	switch mode {
	case ModeJSON:
		return decode.Sniff(raw)
	case ModeJSONAWS:
		if classify.IsSuccess(status) {
			if len(raw) == 0 {
				return decode.Empty, nil
			}
			return decode.JSON(bytes.NewReader(raw))
		}
		return decode.Sniff(raw)
	default:
		if classify.IsSuccess(status) && len(raw) > 0 && raw[0] != '<' {
			// Successful non-XML payloads are kept raw.
			return decode.Empty, nil
		}
		return decode.Sniff(raw)
	}
}

// report notifies the user of err and ends the session when the service no
// longer accepts the stored access key.
func (c *Client) report(ctx context.Context, err error) {
	var svcErr *ServiceError
	var netErr *NetworkError

	switch {
	case errors.As(err, &svcErr):
		c.cfg.Notifier.Notify(ctx, svcErr.Message)
		if svcErr.invalidated && c.cfg.Invalidator != nil {
			c.cfg.Invalidator.Invalidate()
		}
	case errors.As(err, &netErr):
		c.cfg.Notifier.Notify(ctx, "network error")
	}
}
