// Package upload puts files into a bucket, either with a single PUT or as a
// sequential multipart upload.
package upload

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"s3console/internal/console"
	"s3console/internal/s3xml"
	"s3console/internal/sigv4"
	"s3console/internal/transport"
)

// DefaultPartSize is the multipart threshold and the size of every part but
// the last.
const DefaultPartSize int64 = 5 << 20

// MetaFileSize carries the full file size on the initiate call.
const MetaFileSize = "File-Size"

// abortTimeout bounds the Abort call, which outlives the caller's context.
const abortTimeout = 10 * time.Second

var ErrUploadInProgress = errors.New("an upload is already in progress")

// Sender runs one signed call. *console.Client implements it.
type Sender interface {
	Do(ctx context.Context, req sigv4.Request, mode console.Mode, progress transport.ProgressFunc) (*console.Result, error)
}

// quietSender runs a call without reporting its failure to the user.
// *console.Client implements it; the Abort call goes through it when present.
type quietSender interface {
	Exchange(ctx context.Context, req sigv4.Request, mode console.Mode, progress transport.ProgressFunc) (*console.Result, error)
}

type State int

const (
	NotStarted State = iota
	Initiated
	UploadingPart
	Aborting
	Completing
	Done
	Aborted
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Initiated:
		return "initiated"
	case UploadingPart:
		return "uploading part"
	case Aborting:
		return "aborting"
	case Completing:
		return "completing"
	case Done:
		return "done"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is the bookkeeping of one multipart upload.
type Session struct {
	Path       string
	UploadID   string
	TotalParts int
	Completed  []s3xml.CompletedPart
}

type Result struct {
	Bucket    string
	Key       string
	Size      int64
	ETag      string
	Multipart bool

	// Session is set for multipart uploads.
	Session *Session
}

type Config struct {
	PartSize        int64
	FirstPartNumber int
	OnProgress      func(percent int)
	OnComplete      func(res *Result)
	Logger          *slog.Logger
}

type Option func(*Config)

// WithPartSize sets the multipart threshold and part size.
func WithPartSize(n int64) Option {
	return func(cfg *Config) {
		cfg.PartSize = n
	}
}

// WithFirstPartNumber sets the number of the first part. Services following
// AWS strictly need 1.
func WithFirstPartNumber(n int) Option {
	return func(cfg *Config) {
		cfg.FirstPartNumber = n
	}
}

func WithProgress(fn func(percent int)) Option {
	return func(cfg *Config) {
		cfg.OnProgress = fn
	}
}

// WithOnComplete sets a hook run after every successful upload, typically a
// listing refresh.
func WithOnComplete(fn func(res *Result)) Option {
	return func(cfg *Config) {
		cfg.OnComplete = fn
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

// Orchestrator runs at most one upload at a time.
type Orchestrator struct {
	sender Sender
	cfg    Config

	mu       sync.Mutex
	active   bool
	state    State
	progress int
}

func New(sender Sender, opts ...Option) *Orchestrator {
	cfg := Config{PartSize: DefaultPartSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultPartSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{sender: sender, cfg: cfg}
}

// State returns the state of the current or last upload.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Progress returns the last reported percentage.
func (o *Orchestrator) Progress() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// PartCount returns how many parts a file of size bytes is cut into. Files
// at or below the part size are sent whole and report 1.
func (o *Orchestrator) PartCount(size int64) int {
	if size <= o.cfg.PartSize {
		return 1
	}
	return int((size + o.cfg.PartSize - 1) / o.cfg.PartSize)
}

// Upload stores size bytes read from r as bucket/key.
func (o *Orchestrator) Upload(ctx context.Context, bucket string, key string, r io.ReaderAt, size int64, contentType string) (*Result, error) {
	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return nil, ErrUploadInProgress
	}
	o.active = true
	o.state = NotStarted
	o.progress = 0
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.active = false
		o.mu.Unlock()
	}()

	if o.cfg.OnProgress != nil {
		o.cfg.OnProgress(0)
	}

	path := "/" + bucket + "/" + strings.TrimPrefix(key, "/")
	res := &Result{Bucket: bucket, Key: key, Size: size}

	var err error
	if size <= o.cfg.PartSize {
		res.ETag, err = o.single(ctx, path, r, size, contentType)
	} else {
		res.Multipart = true
		res.Session, res.ETag, err = o.multipart(ctx, path, r, size, contentType)
	}
	if err != nil {
		return nil, err
	}

	o.setState(Done)
	o.cfg.Logger.InfoContext(ctx, "Upload finished",
		"bucket", bucket,
		"key", key,
		"size", size,
		"multipart", res.Multipart,
	)
	if o.cfg.OnComplete != nil {
		o.cfg.OnComplete(res)
	}
	return res, nil
}

func (o *Orchestrator) single(ctx context.Context, path string, r io.ReaderAt, size int64, contentType string) (string, error) {
	body, err := readSection(r, 0, size)
	if err != nil {
		o.setState(Failed)
		return "", err
	}

	req := objectRequest(http.MethodPut, path)
	req.ContentType = contentType
	req.Body = body

	res, err := o.sender.Do(ctx, req, console.ModeXML, func(sent, total int64) {
		if total <= 0 {
			o.report(100)
			return
		}
		o.report(int(sent * 100 / total))
	})
	if err != nil {
		o.setState(Failed)
		return "", err
	}
	o.report(100)
	return res.ETag, nil
}

func (o *Orchestrator) multipart(ctx context.Context, path string, r io.ReaderAt, size int64, contentType string) (*Session, string, error) {
	sess := &Session{Path: path, TotalParts: o.PartCount(size)}

	initiate := objectRequest(http.MethodPost, path)
	initiate.Query = map[string]string{"uploads": ""}
	initiate.ContentType = contentType
	initiate.Meta = map[string]string{MetaFileSize: strconv.FormatInt(size, 10)}

	res, err := o.sender.Do(ctx, initiate, console.ModeXML, nil)
	if err != nil {
		o.setState(Failed)
		return nil, "", fmt.Errorf("initiate upload: %w", err)
	}

	var initiated s3xml.InitiateMultipartUploadResult
	if err := xml.Unmarshal(res.Raw, &initiated); err != nil {
		o.setState(Failed)
		return nil, "", fmt.Errorf("initiate upload: decode response: %w", err)
	}
	if initiated.UploadID == "" {
		o.setState(Failed)
		return nil, "", errors.New("initiate upload: response has no UploadId")
	}
	sess.UploadID = initiated.UploadID
	o.setState(Initiated)

	o.cfg.Logger.DebugContext(ctx, "Multipart upload initiated",
		"path", path,
		"upload_id", sess.UploadID,
		"parts", sess.TotalParts,
	)

	for i := 0; i < sess.TotalParts; i++ {
		o.setState(UploadingPart)

		number := o.cfg.FirstPartNumber + i
		etag, err := o.uploadPart(ctx, sess, r, size, i, number)
		if err != nil {
			o.abort(ctx, sess)
			return sess, "", fmt.Errorf("upload part %d: %w", number, err)
		}

		sess.Completed = append(sess.Completed, s3xml.CompletedPart{ETag: etag, PartNumber: number})
		// Rounded up, so 3 parts report 34, 67, 100 and the first of 7
		// reports 15 where rounding to nearest would give 14.
		o.report(((i+1)*100 + sess.TotalParts - 1) / sess.TotalParts)
	}

	o.setState(Completing)
	manifest, err := xml.Marshal(s3xml.CompleteMultipartUpload{
		XMLNS: s3xml.S3XMLNamespace,
		Parts: sess.Completed,
	})
	if err != nil {
		o.setState(Failed)
		return sess, "", fmt.Errorf("encode manifest: %w", err)
	}

	complete := objectRequest(http.MethodPost, path)
	complete.Query = map[string]string{"uploadId": sess.UploadID}
	complete.ContentType = "application/xml"
	complete.Body = manifest

	res, err = o.sender.Do(ctx, complete, console.ModeXML, nil)
	if err != nil {
		o.setState(Failed)
		return sess, "", fmt.Errorf("complete upload: %w", err)
	}

	var completed s3xml.CompleteMultipartUploadResult
	if len(res.Raw) > 0 {
		if err := xml.Unmarshal(res.Raw, &completed); err != nil {
			o.setState(Failed)
			return sess, "", fmt.Errorf("complete upload: decode response: %w", err)
		}
	}
	return sess, strings.Trim(completed.ETag, `"`), nil
}

func (o *Orchestrator) uploadPart(ctx context.Context, sess *Session, r io.ReaderAt, size int64, index int, number int) (string, error) {
	start := int64(index) * o.cfg.PartSize
	end := min(size, start+o.cfg.PartSize)

	body, err := readSection(r, start, end-start)
	if err != nil {
		return "", err
	}

	req := objectRequest(http.MethodPut, sess.Path)
	req.Query = map[string]string{
		"partNumber": strconv.Itoa(number),
		"uploadId":   sess.UploadID,
	}
	req.Body = body

	res, err := o.sender.Do(ctx, req, console.ModeXML, nil)
	if err != nil {
		return "", err
	}
	return res.ETag, nil
}

// abort cancels the upload once. It still runs when ctx is already
// cancelled, and its outcome is only logged.
func (o *Orchestrator) abort(ctx context.Context, sess *Session) {
	o.setState(Aborting)

	req := objectRequest(http.MethodDelete, sess.Path)
	req.Query = map[string]string{"uploadId": sess.UploadID}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	send := o.sender.Do
	if q, ok := o.sender.(quietSender); ok {
		send = q.Exchange
	}
	if _, err := send(actx, req, console.ModeXML, nil); err != nil {
		o.cfg.Logger.WarnContext(ctx, "Failed to abort multipart upload",
			"path", sess.Path,
			"upload_id", sess.UploadID,
			"err", err,
		)
	} else {
		o.cfg.Logger.InfoContext(ctx, "Multipart upload aborted", "path", sess.Path, "upload_id", sess.UploadID)
	}
	o.setState(Aborted)
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
}

// report publishes percent if it moves progress forward.
func (o *Orchestrator) report(percent int) {
	percent = min(100, percent)

	o.mu.Lock()
	if percent <= o.progress {
		o.mu.Unlock()
		return
	}
	o.progress = percent
	o.mu.Unlock()

	if o.cfg.OnProgress != nil {
		o.cfg.OnProgress(percent)
	}
}

func objectRequest(method string, path string) sigv4.Request {
	return sigv4.Request{
		Service:       "s3",
		Method:        method,
		Path:          path,
		ApplyChecksum: true,
	}
}

func readSection(r io.ReaderAt, off int64, n int64) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	read, err := r.ReadAt(buf, off)
	if read == int(n) {
		return buf, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("read bytes %d-%d: %w", off, off+n, err)
}
