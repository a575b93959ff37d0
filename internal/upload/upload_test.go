package upload_test

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"s3console/internal/console"
	"s3console/internal/s3xml"
	"s3console/internal/sigv4"
	"s3console/internal/transport"
	"s3console/internal/upload"

	"github.com/stretchr/testify/require"
)

const mib = 1 << 20

type call struct {
	Method string
	Path   string
	Query  map[string]string
	Meta   map[string]string
	Body   []byte
}

// fakeSender answers like an S3 service and records every call.
type fakeSender struct {
	mu       sync.Mutex
	calls    []call
	failPart string
	failInit bool

	// badComplete answers the Complete call with a truncated document.
	badComplete bool

	// When block is set, Do closes entered and waits for block.
	block   chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (f *fakeSender) Do(ctx context.Context, req sigv4.Request, mode console.Mode, progress transport.ProgressFunc) (*console.Result, error) {
	if f.block != nil {
		f.once.Do(func() { close(f.entered) })
		<-f.block
	}

	f.mu.Lock()
	f.calls = append(f.calls, call{Method: req.Method, Path: req.Path, Query: req.Query, Meta: req.Meta, Body: req.Body})
	f.mu.Unlock()

	if progress != nil {
		total := int64(len(req.Body))
		progress(total/2, total)
		progress(total, total)
	}

	_, initiate := req.Query["uploads"]
	part, isPart := req.Query["partNumber"]

	switch {
	case initiate && f.failInit:
		return nil, &console.ServiceError{Op: "initiate", Status: http.StatusForbidden, Code: "AccessDenied", Message: "denied"}
	case initiate:
		raw, _ := xml.Marshal(s3xml.InitiateMultipartUploadResult{UploadID: "upload-1"})
		return &console.Result{Status: http.StatusOK, Raw: raw}, nil
	case isPart && part == f.failPart:
		return nil, &console.ServiceError{Op: "part", Status: http.StatusInternalServerError, Code: "InternalError", Message: "boom"}
	case isPart:
		return &console.Result{Status: http.StatusOK, ETag: `"etag-` + part + `"`}, nil
	case req.Method == http.MethodPost && f.badComplete:
		return &console.Result{Status: http.StatusOK, Raw: []byte("<CompleteMultipartUploadResult><ETag>")}, nil
	case req.Method == http.MethodPost:
		raw, _ := xml.Marshal(s3xml.CompleteMultipartUploadResult{ETag: `"final-3"`})
		return &console.Result{Status: http.StatusOK, Raw: raw}, nil
	default:
		return &console.Result{Status: http.StatusOK, ETag: `"single"`}, nil
	}
}

func (f *fakeSender) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type progressLog struct {
	mu     sync.Mutex
	values []int
}

func (p *progressLog) add(v int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, v)
}

func (p *progressLog) all() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.values...)
}

func TestMultipartUploadOfTwelveMiB(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	progress := &progressLog{}
	var completed *upload.Result
	o := upload.New(sender,
		upload.WithProgress(progress.add),
		upload.WithOnComplete(func(res *upload.Result) { completed = res }),
	)

	data := bytes.Repeat([]byte("a"), 12*mib)
	res, err := o.Upload(t.Context(), "photos", "big.bin", bytes.NewReader(data), int64(len(data)), "application/octet-stream")
	require.NoError(t, err)

	require.True(t, res.Multipart)
	require.Equal(t, "final-3", res.ETag)
	require.Same(t, res, completed)
	require.Equal(t, upload.Done, o.State())
	require.Equal(t, []int{0, 34, 67, 100}, progress.all())

	calls := sender.recorded()
	require.Len(t, calls, 5)

	require.Equal(t, http.MethodPost, calls[0].Method)
	require.Equal(t, "/photos/big.bin", calls[0].Path)
	require.Contains(t, calls[0].Query, "uploads")
	require.Equal(t, "12582912", calls[0].Meta[upload.MetaFileSize])

	sizes := []int{5 * mib, 5 * mib, 2 * mib}
	for i := 0; i < 3; i++ {
		part := calls[1+i]
		require.Equal(t, http.MethodPut, part.Method)
		require.Equal(t, fmt.Sprint(i), part.Query["partNumber"])
		require.Equal(t, "upload-1", part.Query["uploadId"])
		require.Len(t, part.Body, sizes[i])
	}

	complete := calls[4]
	require.Equal(t, http.MethodPost, complete.Method)
	require.Equal(t, "upload-1", complete.Query["uploadId"])
	require.Contains(t, string(complete.Body), `<CompleteMultipartUpload xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)

	var manifest s3xml.CompleteMultipartUpload
	require.NoError(t, xml.Unmarshal(complete.Body, &manifest))
	require.Equal(t, []s3xml.CompletedPart{
		{ETag: `"etag-0"`, PartNumber: 0},
		{ETag: `"etag-1"`, PartNumber: 1},
		{ETag: `"etag-2"`, PartNumber: 2},
	}, manifest.Parts)
	require.Equal(t, manifest.Parts, res.Session.Completed)
	require.Equal(t, 3, res.Session.TotalParts)
}

func TestSmallFileIsSentWhole(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	progress := &progressLog{}
	o := upload.New(sender, upload.WithProgress(progress.add))

	data := bytes.Repeat([]byte("b"), 2*mib)
	res, err := o.Upload(t.Context(), "photos", "small.bin", bytes.NewReader(data), int64(len(data)), "image/png")
	require.NoError(t, err)
	require.False(t, res.Multipart)
	require.Nil(t, res.Session)
	require.Equal(t, `"single"`, res.ETag)

	calls := sender.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, http.MethodPut, calls[0].Method)
	require.Equal(t, "/photos/small.bin", calls[0].Path)
	require.Empty(t, calls[0].Query)
	require.Equal(t, data, calls[0].Body)

	values := progress.all()
	require.Equal(t, 0, values[0])
	require.Equal(t, 100, values[len(values)-1])
	require.IsNonDecreasing(t, values)
}

func TestPartFailureAbortsOnce(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{failPart: "1"}
	progress := &progressLog{}
	completed := false
	o := upload.New(sender,
		upload.WithProgress(progress.add),
		upload.WithOnComplete(func(*upload.Result) { completed = true }),
	)

	data := bytes.Repeat([]byte("c"), 12*mib)
	_, err := o.Upload(t.Context(), "photos", "big.bin", bytes.NewReader(data), int64(len(data)), "")
	require.Error(t, err)

	var svcErr *console.ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, "InternalError", svcErr.Code)

	require.False(t, completed)
	require.Equal(t, upload.Aborted, o.State())
	require.Equal(t, []int{0, 34}, progress.all())

	calls := sender.recorded()
	require.Len(t, calls, 4)
	abort := calls[3]
	require.Equal(t, http.MethodDelete, abort.Method)
	require.Equal(t, map[string]string{"uploadId": "upload-1"}, abort.Query)

	var aborts int
	for _, c := range calls {
		if c.Method == http.MethodDelete {
			aborts++
		}
		require.NotEqual(t, "2", c.Query["partNumber"])
	}
	require.Equal(t, 1, aborts)
}

func TestFailedPartStopsRemainingParts(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{failPart: "1"}
	progress := &progressLog{}
	o := upload.New(sender, upload.WithProgress(progress.add), upload.WithPartSize(mib))
	require.Equal(t, 4, o.PartCount(4*mib))

	data := make([]byte, 4*mib)
	_, err := o.Upload(t.Context(), "photos", "four.bin", bytes.NewReader(data), int64(len(data)), "")
	require.Error(t, err)
	require.Equal(t, upload.Aborted, o.State())
	require.Equal(t, []int{0, 25}, progress.all())

	var parts []string
	var aborts, completes int
	for _, c := range sender.recorded() {
		switch {
		case c.Method == http.MethodPut:
			parts = append(parts, c.Query["partNumber"])
		case c.Method == http.MethodDelete:
			aborts++
		case c.Method == http.MethodPost && c.Query["uploadId"] != "":
			completes++
		}
	}
	require.Equal(t, []string{"0", "1"}, parts)
	require.Equal(t, 1, aborts)
	require.Zero(t, completes)
}

func TestMalformedCompleteResponseFails(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{badComplete: true}
	completed := false
	o := upload.New(sender,
		upload.WithPartSize(mib),
		upload.WithOnComplete(func(*upload.Result) { completed = true }),
	)

	data := make([]byte, 2*mib)
	_, err := o.Upload(t.Context(), "photos", "big.bin", bytes.NewReader(data), int64(len(data)), "")
	require.ErrorContains(t, err, "complete upload: decode response")
	require.Equal(t, upload.Failed, o.State())
	require.False(t, completed)
}

func TestProgressRoundsPartsUp(t *testing.T) {
	t.Parallel()

	progress := &progressLog{}
	o := upload.New(&fakeSender{}, upload.WithProgress(progress.add), upload.WithPartSize(mib))

	data := make([]byte, 7*mib)
	_, err := o.Upload(t.Context(), "photos", "seven.bin", bytes.NewReader(data), int64(len(data)), "")
	require.NoError(t, err)
	require.Equal(t, []int{0, 15, 29, 43, 58, 72, 86, 100}, progress.all())
}

func TestInitiateFailureDoesNotAbort(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{failInit: true}
	o := upload.New(sender)

	data := make([]byte, 6*mib)
	_, err := o.Upload(t.Context(), "photos", "big.bin", bytes.NewReader(data), int64(len(data)), "")
	require.Error(t, err)
	require.Equal(t, upload.Failed, o.State())
	require.Len(t, sender.recorded(), 1)
}

func TestFirstPartNumberIsConfigurable(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	o := upload.New(sender, upload.WithFirstPartNumber(1), upload.WithPartSize(mib))

	data := make([]byte, 2*mib+1)
	res, err := o.Upload(t.Context(), "photos", "big.bin", bytes.NewReader(data), int64(len(data)), "")
	require.NoError(t, err)

	var numbers []int
	for _, p := range res.Session.Completed {
		numbers = append(numbers, p.PartNumber)
	}
	require.Equal(t, []int{1, 2, 3}, numbers)
}

func TestPartCount(t *testing.T) {
	t.Parallel()

	o := upload.New(&fakeSender{})
	tests := []struct {
		size int64
		want int
	}{
		{0, 1},
		{5 * mib, 1},
		{5*mib + 1, 2},
		{10 * mib, 2},
		{12 * mib, 3},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, o.PartCount(tt.size), "size %d", tt.size)
	}
}

func TestProgressResetsBetweenUploads(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	progress := &progressLog{}
	o := upload.New(sender, upload.WithProgress(progress.add), upload.WithPartSize(mib))

	data := make([]byte, 3*mib)
	for range 2 {
		_, err := o.Upload(t.Context(), "photos", "big.bin", bytes.NewReader(data), int64(len(data)), "")
		require.NoError(t, err)
	}
	require.Equal(t, []int{0, 34, 67, 100, 0, 34, 67, 100}, progress.all())
}

func TestConcurrentUploadIsRejected(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{block: make(chan struct{}), entered: make(chan struct{})}
	o := upload.New(sender)

	done := make(chan error, 1)
	go func() {
		_, err := o.Upload(context.Background(), "photos", "a.bin", bytes.NewReader([]byte("a")), 1, "")
		done <- err
	}()
	<-sender.entered

	_, err := o.Upload(t.Context(), "photos", "b.bin", bytes.NewReader([]byte("b")), 1, "")
	require.ErrorIs(t, err, upload.ErrUploadInProgress)

	close(sender.block)
	require.NoError(t, <-done)
	require.Equal(t, upload.Done, o.State())
}
