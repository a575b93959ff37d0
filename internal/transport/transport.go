// Package transport sends signed requests and reports upload progress.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"s3console/internal/sigv4"
)

// ProgressFunc receives the number of body bytes sent so far and the total.
type ProgressFunc func(sent, total int64)

// Response is what came back for one request. The caller must close Body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client executes signed requests. It never retries.
type Client struct {
	http    *http.Client
	metrics *Metrics
}

func NewClient(opts ...Option) *Client {
	c := &Client{http: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req once. progress, when set, is called as the payload is
// written to the connection, and finally with sent == total.
func (c *Client) Do(ctx context.Context, req *sigv4.SignedRequest, progress ProgressFunc) (*Response, error) {
	httpReq := req.Request.WithContext(ctx)

	total := int64(len(req.Payload))
	if total > 0 {
		var body io.Reader = bytes.NewReader(req.Payload)
		if progress != nil {
			body = &progressReader{r: body, total: total, fn: progress}
		}
		httpReq.Body = io.NopCloser(body)
		httpReq.ContentLength = total
		httpReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(req.Payload)), nil
		}
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if c.metrics != nil {
		c.metrics.Duration.WithLabelValues(httpReq.Method).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.Requests.WithLabelValues(httpReq.Method, "error").Inc()
		}
		return nil, fmt.Errorf("%s %s: %w", httpReq.Method, httpReq.URL.Path, err)
	}

	if c.metrics != nil {
		c.metrics.Requests.WithLabelValues(httpReq.Method, strconv.Itoa(resp.StatusCode)).Inc()
		c.metrics.UploadedBytes.Add(float64(total))
	}
	if progress != nil {
		progress(total, total)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}
