package console

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"time"

	"s3console/internal/s3xml"
	"s3console/internal/sigv4"
)

type Bucket struct {
	Name    string
	Created time.Time
}

func s3Request(method string, path string) sigv4.Request {
	return sigv4.Request{
		Service:       "s3",
		Method:        method,
		Path:          path,
		ApplyChecksum: true,
	}
}

func bucketPath(bucket string) string {
	return "/" + bucket
}

// ListBuckets lists the buckets of the signed-in user.
func (c *Client) ListBuckets(ctx context.Context) ([]Bucket, error) {
	res, err := c.Do(ctx, s3Request(http.MethodGet, "/"), ModeXML, nil)
	if err != nil {
		return nil, err
	}

	var doc s3xml.ListAllMyBucketsResult
	if err := c.unmarshal(ctx, "ListBuckets", res, &doc); err != nil {
		return nil, err
	}

	out := make([]Bucket, 0, len(doc.Buckets))
	for _, b := range doc.Buckets {
		created, _ := time.Parse(time.RFC3339, b.CreationDate)
		out = append(out, Bucket{Name: b.Name, Created: created})
	}
	return out, nil
}

func (c *Client) CreateBucket(ctx context.Context, bucket string) error {
	_, err := c.Do(ctx, s3Request(http.MethodPut, bucketPath(bucket)), ModeXML, nil)
	return err
}

// DeleteBucket removes an empty bucket.
func (c *Client) DeleteBucket(ctx context.Context, bucket string) error {
	_, err := c.Do(ctx, s3Request(http.MethodDelete, bucketPath(bucket)), ModeXML, nil)
	return err
}

// BucketExists reports whether bucket exists. A missing bucket is not
// reported to the user.
func (c *Client) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := c.exchange(ctx, s3Request(http.MethodHead, bucketPath(bucket)), ModeXML, nil)
	if err == nil {
		return true, nil
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) && svcErr.Status == http.StatusNotFound {
		return false, nil
	}
	c.report(ctx, err)
	return false, err
}

// unmarshal decodes the raw XML body of res into v. A body that does not
// match is reported like any other undecodable response.
func (c *Client) unmarshal(ctx context.Context, op string, res *Result, v any) error {
	if len(res.Raw) == 0 {
		return nil
	}
	if err := xml.Unmarshal(res.Raw, v); err != nil {
		err = &NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		c.report(ctx, err)
		return err
	}
	return nil
}
