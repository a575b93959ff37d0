package console

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"s3console/internal/s3xml"
	"s3console/internal/sigv4"
)

// Delimiter separates folder levels in object keys.
const Delimiter = "/"

type Object struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Listing is one page of a folder view.
type Listing struct {
	Bucket    string
	Prefix    string
	Objects   []Object
	Folders   []string
	NextToken string
	Truncated bool
}

// ObjectInfo is what a HEAD reports about an object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
	Meta         map[string]string
}

func objectPath(bucket string, key string) string {
	return "/" + bucket + "/" + strings.TrimPrefix(key, "/")
}

// ListObjects returns one page of the objects and folders directly under
// prefix. maxKeys <= 0 leaves the page size to the service.
func (c *Client) ListObjects(ctx context.Context, bucket string, prefix string, token string, maxKeys int) (*Listing, error) {
	req := s3Request(http.MethodGet, bucketPath(bucket))
	req.Query = map[string]string{
		"list-type": "2",
		"prefix":    prefix,
		"delimiter": Delimiter,
	}
	if maxKeys > 0 {
		req.Query["max-keys"] = strconv.Itoa(maxKeys)
	}
	if token != "" {
		req.Query["continuation-token"] = token
	}

	res, err := c.Do(ctx, req, ModeXML, nil)
	if err != nil {
		return nil, err
	}

	var doc s3xml.ListBucketResultV2
	if err := c.unmarshal(ctx, "ListObjects", res, &doc); err != nil {
		return nil, err
	}

	out := &Listing{
		Bucket:    bucket,
		Prefix:    prefix,
		NextToken: doc.NextContinuationToken,
		Truncated: doc.IsTruncated,
	}
	for _, o := range doc.Contents {
		if o.Key == prefix && strings.HasSuffix(o.Key, Delimiter) {
			// The folder marker of the listed folder itself.
			continue
		}
		modified, _ := time.Parse(time.RFC3339, o.LastModified)
		out.Objects = append(out.Objects, Object{
			Key:          o.Key,
			Size:         o.Size,
			ETag:         strings.Trim(o.ETag, `"`),
			LastModified: modified,
		})
	}
	for _, p := range doc.CommonPrefixes {
		out.Folders = append(out.Folders, p.Prefix)
	}
	return out, nil
}

// GetObject opens the object for reading. The caller must close the
// returned reader.
func (c *Client) GetObject(ctx context.Context, bucket string, key string) (io.ReadCloser, *ObjectInfo, error) {
	res, err := c.Do(ctx, s3Request(http.MethodGet, objectPath(bucket, key)), ModeStream, nil)
	if err != nil {
		return nil, nil, err
	}
	return res.Stream, objectInfo(key, res.Header), nil
}

// StatObject reports the object's metadata. It returns (nil, nil) when the
// object does not exist; a missing object is not reported to the user.
func (c *Client) StatObject(ctx context.Context, bucket string, key string) (*ObjectInfo, error) {
	res, err := c.exchange(ctx, s3Request(http.MethodHead, objectPath(bucket, key)), ModeXML, nil)
	if err != nil {
		var svcErr *ServiceError
		if errors.As(err, &svcErr) && svcErr.Status == http.StatusNotFound {
			return nil, nil
		}
		c.report(ctx, err)
		return nil, err
	}
	return objectInfo(key, res.Header), nil
}

func objectInfo(key string, h http.Header) *ObjectInfo {
	info := &ObjectInfo{
		Key:         key,
		ContentType: h.Get("Content-Type"),
		ETag:        strings.Trim(h.Get("ETag"), `"`),
	}
	info.Size, _ = strconv.ParseInt(h.Get("Content-Length"), 10, 64)
	info.LastModified, _ = http.ParseTime(h.Get("Last-Modified"))

	for name, values := range h {
		if len(values) == 0 || !strings.HasPrefix(name, sigv4.HeaderMetaPrefix) {
			continue
		}
		if info.Meta == nil {
			info.Meta = make(map[string]string)
		}
		info.Meta[strings.TrimPrefix(name, sigv4.HeaderMetaPrefix)] = values[0]
	}
	return info
}

func (c *Client) DeleteObject(ctx context.Context, bucket string, key string) error {
	_, err := c.Do(ctx, s3Request(http.MethodDelete, objectPath(bucket, key)), ModeXML, nil)
	return err
}

// CreateFolder creates the zero-byte marker object for folder.
func (c *Client) CreateFolder(ctx context.Context, bucket string, folder string) error {
	folder = strings.Trim(folder, Delimiter)
	if folder == "" {
		return errors.New("folder name is empty")
	}
	_, err := c.Do(ctx, s3Request(http.MethodPut, objectPath(bucket, folder+Delimiter)), ModeXML, nil)
	return err
}

// Share returns a presigned GET URL for the object. A zero expiry means
// sigv4.DefaultShareExpiry.
func (c *Client) Share(ctx context.Context, bucket string, key string, expiry time.Duration) (string, error) {
	if expiry == 0 {
		expiry = sigv4.DefaultShareExpiry
	}
	return c.signer.Presign(ctx, objectPath(bucket, key), expiry, nil, "")
}
