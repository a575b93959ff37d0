package console

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"s3console/internal/sigv4"
)

func policyRequest(method string, bucket string) sigv4.Request {
	req := s3Request(method, bucketPath(bucket))
	req.Query = map[string]string{"policy": ""}
	return req
}

// GetBucketPolicy returns the bucket's policy document as stored.
func (c *Client) GetBucketPolicy(ctx context.Context, bucket string) (json.RawMessage, error) {
	res, err := c.Do(ctx, policyRequest(http.MethodGet, bucket), ModeJSONAWS, nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(res.Raw), nil
}

// PutBucketPolicy replaces the bucket's policy. The document is sent
// verbatim and must be valid JSON.
func (c *Client) PutBucketPolicy(ctx context.Context, bucket string, policy json.RawMessage) error {
	if !json.Valid(policy) {
		return errors.New("policy is not valid JSON")
	}
	req := policyRequest(http.MethodPut, bucket)
	req.ContentType = "application/json"
	req.Body = policy
	_, err := c.Do(ctx, req, ModeXML, nil)
	return err
}

func (c *Client) DeleteBucketPolicy(ctx context.Context, bucket string) error {
	_, err := c.Do(ctx, policyRequest(http.MethodDelete, bucket), ModeXML, nil)
	return err
}
