package console

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"s3console/internal/sigv4"
)

// OverviewLimit is how many file types each request overview series keeps.
const OverviewLimit = 20

// User status values accepted by SetUserStatus.
const (
	UserStatusOn  = "on"
	UserStatusOff = "off"
)

// Envelope is the JSON body of the admin API.
type Envelope struct {
	Code           string          `json:"Code,omitempty"`
	Message        string          `json:"Message,omitempty"`
	HTTPStatusCode int             `json:"HTTPStatusCode"`
	Response       json.RawMessage `json:"Response,omitempty"`
}

// Size is a byte count the admin API sends either as a JSON number or as a
// quoted number.
type Size int64

func (s *Size) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(data) == 0 || string(data) == "null" {
		*s = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("size %q: %w", data, err)
	}
	*s = Size(f)
	return nil
}

type BucketUsage struct {
	Name string `json:"name,omitempty"`
	Size Size   `json:"size"`
}

type UserInfo struct {
	AccountName string        `json:"account_name"`
	AccessKey   string        `json:"access_key,omitempty"`
	Status      string        `json:"status,omitempty"`
	Total       Size          `json:"total_storage_capacity"`
	Used        Size          `json:"use_storage_capacity"`
	Buckets     []BucketUsage `json:"bucket_infos"`
}

// BucketBytes sums the sizes of the user's buckets.
func (u UserInfo) BucketBytes() int64 {
	var total int64
	for _, b := range u.Buckets {
		total += int64(b.Size)
	}
	return total
}

type PoolStats struct {
	Buckets    int64 `json:"bucketsCount"`
	Objects    int64 `json:"objectsCount"`
	Capacity   Size  `json:"totalCaptivity"`
	ObjectSize Size  `json:"objectsTotalSize"`
}

// TypeStat is one file type in a request overview series.
type TypeStat struct {
	FileType string `json:"filetype"`
	Value    int64  `json:"value"`
}

type RequestOverview struct {
	GetBytes []TypeStat `json:"get_obj_bytes"`
	PutBytes []TypeStat `json:"put_obj_bytes"`
	GetCount []TypeStat `json:"get_obj_count"`
	PutCount []TypeStat `json:"put_obj_count"`
}

func adminRequest(method string, path string, query map[string]string) sigv4.Request {
	req := s3Request(method, path)
	req.Query = query
	req.ContentType = "application/json;charset=UTF-8"
	return req
}

// admin calls an admin endpoint and decodes the envelope's Response into v.
// When the service answers without an envelope the whole body is decoded.
func (c *Client) admin(ctx context.Context, method string, path string, query map[string]string, v any) error {
	res, err := c.Do(ctx, adminRequest(method, path, query), ModeJSON, nil)
	if err != nil {
		return err
	}
	if v == nil || len(bytes.TrimSpace(res.Raw)) == 0 {
		return nil
	}

	payload := res.Raw
	var env Envelope
	if err := json.Unmarshal(res.Raw, &env); err == nil && len(env.Response) > 0 {
		payload = env.Response
	}

	if err := json.Unmarshal(payload, v); err != nil {
		err = &NetworkError{Op: method + " " + path, Err: fmt.Errorf("decode response: %w", err)}
		c.report(ctx, err)
		return err
	}
	return nil
}

func (c *Client) ListUsers(ctx context.Context) ([]UserInfo, error) {
	var users []UserInfo
	if err := c.admin(ctx, http.MethodGet, "/admin/v1/user-infos", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// AddUser creates a user with a storage capacity in bytes.
func (c *Client) AddUser(ctx context.Context, accessKey string, secretKey string, capacity int64) error {
	return c.admin(ctx, http.MethodPost, "/admin/v1/add-user", map[string]string{
		"accessKey": accessKey,
		"secretKey": secretKey,
		"capacity":  strconv.FormatInt(capacity, 10),
	}, nil)
}

func (c *Client) RemoveUser(ctx context.Context, accessKey string) error {
	return c.admin(ctx, http.MethodPost, "/admin/v1/remove-user", map[string]string{
		"accessKey": accessKey,
	}, nil)
}

func (c *Client) ChangePassword(ctx context.Context, accessKey string, newSecretKey string) error {
	return c.admin(ctx, http.MethodPost, "/admin/v1/change-password", map[string]string{
		"accessKey":    accessKey,
		"newSecretKey": newSecretKey,
	}, nil)
}

// SetUserStatus enables (UserStatusOn) or disables (UserStatusOff) a user.
func (c *Client) SetUserStatus(ctx context.Context, accessKey string, status string) error {
	if status != UserStatusOn && status != UserStatusOff {
		return fmt.Errorf("invalid user status %q", status)
	}
	return c.admin(ctx, http.MethodPost, "/admin/v1/update-accessKey_status", map[string]string{
		"accessKey": accessKey,
		"status":    status,
	}, nil)
}

// IsAdmin reports whether the signed-in user may use the admin API.
func (c *Client) IsAdmin(ctx context.Context) (bool, error) {
	res, err := c.Do(ctx, adminRequest(http.MethodGet, "/admin/v1/is-admin", nil), ModeJSONAWS, nil)
	if err != nil {
		return false, err
	}
	v, ok := res.Body.Lookup("Response")
	if !ok {
		return false, nil
	}
	admin, _ := v.(bool)
	return admin, nil
}

// UserInfo returns the storage usage of accessKey as seen by the user.
func (c *Client) UserInfo(ctx context.Context, accessKey string) (*UserInfo, error) {
	return c.userInfo(ctx, "/console/v1/user-info", accessKey)
}

// AdminUserInfo returns the storage usage of any user.
func (c *Client) AdminUserInfo(ctx context.Context, accessKey string) (*UserInfo, error) {
	return c.userInfo(ctx, "/admin/v1/user-info", accessKey)
}

func (c *Client) userInfo(ctx context.Context, path string, accessKey string) (*UserInfo, error) {
	var info UserInfo
	if err := c.admin(ctx, http.MethodGet, path, map[string]string{"accessKey": accessKey}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) StorePoolStats(ctx context.Context) (*PoolStats, error) {
	var stats PoolStats
	if err := c.admin(ctx, http.MethodGet, "/admin/v1/store-pool-stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// RequestOverview returns per file type request statistics. Each series is
// sorted by value, largest first, and cut to OverviewLimit entries.
func (c *Client) RequestOverview(ctx context.Context) (*RequestOverview, error) {
	var overview RequestOverview
	if err := c.admin(ctx, http.MethodGet, "/admin/v1/request-overview", nil, &overview); err != nil {
		return nil, err
	}

	overview.GetBytes = topStats(overview.GetBytes)
	overview.PutBytes = topStats(overview.PutBytes)
	overview.GetCount = topStats(overview.GetCount)
	overview.PutCount = topStats(overview.PutCount)
	return &overview, nil
}

func topStats(stats []TypeStat) []TypeStat {
	slices.SortStableFunc(stats, func(a, b TypeStat) int {
		return cmp.Compare(b.Value, a.Value)
	})
	if len(stats) > OverviewLimit {
		stats = stats[:OverviewLimit]
	}
	return stats
}
