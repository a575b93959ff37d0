package devstore_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"s3console/internal/devstore"
	"s3console/internal/s3xml"

	"github.com/stretchr/testify/require"
)

// NewTestServer creates a Server backed by a temporary data directory and
// returns it along with an httptest.Server wrapping its handler.
func NewTestServer(t *testing.T, opts ...devstore.ConfigOption) (*devstore.Server, *httptest.Server) {
	t.Helper()

	opts = append([]devstore.ConfigOption{devstore.WithDataDir(t.TempDir())}, opts...)
	srv, err := devstore.NewServer(t.Context(), devstore.NewConfig(opts...))
	require.NoError(t, err, "NewServer error")

	httpSrv := httptest.NewServer(srv.Handler())

	t.Cleanup(func() { _ = srv.Close() })
	t.Cleanup(httpSrv.Close)

	return srv, httpSrv
}

type RequestOption func(*http.Request)

func WithContent(body []byte) RequestOption {
	return func(req *http.Request) {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/octet-stream")
		}
	}
}

func WithHeader(key string, value string) RequestOption {
	return func(req *http.Request) {
		req.Header.Set(key, value)
	}
}

// WithBasicAuth replaces the administrator credentials DoMethod sends.
func WithBasicAuth(accessKey string, secretKey string) RequestOption {
	return func(req *http.Request) {
		req.SetBasicAuth(accessKey, secretKey)
	}
}

// WithoutAuth sends the request anonymously.
func WithoutAuth() RequestOption {
	return func(req *http.Request) {
		req.Header.Del("Authorization")
	}
}

func DoMethod(t *testing.T, method string, url string, opts ...RequestOption) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, nil)
	require.NoError(t, err, "creating "+method+" request")
	req.SetBasicAuth(devstore.DefaultAccessKeyID, devstore.DefaultSecretAccessKey)
	for _, opt := range opts {
		opt(req)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoErrorf(t, err, "%s %s error", method, url)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func DoPut(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodPut, url, opts...)
}

func DoGet(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodGet, url, opts...)
}

func DoDelete(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodDelete, url, opts...)
}

// DecodeS3Error decodes an S3 error response and returns its Code.
func DecodeS3Error(t *testing.T, r io.Reader) string {
	t.Helper()
	var s3Err s3xml.S3Error
	require.NoError(t, xml.NewDecoder(r).Decode(&s3Err), "decoding S3 error XML")
	return s3Err.Code
}

func requireS3Error(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	require.Equal(t, status, resp.StatusCode, "status")
	require.Equal(t, code, DecodeS3Error(t, resp.Body), "error code")
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestCreateAndListBuckets(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	for _, b := range []string{"bucket1", "bucket2"} {
		resp := DoPut(t, httpSrv.URL+"/"+b)
		require.Equalf(t, http.StatusOK, resp.StatusCode, "PUT bucket %s status", b)
	}

	resp := DoGet(t, httpSrv.URL+"/")
	require.Equal(t, http.StatusOK, resp.StatusCode, "GET / status")

	var result s3xml.ListAllMyBucketsResult
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&result))

	var names []string
	for _, b := range result.Buckets {
		names = append(names, b.Name)
		require.NotEmpty(t, b.CreationDate)
	}
	require.Equal(t, []string{"bucket1", "bucket2"}, names)
}

func TestCreateBucketTwice(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/twice").StatusCode)
	requireS3Error(t, DoPut(t, httpSrv.URL+"/twice"), http.StatusConflict, "BucketAlreadyOwnedByYou")
}

func TestInvalidBucketNames(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	for _, name := range []string{"ab", "Upper", "bad..dots", "192.168.0.1", "console"} {
		resp := DoPut(t, httpSrv.URL+"/"+name)
		requireS3Error(t, resp, http.StatusBadRequest, "InvalidBucketName")
	}
}

func TestHeadBucket(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/present").StatusCode)

	resp := DoMethod(t, http.MethodHead, httpSrv.URL+"/present")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, devstore.DefaultRegion, resp.Header.Get("X-Amz-Bucket-Region"))

	resp = DoMethod(t, http.MethodHead, httpSrv.URL+"/absent")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPutGetHeadDeleteObject(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/docs").StatusCode)

	body := []byte("hello, console")
	resp := DoPut(t, httpSrv.URL+"/docs/notes/hello.txt",
		WithHeader("Content-Type", "text/plain"),
		WithHeader("X-Amz-Meta-Author", "alice"),
		WithContent(body),
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `"`+sha256Hex(body)+`"`, resp.Header.Get("ETag"))

	resp = DoGet(t, httpSrv.URL+"/docs/notes/hello.txt")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, body, got)
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	require.Equal(t, "alice", resp.Header.Get("X-Amz-Meta-Author"))

	resp = DoGet(t, httpSrv.URL+"/docs/notes/hello.txt", WithHeader("Range", "bytes=0-4"))
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	got, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	resp = DoMethod(t, http.MethodHead, httpSrv.URL+"/docs/notes/hello.txt")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, fmt.Sprint(len(body)), resp.Header.Get("Content-Length"))

	require.Equal(t, http.StatusNoContent, DoDelete(t, httpSrv.URL+"/docs/notes/hello.txt").StatusCode)
	requireS3Error(t, DoGet(t, httpSrv.URL+"/docs/notes/hello.txt"), http.StatusNotFound, "NoSuchKey")

	// Deleting again still succeeds.
	require.Equal(t, http.StatusNoContent, DoDelete(t, httpSrv.URL+"/docs/notes/hello.txt").StatusCode)
}

func TestObjectInMissingBucket(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	requireS3Error(t, DoPut(t, httpSrv.URL+"/nowhere/file.txt", WithContent([]byte("x"))), http.StatusNotFound, "NoSuchBucket")
}

func TestFolderMarkerKeepsTrailingSlash(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/folders").StatusCode)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/folders/photos/", WithContent(nil)).StatusCode)

	resp := DoGet(t, httpSrv.URL+"/folders?list-type=2&delimiter=%2F&prefix=photos%2F")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result s3xml.ListBucketResultV2
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&result))
	require.Len(t, result.Contents, 1)
	require.Equal(t, "photos/", result.Contents[0].Key)
	require.Zero(t, result.Contents[0].Size)
}

func TestDeleteBucketNotEmpty(t *testing.T) {
	t.Parallel()

	srv, httpSrv := NewTestServer(t)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/full").StatusCode)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/full/a.bin", WithContent([]byte("a"))).StatusCode)

	requireS3Error(t, DoDelete(t, httpSrv.URL+"/full"), http.StatusConflict, "BucketNotEmpty")

	require.Equal(t, http.StatusNoContent, DoDelete(t, httpSrv.URL+"/full/a.bin").StatusCode)
	require.Equal(t, http.StatusNoContent, DoDelete(t, httpSrv.URL+"/full").StatusCode)

	_, err := os.Stat(filepath.Join(srv.Config.DataDir, "objects", "full"))
	require.True(t, os.IsNotExist(err), "bucket directory should be gone")
}

func TestOverwriteReleasesOldPayload(t *testing.T) {
	t.Parallel()

	srv, httpSrv := NewTestServer(t)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/versions").StatusCode)

	first := []byte("first version")
	second := []byte("second version")
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/versions/doc.txt", WithContent(first)).StatusCode)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/versions/doc.txt", WithContent(second)).StatusCode)

	engine := srv.Config.Engine
	_, err := engine.OpenObject("versions", sha256Hex(first))
	require.Error(t, err, "replaced payload should be deleted")

	payload, err := engine.OpenObject("versions", sha256Hex(second))
	require.NoError(t, err)
	require.NoError(t, payload.Close())
}

func TestListObjectsV2Pagination(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/pages").StatusCode)

	for _, key := range []string{"a.txt", "b.txt", "c.txt", "dir/one.txt", "dir/two.txt", "e.txt"} {
		require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/pages/"+key, WithContent([]byte(key))).StatusCode)
	}

	var (
		keys     []string
		prefixes []string
		token    string
	)
	for range 10 {
		u := httpSrv.URL + "/pages?list-type=2&delimiter=%2F&max-keys=2"
		if token != "" {
			u += "&continuation-token=" + token
		}
		resp := DoGet(t, u)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var page s3xml.ListBucketResultV2
		require.NoError(t, xml.NewDecoder(resp.Body).Decode(&page))
		require.LessOrEqual(t, len(page.Contents)+len(page.CommonPrefixes), 2)

		for _, c := range page.Contents {
			keys = append(keys, c.Key)
		}
		for _, p := range page.CommonPrefixes {
			prefixes = append(prefixes, p.Prefix)
		}
		if !page.IsTruncated {
			break
		}
		require.NotEmpty(t, page.NextContinuationToken)
		token = page.NextContinuationToken
	}

	require.Equal(t, []string{"a.txt", "b.txt", "c.txt", "e.txt"}, keys)
	require.Equal(t, []string{"dir/"}, prefixes)
}

func TestListObjectsPrefixIsLiteral(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/literal").StatusCode)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/literal/100%25.txt", WithContent([]byte("x"))).StatusCode)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/literal/1000.txt", WithContent([]byte("y"))).StatusCode)

	resp := DoGet(t, httpSrv.URL+"/literal?list-type=2&prefix=100%25")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result s3xml.ListBucketResultV2
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&result))
	require.Len(t, result.Contents, 1)
	require.Equal(t, "100%.txt", result.Contents[0].Key)
}

func TestBucketPolicy(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/shared").StatusCode)

	requireS3Error(t, DoGet(t, httpSrv.URL+"/shared?policy"), http.StatusNotFound, "NoSuchBucketPolicy")
	requireS3Error(t, DoPut(t, httpSrv.URL+"/shared?policy", WithContent([]byte("{not json"))), http.StatusBadRequest, "MalformedPolicy")

	policy := `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":"*","Action":"s3:GetObject","Resource":"arn:aws:s3:::shared/*"}]}`
	require.Equal(t, http.StatusNoContent, DoPut(t, httpSrv.URL+"/shared?policy", WithContent([]byte(policy))).StatusCode)

	resp := DoGet(t, httpSrv.URL+"/shared?policy")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, policy, string(got))

	require.Equal(t, http.StatusNoContent, DoDelete(t, httpSrv.URL+"/shared?policy").StatusCode)
	requireS3Error(t, DoGet(t, httpSrv.URL+"/shared?policy"), http.StatusNotFound, "NoSuchBucketPolicy")
}

func TestBucketLocation(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, devstore.WithRegion("eu-west-1"))
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/located").StatusCode)

	resp := DoGet(t, httpSrv.URL+"/located?location")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(got), "eu-west-1")
}

func TestAuthenticationErrors(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	requireS3Error(t, DoGet(t, httpSrv.URL+"/", WithoutAuth()), http.StatusForbidden, "AccessDenied")
	requireS3Error(t, DoGet(t, httpSrv.URL+"/", WithBasicAuth("nobody", "whatever")), http.StatusForbidden, "InvalidAccessKeyId")
	requireS3Error(t, DoGet(t, httpSrv.URL+"/", WithBasicAuth(devstore.DefaultAccessKeyID, "wrong-secret")), http.StatusForbidden, "SignatureDoesNotMatch")
	requireS3Error(t, DoGet(t, httpSrv.URL+"/",
		WithoutAuth(),
		WithHeader("Authorization", "AWS4-HMAC-SHA256 Credential=minioadmin/20250101/us-east-1/s3/aws4_request"),
	), http.StatusBadRequest, "AuthorizationHeaderMalformed")
}

func TestContentSHA256Mismatch(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/checked").StatusCode)

	resp := DoPut(t, httpSrv.URL+"/checked/file.bin",
		WithContent([]byte("actual body")),
		WithHeader("X-Amz-Content-Sha256", sha256Hex([]byte("another body"))),
	)
	requireS3Error(t, resp, http.StatusBadRequest, "XAmzContentSHA256Mismatch")
}

func TestStreamingPayloadIsDecoded(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/chunked").StatusCode)

	encoded := "5;chunk-signature=aaaa\r\nhello\r\n6;chunk-signature=bbbb\r\n world\r\n0;chunk-signature=cccc\r\n\r\n"
	resp := DoPut(t, httpSrv.URL+"/chunked/greeting.txt",
		WithContent([]byte(encoded)),
		WithHeader("X-Amz-Content-Sha256", "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"),
		WithHeader("X-Amz-Decoded-Content-Length", "11"),
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `"`+sha256Hex([]byte("hello world"))+`"`, resp.Header.Get("ETag"))

	resp = DoGet(t, httpSrv.URL+"/chunked/greeting.txt")
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestMultipartUploadFromPartZero(t *testing.T) {
	t.Parallel()

	srv, httpSrv := NewTestServer(t)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/multi").StatusCode)

	objectURL := httpSrv.URL + "/multi/big.bin"
	resp := DoMethod(t, http.MethodPost, objectURL+"?uploads",
		WithHeader("Content-Type", "application/x-custom"),
		WithHeader("X-Amz-Meta-File-Size", "12"),
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var initiated s3xml.InitiateMultipartUploadResult
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&initiated))
	require.NotEmpty(t, initiated.UploadID)

	parts := [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc")}
	var manifest s3xml.CompleteMultipartUpload
	for i, data := range parts {
		resp := DoPut(t, fmt.Sprintf("%s?partNumber=%d&uploadId=%s", objectURL, i, initiated.UploadID), WithContent(data))
		require.Equalf(t, http.StatusOK, resp.StatusCode, "part %d", i)
		manifest.Parts = append(manifest.Parts, s3xml.CompletedPart{ETag: resp.Header.Get("ETag"), PartNumber: i})
	}

	body, err := xml.Marshal(manifest)
	require.NoError(t, err)
	resp = DoMethod(t, http.MethodPost, objectURL+"?uploadId="+initiated.UploadID, WithContent(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var completed s3xml.CompleteMultipartUploadResult
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&completed))
	require.Equal(t, `"`+sha256Hex([]byte("aaaabbbbcccc"))+`"`, completed.ETag)

	resp = DoGet(t, objectURL)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "aaaabbbbcccc", string(got))
	require.Equal(t, "application/x-custom", resp.Header.Get("Content-Type"))
	require.Equal(t, "12", resp.Header.Get("X-Amz-Meta-File-Size"))

	_, err = os.Stat(filepath.Join(srv.Config.DataDir, "uploads", initiated.UploadID))
	require.True(t, os.IsNotExist(err), "upload directory should be removed after completion")
}

func TestCompleteMultipartUploadRejectsBadManifests(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/manifests").StatusCode)

	objectURL := httpSrv.URL + "/manifests/obj.bin"
	resp := DoMethod(t, http.MethodPost, objectURL+"?uploads")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var initiated s3xml.InitiateMultipartUploadResult
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&initiated))

	for i, data := range []string{"first", "second"} {
		resp := DoPut(t, fmt.Sprintf("%s?partNumber=%d&uploadId=%s", objectURL, i+1, initiated.UploadID), WithContent([]byte(data)))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	complete := func(parts ...s3xml.CompletedPart) *http.Response {
		body, err := xml.Marshal(s3xml.CompleteMultipartUpload{Parts: parts})
		require.NoError(t, err)
		return DoMethod(t, http.MethodPost, objectURL+"?uploadId="+initiated.UploadID, WithContent(body))
	}

	first := `"` + sha256Hex([]byte("first")) + `"`
	second := `"` + sha256Hex([]byte("second")) + `"`

	requireS3Error(t, complete(
		s3xml.CompletedPart{ETag: second, PartNumber: 2},
		s3xml.CompletedPart{ETag: first, PartNumber: 1},
	), http.StatusBadRequest, "InvalidPartOrder")

	requireS3Error(t, complete(
		s3xml.CompletedPart{ETag: second, PartNumber: 1},
		s3xml.CompletedPart{ETag: second, PartNumber: 2},
	), http.StatusBadRequest, "InvalidPart")

	requireS3Error(t, complete(
		s3xml.CompletedPart{ETag: first, PartNumber: 1},
		s3xml.CompletedPart{ETag: second, PartNumber: 3},
	), http.StatusBadRequest, "InvalidPart")

	resp = complete(
		s3xml.CompletedPart{ETag: first, PartNumber: 1},
		s3xml.CompletedPart{ETag: second, PartNumber: 2},
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAbortMultipartUpload(t *testing.T) {
	t.Parallel()

	srv, httpSrv := NewTestServer(t)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/aborts").StatusCode)

	objectURL := httpSrv.URL + "/aborts/obj.bin"
	resp := DoMethod(t, http.MethodPost, objectURL+"?uploads")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var initiated s3xml.InitiateMultipartUploadResult
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&initiated))

	uploadDir := filepath.Join(srv.Config.DataDir, "uploads", initiated.UploadID)
	require.DirExists(t, uploadDir)

	require.Equal(t, http.StatusOK, DoPut(t, objectURL+"?partNumber=0&uploadId="+initiated.UploadID, WithContent([]byte("part"))).StatusCode)
	require.Equal(t, http.StatusNoContent, DoDelete(t, objectURL+"?uploadId="+initiated.UploadID).StatusCode)
	require.NoDirExists(t, uploadDir)

	requireS3Error(t, DoDelete(t, objectURL+"?uploadId="+initiated.UploadID), http.StatusNotFound, "NoSuchUpload")
	requireS3Error(t, DoPut(t, objectURL+"?partNumber=1&uploadId="+initiated.UploadID, WithContent([]byte("late"))), http.StatusNotFound, "NoSuchUpload")
}

func TestUploadPartNumberRange(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	require.Equal(t, http.StatusOK, DoPut(t, httpSrv.URL+"/ranges").StatusCode)

	for _, n := range []string{"-1", "10001", "one"} {
		resp := DoPut(t, httpSrv.URL+"/ranges/obj?partNumber="+n+"&uploadId=abc", WithContent([]byte("x")))
		requireS3Error(t, resp, http.StatusBadRequest, "InvalidArgument")
	}
}

func TestRecoverer(t *testing.T) {
	t.Parallel()

	srv, _ := NewTestServer(t)
	handler := srv.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSlashFix(t *testing.T) {
	t.Parallel()

	srv, _ := NewTestServer(t)

	var seen string
	handler := srv.SlashFix(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Path
	}))

	cases := map[string]string{
		"/bucket/":          "/bucket",
		"//bucket//key":     "/bucket/key",
		"/bucket/folder/":   "/bucket/folder/",
		"/":                 "/",
		"/bucket//nested//": "/bucket/nested/",
	}
	for in, want := range cases {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://example.com"+in, nil))
		require.Equalf(t, want, seen, "path %q", in)
	}
}

func TestAdminEnvelopeRequiresAdministrator(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	resp := DoMethod(t, http.MethodPost, httpSrv.URL+"/admin/v1/add-user?accessKey=bob&secretKey=bob-secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = DoGet(t, httpSrv.URL+"/admin/v1/user-infos", WithBasicAuth("bob", "bob-secret"))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var env struct {
		Code           string
		HTTPStatusCode int
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.Equal(t, "AccessDenied", env.Code)
	require.Equal(t, http.StatusForbidden, env.HTTPStatusCode)

	resp = DoGet(t, httpSrv.URL+"/admin/v1/is-admin", WithBasicAuth("bob", "bob-secret"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(raw), `"HTTPStatusCode":200`), string(raw))
}
