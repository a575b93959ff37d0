package web_test

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"s3console/internal/console"
	"s3console/internal/credentials"
	"s3console/internal/devstore"
	"s3console/internal/session"
	"s3console/internal/sigv4"
	"s3console/internal/transport"
	"s3console/internal/upload"
	"s3console/internal/web"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	server  *web.Server
	web     *httptest.Server
	store   *httptest.Server
	browser *http.Client
}

func newConsoleClient(t *testing.T, endpoint string, opts ...console.Option) (*console.Client, *credentials.Store) {
	t.Helper()

	creds, err := credentials.NewStore()
	require.NoError(t, err)

	signer := sigv4.NewSigner(
		sigv4.WithEndpoint(endpoint),
		sigv4.WithRegion(devstore.DefaultRegion),
		sigv4.WithCredentials(creds),
	)
	return console.New(signer, creds, opts...), creds
}

// newFixture runs a dev store and a web console in front of it.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	dev, err := devstore.NewServer(t.Context(), devstore.NewConfig(devstore.WithDataDir(t.TempDir())))
	require.NoError(t, err)
	storeHTTP := httptest.NewServer(dev.Handler())
	t.Cleanup(func() { _ = dev.Close() })
	t.Cleanup(storeHTTP.Close)

	reg := prometheus.NewRegistry()
	flash := web.NewFlash()

	creds, err := credentials.NewStore()
	require.NoError(t, err)

	var srv *web.Server
	inv := session.NewInvalidator(creds, func() { srv.Navigate() }, session.WithDelay(10*time.Millisecond))
	t.Cleanup(inv.Stop)

	signer := sigv4.NewSigner(
		sigv4.WithEndpoint(storeHTTP.URL),
		sigv4.WithRegion(devstore.DefaultRegion),
		sigv4.WithCredentials(creds),
	)
	client := console.New(signer, creds,
		console.WithNotifier(flash),
		console.WithInvalidator(inv),
		console.WithTransport(transport.NewClient(transport.WithMetrics(transport.NewMetrics(reg)))),
	)

	uploader := upload.New(client, upload.WithPartSize(1<<20))
	srv = web.New(client, uploader, creds, flash, web.WithMetrics(reg, reg), web.WithInvalidator(inv))

	webHTTP := httptest.NewServer(srv.Handler())
	t.Cleanup(webHTTP.Close)
	t.Cleanup(srv.Wait)

	return &fixture{
		server: srv,
		web:    webHTTP,
		store:  storeHTTP,
		browser: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (f *fixture) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := f.browser.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, f.web.URL+path, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return f.do(t, req)
}

func (f *fixture) post(t *testing.T, path string, form url.Values, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, f.web.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return f.do(t, req)
}

func (f *fixture) login(t *testing.T, username string, password string) {
	t.Helper()
	resp := f.post(t, "/login", url.Values{"username": {username}, "password": {password}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("Location"))
}

// upload posts a file through the upload form and waits for the background
// upload to end.
func (f *fixture) upload(t *testing.T, bucket string, prefix string, name string, data []byte) {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("prefix", prefix))
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, f.web.URL+"/upload/"+bucket, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp := f.do(t, req)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/bucket/"+bucket+"/"+prefix, resp.Header.Get("Location"))

	f.server.Wait()
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestPagesRequireLogin(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	resp := f.get(t, "/")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/login", resp.Header.Get("Location"))

	resp = f.get(t, "/users", "HX-Request", "true")
	require.Equal(t, "/login", resp.Header.Get("HX-Redirect"))

	resp = f.get(t, "/login")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, readBody(t, resp), "Sign in")

	resp = f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginWithWrongPassword(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	resp := f.post(t, "/login", url.Values{"username": {devstore.DefaultAccessKeyID}, "password": {"not-the-password"}})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := readBody(t, resp)
	require.Contains(t, body, "does not match")
	require.Contains(t, body, `value="`+devstore.DefaultAccessKeyID+`"`, "the username is kept in the form")

	resp = f.get(t, "/")
	require.Equal(t, "/login", resp.Header.Get("Location"))
}

func TestBrowseUploadDownloadDelete(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.login(t, devstore.DefaultAccessKeyID, devstore.DefaultSecretAccessKey)

	resp := f.post(t, "/buckets", url.Values{"name": {"photos"}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/bucket/photos/", resp.Header.Get("Location"))

	resp = f.post(t, "/buckets", url.Values{"name": {"docs"}}, "HX-Request", "true")
	require.Equal(t, "/bucket/docs/", resp.Header.Get("HX-Redirect"))

	resp = f.post(t, "/buckets", url.Values{"name": {"Not_Valid"}}, "HX-Request", "true")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, readBody(t, resp), "error-message")

	body := readBody(t, f.get(t, "/"))
	require.Contains(t, body, `href="/bucket/photos/"`)
	require.Contains(t, body, `href="/bucket/docs/"`)

	resp = f.post(t, "/folder/photos", url.Values{"prefix": {""}, "name": {"2024"}})
	require.Equal(t, "/bucket/photos/2024/", resp.Header.Get("Location"))
	require.Contains(t, readBody(t, f.get(t, "/bucket/photos/")), `href="/bucket/photos/2024/"`)

	f.upload(t, "photos", "2024/", "cat.txt", []byte("meow"))

	resp = f.get(t, "/upload/progress", "HX-Request", "true")
	require.Equal(t, "true", resp.Header.Get("HX-Refresh"))
	progress := readBody(t, resp)
	require.Contains(t, progress, "100%")
	require.Contains(t, progress, "done")

	listing := readBody(t, f.get(t, "/bucket/photos/2024/"))
	require.Contains(t, listing, `href="/download/photos/2024/cat.txt"`)
	require.Contains(t, listing, "4 B")

	resp = f.get(t, "/download/photos/2024/cat.txt")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Disposition"), "cat.txt")
	require.Equal(t, "meow", readBody(t, resp))

	resp = f.post(t, "/delete/object/photos/2024/cat.txt", nil)
	require.Equal(t, "/bucket/photos/2024/", resp.Header.Get("Location"))
	require.NotContains(t, readBody(t, f.get(t, "/bucket/photos/2024/")), "/download/photos/2024/cat.txt")

	resp = f.post(t, "/delete/bucket/docs", nil)
	require.Equal(t, "/", resp.Header.Get("Location"))
	require.NotContains(t, readBody(t, f.get(t, "/")), `href="/bucket/docs/"`)
}

func TestFailedActionShowsNoticeOnNextPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.login(t, devstore.DefaultAccessKeyID, devstore.DefaultSecretAccessKey)

	resp := f.post(t, "/delete/bucket/missing-bucket", nil)
	require.Equal(t, "/", resp.Header.Get("Location"))

	require.Contains(t, readBody(t, f.get(t, "/")), "The specified bucket does not exist")
	require.NotContains(t, readBody(t, f.get(t, "/")), "The specified bucket does not exist", "notices are shown once")
}

func TestMultipartUploadFromBrowser(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.login(t, devstore.DefaultAccessKeyID, devstore.DefaultSecretAccessKey)
	f.post(t, "/buckets", url.Values{"name": {"big"}})

	data := bytes.Repeat([]byte("0123456789abcdef"), (5<<20)/32)
	f.upload(t, "big", "", "large.bin", data)

	resp := f.get(t, "/download/big/large.bin")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, data, got)

	metrics := readBody(t, f.get(t, "/metrics"))
	require.Contains(t, metrics, `s3console_web_uploads_total{result="done"} 1`)
	require.Contains(t, metrics, "s3console_web_uploaded_bytes_total 2.62144e+06")
}

func TestConcurrentBrowserUploadsShareOneSlot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.login(t, devstore.DefaultAccessKeyID, devstore.DefaultSecretAccessKey)
	f.post(t, "/buckets", url.Values{"name": {"busy"}})

	const posts = 8
	reqs := make([]*http.Request, posts)
	for i := range reqs {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		fw, err := mw.CreateFormFile("file", fmt.Sprintf("file-%d.bin", i))
		require.NoError(t, err)
		_, err = fw.Write(bytes.Repeat([]byte{byte('a' + i)}, 256<<10))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		reqs[i], err = http.NewRequestWithContext(t.Context(), http.MethodPost, f.web.URL+"/upload/busy", &body)
		require.NoError(t, err)
		reqs[i].Header.Set("Content-Type", mw.FormDataContentType())
	}

	statuses := make(chan int, posts)
	var wg sync.WaitGroup
	for _, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.browser.Do(req)
			if err != nil {
				statuses <- 0
				return
			}
			resp.Body.Close()
			statuses <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(statuses)
	for status := range statuses {
		require.Equal(t, http.StatusSeeOther, status)
	}
	f.server.Wait()

	metrics := readBody(t, f.get(t, "/metrics"))
	require.Contains(t, metrics, `s3console_web_uploads_total{result="done"}`)
	require.NotContains(t, metrics, `s3console_web_uploads_total{result="failed"}`)
}

func TestShareLink(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.login(t, devstore.DefaultAccessKeyID, devstore.DefaultSecretAccessKey)
	f.post(t, "/buckets", url.Values{"name": {"shared"}})
	f.upload(t, "shared", "", "report.txt", []byte("quarterly"))

	resp := f.get(t, "/share/shared/report.txt?expiry=1h")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	require.Contains(t, body, sigv4.QuerySignature)
	require.Contains(t, body, sigv4.QueryExpires+"=3600")

	resp = f.get(t, "/share/shared/report.txt?expiry=banana")
	require.Equal(t, "/bucket/shared/", resp.Header.Get("Location"))
	require.Contains(t, readBody(t, f.get(t, "/bucket/shared/")), "invalid share expiry")
}

func TestBucketPolicyEditor(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.login(t, devstore.DefaultAccessKeyID, devstore.DefaultSecretAccessKey)
	f.post(t, "/buckets", url.Values{"name": {"public"}})

	body := readBody(t, f.get(t, "/policy/public"))
	require.Contains(t, body, "This bucket has no policy")
	require.NotContains(t, body, "does not exist")

	policy := `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":"*","Action":"s3:GetObject"}]}`
	resp := f.post(t, "/policy/public", url.Values{"policy": {policy}})
	require.Equal(t, "/policy/public", resp.Header.Get("Location"))
	body = readBody(t, f.get(t, "/policy/public"))
	require.Contains(t, body, "Statement")
	require.NotContains(t, body, "This bucket has no policy")

	f.post(t, "/policy/public", url.Values{"policy": {"{"}})
	require.Contains(t, readBody(t, f.get(t, "/policy/public")), "policy is not valid JSON")

	f.post(t, "/policy/public", url.Values{"policy": {""}})
	require.Contains(t, readBody(t, f.get(t, "/policy/public")), "This bucket has no policy")
}

func TestUserAdministration(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.login(t, devstore.DefaultAccessKeyID, devstore.DefaultSecretAccessKey)

	resp := f.post(t, "/users", url.Values{"accessKey": {"alice"}, "secretKey": {"alice-secret"}, "capacity": {"1 GiB"}})
	require.Equal(t, "/users", resp.Header.Get("Location"))

	body := readBody(t, f.get(t, "/users"))
	require.Contains(t, body, "<td>alice</td>")
	require.Contains(t, body, "1.0 GiB")

	f.post(t, "/users/alice/status", url.Values{"status": {"off"}})
	require.Contains(t, readBody(t, f.get(t, "/users")), "<td>alice</td><td>off</td>")
	f.post(t, "/users/alice/status", url.Values{"status": {"on"}})

	resp = f.post(t, "/users", url.Values{"accessKey": {"bob"}, "secretKey": {"bob-secret"}, "capacity": {"lots"}})
	require.Equal(t, "/users", resp.Header.Get("Location"))
	require.Contains(t, readBody(t, f.get(t, "/users")), "invalid capacity")

	f.post(t, "/users/alice/password", url.Values{"newSecretKey": {"alice-secret-2"}})

	resp = f.post(t, "/logout", nil)
	require.Equal(t, "/login", resp.Header.Get("Location"))

	f.login(t, "alice", "alice-secret-2")
	resp = f.get(t, "/users")
	require.Equal(t, "/", resp.Header.Get("Location"))
	body = readBody(t, f.get(t, "/"))
	require.Contains(t, body, "Administrator access is required")
	require.NotContains(t, body, `href="/users"`)

	f.post(t, "/logout", nil)
	f.login(t, devstore.DefaultAccessKeyID, devstore.DefaultSecretAccessKey)
	f.post(t, "/users/alice/delete", nil)
	require.NotContains(t, readBody(t, f.get(t, "/users")), "<td>alice</td>")
}

func TestInvalidatedSessionReturnsToLogin(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	admin, _ := newConsoleClient(t, f.store.URL)
	_, err := admin.Login(ctx, devstore.DefaultAccessKeyID, devstore.DefaultSecretAccessKey)
	require.NoError(t, err)
	require.NoError(t, admin.AddUser(ctx, "mallory", "mallory-secret", 0))

	f.login(t, "mallory", "mallory-secret")
	require.Equal(t, http.StatusOK, f.get(t, "/").StatusCode)

	require.NoError(t, admin.SetUserStatus(ctx, "mallory", console.UserStatusOff))

	resp := f.get(t, "/")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := readBody(t, resp)
	require.Contains(t, body, `http-equiv="refresh" content="3;url=/login"`)
	require.Contains(t, body, "does not exist in our records")

	require.Eventually(t, func() bool {
		return f.get(t, "/").Header.Get("Location") == "/login"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, admin.SetUserStatus(ctx, "mallory", console.UserStatusOn))
	f.login(t, "mallory", "mallory-secret")
	require.Equal(t, http.StatusOK, f.get(t, "/").StatusCode)
}

func TestDashboard(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.login(t, devstore.DefaultAccessKeyID, devstore.DefaultSecretAccessKey)
	f.post(t, "/buckets", url.Values{"name": {"notes"}})
	f.upload(t, "notes", "", "todo.txt", []byte("hello"))

	body := readBody(t, f.get(t, "/dashboard"))
	require.Contains(t, body, "<th scope=\"row\">notes</th><td>5 B</td>")
	require.Contains(t, body, "Storage pool")
	require.Contains(t, body, "Uploads by type")
	require.Contains(t, body, "<th scope=\"row\">txt</th>")
}
