package auth_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"s3console/internal/auth"
	"s3console/internal/sigv4"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/require"
)

const (
	AccessKeyID     = "consoleadmin"
	SecretAccessKey = "consoleadmin"
)

type memSecrets map[string]auth.Secret

func (m memSecrets) LookupSecret(ctx context.Context, accessKeyID string) (auth.Secret, error) {
	s, ok := m[accessKeyID]
	if !ok {
		return auth.Secret{}, auth.ErrUnknownAccessKey
	}
	return s, nil
}

func testSecrets() memSecrets {
	return memSecrets{
		AccessKeyID: {SecretAccessKey: SecretAccessKey, Owner: AccessKeyID},
		"ASIATEMP":  {SecretAccessKey: "tempsecret", SessionToken: "TOKEN", Owner: AccessKeyID},
	}
}

func signRequestSigV4(t *testing.T, r *http.Request) {
	t.Helper()

	const (
		region  = "us-east-1"
		service = "s3"
	)

	// Minimal SigV4 implementation for tests, matching the server's logic.
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	if r.Host == "" {
		if r.URL.Host != "" {
			r.Host = r.URL.Host
		}
	}

	if r.Header.Get("X-Amz-Content-Sha256") == "" {
		r.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}
	r.Header.Set("X-Amz-Date", amzDate)

	signedHeaders := []string{"host", "x-amz-content-sha256", "x-amz-date"}
	canonicalReq := auth.BuildCanonicalRequest(r, signedHeaders, r.Header.Get("X-Amz-Content-Sha256"), "")
	crHash := sha256.Sum256([]byte(canonicalReq))
	crHashHex := hex.EncodeToString(crHash[:])

	credentialScope := strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		crHashHex,
	}, "\n")

	kSecret := []byte("AWS4" + SecretAccessKey)
	kDate := auth.HmacSHA256(kSecret, dateStamp)
	kRegion := auth.HmacSHA256(kDate, region)
	kService := auth.HmacSHA256(kRegion, service)
	kSigning := auth.HmacSHA256(kService, "aws4_request")
	sig := auth.HmacSHA256(kSigning, stringToSign)
	sigHex := hex.EncodeToString(sig)

	cred := strings.Join([]string{AccessKeyID, dateStamp, region, service, "aws4_request"}, "/")
	auth := strings.Join([]string{
		"AWS4-HMAC-SHA256 Credential=" + cred,
		"SignedHeaders=host;x-amz-content-sha256;x-amz-date",
		"Signature=" + sigHex,
	}, ", ")

	r.Header.Set("Authorization", auth)
}

// newVerifyingServer returns a server answering 200 when engine accepts the
// request and 403 with the error text otherwise.
func newVerifyingServer(t *testing.T, engine auth.AuthEngine) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := engine.AuthenticateRequest(r.Context(), r)
		switch {
		case err != nil:
			http.Error(w, err.Error(), http.StatusForbidden)
		case user == nil:
			http.Error(w, "anonymous", http.StatusUnauthorized)
		default:
			_, _ = w.Write([]byte(user.AccessKeyID + ":" + user.Owner))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRequireAuthentication_AWSSigV4_Succeeds(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(testSecrets())
	require.NotNil(t, e, "expected AWS HMAC auth engine to be created")

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)
	signRequestSigV4(t, req)

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err, "expected AWS SigV4 authentication to succeed")
	require.NotNil(t, user, "expected non-nil user from successful AWS SigV4 authentication")
	require.Equal(t, AccessKeyID, user.Owner)
}

func TestRequireAuthentication_AWSSigV4_InvalidSignature(t *testing.T) {

	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(testSecrets())
	require.NotNil(t, e, "expected AWS HMAC auth engine to be created")

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)
	signRequestSigV4(t, req)

	// Corrupt the signature.
	req.Header.Set("Authorization", req.Header.Get("Authorization")+"0")

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.Error(t, err, "expected AWS SigV4 authentication to fail with invalid signature")
	require.Nil(t, user, "expected nil user from failed AWS SigV4 authentication")
}

func TestRequireAuthentication_NoAuthorizationIsNotApplicable(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(testSecrets())
	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, user)
}

func TestSignerAndVerifierAgreeOverTheWire(t *testing.T) {
	t.Parallel()

	srv := newVerifyingServer(t, auth.NewAwsHmacAuthEngine(testSecrets()))

	cases := []sigv4.Request{
		{Service: "s3", Method: http.MethodGet, Path: "/bucket", Query: map[string]string{"list-type": "2", "prefix": "docs/a b+c", "delimiter": "/"}, ApplyChecksum: true},
		{Service: "s3", Method: http.MethodPut, Path: "/bucket/dir/ü file (1).txt", Body: []byte("payload"), ContentType: "text/plain", ApplyChecksum: true},
		{Service: "s3", Method: http.MethodPost, Path: "/bucket/big.bin", Query: map[string]string{"uploads": ""}, Meta: map[string]string{"File-Size": "123"}},
		{Service: "sts", Method: http.MethodPost, Path: "/", Body: []byte("Action=AssumeRole"), ContentType: "application/x-www-form-urlencoded"},
	}

	for _, tc := range cases {
		signer := sigv4.NewSigner(
			sigv4.WithEndpoint(srv.URL),
			sigv4.WithRegion("us-east-1"),
			sigv4.WithCredentials(aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: AccessKeyID, SecretAccessKey: SecretAccessKey}, nil
			})),
		)

		signed, err := signer.Sign(t.Context(), tc)
		require.NoError(t, err)

		resp, err := http.DefaultClient.Do(signed.Request)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equalf(t, http.StatusOK, resp.StatusCode, "%s %s", tc.Method, tc.Path)
	}
}

func TestTemporaryCredentialsRequireToken(t *testing.T) {
	t.Parallel()

	srv := newVerifyingServer(t, auth.NewAwsHmacAuthEngine(testSecrets()))

	withToken := sigv4.NewSigner(sigv4.WithEndpoint(srv.URL), sigv4.WithRegion("us-east-1"))
	signed, err := withToken.Sign(t.Context(), sigv4.Request{
		Service:     "s3",
		Method:      http.MethodGet,
		Path:        "/",
		Credentials: &aws.Credentials{AccessKeyID: "ASIATEMP", SecretAccessKey: "tempsecret", SessionToken: "TOKEN"},
	})
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(signed.Request)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	signed, err = withToken.Sign(t.Context(), sigv4.Request{
		Service:     "s3",
		Method:      http.MethodGet,
		Path:        "/",
		Credentials: &aws.Credentials{AccessKeyID: "ASIATEMP", SecretAccessKey: "tempsecret"},
	})
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(signed.Request)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUnknownAccessKey(t *testing.T) {
	t.Parallel()

	signer := sigv4.NewSigner(sigv4.WithEndpoint("http://example.com"), sigv4.WithRegion("us-east-1"))
	signed, err := signer.Sign(t.Context(), sigv4.Request{
		Service:     "s3",
		Method:      http.MethodGet,
		Path:        "/",
		Credentials: &aws.Credentials{AccessKeyID: "nobody", SecretAccessKey: "x"},
	})
	require.NoError(t, err)

	_, err = auth.NewAwsHmacAuthEngine(testSecrets()).AuthenticateRequest(t.Context(), signed.Request)
	require.ErrorIs(t, err, auth.ErrUnknownAccessKey)
}

func TestPresignedRequests(t *testing.T) {
	t.Parallel()

	signedAt := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := signedAt.Add(30 * time.Second)

	engine := auth.NewAwsPresignAuthEngine(testSecrets())
	engine.Now = func() time.Time { return now }
	srv := newVerifyingServer(t, engine)

	signer := sigv4.NewSigner(
		sigv4.WithEndpoint(srv.URL),
		sigv4.WithRegion("us-east-1"),
		sigv4.WithClock(func() time.Time { return signedAt }),
		sigv4.WithCredentials(aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: AccessKeyID, SecretAccessKey: SecretAccessKey}, nil
		})),
	)

	get := func(rawURL string) int {
		resp, err := http.Get(rawURL)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	valid, err := signer.Presign(t.Context(), "/bucket/shared report.pdf", time.Minute, nil, "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, get(valid))

	expired, err := signer.Presign(t.Context(), "/bucket/shared report.pdf", 30*time.Second, nil, "")
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, get(expired), "a URL is not valid at date+expires")

	zero, err := signer.Presign(t.Context(), "/bucket/key", 0, nil, "")
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, get(zero))

	require.Equal(t, http.StatusForbidden, get(valid+"0"), "tampered signature")
}

func TestCompoundAuthEngine(t *testing.T) {
	t.Parallel()

	secrets := testSecrets()
	e := auth.NewCompoundAuthEngine(
		auth.NewAwsHmacAuthEngine(secrets),
		auth.NewAwsPresignAuthEngine(secrets),
		auth.NewBasicAuthEngine(secrets),
	)

	anonymous := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	user, err := e.AuthenticateRequest(t.Context(), anonymous)
	require.NoError(t, err)
	require.Nil(t, user)

	basic := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	basic.SetBasicAuth(AccessKeyID, SecretAccessKey)
	user, err = e.AuthenticateRequest(t.Context(), basic)
	require.NoError(t, err)
	require.NotNil(t, user)
	require.Equal(t, AccessKeyID, user.AccessKeyID)

	wrong := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	wrong.SetBasicAuth(AccessKeyID, "nope")
	_, err = e.AuthenticateRequest(t.Context(), wrong)
	require.True(t, errors.Is(err, auth.ErrSignatureMismatch))

	temp := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	temp.SetBasicAuth("ASIATEMP", "tempsecret")
	_, err = e.AuthenticateRequest(t.Context(), temp)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}
