package console

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"s3console/internal/credentials"
	"s3console/internal/s3xml"
	"s3console/internal/sigv4"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// SessionDuration is the lifetime requested for console sessions.
const SessionDuration = 24 * time.Hour

var ErrNoCredentialStore = errors.New("console has no credential store")

func assumeRoleBody() []byte {
	form := url.Values{}
	form.Set("Action", "AssumeRole")
	form.Set("DurationSeconds", fmt.Sprint(int(SessionDuration.Seconds())))
	form.Set("Version", "2011-06-15")
	return []byte(form.Encode())
}

// Login exchanges a username and password for temporary credentials and
// stores them as the active session. The username is remembered for
// credentials.UsernameTTL.
func (c *Client) Login(ctx context.Context, username string, password string) (aws.Credentials, error) {
	if c.creds == nil {
		return aws.Credentials{}, ErrNoCredentialStore
	}

	res, err := c.Do(ctx, sigv4.Request{
		Service:     "sts",
		Method:      http.MethodPost,
		Path:        "/",
		ContentType: "application/x-www-form-urlencoded",
		Body:        assumeRoleBody(),
		Credentials: &aws.Credentials{
			AccessKeyID:     username,
			SecretAccessKey: password,
		},
	}, ModeXML, nil)
	if err != nil {
		return aws.Credentials{}, err
	}

	var doc s3xml.AssumeRoleResponse
	if err := xml.Unmarshal(res.Raw, &doc); err != nil {
		err = &NetworkError{Op: "AssumeRole", Err: fmt.Errorf("decode response: %w", err)}
		c.report(ctx, err)
		return aws.Credentials{}, err
	}

	issued := doc.Result.Credentials
	creds := aws.Credentials{
		AccessKeyID:     issued.AccessKeyID,
		SecretAccessKey: issued.SecretAccessKey,
		SessionToken:    issued.SessionToken,
		Source:          credentials.StoreSource,
	}
	if issued.Expiration != "" {
		if exp, err := time.Parse(time.RFC3339, issued.Expiration); err == nil {
			creds.CanExpire = true
			creds.Expires = exp
		}
	}

	if err := c.creds.SetCredentials(creds); err != nil {
		return aws.Credentials{}, fmt.Errorf("store session: %w", err)
	}
	if err := c.creds.Set(credentials.KeyUsername, username, credentials.UsernameTTL); err != nil {
		return aws.Credentials{}, fmt.Errorf("store username: %w", err)
	}

	c.cfg.Logger.InfoContext(ctx, "Logged in", "username", username, "access_key", creds.AccessKeyID)
	return creds, nil
}

// Logout drops the stored session. The remembered username survives.
func (c *Client) Logout(ctx context.Context) error {
	if c.creds == nil {
		return ErrNoCredentialStore
	}
	if err := c.creds.Clear(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	c.cfg.Logger.InfoContext(ctx, "Logged out")
	return nil
}

// Username returns the remembered login name, or "" when none is stored.
func (c *Client) Username() string {
	if c.creds == nil {
		return ""
	}
	name, err := c.creds.Get(credentials.KeyUsername)
	if err != nil {
		return ""
	}
	return name
}
