// Package web serves the browser console. It keeps one session, the one of
// the operator who signed in, in the credential store it is given.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"s3console/internal/console"
	"s3console/internal/session"
	"s3console/internal/sigv4"
	"s3console/internal/ui"
	"s3console/internal/upload"

	"github.com/a-h/templ"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultPageSize is how many keys a bucket page lists.
const DefaultPageSize = 100

// SessionStore is the part of the credential store the server reads.
type SessionStore interface {
	Credentials() aws.Credentials
}

type Config struct {
	ShareExpiry time.Duration
	PageSize    int
	Gatherer    prometheus.Gatherer
	Registerer  prometheus.Registerer
	Invalidator *session.Invalidator
	Logger      *slog.Logger
}

type Option func(*Config)

// WithShareExpiry sets the lifetime of share links made without an explicit
// expiry.
func WithShareExpiry(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.ShareExpiry = d
	}
}

func WithPageSize(n int) Option {
	return func(cfg *Config) {
		cfg.PageSize = n
	}
}

// WithMetrics exposes g at /metrics and registers the server's own
// collectors with reg.
func WithMetrics(reg prometheus.Registerer, g prometheus.Gatherer) Option {
	return func(cfg *Config) {
		cfg.Registerer = reg
		cfg.Gatherer = g
	}
}

// WithInvalidator sets the invalidator whose pending navigation a new login
// cancels.
func WithInvalidator(i *session.Invalidator) Option {
	return func(cfg *Config) {
		cfg.Invalidator = i
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

// uploadJob is the upload started from the browser.
type uploadJob struct {
	bucket  string
	key     string
	running bool
	err     error
}

type Server struct {
	client   *console.Client
	uploader *upload.Orchestrator
	creds    SessionStore
	flash    *Flash
	metrics  *Metrics
	cfg      Config

	// loginRequired is set once an invalidated session has run out its
	// delay. It is cleared by the next login.
	loginRequired atomic.Bool
	isAdmin       atomic.Bool

	mu  sync.Mutex
	job *uploadJob
	wg  sync.WaitGroup
}

// New creates a Server. flash must be the notifier client reports to so
// that failures show up on the next page.
func New(client *console.Client, uploader *upload.Orchestrator, creds SessionStore, flash *Flash, opts ...Option) *Server {
	cfg := Config{
		ShareExpiry: sigv4.DefaultShareExpiry,
		PageSize:    DefaultPageSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}

	return &Server{
		client:   client,
		uploader: uploader,
		creds:    creds,
		flash:    flash,
		metrics:  NewMetrics(cfg.Registerer),
		cfg:      cfg,
	}
}

// Navigate is the session invalidator's navigation target. Every page
// request after it redirects to the login page.
func (s *Server) Navigate() {
	s.loginRequired.Store(true)
}

// Wait blocks until background uploads have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) signedIn() bool {
	return !s.loginRequired.Load() && s.creds.Credentials().HasKeys()
}

// Handler returns the console's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /login", s.LoginPage)
	mux.HandleFunc("POST /login", s.Login)
	mux.HandleFunc("POST /logout", s.Logout)

	if s.cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	app := http.NewServeMux()
	app.HandleFunc("GET /{$}", s.Home)
	app.HandleFunc("POST /buckets", s.CreateBucket)
	app.HandleFunc("POST /delete/bucket/{bucket}", s.DeleteBucket)
	app.HandleFunc("GET /bucket/{bucket}/{prefix...}", s.BucketContents)
	app.HandleFunc("POST /folder/{bucket}", s.CreateFolder)
	app.HandleFunc("POST /upload/{bucket}", s.Upload)
	app.HandleFunc("GET /upload/progress", s.UploadProgress)
	app.HandleFunc("GET /download/{bucket}/{key...}", s.Download)
	app.HandleFunc("POST /delete/object/{bucket}/{key...}", s.DeleteObject)
	app.HandleFunc("GET /share/{bucket}/{key...}", s.Share)
	app.HandleFunc("GET /policy/{bucket}", s.Policy)
	app.HandleFunc("POST /policy/{bucket}", s.SavePolicy)
	app.HandleFunc("GET /dashboard", s.Dashboard)
	app.HandleFunc("GET /users", s.Users)
	app.HandleFunc("POST /users", s.AddUser)
	app.HandleFunc("POST /users/{user}/status", s.SetUserStatus)
	app.HandleFunc("POST /users/{user}/password", s.ChangePassword)
	app.HandleFunc("POST /users/{user}/delete", s.RemoveUser)

	mux.Handle("/", s.RequireSession(app))

	return s.Recoverer(s.LogRequest(mux))
}

// page collects what every page shows. Call it after the page's data has
// been loaded so that failures while loading are part of the notices.
func (s *Server) page() ui.Page {
	return ui.Page{
		Username: s.client.Username(),
		IsAdmin:  s.isAdmin.Load(),
		Notices:  s.flash.Drain(),
	}
}

func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

// redirect sends the browser to url, through htmx when the request came
// from it.
func redirect(w http.ResponseWriter, r *http.Request, url string) {
	if isHTMX(r) {
		w.Header().Set("HX-Redirect", url)
		w.WriteHeader(http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, url, http.StatusSeeOther)
}

func (s *Server) render(ctx context.Context, w http.ResponseWriter, status int, c templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := c.Render(ctx, w); err != nil {
		s.cfg.Logger.ErrorContext(ctx, "Render page", "err", err)
	}
}

// fail ends a request whose console call failed. The failure has already
// been reported to the flash. An invalidated session shows the notice and
// moves to the login page after the invalidator's delay; anything else
// goes back to the page at back.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, back string) {
	ctx := r.Context()

	if errors.Is(err, console.ErrAuthInvalidated) {
		page := s.page()
		page.Title = "S3 Console - Session ended"
		page.Redirect = "/login"
		page.RedirectAfter = int(session.DefaultDelay / time.Second)
		s.render(ctx, w, http.StatusUnauthorized, ui.Layout(page, templ.NopComponent))
		return
	}

	if isHTMX(r) {
		if !notified(err) {
			s.flash.Notify(ctx, err.Error())
		}
		notices := s.flash.Drain()
		message := err.Error()
		if len(notices) > 0 {
			message = notices[len(notices)-1]
		}
		s.render(ctx, w, http.StatusBadRequest, ui.ErrorMessage(message))
		return
	}

	if !notified(err) {
		s.flash.Notify(ctx, err.Error())
	}
	redirect(w, r, back)
}

// notified reports whether the client has already told the user about err.
// Signing failures and invalid input never reach the service and are not.
func notified(err error) bool {
	var (
		svcErr *console.ServiceError
		netErr *console.NetworkError
	)
	return errors.As(err, &svcErr) || errors.As(err, &netErr)
}

// LoginPage renders the sign-in form, or goes home when already signed in.
func (s *Server) LoginPage(w http.ResponseWriter, r *http.Request) {
	if s.signedIn() {
		redirect(w, r, "/")
		return
	}
	s.render(r.Context(), w, http.StatusOK, ui.LoginPage(ui.Page{Notices: s.flash.Drain()}, s.client.Username()))
}

func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "failed to parse form: "+err.Error(), http.StatusBadRequest)
		return
	}

	username := r.FormValue("username")
	if _, err := s.client.Login(ctx, username, r.FormValue("password")); err != nil {
		s.render(ctx, w, http.StatusUnauthorized, ui.LoginPage(ui.Page{Notices: s.flash.Drain()}, username))
		return
	}
	if s.cfg.Invalidator != nil {
		s.cfg.Invalidator.Stop()
	}
	s.loginRequired.Store(false)

	admin, err := s.client.IsAdmin(ctx)
	if err != nil {
		s.cfg.Logger.WarnContext(ctx, "Check administrator", "username", username, "err", err)
	}
	s.isAdmin.Store(admin)

	redirect(w, r, "/")
}

func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Logout(r.Context()); err != nil {
		s.cfg.Logger.ErrorContext(r.Context(), "Logout", "err", err)
	}
	s.isAdmin.Store(false)
	redirect(w, r, "/login")
}
