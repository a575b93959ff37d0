// Package devstore is a small S3 compatible store for development and tests.
// Besides buckets, objects and multipart uploads it speaks enough STS and
// admin API for the console to run against it.
package devstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"s3console/internal/auth"
	"s3console/internal/s3xml"
	"s3console/internal/storage"

	_ "github.com/mattn/go-sqlite3"
)

var (
	//go:embed migrations
	migrationsFS embed.FS

	// Lowercase letters, digits, dots and hyphens, starting and ending with
	// a letter or digit, 3 to 63 characters long.
	bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
)

// Names the router claims for itself. They cannot be used as buckets.
var reservedBuckets = map[string]struct{}{
	"admin":   {},
	"console": {},
}

// Server provides a minimal S3-compatible HTTP API.
type Server struct {
	Config Config
	Db     *sql.DB
}

// initSchema applies all SQL files in the embedded migrations in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// NewServer initializes the metadata database, seeds the administrator and
// returns a new Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {

	if cfg.DataDir == "" {
		return nil, errors.New("DataDir must not be empty")
	}

	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.AdminAccessKey == "" {
		cfg.AdminAccessKey = DefaultAccessKeyID
	}
	if cfg.AdminSecretKey == "" {
		cfg.AdminSecretKey = DefaultSecretAccessKey
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := "file:" + filepath.Join(cfg.DataDir, "metadata.sqlite") + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Server{Config: cfg, Db: db}

	if err := s.seedAdmin(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seed admin: %w", err)
	}

	if s.Config.Engine == nil {
		s.Config.Engine = storage.NewLocalFileStorage(filepath.Join(cfg.DataDir, "objects"))
	}

	if s.Config.Authenticator == nil {
		presign := auth.NewAwsPresignAuthEngine(s)
		presign.Now = cfg.Now
		s.Config.Authenticator = auth.NewCompoundAuthEngine(
			auth.NewAwsHmacAuthEngine(s),
			presign,
			auth.NewBasicAuthEngine(s),
		)
	}

	return s, nil
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	return s.Db.Close()
}

func (s *Server) now() time.Time {
	return s.Config.Now().UTC()
}

func (s *Server) uploadsDir() string {
	return filepath.Join(s.Config.DataDir, "uploads")
}

func (s *Server) seedAdmin(ctx context.Context) error {
	_, err := s.Db.ExecContext(ctx,
		`INSERT INTO users(access_key, secret_key, admin, capacity, status, created_at)
		 VALUES(?, ?, 1, ?, 'on', ?)
		 ON CONFLICT(access_key) DO UPDATE SET
		 	secret_key=excluded.secret_key,
		 	admin=1,
		 	status='on'`,
		s.Config.AdminAccessKey, s.Config.AdminSecretKey, DefaultCapacity, s.now(),
	)
	return err
}

// withTransaction runs a function within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

// bucketOwner returns the owner of bucket, or sql.ErrNoRows.
func (s *Server) bucketOwner(ctx context.Context, bucket string) (string, error) {
	var owner string
	err := s.Db.QueryRowContext(ctx, `SELECT owner FROM buckets WHERE name = ?`, bucket).Scan(&owner)
	return owner, err
}

// requireBucket checks that bucket exists and that the caller may use it.
// It writes the error response and returns false otherwise.
func (s *Server) requireBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) bool {
	if !validateBucketNameOrError(w, r, bucket) {
		return false
	}

	owner, err := s.bucketOwner(ctx, bucket)
	if errors.Is(err, sql.ErrNoRows) {
		writeNoSuchBucketError(w, r)
		return false
	}
	if err != nil {
		slog.Error("Lookup bucket", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return false
	}

	allowed, err := s.mayAccess(ctx, owner)
	if err != nil {
		slog.Error("Check bucket access", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return false
	}
	if !allowed {
		writeAccessDenied(w, r)
		return false
	}
	return true
}

// mayAccess reports whether the caller may use resources of owner.
func (s *Server) mayAccess(ctx context.Context, owner string) (bool, error) {
	user := UserFromContext(ctx)
	if user == nil {
		return false, nil
	}
	if user.Owner == owner {
		return true, nil
	}
	return s.isAdmin(ctx, user.Owner)
}

func (s *Server) isAdmin(ctx context.Context, accessKey string) (bool, error) {
	var admin bool
	err := s.Db.QueryRowContext(ctx, `SELECT admin FROM users WHERE access_key = ?`, accessKey).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return admin, err
}

// writeNotImplemented is a helper for stubbing unsupported S3 operations.
func (s *Server) writeNotImplemented(w http.ResponseWriter, r *http.Request, op string) {
	message := op + " is not implemented."
	writeS3Error(w, "NotImplemented", message, r.URL.Path, http.StatusNotImplemented)
}

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, code string, message string, resource string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(s3xml.S3Error{
		Code:     code,
		Message:  message,
		Resource: resource,
	})
}

// writeInternalError writes a generic S3 InternalError response.
func writeInternalError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
}

// writeNoSuchBucketError writes a generic S3 NoSuchBucket error response.
func writeNoSuchBucketError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
}

// writeNoSuchKeyError writes a generic S3 NoSuchKey error response.
func writeNoSuchKeyError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
}

func writeAccessDenied(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
}

// isValidBucketName implements the standard S3 bucket naming rules for
// "virtual hosted-style" buckets.
func isValidBucketName(name string) bool {

	if !bucketNamePattern.MatchString(name) {
		return false
	}

	// Disallow patterns like "..", ".-", "-.".
	if strings.Contains(name, "..") {
		return false
	}

	for i := 1; i < len(name); i++ {
		if (name[i-1] == '.' && name[i] == '-') || (name[i-1] == '-' && name[i] == '.') {
			return false
		}
	}

	if _, reserved := reservedBuckets[name]; reserved {
		return false
	}

	// Bucket name must not be formatted as an IPv4 address.
	return net.ParseIP(name) == nil
}

// isValidObjectKey enforces basic S3 object key constraints: non-empty,
// at most 1024 bytes, and no control characters.
func isValidObjectKey(key string) bool {
	if len(key) == 0 || len(key) > 1024 {
		return false
	}

	return !strings.ContainsFunc(key, func(c rune) bool {
		return c < 0x20 || c == 0x7f
	})
}

// validateBucketNameOrError writes an S3 InvalidBucketName error and returns
// false if the provided name does not meet S3 bucket naming rules.
func validateBucketNameOrError(w http.ResponseWriter, r *http.Request, bucket string) bool {
	if !isValidBucketName(bucket) {
		writeS3Error(w, "InvalidBucketName", "The specified bucket is not valid.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	return true
}

// validateObjectKeyOrError writes an S3-style error for invalid object keys.
func validateObjectKeyOrError(w http.ResponseWriter, r *http.Request, key string) bool {
	if !isValidObjectKey(key) {
		writeS3Error(w, "InvalidObjectName", "The specified key is not valid.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	return true
}

// writeXMLResponse encodes v as XML and writes it to w with a 200 OK status.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(v)
}

// createETag formats a hash hex string as an ETag value.
func createETag(hashHex string) string {
	return fmt.Sprintf("\"%s\"", hashHex)
}

// userMeta collects the X-Amz-Meta-* headers of r, keyed by the canonical
// header name without the prefix.
func userMeta(h http.Header) map[string]string {
	meta := make(map[string]string)
	for name, values := range h {
		name = http.CanonicalHeaderKey(name)
		if len(values) == 0 || !strings.HasPrefix(name, metaPrefix) {
			continue
		}
		meta[strings.TrimPrefix(name, metaPrefix)] = values[0]
	}
	return meta
}

func encodeMeta(meta map[string]string) (sql.NullString, error) {
	if len(meta) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeMeta(raw sql.NullString) map[string]string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
		slog.Warn("Ignoring unreadable object metadata", "err", err)
		return nil
	}
	return meta
}

// upsertObjectMetadata inserts or updates an object's metadata row.
func upsertObjectMetadata(ctx context.Context, tx *sql.Tx, bucket, key, hashHex string, size int64, contentType string, meta sql.NullString, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO objects(bucket, key, hash, size, content_type, meta, created_at, modified_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bucket, key) DO UPDATE SET
		 	hash=excluded.hash,
		 	size=excluded.size,
		 	content_type=excluded.content_type,
		 	meta=excluded.meta,
		 	modified_at=excluded.modified_at`,
		bucket, key, hashHex, size, contentType, meta, now, now,
	)
	return err
}
