package devstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"s3console/internal/s3xml"
)

// maxPolicySize bounds bucket policy documents.
const maxPolicySize = 20 << 10

type locationConstraint struct {
	XMLName xml.Name `xml:"LocationConstraint"`
	XMLNS   string   `xml:"xmlns,attr"`
	Region  string   `xml:",chardata"`
}

// handleBucketPut dispatches PUT /bucket.
func (s *Server) handleBucketPut(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if r.URL.Query().Has("policy") {
		s.handlePutBucketPolicy(ctx, w, r, bucket)
		return
	}
	s.handleCreateBucket(ctx, w, r, bucket)
}

// handleBucketGet dispatches GET /bucket.
func (s *Server) handleBucketGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	switch {
	case q.Has("policy"):
		s.handleGetBucketPolicy(ctx, w, r, bucket)
	case q.Has("location"):
		s.handleGetBucketLocation(ctx, w, r, bucket)
	case q.Has("uploads"):
		s.writeNotImplemented(w, r, "ListMultipartUploads")
	default:
		s.handleListObjectsV2(ctx, w, r, bucket)
	}
}

// handleBucketDelete dispatches DELETE /bucket.
func (s *Server) handleBucketDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if r.URL.Query().Has("policy") {
		s.handleDeleteBucketPolicy(ctx, w, r, bucket)
		return
	}
	s.handleDeleteBucket(ctx, w, r, bucket)
}

// handleBucketHead implements HEAD /bucket. Errors carry no body.
func (s *Server) handleBucketHead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !isValidBucketName(bucket) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	owner, err := s.bucketOwner(ctx, bucket)
	if errors.Is(err, sql.ErrNoRows) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Head bucket", "bucket", bucket, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if allowed, err := s.mayAccess(ctx, owner); err != nil || !allowed {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	w.Header().Set("X-Amz-Bucket-Region", s.Config.Region)
	w.WriteHeader(http.StatusOK)
}

// handleListBuckets implements GET /. Administrators see every bucket.
func (s *Server) handleListBuckets(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(ctx)

	admin, err := s.isAdmin(ctx, user.Owner)
	if err != nil {
		slog.Error("List buckets", "err", err)
		writeInternalError(w, r)
		return
	}

	query := `SELECT name, created_at FROM buckets ORDER BY name`
	var args []any
	if !admin {
		query = `SELECT name, created_at FROM buckets WHERE owner = ? ORDER BY name`
		args = append(args, user.Owner)
	}

	rows, err := s.Db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("List buckets", "err", err)
		writeInternalError(w, r)
		return
	}
	defer rows.Close()

	buckets := make([]s3xml.BucketEntry, 0)
	for rows.Next() {
		var (
			name    string
			created time.Time
		)
		if err := rows.Scan(&name, &created); err != nil {
			slog.Error("Scan bucket", "err", err)
			continue
		}
		buckets = append(buckets, s3xml.BucketEntry{
			Name:         name,
			CreationDate: created.UTC().Format(time.RFC3339),
		})
	}
	if err := rows.Err(); err != nil {
		slog.Error("List buckets", "err", err)
		writeInternalError(w, r)
		return
	}

	resp := s3xml.ListAllMyBucketsResult{
		XMLNS: s3xml.S3XMLNamespace,
		Owner: s3xml.Owner{
			ID:          user.Owner,
			DisplayName: user.Owner,
		},
		Buckets: buckets,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list buckets XML", "err", err)
	}
}

// handleCreateBucket implements PUT /bucket to create a new bucket.
func (s *Server) handleCreateBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	user := UserFromContext(ctx)
	now := s.now()
	res, err := s.Db.ExecContext(ctx,
		`INSERT OR IGNORE INTO buckets(name, owner, created_at, modified_at) VALUES(?, ?, ?, ?)`,
		bucket, user.Owner, now, now,
	)
	if err != nil {
		slog.Error("Create bucket", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}

	if created, _ := res.RowsAffected(); created == 0 {
		owner, err := s.bucketOwner(ctx, bucket)
		if err == nil && owner == user.Owner {
			writeS3Error(w, "BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it.", r.URL.Path, http.StatusConflict)
			return
		}
		writeS3Error(w, "BucketAlreadyExists", "The requested bucket name is not available. The bucket namespace is shared by all users of the system. Please select a different name and try again.", r.URL.Path, http.StatusConflict)
		return
	}

	slog.Info("Bucket created", "bucket", bucket, "owner", user.Owner)
	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// handleDeleteBucket implements DELETE /bucket. Only empty buckets can be
// deleted.
func (s *Server) handleDeleteBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	var notEmpty bool
	err := withTransaction(ctx, s.Db, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE bucket = ?`, bucket).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			notEmpty = true
			return nil
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, bucket)
		return err
	})
	if err != nil {
		slog.Error("Delete bucket", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}
	if notEmpty {
		writeS3Error(w, "BucketNotEmpty", "The bucket you tried to delete is not empty.", r.URL.Path, http.StatusConflict)
		return
	}

	if err := s.Config.Engine.DeleteBucket(bucket); err != nil {
		slog.Warn("Delete bucket payloads", "bucket", bucket, "err", err)
	}

	slog.Info("Bucket deleted", "bucket", bucket)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetBucketLocation implements GET /bucket?location
func (s *Server) handleGetBucketLocation(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	resp := locationConstraint{XMLNS: s3xml.S3XMLNamespace, Region: s.Config.Region}
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode bucket location XML", "bucket", bucket, "err", err)
	}
}

// handleGetBucketPolicy implements GET /bucket?policy. The stored document
// is returned verbatim.
func (s *Server) handleGetBucketPolicy(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	var document string
	err := s.Db.QueryRowContext(ctx, `SELECT document FROM policies WHERE bucket = ?`, bucket).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		writeS3Error(w, "NoSuchBucketPolicy", "The bucket policy does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Get bucket policy", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(document)))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, document)
}

// handlePutBucketPolicy implements PUT /bucket?policy.
func (s *Server) handlePutBucketPolicy(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	defer r.Body.Close()
	document, err := io.ReadAll(io.LimitReader(r.Body, maxPolicySize+1))
	if err != nil {
		writeS3Error(w, "InvalidRequest", "Failed to read request body", r.URL.Path, http.StatusBadRequest)
		return
	}
	if len(document) > maxPolicySize {
		writeS3Error(w, "PolicyTooLarge", "Policies cannot exceed 20 KB.", r.URL.Path, http.StatusBadRequest)
		return
	}
	if len(strings.TrimSpace(string(document))) == 0 || !json.Valid(document) {
		writeS3Error(w, "MalformedPolicy", "Policies must be valid JSON.", r.URL.Path, http.StatusBadRequest)
		return
	}

	_, err = s.Db.ExecContext(ctx,
		`INSERT INTO policies(bucket, document, modified_at) VALUES(?, ?, ?)
		 ON CONFLICT(bucket) DO UPDATE SET document=excluded.document, modified_at=excluded.modified_at`,
		bucket, string(document), s.now(),
	)
	if err != nil {
		slog.Error("Put bucket policy", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteBucketPolicy implements DELETE /bucket?policy.
func (s *Server) handleDeleteBucketPolicy(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	if _, err := s.Db.ExecContext(ctx, `DELETE FROM policies WHERE bucket = ?`, bucket); err != nil {
		slog.Error("Delete bucket policy", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// escapeLike escapes the LIKE wildcards of a literal prefix.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// handleListObjectsV2 implements ListObjectsV2 for a single bucket:
// GET /bucket?list-type=2[&prefix=][&delimiter=][&max-keys=][&continuation-token=]
func (s *Server) handleListObjectsV2(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	continuationToken := q.Get("continuation-token")
	startAfter := ""
	if continuationToken == "" {
		startAfter = q.Get("start-after")
	}

	maxKeys := 1000
	if raw := q.Get("max-keys"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v < maxKeys {
			maxKeys = v
		}
	}

	// Rows collapsing into one common prefix count once, so scan until a
	// page is full rather than a fixed number of rows.
	args := []any{bucket}
	query := `SELECT key, hash, size, modified_at FROM objects WHERE bucket = ?`
	if prefix != "" {
		query += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(prefix)+"%")
	}
	if continuationToken != "" {
		query += " AND key > ?"
		args = append(args, continuationToken)
	} else if startAfter != "" {
		query += " AND key > ?"
		args = append(args, startAfter)
	}
	query += " ORDER BY key"

	rows, err := s.Db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("List objects v2", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}
	defer rows.Close()

	var (
		summaries      []s3xml.ObjectSummary
		commonPrefixes []s3xml.CommonPrefix
		seenPrefixes   = make(map[string]struct{})
		isTruncated    bool
		entryCount     int
		lastEmitted    string
	)

	for rows.Next() {
		var (
			key        string
			hashHex    string
			size       int64
			modifiedAt time.Time
		)
		if err := rows.Scan(&key, &hashHex, &size, &modifiedAt); err != nil {
			slog.Error("Scan object (v2)", "bucket", bucket, "err", err)
			continue
		}

		summary := s3xml.ObjectSummary{
			Key:          key,
			LastModified: modifiedAt.UTC().Format(time.RFC3339),
			ETag:         createETag(hashHex),
			Size:         size,
			StorageClass: "STANDARD",
		}

		cp := ""
		if delimiter != "" {
			rel := strings.TrimPrefix(key, prefix)
			if idx := strings.Index(rel, delimiter); idx != -1 {
				cp = prefix + rel[:idx+len(delimiter)]
			}
		}

		if cp != "" {
			if _, ok := seenPrefixes[cp]; ok {
				lastEmitted = key
				continue
			}
		}

		if entryCount == maxKeys {
			isTruncated = true
			break
		}
		entryCount++
		lastEmitted = key

		if cp != "" {
			seenPrefixes[cp] = struct{}{}
			commonPrefixes = append(commonPrefixes, s3xml.CommonPrefix{Prefix: cp})
			continue
		}
		summaries = append(summaries, summary)
	}

	nextContinuationToken := ""
	if isTruncated {
		nextContinuationToken = lastEmitted
	}

	resp := s3xml.ListBucketResultV2{
		XMLNS:                 s3xml.S3XMLNamespace,
		Name:                  bucket,
		Prefix:                prefix,
		Delimiter:             delimiter,
		KeyCount:              entryCount,
		MaxKeys:               maxKeys,
		IsTruncated:           isTruncated,
		ContinuationToken:     continuationToken,
		NextContinuationToken: nextContinuationToken,
		StartAfter:            startAfter,
		Contents:              summaries,
		CommonPrefixes:        commonPrefixes,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list objects v2 XML", "bucket", bucket, "err", err)
	}
}
