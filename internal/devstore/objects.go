package devstore

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"s3console/internal/sigv4"
)

const metaPrefix = sigv4.HeaderMetaPrefix

type objectRow struct {
	Hash        string
	Size        int64
	ContentType sql.NullString
	Meta        sql.NullString
	ModifiedAt  time.Time
}

// lookupObject loads the metadata row of bucket/key, or sql.ErrNoRows.
func (s *Server) lookupObject(ctx context.Context, bucket, key string) (objectRow, error) {
	var row objectRow
	err := s.Db.QueryRowContext(ctx,
		`SELECT hash, size, content_type, meta, modified_at FROM objects WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&row.Hash, &row.Size, &row.ContentType, &row.Meta, &row.ModifiedAt)
	return row, err
}

// releasePayload deletes the payload of hashHex in bucket once no object
// refers to it anymore.
func (s *Server) releasePayload(ctx context.Context, bucket string, hashHex string) {
	var count int
	err := s.Db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM objects WHERE bucket = ? AND hash = ?`,
		bucket, hashHex,
	).Scan(&count)
	if err != nil {
		slog.Warn("Count payload references", "bucket", bucket, "hash", hashHex, "err", err)
		return
	}
	if count > 0 {
		return
	}
	if err := s.Config.Engine.DeleteObject(bucket, hashHex); err != nil {
		slog.Warn("Delete unreferenced payload", "bucket", bucket, "hash", hashHex, "err", err)
	}
}

// storeObject records bucket/key as the payload hashHex, releasing the
// payload it replaces.
func (s *Server) storeObject(ctx context.Context, bucket, key, hashHex string, size int64, contentType string, meta map[string]string) error {
	encoded, err := encodeMeta(meta)
	if err != nil {
		return err
	}

	previous := ""
	err = withTransaction(ctx, s.Db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT hash FROM objects WHERE bucket = ? AND key = ?`, bucket, key).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return upsertObjectMetadata(ctx, tx, bucket, key, hashHex, size, contentType, encoded, s.now())
	})
	if err != nil {
		return err
	}

	if previous != "" && previous != hashHex {
		s.releasePayload(ctx, bucket, previous)
	}
	return nil
}

// handleObjectPost dispatches POST /bucket/key.
func (s *Server) handleObjectPost(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	q := r.URL.Query()
	switch {
	case q.Has("uploads"):
		s.handleCreateMultipartUpload(ctx, w, r, bucket, key)
	case q.Has("uploadId"):
		s.handleCompleteMultipartUpload(ctx, w, r, bucket, key, q.Get("uploadId"))
	default:
		s.writeNotImplemented(w, r, "POST object")
	}
}

// handleObjectDelete dispatches DELETE /bucket/key.
func (s *Server) handleObjectDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	q := r.URL.Query()
	if q.Has("uploadId") {
		s.handleAbortMultipartUpload(ctx, w, r, bucket, key, q.Get("uploadId"))
		return
	}
	s.handleDeleteObject(ctx, w, r, bucket, key)
}

// handleObjectPut implements PUT /bucket/key to store an object or a part.
func (s *Server) handleObjectPut(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateObjectKeyOrError(w, r, key) {
		return
	}
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	q := r.URL.Query()
	if uploadID := q.Get("uploadId"); uploadID != "" && q.Has("partNumber") {
		partNum, err := strconv.Atoi(q.Get("partNumber"))
		if err != nil || partNum < 0 || partNum > maxPartNumber {
			writeS3Error(w, "InvalidArgument", "Part number must be an integer between 0 and 10000, inclusive.", r.URL.Path, http.StatusBadRequest)
			return
		}
		s.handleUploadPart(ctx, w, r, bucket, key, uploadID, partNum)
		return
	}

	if r.Header.Get("X-Amz-Copy-Source") != "" {
		s.writeNotImplemented(w, r, "CopyObject")
		return
	}

	defer r.Body.Close()
	tempPath, size, hashHex, err := receiveToTemp(s.uploadsDir(), r)
	if err != nil {
		writePayloadError(w, r, err)
		return
	}
	defer func() {
		// The storage engine normally moves the file into place.
		if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
			slog.Debug("Failed to remove temp upload file", "path", tempPath, "err", err)
		}
	}()

	if err := s.Config.Engine.PutObjectFromFile(bucket, hashHex, tempPath, size); err != nil {
		slog.Error("Store object payload", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if err := s.storeObject(ctx, bucket, key, hashHex, size, contentType, userMeta(r.Header)); err != nil {
		slog.Error("Upsert object metadata", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	s.recordRequest(ctx, directionPut, key, size)

	w.Header().Set("ETag", createETag(hashHex))
	w.WriteHeader(http.StatusOK)
}

// handleObjectGet implements GET /bucket/key, including range requests.
func (s *Server) handleObjectGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	s.serveObject(ctx, w, r, bucket, key)
}

// handleObjectHead implements HEAD /bucket/key. Errors carry no body.
func (s *Server) handleObjectHead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	s.serveObject(ctx, w, r, bucket, key)
}

func (s *Server) serveObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateObjectKeyOrError(w, r, key) {
		return
	}
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	row, err := s.lookupObject(ctx, bucket, key)
	if errors.Is(err, sql.ErrNoRows) {
		writeNoSuchKeyError(w, r)
		return
	}
	if err != nil {
		slog.Error("Lookup object metadata", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	payload, err := s.Config.Engine.OpenObject(bucket, row.Hash)
	if err != nil {
		slog.Error("Open object payload", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}
	defer payload.Close()

	h := w.Header()
	if row.ContentType.Valid {
		h.Set("Content-Type", row.ContentType.String)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	h.Set("ETag", createETag(row.Hash))
	for name, value := range decodeMeta(row.Meta) {
		h.Set(metaPrefix+name, value)
	}

	http.ServeContent(w, r, key, row.ModifiedAt, payload)

	if r.Method == http.MethodGet {
		s.recordRequest(ctx, directionGet, key, row.Size)
	}
}

func (s *Server) handleDeleteObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateObjectKeyOrError(w, r, key) {
		return
	}
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	row, err := s.lookupObject(ctx, bucket, key)
	if errors.Is(err, sql.ErrNoRows) {
		// Deleting a missing key succeeds, as on S3.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		slog.Error("Lookup object for delete", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	if _, err := s.Db.ExecContext(ctx, `DELETE FROM objects WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		slog.Error("Delete object metadata", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}
	s.releasePayload(ctx, bucket, row.Hash)

	w.WriteHeader(http.StatusNoContent)
}
