package devstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"s3console/internal/s3xml"

	"github.com/google/uuid"
)

// Part numbers start at 0 here; AWS starts at 1.
const maxPartNumber = 10000

type multipartUpload struct {
	Bucket      string
	Key         string
	ContentType sql.NullString
	Meta        sql.NullString
}

func (s *Server) uploadDir(uploadID string) string {
	return filepath.Join(s.uploadsDir(), uploadID)
}

func partPath(uploadDir string, partNumber int) string {
	return filepath.Join(uploadDir, fmt.Sprintf("part-%06d", partNumber))
}

// lookupUpload loads an in-progress upload of bucket/key, or sql.ErrNoRows.
func (s *Server) lookupUpload(ctx context.Context, bucket, key, uploadID string) (multipartUpload, error) {
	var up multipartUpload
	err := s.Db.QueryRowContext(ctx,
		`SELECT bucket, key, content_type, meta FROM multipart_uploads WHERE upload_id = ? AND bucket = ? AND key = ?`,
		uploadID, bucket, key,
	).Scan(&up.Bucket, &up.Key, &up.ContentType, &up.Meta)
	return up, err
}

func writeNoSuchUpload(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchUpload", "The specified multipart upload does not exist.", r.URL.Path, http.StatusNotFound)
}

// handleCreateMultipartUpload implements CreateMultipartUpload
// (InitiateMultipartUpload): POST /bucket/key?uploads
func (s *Server) handleCreateMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateObjectKeyOrError(w, r, key) {
		return
	}
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	meta, err := encodeMeta(userMeta(r.Header))
	if err != nil {
		slog.Error("Encode upload metadata", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	uploadID := uuid.NewString()
	if err := os.MkdirAll(s.uploadDir(uploadID), 0o755); err != nil {
		slog.Error("Create multipart upload dir", "upload_id", uploadID, "err", err)
		writeInternalError(w, r)
		return
	}

	_, err = s.Db.ExecContext(ctx,
		`INSERT INTO multipart_uploads(upload_id, bucket, key, content_type, meta, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		uploadID, bucket, key, contentType, meta, s.now(),
	)
	if err != nil {
		slog.Error("Record multipart upload", "bucket", bucket, "key", key, "err", err)
		_ = os.RemoveAll(s.uploadDir(uploadID))
		writeInternalError(w, r)
		return
	}

	slog.Debug("Multipart upload created", "bucket", bucket, "key", key, "upload_id", uploadID)

	resp := s3xml.InitiateMultipartUploadResult{
		XMLNS:    s3xml.S3XMLNamespace,
		Bucket:   bucket,
		Key:      key,
		UploadID: uploadID,
	}
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode create multipart upload XML", "bucket", bucket, "key", key, "err", err)
	}
}

// handleUploadPart implements UploadPart: PUT /bucket/key?partNumber=N&uploadId=ID
func (s *Server) handleUploadPart(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string, partNumber int) {
	if _, err := s.lookupUpload(ctx, bucket, key, uploadID); errors.Is(err, sql.ErrNoRows) {
		writeNoSuchUpload(w, r)
		return
	} else if err != nil {
		slog.Error("Lookup multipart upload", "upload_id", uploadID, "err", err)
		writeInternalError(w, r)
		return
	}

	defer r.Body.Close()
	dir := s.uploadDir(uploadID)
	tempPath, _, hashHex, err := receiveToTemp(dir, r)
	if err != nil {
		writePayloadError(w, r, err)
		return
	}

	// A part uploaded twice replaces the earlier one.
	if err := os.Rename(tempPath, partPath(dir, partNumber)); err != nil {
		_ = os.Remove(tempPath)
		slog.Error("Store upload part", "upload_id", uploadID, "part", partNumber, "err", err)
		writeInternalError(w, r)
		return
	}

	w.Header().Set("ETag", createETag(hashHex))
	w.WriteHeader(http.StatusOK)
}

// handleCompleteMultipartUpload implements CompleteMultipartUpload:
// POST /bucket/key?uploadId=ID
func (s *Server) handleCompleteMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	up, err := s.lookupUpload(ctx, bucket, key, uploadID)
	if errors.Is(err, sql.ErrNoRows) {
		writeNoSuchUpload(w, r)
		return
	}
	if err != nil {
		slog.Error("Lookup multipart upload", "upload_id", uploadID, "err", err)
		writeInternalError(w, r)
		return
	}

	defer r.Body.Close()
	var req s3xml.CompleteMultipartUpload
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		writeS3Error(w, "MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema.", r.URL.Path, http.StatusBadRequest)
		return
	}
	if len(req.Parts) == 0 {
		writeS3Error(w, "InvalidRequest", "You must specify at least one part.", r.URL.Path, http.StatusBadRequest)
		return
	}
	for i, part := range req.Parts {
		if part.PartNumber < 0 || part.PartNumber > maxPartNumber {
			writeS3Error(w, "InvalidArgument", "Invalid part number.", r.URL.Path, http.StatusBadRequest)
			return
		}
		if i > 0 && part.PartNumber <= req.Parts[i-1].PartNumber {
			writeS3Error(w, "InvalidPartOrder", "The list of parts was not in ascending order.", r.URL.Path, http.StatusBadRequest)
			return
		}
	}

	dir := s.uploadDir(uploadID)
	finalPath, size, hashHex, err := assembleParts(dir, req.Parts)
	if err != nil {
		var perr *payloadError
		if errors.As(err, &perr) {
			writeS3Error(w, perr.Code, perr.Message, r.URL.Path, http.StatusBadRequest)
			return
		}
		slog.Error("Assemble multipart upload", "upload_id", uploadID, "err", err)
		writeInternalError(w, r)
		return
	}
	defer func() {
		if err := os.Remove(finalPath); err != nil && !os.IsNotExist(err) {
			slog.Debug("Failed to remove assembled upload", "path", finalPath, "err", err)
		}
	}()

	if err := s.Config.Engine.PutObjectFromFile(bucket, hashHex, finalPath, size); err != nil {
		slog.Error("Store completed multipart object", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	if err := s.storeObject(ctx, bucket, key, hashHex, size, up.ContentType.String, decodeMeta(up.Meta)); err != nil {
		slog.Error("Upsert object metadata (complete multipart)", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}
	s.dropUpload(ctx, uploadID)
	s.recordRequest(ctx, directionPut, key, size)

	slog.Info("Multipart upload completed", "bucket", bucket, "key", key, "parts", len(req.Parts), "size", size)

	resp := s3xml.CompleteMultipartUploadResult{
		XMLNS:    s3xml.S3XMLNamespace,
		Location: fmt.Sprintf("/%s/%s", bucket, key),
		Bucket:   bucket,
		Key:      key,
		ETag:     createETag(hashHex),
	}
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode complete multipart upload XML", "bucket", bucket, "key", key, "err", err)
	}
}

// assembleParts concatenates the listed parts into a new file in dir and
// checks every part against the ETag the client sent for it.
func assembleParts(dir string, parts []s3xml.CompletedPart) (string, int64, string, error) {
	final, err := os.CreateTemp(dir, "final-*")
	if err != nil {
		return "", 0, "", err
	}
	finalPath := final.Name()

	fail := func(err error) (string, int64, string, error) {
		_ = final.Close()
		_ = os.Remove(finalPath)
		return "", 0, "", err
	}

	whole := sha256.New()
	var total int64
	buf := make([]byte, 32*1024)

	for _, part := range parts {
		pf, err := os.Open(partPath(dir, part.PartNumber))
		if errors.Is(err, os.ErrNotExist) {
			return fail(&payloadError{"InvalidPart", "One or more of the specified parts could not be found."})
		}
		if err != nil {
			return fail(err)
		}

		partHash := sha256.New()
		n, err := io.CopyBuffer(final, io.TeeReader(pf, io.MultiWriter(whole, partHash)), buf)
		_ = pf.Close()
		if err != nil {
			return fail(err)
		}
		total += n

		if got := hex.EncodeToString(partHash.Sum(nil)); !strings.EqualFold(strings.Trim(part.ETag, `"`), got) {
			return fail(&payloadError{"InvalidPart", fmt.Sprintf("The ETag of part %d does not match.", part.PartNumber)})
		}
	}

	if err := final.Close(); err != nil {
		_ = os.Remove(finalPath)
		return "", 0, "", err
	}
	return finalPath, total, hex.EncodeToString(whole.Sum(nil)), nil
}

// dropUpload forgets an upload and removes its parts.
func (s *Server) dropUpload(ctx context.Context, uploadID string) {
	if _, err := s.Db.ExecContext(ctx, `DELETE FROM multipart_uploads WHERE upload_id = ?`, uploadID); err != nil {
		slog.Warn("Delete multipart upload record", "upload_id", uploadID, "err", err)
	}
	if err := os.RemoveAll(s.uploadDir(uploadID)); err != nil {
		slog.Debug("Failed to remove multipart upload dir", "upload_id", uploadID, "err", err)
	}
}

// handleAbortMultipartUpload implements AbortMultipartUpload:
// DELETE /bucket/key?uploadId=ID
func (s *Server) handleAbortMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	if _, err := s.lookupUpload(ctx, bucket, key, uploadID); errors.Is(err, sql.ErrNoRows) {
		writeNoSuchUpload(w, r)
		return
	} else if err != nil {
		slog.Error("Lookup multipart upload", "upload_id", uploadID, "err", err)
		writeInternalError(w, r)
		return
	}

	s.dropUpload(ctx, uploadID)
	slog.Info("Multipart upload aborted", "bucket", bucket, "key", key, "upload_id", uploadID)
	w.WriteHeader(http.StatusNoContent)
}
