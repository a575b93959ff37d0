package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"s3console/internal/console"
	"s3console/internal/sigv4"
	"s3console/internal/ui"
	"s3console/internal/upload"
)

// maxMemory is how much of an upload form is held in memory before it
// spills to disk.
const maxMemory = 32 << 20

func bucketURL(bucket string, prefix string) string {
	return "/bucket/" + bucket + "/" + ui.PathEscape(prefix)
}

func (s *Server) Home(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	buckets, err := s.client.ListBuckets(ctx)
	if errors.Is(err, console.ErrAuthInvalidated) {
		s.fail(w, r, err, "/")
		return
	}

	uiBuckets := make([]ui.Bucket, 0, len(buckets))
	for _, b := range buckets {
		uiBuckets = append(uiBuckets, ui.Bucket{
			Name:         b.Name,
			CreationDate: b.Created.UTC().Format(time.RFC3339),
		})
	}

	s.render(ctx, w, http.StatusOK, ui.BucketsPage(s.page(), uiBuckets))
}

func (s *Server) CreateBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, fmt.Sprintf("failed to parse form: %v", err), http.StatusBadRequest)
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		msg := "bucket name is required"
		if isHTMX(r) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = fmt.Fprintf(w, "<p class=\"error-message\">%s</p>", html.EscapeString(msg))
			return
		}
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	if err := s.client.CreateBucket(ctx, name); err != nil {
		s.fail(w, r, err, "/")
		return
	}

	redirect(w, r, bucketURL(name, ""))
}

func (s *Server) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue("bucket")
	if err := s.client.DeleteBucket(r.Context(), bucket); err != nil {
		s.fail(w, r, err, "/")
		return
	}
	redirect(w, r, "/")
}

func (s *Server) BucketContents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := r.PathValue("bucket")
	prefix := r.PathValue("prefix")
	token := r.URL.Query().Get("token")

	view := ui.Listing{
		Bucket: bucket,
		Prefix: prefix,
		Upload: s.uploadStatus(bucket),
	}

	listing, err := s.client.ListObjects(ctx, bucket, prefix, token, s.cfg.PageSize)
	if errors.Is(err, console.ErrAuthInvalidated) {
		s.fail(w, r, err, "/")
		return
	}
	if listing != nil {
		for _, p := range listing.Folders {
			view.Folders = append(view.Folders, ui.Folder{
				Prefix: p,
				Name:   strings.TrimPrefix(p, prefix),
			})
		}
		for _, o := range listing.Objects {
			if o.Key == prefix {
				// The marker of the folder being listed.
				continue
			}
			view.Objects = append(view.Objects, ui.Object{
				Key:          o.Key,
				Name:         strings.TrimPrefix(o.Key, prefix),
				Size:         console.FormatBytes(o.Size),
				LastModified: o.LastModified.UTC().Format(time.RFC3339),
			})
		}
		view.NextToken = listing.NextToken
	}

	s.render(ctx, w, http.StatusOK, ui.ObjectsPage(s.page(), view))
}

func (s *Server) CreateFolder(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue("bucket")
	if err := r.ParseForm(); err != nil {
		http.Error(w, fmt.Sprintf("failed to parse form: %v", err), http.StatusBadRequest)
		return
	}

	prefix := r.FormValue("prefix")
	name := strings.Trim(strings.TrimSpace(r.FormValue("name")), console.Delimiter)
	if name == "" {
		s.flash.Notify(r.Context(), "folder name is required")
		redirect(w, r, bucketURL(bucket, prefix))
		return
	}

	if err := s.client.CreateFolder(r.Context(), bucket, prefix+name); err != nil {
		s.fail(w, r, err, bucketURL(bucket, prefix))
		return
	}
	redirect(w, r, bucketURL(bucket, prefix+name+console.Delimiter))
}

// Upload spools the posted file to disk and uploads it in the background.
// The browser follows the progress on the bucket page.
func (s *Server) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := r.PathValue("bucket")

	if err := r.ParseMultipartForm(maxMemory); err != nil {
		http.Error(w, fmt.Sprintf("failed to parse upload: %v", err), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	prefix := r.FormValue("prefix")
	back := bucketURL(bucket, prefix)

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read upload: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	name := path.Base(strings.ReplaceAll(header.Filename, "\\", "/"))
	if name == "." || name == "/" {
		http.Error(w, "upload has no file name", http.StatusBadRequest)
		return
	}
	key := prefix + name

	job, previous, ok := s.reserveUpload(bucket, key)
	if !ok {
		s.flash.Notify(ctx, upload.ErrUploadInProgress.Error())
		redirect(w, r, back)
		return
	}

	spool, err := os.CreateTemp("", "s3console-upload-*")
	if err != nil {
		s.releaseUpload(job, previous)
		s.cfg.Logger.ErrorContext(ctx, "Create upload spool", "err", err)
		http.Error(w, "failed to store upload", http.StatusInternalServerError)
		return
	}
	size, err := io.Copy(spool, file)
	if err != nil {
		spool.Close()
		os.Remove(spool.Name())
		s.releaseUpload(job, previous)
		s.cfg.Logger.ErrorContext(ctx, "Spool upload", "err", err)
		http.Error(w, "failed to store upload", http.StatusInternalServerError)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	s.startUpload(context.WithoutCancel(ctx), job, spool, size, contentType)
	redirect(w, r, back)
}

// reserveUpload claims the single upload slot for bucket/key. It fails when
// another upload holds the slot, including one still spooling.
func (s *Server) reserveUpload(bucket string, key string) (job *uploadJob, previous *uploadJob, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job != nil && s.job.running {
		return nil, nil, false
	}
	previous = s.job
	s.job = &uploadJob{bucket: bucket, key: key, running: true}
	return s.job, previous, true
}

// releaseUpload gives back a reservation that never started uploading.
func (s *Server) releaseUpload(job *uploadJob, previous *uploadJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job == job {
		s.job = previous
	}
}

func (s *Server) startUpload(ctx context.Context, job *uploadJob, spool *os.File, size int64, contentType string) {
	bucket, key := job.bucket, job.key

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer os.Remove(spool.Name())
		defer spool.Close()

		_, err := s.uploader.Upload(ctx, bucket, key, spool, size, contentType)
		if errors.Is(err, upload.ErrUploadInProgress) {
			s.flash.Notify(ctx, err.Error())
		}

		result := "done"
		if err != nil {
			result = "failed"
		} else {
			s.metrics.UploadedBytes.Add(float64(size))
		}
		s.metrics.Uploads.WithLabelValues(result).Inc()

		s.mu.Lock()
		job.running = false
		job.err = err
		s.mu.Unlock()
	}()
}

// uploadStatus reports the browser upload into bucket, or nil when the last
// upload went elsewhere.
func (s *Server) uploadStatus(bucket string) *ui.UploadStatus {
	s.mu.Lock()
	job := s.job
	var (
		running bool
		err     error
	)
	if job != nil {
		running, err = job.running, job.err
	}
	s.mu.Unlock()

	if job == nil || (bucket != "" && job.bucket != bucket) {
		return nil
	}

	status := &ui.UploadStatus{
		Key:     job.key,
		Percent: s.uploader.Progress(),
		Running: running,
		State:   "uploading",
	}
	switch {
	case running:
	case err != nil:
		status.State = "failed"
	default:
		status.State = "done"
	}
	return status
}

// UploadProgress serves the polled progress fragment. When the upload has
// ended the page is reloaded so that the listing shows the new object.
func (s *Server) UploadProgress(w http.ResponseWriter, r *http.Request) {
	status := s.uploadStatus("")
	if status != nil && !status.Running && isHTMX(r) {
		w.Header().Set("HX-Refresh", "true")
	}
	s.render(r.Context(), w, http.StatusOK, ui.UploadProgress(status))
}

func (s *Server) Download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := r.PathValue("bucket")
	key := r.PathValue("key")

	body, info, err := s.client.GetObject(ctx, bucket, key)
	if err != nil {
		s.fail(w, r, err, bucketURL(bucket, parentPrefix(key)))
		return
	}
	defer body.Close()

	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))

	if _, err := io.Copy(w, body); err != nil {
		s.cfg.Logger.WarnContext(ctx, "Download interrupted", "bucket", bucket, "key", key, "err", err)
	}
}

func (s *Server) DeleteObject(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue("bucket")
	key := r.PathValue("key")
	back := bucketURL(bucket, parentPrefix(key))

	if err := s.client.DeleteObject(r.Context(), bucket, key); err != nil {
		s.fail(w, r, err, back)
		return
	}
	redirect(w, r, back)
}

// Share presigns a download link. The expiry query parameter is a Go
// duration; it defaults to the configured share expiry.
func (s *Server) Share(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := r.PathValue("bucket")
	key := r.PathValue("key")
	back := bucketURL(bucket, parentPrefix(key))

	expiry := s.cfg.ShareExpiry
	if raw := r.URL.Query().Get("expiry"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > sigv4.MaxPresignExpiry {
			s.flash.Notify(ctx, fmt.Sprintf("invalid share expiry %q", raw))
			redirect(w, r, back)
			return
		}
		expiry = d
	}

	link, err := s.client.Share(ctx, bucket, key, expiry)
	if err != nil {
		s.fail(w, r, err, back)
		return
	}

	expires := "the link expires"
	if at, err := sigv4.PresignedExpiry(link); err == nil {
		expires = at.UTC().Format(time.RFC3339)
	}

	s.render(ctx, w, http.StatusOK, ui.SharePage(s.page(), bucket, key, link, expires))
}

func (s *Server) Policy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := r.PathValue("bucket")

	var text string
	pending := s.flash.Drain()
	policy, err := s.client.GetBucketPolicy(ctx, bucket)
	switch {
	case errors.Is(err, console.ErrAuthInvalidated):
		s.fail(w, r, err, "/")
		return
	case isServiceCode(err, "NoSuchBucketPolicy"):
		// No policy is not worth a notice.
		s.flash.Drain()
	case err == nil:
		var pretty bytes.Buffer
		if json.Indent(&pretty, policy, "", "  ") == nil {
			text = pretty.String()
		} else {
			text = string(policy)
		}
	}

	page := s.page()
	page.Notices = append(pending, page.Notices...)
	s.render(ctx, w, http.StatusOK, ui.PolicyPage(page, bucket, text))
}

// SavePolicy stores the posted policy. An empty policy removes it.
func (s *Server) SavePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := r.PathValue("bucket")
	back := "/policy/" + bucket

	if err := r.ParseForm(); err != nil {
		http.Error(w, fmt.Sprintf("failed to parse form: %v", err), http.StatusBadRequest)
		return
	}

	policy := strings.TrimSpace(r.FormValue("policy"))
	var err error
	if policy == "" {
		err = s.client.DeleteBucketPolicy(ctx, bucket)
	} else {
		err = s.client.PutBucketPolicy(ctx, bucket, json.RawMessage(policy))
	}
	if err != nil {
		s.fail(w, r, err, back)
		return
	}
	redirect(w, r, back)
}

func isServiceCode(err error, code string) bool {
	var svcErr *console.ServiceError
	return errors.As(err, &svcErr) && svcErr.Code == code
}

func parentPrefix(key string) string {
	i := strings.LastIndex(strings.TrimSuffix(key, console.Delimiter), console.Delimiter)
	if i < 0 {
		return ""
	}
	return key[:i+1]
}
