package ui

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/a-h/templ"
)

// Bucket represents a single S3 bucket for display.
type Bucket struct {
	Name         string
	CreationDate string
}

// Object represents a single object within a bucket for display.
type Object struct {
	Key          string
	Name         string
	Size         string
	LastModified string
}

// Folder is a common prefix one level below the listed prefix.
type Folder struct {
	Prefix string
	Name   string
}

// Listing is one page of a bucket.
type Listing struct {
	Bucket    string
	Prefix    string
	Folders   []Folder
	Objects   []Object
	NextToken string
	Upload    *UploadStatus
}

// BucketsPage renders the list of buckets.
func BucketsPage(page Page, buckets []Bucket) templ.Component {
	page.Title = "S3 Console - Buckets"
	return Layout(page, templ.ComponentFunc(func(ctx context.Context, out io.Writer) error {
		w := &writer{w: out}
		w.raw("<section><header><h1>Buckets</h1></header>")

		w.raw("<form method=\"post\" action=\"/buckets\" hx-post=\"/buckets\" hx-target=\"#create-bucket-error\" role=\"group\">")
		w.raw("<input name=\"name\" placeholder=\"new-bucket-name\" required>")
		w.raw("<button type=\"submit\">Create bucket</button></form>")
		w.raw("<div id=\"create-bucket-error\"></div>")

		if len(buckets) == 0 {
			w.raw("<p>No buckets found.</p></section>")
			return w.err
		}

		w.raw("<table><thead><tr><th>Name</th><th>Created</th><th></th></tr></thead><tbody>")
		for _, b := range buckets {
			name := esc(b.Name)
			w.rawf("<tr><td><a href=\"/bucket/%s/\">%s</a></td><td>%s</td>", name, name, esc(b.CreationDate))
			w.rawf("<td><a href=\"/policy/%s\">Policy</a> ", name)
			w.rawf("<form method=\"post\" action=\"/delete/bucket/%s\" style=\"display:inline\"><button class=\"secondary outline\" type=\"submit\">Delete</button></form></td></tr>", name)
		}
		w.raw("</tbody></table></section>")
		return w.err
	}))
}

// breadcrumbs links every folder level of prefix.
func breadcrumbs(w *writer, bucket string, prefix string) {
	w.rawf("<nav aria-label=\"breadcrumb\"><ul><li><a href=\"/\">Buckets</a></li><li><a href=\"/bucket/%s/\">%s</a></li>", esc(bucket), esc(bucket))
	var sb strings.Builder
	for _, part := range strings.Split(strings.TrimSuffix(prefix, "/"), "/") {
		if part == "" {
			continue
		}
		sb.WriteString(part)
		sb.WriteString("/")
		w.rawf("<li><a href=\"/bucket/%s/%s\">%s</a></li>", esc(bucket), esc(PathEscape(sb.String())), esc(part))
	}
	w.raw("</ul></nav>")
}

// ObjectsPage renders one page of the objects and folders of a bucket,
// with the upload and new folder forms.
func ObjectsPage(page Page, listing Listing) templ.Component {
	page.Title = "S3 Console - " + listing.Bucket
	return Layout(page, templ.ComponentFunc(func(ctx context.Context, out io.Writer) error {
		w := &writer{w: out}
		bucket := esc(listing.Bucket)
		prefix := esc(listing.Prefix)

		w.raw("<section><header>")
		w.rawf("<h1>Bucket: %s</h1>", bucket)
		breadcrumbs(w, listing.Bucket, listing.Prefix)
		w.raw("</header>")

		w.rawf("<form method=\"post\" action=\"/upload/%s\" enctype=\"multipart/form-data\" hx-boost=\"false\">", bucket)
		w.rawf("<input type=\"hidden\" name=\"prefix\" value=\"%s\">", prefix)
		w.raw("<fieldset role=\"group\"><input type=\"file\" name=\"file\" required><button type=\"submit\">Upload</button></fieldset></form>")
		w.render(ctx, UploadProgress(listing.Upload))

		w.rawf("<form method=\"post\" action=\"/folder/%s\" role=\"group\">", bucket)
		w.rawf("<input type=\"hidden\" name=\"prefix\" value=\"%s\">", prefix)
		w.raw("<input name=\"name\" placeholder=\"new-folder\" required><button class=\"secondary\" type=\"submit\">Create folder</button></form>")

		if len(listing.Folders) == 0 && len(listing.Objects) == 0 {
			w.raw("<p>No objects in this folder.</p></section>")
			return w.err
		}

		w.raw("<table><thead><tr><th>Name</th><th>Size</th><th>Last Modified</th><th></th></tr></thead><tbody>")
		for _, f := range listing.Folders {
			w.rawf("<tr><td><a href=\"/bucket/%s/%s\">%s</a></td><td>-</td><td>-</td><td></td></tr>", bucket, esc(PathEscape(f.Prefix)), esc(f.Name))
		}
		for _, o := range listing.Objects {
			key := esc(PathEscape(o.Key))
			w.rawf("<tr><td><a href=\"/download/%s/%s\" hx-boost=\"false\">%s</a></td><td>%s</td><td>%s</td>", bucket, key, esc(o.Name), esc(o.Size), esc(o.LastModified))
			w.rawf("<td><a href=\"/share/%s/%s\">Share</a> ", bucket, key)
			w.rawf("<form method=\"post\" action=\"/delete/object/%s/%s\" style=\"display:inline\"><button class=\"secondary outline\" type=\"submit\">Delete</button></form></td></tr>", bucket, key)
		}
		w.raw("</tbody></table>")

		if listing.NextToken != "" {
			w.rawf("<p><a href=\"/bucket/%s/%s?token=%s\">Next page &rarr;</a></p>", bucket, esc(PathEscape(listing.Prefix)), esc(url.QueryEscape(listing.NextToken)))
		}
		w.raw("</section>")
		return w.err
	}))
}

// UploadStatus is the state of the running or last upload.
type UploadStatus struct {
	Key     string
	Percent int
	State   string
	Running bool
}

// UploadProgress renders the progress of the running or last upload. It
// polls itself while the upload runs. A nil status renders an empty
// placeholder.
func UploadProgress(status *UploadStatus) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, out io.Writer) error {
		w := &writer{w: out}
		if status == nil {
			w.raw("<div id=\"upload-progress\"></div>")
			return w.err
		}
		if status.Running {
			w.raw("<div id=\"upload-progress\" hx-get=\"/upload/progress\" hx-trigger=\"every 500ms\" hx-swap=\"outerHTML\">")
		} else {
			w.raw("<div id=\"upload-progress\">")
		}
		w.rawf("<progress value=\"%d\" max=\"100\"></progress><small>%s: %d%% %s</small></div>", status.Percent, esc(status.Key), status.Percent, esc(status.State))
		return w.err
	})
}

// SharePage shows a presigned download link.
func SharePage(page Page, bucket string, key string, link string, expires string) templ.Component {
	page.Title = "S3 Console - Share " + key
	return Layout(page, templ.ComponentFunc(func(ctx context.Context, out io.Writer) error {
		w := &writer{w: out}
		w.raw("<article><header><h1>Share ")
		w.text(key)
		w.raw("</h1>")
		breadcrumbs(w, bucket, parentPrefix(key))
		w.raw("</header>")
		w.rawf("<p>Anyone with this link can download the object until %s.</p>", esc(expires))
		w.rawf("<input readonly value=\"%s\" onclick=\"this.select()\">", esc(link))
		w.rawf("<form method=\"get\" action=\"/share/%s/%s\" role=\"group\">", esc(bucket), esc(PathEscape(key)))
		w.raw("<select name=\"expiry\">")
		for _, opt := range []struct{ value, label string }{
			{"1h", "1 hour"},
			{"24h", "1 day"},
			{"168h", "7 days"},
		} {
			w.rawf("<option value=\"%s\">%s</option>", opt.value, opt.label)
		}
		w.raw("</select><button type=\"submit\">New link</button></form></article>")
		return w.err
	}))
}

// PolicyPage shows the bucket policy in an editor. An empty policy means
// the bucket has none.
func PolicyPage(page Page, bucket string, policy string) templ.Component {
	page.Title = "S3 Console - Policy " + bucket
	return Layout(page, templ.ComponentFunc(func(ctx context.Context, out io.Writer) error {
		w := &writer{w: out}
		w.rawf("<article><header><h1>Policy: %s</h1>", esc(bucket))
		breadcrumbs(w, bucket, "")
		w.raw("</header>")
		if policy == "" {
			w.raw("<p>This bucket has no policy.</p>")
		}
		w.rawf("<form method=\"post\" action=\"/policy/%s\">", esc(bucket))
		w.raw("<textarea name=\"policy\" rows=\"16\" spellcheck=\"false\">")
		w.text(policy)
		w.raw("</textarea><p><small>Save an empty policy to remove it.</small></p>")
		w.raw("<button type=\"submit\">Save policy</button></form></article>")
		return w.err
	}))
}

func parentPrefix(key string) string {
	i := strings.LastIndex(strings.TrimSuffix(key, "/"), "/")
	if i < 0 {
		return ""
	}
	return key[:i+1]
}
