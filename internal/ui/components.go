// Package ui renders the pages of the web console.
package ui

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/url"
	"strings"

	"github.com/a-h/templ"
)

// Page is what every page shares: the signed-in user and the messages
// raised since the last page was shown.
type Page struct {
	Title    string
	Username string
	IsAdmin  bool
	Notices  []string

	// Redirect, when set, sends the browser there after RedirectAfter
	// seconds.
	Redirect      string
	RedirectAfter int
}

// writer remembers the first write error so that page bodies can be written
// without checking every call.
type writer struct {
	w   io.Writer
	err error
}

// raw writes trusted markup.
func (w *writer) raw(s string) {
	if w.err != nil {
		return
	}
	_, w.err = io.WriteString(w.w, s)
}

// rawf formats trusted markup. Arguments must already be escaped.
func (w *writer) rawf(format string, args ...any) {
	if w.err != nil {
		return
	}
	_, w.err = fmt.Fprintf(w.w, format, args...)
}

// text writes escaped text.
func (w *writer) text(s string) {
	w.raw(html.EscapeString(s))
}

func (w *writer) render(ctx context.Context, c templ.Component) {
	if w.err != nil {
		return
	}
	w.err = c.Render(ctx, w.w)
}

func esc(s string) string {
	return html.EscapeString(s)
}

// PathEscape escapes every segment of an object key for use in a URL path.
func PathEscape(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// Layout renders a full HTML page around body.
func Layout(page Page, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, out io.Writer) error {
		w := &writer{w: out}

		w.raw("<!DOCTYPE html><html lang=\"en\">")
		w.raw("<head><meta charset=\"utf-8\">")
		w.raw("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">")
		if page.Redirect != "" {
			w.rawf("<meta http-equiv=\"refresh\" content=\"%d;url=%s\">", page.RedirectAfter, esc(page.Redirect))
		}
		w.raw("<title>")
		w.text(page.Title)
		w.raw("</title>")
		// Minimal modern CSS framework (Pico.css) via CDN.
		w.raw("<link rel=\"stylesheet\" href=\"https://unpkg.com/@picocss/pico@2/css/pico.min.css\">")
		// HTMX via CDN.
		w.raw("<script src=\"https://unpkg.com/htmx.org@1.9.12\" integrity=\"sha384-srD8tA5lZgUlAXb/DvBy1UG775H8sG8vyXK3w63U1zrtRXkuTDIaTzGvX2UksI0M\" crossorigin=\"anonymous\"></script>")
		w.raw("</head>")

		// Body with global htmx boost for links/forms.
		w.raw("<body hx-boost=\"true\">")
		if page.Username != "" {
			w.raw("<nav class=\"container\"><ul><li><strong>S3 Console</strong></li></ul><ul>")
			w.raw("<li><a href=\"/\">Buckets</a></li>")
			w.raw("<li><a href=\"/dashboard\">Dashboard</a></li>")
			if page.IsAdmin {
				w.raw("<li><a href=\"/users\">Users</a></li>")
			}
			w.raw("<li><form method=\"post\" action=\"/logout\" style=\"margin:0\"><button class=\"secondary outline\" type=\"submit\">Sign out ")
			w.text(page.Username)
			w.raw("</button></form></li></ul></nav>")
		}
		w.raw("<main class=\"container\">")
		w.render(ctx, Notices(page.Notices))
		w.render(ctx, body)
		w.raw("</main></body></html>")

		return w.err
	})
}

// Notices renders pending messages. It renders nothing when there are none.
func Notices(notices []string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, out io.Writer) error {
		if len(notices) == 0 {
			return nil
		}
		w := &writer{w: out}
		w.raw("<div id=\"notices\" role=\"alert\">")
		for _, n := range notices {
			w.raw("<article class=\"notice\"><p class=\"error-message\">")
			w.text(n)
			w.raw("</p></article>")
		}
		w.raw("</div>")
		return w.err
	})
}

// ErrorMessage is the fragment htmx swaps into a form after a failure.
func ErrorMessage(message string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, out io.Writer) error {
		_, err := fmt.Fprintf(out, "<p class=\"error-message\">%s</p>", esc(message))
		return err
	})
}

// LoginPage renders the sign-in form. username pre-fills the form with the
// remembered login name.
func LoginPage(page Page, username string) templ.Component {
	page.Title = "S3 Console - Sign in"
	return Layout(page, templ.ComponentFunc(func(ctx context.Context, out io.Writer) error {
		w := &writer{w: out}
		w.raw("<article><header><h1>Sign in</h1></header>")
		w.raw("<form method=\"post\" action=\"/login\" hx-boost=\"false\">")
		w.raw("<label>Username<input name=\"username\" autocomplete=\"username\" required value=\"")
		w.text(username)
		w.raw("\"></label>")
		w.raw("<label>Password<input name=\"password\" type=\"password\" autocomplete=\"current-password\" required></label>")
		w.raw("<button type=\"submit\">Sign in</button></form></article>")
		return w.err
	}))
}
