package ui

import (
	"context"
	"io"

	"github.com/a-h/templ"
)

type User struct {
	AccessKey string
	Status    string
	Capacity  string
	Used      string
	Buckets   int
}

// Enabled reports whether the user may sign in.
func (u User) Enabled() bool {
	return u.Status != "off"
}

// UsersPage renders the user administration table.
func UsersPage(page Page, users []User) templ.Component {
	page.Title = "S3 Console - Users"
	return Layout(page, templ.ComponentFunc(func(ctx context.Context, out io.Writer) error {
		w := &writer{w: out}
		w.raw("<section><header><h1>Users</h1></header>")

		w.raw("<form method=\"post\" action=\"/users\"><fieldset class=\"grid\">")
		w.raw("<input name=\"accessKey\" placeholder=\"Access key\" required>")
		w.raw("<input name=\"secretKey\" type=\"password\" placeholder=\"Secret key (8+ characters)\" minlength=\"8\" required>")
		w.raw("<input name=\"capacity\" placeholder=\"Capacity, e.g. 10 GiB\">")
		w.raw("<button type=\"submit\">Add user</button></fieldset></form>")

		w.raw("<table><thead><tr><th>Access key</th><th>Status</th><th>Used</th><th>Capacity</th><th>Buckets</th><th></th></tr></thead><tbody>")
		for _, u := range users {
			key := esc(u.AccessKey)
			path := esc(PathEscape(u.AccessKey))
			w.rawf("<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%d</td><td>", key, esc(u.Status), esc(u.Used), esc(u.Capacity), u.Buckets)

			next, label := "off", "Disable"
			if !u.Enabled() {
				next, label = "on", "Enable"
			}
			w.rawf("<form method=\"post\" action=\"/users/%s/status\" style=\"display:inline\"><input type=\"hidden\" name=\"status\" value=\"%s\"><button class=\"secondary outline\" type=\"submit\">%s</button></form> ", path, next, label)
			w.rawf("<form method=\"post\" action=\"/users/%s/password\" style=\"display:inline\" role=\"group\"><input name=\"newSecretKey\" type=\"password\" placeholder=\"New secret key\" minlength=\"8\" required><button class=\"secondary outline\" type=\"submit\">Change</button></form> ", path)
			w.rawf("<form method=\"post\" action=\"/users/%s/delete\" style=\"display:inline\"><button class=\"secondary outline\" type=\"submit\">Remove</button></form>", path)
			w.raw("</td></tr>")
		}
		w.raw("</tbody></table></section>")
		return w.err
	}))
}

// Stat is one labelled figure on the dashboard.
type Stat struct {
	Label string
	Value string
}

// Series is a named list of figures, such as bytes uploaded per file type.
type Series struct {
	Title string
	Stats []Stat
}

// Dashboard is what the dashboard shows. Pool and Series are only filled in
// for administrators.
type Dashboard struct {
	Account []Stat
	Buckets []Stat
	Pool    []Stat
	Series  []Series
}

func statTable(w *writer, title string, stats []Stat) {
	w.raw("<article><header><h2>")
	w.text(title)
	w.raw("</h2></header>")
	if len(stats) == 0 {
		w.raw("<p>Nothing yet.</p></article>")
		return
	}
	w.raw("<table><tbody>")
	for _, s := range stats {
		w.rawf("<tr><th scope=\"row\">%s</th><td>%s</td></tr>", esc(s.Label), esc(s.Value))
	}
	w.raw("</tbody></table></article>")
}

// DashboardPage renders account usage and, for administrators, the storage
// pool and request statistics.
func DashboardPage(page Page, d Dashboard) templ.Component {
	page.Title = "S3 Console - Dashboard"
	return Layout(page, templ.ComponentFunc(func(ctx context.Context, out io.Writer) error {
		w := &writer{w: out}
		w.raw("<section><header><h1>Dashboard</h1></header>")
		statTable(w, "Account", d.Account)
		statTable(w, "Bucket usage", d.Buckets)
		if page.IsAdmin {
			statTable(w, "Storage pool", d.Pool)
			for _, s := range d.Series {
				statTable(w, s.Title, s.Stats)
			}
		}
		w.raw("</section>")
		return w.err
	}))
}
