package web

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"s3console/internal/console"
	"s3console/internal/ui"

	"github.com/dustin/go-humanize"
)

// requireAdmin sends non-administrators home with a notice.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.isAdmin.Load() {
		return true
	}
	s.flash.Notify(r.Context(), "Administrator access is required")
	redirect(w, r, "/")
	return false
}

func byteStats(stats []console.TypeStat) []ui.Stat {
	out := make([]ui.Stat, 0, len(stats))
	for _, st := range stats {
		out = append(out, ui.Stat{Label: st.FileType, Value: console.FormatBytes(st.Value)})
	}
	return out
}

func countStats(stats []console.TypeStat) []ui.Stat {
	out := make([]ui.Stat, 0, len(stats))
	for _, st := range stats {
		out = append(out, ui.Stat{Label: st.FileType, Value: humanize.Comma(st.Value)})
	}
	return out
}

// Dashboard shows the signed-in user's usage and, for administrators, the
// storage pool and request statistics.
func (s *Server) Dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var d ui.Dashboard

	info, err := s.client.UserInfo(ctx, s.client.Username())
	if errors.Is(err, console.ErrAuthInvalidated) {
		s.fail(w, r, err, "/")
		return
	}
	if info != nil {
		free := int64(info.Total) - int64(info.Used)
		if free < 0 {
			free = 0
		}
		d.Account = []ui.Stat{
			{Label: "Account", Value: info.AccountName},
			{Label: "Capacity", Value: console.FormatBytes(int64(info.Total))},
			{Label: "Used", Value: console.FormatBytes(int64(info.Used))},
			{Label: "Free", Value: console.FormatBytes(free)},
		}
		for _, b := range info.Buckets {
			d.Buckets = append(d.Buckets, ui.Stat{Label: b.Name, Value: console.FormatBytes(int64(b.Size))})
		}
	}

	if s.isAdmin.Load() {
		if pool, err := s.client.StorePoolStats(ctx); err == nil {
			d.Pool = []ui.Stat{
				{Label: "Buckets", Value: humanize.Comma(pool.Buckets)},
				{Label: "Objects", Value: humanize.Comma(pool.Objects)},
				{Label: "Stored", Value: console.FormatBytes(int64(pool.ObjectSize))},
				{Label: "Capacity", Value: console.FormatBytes(int64(pool.Capacity))},
			}
		}
		if overview, err := s.client.RequestOverview(ctx); err == nil {
			d.Series = []ui.Series{
				{Title: "Downloaded bytes by type", Stats: byteStats(overview.GetBytes)},
				{Title: "Uploaded bytes by type", Stats: byteStats(overview.PutBytes)},
				{Title: "Downloads by type", Stats: countStats(overview.GetCount)},
				{Title: "Uploads by type", Stats: countStats(overview.PutCount)},
			}
		}
	}

	s.render(ctx, w, http.StatusOK, ui.DashboardPage(s.page(), d))
}

func (s *Server) Users(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	ctx := r.Context()

	users, err := s.client.ListUsers(ctx)
	if errors.Is(err, console.ErrAuthInvalidated) {
		s.fail(w, r, err, "/")
		return
	}

	rows := make([]ui.User, 0, len(users))
	for _, u := range users {
		key := u.AccessKey
		if key == "" {
			key = u.AccountName
		}
		rows = append(rows, ui.User{
			AccessKey: key,
			Status:    u.Status,
			Capacity:  console.FormatBytes(int64(u.Total)),
			Used:      console.FormatBytes(int64(u.Used)),
			Buckets:   len(u.Buckets),
		})
	}

	s.render(ctx, w, http.StatusOK, ui.UsersPage(s.page(), rows))
}

// parseCapacity reads a capacity such as "10 GiB" or a plain byte count. An
// empty value means the service default.
func parseCapacity(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
		return n, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid capacity %q", raw)
	}
	return int64(n), nil
}

func (s *Server) AddUser(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, fmt.Sprintf("failed to parse form: %v", err), http.StatusBadRequest)
		return
	}

	capacity, err := parseCapacity(r.FormValue("capacity"))
	if err != nil {
		s.fail(w, r, err, "/users")
		return
	}

	if err := s.client.AddUser(ctx, strings.TrimSpace(r.FormValue("accessKey")), r.FormValue("secretKey"), capacity); err != nil {
		s.fail(w, r, err, "/users")
		return
	}
	redirect(w, r, "/users")
}

func (s *Server) SetUserStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, fmt.Sprintf("failed to parse form: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.client.SetUserStatus(r.Context(), r.PathValue("user"), r.FormValue("status")); err != nil {
		s.fail(w, r, err, "/users")
		return
	}
	redirect(w, r, "/users")
}

func (s *Server) ChangePassword(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, fmt.Sprintf("failed to parse form: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.client.ChangePassword(r.Context(), r.PathValue("user"), r.FormValue("newSecretKey")); err != nil {
		s.fail(w, r, err, "/users")
		return
	}
	redirect(w, r, "/users")
}

func (s *Server) RemoveUser(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	if err := s.client.RemoveUser(r.Context(), r.PathValue("user")); err != nil {
		s.fail(w, r, err, "/users")
		return
	}
	redirect(w, r, "/users")
}
