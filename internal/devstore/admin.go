package devstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
)

// User status values.
const (
	UserStatusOn  = "on"
	UserStatusOff = "off"
)

// envelope is the JSON body of every admin API response.
type envelope struct {
	Code           string `json:"Code,omitempty"`
	Message        string `json:"Message,omitempty"`
	HTTPStatusCode int    `json:"HTTPStatusCode"`
	Response       any    `json:"Response,omitempty"`
}

// adminError is an admin API failure reported in the envelope.
type adminError struct {
	Status  int
	Code    string
	Message string
}

func (e *adminError) Error() string {
	return e.Code + ": " + e.Message
}

func badRequest(message string) *adminError {
	return &adminError{Status: http.StatusBadRequest, Code: "InvalidArgument", Message: message}
}

var errNoSuchUser = &adminError{Status: http.StatusNotFound, Code: "NoSuchUser", Message: "The specified user does not exist."}

type adminFunc func(ctx context.Context, r *http.Request) (any, error)

func writeEnvelope(w http.ResponseWriter, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.HTTPStatusCode)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("Encode admin response", "err", err)
	}
}

// adminHandler wraps fn with the envelope and, when adminOnly is set, a
// check that the caller is an administrator.
func (s *Server) adminHandler(adminOnly bool, fn adminFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if adminOnly {
			user := UserFromContext(ctx)
			admin, err := s.isAdmin(ctx, user.Owner)
			if err != nil {
				slog.Error("Check admin", "access_key", user.Owner, "err", err)
				writeEnvelope(w, envelope{Code: "InternalError", Message: "We encountered an internal error. Please try again.", HTTPStatusCode: http.StatusInternalServerError})
				return
			}
			if !admin {
				writeEnvelope(w, envelope{Code: "AccessDenied", Message: "Access Denied", HTTPStatusCode: http.StatusForbidden})
				return
			}
		}

		resp, err := fn(ctx, r)
		if err != nil {
			var aerr *adminError
			if !errors.As(err, &aerr) {
				slog.Error("Admin request", "path", r.URL.Path, "err", err)
				aerr = &adminError{Status: http.StatusInternalServerError, Code: "InternalError", Message: "We encountered an internal error. Please try again."}
			}
			writeEnvelope(w, envelope{Code: aerr.Code, Message: aerr.Message, HTTPStatusCode: aerr.Status})
			return
		}

		writeEnvelope(w, envelope{HTTPStatusCode: http.StatusOK, Response: resp})
	}
}

type bucketUsage struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type userInfo struct {
	AccountName string        `json:"account_name"`
	AccessKey   string        `json:"access_key"`
	Status      string        `json:"status"`
	Total       int64         `json:"total_storage_capacity"`
	Used        int64         `json:"use_storage_capacity"`
	Buckets     []bucketUsage `json:"bucket_infos"`
}

type poolStats struct {
	Buckets    int64 `json:"bucketsCount"`
	Objects    int64 `json:"objectsCount"`
	Capacity   int64 `json:"totalCaptivity"`
	ObjectSize int64 `json:"objectsTotalSize"`
}

// loadUserInfo reports the capacity and per bucket usage of accessKey.
func (s *Server) loadUserInfo(ctx context.Context, accessKey string) (*userInfo, error) {
	info := &userInfo{AccountName: accessKey, AccessKey: accessKey, Buckets: []bucketUsage{}}
	err := s.Db.QueryRowContext(ctx,
		`SELECT status, capacity FROM users WHERE access_key = ?`,
		accessKey,
	).Scan(&info.Status, &info.Total)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNoSuchUser
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.Db.QueryContext(ctx,
		`SELECT b.name, COALESCE(SUM(o.size), 0)
		 FROM buckets b LEFT JOIN objects o ON o.bucket = b.name
		 WHERE b.owner = ?
		 GROUP BY b.name
		 ORDER BY b.name`,
		accessKey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var b bucketUsage
		if err := rows.Scan(&b.Name, &b.Size); err != nil {
			return nil, err
		}
		info.Buckets = append(info.Buckets, b)
		info.Used += b.Size
	}
	return info, rows.Err()
}

func (s *Server) handleIsAdmin(ctx context.Context, r *http.Request) (any, error) {
	return s.isAdmin(ctx, UserFromContext(ctx).Owner)
}

func (s *Server) handleListUsers(ctx context.Context, r *http.Request) (any, error) {
	rows, err := s.Db.QueryContext(ctx, `SELECT access_key FROM users ORDER BY access_key`)
	if err != nil {
		return nil, err
	}

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	users := make([]*userInfo, 0, len(keys))
	for _, key := range keys {
		info, err := s.loadUserInfo(ctx, key)
		if err != nil {
			return nil, err
		}
		users = append(users, info)
	}
	return users, nil
}

// handleUserInfo serves both the admin and the console view. Callers who
// are not administrators may only ask about themselves.
func (s *Server) handleUserInfo(ctx context.Context, r *http.Request) (any, error) {
	accessKey := r.URL.Query().Get("accessKey")
	if accessKey == "" {
		return nil, badRequest("accessKey is required.")
	}

	allowed, err := s.mayAccess(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &adminError{Status: http.StatusForbidden, Code: "AccessDenied", Message: "Access Denied"}
	}
	return s.loadUserInfo(ctx, accessKey)
}

func (s *Server) handleAddUser(ctx context.Context, r *http.Request) (any, error) {
	q := r.URL.Query()
	accessKey := q.Get("accessKey")
	secretKey := q.Get("secretKey")
	if accessKey == "" || secretKey == "" {
		return nil, badRequest("accessKey and secretKey are required.")
	}
	if len(secretKey) < 8 {
		return nil, badRequest("secretKey must be at least 8 characters.")
	}

	capacity := DefaultCapacity
	if raw := q.Get("capacity"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return nil, badRequest("capacity must be a non-negative number of bytes.")
		}
		if v > 0 {
			capacity = v
		}
	}

	res, err := s.Db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users(access_key, secret_key, admin, capacity, status, created_at) VALUES(?, ?, 0, ?, 'on', ?)`,
		accessKey, secretKey, capacity, s.now(),
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &adminError{Status: http.StatusConflict, Code: "UserAlreadyExists", Message: "The specified user already exists."}
	}

	slog.Info("User added", "access_key", accessKey, "capacity", capacity)
	return nil, nil
}

func (s *Server) handleRemoveUser(ctx context.Context, r *http.Request) (any, error) {
	accessKey := r.URL.Query().Get("accessKey")
	if accessKey == "" {
		return nil, badRequest("accessKey is required.")
	}
	if accessKey == UserFromContext(ctx).Owner {
		return nil, badRequest("You cannot remove yourself.")
	}

	res, err := s.Db.ExecContext(ctx, `DELETE FROM users WHERE access_key = ?`, accessKey)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errNoSuchUser
	}

	slog.Info("User removed", "access_key", accessKey)
	return nil, nil
}

func (s *Server) handleChangePassword(ctx context.Context, r *http.Request) (any, error) {
	q := r.URL.Query()
	accessKey := q.Get("accessKey")
	secretKey := q.Get("newSecretKey")
	if accessKey == "" || len(secretKey) < 8 {
		return nil, badRequest("accessKey and a newSecretKey of at least 8 characters are required.")
	}

	res, err := s.Db.ExecContext(ctx, `UPDATE users SET secret_key = ? WHERE access_key = ?`, secretKey, accessKey)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errNoSuchUser
	}

	slog.Info("Password changed", "access_key", accessKey)
	return nil, nil
}

// handleUpdateStatus enables or disables a user. Sessions of a disabled
// user stop working at once.
func (s *Server) handleUpdateStatus(ctx context.Context, r *http.Request) (any, error) {
	q := r.URL.Query()
	accessKey := q.Get("accessKey")
	status := q.Get("status")
	if accessKey == "" {
		return nil, badRequest("accessKey is required.")
	}
	if status != UserStatusOn && status != UserStatusOff {
		return nil, badRequest("status must be on or off.")
	}
	if status == UserStatusOff && accessKey == UserFromContext(ctx).Owner {
		return nil, badRequest("You cannot disable yourself.")
	}

	res, err := s.Db.ExecContext(ctx, `UPDATE users SET status = ? WHERE access_key = ?`, status, accessKey)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errNoSuchUser
	}

	slog.Info("User status changed", "access_key", accessKey, "status", status)
	return nil, nil
}

func (s *Server) handleStorePoolStats(ctx context.Context, r *http.Request) (any, error) {
	var stats poolStats
	err := s.Db.QueryRowContext(ctx,
		`SELECT
		 	(SELECT COUNT(*) FROM buckets),
		 	(SELECT COUNT(*) FROM objects),
		 	(SELECT COALESCE(SUM(capacity), 0) FROM users),
		 	(SELECT COALESCE(SUM(size), 0) FROM objects)`,
	).Scan(&stats.Buckets, &stats.Objects, &stats.Capacity, &stats.ObjectSize)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Server) handleRequestOverview(ctx context.Context, r *http.Request) (any, error) {
	return s.requestOverview(ctx)
}
