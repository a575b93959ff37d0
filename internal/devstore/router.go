package devstore

import (
	"context"
	"net/http"
)

type (
	rootHandler   func(ctx context.Context, w http.ResponseWriter, r *http.Request)
	bucketHandler func(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string)
	objectHandler func(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string)
)

func onRoot(h rootHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(r.Context(), w, r)
	}
}

func onBucket(h bucketHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(r.Context(), w, r, r.PathValue("bucket"))
	}
}

func onObject(h objectHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(r.Context(), w, r, r.PathValue("bucket"), r.PathValue("key"))
	}
}

// Handler returns an http.Handler implementing the S3, STS and admin APIs.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", onRoot(s.handleListBuckets))
	// STS
	mux.HandleFunc("POST /{$}", onRoot(s.handleRootPost))

	// Admin API
	mux.HandleFunc("GET /admin/v1/is-admin", s.adminHandler(false, s.handleIsAdmin))
	mux.HandleFunc("GET /admin/v1/user-infos", s.adminHandler(true, s.handleListUsers))
	mux.HandleFunc("GET /admin/v1/user-info", s.adminHandler(true, s.handleUserInfo))
	mux.HandleFunc("GET /console/v1/user-info", s.adminHandler(false, s.handleUserInfo))
	mux.HandleFunc("POST /admin/v1/add-user", s.adminHandler(true, s.handleAddUser))
	mux.HandleFunc("POST /admin/v1/remove-user", s.adminHandler(true, s.handleRemoveUser))
	mux.HandleFunc("POST /admin/v1/change-password", s.adminHandler(true, s.handleChangePassword))
	mux.HandleFunc("POST /admin/v1/update-accessKey_status", s.adminHandler(true, s.handleUpdateStatus))
	mux.HandleFunc("GET /admin/v1/store-pool-stats", s.adminHandler(true, s.handleStorePoolStats))
	mux.HandleFunc("GET /admin/v1/request-overview", s.adminHandler(true, s.handleRequestOverview))

	mux.HandleFunc("PUT /{bucket}", onBucket(s.handleBucketPut))
	mux.HandleFunc("GET /{bucket}", onBucket(s.handleBucketGet))
	mux.HandleFunc("HEAD /{bucket}", onBucket(s.handleBucketHead))
	mux.HandleFunc("DELETE /{bucket}", onBucket(s.handleBucketDelete))
	mux.HandleFunc("POST /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.writeNotImplemented(w, r, "POST "+r.PathValue("bucket"))
	})

	mux.HandleFunc("PUT /{bucket}/{key...}", onObject(s.handleObjectPut))
	mux.HandleFunc("GET /{bucket}/{key...}", onObject(s.handleObjectGet))
	mux.HandleFunc("HEAD /{bucket}/{key...}", onObject(s.handleObjectHead))
	mux.HandleFunc("DELETE /{bucket}/{key...}", onObject(s.handleObjectDelete))
	mux.HandleFunc("POST /{bucket}/{key...}", onObject(s.handleObjectPost))

	handler := s.SlashFix(mux)
	handler = s.RequireAuthentication(handler)
	handler = s.LogRequest(handler)
	handler = s.Recoverer(handler)
	return handler
}
