// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package controlweb serves the control plane HTTP API.
package controlweb

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/sluice/loader"
	"storj.io/sluice/loader/approval"
	"storj.io/sluice/loader/sourcepool"
)

var (
	// Error is the default error class for the controlweb package.
	Error = errs.Class("controlweb")

	mon = monkit.Package()
)

// UserHeader carries the operator identity on every mutating request.
const UserHeader = "X-Sluice-User"

// Config holds the web server configuration.
type Config struct {
	Address string `help:"address the control api listens on" default:":10100"`
}

// Server wires the control API onto one listener.
//
// architecture: Endpoint
type Server struct {
	log      *zap.Logger
	config   Config
	listener net.Listener
	server   http.Server
}

// NewServer creates the control API server.
func NewServer(log *zap.Logger, config Config, listener net.Listener, db loader.DB, approvals *approval.Service, pool *sourcepool.Pool, cipher loader.Cipher) *Server {
	server := &Server{
		log:      log,
		config:   config,
		listener: listener,
	}
	server.server = http.Server{
		Handler: NewRouter(log, db, approvals, pool, cipher),
	}
	return server
}

// NewRouter builds the control API routes.
func NewRouter(log *zap.Logger, db loader.DB, approvals *approval.Service, pool *sourcepool.Pool, cipher loader.Cipher) *mux.Router {
	router := mux.NewRouter()
	router.Use(contentTypeJSON)

	loadersAPI := &LoadersAPI{log: log.Named("loaders"), db: db, approvals: approvals, cipher: cipher}
	loadersRouter := router.PathPrefix("/api/v0/loaders").Subrouter()
	loadersRouter.HandleFunc("", loadersAPI.List).Methods(http.MethodGet)
	loadersRouter.HandleFunc("", loadersAPI.CreateDraft).Methods(http.MethodPost)
	loadersRouter.HandleFunc("/{entityCode}", loadersAPI.Get).Methods(http.MethodGet)
	loadersRouter.HandleFunc("/{entityCode}/executions", loadersAPI.Executions).Methods(http.MethodGet)
	loadersRouter.HandleFunc("/{entityCode}/history", loadersAPI.History).Methods(http.MethodGet)
	loadersRouter.HandleFunc("/{entityCode}/signals", loadersAPI.Signals).Methods(http.MethodGet)
	loadersRouter.HandleFunc("/{entityCode}/pause", loadersAPI.Pause).Methods(http.MethodPost)
	loadersRouter.HandleFunc("/{entityCode}/resume", loadersAPI.Resume).Methods(http.MethodPost)
	loadersRouter.HandleFunc("/{entityCode}/run", loadersAPI.RunNow).Methods(http.MethodPost)

	draftsRouter := router.PathPrefix("/api/v0/drafts").Subrouter()
	draftsRouter.HandleFunc("/{id:[0-9]+}", loadersAPI.UpdateDraft).Methods(http.MethodPut)
	draftsRouter.HandleFunc("/{id:[0-9]+}", loadersAPI.DeleteDraft).Methods(http.MethodDelete)
	draftsRouter.HandleFunc("/{id:[0-9]+}/submit", loadersAPI.Submit).Methods(http.MethodPost)
	draftsRouter.HandleFunc("/{id:[0-9]+}/approve", loadersAPI.Approve).Methods(http.MethodPost)
	draftsRouter.HandleFunc("/{id:[0-9]+}/reject", loadersAPI.Reject).Methods(http.MethodPost)

	sourcesAPI := &SourcesAPI{log: log.Named("sources"), db: db, pool: pool, cipher: cipher}
	sourcesRouter := router.PathPrefix("/api/v0/sources").Subrouter()
	sourcesRouter.HandleFunc("", sourcesAPI.List).Methods(http.MethodGet)
	sourcesRouter.HandleFunc("/reload", sourcesAPI.Reload).Methods(http.MethodPost)
	sourcesRouter.HandleFunc("/{sourceCode}", sourcesAPI.Upsert).Methods(http.MethodPut)
	sourcesRouter.HandleFunc("/{sourceCode}/verify-read-only", sourcesAPI.VerifyReadOnly).Methods(http.MethodPost)

	return router
}

// Run starts the server and stops it when ctx is canceled.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer shutdownCancel()
		return server.server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close immediately closes the server.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestUser returns the operator identity from the request headers.
func requestUser(r *http.Request) string {
	if user := r.Header.Get(UserHeader); user != "" {
		return user
	}
	return "anonymous"
}
