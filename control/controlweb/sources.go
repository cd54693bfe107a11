// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package controlweb

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"storj.io/sluice/loader"
	"storj.io/sluice/loader/sourcepool"
)

// SourcesAPI manages source database definitions and their read-only
// verification.
type SourcesAPI struct {
	log    *zap.Logger
	db     loader.DB
	pool   *sourcepool.Pool
	cipher loader.Cipher
}

type sourcePayload struct {
	SourceCode       string `json:"sourceCode"`
	Host             string `json:"host"`
	Port             int    `json:"port"`
	DBName           string `json:"dbName"`
	Dialect          string `json:"dialect"`
	Username         string `json:"username"`
	ReadOnlyVerified bool   `json:"readOnlyVerified"`
}

// List returns all registered sources. Credentials are never included.
func (api *SourcesAPI) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	sources, err := api.db.Sources().List(ctx)
	if err != nil {
		serveJSONError(api.log, w, err)
		return
	}

	payloads := make([]sourcePayload, 0, len(sources))
	for _, source := range sources {
		payloads = append(payloads, sourcePayload{
			SourceCode:       source.SourceCode,
			Host:             source.Host,
			Port:             source.Port,
			DBName:           source.DBName,
			Dialect:          string(source.Dialect),
			Username:         source.Username,
			ReadOnlyVerified: source.ReadOnlyVerified,
		})
	}
	serveJSON(api.log, w, http.StatusOK, payloads)
}

// Upsert registers or updates a source database. The password is encrypted
// at rest and the read-only verification resets until re-checked.
func (api *SourcesAPI) Upsert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	sourceCode := mux.Vars(r)["sourceCode"]
	var request struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		DBName   string `json:"dbName"`
		Dialect  string `json:"dialect"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		serveCustomJSONError(api.log, w, http.StatusBadRequest, err, "invalid request body")
		return
	}
	switch loader.Dialect(request.Dialect) {
	case loader.DialectPostgres, loader.DialectMySQL:
	default:
		serveCustomJSONError(api.log, w, http.StatusBadRequest, nil, "unknown dialect")
		return
	}
	if request.Host == "" || request.Port == 0 || request.DBName == "" || request.Username == "" {
		serveCustomJSONError(api.log, w, http.StatusBadRequest, nil, "host, port, dbName and username are required")
		return
	}

	encrypted, err := api.cipher.Encrypt(ctx, []byte(request.Password))
	if err != nil {
		serveJSONError(api.log, w, err)
		return
	}

	err = api.db.Sources().Upsert(ctx, &loader.SourceDatabase{
		SourceCode:        sourceCode,
		Host:              request.Host,
		Port:              request.Port,
		DBName:            request.DBName,
		Dialect:           loader.Dialect(request.Dialect),
		Username:          request.Username,
		EncryptedPassword: encrypted,
	})
	if err != nil {
		serveJSONError(api.log, w, err)
		return
	}

	api.log.Info("source database upserted",
		zap.String("source code", sourceCode),
		zap.String("user", requestUser(r)))
	w.WriteHeader(http.StatusNoContent)
}

// VerifyReadOnly checks the source account cannot write and records the
// outcome.
func (api *SourcesAPI) VerifyReadOnly(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	sourceCode := mux.Vars(r)["sourceCode"]
	report, err := api.pool.VerifyReadOnly(ctx, sourceCode)
	if err != nil {
		serveJSONError(api.log, w, err)
		return
	}
	if err := api.db.Sources().SetReadOnlyVerified(ctx, sourceCode, report.Compliant); err != nil {
		serveJSONError(api.log, w, err)
		return
	}
	serveJSON(api.log, w, http.StatusOK, report)
}

// Reload drops every pooled source connection so new definitions take
// effect.
func (api *SourcesAPI) Reload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	if err := api.pool.ReloadAll(ctx); err != nil {
		serveJSONError(api.log, w, err)
		return
	}
	api.log.Info("source pools reloaded", zap.String("user", requestUser(r)))
	w.WriteHeader(http.StatusNoContent)
}
