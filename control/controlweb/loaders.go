// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package controlweb

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"storj.io/sluice/loader"
	"storj.io/sluice/loader/approval"
)

// LoadersAPI exposes loader versions and the approval workflow over HTTP.
type LoadersAPI struct {
	log       *zap.Logger
	db        loader.DB
	approvals *approval.Service
	cipher    loader.Cipher
}

type loaderPayload struct {
	ID                        int64      `json:"id"`
	EntityCode                string     `json:"entityCode"`
	VersionNumber             int        `json:"versionNumber"`
	VersionStatus             string     `json:"versionStatus"`
	ParentVersionID           *int64     `json:"parentVersionId,omitempty"`
	SourceDBRef               string     `json:"sourceDbRef"`
	SQLText                   string     `json:"sqlText,omitempty"`
	MinIntervalSeconds        int64      `json:"minIntervalSeconds"`
	MaxIntervalSeconds        int64      `json:"maxIntervalSeconds"`
	MaxQueryPeriodSeconds     int64      `json:"maxQueryPeriodSeconds"`
	MaxParallel               int        `json:"maxParallelExecutions"`
	SourceTimezoneOffsetHours int        `json:"sourceTimezoneOffsetHours"`
	LoadStatus                string     `json:"loadStatus"`
	LastLoadTimestamp         *time.Time `json:"lastLoadTimestamp,omitempty"`
	LastSuccessTimestamp      *time.Time `json:"lastSuccessTimestamp,omitempty"`
	FailedSince               *time.Time `json:"failedSince,omitempty"`
	ZeroRecordRuns            int        `json:"consecutiveZeroRecordRuns"`
	PurgeStrategy             string     `json:"purgeStrategy"`
	Enabled                   bool       `json:"enabled"`
	CreatedBy                 string     `json:"createdBy"`
	CreatedAt                 time.Time  `json:"createdAt"`
	ModifiedBy                string     `json:"modifiedBy,omitempty"`
	ModifiedAt                time.Time  `json:"modifiedAt"`
	ApprovedBy                string     `json:"approvedBy,omitempty"`
	ApprovedAt                *time.Time `json:"approvedAt,omitempty"`
	RejectedBy                string     `json:"rejectedBy,omitempty"`
	RejectedAt                *time.Time `json:"rejectedAt,omitempty"`
	RejectionReason           string     `json:"rejectionReason,omitempty"`
	ChangeType                string     `json:"changeType,omitempty"`
	ChangeSummary             string     `json:"changeSummary,omitempty"`
	ImportLabel               string     `json:"importLabel,omitempty"`
	Links                     []Link     `json:"links"`
}

func toPayload(l *loader.Loader, sqlText string) loaderPayload {
	return loaderPayload{
		ID:                        l.ID,
		EntityCode:                l.EntityCode,
		VersionNumber:             l.VersionNumber,
		VersionStatus:             string(l.VersionStatus),
		ParentVersionID:           l.ParentVersionID,
		SourceDBRef:               l.SourceDBRef,
		SQLText:                   sqlText,
		MinIntervalSeconds:        int64(l.MinInterval.Seconds()),
		MaxIntervalSeconds:        int64(l.MaxInterval.Seconds()),
		MaxQueryPeriodSeconds:     int64(l.MaxQueryPeriod.Seconds()),
		MaxParallel:               l.MaxParallel,
		SourceTimezoneOffsetHours: l.SourceTimezoneOffsetHours,
		LoadStatus:                string(l.LoadStatus),
		LastLoadTimestamp:         l.LastLoadTimestamp,
		LastSuccessTimestamp:      l.LastSuccessTimestamp,
		FailedSince:               l.FailedSince,
		ZeroRecordRuns:            l.ZeroRecordRuns,
		PurgeStrategy:             string(l.PurgeStrategy),
		Enabled:                   l.Enabled,
		CreatedBy:                 l.CreatedBy,
		CreatedAt:                 l.CreatedAt,
		ModifiedBy:                l.ModifiedBy,
		ModifiedAt:                l.ModifiedAt,
		ApprovedBy:                l.ApprovedBy,
		ApprovedAt:                l.ApprovedAt,
		RejectedBy:                l.RejectedBy,
		RejectedAt:                l.RejectedAt,
		RejectionReason:           l.RejectionReason,
		ChangeType:                l.ChangeType,
		ChangeSummary:             l.ChangeSummary,
		ImportLabel:               l.ImportLabel,
		Links:                     actionLinks(l),
	}
}

type draftRequest struct {
	EntityCode                string `json:"entityCode"`
	SourceDBRef               string `json:"sourceDbRef"`
	SQLText                   string `json:"sqlText"`
	MinIntervalSeconds        int64  `json:"minIntervalSeconds"`
	MaxIntervalSeconds        int64  `json:"maxIntervalSeconds"`
	MaxQueryPeriodSeconds     int64  `json:"maxQueryPeriodSeconds"`
	MaxParallel               int    `json:"maxParallelExecutions"`
	SourceTimezoneOffsetHours int    `json:"sourceTimezoneOffsetHours"`
	PurgeStrategy             string `json:"purgeStrategy"`
	ChangeType                string `json:"changeType"`
	ChangeSummary             string `json:"changeSummary"`
	ImportLabel               string `json:"importLabel"`
}

func (request draftRequest) params() approval.DraftParams {
	return approval.DraftParams{
		EntityCode:                request.EntityCode,
		SourceDBRef:               request.SourceDBRef,
		SQLText:                   request.SQLText,
		MinInterval:               time.Duration(request.MinIntervalSeconds) * time.Second,
		MaxInterval:               time.Duration(request.MaxIntervalSeconds) * time.Second,
		MaxQueryPeriod:            time.Duration(request.MaxQueryPeriodSeconds) * time.Second,
		MaxParallel:               request.MaxParallel,
		SourceTimezoneOffsetHours: request.SourceTimezoneOffsetHours,
		PurgeStrategy:             loader.PurgeStrategy(request.PurgeStrategy),
		ChangeType:                request.ChangeType,
		ChangeSummary:             request.ChangeSummary,
		ImportLabel:               request.ImportLabel,
	}
}

// List returns loader versions matching the query filters.
func (api *LoadersAPI) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	filter := loader.ListFilter{
		VersionStatus: loader.VersionStatus(r.URL.Query().Get("status")),
		Search:        r.URL.Query().Get("search"),
	}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled, parseErr := strconv.ParseBool(v)
		if parseErr != nil {
			serveCustomJSONError(api.log, w, http.StatusBadRequest, parseErr, "invalid enabled filter")
			return
		}
		filter.Enabled = &enabled
	}

	rows, err := api.db.Versions().List(ctx, filter)
	if err != nil {
		serveJSONError(api.log, w, err)
		return
	}

	payloads := make([]loaderPayload, 0, len(rows))
	for _, row := range rows {
		payloads = append(payloads, toPayload(row, ""))
	}
	serveJSON(api.log, w, http.StatusOK, payloads)
}

type loaderDetail struct {
	Active *loaderPayload `json:"active,omitempty"`
	Draft  *loaderPayload `json:"draft,omitempty"`
}

// Get returns the active and draft versions for an entity code, with the
// loader SQL decrypted for display.
func (api *LoadersAPI) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	entityCode := mux.Vars(r)["entityCode"]

	var detail loaderDetail
	active, err := api.db.Versions().FindActive(ctx, entityCode)
	if err != nil && !loader.ErrNotFound.Has(err) {
		serveJSONError(api.log, w, err)
		return
	}
	draft, err := api.db.Versions().FindDraft(ctx, entityCode)
	if err != nil && !loader.ErrNotFound.Has(err) {
		serveJSONError(api.log, w, err)
		return
	}
	if active == nil && draft == nil {
		serveJSONError(api.log, w, loader.ErrNotFound.New("no versions for %q", entityCode))
		return
	}

	for _, row := range []*loader.Loader{active, draft} {
		if row == nil {
			continue
		}
		sqlText, err := api.cipher.Decrypt(ctx, row.SQLText)
		if err != nil {
			serveJSONError(api.log, w, err)
			return
		}
		payload := toPayload(row, string(sqlText))
		if row.VersionStatus == loader.VersionActive {
			detail.Active = &payload
		} else {
			detail.Draft = &payload
		}
	}
	serveJSON(api.log, w, http.StatusOK, detail)
}

// CreateDraft creates or overwrites the draft for an entity code.
func (api *LoadersAPI) CreateDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var request draftRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		serveCustomJSONError(api.log, w, http.StatusBadRequest, err, "invalid request body")
		return
	}

	draft, err := api.approvals.CreateDraft(ctx, request.params(), requestUser(r))
	if err != nil {
		serveJSONError(api.log, w, err)
		return
	}
	serveJSON(api.log, w, http.StatusCreated, toPayload(draft, request.SQLText))
}

// UpdateDraft modifies an existing draft in place.
func (api *LoadersAPI) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	id, err := draftID(r)
	if err != nil {
		serveCustomJSONError(api.log, w, http.StatusBadRequest, err, "invalid draft id")
		return
	}
	var request draftRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		serveCustomJSONError(api.log, w, http.StatusBadRequest, err, "invalid request body")
		return
	}

	draft, err := api.approvals.UpdateDraft(ctx, id, request.params(), requestUser(r))
	if err != nil {
		serveJSONError(api.log, w, err)
		return
	}
	serveJSON(api.log, w, http.StatusOK, toPayload(draft, request.SQLText))
}

// DeleteDraft discards a draft that has not been submitted.
func (api *LoadersAPI) DeleteDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	id, err := draftID(r)
	if err != nil {
		serveCustomJSONError(api.log, w, http.StatusBadRequest, err, "invalid draft id")
		return
	}

	row, err := api.db.Versions().Get(ctx, id)
	if err != nil {
		serveJSONError(api.log, w, err)
		return
	}
	if row.VersionStatus != loader.VersionDraft {
		serveJSONError(api.log, w, loader.ErrInvalidTransition.New("cannot delete %s version", row.VersionStatus))
		return
	}
	if err := api.db.Versions().Delete(ctx, id); err != nil {
		serveJSONError(api.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Submit moves a draft into review.
func (api *LoadersAPI) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	id, err := draftID(r)
	if err != nil {
		serveCustomJSONError(api.log, w, http.StatusBadRequest, err, "invalid draft id")
		return
	}

	row, err := api.approvals.Submit(ctx, id, requestUser(r))
	if err != nil {
		serveJSONError(api.log, w, err)
		return
	}
	serveJSON(api.log, w, http.StatusOK, toPayload(row, ""))
}

// Approve promotes a submitted draft to the active version, archiving its
// predecessor.
func (api *LoadersAPI) Approve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	id, err := draftID(r)
	if err != nil {
		serveCustomJSONError(api.log, w, http.StatusBadRequest, err, "invalid draft id")
		return
	}
	var request struct {
		Comments string `json:"comments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		serveCustomJSONError(api.log, w, http.StatusBadRequest, err, "invalid request body")
		return
	}

	row, err := api.approvals.Approve(ctx, id, requestUser(r), request.Comments)
	if err != nil {
		serveJSONError(api.log, w, err)
		return
	}
	serveJSON(api.log, w, http.StatusOK, toPayload(row, ""))
}

// Reject discards a submitted draft into the archive.
func (api *LoadersAPI) Reject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	id, err := draftID(r)
	if err != nil {
		serveCustomJSONError(api.log, w, http.StatusBadRequest, err, "invalid draft id")
		return
	}
	var request struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		serveCustomJSONError(api.log, w, http.StatusBadRequest, err, "invalid request body")
		return
	}

	if err := api.approvals.Reject(ctx, id, requestUser(r), request.Reason); err != nil {
		serveJSONError(api.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Pause disables scheduling for the active version.
func (api *LoadersAPI) Pause(w http.ResponseWriter, r *http.Request) {
	api.setEnabled(w, r, false)
}

// Resume re-enables scheduling for the active version.
func (api *LoadersAPI) Resume(w http.ResponseWriter, r *http.Request) {
	api.setEnabled(w, r, true)
}

func (api *LoadersAPI) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	entityCode := mux.Vars(r)["entityCode"]
	if err := api.db.Versions().SetEnabled(ctx, entityCode, enabled); err != nil {
		serveJSONError(api.log, w, err)
		return
	}
	api.log.Info("loader scheduling toggled",
		zap.String("entity code", entityCode),
		zap.Bool("enabled", enabled),
		zap.String("user", requestUser(r)))
	w.WriteHeader(http.StatusNoContent)
}

// RunNow asks the scheduler to claim the loader on its next sweep, skipping
// the max-interval wait. The minimum cooldown still applies.
func (api *LoadersAPI) RunNow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	entityCode := mux.Vars(r)["entityCode"]
	if err := api.db.Versions().RequestRun(ctx, entityCode); err != nil {
		serveJSONError(api.log, w, err)
		return
	}
	api.log.Info("manual run requested",
		zap.String("entity code", entityCode),
		zap.String("user", requestUser(r)))
	w.WriteHeader(http.StatusAccepted)
}

// Executions returns the most recent runs for an entity code.
func (api *LoadersAPI) Executions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	entityCode := mux.Vars(r)["entityCode"]
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			serveCustomJSONError(api.log, w, http.StatusBadRequest, err, "invalid limit")
			return
		}
	}

	records, err := api.db.Executions().ListByEntityCode(ctx, entityCode, limit)
	if err != nil {
		serveJSONError(api.log, w, err)
		return
	}
	serveJSON(api.log, w, http.StatusOK, records)
}

type archivePayload struct {
	ID            int64         `json:"id"`
	Version       loaderPayload `json:"version"`
	ArchivedBy    string        `json:"archivedBy"`
	ArchivedAt    time.Time     `json:"archivedAt"`
	ArchiveReason string        `json:"archiveReason"`
}

// History returns the archived versions for an entity code.
func (api *LoadersAPI) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	entityCode := mux.Vars(r)["entityCode"]

	var entries []loader.ArchiveEntry
	if r.URL.Query().Get("rejected") == "true" {
		entries, err = api.db.Archive().ListRejected(ctx, entityCode)
	} else {
		entries, err = api.db.Archive().ListByEntityCode(ctx, entityCode)
	}
	if err != nil {
		serveJSONError(api.log, w, err)
		return
	}

	payloads := make([]archivePayload, 0, len(entries))
	for _, entry := range entries {
		entry := entry
		payloads = append(payloads, archivePayload{
			ID:            entry.ID,
			Version:       toPayload(&entry.Loader, ""),
			ArchivedBy:    entry.ArchivedBy,
			ArchivedAt:    entry.ArchivedAt,
			ArchiveReason: entry.ArchiveReason,
		})
	}
	serveJSON(api.log, w, http.StatusOK, payloads)
}

// Signals returns persisted signal tuples for a loader within a time range.
func (api *LoadersAPI) Signals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	entityCode := mux.Vars(r)["entityCode"]
	rng, err := parseRange(r)
	if err != nil {
		serveCustomJSONError(api.log, w, http.StatusBadRequest, err, "invalid time range")
		return
	}

	signals, err := api.db.Signals().List(ctx, entityCode, rng)
	if err != nil {
		serveJSONError(api.log, w, err)
		return
	}
	serveJSON(api.log, w, http.StatusOK, signals)
}

func draftID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func parseRange(r *http.Request) (loader.TimeRange, error) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		return loader.TimeRange{}, err
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		return loader.TimeRange{}, err
	}
	return loader.TimeRange{From: from, To: to}, nil
}
