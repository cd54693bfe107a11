// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package controlweb_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/sluice/control/controlweb"
	"storj.io/sluice/loader"
	"storj.io/sluice/loader/approval"
	"storj.io/sluice/loader/loadertest"
)

func newTestServer(t *testing.T) (*httptest.Server, *loadertest.DB) {
	log := zaptest.NewLogger(t)
	db := loadertest.New()
	approvals := approval.New(log.Named("approval"), db, loader.NoopCipher{})
	router := controlweb.NewRouter(log, db, approvals, nil, loader.NoopCipher{})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, db
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader([]byte("{}"))
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set(controlweb.UserHeader, "alice")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]interface{}
	if resp.StatusCode != http.StatusNoContent && resp.ContentLength != 0 {
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

func draftBody(entityCode string) map[string]interface{} {
	return map[string]interface{}{
		"entityCode":            entityCode,
		"sourceDbRef":           "erp",
		"sqlText":               "SELECT ts, val FROM metrics WHERE ts >= :from AND ts < :to",
		"minIntervalSeconds":    300,
		"maxIntervalSeconds":    3600,
		"maxQueryPeriodSeconds": 86400,
		"maxParallelExecutions": 1,
		"purgeStrategy":         "SKIP_DUPLICATES",
		"changeSummary":         "initial",
	}
}

func TestAPI_DraftLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	server, db := newTestServer(t)

	// Create a draft.
	resp, created := doJSON(t, http.MethodPost, server.URL+"/api/v0/loaders", draftBody("orders"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "DRAFT", created["versionStatus"])
	require.EqualValues(t, 1, created["versionNumber"])
	id := int64(created["id"].(float64))

	// Submit, approve.
	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v0/drafts/%d/submit", server.URL, id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, approved := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v0/drafts/%d/approve", server.URL, id),
		map[string]string{"comments": "ok"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ACTIVE", approved["versionStatus"])

	active, err := db.Versions().FindActive(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, "alice", active.ApprovedBy)

	// Approving again is a conflict.
	resp, errBody := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v0/drafts/%d/approve", server.URL, id), nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "invalid_transition", errBody["kind"])
}

func TestAPI_RejectRequiresReason(t *testing.T) {
	server, _ := newTestServer(t)

	resp, created := doJSON(t, http.MethodPost, server.URL+"/api/v0/loaders", draftBody("orders"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := int64(created["id"].(float64))

	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v0/drafts/%d/submit", server.URL, id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, errBody := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v0/drafts/%d/reject", server.URL, id),
		map[string]string{"reason": ""})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "validation", errBody["kind"])

	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v0/drafts/%d/reject", server.URL, id),
		map[string]string{"reason": "full scan"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAPI_ValidationError(t *testing.T) {
	server, _ := newTestServer(t)

	body := draftBody("orders")
	body["sqlText"] = "DROP TABLE metrics"
	resp, errBody := doJSON(t, http.MethodPost, server.URL+"/api/v0/loaders", body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "validation", errBody["kind"])
}

func TestAPI_NotFound(t *testing.T) {
	server, _ := newTestServer(t)

	resp, errBody := doJSON(t, http.MethodGet, server.URL+"/api/v0/loaders/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not_found", errBody["kind"])
}

func TestAPI_GetReturnsActiveAndDraftWithLinks(t *testing.T) {
	server, _ := newTestServer(t)

	resp, created := doJSON(t, http.MethodPost, server.URL+"/api/v0/loaders", draftBody("orders"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := int64(created["id"].(float64))
	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v0/drafts/%d/submit", server.URL, id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v0/drafts/%d/approve", server.URL, id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/v0/loaders", draftBody("orders"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, detail := doJSON(t, http.MethodGet, server.URL+"/api/v0/loaders/orders", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	active, ok := detail["active"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "ACTIVE", active["versionStatus"])
	// The stored SQL round-trips for display.
	require.Contains(t, active["sqlText"], "SELECT")

	draft, ok := detail["draft"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "DRAFT", draft["versionStatus"])

	// Action links follow the state.
	links := linkRels(t, draft["links"])
	require.Contains(t, links, "submit")
	require.Contains(t, links, "update")
	activeLinks := linkRels(t, active["links"])
	require.Contains(t, activeLinks, "pause")
	require.Contains(t, activeLinks, "run")
}

func linkRels(t *testing.T, raw interface{}) []string {
	t.Helper()
	list, ok := raw.([]interface{})
	require.True(t, ok)
	rels := make([]string, 0, len(list))
	for _, item := range list {
		link, ok := item.(map[string]interface{})
		require.True(t, ok)
		rels = append(rels, link["rel"].(string))
	}
	return rels
}

func TestAPI_PauseResumeRun(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	server, db := newTestServer(t)

	resp, created := doJSON(t, http.MethodPost, server.URL+"/api/v0/loaders", draftBody("orders"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := int64(created["id"].(float64))
	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v0/drafts/%d/submit", server.URL, id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v0/drafts/%d/approve", server.URL, id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/v0/loaders/orders/pause", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	row, err := db.Versions().FindActive(ctx, "orders")
	require.NoError(t, err)
	require.False(t, row.Enabled)

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/v0/loaders/orders/resume", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/v0/loaders/orders/run", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	row, err = db.Versions().FindActive(ctx, "orders")
	require.NoError(t, err)
	require.NotNil(t, row.RunRequestedAt)
}
