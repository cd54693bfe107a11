// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package controlweb

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"storj.io/sluice/loader"
	"storj.io/sluice/loader/approval"
)

// errorKind names the machine-readable error category in error payloads.
func errorKind(err error) string {
	switch {
	case loader.ErrNotFound.Has(err):
		return "not_found"
	case loader.ErrInvalidTransition.Has(err):
		return "invalid_transition"
	case loader.ErrIntegrity.Has(err):
		return "integrity_violation"
	case loader.ErrSinkConflict.Has(err):
		return "sink_conflict"
	case approval.Error.Has(err):
		return "validation"
	default:
		return "internal"
	}
}

// statusCode maps a service error onto an HTTP status.
func statusCode(err error) int {
	switch errorKind(err) {
	case "not_found":
		return http.StatusNotFound
	case "invalid_transition", "integrity_violation", "sink_conflict":
		return http.StatusConflict
	case "validation":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// serveJSONError writes JSON error to response output stream.
func serveJSONError(log *zap.Logger, w http.ResponseWriter, err error) {
	status := statusCode(err)
	serveCustomJSONError(log, w, status, err, err.Error())
}

func serveCustomJSONError(log *zap.Logger, w http.ResponseWriter, status int, err error, msg string) {
	fields := []zap.Field{
		zap.Int("code", status),
		zap.String("message", msg),
		zap.Error(err),
	}
	switch {
	case status >= http.StatusInternalServerError:
		log.Error("returning error to client", fields...)
	case status >= http.StatusBadRequest:
		log.Debug("returning error to client", fields...)
	}

	kind := errorKind(err)
	if status == http.StatusBadRequest {
		kind = "validation"
	}

	w.WriteHeader(status)
	err = json.NewEncoder(w).Encode(map[string]string{
		"error": msg,
		"kind":  kind,
	})
	if err != nil {
		log.Error("failed to write json error response", zap.Error(err))
	}
}

// serveJSON writes value as the response body.
func serveJSON(log *zap.Logger, w http.ResponseWriter, status int, value interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Error("failed to write json response", zap.Error(err))
	}
}
