// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package controlweb

import (
	"fmt"

	"storj.io/sluice/loader"
)

// Link advertises one action the caller may take on a resource in its
// current state.
type Link struct {
	Rel    string `json:"rel"`
	Method string `json:"method"`
	Href   string `json:"href"`
}

// actionLinks returns the state-dependent actions for a loader version.
func actionLinks(l *loader.Loader) []Link {
	var links []Link
	switch l.VersionStatus {
	case loader.VersionDraft:
		links = append(links,
			Link{Rel: "update", Method: "PUT", Href: fmt.Sprintf("/api/v0/drafts/%d", l.ID)},
			Link{Rel: "submit", Method: "POST", Href: fmt.Sprintf("/api/v0/drafts/%d/submit", l.ID)},
			Link{Rel: "delete", Method: "DELETE", Href: fmt.Sprintf("/api/v0/drafts/%d", l.ID)},
		)
	case loader.VersionPendingApproval:
		links = append(links,
			Link{Rel: "approve", Method: "POST", Href: fmt.Sprintf("/api/v0/drafts/%d/approve", l.ID)},
			Link{Rel: "reject", Method: "POST", Href: fmt.Sprintf("/api/v0/drafts/%d/reject", l.ID)},
		)
	case loader.VersionActive:
		if l.Enabled {
			links = append(links,
				Link{Rel: "pause", Method: "POST", Href: fmt.Sprintf("/api/v0/loaders/%s/pause", l.EntityCode)},
				Link{Rel: "run", Method: "POST", Href: fmt.Sprintf("/api/v0/loaders/%s/run", l.EntityCode)},
			)
		} else {
			links = append(links,
				Link{Rel: "resume", Method: "POST", Href: fmt.Sprintf("/api/v0/loaders/%s/resume", l.EntityCode)},
			)
		}
		links = append(links,
			Link{Rel: "executions", Method: "GET", Href: fmt.Sprintf("/api/v0/loaders/%s/executions", l.EntityCode)},
			Link{Rel: "history", Method: "GET", Href: fmt.Sprintf("/api/v0/loaders/%s/history", l.EntityCode)},
		)
	}
	return links
}
