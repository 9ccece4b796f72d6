// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"

	"github.com/element-hq/axon/internal/httputil"
	"github.com/element-hq/axon/syncapi/sync"
	userapi "github.com/element-hq/axon/userapi/api"
)

// Setup registers the public sync endpoints on the router.
func Setup(
	router *mux.Router,
	rp *sync.RequestPool,
	userAPI userapi.QueryAccessTokenAPI,
	rateLimits *httputil.RateLimits,
) {
	v3 := router.PathPrefix("/_matrix/client/v3").Subrouter()
	unstable := router.PathPrefix("/_matrix/client/unstable").Subrouter()

	limited := func(f func(*http.Request, *userapi.Device) util.JSONResponse) func(*http.Request, *userapi.Device) util.JSONResponse {
		return func(req *http.Request, device *userapi.Device) util.JSONResponse {
			if r := rateLimits.Limit(req, device); r != nil {
				return *r
			}
			return f(req, device)
		}
	}

	v3.Handle("/sync",
		httputil.MakeAuthAPI("sync", userAPI, limited(rp.OnIncomingSyncRequest)),
	).Methods(http.MethodGet, http.MethodOptions)

	slidingSync := httputil.MakeAuthAPI("sliding_sync", userAPI, limited(rp.OnIncomingSlidingSyncRequest))
	unstable.Handle("/org.matrix.simplified_msc3575/sync", slidingSync).
		Methods(http.MethodPost, http.MethodOptions)
	v3.Handle("/sync/sliding", slidingSync).
		Methods(http.MethodPost, http.MethodOptions)
}
