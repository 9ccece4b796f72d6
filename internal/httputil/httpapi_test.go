// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matrix-org/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/axon/setup/config"
	userapi "github.com/element-hq/axon/userapi/api"
)

type fakeTokenAPI struct {
	devices map[string]*userapi.Device
}

func (f *fakeTokenAPI) QueryDeviceByAccessToken(_ context.Context, token string) (*userapi.Device, error) {
	device, ok := f.devices[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return device, nil
}

func TestMakeAuthAPI(t *testing.T) {
	userAPI := &fakeTokenAPI{devices: map[string]*userapi.Device{
		"goodtoken": {UserID: "@alice:test", ID: "FRIGATE"},
	}}
	handler := MakeAuthAPI("test", userAPI, func(req *http.Request, device *userapi.Device) util.JSONResponse {
		return util.JSONResponse{Code: http.StatusOK, JSON: struct {
			UserID string `json:"user_id"`
		}{device.UserID}}
	})

	tests := []struct {
		name     string
		prepare  func(*http.Request)
		wantCode int
	}{
		{
			name:     "no token",
			prepare:  func(r *http.Request) {},
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "unknown token",
			prepare: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer badtoken")
			},
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "bearer token",
			prepare: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer goodtoken")
			},
			wantCode: http.StatusOK,
		},
		{
			name: "query parameter token",
			prepare: func(r *http.Request) {
				q := r.URL.Query()
				q.Set("access_token", "goodtoken")
				r.URL.RawQuery = q.Encode()
			},
			wantCode: http.StatusOK,
		},
		{
			name: "malformed authorization header",
			prepare: func(r *http.Request) {
				r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
			},
			wantCode: http.StatusUnauthorized,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/sync", nil)
			tc.prepare(req)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tc.wantCode, w.Code)
		})
	}
}

func TestMakeAuthAPIRecoversPanics(t *testing.T) {
	userAPI := &fakeTokenAPI{devices: map[string]*userapi.Device{
		"goodtoken": {UserID: "@alice:test", ID: "FRIGATE"},
	}}
	handler := MakeAuthAPI("test", userAPI, func(req *http.Request, device *userapi.Device) util.JSONResponse {
		panic("boom")
	})

	req := httptest.NewRequest(http.MethodGet, "/sync", nil)
	req.Header.Set("Authorization", "Bearer goodtoken")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRateLimits(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{
		Enabled:       true,
		Threshold:     2,
		CooloffMS:     60000,
		ExemptUserIDs: []string{"@exempt:test"},
	})
	device := &userapi.Device{UserID: "@alice:test", ID: "FRIGATE"}
	req := httptest.NewRequest(http.MethodGet, "/sync", nil)

	require.Nil(t, limits.Limit(req, device))
	require.Nil(t, limits.Limit(req, device))
	res := limits.Limit(req, device)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusTooManyRequests, res.Code)

	// Another device for the same user has its own bucket.
	other := &userapi.Device{UserID: "@alice:test", ID: "GALLEON"}
	assert.Nil(t, limits.Limit(req, other))

	exempt := &userapi.Device{UserID: "@exempt:test", ID: "FRIGATE"}
	for i := 0; i < 10; i++ {
		assert.Nil(t, limits.Limit(req, exempt))
	}
}

func TestRateLimitsDisabled(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{Enabled: false, Threshold: 1, CooloffMS: 60000})
	device := &userapi.Device{UserID: "@alice:test", ID: "FRIGATE"}
	req := httptest.NewRequest(http.MethodGet, "/sync", nil)
	for i := 0; i < 10; i++ {
		assert.Nil(t, limits.Limit(req, device))
	}
}
