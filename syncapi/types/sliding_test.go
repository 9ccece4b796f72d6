// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequiredStateConfigUnmarshal(t *testing.T) {
	t.Run("shorthand array form", func(t *testing.T) {
		var cfg RequiredStateConfig
		require.NoError(t, json.Unmarshal([]byte(`[["m.room.member","$ME"],["*","*"]]`), &cfg))
		assert.Equal(t, [][]string{{"m.room.member", "$ME"}, {"*", "*"}}, cfg.Include)
		assert.Empty(t, cfg.Exclude)
	})

	t.Run("object form", func(t *testing.T) {
		var cfg RequiredStateConfig
		require.NoError(t, json.Unmarshal([]byte(`{"include":[["m.room.name",""]],"exclude":[["m.room.member","*"]]}`), &cfg))
		assert.Equal(t, [][]string{{"m.room.name", ""}}, cfg.Include)
		assert.Equal(t, [][]string{{"m.room.member", "*"}}, cfg.Exclude)
	})
}

func TestSlidingSyncRequestUnmarshal(t *testing.T) {
	body := `{
		"pos": "abc",
		"timeout": 30000,
		"lists": {
			"all_rooms": {
				"ranges": [[0, 19]],
				"timeline_limit": 5,
				"required_state": [["m.room.create", ""]],
				"filters": {"is_dm": false, "not_room_types": ["m.space"]}
			}
		},
		"room_subscriptions": {
			"!a:test": {"timeline_limit": 50}
		},
		"extensions": {"to_device": {"enabled": true}}
	}`
	var req SlidingSyncRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	assert.Equal(t, "abc", req.Pos)
	assert.Equal(t, 30000, req.Timeout)
	list, ok := req.Lists["all_rooms"]
	require.True(t, ok)
	assert.Equal(t, [][]int{{0, 19}}, list.Ranges)
	assert.Equal(t, 5, list.TimelineLimit)
	require.NotNil(t, list.Filters)
	require.NotNil(t, list.Filters.IsDM)
	assert.False(t, *list.Filters.IsDM)
	assert.Equal(t, []string{"m.space"}, list.Filters.NotRoomTypes)
	assert.Equal(t, 50, req.RoomSubscriptions["!a:test"].TimelineLimit)
	require.NotNil(t, req.Extensions)
	require.NotNil(t, req.Extensions.ToDevice)
	assert.True(t, req.Extensions.ToDevice.Enabled)
}
