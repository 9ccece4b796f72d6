// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"

	"github.com/element-hq/axon/syncapi/synctypes"
)

// SlidingSyncRequest is the request body for POST /sync/sliding.
type SlidingSyncRequest struct {
	// Position token from the previous response. Usually supplied as the
	// "pos" query parameter, which takes precedence over the body.
	Pos string `json:"pos,omitempty"`

	// Milliseconds to wait for new events before returning empty.
	Timeout int `json:"timeout,omitempty"`

	// Named list configurations with sliding windows.
	Lists map[string]SlidingListConfig `json:"lists,omitempty"`

	// Explicit room subscriptions by room ID. Subscription settings take
	// priority over list settings for the same room.
	RoomSubscriptions map[string]RoomSubscriptionConfig `json:"room_subscriptions,omitempty"`

	Extensions *ExtensionRequest `json:"extensions,omitempty"`
}

// SlidingListConfig defines a filtered, windowed view of rooms.
type SlidingListConfig struct {
	// Requested [start, end] index ranges (inclusive) over the sorted
	// room list.
	Ranges [][]int `json:"ranges,omitempty"`

	TimelineLimit int                 `json:"timeline_limit"`
	RequiredState RequiredStateConfig `json:"required_state"`
	Filters       *SlidingRoomFilter  `json:"filters,omitempty"`
}

// RequiredStateConfig controls which state events a room payload
// carries. Patterns are (type, state_key) pairs supporting "*" and the
// "$ME" state key sentinel.
type RequiredStateConfig struct {
	Include [][]string `json:"include,omitempty"`
	Exclude [][]string `json:"exclude,omitempty"`
}

// UnmarshalJSON accepts both the object form and the shorthand array
// form [["type","key"], ...], which is interpreted as Include.
func (r *RequiredStateConfig) UnmarshalJSON(data []byte) error {
	var arr [][]string
	if err := json.Unmarshal(data, &arr); err == nil {
		r.Include = arr
		r.Exclude = nil
		return nil
	}
	type alias RequiredStateConfig
	aux := (*alias)(r)
	return json.Unmarshal(data, aux)
}

// SlidingRoomFilter contains criteria applied before windowing a list.
type SlidingRoomFilter struct {
	// Filter on the direct-message flag derived from m.direct account
	// data.
	IsDM *bool `json:"is_dm,omitempty"`

	// Include only rooms whose create event declares one of these types.
	RoomTypes []string `json:"room_types,omitempty"`

	// Exclude rooms whose create event declares one of these types.
	NotRoomTypes []string `json:"not_room_types,omitempty"`
}

// RoomSubscriptionConfig is the per-room override for subscriptions.
type RoomSubscriptionConfig struct {
	TimelineLimit int                 `json:"timeline_limit"`
	RequiredState RequiredStateConfig `json:"required_state"`
}

// SlidingSyncResponse is the response body for POST /sync/sliding.
type SlidingSyncResponse struct {
	Pos        string                     `json:"pos"`
	Lists      map[string]SlidingList     `json:"lists"`
	Rooms      map[string]SlidingRoomData `json:"rooms"`
	Extensions *ExtensionResponse         `json:"extensions,omitempty"`
}

// SlidingList is one named list's contribution: the total count after
// filtering plus one SYNC operation per requested range.
type SlidingList struct {
	Count int                `json:"count"`
	Ops   []SlidingOperation `json:"ops,omitempty"`
}

// SlidingOperation carries the room IDs occupying one window. Only
// full-range SYNC operations are emitted; there is no incremental list
// diffing.
type SlidingOperation struct {
	Op      string   `json:"op"`
	Range   []int    `json:"range"`
	RoomIDs []string `json:"room_ids"`
}

// SlidingOpSync is the only list operation kind this engine emits.
const SlidingOpSync = "SYNC"

// SlidingRoomData is one room's payload in a sliding sync response.
type SlidingRoomData struct {
	Name              string                  `json:"name,omitempty"`
	Initial           bool                    `json:"initial,omitempty"`
	IsDM              bool                    `json:"is_dm,omitempty"`
	RequiredState     []synctypes.ClientEvent `json:"required_state,omitempty"`
	Timeline          []synctypes.ClientEvent `json:"timeline,omitempty"`
	Limited           bool                    `json:"limited,omitempty"`
	PrevBatch         string                  `json:"prev_batch,omitempty"`
	JoinedCount       int                     `json:"joined_count,omitempty"`
	InvitedCount      int                     `json:"invited_count,omitempty"`
	Heroes            []SlidingHero           `json:"heroes,omitempty"`
	NotificationCount int                     `json:"notification_count"`
	HighlightCount    int                     `json:"highlight_count"`
}

// SlidingHero is a joined member used to synthesise a display name when
// the room has no explicit one.
type SlidingHero struct {
	UserID      string `json:"user_id"`
	Displayname string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// ExtensionRequest enables the sliding sync extensions. Each extension
// reuses the corresponding classic sync collector so behaviour is
// identical between the two endpoints.
type ExtensionRequest struct {
	ToDevice    *ExtensionToggle `json:"to_device,omitempty"`
	E2EE        *ExtensionToggle `json:"e2ee,omitempty"`
	AccountData *ExtensionToggle `json:"account_data,omitempty"`
}

// ExtensionToggle is the shared enable switch for extensions.
type ExtensionToggle struct {
	Enabled bool `json:"enabled"`
}

// ExtensionResponse carries the enabled extensions' payloads.
type ExtensionResponse struct {
	ToDevice    *ToDeviceExtensionResponse    `json:"to_device,omitempty"`
	E2EE        *E2EEExtensionResponse        `json:"e2ee,omitempty"`
	AccountData *AccountDataExtensionResponse `json:"account_data,omitempty"`
}

// ToDeviceExtensionResponse carries queued to-device messages.
type ToDeviceExtensionResponse struct {
	Events []synctypes.ClientEvent `json:"events,omitempty"`
}

// E2EEExtensionResponse carries device list changes and key counts.
type E2EEExtensionResponse struct {
	DeviceLists                  *DeviceLists   `json:"device_lists,omitempty"`
	DeviceOneTimeKeysCount       map[string]int `json:"device_one_time_keys_count,omitempty"`
	DeviceUnusedFallbackKeyTypes []string       `json:"device_unused_fallback_key_types,omitempty"`
}

// AccountDataExtensionResponse carries global and room account data.
type AccountDataExtensionResponse struct {
	Global []synctypes.ClientEvent            `json:"global,omitempty"`
	Rooms  map[string][]synctypes.ClientEvent `json:"rooms,omitempty"`
}
