// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package synctypes

import (
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// ClientEventFormat controls which fields are serialised for clients.
type ClientEventFormat int

const (
	// FormatAll emits every field, including room_id.
	FormatAll ClientEventFormat = iota
	// FormatSync omits the room_id, which is already implied by the
	// room section the event is nested under.
	FormatSync
)

// ClientEvent is an event in the JSON shape the sync endpoints emit.
type ClientEvent struct {
	Content        spec.RawJSON   `json:"content"`
	EventID        string         `json:"event_id,omitempty"`
	OriginServerTS spec.Timestamp `json:"origin_server_ts,omitempty"`
	RoomID         string         `json:"room_id,omitempty"`
	Sender         string         `json:"sender,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
	Type           string         `json:"type"`
	Unsigned       spec.RawJSON   `json:"unsigned,omitempty"`
}
