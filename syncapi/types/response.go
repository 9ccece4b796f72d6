// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/sjson"

	"github.com/element-hq/axon/syncapi/synctypes"
)

// ClientEvent converts a stored event into the client-facing shape.
func (e *Event) ClientEvent(format synctypes.ClientEventFormat) synctypes.ClientEvent {
	ce := synctypes.ClientEvent{
		Content:        spec.RawJSON(e.Content),
		EventID:        e.EventID,
		OriginServerTS: e.OriginServerTS,
		Sender:         e.Sender,
		StateKey:       e.StateKey,
		Type:           e.Type,
		Unsigned:       spec.RawJSON(e.Unsigned),
	}
	if format == synctypes.FormatAll {
		ce.RoomID = e.RoomID
	}
	if e.RedactedBecause != "" {
		ce.Content = spec.RawJSON("{}")
		unsigned, err := sjson.SetRawBytes([]byte("{}"), "redacted_because", []byte(e.RedactedBecause))
		if err == nil {
			ce.Unsigned = spec.RawJSON(unsigned)
		}
	}
	return ce
}

// Response is the complete /sync response.
type Response struct {
	NextBatch                    string                 `json:"next_batch"`
	AccountData                  ClientEvents           `json:"account_data,omitempty"`
	Presence                     ClientEvents           `json:"presence,omitempty"`
	Rooms                        *RoomsResponse         `json:"rooms,omitempty"`
	ToDevice                     ClientEvents           `json:"to_device,omitempty"`
	DeviceLists                  *DeviceLists           `json:"device_lists,omitempty"`
	DeviceListsOTKCount          map[string]int         `json:"device_one_time_keys_count,omitempty"`
	DeviceUnusedFallbackKeyTypes []string               `json:"device_unused_fallback_key_types,omitempty"`
}

// ClientEvents wraps an event list, matching the {"events": [...]}
// nesting the protocol uses for every stream section.
type ClientEvents struct {
	Events []synctypes.ClientEvent `json:"events,omitempty"`
}

// IsEmpty reports whether the response carries anything a client would
// act on. Used by the long poll coordinator to decide whether to wait.
func (r *Response) IsEmpty() bool {
	if r.Rooms != nil {
		if len(r.Rooms.Join) > 0 || len(r.Rooms.Invite) > 0 || len(r.Rooms.Leave) > 0 {
			return false
		}
	}
	if len(r.ToDevice.Events) > 0 || len(r.AccountData.Events) > 0 {
		return false
	}
	if r.DeviceLists != nil && len(r.DeviceLists.Changed) > 0 {
		return false
	}
	return true
}

// RoomsResponse groups room data by the requesting user's membership.
type RoomsResponse struct {
	Join   map[string]*JoinResponse   `json:"join,omitempty"`
	Invite map[string]*InviteResponse `json:"invite,omitempty"`
	Leave  map[string]*LeaveResponse  `json:"leave,omitempty"`
}

// NewRoomsResponse allocates the three membership maps.
func NewRoomsResponse() *RoomsResponse {
	return &RoomsResponse{
		Join:   make(map[string]*JoinResponse),
		Invite: make(map[string]*InviteResponse),
		Leave:  make(map[string]*LeaveResponse),
	}
}

// Summary is the room summary block: hero members plus counts.
type Summary struct {
	Heroes       []string `json:"m.heroes,omitempty"`
	JoinedCount  *int     `json:"m.joined_member_count,omitempty"`
	InvitedCount *int     `json:"m.invited_member_count,omitempty"`
}

// Timeline is the chronological event window for one room.
type Timeline struct {
	Events    []synctypes.ClientEvent `json:"events"`
	Limited   bool                    `json:"limited"`
	PrevBatch string                  `json:"prev_batch,omitempty"`
}

// UnreadNotifications carries per-room unread counts.
type UnreadNotifications struct {
	NotificationCount int `json:"notification_count"`
	HighlightCount    int `json:"highlight_count"`
}

// JoinResponse is one joined room's contribution to the response.
type JoinResponse struct {
	Summary             *Summary             `json:"summary,omitempty"`
	State               ClientEvents         `json:"state"`
	Timeline            Timeline             `json:"timeline"`
	Ephemeral           ClientEvents         `json:"ephemeral"`
	AccountData         ClientEvents         `json:"account_data"`
	UnreadNotifications *UnreadNotifications `json:"unread_notifications,omitempty"`
}

// InviteResponse carries the stripped state preview for an invite.
type InviteResponse struct {
	InviteState ClientEvents `json:"invite_state"`
}

// LeaveResponse is one left room's bounded history.
type LeaveResponse struct {
	State    ClientEvents `json:"state"`
	Timeline Timeline     `json:"timeline"`
}

// DeviceLists reports users whose device set or keys changed.
type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

// ToDeviceEvent is a to-device message in wire shape.
func (m *ToDeviceMessage) ToDeviceEvent() synctypes.ClientEvent {
	return synctypes.ClientEvent{
		Sender:  m.Sender,
		Type:    m.Type,
		Content: spec.RawJSON(m.Content),
	}
}

// PresenceEvent maps a stored presence row to the wire shape.
func (p *PresenceStatus) PresenceEvent(now spec.Timestamp) synctypes.ClientEvent {
	content := presenceContent{
		Presence:        p.Presence,
		StatusMsg:       p.StatusMsg,
		CurrentlyActive: p.Presence == "online",
	}
	if p.LastActiveTS > 0 && now > p.LastActiveTS {
		content.LastActiveAgo = int64(now - p.LastActiveTS)
	}
	b, _ := json.Marshal(content)
	return synctypes.ClientEvent{
		Sender:  p.UserID,
		Type:    "m.presence",
		Content: spec.RawJSON(b),
	}
}

type presenceContent struct {
	Presence        string `json:"presence"`
	StatusMsg       string `json:"status_msg,omitempty"`
	LastActiveAgo   int64  `json:"last_active_ago,omitempty"`
	CurrentlyActive bool   `json:"currently_active,omitempty"`
}
