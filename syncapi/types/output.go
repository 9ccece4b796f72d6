// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Wire shapes for the JetStream output streams this engine consumes.
// The room, key and client-data subsystems publish these; the syncapi
// consumers ingest them into the sync database.

// OutputRoomEvent is a new timeline or state event from the room
// subsystem. Redaction/edit metadata are resolved upstream, except that
// a redaction event itself is delivered like any other and applied to
// its target by the consumer.
type OutputRoomEvent struct {
	Event Event `json:"event"`

	// InviteTarget is set when the event is a membership invite, so the
	// consumer can feed the invite stream without re-parsing content.
	InviteTarget string `json:"invite_target,omitempty"`

	// Redacts is set when the event is a redaction.
	Redacts string `json:"redacts,omitempty"`
}

// OutputSendToDeviceEvent queues a message for one device.
type OutputSendToDeviceEvent struct {
	UserID   string          `json:"user_id"`
	DeviceID string          `json:"device_id"`
	Sender   string          `json:"sender"`
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
}

// OutputReceiptEvent is a read receipt from the EDU path.
type OutputReceiptEvent struct {
	UserID    string         `json:"user_id"`
	RoomID    string         `json:"room_id"`
	EventID   string         `json:"event_id"`
	Type      string         `json:"type"`
	Timestamp spec.Timestamp `json:"timestamp"`
}

// OutputClientDataEvent is an account data write from the client API.
type OutputClientDataEvent struct {
	UserID  string          `json:"user_id"`
	RoomID  string          `json:"room_id"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// OutputKeyChangeEvent announces that a user's device set or keys
// changed, and carries the key server's current counts for the device
// that uploaded. Trust changes ride the same stream.
type OutputKeyChangeEvent struct {
	UserID                 string         `json:"user_id"`
	DeviceID               string         `json:"device_id,omitempty"`
	TrustState             string         `json:"trust_state,omitempty"`
	OneTimeKeyCounts       map[string]int `json:"one_time_key_counts,omitempty"`
	UnusedFallbackKeyTypes []string       `json:"unused_fallback_key_types,omitempty"`
}

// OutputTypingEvent is a typing start/stop notification.
type OutputTypingEvent struct {
	UserID  string `json:"user_id"`
	RoomID  string `json:"room_id"`
	Typing  bool   `json:"typing"`
	Timeout int64  `json:"timeout_ms,omitempty"`
}

// OutputPresenceEvent is a presence update from the client API.
type OutputPresenceEvent struct {
	UserID       string         `json:"user_id"`
	Presence     string         `json:"presence"`
	StatusMsg    string         `json:"status_msg,omitempty"`
	LastActiveTS spec.Timestamp `json:"last_active_ts"`
}
