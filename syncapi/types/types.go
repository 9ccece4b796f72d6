// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"context"
	"encoding/json"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"

	userapi "github.com/element-hq/axon/userapi/api"
)

// TrustContext is the per-request trust decision. It is derived fresh on
// every call from the device row and never cached across calls, so that
// a device blocked mid-session is shut out on its very next sync.
type TrustContext struct {
	// IsTrusted gates rooms, account data, device list changes and
	// presence. Untrusted devices only ever see verification-flagged
	// to-device messages.
	IsTrusted bool

	// Since is the effective cursor for this call. Empty means the full
	// dataset is assembled, either because no cursor was supplied or
	// because the client's cursor was deliberately discarded.
	Since StreamPosition

	// IsTrustTransition marks the one-time forced full resync after a
	// device's upgrade from unverified to trusted.
	IsTrustTransition bool
}

// SyncRequest carries one parsed /sync call through assembly.
type SyncRequest struct {
	Context       context.Context
	Device        *userapi.Device
	Trust         TrustContext
	Timeout       time.Duration
	WantFullState bool
	SetPresence   string
}

// Event is a room event as mirrored into the sync database. Redaction
// and edit metadata are already resolved by the room subsystem before
// the event reaches this engine: redacted events carry empty content
// plus a RedactedBecause pointer, edited events already carry the latest
// replacement content.
type Event struct {
	Position        StreamPosition
	EventID         string
	RoomID          string
	Sender          string
	Type            string
	StateKey        *string
	Content         json.RawMessage
	Unsigned        json.RawMessage
	OriginServerTS  spec.Timestamp
	RedactedBecause string
}

// IsState reports whether the event carries a state key.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// ToDeviceMessage is a transient point-to-point message for one device,
// consumed at most once.
type ToDeviceMessage struct {
	ID       int64
	UserID   string
	DeviceID string
	Sender   string
	Type     string
	Content  json.RawMessage
}

// AccountDataEntry is one (user, room, type) account data value. An
// empty RoomID means global scope.
type AccountDataEntry struct {
	UserID   string
	RoomID   string
	Type     string
	Content  json.RawMessage
	Position StreamPosition
}

// Receipt is a single read receipt as stored by the receipt consumer.
type Receipt struct {
	RoomID    string
	Type      string
	UserID    string
	EventID   string
	Position  StreamPosition
	Timestamp spec.Timestamp
}

// PresenceStatus is the stored presence of one user.
type PresenceStatus struct {
	UserID       string
	Presence     string
	StatusMsg    string
	LastActiveTS spec.Timestamp
	Position     StreamPosition
}

// MemberCounts summarises a room's membership, batch-fetched per room.
type MemberCounts struct {
	Joined  int
	Invited int
}

// InviteEvent is an active or retired invite for a user, tracked on its
// own stream so invite delivery can be bounded by the cursor.
type InviteEvent struct {
	RoomID   string
	UserID   string
	Event    Event
	Position StreamPosition
	Retired  bool
}

// MembershipChange records a user's membership moving in a room, used
// to surface left rooms on incremental syncs.
type MembershipChange struct {
	RoomID     string
	Membership string
	Event      Event
}
