// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

// Subjects for the output streams the sync engine consumes. Producers
// (the room subsystem, client API write paths, key server) publish on
// these; each gets its own JetStream stream so consumers can resume
// independently.
const (
	OutputRoomEvent         = "OutputRoomEvent"
	OutputSendToDeviceEvent = "OutputSendToDeviceEvent"
	OutputReceiptEvent      = "OutputReceiptEvent"
	OutputClientData        = "OutputClientData"
	OutputKeyChangeEvent    = "OutputKeyChangeEvent"
	OutputTypingEvent       = "OutputTypingEvent"
	OutputPresenceEvent     = "OutputPresenceEvent"
)

// Message header names shared between producers and consumers.
const (
	UserID   = "user_id"
	RoomID   = "room_id"
	EventID  = "event_id"
	DeviceID = "device_id"
)

// streamSubjects lists every subject a Prepare call ensures a stream
// for.
var streamSubjects = []string{
	OutputRoomEvent,
	OutputSendToDeviceEvent,
	OutputReceiptEvent,
	OutputClientData,
	OutputKeyChangeEvent,
	OutputTypingEvent,
	OutputPresenceEvent,
}
