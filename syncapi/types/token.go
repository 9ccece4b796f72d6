// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StreamPosition is an opaque cursor into the global event order. Every
// mutable stream (room events, account data writes, device list changes,
// receipts, presence) allocates positions from the same total order, so
// positions from different streams compare meaningfully under plain
// string comparison. The engine never performs arithmetic on positions,
// only comparison and max.
type StreamPosition string

// NewStreamPosition allocates the next position. UUIDv7 encodes a
// millisecond clock followed by a monotonic counter and randomness, so
// string ordering matches allocation ordering within this process.
func NewStreamPosition() StreamPosition {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does, at which point
		// the process has bigger problems than cursor allocation.
		panic(fmt.Sprintf("syncapi: failed to allocate stream position: %v", err))
	}
	return StreamPosition(id.String())
}

// IsAfter reports whether p strictly dominates other. The empty
// position sorts before everything.
func (p StreamPosition) IsAfter(other StreamPosition) bool {
	return p > other
}

// IsEmpty reports whether p is the zero cursor, used for "never" and
// "initial sync" sentinels.
func (p StreamPosition) IsEmpty() bool {
	return p == ""
}

// Time recovers the wall-clock instant the position was allocated at.
// Reports false for the empty position and anything else that is not a
// position this process family allocated.
func (p StreamPosition) Time() (time.Time, bool) {
	id, err := uuid.Parse(string(p))
	if err != nil || id.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec), true
}

// MaxStreamPosition returns the lexicographic maximum of the given
// positions. The token handed back to a client is the max of every
// sub-cursor touched while assembling the response, which guarantees it
// dominates all delivered data.
func MaxStreamPosition(positions ...StreamPosition) StreamPosition {
	var max StreamPosition
	for _, p := range positions {
		if p > max {
			max = p
		}
	}
	return max
}

// ParseStreamToken decodes a client-supplied "since"/"pos" value. Tokens
// are opaque and forward compatible: anything unparseable is treated as
// absent, turning the call into an initial sync rather than an error.
func ParseStreamToken(s string) (StreamPosition, bool) {
	if s == "" {
		return "", false
	}
	if _, err := uuid.Parse(s); err != nil {
		return "", false
	}
	return StreamPosition(s), true
}
