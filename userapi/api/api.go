// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
)

// TrustState describes how much of the sync dataset a device is allowed
// to see. Untrusted and blocked devices receive the initial/empty
// treatment; only trusted devices receive rooms, account data and
// device list changes.
type TrustState string

const (
	TrustUnverified TrustState = "unverified"
	TrustTrusted    TrustState = "trusted"
	TrustBlocked    TrustState = "blocked"
)

// Device represents a client session known to the sync server. The two
// advancing fields (LastDeliveredID, LastSyncPosition) are the only
// mutable state the sync engine owns for a device.
type Device struct {
	UserID      string
	ID          string
	AccessToken string
	TrustState  TrustState

	// LastDeliveredID is the highest send-to-device message ID that has
	// been made visible to this device. Messages at or below this ID are
	// deleted lazily on the next incremental sync.
	LastDeliveredID int64

	// LastSyncPosition is the stream position persisted after the last
	// successfully returned trusted sync. Empty means the device has
	// never completed a trusted sync, which is how the trust transition
	// is detected.
	LastSyncPosition string

	// OneTimeKeyCounts mirrors the key server's current one-time key
	// counts for this device, ingested from the key change stream.
	OneTimeKeyCounts map[string]int

	// UnusedFallbackKeyTypes mirrors the key server's unused fallback
	// key algorithms for this device.
	UnusedFallbackKeyTypes []string
}

// Trusted reports whether the device may see the full sync dataset.
func (d *Device) Trusted() bool {
	return d.TrustState == TrustTrusted
}

// QueryAccessTokenAPI is implemented by whichever auth layer fronts the
// sync endpoints. The sync engine only ever consumes the authenticated
// device it yields.
type QueryAccessTokenAPI interface {
	QueryDeviceByAccessToken(ctx context.Context, token string) (*Device, error)
}
