// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"github.com/element-hq/axon/syncapi/types"
	userapi "github.com/element-hq/axon/userapi/api"
)

// ResolveTrustContext derives the per-request trust decision from the
// device row and the client-supplied cursor. It runs fresh on every
// call so trust changes take effect on the very next sync.
//
// An untrusted or blocked device always gets the no-cursor treatment,
// whatever cursor it sent. A trusted device that has never completed a
// trusted sync is in the trust transition: its cursor is discarded once
// so the full dataset, previously withheld, is assembled from scratch.
func ResolveTrustContext(device *userapi.Device, since types.StreamPosition) types.TrustContext {
	switch device.TrustState {
	case userapi.TrustTrusted:
	default:
		return types.TrustContext{}
	}
	if device.LastSyncPosition == "" {
		return types.TrustContext{
			IsTrusted:         true,
			IsTrustTransition: !since.IsEmpty(),
		}
	}
	return types.TrustContext{
		IsTrusted: true,
		Since:     since,
	}
}
