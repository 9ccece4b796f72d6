// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package streams

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/axon/syncapi/storage"
	"github.com/element-hq/axon/syncapi/synctypes"
	"github.com/element-hq/axon/syncapi/types"
)

// untrustedAccountDataTypes is the small allow-list of global account
// data types an untrusted device may still see. Everything else waits
// for the device to be trusted.
var untrustedAccountDataTypes = map[string]struct{}{
	"m.accepted_terms": {},
}

// BackupDisabledType marks key backups as unusable for devices that
// have not completed verification. Injected, never stored.
const BackupDisabledType = "org.matrix.backup_disabled"

// AccountDataStreamProvider assembles the global account data section.
type AccountDataStreamProvider struct{}

// Deliver returns the account data events visible to the requesting
// device. Trusted devices get everything newer than the cursor;
// untrusted devices get the allow-listed subset. Every full sync also
// carries a synthetic backup-disabled marker, independent of stored
// data.
func (p *AccountDataStreamProvider) Deliver(
	ctx context.Context, snapshot storage.DatabaseTransaction, req *types.SyncRequest,
) ([]synctypes.ClientEvent, error) {
	entries, err := snapshot.GlobalAccountData(ctx, req.Device.UserID, req.Trust.Since)
	if err != nil {
		return nil, err
	}
	var events []synctypes.ClientEvent
	for _, entry := range entries {
		if !req.Trust.IsTrusted {
			if _, allowed := untrustedAccountDataTypes[entry.Type]; !allowed {
				continue
			}
		}
		events = append(events, synctypes.ClientEvent{
			Type:    entry.Type,
			Content: spec.RawJSON(entry.Content),
		})
	}
	if req.Trust.Since.IsEmpty() {
		events = append(events, synctypes.ClientEvent{
			Type:    BackupDisabledType,
			Content: spec.RawJSON(`{"disabled":true}`),
		})
	}
	return events, nil
}
