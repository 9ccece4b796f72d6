// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package streams

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/axon/syncapi/storage"
	"github.com/element-hq/axon/syncapi/types"
	userapi "github.com/element-hq/axon/userapi/api"
)

type fakeSnapshot struct {
	storage.DatabaseTransaction
	entries []types.AccountDataEntry
}

func (f *fakeSnapshot) GlobalAccountData(_ context.Context, _ string, from types.StreamPosition) ([]types.AccountDataEntry, error) {
	var result []types.AccountDataEntry
	for _, entry := range f.entries {
		if entry.Position.IsAfter(from) {
			result = append(result, entry)
		}
	}
	return result, nil
}

func TestAccountDataDeliver(t *testing.T) {
	snapshot := &fakeSnapshot{entries: []types.AccountDataEntry{
		{Type: "m.push_rules", Content: []byte(`{"global":{}}`), Position: types.NewStreamPosition()},
		{Type: "m.accepted_terms", Content: []byte(`{"accepted":[]}`), Position: types.NewStreamPosition()},
	}}
	provider := &AccountDataStreamProvider{}
	device := &userapi.Device{UserID: "@alice:test", ID: "FRIGATE"}

	t.Run("trusted full sync gets everything plus the marker", func(t *testing.T) {
		req := &types.SyncRequest{Device: device, Trust: types.TrustContext{IsTrusted: true}}
		events, err := provider.Deliver(context.Background(), snapshot, req)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "m.push_rules", events[0].Type)
		assert.Equal(t, "m.accepted_terms", events[1].Type)
		assert.Equal(t, BackupDisabledType, events[2].Type)
	})

	t.Run("untrusted sync is allow-listed", func(t *testing.T) {
		req := &types.SyncRequest{Device: device, Trust: types.TrustContext{}}
		events, err := provider.Deliver(context.Background(), snapshot, req)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "m.accepted_terms", events[0].Type)
		assert.Equal(t, BackupDisabledType, events[1].Type)
	})

	t.Run("incremental sync carries no marker", func(t *testing.T) {
		since := types.NewStreamPosition()
		req := &types.SyncRequest{Device: device, Trust: types.TrustContext{IsTrusted: true, Since: since}}
		events, err := provider.Deliver(context.Background(), snapshot, req)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}
