// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/element-hq/axon/syncapi/types"
	userapi "github.com/element-hq/axon/userapi/api"
)

func TestResolveTrustContext(t *testing.T) {
	since := types.NewStreamPosition()
	lastSync := types.NewStreamPosition()

	tests := []struct {
		name   string
		device userapi.Device
		since  types.StreamPosition
		want   types.TrustContext
	}{
		{
			name:   "unverified device gets no cursor",
			device: userapi.Device{TrustState: userapi.TrustUnverified},
			since:  since,
			want:   types.TrustContext{},
		},
		{
			name:   "blocked device gets no cursor",
			device: userapi.Device{TrustState: userapi.TrustBlocked},
			since:  since,
			want:   types.TrustContext{},
		},
		{
			name:   "trusted device keeps its cursor",
			device: userapi.Device{TrustState: userapi.TrustTrusted, LastSyncPosition: string(lastSync)},
			since:  since,
			want:   types.TrustContext{IsTrusted: true, Since: since},
		},
		{
			name:   "trusted device with no prior trusted sync discards the cursor",
			device: userapi.Device{TrustState: userapi.TrustTrusted},
			since:  since,
			want:   types.TrustContext{IsTrusted: true, IsTrustTransition: true},
		},
		{
			name:   "trusted device on its first ever sync is not a transition",
			device: userapi.Device{TrustState: userapi.TrustTrusted},
			since:  "",
			want:   types.TrustContext{IsTrusted: true},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ResolveTrustContext(&tc.device, tc.since))
		})
	}
}
