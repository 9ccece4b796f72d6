// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/axon/syncapi/types"
)

// DatabaseTransaction is one consistent read snapshot. Callers must
// finish with Commit or Rollback; either releases the underlying
// transaction, and reads never write so the two are equivalent.
type DatabaseTransaction struct {
	d   *SyncServerDatasource
	ctx context.Context
	txn *sql.Tx
}

func (t *DatabaseTransaction) Commit() error {
	return t.txn.Commit()
}

func (t *DatabaseTransaction) Rollback() error {
	return t.txn.Rollback()
}

func (t *DatabaseTransaction) MaxStreamPosition(ctx context.Context) (types.StreamPosition, error) {
	return t.d.events.SelectMaxPosition(ctx, t.txn)
}

func (t *DatabaseTransaction) RecentEvents(ctx context.Context, roomID string, limit int) ([]types.Event, error) {
	return t.d.events.SelectRecentEvents(ctx, t.txn, roomID, limit)
}

func (t *DatabaseTransaction) EventsAfter(ctx context.Context, roomID string, from types.StreamPosition, limit int) ([]types.Event, error) {
	return t.d.events.SelectEventsAfter(ctx, t.txn, roomID, from, limit)
}

func (t *DatabaseTransaction) CurrentState(ctx context.Context, roomID string, excludeEventIDs map[string]struct{}) ([]types.Event, error) {
	return t.d.currentState.SelectCurrentState(ctx, t.txn, roomID, excludeEventIDs)
}

func (t *DatabaseTransaction) GetStateEvent(ctx context.Context, roomID, evType, stateKey string) (*types.Event, error) {
	return t.d.currentState.SelectStateEvent(ctx, t.txn, roomID, evType, stateKey)
}

func (t *DatabaseTransaction) InvitesForUser(ctx context.Context, userID string, from, to types.StreamPosition) ([]types.InviteEvent, error) {
	return t.d.invites.SelectInvitesInRange(ctx, t.txn, userID, from, to)
}

func (t *DatabaseTransaction) MembershipChangesAfter(ctx context.Context, userID string, from types.StreamPosition) ([]types.MembershipChange, error) {
	return t.d.memberships.SelectMembershipChangesAfter(ctx, t.txn, userID, from)
}

func (t *DatabaseTransaction) RoomIDsWithMembership(ctx context.Context, userID, membership string) ([]string, error) {
	return t.d.memberships.SelectRoomIDsWithMembership(ctx, t.txn, userID, membership)
}

func (t *DatabaseTransaction) SharedRoomUsers(ctx context.Context, userID string) ([]string, error) {
	return t.d.memberships.SelectSharedUsers(ctx, t.txn, userID)
}

func (t *DatabaseTransaction) PresenceForUsers(ctx context.Context, userIDs []string) (map[string]*types.PresenceStatus, error) {
	return t.d.presence.SelectPresenceForUsers(ctx, t.txn, userIDs)
}

func (t *DatabaseTransaction) PresenceChangesAfter(ctx context.Context, userIDs []string, from types.StreamPosition) (map[string]*types.PresenceStatus, error) {
	return t.d.presence.SelectPresenceChangesAfter(ctx, t.txn, userIDs, from)
}

func (t *DatabaseTransaction) GlobalAccountData(ctx context.Context, userID string, from types.StreamPosition) ([]types.AccountDataEntry, error) {
	return t.d.accountData.SelectGlobalAccountData(ctx, t.txn, userID, from)
}

// DeviceListChanges partitions users with key changes in (from, to] by
// whether they still share a room with userID. A user we no longer
// share any room with lands in left so the client can forget their
// keys.
func (t *DatabaseTransaction) DeviceListChanges(ctx context.Context, userID string, from, to types.StreamPosition) (changed, left []string, err error) {
	changedUsers, err := t.d.keyChanges.SelectKeyChangesInRange(ctx, t.txn, from, to)
	if err != nil {
		return nil, nil, err
	}
	if len(changedUsers) == 0 {
		return nil, nil, nil
	}
	shared, err := t.d.memberships.SelectSharedUsers(ctx, t.txn, userID)
	if err != nil {
		return nil, nil, err
	}
	sharedSet := make(map[string]struct{}, len(shared))
	for _, u := range shared {
		sharedSet[u] = struct{}{}
	}
	for _, u := range changedUsers {
		if _, ok := sharedSet[u]; ok || u == userID {
			changed = append(changed, u)
		} else {
			left = append(left, u)
		}
	}
	return changed, left, nil
}
