// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/element-hq/axon/internal/caching"
	"github.com/element-hq/axon/syncapi/storage"
	"github.com/element-hq/axon/syncapi/types"
)

// prefetchedRoomData holds the per-category batch results for every
// room in a response. Each category is one query across all rooms, so
// assembling a thousand-room response costs a handful of round trips
// instead of thousands.
type prefetchedRoomData struct {
	memberCounts map[string]types.MemberCounts
	heroes       map[string][]string
	receipts     map[string][]types.Receipt
	unreadCounts map[string]types.UnreadNotifications
	accountData  map[string][]types.AccountDataEntry
	typingUsers  map[string][]string
}

// prefetchRoomData fans the batch queries out concurrently. They run
// against the connection pool rather than the request snapshot, which
// is the price of running them in parallel; all of the prefetched
// categories are advisory metadata where a slightly newer read is
// harmless.
func prefetchRoomData(
	ctx context.Context, db storage.Database, typingCache *caching.EDUCache,
	req *types.SyncRequest, roomIDs []string, heroLimit int,
) (*prefetchedRoomData, error) {
	p := &prefetchedRoomData{}
	if len(roomIDs) == 0 {
		return p, nil
	}
	userID := req.Device.UserID
	since := req.Trust.Since

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		p.memberCounts, err = db.MembershipCounts(gctx, roomIDs)
		return
	})
	g.Go(func() (err error) {
		p.heroes, err = db.Heroes(gctx, roomIDs, userID, heroLimit)
		return
	})
	g.Go(func() (err error) {
		p.receipts, err = db.ReceiptsForRooms(gctx, roomIDs, since)
		return
	})
	g.Go(func() (err error) {
		p.unreadCounts, err = db.UnreadCounts(gctx, userID, roomIDs)
		return
	})
	g.Go(func() (err error) {
		p.accountData, err = db.RoomAccountData(gctx, userID, roomIDs, since)
		return
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	p.typingUsers = typingCache.GetTypingUsersForRooms(roomIDs)
	return p, nil
}
