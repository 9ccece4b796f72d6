// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/element-hq/axon/syncapi/storage/sqlite3"
)

type database struct {
	*sqlite3.SyncServerDatasource
}

func (d database) NewDatabaseSnapshot(ctx context.Context) (DatabaseTransaction, error) {
	return d.SyncServerDatasource.NewDatabaseSnapshot(ctx)
}

// NewSyncServerDatasource opens the sync database.
func NewSyncServerDatasource(connectionString string, maxOpenConns int) (Database, error) {
	ds, err := sqlite3.NewDatabase(connectionString, maxOpenConns)
	if err != nil {
		return nil, err
	}
	return database{ds}, nil
}
