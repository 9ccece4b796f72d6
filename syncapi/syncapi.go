// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package syncapi

import (
	"context"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/axon/internal/caching"
	"github.com/element-hq/axon/internal/httputil"
	"github.com/element-hq/axon/setup/config"
	"github.com/element-hq/axon/setup/process"
	"github.com/element-hq/axon/syncapi/consumers"
	"github.com/element-hq/axon/syncapi/notifier"
	"github.com/element-hq/axon/syncapi/routing"
	"github.com/element-hq/axon/syncapi/storage"
	"github.com/element-hq/axon/syncapi/sync"
	userapi "github.com/element-hq/axon/userapi/api"
)

// storeTokenVerifier authenticates access tokens against the device
// rows mirrored into the sync database.
type storeTokenVerifier struct {
	db storage.Database
}

func (v storeTokenVerifier) QueryDeviceByAccessToken(ctx context.Context, token string) (*userapi.Device, error) {
	return v.db.GetDeviceByAccessToken(ctx, token)
}

// AddPublicRoutes wires the sync engine: storage, notifier, stream
// consumers and HTTP routes.
func AddPublicRoutes(
	processContext *process.ProcessContext,
	router *mux.Router,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	caches *caching.Caches,
) *sync.RequestPool {
	db, err := storage.NewSyncServerDatasource(
		cfg.Matrix.Database.ConnectionString,
		cfg.Matrix.Database.MaxOpenConnections,
	)
	if err != nil {
		logrus.WithError(err).Panicf("failed to connect to sync db")
	}

	eduCache := caching.NewTypingCache()
	n := notifier.NewNotifier()
	requestPool := sync.NewRequestPool(db, cfg, n, eduCache, caches)

	roomConsumer := consumers.NewOutputRoomEventConsumer(processContext, cfg, js, db, n)
	if err = roomConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start room event consumer")
	}
	sendToDeviceConsumer := consumers.NewOutputSendToDeviceEventConsumer(processContext, cfg, js, db, n)
	if err = sendToDeviceConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start send-to-device consumer")
	}
	receiptConsumer := consumers.NewOutputReceiptEventConsumer(processContext, cfg, js, db, n)
	if err = receiptConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start receipt consumer")
	}
	clientDataConsumer := consumers.NewOutputClientDataConsumer(processContext, cfg, js, db, n)
	if err = clientDataConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start client data consumer")
	}
	keyChangeConsumer := consumers.NewOutputKeyChangeEventConsumer(processContext, cfg, js, db, n)
	if err = keyChangeConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start key change consumer")
	}
	typingConsumer := consumers.NewOutputTypingEventConsumer(processContext, cfg, js, eduCache, n)
	if err = typingConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start typing consumer")
	}
	presenceConsumer := consumers.NewOutputPresenceEventConsumer(processContext, cfg, js, db, n)
	if err = presenceConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start presence consumer")
	}

	rateLimits := httputil.NewRateLimits(&cfg.RateLimiting)
	routing.Setup(router, requestPool, storeTokenVerifier{db: db}, rateLimits)
	return requestPool
}
