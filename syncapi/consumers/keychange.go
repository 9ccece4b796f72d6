// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/axon/setup/config"
	"github.com/element-hq/axon/setup/jetstream"
	"github.com/element-hq/axon/setup/process"
	"github.com/element-hq/axon/syncapi/notifier"
	"github.com/element-hq/axon/syncapi/storage"
	"github.com/element-hq/axon/syncapi/types"
	userapi "github.com/element-hq/axon/userapi/api"
)

// OutputKeyChangeEventConsumer ingests the key server's change stream:
// device list changes for the device_lists section, one-time key counts
// onto the device row, and trust state transitions.
type OutputKeyChangeEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	notifier  *notifier.Notifier
}

func NewOutputKeyChangeEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	notifier *notifier.Notifier,
) *OutputKeyChangeEventConsumer {
	return &OutputKeyChangeEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIKeyChangeConsumer"),
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputKeyChangeEvent),
		db:        store,
		notifier:  notifier,
	}
}

func (s *OutputKeyChangeEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputKeyChangeEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0]
	var output types.OutputKeyChangeEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		log.WithError(err).Errorf("key change output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}

	pos, err := s.db.StoreDeviceListChange(ctx, output.UserID)
	if err != nil {
		log.WithError(err).WithField("user_id", output.UserID).Error("Failed to store device list change")
		sentry.CaptureException(err)
		return false
	}

	if output.DeviceID != "" {
		if output.TrustState != "" {
			if err = s.db.SetDeviceTrust(ctx, output.UserID, output.DeviceID, userapi.TrustState(output.TrustState)); err != nil {
				log.WithError(err).WithFields(log.Fields{
					"user_id":   output.UserID,
					"device_id": output.DeviceID,
				}).Error("Failed to update device trust state")
				sentry.CaptureException(err)
				return false
			}
		}
		if output.OneTimeKeyCounts != nil || output.UnusedFallbackKeyTypes != nil {
			if err = s.db.SetDeviceKeyCounts(ctx, output.UserID, output.DeviceID, output.OneTimeKeyCounts, output.UnusedFallbackKeyTypes); err != nil {
				log.WithError(err).WithFields(log.Fields{
					"user_id":   output.UserID,
					"device_id": output.DeviceID,
				}).Error("Failed to update device key counts")
				sentry.CaptureException(err)
				return false
			}
		}
	}

	// Wake everyone who shares a room with the changed user, plus the
	// user's own devices.
	snapshot, err := s.db.NewDatabaseSnapshot(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to open snapshot for key change fan-out")
		sentry.CaptureException(err)
		return false
	}
	sharedUsers, err := snapshot.SharedRoomUsers(ctx, output.UserID)
	snapshot.Rollback() // nolint: errcheck
	if err != nil {
		log.WithError(err).WithField("user_id", output.UserID).Error("Failed to get shared users for key change")
		sentry.CaptureException(err)
		return false
	}
	s.notifier.OnNewUserEvent(pos, append(sharedUsers, output.UserID)...)
	return true
}
