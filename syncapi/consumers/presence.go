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
)

// OutputPresenceEventConsumer stores presence updates and wakes users
// sharing a room with the updated user.
type OutputPresenceEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	notifier  *notifier.Notifier
}

func NewOutputPresenceEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	notifier *notifier.Notifier,
) *OutputPresenceEventConsumer {
	return &OutputPresenceEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIPresenceConsumer"),
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputPresenceEvent),
		db:        store,
		notifier:  notifier,
	}
}

func (s *OutputPresenceEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputPresenceEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0]
	var output types.OutputPresenceEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		log.WithError(err).Errorf("presence output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}

	status := &types.PresenceStatus{
		UserID:       output.UserID,
		Presence:     output.Presence,
		StatusMsg:    output.StatusMsg,
		LastActiveTS: output.LastActiveTS,
	}
	pos, err := s.db.UpdatePresence(ctx, status)
	if err != nil {
		log.WithError(err).WithField("user_id", output.UserID).Error("Failed to store presence")
		sentry.CaptureException(err)
		return false
	}

	snapshot, err := s.db.NewDatabaseSnapshot(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to open snapshot for presence fan-out")
		sentry.CaptureException(err)
		return false
	}
	sharedUsers, err := snapshot.SharedRoomUsers(ctx, output.UserID)
	snapshot.Rollback() // nolint: errcheck
	if err != nil {
		log.WithError(err).WithField("user_id", output.UserID).Error("Failed to get shared users for presence")
		sentry.CaptureException(err)
		return false
	}
	s.notifier.OnNewUserEvent(pos, sharedUsers...)
	return true
}
