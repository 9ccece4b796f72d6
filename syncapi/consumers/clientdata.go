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

// OutputClientDataConsumer stores account data updates written through
// the client API and wakes the owning user.
type OutputClientDataConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	notifier  *notifier.Notifier
}

func NewOutputClientDataConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	notifier *notifier.Notifier,
) *OutputClientDataConsumer {
	return &OutputClientDataConsumer{
		ctx:       process.Context(),
		jetstream: js,
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIClientDataConsumer"),
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputClientData),
		db:        store,
		notifier:  notifier,
	}
}

func (s *OutputClientDataConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputClientDataConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0]
	userID := msg.Header.Get(jetstream.UserID)
	var output types.OutputClientDataEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		log.WithError(err).Errorf("client data output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}

	pos, err := s.db.UpsertAccountData(ctx, userID, output.RoomID, output.Type, output.Content)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id": userID,
			"type":    output.Type,
		}).Error("Failed to store account data")
		sentry.CaptureException(err)
		return false
	}

	s.notifier.OnNewUserEvent(pos, userID)
	return true
}
