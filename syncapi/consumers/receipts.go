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

// OutputReceiptEventConsumer stores read receipts and wakes the room.
type OutputReceiptEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	notifier  *notifier.Notifier
}

func NewOutputReceiptEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	notifier *notifier.Notifier,
) *OutputReceiptEventConsumer {
	return &OutputReceiptEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIReceiptConsumer"),
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputReceiptEvent),
		db:        store,
		notifier:  notifier,
	}
}

func (s *OutputReceiptEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputReceiptEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0]
	var output types.OutputReceiptEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		log.WithError(err).Errorf("receipt output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}

	receipt := types.Receipt{
		RoomID:    output.RoomID,
		Type:      output.Type,
		UserID:    output.UserID,
		EventID:   output.EventID,
		Timestamp: output.Timestamp,
	}
	if err := s.db.StoreReceipt(ctx, &receipt); err != nil {
		log.WithError(err).WithField("room_id", output.RoomID).Error("Failed to store receipt")
		sentry.CaptureException(err)
		return false
	}

	s.notifier.OnNewEvent(receipt.RoomID, receipt.Position)
	return true
}
