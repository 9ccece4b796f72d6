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

// OutputSendToDeviceEventConsumer queues to-device messages for
// delivery and wakes the target user's long polls.
type OutputSendToDeviceEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	notifier  *notifier.Notifier
}

func NewOutputSendToDeviceEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	notifier *notifier.Notifier,
) *OutputSendToDeviceEventConsumer {
	return &OutputSendToDeviceEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		durable:   cfg.Matrix.JetStream.Durable("SyncAPISendToDeviceConsumer"),
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputSendToDeviceEvent),
		db:        store,
		notifier:  notifier,
	}
}

func (s *OutputSendToDeviceEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputSendToDeviceEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0]
	var output types.OutputSendToDeviceEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		log.WithError(err).Errorf("send-to-device output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}

	message := types.ToDeviceMessage{
		UserID:   output.UserID,
		DeviceID: output.DeviceID,
		Sender:   output.Sender,
		Type:     output.Type,
		Content:  output.Content,
	}
	if err := s.db.StoreToDeviceMessage(ctx, &message); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id":   output.UserID,
			"device_id": output.DeviceID,
		}).Error("Failed to store send-to-device message")
		sentry.CaptureException(err)
		return false
	}

	s.notifier.OnNewSendToDevice(output.UserID)
	return true
}
