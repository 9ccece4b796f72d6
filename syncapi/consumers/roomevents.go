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

// OutputRoomEventConsumer mirrors the room subsystem's event stream
// into the sync database and wakes affected long polls.
type OutputRoomEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	notifier  *notifier.Notifier
}

func NewOutputRoomEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	notifier *notifier.Notifier,
) *OutputRoomEventConsumer {
	return &OutputRoomEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIRoomEventConsumer"),
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputRoomEvent),
		db:        store,
		notifier:  notifier,
	}
}

func (s *OutputRoomEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputRoomEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0]
	var output types.OutputRoomEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		// Bad JSON cannot succeed on redelivery, so drop it.
		log.WithError(err).Errorf("roomserver output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}

	if output.Redacts != "" {
		if err := s.db.RedactEvent(ctx, output.Redacts, &output.Event); err != nil {
			log.WithError(err).WithField("event_id", output.Event.EventID).Error("Failed to redact event")
			sentry.CaptureException(err)
			return false
		}
	}
	if err := s.db.StoreRoomEvent(ctx, &output.Event, output.InviteTarget); err != nil {
		log.WithError(err).WithField("event_id", output.Event.EventID).Error("Failed to store room event")
		sentry.CaptureException(err)
		return false
	}

	// Membership changes alter the notifier's fan-out sets and wake the
	// affected user directly; everything else wakes the room.
	if output.Event.Type == "m.room.member" && output.Event.StateKey != nil {
		joined, err := s.db.JoinedUsersForRoom(ctx, output.Event.RoomID)
		if err != nil {
			log.WithError(err).WithField("room_id", output.Event.RoomID).Error("Failed to refresh joined users")
			sentry.CaptureException(err)
			return false
		}
		s.notifier.SetJoinedUsers(output.Event.RoomID, joined)
		s.notifier.OnNewUserEvent(output.Event.Position, *output.Event.StateKey)
	}
	s.notifier.OnNewEvent(output.Event.RoomID, output.Event.Position)

	log.WithFields(log.Fields{
		"event_id": output.Event.EventID,
		"room_id":  output.Event.RoomID,
		"type":     output.Event.Type,
	}).Tracef("Received event from room subsystem")
	return true
}
