// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/axon/internal/caching"
	"github.com/element-hq/axon/setup/config"
	"github.com/element-hq/axon/setup/jetstream"
	"github.com/element-hq/axon/setup/process"
	"github.com/element-hq/axon/syncapi/notifier"
	"github.com/element-hq/axon/syncapi/types"
)

// OutputTypingEventConsumer feeds the in-memory typing cache. Typing
// never touches the database; missed notifications expire on their own.
type OutputTypingEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	eduCache  *caching.EDUCache
	notifier  *notifier.Notifier
}

func NewOutputTypingEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	eduCache *caching.EDUCache,
	notifier *notifier.Notifier,
) *OutputTypingEventConsumer {
	return &OutputTypingEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		durable:   cfg.Matrix.JetStream.Durable("SyncAPITypingConsumer"),
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputTypingEvent),
		eduCache:  eduCache,
		notifier:  notifier,
	}
}

func (s *OutputTypingEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputTypingEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0]
	var output types.OutputTypingEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		log.WithError(err).Errorf("typing output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}

	if output.Typing {
		var expire *time.Time
		if output.Timeout > 0 {
			t := time.Now().Add(time.Duration(output.Timeout) * time.Millisecond)
			expire = &t
		}
		s.eduCache.AddTypingUser(output.UserID, output.RoomID, expire)
	} else {
		s.eduCache.RemoveUser(output.UserID, output.RoomID)
	}

	s.notifier.OnNewEvent(output.RoomID, types.NewStreamPosition())
	return true
}
