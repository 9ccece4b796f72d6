// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	natsserver "github.com/nats-io/nats-server/v2/server"
	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/axon/setup/config"
	"github.com/element-hq/axon/setup/process"
)

// NATSInstance holds the embedded server, if one was started.
type NATSInstance struct {
	*natsserver.Server
	sync.Mutex
}

// Prepare connects to NATS (starting an embedded server when no
// addresses are configured) and ensures every output stream exists.
func (s *NATSInstance) Prepare(proc *process.ProcessContext, cfg *config.JetStream) (natsclient.JetStreamContext, *natsclient.Conn) {
	s.Lock()
	defer s.Unlock()

	if len(cfg.Addresses) == 0 {
		if s.Server == nil {
			var err error
			s.Server, err = natsserver.NewServer(&natsserver.Options{
				ServerName:      "axon",
				DontListen:      true,
				JetStream:       true,
				StoreDir:        cfg.StoragePath,
				NoSystemAccount: true,
				MaxPayload:      16 * 1024 * 1024,
				NoSigs:          true,
				NoLog:           false,
			})
			if err != nil {
				logrus.WithError(err).Fatal("Failed to create embedded NATS server")
			}
			s.Start()
			go func() {
				<-proc.WaitForShutdown()
				s.Shutdown()
				s.WaitForShutdown()
			}()
		}
		if !s.ReadyForConnections(time.Second * 10) {
			logrus.Fatal("Embedded NATS server did not start in time")
		}
		nc, err := natsclient.Connect("", natsclient.InProcessServer(s))
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to embedded NATS server")
		}
		return setupNATS(cfg, nc)
	}

	nc, err := natsclient.Connect(strings.Join(cfg.Addresses, ","))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to NATS")
	}
	return setupNATS(cfg, nc)
}

func setupNATS(cfg *config.JetStream, nc *natsclient.Conn) (natsclient.JetStreamContext, *natsclient.Conn) {
	js, err := nc.JetStream()
	if err != nil {
		logrus.WithError(err).Fatal("Unable to get JetStream context")
	}

	for _, subject := range streamSubjects {
		name := cfg.Prefixed(subject)
		if _, err = js.StreamInfo(name); err != nil {
			_, err = js.AddStream(&natsclient.StreamConfig{
				Name:      name,
				Subjects:  []string{name},
				Retention: natsclient.InterestPolicy,
				Storage:   natsclient.FileStorage,
			})
			if err != nil {
				logrus.WithError(err).WithField("stream", name).Fatal("Unable to add stream")
			}
		}
	}

	return js, nc
}

// JetStreamConsumer starts a durable pull consumer on the given subject
// and feeds messages to f one at a time. If f returns true the message
// is acked, otherwise it is nak'd and will be redelivered.
func JetStreamConsumer(
	ctx context.Context, js natsclient.JetStreamContext, subj, durable string,
	batch int,
	f func(ctx context.Context, msgs []*natsclient.Msg) bool,
	opts ...natsclient.SubOpt,
) error {
	name := durable + "Pull"
	sub, err := js.PullSubscribe(subj, name, opts...)
	if err != nil {
		sentryError(err)
		return err
	}
	go func() {
		// When the context is cancelled, clean up the consumer so that
		// the stream's interest-based retention is not pinned forever.
		<-ctx.Done()
		if err := js.DeleteConsumer(subj, name); err != nil {
			logrus.Warnf("Failed to clean up consumer %q", name)
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			msgs, err := sub.Fetch(batch, natsclient.Context(ctx))
			switch err {
			case nil:
			case context.Canceled, context.DeadlineExceeded, natsclient.ErrTimeout:
				continue
			default:
				logrus.WithContext(ctx).WithField("subject", subj).WithError(err).Warn("Error on pull subscriber fetch")
				time.Sleep(time.Second)
				continue
			}
			if len(msgs) < 1 {
				continue
			}
			msg := msgs[0]
			if err = msg.InProgress(natsclient.Context(ctx)); err != nil {
				logrus.WithContext(ctx).WithField("subject", subj).WithError(err).Warn("Error marking message as in progress")
				continue
			}
			if f(ctx, msgs) {
				if err = msg.AckSync(natsclient.Context(ctx)); err != nil {
					logrus.WithContext(ctx).WithField("subject", subj).WithError(err).Warn("Error acknowledging message")
				}
			} else {
				if err = msg.Nak(natsclient.Context(ctx)); err != nil {
					logrus.WithContext(ctx).WithField("subject", subj).WithError(err).Warn("Error requeueing message")
				}
			}
		}
	}()
	return nil
}

func sentryError(err error) {
	sentry.CaptureException(err)
	logrus.WithError(err).Error("JetStream consumer setup failed")
}
