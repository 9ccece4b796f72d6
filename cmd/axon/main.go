// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/axon/internal"
	"github.com/element-hq/axon/internal/caching"
	"github.com/element-hq/axon/setup/config"
	"github.com/element-hq/axon/setup/jetstream"
	"github.com/element-hq/axon/setup/process"
	"github.com/element-hq/axon/syncapi"
)

var configPath = flag.String("config", "axon.yaml", "The path to the config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatalf("Failed to load config from %q", *configPath)
	}

	internal.SetupStdLogging()
	internal.SetupHookLogging(cfg.Logging)

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Fatal("Failed to start Sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	processCtx := process.NewProcessContext()

	natsInstance := &jetstream.NATSInstance{}
	js, _ := natsInstance.Prepare(processCtx, &cfg.Global.JetStream)

	caches, err := caching.NewCaches()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create caches")
	}

	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	if cfg.Global.Metrics.Enabled {
		router.Handle("/metrics", promhttp.Handler())
	}
	syncapi.AddPublicRoutes(processCtx, router, &cfg.SyncAPI, js, caches)

	server := &http.Server{
		Addr:         cfg.Global.ListenAddress,
		Handler:      router,
		ReadTimeout:  0, // long polls hold the request open
		WriteTimeout: 0,
	}
	go func() {
		logrus.WithField("address", cfg.Global.ListenAddress).Info("Starting sync server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to serve HTTP")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
		processCtx.ShutdownSyncServer()
	case <-processCtx.WaitForShutdown():
	}
	logrus.Info("Shutdown signal received")
	server.Close() // nolint: errcheck
	processCtx.WaitForComponentsToFinish()
	logrus.Info("Goodbye")
}
