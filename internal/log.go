// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"os"
	"path/filepath"

	"github.com/matrix-org/dugong"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/axon/setup/config"
)

// SetupStdLogging configures the stderr logger with full timestamps.
func SetupStdLogging() {
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
		FullTimestamp:    true,
		DisableColors:    false,
		DisableTimestamp: false,
	})
}

// SetupHookLogging installs the configured logging hooks. Only the
// "file" hook type is supported, backed by dugong's rotating FS hook.
func SetupHookLogging(hooks []config.LogrusHook) {
	for _, hook := range hooks {
		level, err := logrus.ParseLevel(hook.Level)
		if err != nil {
			logrus.Fatalf("Unrecognised logging level %s: %q", hook.Level, err)
		}

		switch hook.Type {
		case "file":
			path, ok := hook.Params["path"].(string)
			if !ok {
				logrus.Fatalf("Expecting a parameter \"path\" for logging hook of type \"file\"")
			}
			setupFileHook(path, level)
		default:
			logrus.Fatalf("Unrecognised logging hook type: %s", hook.Type)
		}
	}
}

func setupFileHook(path string, level logrus.Level) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		logrus.Fatalf("Couldn't create directory for logging to file %s: %q", path, err)
	}

	logrus.AddHook(&logLevelHook{
		level,
		dugong.NewFSHook(
			path,
			&logrus.TextFormatter{
				TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
				DisableColors:    true,
				DisableTimestamp: false,
				DisableSorting:   false,
			},
			&dugong.DailyRotationSchedule{GZip: true},
		),
	})
}

// logLevelHook wraps a hook and only fires it for entries at or above
// its minimum level.
type logLevelHook struct {
	minLevel logrus.Level
	logrus.Hook
}

func (h *logLevelHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		if level <= h.minLevel {
			levels = append(levels, level)
		}
	}
	return levels
}
