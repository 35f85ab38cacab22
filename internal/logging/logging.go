// Package logging initializes logrus for the broker and procman
// binaries, following proxy/main.go's initLogging: a level/formatter
// pair selected from config, plus an optional Loki hook via
// yukitsune/lokirus when a Loki address is configured.
package logging

import (
	log "github.com/sirupsen/logrus"
	loki "github.com/yukitsune/lokirus"

	"github.com/nef-run/nef/internal/config"
)

// Init configures the shared logrus instance for component (e.g. "broker",
// "procman"), which becomes the `component` static label on every Loki
// entry.
func Init(cfg config.Config, component string) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	}

	if cfg.LokiAddress == "" {
		return nil
	}

	labels := loki.Labels{"component": component}
	for k, v := range cfg.LokiLabels {
		labels[k] = v
	}

	opts := loki.NewLokiHookOptions().
		WithLevelMap(loki.LevelMap{log.PanicLevel: "critical"}).
		WithFormatter(&log.JSONFormatter{}).
		WithStaticLabels(labels)

	hook := loki.NewLokiHookWithOpts(
		cfg.LokiAddress,
		opts,
		log.InfoLevel,
		log.WarnLevel,
		log.ErrorLevel,
		log.FatalLevel,
	)
	log.AddHook(hook)
	return nil
}
