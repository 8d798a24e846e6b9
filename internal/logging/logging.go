// Package logging configures the process-wide logrus logger the way the
// teacher's enhanced_consumer.go configures it, with optional file
// rotation via lumberjack when a log file path is set.
package logging

import (
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nsilvestrini/shardcoord/internal/config"
)

// New builds a logrus.Logger from the Logging section of Config.
func New(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	if cfg.Logging.File != "" {
		maxSize := cfg.Logging.MaxSize
		if maxSize == 0 {
			maxSize = 100
		}
		log.SetOutput(&lumberjack.Logger{
			Filename: cfg.Logging.File,
			MaxSize:  maxSize,
			MaxAge:   28,
			Compress: true,
		})
	}

	return log
}
