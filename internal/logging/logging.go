// Package logging wires the global zerolog logger: console output on
// stderr plus an optional size-rotated file sink.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/telespan/sipmuc/internal/config"
)

var logFile *lumberjack.Logger

func Setup(cfg config.Log) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	console := zerolog.ConsoleWriter{Out: os.Stderr}
	var w io.Writer = console
	if cfg.File != "" {
		logFile = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // megabytes
			MaxBackups: 1,
		}
		w = zerolog.MultiLevelWriter(console, logFile)
	}
	log.Logger = log.Output(w)
}

// Close flushes and closes the rotated log file, if one was configured.
func Close() {
	if logFile != nil {
		_ = logFile.Close()
	}
}
