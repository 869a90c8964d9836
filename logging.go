package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging sends the global logger to the console and to a daily file
// <dir>/YYYY-MM-DD.log. The returned closer flushes the file.
func SetupLogging(dir string, debug bool) (io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	if dir == "" {
		log.Logger = log.Output(console)
		return io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Logger = log.Output(console)
		return io.NopCloser(nil), fmt.Errorf("create log directory: %w", err)
	}
	name := filepath.Join(dir, time.Now().Format("2006-01-02")+".log")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Logger = log.Output(console)
		return io.NopCloser(nil), fmt.Errorf("open log file: %w", err)
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, f)).With().Timestamp().Logger()
	return f, nil
}
