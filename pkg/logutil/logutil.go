package logutil

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/charmbracelet/log"
)

// Configure sets the process-wide log level.
func Configure(levelRaw string) error {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)
	return nil
}

// SetOutputTee mirrors the logger's output into w (the log store sink)
// while keeping stderr.
func SetOutputTee(w io.Writer) {
	if w == nil {
		log.SetOutput(os.Stderr)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, w))
}
