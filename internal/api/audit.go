// Copyright 2025 Lumenworks
package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/lumenworks/card-forge/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEntry records one staff override for after-event review.
type AuditEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	Action         string    `json:"action"`
	Username       string    `json:"username"`
	ClientIP       string    `json:"client_ip"`
	SessionID      string    `json:"session_id"`
	OverrideNumber int       `json:"override_number"`
}

// AuditLogger appends JSON lines to a size-rotated file.
type AuditLogger struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

func NewAuditLogger(cfg config.Audit) *AuditLogger {
	return &AuditLogger{
		out: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		},
	}
}

func (a *AuditLogger) Record(entry AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry.Timestamp = entry.Timestamp.UTC()
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_, _ = a.out.Write(append(line, '\n'))
}

func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.out.Close()
}
