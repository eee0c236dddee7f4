// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"sync"
	"time"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// AuditEntry records one admin-surface action as a JSON line.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Subject   string    `json:"subject,omitempty"`
	TenantID  string    `json:"tenantId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	RemoteIP  string    `json:"remoteIp,omitempty"`
}

// AuditLogger writes size-rotated JSON-line audit records.
type AuditLogger struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

// NewAuditLogger rotates at maxSizeMB with maxBackups retained files.
func NewAuditLogger(path string, maxSizeMB, maxBackups int) *AuditLogger {
	return &AuditLogger{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			Compress:   true,
		},
	}
}

func (l *AuditLogger) Log(entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.out.Write(data)
	return err
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}
