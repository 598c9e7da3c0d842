// Package notify delivers user-facing notices for conditions the core
// cannot recover from locally.
package notify

import (
	"log/slog"
	"sync"
)

// Level is the severity of a notice.
type Level string

const (
	Info    Level = "info"
	Warning Level = "warning"
	Error   Level = "error"
)

// Notifier is the notification collaborator.
type Notifier interface {
	Notify(message string, level Level)
}

// Log is a Notifier that writes notices to a logger.
type Log struct {
	log *slog.Logger
}

// NewLog returns a Notifier backed by log.
func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(message string, level Level) {
	switch level {
	case Error:
		l.log.Error("notify", "message", message)
	case Warning:
		l.log.Warn("notify", "message", message)
	default:
		l.log.Info("notify", "message", message)
	}
}

// Notice is one recorded notification.
type Notice struct {
	Message string
	Level   Level
}

// Recorder keeps every notice in memory.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(message string, level Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, Notice{Message: message, Level: level})
}

// Notices returns a copy of everything recorded so far.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Discard drops every notice.
type Discard struct{}

func (Discard) Notify(string, Level) {}
