// Package logging writes structured JSONL events for the agent core.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category represents the subsystem generating the log.
type Category string

const (
	CategoryPolicy   Category = "policy"
	CategorySchedule Category = "schedule"
	CategoryAgent    Category = "agent"
	CategoryConfig   Category = "config"
	CategoryStorage  Category = "storage"
)

// Event represents a structured log event.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	EventType string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// Logger writes structured events to a session log file, mirroring
// errors into a shared error log.
type Logger struct {
	mu          sync.Mutex
	sessionID   string
	sessionFile io.WriteCloser
	errorFile   io.WriteCloser
	minLevel    Level
}

// NewLogger creates a logger rooted at baseDir.
func NewLogger(baseDir, sessionID string) (*Logger, error) {
	sessionsDir := filepath.Join(baseDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}

	sessionFile, err := os.OpenFile(
		filepath.Join(sessionsDir, sessionID+".jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}

	errorFile, err := os.OpenFile(
		filepath.Join(baseDir, "errors.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		sessionFile.Close()
		return nil, fmt.Errorf("open error log: %w", err)
	}

	return &Logger{
		sessionID:   sessionID,
		sessionFile: sessionFile,
		errorFile:   errorFile,
		minLevel:    LevelInfo,
	}, nil
}

// SetMinLevel sets the minimum level that gets written.
func (l *Logger) SetMinLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Log writes an event. Nil receivers are safe so call sites don't have
// to guard on an optional logger.
func (l *Logger) Log(event Event) error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.SessionID == "" {
		event.SessionID = l.sessionID
	}
	if !l.shouldLog(event.Level) {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	if l.sessionFile != nil {
		if _, err := l.sessionFile.Write(data); err != nil {
			return fmt.Errorf("write session log: %w", err)
		}
	}
	if event.Level == LevelError && l.errorFile != nil {
		if _, err := l.errorFile.Write(data); err != nil {
			return fmt.Errorf("write error log: %w", err)
		}
	}
	return nil
}

// Info logs an info-level event.
func (l *Logger) Info(category Category, eventType, message string, details map[string]any) {
	_ = l.Log(Event{Level: LevelInfo, Category: category, EventType: eventType, Message: message, Details: details})
}

// Warn logs a warn-level event.
func (l *Logger) Warn(category Category, eventType, message string, details map[string]any) {
	_ = l.Log(Event{Level: LevelWarn, Category: category, EventType: eventType, Message: message, Details: details})
}

// Error logs an error-level event.
func (l *Logger) Error(category Category, eventType, message string, details map[string]any) {
	_ = l.Log(Event{Level: LevelError, Category: category, EventType: eventType, Message: message, Details: details})
}

// Close releases the underlying files.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, f := range []io.WriteCloser{l.sessionFile, l.errorFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.sessionFile = nil
	l.errorFile = nil
	return firstErr
}

func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	return levels[level] >= levels[l.minLevel]
}
