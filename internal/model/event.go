package model

import (
	"encoding/json"
	"time"
)

// EventType discriminates the two event variants.
type EventType string

const (
	EventLog    EventType = "log"
	EventStatus EventType = "status"
)

// LogLevel is the severity of a log event.
type LogLevel string

const (
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Event is one entry of a session's event stream. Log events carry
// Timestamp, Level, Message and optionally Extra; status events carry Data.
// Events are append-only: once emitted they are never mutated.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
	Level     LogLevel    `json:"level,omitempty"`
	Message   string      `json:"message,omitempty"`
	Extra     any         `json:"extra,omitempty"`
	Data      *StatusData `json:"data,omitempty"`
}

// NewLogEvent builds a log event stamped with t in UTC ISO 8601.
func NewLogEvent(t time.Time, level LogLevel, message string, extra any) Event {
	return Event{
		Type:      EventLog,
		Timestamp: t.UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   message,
		Extra:     extra,
	}
}

// NewStatusEvent builds a status event carrying a copy of data.
func NewStatusEvent(data StatusData) Event {
	return Event{Type: EventStatus, Data: &data}
}

// PeekEventType returns the type of an encoded event, or "" if the payload
// is not a recognizable event.
func PeekEventType(payload []byte) EventType {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return ""
	}
	return head.Type
}
