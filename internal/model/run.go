// Package model defines the core domain types for utsushi.
//
// Types here are shared by the session store, the pipeline and the HTTP
// layer. Event types double as the wire format of both the durable session
// log and the live viewer stream, so their JSON shape is a stable contract.
package model

import "time"

// MigrationStatus represents the lifecycle state of a migration session.
// Transitions are monotonic: ready → running → {completed, failed}.
type MigrationStatus string

const (
	StatusReady     MigrationStatus = "ready"
	StatusRunning   MigrationStatus = "running"
	StatusCompleted MigrationStatus = "completed"
	StatusFailed    MigrationStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s MigrationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StatusData is a point-in-time snapshot of a session's progress.
// OutputFile is set only when completed; Error only when failed.
type StatusData struct {
	Status     MigrationStatus `json:"status"`
	Progress   int             `json:"progress"`
	OutputFile string          `json:"outputFile,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// SessionView is the externally visible description of a session.
type SessionView struct {
	ID         string            `json:"id"`
	SourceFile string            `json:"source_file"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	StatusData
	Observers int       `json:"observers"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
