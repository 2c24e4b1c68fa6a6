package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/ashita-ai/utsushi/internal/model"
)

// Session is one migration's state, event log and observer set.
//
// All mutation goes through the session mutex. Emitting an event appends it
// to the durable log and delivers it to observers under that mutex, and
// Subscribe replays the log under the same mutex, so every observer sees
// the log exactly once and in order.
type Session struct {
	ID         string
	SourceFile string
	Metadata   map[string]string
	Dir        string // session workspace
	ExportDir  string // holds the exported artifact
	LogPath    string
	CreatedAt  time.Time

	clock  clock.Clock
	logger *slog.Logger

	mu         sync.Mutex
	status     model.MigrationStatus
	progress   int
	outputFile string
	errMsg     string
	updatedAt  time.Time
	observers  map[Observer]time.Time // observer → joined at
	log        *os.File
	closed     bool
}

// Begin moves the session from ready to running. A running session yields
// ErrConflict and a finished one ErrTerminal; neither changes state.
func (s *Session) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrNotFound
	case s.status == model.StatusRunning:
		return ErrConflict
	case s.status.IsTerminal():
		return ErrTerminal
	}
	s.status = model.StatusRunning
	s.emitStatusLocked()
	return nil
}

// SetProgress raises progress to pct while running. Lower values are
// ignored, so progress never decreases.
func (s *Session) SetProgress(pct int) {
	pct = min(max(pct, 0), 100)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != model.StatusRunning || pct <= s.progress {
		return
	}
	s.progress = pct
	s.emitStatusLocked()
}

// Complete marks a running session completed with its exported artifact.
func (s *Session) Complete(outputFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != model.StatusRunning {
		return fmt.Errorf("%w: status is %s", ErrNotRunning, s.status)
	}
	s.status = model.StatusCompleted
	s.progress = 100
	s.outputFile = outputFile
	s.emitStatusLocked()
	return nil
}

// Fail marks a running session failed with a human-readable message.
func (s *Session) Fail(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != model.StatusRunning {
		return fmt.Errorf("%w: status is %s", ErrNotRunning, s.status)
	}
	s.status = model.StatusFailed
	s.errMsg = message
	s.emitStatusLocked()
	return nil
}

// Info emits an INFO log event.
func (s *Session) Info(message string, extra any) { s.Log(model.LevelInfo, message, extra) }

// Warn emits a WARN log event.
func (s *Session) Warn(message string, extra any) { s.Log(model.LevelWarn, message, extra) }

// Error emits an ERROR log event.
func (s *Session) Error(message string, extra any) { s.Log(model.LevelError, message, extra) }

// Log emits a log event at level.
func (s *Session) Log(level model.LogLevel, message string, extra any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(model.NewLogEvent(s.clock.Now(), level, message, extra))
}

// Snapshot returns the current status.
func (s *Session) Snapshot() model.StatusData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() model.StatusData {
	return model.StatusData{
		Status:     s.status,
		Progress:   s.progress,
		OutputFile: s.outputFile,
		Error:      s.errMsg,
	}
}

// View returns the externally visible description of the session.
func (s *Session) View() model.SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.SessionView{
		ID:         s.ID,
		SourceFile: s.SourceFile,
		Metadata:   s.Metadata,
		StatusData: s.snapshotLocked(),
		Observers:  len(s.observers),
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.updatedAt,
	}
}

// Subscribe registers obs, sends it the current status snapshot, then
// replays the durable log. Events emitted afterwards follow with no gap.
// The snapshot is not part of the log.
func (s *Session) Subscribe(obs Observer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotFound
	}

	snap, err := json.Marshal(model.NewStatusEvent(s.snapshotLocked()))
	if err != nil {
		return fmt.Errorf("session: encode snapshot: %w", err)
	}
	s.observers[obs] = s.clock.Now()
	s.deliverLocked(obs, snap)

	if err := s.replayLocked(obs); err != nil {
		delete(s.observers, obs)
		return err
	}
	return nil
}

// Unsubscribe removes obs. It never affects the pipeline.
func (s *Session) Unsubscribe(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, obs)
}

// PruneObservers removes closed observers and returns how many were removed.
func (s *Session) PruneObservers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for obs := range s.observers {
		if obs.Closed() {
			delete(s.observers, obs)
			n++
		}
	}
	return n
}

// idleSince reports when the session last changed, and whether it is
// finished.
func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt, s.status.IsTerminal()
}

// retire closes the session for good: it releases the log file, closes
// every observer that supports it and refuses further subscribers. A
// running session cannot be retired.
func (s *Session) retire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == model.StatusRunning {
		return ErrConflict
	}
	if s.closed {
		return nil
	}
	s.closed = true
	for obs := range s.observers {
		if c, ok := obs.(interface{ Close() }); ok {
			c.Close()
		}
	}
	s.observers = map[Observer]time.Time{}
	if s.log != nil {
		if err := s.log.Close(); err != nil {
			s.logger.Warn("session: close event log", "session_id", s.ID, "error", err)
		}
		s.log = nil
	}
	return nil
}

func (s *Session) emitStatusLocked() {
	s.emitLocked(model.NewStatusEvent(s.snapshotLocked()))
}

// emitLocked appends ev to the durable log and delivers the same bytes to
// every observer.
func (s *Session) emitLocked(ev model.Event) {
	s.updatedAt = s.clock.Now()
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("session: encode event", "session_id", s.ID, "error", err)
		return
	}
	s.logger.Debug("session: event", "session_id", s.ID, "event", string(payload))

	if s.log != nil {
		line := make([]byte, 0, len(payload)+1)
		line = append(line, payload...)
		line = append(line, '\n')
		if _, err := s.log.Write(line); err != nil {
			s.logger.Error("session: append event log", "session_id", s.ID, "error", err)
		}
	}
	for obs := range s.observers {
		s.deliverLocked(obs, payload)
	}
}

// deliverLocked isolates a failing observer: the error is logged and the
// observer stays registered until pruned.
func (s *Session) deliverLocked(obs Observer, payload []byte) {
	if err := obs.Deliver(payload); err != nil {
		s.logger.Debug("session: observer delivery failed", "session_id", s.ID, "error", err)
	}
}

func (s *Session) replayLocked(obs Observer) error {
	f, err := os.Open(s.LogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("session: open event log: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 1 && line[len(line)-1] == '\n' {
			s.deliverLocked(obs, line[:len(line)-1])
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("session: read event log: %w", err)
		}
	}
}
