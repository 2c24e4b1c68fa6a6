// Package session holds migration sessions for the lifetime of the process.
//
// A Store maps session ids to Sessions. Each Session owns a workspace
// directory, an append-only JSON-lines event log and a set of live
// observers. Nothing here is persisted across restarts.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/ashita-ai/utsushi/internal/model"
)

var (
	// ErrNotFound is returned for an unknown or removed session id.
	ErrNotFound = errors.New("session: not found")

	// ErrConflict is returned when starting a session that is already running.
	ErrConflict = errors.New("session: already running")

	// ErrTerminal is returned when starting a session that already finished.
	// A new session must be created to retry.
	ErrTerminal = errors.New("session: already finished")

	// ErrNotRunning is returned when finishing a session that is not running.
	ErrNotRunning = errors.New("session: not running")

	// ErrObserverClosed is returned when delivering to a closed observer.
	ErrObserverClosed = errors.New("session: observer closed")
)

// EventLogName is the file name of a session's durable event log.
const EventLogName = "events.jsonl"

// StoreConfig locates session files on disk.
type StoreConfig struct {
	SessionsDir string // workspaces: <SessionsDir>/<id>
	ExportsDir  string // artifacts:  <ExportsDir>/<id>
	UploadsDir  string // source files under here are owned and removed with their session
}

// Store is the registry of sessions. Safe for concurrent use.
type Store struct {
	cfg    StoreConfig
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty Store.
func NewStore(cfg StoreConfig, clk clock.Clock, logger *slog.Logger) *Store {
	return &Store{
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new ready session for the dump at sourceFile. The
// workspace and an empty event log are created before it is visible.
func (st *Store) Create(sourceFile string, metadata map[string]string) (*Session, error) {
	id := uuid.NewString()
	dir := filepath.Join(st.cfg.SessionsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // database containers mount the workspace
		return nil, fmt.Errorf("session: create workspace: %w", err)
	}

	logPath := filepath.Join(dir, EventLogName)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_TRUNC, 0o600)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("session: create event log: %w", err)
	}

	now := st.clock.Now()
	s := &Session{
		ID:         id,
		SourceFile: sourceFile,
		Metadata:   metadata,
		Dir:        dir,
		ExportDir:  filepath.Join(st.cfg.ExportsDir, id),
		LogPath:    logPath,
		CreatedAt:  now,
		clock:      st.clock,
		logger:     st.logger,
		status:     model.StatusReady,
		updatedAt:  now,
		observers:  make(map[Observer]time.Time),
		log:        f,
	}

	st.mu.Lock()
	st.sessions[id] = s
	st.mu.Unlock()

	st.logger.Info("session: created", "session_id", id, "source_file", sourceFile)
	return s, nil
}

// Get returns the session with id.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns a view of every session, oldest first.
func (st *Store) List() []model.SessionView {
	st.mu.RLock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.mu.RUnlock()

	views := make([]model.SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, s.View())
	}
	slices.SortFunc(views, func(a, b model.SessionView) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return views
}

// Remove deletes a session that is not running, closes its observers and
// removes its files. A running session yields ErrConflict.
func (st *Store) Remove(id string) error {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return ErrNotFound
	}
	if err := s.retire(); err != nil {
		st.mu.Unlock()
		return err
	}
	delete(st.sessions, id)
	st.mu.Unlock()

	st.removeFiles(s)
	st.logger.Info("session: removed", "session_id", id)
	return nil
}

// PurgeIdle removes finished sessions that have not changed for longer than
// ttl and returns their ids.
func (st *Store) PurgeIdle(ttl time.Duration) []string {
	cutoff := st.clock.Now().Add(-ttl)

	st.mu.RLock()
	var expired []string
	for id, s := range st.sessions {
		if last, done := s.idleSince(); done && last.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	st.mu.RUnlock()

	var purged []string
	for _, id := range expired {
		if err := st.Remove(id); err == nil {
			purged = append(purged, id)
		}
	}
	slices.Sort(purged)
	return purged
}

// PruneObservers removes closed observers from every session and returns
// the total removed.
func (st *Store) PruneObservers() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	n := 0
	for _, s := range st.sessions {
		n += s.PruneObservers()
	}
	return n
}

// Len returns the number of registered sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

func (st *Store) removeFiles(s *Session) {
	paths := []string{s.Dir, s.ExportDir}
	if st.cfg.UploadsDir != "" && within(st.cfg.UploadsDir, s.SourceFile) {
		paths = append(paths, s.SourceFile)
	}
	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil {
			st.logger.Warn("session: remove files", "session_id", s.ID, "path", p, "error", err)
		}
	}
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}
