// Package cleanup tears down a session's resource group.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/ashita-ai/utsushi/internal/compose"
)

// Logger receives teardown messages.
type Logger interface {
	Info(message string, extra any)
	Warn(message string, extra any)
}

// GroupRemover removes a resource group together with its volumes.
type GroupRemover interface {
	Down(ctx context.Context, p compose.Project) error
}

// Manager performs teardown. It never returns an error: a group that is
// missing or already removed is expected after an early failure, so every
// problem is downgraded to a warning.
type Manager struct {
	groups GroupRemover
}

// New creates a Manager.
func New(groups GroupRemover) *Manager {
	return &Manager{groups: groups}
}

// Teardown removes the resource group p and then deletes each of files
// (generated files holding credentials). It reports whether everything was
// removed cleanly. Safe to call for a group that was never started.
func (m *Manager) Teardown(ctx context.Context, p compose.Project, log Logger, files ...string) bool {
	clean := true
	if err := m.groups.Down(ctx, p); err != nil {
		clean = false
		log.Warn(fmt.Sprintf("teardown of %s failed, proceeding without cleanup: %v", p.Name, err), nil)
	} else {
		log.Info(fmt.Sprintf("resource group %s removed", p.Name), nil)
	}

	for _, f := range files {
		if f == "" {
			continue
		}
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			clean = false
			log.Warn(fmt.Sprintf("could not remove %s, proceeding without cleanup: %v", f, err), nil)
		}
	}
	return clean
}
