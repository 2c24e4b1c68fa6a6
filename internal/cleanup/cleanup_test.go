package cleanup_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/utsushi/internal/cleanup"
	"github.com/ashita-ai/utsushi/internal/compose"
)

type fakeGroups struct {
	err   error
	downs []string
}

func (f *fakeGroups) Down(_ context.Context, p compose.Project) error {
	f.downs = append(f.downs, p.Name)
	return f.err
}

type logLines struct {
	infos, warns []string
}

func (l *logLines) Info(m string, _ any) { l.infos = append(l.infos, m) }
func (l *logLines) Warn(m string, _ any) { l.warns = append(l.warns, m) }

var project = compose.Project{Name: "utsushi-abc"}

func TestTeardownRemovesGroupAndFiles(t *testing.T) {
	groups := &fakeGroups{}
	log := &logLines{}
	loadFile := filepath.Join(t.TempDir(), "migration.load")
	require.NoError(t, os.WriteFile(loadFile, []byte("secret"), 0o600))

	clean := cleanup.New(groups).Teardown(context.Background(), project, log, loadFile)

	assert.True(t, clean)
	assert.Equal(t, []string{"utsushi-abc"}, groups.downs)
	assert.NoFileExists(t, loadFile)
	assert.Empty(t, log.warns)
}

func TestTeardownFailureIsOnlyAWarning(t *testing.T) {
	groups := &fakeGroups{err: errors.New("no such project")}
	log := &logLines{}

	clean := cleanup.New(groups).Teardown(context.Background(), project, log)

	assert.False(t, clean)
	require.Len(t, log.warns, 1)
	assert.Contains(t, log.warns[0], "proceeding without cleanup")
	assert.Contains(t, log.warns[0], "no such project")
}

func TestTeardownToleratesMissingFiles(t *testing.T) {
	log := &logLines{}
	missing := filepath.Join(t.TempDir(), "never-written.load")

	clean := cleanup.New(&fakeGroups{}).Teardown(context.Background(), project, log, missing, "")

	assert.True(t, clean)
	assert.Empty(t, log.warns)
}

func TestTeardownIsIdempotent(t *testing.T) {
	groups := &fakeGroups{}
	m := cleanup.New(groups)
	log := &logLines{}

	m.Teardown(context.Background(), project, log)
	m.Teardown(context.Background(), project, log)

	assert.Len(t, groups.downs, 2)
	assert.Empty(t, log.warns)
}
