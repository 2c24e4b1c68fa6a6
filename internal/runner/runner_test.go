package runner_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/utsushi/internal/runner"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sh(script string) runner.Command {
	return runner.Command{Name: "sh", Args: []string{"-c", script}}
}

func TestRunCapturesBothStreams(t *testing.T) {
	r := runner.New(testLogger())

	res, err := r.Run(context.Background(), sh(`echo out; echo err 1>&2`))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Contains(t, res.Combined, "out\n")
	assert.Contains(t, res.Combined, "err\n")
}

func TestRunNonZeroExitCarriesResult(t *testing.T) {
	r := runner.New(testLogger())

	res, err := r.Run(context.Background(), sh(`echo partial; echo boom 1>&2; exit 3`))
	require.Error(t, err)

	var exitErr *runner.ExitError
	require.True(t, errors.As(err, &exitErr), "expected *ExitError, got %T", err)
	assert.Equal(t, 3, exitErr.Result.ExitCode)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "partial\n", res.Stdout)
	assert.Contains(t, err.Error(), "boom")

	var startErr *runner.StartError
	assert.False(t, errors.As(err, &startErr), "non-zero exit is not a transport error")
}

func TestRunMissingBinaryIsTransportError(t *testing.T) {
	r := runner.New(testLogger())

	_, err := r.Run(context.Background(), runner.Command{Name: "utsushi-no-such-binary"})
	require.Error(t, err)

	var startErr *runner.StartError
	assert.True(t, errors.As(err, &startErr))
	assert.ErrorIs(t, err, runner.ErrCommandNotFound)

	var exitErr *runner.ExitError
	assert.False(t, errors.As(err, &exitErr))
}

func TestRunAppliesEnvAndDir(t *testing.T) {
	r := runner.New(testLogger())
	dir := t.TempDir()

	res, err := r.Run(context.Background(), runner.Command{
		Name: "sh",
		Args: []string{"-c", `echo "$UTSUSHI_TEST_VALUE"; pwd`},
		Env:  map[string]string{"UTSUSHI_TEST_VALUE": "p@ss:word"},
		Dir:  dir,
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "p@ss:word", lines[0])
	assert.Equal(t, filepath.Base(dir), filepath.Base(lines[1]))
}

func TestCommandStringQuotesArguments(t *testing.T) {
	cmd := runner.Command{Name: "docker", Args: []string{"compose", "-p", "utsushi-1", "exec", "-T", "source", "mysql", "-e", "SHOW TABLES"}}
	assert.Equal(t, `docker compose -p utsushi-1 exec -T source mysql -e 'SHOW TABLES'`, cmd.String())
}
