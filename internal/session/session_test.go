package session_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashita-ai/utsushi/internal/model"
	"github.com/ashita-ai/utsushi/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newStore(t *testing.T, clk clock.Clock) *session.Store {
	t.Helper()
	root := t.TempDir()
	return session.NewStore(session.StoreConfig{
		SessionsDir: filepath.Join(root, "sessions"),
		ExportsDir:  filepath.Join(root, "exports"),
		UploadsDir:  filepath.Join(root, "uploads"),
	}, clk, testLogger())
}

func newSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := newStore(t, clock.WallClock).Create("/tmp/dump.sql", nil)
	require.NoError(t, err)
	return s
}

// logLines returns the durable log as raw lines.
func logLines(t *testing.T, s *session.Session) [][]byte {
	t.Helper()
	data, err := os.ReadFile(s.LogPath)
	require.NoError(t, err)
	if len(data) == 0 {
		return nil
	}
	require.Equal(t, byte('\n'), data[len(data)-1], "log must end with a newline")
	return bytes.Split(data[:len(data)-1], []byte("\n"))
}

func decode(t *testing.T, payload []byte) model.Event {
	t.Helper()
	var ev model.Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	return ev
}

func next(t *testing.T, sub *session.Subscription) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := sub.Next(ctx)
	require.NoError(t, err)
	return p
}

func TestStatusTransitions(t *testing.T) {
	s := newSession(t)
	assert.Equal(t, model.StatusData{Status: model.StatusReady}, s.Snapshot())

	require.NoError(t, s.Begin())
	assert.Equal(t, model.StatusRunning, s.Snapshot().Status)

	assert.ErrorIs(t, s.Begin(), session.ErrConflict)
	assert.Equal(t, model.StatusRunning, s.Snapshot().Status)

	require.NoError(t, s.Complete("sales.sql"))
	assert.Equal(t, model.StatusData{Status: model.StatusCompleted, Progress: 100, OutputFile: "sales.sql"}, s.Snapshot())

	assert.ErrorIs(t, s.Begin(), session.ErrTerminal)
	assert.ErrorIs(t, s.Fail("late"), session.ErrNotRunning)
	assert.Equal(t, model.StatusCompleted, s.Snapshot().Status)
}

func TestFailCarriesErrorWithoutOutput(t *testing.T) {
	s := newSession(t)
	assert.ErrorIs(t, s.Fail("too early"), session.ErrNotRunning)

	require.NoError(t, s.Begin())
	s.SetProgress(30)
	require.NoError(t, s.Fail("provision: exit status 1"))

	snap := s.Snapshot()
	assert.Equal(t, model.StatusFailed, snap.Status)
	assert.Equal(t, "provision: exit status 1", snap.Error)
	assert.Empty(t, snap.OutputFile)
	assert.Equal(t, 30, snap.Progress)
	assert.ErrorIs(t, s.Begin(), session.ErrTerminal)
}

func TestProgressNeverDecreases(t *testing.T) {
	s := newSession(t)
	s.SetProgress(50)
	assert.Equal(t, 0, s.Snapshot().Progress, "progress only moves while running")

	require.NoError(t, s.Begin())
	s.SetProgress(40)
	s.SetProgress(20)
	s.SetProgress(40)
	s.SetProgress(250)
	assert.Equal(t, 100, s.Snapshot().Progress)

	var statuses int
	for _, line := range logLines(t, s) {
		if decode(t, line).Type == model.EventStatus {
			statuses++
		}
	}
	// running@0, 40, 100
	assert.Equal(t, 3, statuses)
}

func TestLiveEventsMatchDurableLog(t *testing.T) {
	s := newSession(t)
	sub := session.NewSubscription()
	require.NoError(t, s.Subscribe(sub))

	snap := decode(t, next(t, sub))
	assert.Equal(t, model.EventStatus, snap.Type)
	assert.Equal(t, model.StatusReady, snap.Data.Status)

	require.NoError(t, s.Begin())
	s.Info("copying dump", map[string]any{"bytes": 42})
	s.Warn("readiness timed out", nil)
	s.Error("transfer failed", nil)
	require.NoError(t, s.Fail("transfer failed"))

	lines := logLines(t, s)
	require.Len(t, lines, 5)
	for i, want := range lines {
		assert.Equal(t, string(want), string(next(t, sub)), "event %d", i)
	}

	last := decode(t, lines[4])
	assert.Equal(t, model.StatusFailed, last.Data.Status)
	assert.Equal(t, "transfer failed", last.Data.Error)
	assert.Equal(t, model.LevelWarn, decode(t, lines[2]).Level)
}

func TestLateSubscriberGetsSnapshotThenReplay(t *testing.T) {
	s := newSession(t)
	require.NoError(t, s.Begin())
	s.Info("one", nil)
	s.SetProgress(10)

	sub := session.NewSubscription()
	require.NoError(t, s.Subscribe(sub))
	s.Info("two", nil)

	snap := decode(t, next(t, sub))
	assert.Equal(t, model.StatusData{Status: model.StatusRunning, Progress: 10}, *snap.Data)

	lines := logLines(t, s)
	require.Len(t, lines, 4)
	for _, want := range lines {
		assert.Equal(t, string(want), string(next(t, sub)))
	}
	assert.Equal(t, "two", decode(t, lines[3]).Message)
}

func TestConcurrentSubscribersSeeWholeLogOnce(t *testing.T) {
	s := newSession(t)
	require.NoError(t, s.Begin())

	const (
		events      = 300
		subscribers = 8
	)
	subs := make([]*session.Subscription, subscribers)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range events {
			s.Info(fmt.Sprintf("event %d", i), nil)
		}
	}()
	for i := range subscribers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i) * time.Millisecond)
			sub := session.NewSubscription()
			if err := s.Subscribe(sub); err != nil {
				t.Errorf("subscribe: %v", err)
				return
			}
			subs[i] = sub
		}()
	}
	wg.Wait()
	require.NoError(t, s.Complete("out.sql"))

	lines := logLines(t, s)
	require.Len(t, lines, events+2)
	for i, sub := range subs {
		require.NotNil(t, sub)
		assert.Equal(t, model.EventStatus, decode(t, next(t, sub)).Type, "subscriber %d snapshot", i)
		for j, want := range lines {
			got := next(t, sub)
			if !assert.Equal(t, string(want), string(got), "subscriber %d entry %d", i, j) {
				break
			}
		}
	}
}

type failingObserver struct {
	calls int
}

func (f *failingObserver) Deliver([]byte) error {
	f.calls++
	return errors.New("connection reset by peer")
}

func (f *failingObserver) Closed() bool { return false }

func TestFailingObserverIsIsolated(t *testing.T) {
	s := newSession(t)
	bad := &failingObserver{}
	good := session.NewSubscription()
	require.NoError(t, s.Subscribe(bad))
	require.NoError(t, s.Subscribe(good))

	require.NoError(t, s.Begin())
	s.Info("still flowing", nil)

	assert.Equal(t, 3, bad.calls) // snapshot + two events
	next(t, good)
	assert.Equal(t, model.EventStatus, decode(t, next(t, good)).Type)
	assert.Equal(t, "still flowing", decode(t, next(t, good)).Message)

	assert.Equal(t, 2, s.View().Observers, "failing observer stays registered")
	assert.Equal(t, 0, s.PruneObservers())

	s.Unsubscribe(bad)
	assert.Equal(t, 1, s.View().Observers)
}

func TestClosedObserverIsPruned(t *testing.T) {
	s := newSession(t)
	sub := session.NewSubscription()
	require.NoError(t, s.Subscribe(sub))
	sub.Close()

	s.Info("after close", nil)
	assert.Equal(t, 1, s.View().Observers)
	assert.Equal(t, 1, s.PruneObservers())
	assert.Equal(t, 0, s.View().Observers)
}
