// Package pipeline runs a session's migration: validate, prepare, configure,
// provision, await readiness, transfer, verify, export and teardown.
//
// Stages run strictly in order and the first failure aborts the rest.
// Teardown runs exactly once per run whatever happened before it, and the
// terminal status is emitted after teardown so it is always the last event
// of a session's log.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/utsushi/internal/cleanup"
	"github.com/ashita-ai/utsushi/internal/compose"
	"github.com/ashita-ai/utsushi/internal/config"
	"github.com/ashita-ai/utsushi/internal/health"
	"github.com/ashita-ai/utsushi/internal/loader"
	"github.com/ashita-ai/utsushi/internal/model"
	"github.com/ashita-ai/utsushi/internal/runner"
	"github.com/ashita-ai/utsushi/internal/session"
	"github.com/ashita-ai/utsushi/internal/telemetry"
)

// Cluster is the resource-group surface the pipeline drives.
type Cluster interface {
	Up(ctx context.Context, p compose.Project, onLine func(string)) error
	Down(ctx context.Context, p compose.Project) error
	Ready(ctx context.Context, p compose.Project, service string) (bool, error)
	Exec(ctx context.Context, p compose.Project, service string, env map[string]string, args ...string) (runner.Result, error)
	Run(ctx context.Context, p compose.Project, service string, args ...string) (runner.Result, error)
	PublishedPort(ctx context.Context, p compose.Project, service, privatePort string) (string, error)
}

// Inspector counts the objects in a migrated target.
type Inspector interface {
	CountObjects(ctx context.Context, dsn string) (int, error)
}

// Deps holds the collaborators of an Orchestrator.
type Deps struct {
	Store     *session.Store
	Cluster   Cluster
	Inspector Inspector
	Clock     clock.Clock
	Config    config.Config
	Logger    *slog.Logger
}

// Orchestrator starts and tracks pipeline runs. Runs of distinct sessions
// are independent and may execute concurrently.
type Orchestrator struct {
	store      *session.Store
	cluster    Cluster
	inspector  Inspector
	poller     *health.Poller
	cleanup    *cleanup.Manager
	classifier *loader.Classifier
	cfg        config.Config
	composeAbs string
	logger     *slog.Logger

	tracer        trace.Tracer
	runs          metric.Int64Counter
	stageDuration metric.Float64Histogram

	wg sync.WaitGroup
}

// New creates an Orchestrator.
func New(d Deps) (*Orchestrator, error) {
	classifier, err := loader.NewClassifier(d.Config.Loader.FailurePatterns)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	composeAbs := d.Config.ComposeFile
	if composeAbs != "" {
		if composeAbs, err = filepath.Abs(composeAbs); err != nil {
			return nil, fmt.Errorf("pipeline: resolve compose file: %w", err)
		}
	}

	meter := telemetry.Meter("utsushi/pipeline")
	runs, err := meter.Int64Counter("utsushi.pipeline.runs",
		metric.WithDescription("Pipeline runs by terminal status"),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create runs counter: %w", err)
	}
	stageDuration, err := meter.Float64Histogram("utsushi.pipeline.stage.duration",
		metric.WithDescription("Pipeline stage duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create stage histogram: %w", err)
	}

	return &Orchestrator{
		store:         d.Store,
		cluster:       d.Cluster,
		inspector:     d.Inspector,
		poller:        health.NewPoller(d.Clock, d.Config.Readiness),
		cleanup:       cleanup.New(d.Cluster),
		classifier:    classifier,
		cfg:           d.Config,
		composeAbs:    composeAbs,
		logger:        d.Logger,
		tracer:        telemetry.Tracer("utsushi/pipeline"),
		runs:          runs,
		stageDuration: stageDuration,
	}, nil
}

// Start moves the session to running and executes the pipeline in the
// background. It fails with session.ErrNotFound, session.ErrConflict (already
// running) or session.ErrTerminal (already finished) without side effects.
// The run is detached from ctx's cancellation: it always runs to completion
// or failure.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	s, err := o.store.Get(id)
	if err != nil {
		return err
	}
	if err := s.Begin(); err != nil {
		return err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.execute(context.WithoutCancel(ctx), s)
	}()
	return nil
}

// Run is the synchronous form of Start. It returns the run's *StageError,
// if any, once teardown has finished.
func (o *Orchestrator) Run(ctx context.Context, id string) error {
	s, err := o.store.Get(id)
	if err != nil {
		return err
	}
	if err := s.Begin(); err != nil {
		return err
	}
	o.wg.Add(1)
	defer o.wg.Done()
	return o.execute(ctx, s)
}

// Wait blocks until every started run has finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a session's current status.
func (o *Orchestrator) Status(id string) (model.StatusData, error) {
	s, err := o.store.Get(id)
	if err != nil {
		return model.StatusData{}, err
	}
	return s.Snapshot(), nil
}

// Result returns the path of a completed session's exported artifact.
func (o *Orchestrator) Result(id string) (string, error) {
	s, err := o.store.Get(id)
	if err != nil {
		return "", err
	}
	snap := s.Snapshot()
	if snap.Status != model.StatusCompleted || snap.OutputFile == "" {
		return "", ErrNoResult
	}
	return filepath.Join(s.ExportDir, snap.OutputFile), nil
}

// execute runs every stage for a session that has already begun.
func (o *Orchestrator) execute(ctx context.Context, s *session.Session) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("session_id", s.ID)))
	defer span.End()

	start := time.Now()
	project := o.project(s)
	log := o.logger.With("session_id", s.ID, "project", project.Name)
	log.Info("pipeline: started")
	s.Info("migration started", map[string]any{"project": project.Name})

	out, runErr := o.stages(ctx, s, project)

	// Teardown: exactly once, whatever happened above.
	_, _ = runStage(ctx, o, StageTeardown, func(ctx context.Context) (bool, error) {
		s.Info("tearing down resource group", nil)
		return o.cleanup.Teardown(ctx, project, s, filepath.Join(s.Dir, loadFileName)), nil
	})

	status := model.StatusCompleted
	if runErr != nil {
		status = model.StatusFailed
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		s.Error(runErr.Error(), stageExtra(runErr))
		if err := s.Fail(runErr.Error()); err != nil {
			log.Error("pipeline: mark failed", "error", err)
		}
	} else {
		s.Info("migration completed", map[string]any{"output_file": out})
		if err := s.Complete(out); err != nil {
			log.Error("pipeline: mark completed", "error", err)
		}
	}

	o.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	log.Info("pipeline: finished", "status", status, "duration_ms", time.Since(start).Milliseconds(), "error", runErr)
	return runErr
}

// project names the session's resource group. Paths are absolute because
// the container CLI resolves relative paths against the compose file.
func (o *Orchestrator) project(s *session.Session) compose.Project {
	env := o.cfg.Database.Env()
	if dir, err := filepath.Abs(s.Dir); err == nil {
		env[EnvWorkspace] = dir
		env[EnvDumpPath] = filepath.Join(dir, dumpDirName)
	}
	return compose.Project{
		Name: compose.ProjectName(s.ID),
		File: o.composeAbs,
		Env:  env,
	}
}

func stageExtra(err error) any {
	var se *StageError
	if errors.As(err, &se) {
		return map[string]any{"stage": se.Stage}
	}
	return nil
}

// runStage wraps one stage in a span and records its duration.
func runStage[T any](ctx context.Context, o *Orchestrator, stage Stage, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline."+string(stage))
	defer span.End()

	start := time.Now()
	v, err := fn(ctx)
	o.stageDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("stage", string(stage))))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return v, err
}
