package pipeline

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ashita-ai/utsushi/internal/compose"
	"github.com/ashita-ai/utsushi/internal/dumpfile"
	"github.com/ashita-ai/utsushi/internal/health"
	"github.com/ashita-ai/utsushi/internal/loader"
	"github.com/ashita-ai/utsushi/internal/session"
	"github.com/ashita-ai/utsushi/internal/target"
)

// Environment passed to the resource-group definition.
const (
	EnvWorkspace = "UTSUSHI_WORKSPACE"
	EnvDumpPath  = "UTSUSHI_DUMP_PATH"
	EnvSourceDB  = "UTSUSHI_SOURCE_DB"
)

// MetadataDatabase is the upload metadata key naming the database to use
// when the dump declares none.
const MetadataDatabase = "database"

const (
	dumpDirName  = "dump"
	loadFileName = "migration.load"

	// loaderWorkspace is where the loader service mounts the session workspace.
	loaderWorkspace = "/workspace"
)

// Progress checkpoints reported after each stage.
const (
	progressValidated   = 5
	progressPrepared    = 10
	progressConfigured  = 15
	progressProvisioned = 30
	progressReady       = 45
	progressTransferred = 75
	progressVerified    = 85
	progressExported    = 95
)

// stages runs stages 1 to 8 and returns the exported artifact's file name.
// Each stage hands its result to the next explicitly.
func (o *Orchestrator) stages(ctx context.Context, s *session.Session, project compose.Project) (string, error) {
	res, err := runStage(ctx, o, StageValidate, func(context.Context) (dumpfile.Resolution, error) {
		return o.validate(s)
	})
	if err != nil {
		return "", err
	}
	s.SetProgress(progressValidated)

	if _, err := runStage(ctx, o, StagePrepare, func(context.Context) (string, error) {
		return o.prepare(s)
	}); err != nil {
		return "", err
	}
	s.SetProgress(progressPrepared)

	spec, err := runStage(ctx, o, StageConfigure, func(context.Context) (loader.Spec, error) {
		return o.configure(s, res.Name)
	})
	if err != nil {
		return "", err
	}
	s.SetProgress(progressConfigured)

	project = withEnv(project, EnvSourceDB, res.Name)
	if _, err := runStage(ctx, o, StageProvision, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.provision(ctx, s, project)
	}); err != nil {
		return "", err
	}
	s.SetProgress(progressProvisioned)

	_, _ = runStage(ctx, o, StageAwaitReady, func(ctx context.Context) (bool, error) {
		return o.awaitReady(ctx, s, project, spec).Ready, nil
	})
	s.SetProgress(progressReady)

	if _, err := runStage(ctx, o, StageTransfer, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.transfer(ctx, s, project)
	}); err != nil {
		return "", err
	}
	s.SetProgress(progressTransferred)

	_, _ = runStage(ctx, o, StageVerify, func(ctx context.Context) (int, error) {
		return o.verify(ctx, s, project, spec), nil
	})
	s.SetProgress(progressVerified)

	out, err := runStage(ctx, o, StageExport, func(ctx context.Context) (string, error) {
		return o.export(ctx, s, project, spec)
	})
	if err != nil {
		return "", err
	}
	s.SetProgress(progressExported)
	return out, nil
}

// validate resolves the target database name. Upload metadata takes
// precedence over the configured fallback.
func (o *Orchestrator) validate(s *session.Session) (dumpfile.Resolution, error) {
	fallback := o.cfg.FallbackDatabase
	if name := s.Metadata[MetadataDatabase]; name != "" {
		fallback = name
	}
	res, err := dumpfile.ResolveName(s.SourceFile, fallback)
	if err != nil {
		return dumpfile.Resolution{}, stageError(StageValidate, ErrValidation, err)
	}
	s.Info(fmt.Sprintf("resolved database name %q", res.Name), map[string]any{"source": res.Source})
	return res, nil
}

// prepare copies the dump into the session workspace.
func (o *Orchestrator) prepare(s *session.Session) (string, error) {
	path, err := dumpfile.Stage(s.SourceFile, filepath.Join(s.Dir, dumpDirName))
	if err != nil {
		return "", stageError(StagePrepare, ErrPrepare, err)
	}
	s.Info("dump staged in workspace", map[string]any{"file": filepath.Base(path)})
	return path, nil
}

// configure writes the loader command file. The file holds credentials, so
// only its name is logged.
func (o *Orchestrator) configure(s *session.Session, name string) (loader.Spec, error) {
	spec, err := loader.NewSpec(o.cfg.Database, name, o.cfg.Loader)
	if err != nil {
		return loader.Spec{}, stageError(StageConfigure, ErrConfig, err)
	}
	if err := spec.WriteFile(filepath.Join(s.Dir, loadFileName)); err != nil {
		return loader.Spec{}, stageError(StageConfigure, ErrConfig, err)
	}
	s.Info("loader configuration written", map[string]any{"file": loadFileName})
	return spec, nil
}

func (o *Orchestrator) provision(ctx context.Context, s *session.Session, project compose.Project) error {
	s.Info(fmt.Sprintf("provisioning resource group %s", project.Name), nil)
	err := o.cluster.Up(ctx, project, func(line string) { s.Info(line, nil) })
	if err != nil {
		return stageError(StageProvision, ErrProvision, err)
	}
	return nil
}

func (o *Orchestrator) awaitReady(ctx context.Context, s *session.Session, project compose.Project, spec loader.Spec) health.Outcome {
	probe := func(ctx context.Context, service string) (bool, error) {
		return o.cluster.Ready(ctx, project, service)
	}
	check := func(ctx context.Context) error {
		return o.checkSourceContent(ctx, s, project, spec)
	}
	return o.poller.Wait(ctx, []string{compose.ServiceSource, compose.ServiceTarget}, probe, check, s)
}

// checkSourceContent confirms the dump produced at least one table.
func (o *Orchestrator) checkSourceContent(ctx context.Context, s *session.Session, project compose.Project, spec loader.Spec) error {
	query := fmt.Sprintf("SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = '%s'", spec.Source.Database)
	res, err := o.cluster.Exec(ctx, project, compose.ServiceSource,
		map[string]string{"MYSQL_PWD": spec.Source.Password},
		"mysql", "-u", spec.Source.User, "-N", "-e", query)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return fmt.Errorf("unexpected table count %q", strings.TrimSpace(res.Stdout))
	}
	if n == 0 {
		return fmt.Errorf("no tables loaded into %s", spec.Source.Database)
	}
	s.Info(fmt.Sprintf("source database %s has %d tables", spec.Source.Database, n), nil)
	return nil
}

// transfer runs the loader and classifies its output: the loader can exit
// zero after logging a failure.
func (o *Orchestrator) transfer(ctx context.Context, s *session.Session, project compose.Project) error {
	s.Info("starting data transfer", nil)
	res, err := o.cluster.Run(ctx, project, compose.ServiceLoader,
		"pgloader", loaderWorkspace+"/"+loadFileName)
	if err != nil {
		return stageError(StageTransfer, ErrTransfer, err)
	}
	if m, failed := o.classifier.Classify(res.Combined); failed {
		return stageError(StageTransfer, ErrTransfer,
			fmt.Errorf("loader output matched %q: %s", m.Pattern, m.Line))
	}
	s.Info("data transfer finished", map[string]any{"output_bytes": len(res.Combined)})
	return nil
}

// verify counts objects in the target. Problems are warnings only.
func (o *Orchestrator) verify(ctx context.Context, s *session.Session, project compose.Project, spec loader.Spec) int {
	port, err := o.cluster.PublishedPort(ctx, project, compose.ServiceTarget, spec.Target.Port)
	if err != nil {
		s.Warn(fmt.Sprintf("could not verify target: %v", err), nil)
		return 0
	}
	dsn := target.DSN("127.0.0.1", port, spec.Target.User, spec.Target.Password, spec.Target.Database)
	n, err := o.inspector.CountObjects(ctx, dsn)
	switch {
	case err != nil:
		s.Warn(fmt.Sprintf("could not verify target: %v", err), nil)
	case n == 0:
		s.Warn("target database contains no objects", nil)
	default:
		s.Info(fmt.Sprintf("target database contains %d objects", n), nil)
	}
	return n
}

// export dumps the target into the session's export directory and returns
// the artifact's file name.
func (o *Orchestrator) export(ctx context.Context, s *session.Session, project compose.Project, spec loader.Spec) (string, error) {
	res, err := o.cluster.Exec(ctx, project, compose.ServiceTarget,
		map[string]string{"PGPASSWORD": spec.Target.Password},
		"pg_dump", "--no-owner", "--no-privileges", "-U", spec.Target.User, spec.Target.Database)
	if err != nil {
		return "", stageError(StageExport, ErrExport, err)
	}

	name := spec.Source.Database + ".sql"
	if err := os.MkdirAll(s.ExportDir, 0o755); err != nil { //nolint:gosec // served read-only over HTTP
		return "", stageError(StageExport, ErrExport, err)
	}
	if err := os.WriteFile(filepath.Join(s.ExportDir, name), []byte(res.Stdout), 0o644); err != nil { //nolint:gosec // served read-only over HTTP
		return "", stageError(StageExport, ErrExport, err)
	}
	s.Info("target exported", map[string]any{"file": name, "bytes": len(res.Stdout)})
	return name, nil
}

func withEnv(p compose.Project, key, value string) compose.Project {
	env := maps.Clone(p.Env)
	if env == nil {
		env = map[string]string{}
	}
	env[key] = value
	p.Env = env
	return p
}
