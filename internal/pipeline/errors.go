package pipeline

import (
	"errors"
	"fmt"
)

// Failure kinds. Every StageError matches exactly one of these with
// errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrPrepare    = errors.New("workspace error")
	ErrConfig     = errors.New("config error")
	ErrProvision  = errors.New("provision error")
	ErrTransfer   = errors.New("transfer error")
	ErrExport     = errors.New("export error")
)

// ErrNoResult is returned by Result for a session that has not completed.
var ErrNoResult = errors.New("pipeline: no result available")

// Stage names one step of the pipeline.
type Stage string

const (
	StageValidate   Stage = "validate"
	StagePrepare    Stage = "prepare"
	StageConfigure  Stage = "configure"
	StageProvision  Stage = "provision"
	StageAwaitReady Stage = "await_ready"
	StageTransfer   Stage = "transfer"
	StageVerify     Stage = "verify"
	StageExport     Stage = "export"
	StageTeardown   Stage = "teardown"
)

// StageError is a fatal stage failure. Its message is what a failed
// session reports.
type StageError struct {
	Stage Stage
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func stageError(stage Stage, kind, err error) error {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
