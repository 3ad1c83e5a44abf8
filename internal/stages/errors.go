package stages

import (
	"errors"
	"fmt"
)

// ErrHang means the download control never became usable after apply.
// The page is considered wedged and only a fresh session recovers it.
var ErrHang = errors.New("download control unresponsive")

// Stage names a step of the per-grouping sequence.
type Stage string

const (
	StageFilters       Stage = "filters"
	StageSwitch        Stage = "switch"
	StageReadiness     Stage = "readiness"
	StageThemes        Stage = "themes"
	StageApply         Stage = "apply"
	StageDownloadCheck Stage = "download_check"
	StageDownload      Stage = "download"
	StageSave          Stage = "save"
	StageVerify        Stage = "verify"
)

// StageError records which grouping and step an abort happened in.
type StageError struct {
	Grouping string
	Stage    Stage
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Grouping, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(grouping string, stage Stage, err error) *StageError {
	return &StageError{Grouping: grouping, Stage: stage, Err: err}
}
