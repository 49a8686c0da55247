// Package ledger records every batch run and every task it created, so
// runs can be reviewed and resumed.
package ledger

import (
	"context"
	"time"

	"github.com/0x6d61/sqlmapbatch/internal/finding"
)

// Run is one invocation of a batch command.
type Run struct {
	ID         string     `json:"id"`
	Mode       string     `json:"mode"`  // "urls" or "requests"
	Input      string     `json:"input"` // input file path
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Findings   int        `json:"findings"`
	Targets    int        `json:"targets"`
}

// TaskRecord is the final state of one target within a run.
type TaskRecord struct {
	ID         string           `json:"id"`
	RunID      string           `json:"run_id"`
	TargetKey  string           `json:"target_key"`
	Target     string           `json:"target"`
	TaskID     string           `json:"task_id"`
	State      string           `json:"state"`
	Error      string           `json:"error,omitempty"`
	Deleted    bool             `json:"deleted"`
	CreatedAt  time.Time        `json:"created_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Summary    *finding.Summary `json:"summary,omitempty"`
	RawData    []byte           `json:"-"` // engine data body, stored compressed
}

// Store persists runs and tasks.
type Store interface {
	StartRun(ctx context.Context, mode, input string) (*Run, error)
	FinishRun(ctx context.Context, runID string, findings int) error
	RecordTask(ctx context.Context, rec *TaskRecord) error
	DoneKeys(ctx context.Context) ([]string, error)
	Runs(ctx context.Context, limit int) ([]*Run, error)
	Tasks(ctx context.Context, runID string) ([]*TaskRecord, error)
	Close() error
}
