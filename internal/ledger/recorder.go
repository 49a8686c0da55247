package ledger

import (
	"context"

	"github.com/0x6d61/sqlmapbatch/internal/engine"
)

// Recorder writes each engine outcome of one run into the store.
type Recorder struct {
	Store Store
	RunID string
}

var _ engine.Observer = (*Recorder)(nil)

// Observe implements engine.Observer.
func (r *Recorder) Observe(ctx context.Context, o *engine.Outcome) error {
	rec := &TaskRecord{
		RunID:      r.RunID,
		TargetKey:  o.Target.Key(),
		Target:     o.Target.Label(),
		TaskID:     o.TaskID,
		State:      o.State.String(),
		Deleted:    o.Deleted,
		CreatedAt:  o.Started,
		FinishedAt: o.Finished,
		Summary:    o.Summary,
		RawData:    o.RawData,
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	return r.Store.RecordTask(ctx, rec)
}
