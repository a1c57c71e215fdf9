package control

import (
	"context"
	"errors"

	"localagent/internal/errs"
	"localagent/internal/storage"
	"localagent/internal/syncer"
)

func (s *Surface) GetSyncStatus() syncer.Status { return s.sync.Status() }

// SyncResult is the outcome of a manual pass. Error carries the pass
// error text so transports can report a partial pass alongside its report.
type SyncResult struct {
	Result syncer.Result `json:"result"`
	Report syncer.Report `json:"report"`
	Error  string        `json:"error,omitempty"`
}

// SyncNow runs a pass and waits for it. A failed pass is reported in the
// result; the returned error is non-nil only when the pass could not
// reach the remote at all.
func (s *Surface) SyncNow(ctx context.Context) (SyncResult, error) {
	rep, err := s.sync.SyncNow(ctx)
	out := SyncResult{Result: rep.Result, Report: rep}
	if err != nil {
		out.Error = err.Error()
		if rep.Result == "" {
			out.Result = syncer.ResultError
			out.Report.Result = syncer.ResultError
		}
		if isUnreachable(err) {
			return out, err
		}
	}
	return out, nil
}

// PendingChanges counts work waiting on the sync engine.
type PendingChanges struct {
	Uploads   int `json:"uploads"`
	Downloads int `json:"downloads"`
	Conflicts int `json:"conflicts"`
}

func (s *Surface) GetPendingChanges(ctx context.Context) (PendingChanges, error) {
	c, err := s.store.CountPending(ctx)
	if err != nil {
		return PendingChanges{}, err
	}
	return PendingChanges{
		Uploads:   c.Memories + c.Sessions,
		Downloads: s.sync.Status().PendingDownloads,
		Conflicts: c.Conflicts,
	}, nil
}

func (s *Surface) ListConflicts(ctx context.Context) ([]storage.Conflict, error) {
	list, err := s.store.ListConflicts(ctx)
	if list == nil && err == nil {
		list = []storage.Conflict{}
	}
	return list, err
}

func (s *Surface) ResolveConflict(ctx context.Context, id string, strategy syncer.Strategy) error {
	return s.sync.ResolveConflict(ctx, id, strategy)
}

func isUnreachable(err error) bool {
	return errs.IsNetwork(err) || errors.Is(err, context.DeadlineExceeded)
}
