// Package syncer 在本地存储与云端之间做双向对账：上传待同步实体、拉取远端变更、记录冲突。
// Package syncer reconciles the local store with the remote store: it
// uploads pending entities, lands remote changes and records conflicts.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"localagent/internal/clock"
	"localagent/internal/errs"
	"localagent/internal/events"
	"localagent/internal/remote"
	"localagent/internal/settings"
	"localagent/internal/storage"
)

// Store is the part of the local store the engine uses.
type Store interface {
	PendingMemories(ctx context.Context) ([]storage.LocalMemory, error)
	PendingSessions(ctx context.Context) ([]storage.LocalSession, error)
	MarkMemorySynced(ctx context.Context, id string, uploadedAt time.Time, cloudID, rev string) (bool, error)
	MarkSessionSynced(ctx context.Context, id string, uploadedAt time.Time, cloudID, rev string) (bool, error)
	ApplyRemoteMemory(ctx context.Context, m storage.LocalMemory, localChanged bool) (storage.ApplyOutcome, error)
	ApplyRemoteSession(ctx context.Context, s storage.LocalSession, localChanged bool) (storage.ApplyOutcome, error)
	ListConflicts(ctx context.Context) ([]storage.Conflict, error)
	GetConflict(ctx context.Context, id string) (storage.Conflict, bool, error)
	ResolveConflict(ctx context.Context, conflictID string, res storage.Resolution) error
	Checkpoint(ctx context.Context) (string, error)
	SetCheckpoint(ctx context.Context, cursor string) error
	CountPending(ctx context.Context) (storage.PendingCounts, error)
}

// SettingsSource supplies the current settings.
type SettingsSource interface {
	Get() settings.Settings
}

// transferCounter is implemented by remotes that count wire bytes.
type transferCounter interface {
	Transferred() (up, down int64)
}

// Options tunes an Engine.
type Options struct {
	PassTimeout  time.Duration
	StartupDelay time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
	Bus          *events.Bus
}

// Engine 同一时刻只运行一次同步；状态在每次同步后按存储标记重新计算。
// Engine runs at most one pass at a time and rebuilds its status from
// store flags after every pass.
type Engine struct {
	store       Store
	remote      remote.Remote
	settings    SettingsSource
	clk         clock.Clock
	log         *zap.Logger
	bus         *events.Bus
	passTimeout time.Duration
	startDelay  time.Duration
	trigger     chan struct{}

	passMu sync.Mutex

	mu     sync.RWMutex
	status Status
}

func New(store Store, rem remote.Remote, s SettingsSource, opts Options) *Engine {
	if opts.PassTimeout <= 0 {
		opts.PassTimeout = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		store:       store,
		remote:      rem,
		settings:    s,
		clk:         opts.Clock,
		log:         opts.Logger,
		bus:         opts.Bus,
		passTimeout: opts.PassTimeout,
		startDelay:  opts.StartupDelay,
		trigger:     make(chan struct{}, 1),
		status:      Status{State: StateIdle, LastSyncResult: ResultNone, Conflicts: []storage.Conflict{}},
	}
}

// Status returns a copy of the current status.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.status
	st.Conflicts = append([]storage.Conflict(nil), e.status.Conflicts...)
	return st
}

// Trigger asks the background loop for a pass as soon as possible.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// SyncNow runs a pass synchronously. A pass already in progress is waited
// for first.
func (e *Engine) SyncNow(ctx context.Context) (Report, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.passTimeout)
	defer cancel()

	e.setSyncing()
	rep, pendingDown, err := e.pass(ctx)
	e.finish(context.WithoutCancel(ctx), rep, pendingDown, err)
	return rep, err
}

// Run drives periodic passes until ctx is done. The interval is re-read
// from settings after every pass.
func (e *Engine) Run(ctx context.Context) error {
	if e.settings.Get().SyncOnStartup {
		select {
		case <-ctx.Done():
			return nil
		case <-e.clk.After(e.startDelay):
			e.runPass(ctx)
		}
	}
	interval := e.interval()
	t := e.clk.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.trigger:
			e.runPass(ctx)
		case <-t.C:
			e.runPass(ctx)
		}
		if next := e.interval(); next != interval {
			interval = next
			t.Reset(interval)
		}
	}
}

func (e *Engine) runPass(ctx context.Context) {
	rep, err := e.SyncNow(ctx)
	if err != nil && ctx.Err() == nil {
		e.log.Warn("sync pass failed", zap.String("result", string(rep.Result)), zap.Error(err))
		return
	}
	e.log.Debug("sync pass done",
		zap.String("result", string(rep.Result)),
		zap.Int("uploaded", rep.Uploaded),
		zap.Int("downloaded", rep.Downloaded),
		zap.Int("conflicts", rep.Conflicts))
}

func (e *Engine) interval() time.Duration {
	m := e.settings.Get().SyncIntervalMinutes
	if m < 1 {
		m = 1
	}
	return time.Duration(m) * time.Minute
}

func (e *Engine) setSyncing() {
	e.mu.Lock()
	e.status.State = StateSyncing
	e.status.IsSyncing = true
	st := e.status
	e.mu.Unlock()
	e.bus.Publish(events.KindSync, st)
}

// pass performs one reconciliation. It returns the number of remote
// changes that could not be applied.
func (e *Engine) pass(ctx context.Context) (Report, int, error) {
	rep := Report{Result: ResultSuccess}
	if e.settings.Get().OfflineMode {
		rep.Result = ResultError
		return rep, 0, &errs.NetworkError{Op: "sync", Err: errors.New("offline mode")}
	}
	if err := e.remote.Ping(ctx); err != nil {
		rep.Result = ResultError
		return rep, 0, err
	}

	var failures []string
	fail := func(what string, err error) {
		failures = append(failures, fmt.Sprintf("%s: %v", what, err))
	}

	changed := make(localChanges)
	if err := e.upload(ctx, &rep, changed, fail); err != nil {
		fail("upload", err)
	}
	pendingDown, err := e.download(ctx, &rep, changed, fail)
	if err != nil {
		fail("download", err)
	}

	rep.Errors = failures
	if len(failures) == 0 {
		return rep, pendingDown, nil
	}
	if rep.Uploaded+rep.Downloaded+rep.Conflicts+rep.Skipped > 0 {
		rep.Result = ResultPartial
	} else {
		rep.Result = ResultError
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return rep, pendingDown, ctxErr
	}
	return rep, pendingDown, errors.New(summarize(failures))
}

// localChanges holds the entities that were pending when the pass began,
// keyed by local id and by the cloud id their upload was acked under. A
// remote change to one of them diverges from a local edit even after the
// upload cleared its pending flag.
type localChanges map[string]bool

func changeKey(kind storage.EntityType, id string) string {
	return string(kind) + ":" + id
}

func (lc localChanges) add(kind storage.EntityType, ids ...string) {
	for _, id := range ids {
		if id != "" {
			lc[changeKey(kind, id)] = true
		}
	}
}

func (lc localChanges) has(kind storage.EntityType, ids ...string) bool {
	for _, id := range ids {
		if id != "" && lc[changeKey(kind, id)] {
			return true
		}
	}
	return false
}

func (e *Engine) upload(ctx context.Context, rep *Report, changed localChanges, fail func(string, error)) error {
	mems, err := e.store.PendingMemories(ctx)
	if err != nil {
		return err
	}
	for _, m := range mems {
		if err := ctx.Err(); err != nil {
			return err
		}
		wire := m
		wire.Embedding = nil
		changed.add(storage.EntityMemory, m.ID, m.CloudID)
		ack, err := e.remote.Upload(ctx, remote.Entity{Type: storage.EntityMemory, Memory: &wire})
		if err != nil {
			fail("upload memory "+m.ID, err)
			continue
		}
		changed.add(storage.EntityMemory, ack.CloudID)
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.store.MarkMemorySynced(ctx, m.ID, m.UpdatedAt, ack.CloudID, ack.Rev); err != nil {
			fail("mark memory "+m.ID, err)
			continue
		}
		rep.Uploaded++
	}

	sessions, err := e.store.PendingSessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		sess := s
		changed.add(storage.EntitySession, s.ID, s.CloudID)
		ack, err := e.remote.Upload(ctx, remote.Entity{Type: storage.EntitySession, Session: &sess})
		if err != nil {
			fail("upload session "+s.ID, err)
			continue
		}
		changed.add(storage.EntitySession, ack.CloudID)
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.store.MarkSessionSynced(ctx, s.ID, s.UpdatedAt, ack.CloudID, ack.Rev); err != nil {
			fail("mark session "+s.ID, err)
			continue
		}
		rep.Uploaded++
	}
	return nil
}

func (e *Engine) download(ctx context.Context, rep *Report, changed localChanges, fail func(string, error)) (int, error) {
	cursor, err := e.store.Checkpoint(ctx)
	if err != nil {
		return 0, err
	}
	cs, err := e.remote.Changes(ctx, cursor)
	if err != nil {
		return 0, err
	}
	failed := 0
	for i, ch := range cs.Changes {
		if err := ctx.Err(); err != nil {
			return len(cs.Changes) - i + failed, err
		}
		outcome, err := e.apply(ctx, ch, changed)
		if err != nil {
			failed++
			fail(fmt.Sprintf("apply %s %s", ch.Type, ch.LocalID()), err)
			continue
		}
		switch outcome {
		case storage.ApplyInserted, storage.ApplyUpdated:
			rep.Downloaded++
		case storage.ApplySkipped:
			rep.Skipped++
		case storage.ApplyConflicted:
			rep.Conflicts++
		}
	}
	if failed > 0 {
		return failed, nil
	}
	if cs.Cursor != "" && cs.Cursor != cursor {
		if err := e.store.SetCheckpoint(ctx, cs.Cursor); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func (e *Engine) apply(ctx context.Context, ch remote.Entity, changed localChanges) (storage.ApplyOutcome, error) {
	if err := ch.Validate(); err != nil {
		return "", err
	}
	if m := ch.Memory; m != nil {
		return e.store.ApplyRemoteMemory(ctx, *m, changed.has(storage.EntityMemory, m.ID, m.CloudID))
	}
	s := ch.Session
	return e.store.ApplyRemoteSession(ctx, *s, changed.has(storage.EntitySession, s.ID, s.CloudID))
}

// finish records the pass outcome and recomputes counts from the store.
func (e *Engine) finish(ctx context.Context, rep Report, pendingDown int, passErr error) {
	now := e.clk.Now().UTC()
	counts, cerr := e.store.CountPending(ctx)
	conflicts, lerr := e.store.ListConflicts(ctx)

	e.mu.Lock()
	st := &e.status
	st.IsSyncing = false
	st.LastSyncResult = rep.Result
	st.LastError = ""
	switch {
	case passErr != nil && rep.Result == ResultError && isDisconnect(passErr):
		st.State = StateDisconnected
		st.LastError = passErr.Error()
	case passErr != nil && rep.Result == ResultError:
		st.State = StateFailed
		st.LastError = passErr.Error()
	default:
		st.State = StateSucceeded
		st.LastSync = &now
		if passErr != nil {
			st.LastError = passErr.Error()
		}
	}
	if cerr == nil {
		st.PendingUploads = counts.Memories + counts.Sessions
	}
	if lerr == nil {
		st.Conflicts = conflicts
		if st.Conflicts == nil {
			st.Conflicts = []storage.Conflict{}
		}
	}
	st.PendingDownloads = pendingDown
	if tc, ok := e.remote.(transferCounter); ok {
		st.BytesUploaded, st.BytesDownloaded = tc.Transferred()
	}
	snapshot := *st
	e.mu.Unlock()

	if cerr != nil || lerr != nil {
		e.log.Warn("sync status refresh failed", zap.NamedError("count", cerr), zap.NamedError("conflicts", lerr))
	}
	e.bus.Publish(events.KindSync, snapshot)
}

// RefreshStatus recomputes counts without running a pass.
func (e *Engine) RefreshStatus(ctx context.Context) (Status, error) {
	counts, err := e.store.CountPending(ctx)
	if err != nil {
		return Status{}, err
	}
	conflicts, err := e.store.ListConflicts(ctx)
	if err != nil {
		return Status{}, err
	}
	if conflicts == nil {
		conflicts = []storage.Conflict{}
	}
	e.mu.Lock()
	e.status.PendingUploads = counts.Memories + counts.Sessions
	e.status.Conflicts = conflicts
	e.mu.Unlock()
	return e.Status(), nil
}

func isDisconnect(err error) bool {
	return errs.IsNetwork(err) || errors.Is(err, context.DeadlineExceeded)
}

func summarize(failures []string) string {
	if len(failures) == 1 {
		return failures[0]
	}
	return fmt.Sprintf("%d failures; first: %s", len(failures), strings.TrimSpace(failures[0]))
}
