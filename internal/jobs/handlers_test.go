package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"localagent/internal/clock"
	"localagent/internal/errs"
	"localagent/internal/inference"
	"localagent/internal/scheduler"
	"localagent/internal/security"
	"localagent/internal/settings"
	"localagent/internal/storage"
	"localagent/internal/syncer"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeService struct {
	mu         sync.Mutex
	embedded   []string
	transcript string
	ocr        string
	err        error
	beforeDone func()
}

func (f *fakeService) Embed(ctx context.Context, text string) (inference.EmbeddingResult, error) {
	f.mu.Lock()
	f.embedded = append(f.embedded, text)
	hook := f.beforeDone
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if f.err != nil {
		return inference.EmbeddingResult{}, f.err
	}
	return inference.EmbeddingResult{Embedding: []float32{float32(len(text)), 1}}, nil
}

func (f *fakeService) Transcribe(ctx context.Context, path, lang string) (inference.TranscriptionResult, error) {
	return inference.TranscriptionResult{Text: f.transcript}, f.err
}

func (f *fakeService) ExtractText(ctx context.Context, path string) (inference.TextExtractionResult, error) {
	return inference.TextExtractionResult{Text: f.ocr}, f.err
}

type fakeSyncer struct {
	rep   syncer.Report
	err   error
	calls int
}

func (f *fakeSyncer) SyncNow(ctx context.Context) (syncer.Report, error) {
	f.calls++
	return f.rep, f.err
}

type settingsSource struct{ s settings.Settings }

func (s settingsSource) Get() settings.Settings { return s.s }

type fixture struct {
	store *storage.SQLiteStore
	svc   *fakeService
	sync  *fakeSyncer
	root  string
	h     *Handlers
}

func newFixture(t *testing.T, mutate func(*settings.Settings)) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"), storage.WithClock(clock.NewFake(testStart)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := settings.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	root := t.TempDir()
	roots, err := security.NewMediaRoots(root)
	require.NoError(t, err)

	f := &fixture{store: store, svc: &fakeService{}, sync: &fakeSyncer{}, root: root}
	f.h = New(Deps{Store: store, Service: f.svc, Syncer: f.sync, Settings: settingsSource{cfg}, Roots: roots})
	return f
}

func task(t *testing.T, tt storage.TaskType, payload any) storage.PendingTask {
	t.Helper()
	pt, err := NewTask(tt, PriorityNormal, payload)
	require.NoError(t, err)
	return pt
}

func TestGenerateEmbeddingStoresVector(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	m, err := f.store.SaveMemory(ctx, storage.LocalMemory{Content: "remember the milk"})
	require.NoError(t, err)

	require.NoError(t, f.h.GenerateEmbedding(ctx, task(t, storage.TaskGenerateEmbedding, EmbeddingPayload{MemoryID: m.ID})))

	got, ok, err := f.store.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{17, 1}, got.Embedding)
}

func TestGenerateEmbeddingDropsStaleVector(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	m, err := f.store.SaveMemory(ctx, storage.LocalMemory{Content: "first draft"})
	require.NoError(t, err)
	f.svc.beforeDone = func() {
		m.Content = "second draft"
		_, err := f.store.SaveMemory(ctx, m)
		require.NoError(t, err)
	}

	require.NoError(t, f.h.GenerateEmbedding(ctx, task(t, storage.TaskGenerateEmbedding, EmbeddingPayload{MemoryID: m.ID})))

	got, _, err := f.store.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	require.Empty(t, got.Embedding)
}

func TestGenerateEmbeddingMissingMemory(t *testing.T) {
	f := newFixture(t, nil)
	err := f.h.GenerateEmbedding(context.Background(), task(t, storage.TaskGenerateEmbedding, EmbeddingPayload{MemoryID: "gone"}))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGenerateEmbeddingDisabled(t *testing.T) {
	f := newFixture(t, func(s *settings.Settings) { s.EnableEmbeddings = false })
	err := f.h.GenerateEmbedding(context.Background(), task(t, storage.TaskGenerateEmbedding, EmbeddingPayload{MemoryID: "m"}))
	require.True(t, errs.IsValidation(err), "err=%v", err)
	require.Empty(t, f.svc.embedded)
}

func TestTranscribeAudioCreatesMemory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	clip := filepath.Join(f.root, "standup.wav")
	require.NoError(t, os.WriteFile(clip, []byte("RIFF"), 0o644))
	f.svc.transcript = "  ship the release on friday\x07 "

	pt := task(t, storage.TaskTranscribeAudio, MediaPayload{Path: clip, Topics: []string{"work"}})
	require.NoError(t, f.h.TranscribeAudio(ctx, pt))

	list, err := f.store.ListMemories(ctx, storage.MemoryFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "ship the release on friday", list[0].Content)
	require.Equal(t, "transcript", list[0].MemoryType)
	require.Equal(t, []string{"work"}, list[0].Topics)
}

func TestTranscribeAudioRejectsOutsideRoots(t *testing.T) {
	f := newFixture(t, nil)
	outside := filepath.Join(t.TempDir(), "clip.wav")
	err := f.h.TranscribeAudio(context.Background(), task(t, storage.TaskTranscribeAudio, MediaPayload{Path: outside}))
	require.True(t, errs.IsValidation(err), "err=%v", err)
}

func TestExtractTextWrongExtension(t *testing.T) {
	f := newFixture(t, nil)
	err := f.h.ExtractText(context.Background(), task(t, storage.TaskExtractText, MediaPayload{Path: filepath.Join(f.root, "scan.wav")}))
	require.True(t, errs.IsValidation(err), "err=%v", err)
}

func TestExtractTextEmptyResultIsNotAnError(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.ocr = " "
	err := f.h.ExtractText(context.Background(), task(t, storage.TaskExtractText, MediaPayload{Path: filepath.Join(f.root, "blank.png")}))
	require.NoError(t, err)
	n, err := f.store.CountMemories(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestExtractTextServiceError(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.err = &errs.NetworkError{Op: "ocr", Err: errors.New("unreachable")}
	err := f.h.ExtractText(context.Background(), task(t, storage.TaskExtractText, MediaPayload{Path: filepath.Join(f.root, "page.jpg")}))
	require.True(t, errs.IsNetwork(err), "err=%v", err)
}

func TestSyncMemory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	pt := task(t, storage.TaskSyncMemory, SyncPayload{Reason: "manual"})

	f.sync.rep = syncer.Report{Result: syncer.ResultPartial, Errors: []string{"memory m1: boom"}}
	require.NoError(t, f.h.SyncMemory(ctx, pt))

	f.sync.rep = syncer.Report{Result: syncer.ResultError, Errors: []string{"memory m1: boom"}}
	require.ErrorContains(t, f.h.SyncMemory(ctx, pt), "memory m1: boom")

	f.sync.err = &errs.NetworkError{Op: "ping", Err: errors.New("down")}
	require.True(t, errs.IsNetwork(f.h.SyncMemory(ctx, pt)))
	require.Equal(t, 3, f.sync.calls)
}

func TestPreloadKnowledgeDedupesAndEmbeds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	pt := task(t, storage.TaskPreloadKnowledge, PreloadPayload{
		Chunks: []string{"Go has goroutines", "ok", "Go has goroutines", "SQLite uses WAL"},
		Topics: []string{"tech"},
	})
	require.NoError(t, f.h.PreloadKnowledge(ctx, pt))

	embedded, err := f.store.ListEmbeddedMemories(ctx)
	require.NoError(t, err)
	require.Len(t, embedded, 2)
	for _, m := range embedded {
		require.Equal(t, "knowledge", m.MemoryType)
	}
	require.Len(t, f.svc.embedded, 2)
}

func TestPreloadKnowledgeWithoutEmbeddings(t *testing.T) {
	f := newFixture(t, func(s *settings.Settings) { s.EnableEmbeddings = false })
	ctx := context.Background()
	require.NoError(t, f.h.PreloadKnowledge(ctx, task(t, storage.TaskPreloadKnowledge, PreloadPayload{Chunks: []string{"plain fact"}})))
	n, err := f.store.CountMemories(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, f.svc.embedded)
}

func TestNewTask(t *testing.T) {
	pt, err := NewTask(storage.TaskTranscribeAudio, PriorityHigh, MediaPayload{Path: "/tmp/a.wav", Language: "da"})
	require.NoError(t, err)
	require.Equal(t, PriorityHigh, pt.Priority)
	require.Greater(t, pt.EstimatedCPU, profiles[storage.TaskGenerateEmbedding].cpu)

	var p MediaPayload
	require.NoError(t, storage.UnmarshalPayload(pt.Payload, &p))
	require.Equal(t, "da", p.Language)

	_, err = NewTask(storage.TaskGenerateEmbedding, PriorityNormal, MediaPayload{Path: "x"})
	require.True(t, errs.IsValidation(err))
	_, err = NewTask(storage.TaskPreloadKnowledge, PriorityNormal, PreloadPayload{})
	require.True(t, errs.IsValidation(err))
	_, err = NewTask("defragment", PriorityNormal, nil)
	require.True(t, errs.IsValidation(err))
}

type registrar map[storage.TaskType]scheduler.Handler

func (r registrar) Register(tt storage.TaskType, h scheduler.Handler) { r[tt] = h }

func TestRegisterAllCoversEveryType(t *testing.T) {
	f := newFixture(t, nil)
	r := registrar{}
	f.h.RegisterAll(r)
	for _, tt := range []storage.TaskType{
		storage.TaskGenerateEmbedding, storage.TaskTranscribeAudio, storage.TaskExtractText,
		storage.TaskSyncMemory, storage.TaskPreloadKnowledge,
	} {
		require.Contains(t, r, tt)
	}
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload(storage.TaskGenerateEmbedding, []byte(`{"memory_id":"m1"}`))
	require.NoError(t, err)
	require.Equal(t, EmbeddingPayload{MemoryID: "m1"}, p)

	p, err = DecodePayload(storage.TaskSyncMemory, nil)
	require.NoError(t, err)
	require.Equal(t, SyncPayload{}, p)

	_, err = DecodePayload(storage.TaskExtractText, []byte(`{"path":`))
	require.True(t, errs.IsValidation(err))
	_, err = DecodePayload("nope", nil)
	require.True(t, errs.IsValidation(err))
}
