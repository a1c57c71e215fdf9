// Package controltest builds a fully wired control.Surface over a temp
// directory with an in-memory remote and a scripted model service.
package controltest

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"localagent/internal/clock"
	"localagent/internal/control"
	"localagent/internal/errs"
	"localagent/internal/events"
	"localagent/internal/governor"
	"localagent/internal/inference"
	"localagent/internal/metrics"
	"localagent/internal/remote"
	"localagent/internal/scheduler"
	"localagent/internal/search"
	"localagent/internal/security"
	"localagent/internal/settings"
	"localagent/internal/storage"
	"localagent/internal/syncer"
)

var Start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type Harness struct {
	Surface   *control.Surface
	Store     *storage.SQLiteStore
	Settings  *settings.Manager
	Sampler   *metrics.Sampler
	Source    *Source
	Remote    *Remote
	Service   *Service
	Scheduler *scheduler.Scheduler
	Sync      *syncer.Engine
	Catalog   *inference.Catalog
	Bus       *events.Bus
	Clock     *clock.Fake
	// MediaDir is the only allowed media root.
	MediaDir string
	Dir      string
}

// New wires every component against t.TempDir(). The sampler has taken
// one sample of a quiet host (CPU 10%, RAM 5%).
func New(t testing.TB) *Harness {
	t.Helper()
	dir := t.TempDir()
	clk := clock.NewFake(Start)
	bus := events.NewBus()

	store, err := storage.NewSQLiteStore(filepath.Join(dir, "localagent.db"), storage.WithClock(clk))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mgr, err := settings.Open(filepath.Join(dir, "settings.json"), nil, bus)
	if err != nil {
		t.Fatal(err)
	}

	src := &Source{r: metrics.Reading{CPUUsagePercent: 10, CPUCount: 8, RAMUsagePercent: 5, RAMTotalMB: 16384, RAMUsedMB: 819}}
	sampler := metrics.NewSampler(src, metrics.Options{
		Clock:         clk,
		Bus:           bus,
		IdleThreshold: func() uint64 { return mgr.Limits().IdleThresholdSeconds },
	})
	sampler.SampleOnce(context.Background())

	gov := governor.New(sampler, mgr, 0)
	rem := &Remote{}
	engine := syncer.New(store, rem, mgr, syncer.Options{Clock: clk, Bus: bus})
	sched := scheduler.New(store, gov, scheduler.Options{Clock: clk, Bus: bus})

	catalog, err := inference.NewCatalog(filepath.Join(dir, "models"), nil, nil, bus)
	if err != nil {
		t.Fatal(err)
	}
	media := filepath.Join(dir, "media")
	roots, err := security.NewMediaRoots(media)
	if err != nil {
		t.Fatal(err)
	}
	svc := &Service{}

	surface := control.New(control.Deps{
		Settings:  mgr,
		Sampler:   sampler,
		Governor:  gov,
		Store:     store,
		Sync:      engine,
		Scheduler: sched,
		Index:     search.NewBruteForce(store),
		Service:   svc,
		Catalog:   catalog,
		Roots:     roots,
	})
	return &Harness{
		Surface:   surface,
		Store:     store,
		Settings:  mgr,
		Sampler:   sampler,
		Source:    src,
		Remote:    rem,
		Service:   svc,
		Scheduler: sched,
		Sync:      engine,
		Catalog:   catalog,
		Bus:       bus,
		Clock:     clk,
		MediaDir:  media,
		Dir:       dir,
	}
}

// SetReading replaces the host reading and samples it.
func (h *Harness) SetReading(r metrics.Reading) metrics.Snapshot {
	h.Source.Set(r)
	return h.Sampler.SampleOnce(context.Background())
}

// Source is a settable metrics.Source.
type Source struct {
	mu  sync.Mutex
	r   metrics.Reading
	err error
}

func (s *Source) Set(r metrics.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.r, s.err = r, nil
}

func (s *Source) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Source) Probe(context.Context) (metrics.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r, s.err
}

// Remote is an in-memory cloud store.
type Remote struct {
	mu      sync.Mutex
	Down    bool
	Uploads []remote.Entity
	Log     []remote.Entity
}

func (r *Remote) Ping(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Down {
		return &errs.NetworkError{Op: "ping", Err: errors.New("unreachable")}
	}
	return nil
}

func (r *Remote) Upload(_ context.Context, e remote.Entity) (remote.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Uploads = append(r.Uploads, e)
	return remote.Ack{CloudID: "cloud-" + e.LocalID(), Rev: "r" + strconv.Itoa(len(r.Uploads))}, nil
}

func (r *Remote) Changes(_ context.Context, cursor string) (remote.ChangeSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	from, _ := strconv.Atoi(cursor)
	var out []remote.Entity
	if from < len(r.Log) {
		out = append(out, r.Log[from:]...)
	}
	return remote.ChangeSet{Changes: out, Cursor: strconv.Itoa(len(r.Log))}, nil
}

// PushMemory appends a remote edit to the change log.
func (r *Remote) PushMemory(m storage.LocalMemory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Log = append(r.Log, remote.Entity{Type: storage.EntityMemory, Memory: &m})
}

func (r *Remote) SetDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Down = down
}

func (r *Remote) UploadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Uploads)
}

// Service answers embeddings from Vectors (falling back to [1 0 0]) and
// returns fixed transcription and OCR text.
type Service struct {
	mu         sync.Mutex
	Vectors    map[string][]float32
	Transcript string
	OCR        string
	Err        error
	Calls      int
}

func (s *Service) Embed(_ context.Context, text string) (inference.EmbeddingResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if s.Err != nil {
		return inference.EmbeddingResult{}, s.Err
	}
	v, ok := s.Vectors[text]
	if !ok {
		v = []float32{1, 0, 0}
	}
	return inference.EmbeddingResult{Embedding: v, ModelUsed: "fake-embed"}, nil
}

func (s *Service) Transcribe(_ context.Context, path, language string) (inference.TranscriptionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	return inference.TranscriptionResult{Text: s.Transcript, Language: language}, s.Err
}

func (s *Service) ExtractText(_ context.Context, path string) (inference.TextExtractionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	return inference.TextExtractionResult{Text: s.OCR}, s.Err
}
