package inference

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"localagent/internal/errs"
	"localagent/internal/events"
	"localagent/internal/settings"
)

//go:embed models.yaml
var builtinModels []byte

// ModelInfo describes one installable model.
type ModelInfo struct {
	ID               string   `yaml:"id" json:"id"`
	Name             string   `yaml:"name" json:"name"`
	SizeMB           uint64   `yaml:"size_mb" json:"size_mb"`
	Tier             int      `yaml:"tier" json:"tier"`
	Capabilities     []string `yaml:"capabilities" json:"capabilities"`
	Version          string   `yaml:"version" json:"version"`
	URL              string   `yaml:"url,omitempty" json:"url,omitempty"`
	Downloaded       bool     `yaml:"-" json:"downloaded"`
	DownloadProgress *float64 `yaml:"-" json:"download_progress,omitempty"`
}

// DownloadProgress is published while a model downloads.
type DownloadProgress struct {
	ModelID      string  `json:"model_id"`
	Progress     float64 `json:"progress"`
	DownloadedMB uint64  `json:"downloaded_mb"`
	TotalMB      uint64  `json:"total_mb"`
}

// Catalog 模型目录：内置清单 + 本地模型目录中的安装状态
// Catalog is the built-in model list plus install state in the models dir.
type Catalog struct {
	dir    string
	models []ModelInfo
	http   *http.Client
	log    *zap.Logger
	bus    *events.Bus

	mu       sync.Mutex
	progress map[string]float64
}

// NewCatalog loads the embedded model list. A nil client uses
// http.DefaultClient.
func NewCatalog(dir string, client *http.Client, logger *zap.Logger, bus *events.Bus) (*Catalog, error) {
	var models []ModelInfo
	if err := yaml.Unmarshal(builtinModels, &models); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		dir:      dir,
		models:   models,
		http:     client,
		log:      logger,
		bus:      bus,
		progress: make(map[string]float64),
	}, nil
}

func (c *Catalog) Dir() string { return c.dir }

// Status lists every model with its install state.
func (c *Catalog) Status() []ModelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ModelInfo, len(c.models))
	for i, m := range c.models {
		m.Capabilities = append([]string(nil), m.Capabilities...)
		m.Downloaded = c.installed(m.ID)
		if p, ok := c.progress[m.ID]; ok {
			p := p
			m.DownloadProgress = &p
		}
		out[i] = m
	}
	return out
}

func (c *Catalog) lookup(id string) (ModelInfo, bool) {
	for _, m := range c.models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelInfo{}, false
}

func (c *Catalog) modelPath(id string) string {
	return filepath.Join(c.dir, id+".onnx")
}

// installed accepts either <id>.onnx or a directory named <id>.
func (c *Catalog) installed(id string) bool {
	if _, err := os.Stat(c.modelPath(id)); err == nil {
		return true
	}
	info, err := os.Stat(filepath.Join(c.dir, id))
	return err == nil && info.IsDir()
}

// Download fetches a model into the models dir. The file appears only
// once complete. Tier switches and the disk budget in s are enforced.
func (c *Catalog) Download(ctx context.Context, id string, s settings.Settings) error {
	m, ok := c.lookup(id)
	if !ok {
		return errs.NotFound("model", id)
	}
	switch {
	case m.Tier == 2 && !s.DownloadTier2Models:
		return errs.Invalid("model_id", "tier 2 downloads are disabled")
	case m.Tier >= 3 && !s.DownloadTier3Models:
		return errs.Invalid("model_id", "tier 3 downloads are disabled")
	case m.URL == "":
		return errs.Invalid("model_id", "model %s has no download source", id)
	}
	if c.installed(id) {
		return nil
	}
	used, err := dirSizeMB(c.dir)
	if err != nil {
		return fmt.Errorf("measure models dir: %w", err)
	}
	if s.MaxDiskMB > 0 && used+m.SizeMB > s.MaxDiskMB {
		return &errs.ResourceDeniedError{Reason: fmt.Sprintf("disk budget exceeded (%d MB used + %d MB > %d MB)", used, m.SizeMB, s.MaxDiskMB)}
	}

	c.mu.Lock()
	if _, busy := c.progress[id]; busy {
		c.mu.Unlock()
		return fmt.Errorf("model %s is already downloading", id)
	}
	c.progress[id] = 0
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.progress, id)
		c.mu.Unlock()
	}()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create models dir: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &errs.NetworkError{Op: "download " + id, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &errs.NetworkError{Op: "download " + id, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	total := resp.ContentLength
	if total <= 0 {
		total = int64(m.SizeMB) << 20
	}
	pr := &progressReader{r: resp.Body, total: total, report: func(done int64) {
		p := float64(done) / float64(total) * 100
		if p > 100 {
			p = 100
		}
		c.mu.Lock()
		c.progress[id] = p
		c.mu.Unlock()
		c.bus.Publish(events.KindModel, DownloadProgress{
			ModelID:      id,
			Progress:     p,
			DownloadedMB: uint64(done >> 20),
			TotalMB:      uint64(total >> 20),
		})
	}}
	if err := atomic.WriteFile(c.modelPath(id), pr); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("write model %s: %w", id, err)
	}
	c.log.Info("model downloaded", zap.String("model", id), zap.Int64("bytes", pr.done))
	return nil
}

type progressReader struct {
	r      io.Reader
	total  int64
	done   int64
	last   int64
	report func(done int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.done += int64(n)
	// Report roughly every 1% or at EOF.
	if p.done-p.last >= p.total/100 || errors.Is(err, io.EOF) {
		p.last = p.done
		p.report(p.done)
	}
	return n, err
}

func dirSizeMB(dir string) (uint64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return uint64(total >> 20), err
}
