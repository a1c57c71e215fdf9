package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

type StorageConfig struct {
	BaseDir string `json:"base_dir"`
}

// ProviderConfig 描述 OpenAI 兼容的模型执行服务。
// ProviderConfig describes the OpenAI-compatible model execution service.
type ProviderConfig struct {
	BaseURL             string `json:"base_url"`
	APIKey              string `json:"api_key"`
	EmbeddingModel      string `json:"embedding_model"`
	TranscriptionModel  string `json:"transcription_model"`
	OCRModel            string `json:"ocr_model"`
	TimeoutMS           int    `json:"timeout_ms"`
	MaxRetries          int    `json:"max_retries"`
	EmbeddingTokenLimit int    `json:"embedding_token_limit"`
}

// RemoteConfig 只包含传输层参数；远端地址与密钥属于用户设置（settings.json）。
// RemoteConfig holds transport tuning only; the endpoint and key live in user settings.
type RemoteConfig struct {
	TimeoutMS        int     `json:"timeout_ms"`
	UploadRatePerSec float64 `json:"upload_rate_per_sec"`
	UploadBurst      int     `json:"upload_burst"`
	Compress         bool    `json:"compress"`
}

type SchedulerConfig struct {
	TickMS         int     `json:"tick_ms"`
	MaxWorkers     int     `json:"max_workers"`
	RetentionHours int     `json:"retention_hours"`
	BackoffBaseMS  int     `json:"backoff_base_ms"`
	BackoffMaxMS   int     `json:"backoff_max_ms"`
	GPUTaskPercent float64 `json:"gpu_task_percent"`
}

type SamplerConfig struct {
	IntervalMS int    `json:"interval_ms"`
	StaleMS    int    `json:"stale_ms"`
	DiskPath   string `json:"disk_path"`
}

type SyncConfig struct {
	PassTimeoutMS  int `json:"pass_timeout_ms"`
	StartupDelayMS int `json:"startup_delay_ms"`
}

// MediaConfig lists the directories audio and image paths must resolve into.
type MediaConfig struct {
	Roots []string `json:"roots"`
}

type APIConfig struct {
	Listen string `json:"listen"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file"`
}

type Config struct {
	Storage   StorageConfig   `json:"storage"`
	Provider  ProviderConfig  `json:"provider"`
	Remote    RemoteConfig    `json:"remote"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Sampler   SamplerConfig   `json:"sampler"`
	Sync      SyncConfig      `json:"sync"`
	Media     MediaConfig     `json:"media"`
	API       APIConfig       `json:"api"`
	Logging   LoggingConfig   `json:"logging"`
}

type fileRemoteConfig struct {
	TimeoutMS        *int     `json:"timeout_ms"`
	UploadRatePerSec *float64 `json:"upload_rate_per_sec"`
	UploadBurst      *int     `json:"upload_burst"`
	Compress         *bool    `json:"compress"`
}

type fileAPIConfig struct {
	Listen *string `json:"listen"`
}

type fileConfig struct {
	Storage   *StorageConfig    `json:"storage"`
	Provider  *ProviderConfig   `json:"provider"`
	Remote    *fileRemoteConfig `json:"remote"`
	Scheduler *SchedulerConfig  `json:"scheduler"`
	Sampler   *SamplerConfig    `json:"sampler"`
	Sync      *SyncConfig       `json:"sync"`
	Media     *MediaConfig      `json:"media"`
	API       *fileAPIConfig    `json:"api"`
	Logging   *LoggingConfig    `json:"logging"`
}

func Default() Config {
	return Config{
		Storage: StorageConfig{BaseDir: DefaultBaseDir},
		Provider: ProviderConfig{
			BaseURL:             DefaultProviderBaseURL,
			EmbeddingModel:      DefaultEmbeddingModel,
			TranscriptionModel:  DefaultTranscriptionModel,
			OCRModel:            DefaultOCRModel,
			TimeoutMS:           DefaultProviderTimeoutMS,
			MaxRetries:          DefaultProviderMaxRetries,
			EmbeddingTokenLimit: DefaultEmbeddingTokenLimit,
		},
		Remote: RemoteConfig{
			TimeoutMS:        DefaultRemoteTimeoutMS,
			UploadRatePerSec: DefaultRemoteUploadRatePerSec,
			UploadBurst:      DefaultRemoteUploadBurst,
			Compress:         true,
		},
		Scheduler: SchedulerConfig{
			TickMS:         DefaultSchedulerTickMS,
			MaxWorkers:     DefaultSchedulerMaxWorkers,
			RetentionHours: DefaultSchedulerRetentionHour,
			BackoffBaseMS:  DefaultBackoffBaseMS,
			BackoffMaxMS:   DefaultBackoffMaxMS,
			GPUTaskPercent: DefaultGPUTaskPercent,
		},
		Sampler: SamplerConfig{
			IntervalMS: DefaultSamplerIntervalMS,
			StaleMS:    DefaultSamplerStaleMS,
		},
		Sync: SyncConfig{
			PassTimeoutMS:  DefaultSyncPassTimeoutMS,
			StartupDelayMS: DefaultSyncStartupDelayMS,
		},
		Media:   MediaConfig{Roots: []string{DefaultMediaRoot}},
		API:     APIConfig{Listen: DefaultAPIListen},
		Logging: LoggingConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// Load 依次合并：默认值 → 全局配置 → 项目或显式配置 → 环境变量。
// Load merges defaults, the global file, the project (or explicit) file, then env overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	for _, globalPath := range globalConfigPaths() {
		if err := mergeFromFile(&cfg, globalPath); err != nil {
			return Config{}, err
		}
	}

	resolvedPath := strings.TrimSpace(path)
	if envPath := strings.TrimSpace(os.Getenv("LOCALAGENT_CONFIG_PATH")); envPath != "" {
		resolvedPath = envPath
	}
	if resolvedPath == "" {
		resolvedPath = findProjectConfigPath()
	}
	if err := mergeFromFile(&cfg, resolvedPath); err != nil {
		return Config{}, err
	}

	if err := normalize(&cfg); err != nil {
		return Config{}, err
	}
	return applyEnv(cfg)
}

// Duration converts a millisecond field to a time.Duration.
func Duration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// DBPath is the SQLite database location under the storage base dir.
func (c Config) DBPath() string { return filepath.Join(c.Storage.BaseDir, "localagent.db") }

// SettingsPath is the user settings file location.
func (c Config) SettingsPath() string { return filepath.Join(c.Storage.BaseDir, "settings.json") }

// ModelsDir holds downloaded model files.
func (c Config) ModelsDir() string { return filepath.Join(c.Storage.BaseDir, "models") }

func globalConfigPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(home, ".localagent", "config.json")}
}

func findProjectConfigPath() string {
	candidates := []string{
		"localagent.config.json",
		".localagent/config.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func mergeFromFile(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}

	resolved, err := expandPath(path)
	if err != nil {
		return fmt.Errorf("expand config path %q: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %q: %w", resolved, err)
	}

	cleaned, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("parse config %q: %w", resolved, err)
	}
	var fileCfg fileConfig
	if err := json.Unmarshal(cleaned, &fileCfg); err != nil {
		return fmt.Errorf("parse config %q: %w", resolved, err)
	}
	applyFileConfig(cfg, fileCfg)
	return nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.Storage != nil && strings.TrimSpace(fc.Storage.BaseDir) != "" {
		cfg.Storage.BaseDir = fc.Storage.BaseDir
	}
	if fc.Provider != nil {
		cfg.Provider = mergeProvider(cfg.Provider, *fc.Provider)
	}
	if fc.Remote != nil {
		if fc.Remote.TimeoutMS != nil {
			cfg.Remote.TimeoutMS = *fc.Remote.TimeoutMS
		}
		if fc.Remote.UploadRatePerSec != nil {
			cfg.Remote.UploadRatePerSec = *fc.Remote.UploadRatePerSec
		}
		if fc.Remote.UploadBurst != nil {
			cfg.Remote.UploadBurst = *fc.Remote.UploadBurst
		}
		if fc.Remote.Compress != nil {
			cfg.Remote.Compress = *fc.Remote.Compress
		}
	}
	if fc.Scheduler != nil {
		cfg.Scheduler = mergeScheduler(cfg.Scheduler, *fc.Scheduler)
	}
	if fc.Sampler != nil {
		if fc.Sampler.IntervalMS > 0 {
			cfg.Sampler.IntervalMS = fc.Sampler.IntervalMS
		}
		if fc.Sampler.StaleMS > 0 {
			cfg.Sampler.StaleMS = fc.Sampler.StaleMS
		}
		if strings.TrimSpace(fc.Sampler.DiskPath) != "" {
			cfg.Sampler.DiskPath = fc.Sampler.DiskPath
		}
	}
	if fc.Sync != nil {
		if fc.Sync.PassTimeoutMS > 0 {
			cfg.Sync.PassTimeoutMS = fc.Sync.PassTimeoutMS
		}
		if fc.Sync.StartupDelayMS > 0 {
			cfg.Sync.StartupDelayMS = fc.Sync.StartupDelayMS
		}
	}
	if fc.Media != nil && len(fc.Media.Roots) > 0 {
		cfg.Media.Roots = append([]string(nil), fc.Media.Roots...)
	}
	if fc.API != nil && fc.API.Listen != nil {
		// 空字符串表示关闭 HTTP 接口。
		cfg.API.Listen = strings.TrimSpace(*fc.API.Listen)
	}
	if fc.Logging != nil {
		if strings.TrimSpace(fc.Logging.Level) != "" {
			cfg.Logging.Level = fc.Logging.Level
		}
		if strings.TrimSpace(fc.Logging.Format) != "" {
			cfg.Logging.Format = fc.Logging.Format
		}
		if strings.TrimSpace(fc.Logging.File) != "" {
			cfg.Logging.File = fc.Logging.File
		}
	}
}

func mergeProvider(base ProviderConfig, override ProviderConfig) ProviderConfig {
	if strings.TrimSpace(override.BaseURL) != "" {
		base.BaseURL = override.BaseURL
	}
	if strings.TrimSpace(override.APIKey) != "" {
		base.APIKey = override.APIKey
	}
	if strings.TrimSpace(override.EmbeddingModel) != "" {
		base.EmbeddingModel = override.EmbeddingModel
	}
	if strings.TrimSpace(override.TranscriptionModel) != "" {
		base.TranscriptionModel = override.TranscriptionModel
	}
	if strings.TrimSpace(override.OCRModel) != "" {
		base.OCRModel = override.OCRModel
	}
	if override.TimeoutMS > 0 {
		base.TimeoutMS = override.TimeoutMS
	}
	if override.MaxRetries > 0 {
		base.MaxRetries = override.MaxRetries
	}
	if override.EmbeddingTokenLimit > 0 {
		base.EmbeddingTokenLimit = override.EmbeddingTokenLimit
	}
	return base
}

func mergeScheduler(base SchedulerConfig, override SchedulerConfig) SchedulerConfig {
	if override.TickMS > 0 {
		base.TickMS = override.TickMS
	}
	if override.MaxWorkers > 0 {
		base.MaxWorkers = override.MaxWorkers
	}
	if override.RetentionHours > 0 {
		base.RetentionHours = override.RetentionHours
	}
	if override.BackoffBaseMS > 0 {
		base.BackoffBaseMS = override.BackoffBaseMS
	}
	if override.BackoffMaxMS > 0 {
		base.BackoffMaxMS = override.BackoffMaxMS
	}
	if override.GPUTaskPercent > 0 {
		base.GPUTaskPercent = override.GPUTaskPercent
	}
	return base
}

func normalize(cfg *Config) error {
	def := Default()
	if strings.TrimSpace(cfg.Storage.BaseDir) == "" {
		cfg.Storage.BaseDir = def.Storage.BaseDir
	}
	storageDir, err := expandPath(cfg.Storage.BaseDir)
	if err != nil {
		return err
	}
	cfg.Storage.BaseDir = storageDir

	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = def.Provider.BaseURL
	}
	cfg.Provider.BaseURL = strings.TrimRight(cfg.Provider.BaseURL, "/")
	if cfg.Provider.TimeoutMS <= 0 {
		cfg.Provider.TimeoutMS = def.Provider.TimeoutMS
	}
	if cfg.Provider.MaxRetries < 0 {
		cfg.Provider.MaxRetries = 0
	}
	if cfg.Provider.EmbeddingTokenLimit <= 0 {
		cfg.Provider.EmbeddingTokenLimit = def.Provider.EmbeddingTokenLimit
	}

	if cfg.Remote.TimeoutMS <= 0 {
		cfg.Remote.TimeoutMS = def.Remote.TimeoutMS
	}
	if cfg.Remote.UploadRatePerSec <= 0 {
		cfg.Remote.UploadRatePerSec = def.Remote.UploadRatePerSec
	}
	if cfg.Remote.UploadBurst <= 0 {
		cfg.Remote.UploadBurst = def.Remote.UploadBurst
	}

	if cfg.Scheduler.TickMS <= 0 {
		cfg.Scheduler.TickMS = def.Scheduler.TickMS
	}
	if cfg.Scheduler.MaxWorkers <= 0 {
		cfg.Scheduler.MaxWorkers = def.Scheduler.MaxWorkers
	}
	if cfg.Scheduler.BackoffMaxMS < cfg.Scheduler.BackoffBaseMS {
		cfg.Scheduler.BackoffMaxMS = cfg.Scheduler.BackoffBaseMS
	}

	if cfg.Sampler.IntervalMS <= 0 {
		cfg.Sampler.IntervalMS = def.Sampler.IntervalMS
	}
	if strings.TrimSpace(cfg.Sampler.DiskPath) == "" {
		cfg.Sampler.DiskPath = cfg.Storage.BaseDir
	}

	roots := make([]string, 0, len(cfg.Media.Roots))
	for _, r := range cfg.Media.Roots {
		p, err := expandPath(r)
		if err != nil {
			return err
		}
		if p != "" {
			roots = append(roots, p)
		}
	}
	if len(roots) == 0 {
		p, err := expandPath(DefaultMediaRoot)
		if err != nil {
			return err
		}
		roots = append(roots, p)
	}
	cfg.Media.Roots = roots

	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "json":
		cfg.Logging.Format = "json"
	default:
		cfg.Logging.Format = "console"
	}
	if cfg.Logging.File != "" {
		p, err := expandPath(cfg.Logging.File)
		if err != nil {
			return err
		}
		cfg.Logging.File = p
	}
	return nil
}

func applyEnv(cfg Config) (Config, error) {
	if v := strings.TrimSpace(os.Getenv("LOCALAGENT_HOME")); v != "" {
		cfg.Storage.BaseDir = v
		cfg.Sampler.DiskPath = ""
	}
	if v := strings.TrimSpace(os.Getenv("LOCALAGENT_BASE_URL")); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("LOCALAGENT_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	} else if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("LOCALAGENT_LISTEN")); v != "" {
		cfg.API.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("LOCALAGENT_MEDIA_ROOTS")); v != "" {
		cfg.Media.Roots = filepath.SplitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("LOCALAGENT_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("LOCALAGENT_MAX_WORKERS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid LOCALAGENT_MAX_WORKERS: %q", v)
		}
		cfg.Scheduler.MaxWorkers = n
	}

	return cfg, normalize(&cfg)
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return filepath.Abs(path)
}
