package config

const (
	DefaultBaseDir = "~/.localagent"

	DefaultProviderBaseURL        = "https://api.openai.com/v1"
	DefaultEmbeddingModel         = "text-embedding-3-small"
	DefaultTranscriptionModel     = "whisper-1"
	DefaultOCRModel               = "gpt-4o-mini"
	DefaultProviderTimeoutMS      = 120000
	DefaultProviderMaxRetries     = 2
	DefaultEmbeddingTokenLimit    = 8191
	DefaultRemoteTimeoutMS        = 30000
	DefaultRemoteUploadRatePerSec = 20.0
	DefaultRemoteUploadBurst      = 5

	DefaultSchedulerTickMS        = 2000
	DefaultSchedulerMaxWorkers    = 2
	DefaultSchedulerRetentionHour = 72
	DefaultBackoffBaseMS          = 5000
	DefaultBackoffMaxMS           = 300000
	DefaultGPUTaskPercent         = 10.0

	DefaultSamplerIntervalMS = 5000
	DefaultSamplerStaleMS    = 30000

	DefaultSyncPassTimeoutMS  = 300000
	DefaultSyncStartupDelayMS = 10000

	DefaultMediaRoot = "~"
	DefaultAPIListen = "127.0.0.1:7878"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)
