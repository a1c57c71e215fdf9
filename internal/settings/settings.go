// Package settings 维护用户可编辑的运行设置（资源限额、同步、功能开关），持久化到 settings.json。
// Package settings owns the user-editable runtime settings (resource
// limits, sync, feature switches) persisted to settings.json.
package settings

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"localagent/internal/errs"
)

// ResourceLimits 是调度器准入检查使用的预算。
// ResourceLimits is the budget the governor checks admission against.
type ResourceLimits struct {
	MaxCPUPercent        float64 `json:"max_cpu_percent" validate:"gte=1,lte=80"`
	MaxRAMPercent        float64 `json:"max_ram_percent" validate:"gte=1,lte=50"`
	MaxGPUPercent        float64 `json:"max_gpu_percent" validate:"gte=0,lte=80"`
	MaxDiskMB            uint64  `json:"max_disk_mb" validate:"gte=100"`
	IdleOnly             bool    `json:"idle_only"`
	IdleThresholdSeconds uint64  `json:"idle_threshold_seconds" validate:"gte=30"`
	RunOnBattery         bool    `json:"run_on_battery"`
	MinBatteryPercent    float64 `json:"min_battery_percent" validate:"gte=0,lte=100"`
}

type Settings struct {
	ResourceLimits

	Paused              bool `json:"paused"`
	AutoStart           bool `json:"auto_start"`
	SyncIntervalMinutes int  `json:"sync_interval_minutes" validate:"gte=5"`
	SyncOnStartup       bool `json:"sync_on_startup"`
	OfflineMode         bool `json:"offline_mode"`

	EnableTranscription bool `json:"enable_transcription"`
	EnableOCR           bool `json:"enable_ocr"`
	EnableEmbeddings    bool `json:"enable_embeddings"`
	DownloadTier2Models bool `json:"download_tier2_models"`
	DownloadTier3Models bool `json:"download_tier3_models"`

	RemoteEndpoint string `json:"remote_endpoint" validate:"required,http_endpoint"`
	APIKey         string `json:"api_key,omitempty"`
	Locale         string `json:"locale,omitempty" validate:"omitempty,oneof=en da"`
}

const DefaultRemoteEndpoint = "https://ckc.cirkelline.com"

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxCPUPercent:        30,
		MaxRAMPercent:        20,
		MaxGPUPercent:        30,
		MaxDiskMB:            2000,
		IdleOnly:             true,
		IdleThresholdSeconds: 120,
		RunOnBattery:         false,
		MinBatteryPercent:    20,
	}
}

func Default() Settings {
	return Settings{
		ResourceLimits:      DefaultLimits(),
		SyncIntervalMinutes: 15,
		SyncOnStartup:       true,
		EnableTranscription: true,
		EnableOCR:           true,
		EnableEmbeddings:    true,
		RemoteEndpoint:      DefaultRemoteEndpoint,
	}
}

// Patch 描述一次部分更新；nil 字段保持不变。
// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	MaxCPUPercent        *float64 `json:"max_cpu_percent,omitempty"`
	MaxRAMPercent        *float64 `json:"max_ram_percent,omitempty"`
	MaxGPUPercent        *float64 `json:"max_gpu_percent,omitempty"`
	MaxDiskMB            *uint64  `json:"max_disk_mb,omitempty"`
	IdleOnly             *bool    `json:"idle_only,omitempty"`
	IdleThresholdSeconds *uint64  `json:"idle_threshold_seconds,omitempty"`
	RunOnBattery         *bool    `json:"run_on_battery,omitempty"`
	MinBatteryPercent    *float64 `json:"min_battery_percent,omitempty"`

	Paused              *bool `json:"paused,omitempty"`
	AutoStart           *bool `json:"auto_start,omitempty"`
	SyncIntervalMinutes *int  `json:"sync_interval_minutes,omitempty"`
	SyncOnStartup       *bool `json:"sync_on_startup,omitempty"`
	OfflineMode         *bool `json:"offline_mode,omitempty"`

	EnableTranscription *bool `json:"enable_transcription,omitempty"`
	EnableOCR           *bool `json:"enable_ocr,omitempty"`
	EnableEmbeddings    *bool `json:"enable_embeddings,omitempty"`
	DownloadTier2Models *bool `json:"download_tier2_models,omitempty"`
	DownloadTier3Models *bool `json:"download_tier3_models,omitempty"`

	RemoteEndpoint *string `json:"remote_endpoint,omitempty"`
	APIKey         *string `json:"api_key,omitempty"`
	Locale         *string `json:"locale,omitempty"`
}

// Apply returns s with every non-nil field of p applied.
func (p Patch) Apply(s Settings) Settings {
	setF := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	setB := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setU := func(dst *uint64, v *uint64) {
		if v != nil {
			*dst = *v
		}
	}
	setF(&s.MaxCPUPercent, p.MaxCPUPercent)
	setF(&s.MaxRAMPercent, p.MaxRAMPercent)
	setF(&s.MaxGPUPercent, p.MaxGPUPercent)
	setU(&s.MaxDiskMB, p.MaxDiskMB)
	setB(&s.IdleOnly, p.IdleOnly)
	setU(&s.IdleThresholdSeconds, p.IdleThresholdSeconds)
	setB(&s.RunOnBattery, p.RunOnBattery)
	setF(&s.MinBatteryPercent, p.MinBatteryPercent)
	setB(&s.Paused, p.Paused)
	setB(&s.AutoStart, p.AutoStart)
	if p.SyncIntervalMinutes != nil {
		s.SyncIntervalMinutes = *p.SyncIntervalMinutes
	}
	setB(&s.SyncOnStartup, p.SyncOnStartup)
	setB(&s.OfflineMode, p.OfflineMode)
	setB(&s.EnableTranscription, p.EnableTranscription)
	setB(&s.EnableOCR, p.EnableOCR)
	setB(&s.EnableEmbeddings, p.EnableEmbeddings)
	setB(&s.DownloadTier2Models, p.DownloadTier2Models)
	setB(&s.DownloadTier3Models, p.DownloadTier3Models)
	if p.RemoteEndpoint != nil {
		s.RemoteEndpoint = strings.TrimSpace(*p.RemoteEndpoint)
	}
	if p.APIKey != nil {
		s.APIKey = strings.TrimSpace(*p.APIKey)
	}
	if p.Locale != nil {
		s.Locale = strings.TrimSpace(*p.Locale)
	}
	return s
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("http_endpoint", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
	})
	return v
}

// Validate checks s and returns the first violation as an errs.ValidationError.
func Validate(s Settings) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return errs.Invalid("settings", "%v", err)
	}
	fe := verrs[0]
	return &errs.ValidationError{Field: fe.Field(), Message: describe(fe)}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "required":
		return "is required"
	case "http_endpoint":
		return "must start with http:// or https://"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}
