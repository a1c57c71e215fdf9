package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// InitProjectConfigScaffold 在 dir 下写入默认配置模板（dir/.localagent/config.json），已存在则不覆盖。
// InitProjectConfigScaffold writes the default config to dir/.localagent/config.json unless it already exists.
func InitProjectConfigScaffold(dir string) (string, error) {
	target := filepath.Join(dir, ".localagent")
	path := filepath.Join(target, "config.json")

	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return "", fmt.Errorf("project config path is a directory: %s", path)
		}
		return path, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat project config: %w", err)
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("mkdir .localagent: %w", err)
	}

	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("write project config: %w", err)
	}
	return path, nil
}
