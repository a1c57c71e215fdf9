// Package security 校验来自命令面的输入：文本、记忆内容、会话上下文与媒体文件路径。
// Package security validates input arriving through the command surface.
package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"localagent/internal/errs"
)

const (
	MaxTextBytes    = 100_000
	MaxPathBytes    = 4096
	MinMemoryBytes  = 3
	MaxContextDepth = 10
)

var (
	AudioExtensions    = []string{"wav", "mp3", "ogg", "flac", "m4a"}
	ImageExtensions    = []string{"png", "jpg", "jpeg", "gif", "webp", "bmp"}
	DocumentExtensions = []string{"txt", "md", "json", "yaml", "yml", "pdf", "doc", "docx", "xls", "xlsx"}
)

// ValidateText 拒绝空文本、超长文本和含 NUL 的文本。
// ValidateText rejects empty text, text over MaxTextBytes and text containing NUL.
func ValidateText(field, text string) error {
	if text == "" {
		return errs.Invalid(field, "cannot be empty")
	}
	if len(text) > MaxTextBytes {
		return errs.Invalid(field, "too long: %d bytes (max %d)", len(text), MaxTextBytes)
	}
	if strings.ContainsRune(text, 0) {
		return errs.Invalid(field, "contains invalid characters")
	}
	return nil
}

func ValidateMemoryContent(content string) error {
	if err := ValidateText("content", content); err != nil {
		return err
	}
	if len(content) < MinMemoryBytes {
		return errs.Invalid("content", "too short: %d bytes (min %d)", len(content), MinMemoryBytes)
	}
	return nil
}

// ValidateSessionContext checks that raw is a JSON object nested no deeper
// than MaxContextDepth. An empty context is accepted.
func ValidateSessionContext(raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	first := true
	open := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errs.Invalid("context", "malformed JSON: %v", err)
		}
		if d, ok := tok.(json.Delim); ok && (d == '}' || d == ']') {
			open--
			continue
		}
		if !first && open == 0 {
			return errs.Invalid("context", "trailing data after JSON object")
		}
		if first {
			if d, ok := tok.(json.Delim); !ok || d != '{' {
				return errs.Invalid("context", "must be a JSON object")
			}
			first = false
		}
		if open > MaxContextDepth {
			return errs.Invalid("context", "nested deeper than %d levels", MaxContextDepth)
		}
		if _, ok := tok.(json.Delim); ok {
			open++
		}
	}
	return nil
}

// ValidatePath 检查媒体路径：长度、NUL、父目录跳转、扩展名白名单，以及是否落在允许的根目录内。
// ValidatePath checks a media path and returns its resolved absolute form.
// roots may be nil, in which case containment is not checked.
func ValidatePath(path string, roots *MediaRoots, allowed []string) (string, error) {
	if path == "" {
		return "", errs.Invalid("path", "cannot be empty")
	}
	if len(path) > MaxPathBytes {
		return "", errs.Invalid("path", "too long: %d bytes (max %d)", len(path), MaxPathBytes)
	}
	if strings.ContainsRune(path, 0) {
		return "", errs.Invalid("path", "contains invalid characters")
	}
	for _, part := range strings.FieldsFunc(path, isSeparator) {
		if part == ".." {
			return "", errs.Invalid("path", "path traversal detected")
		}
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if !containsFold(allowed, ext) {
		return "", errs.Invalid("path", "file extension %q not allowed (want one of %s)", ext, strings.Join(allowed, ", "))
	}
	if roots == nil {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("abs path: %w", err)
		}
		return abs, nil
	}
	resolved, err := roots.Resolve(path)
	if errors.Is(err, ErrPathOutsideRoots) {
		return "", errs.Invalid("path", "outside allowed media roots")
	}
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// SanitizeText drops control characters other than newline, tab and
// carriage return, and caps the result at MaxTextBytes runes. Invalid
// UTF-8 is replaced.
func SanitizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	n := 0
	for _, r := range strings.ToValidUTF8(text, string(utf8.RuneError)) {
		if n >= MaxTextBytes {
			break
		}
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
