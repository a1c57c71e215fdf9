// Package i18n 提供界面文案的英文与丹麦文目录。
// Package i18n holds the English and Danish UI message catalogs.
package i18n

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

// DefaultLocale backs every other catalog; a key missing from a
// translation falls through to it.
const DefaultLocale = "en"

var catalogs = map[string]map[string]string{
	"en": EnMessages,
	"da": DaMessages,
}

// I18n 是某个 locale 的只读翻译器，可在 goroutine 间共享
// I18n translates for one locale. It is read-only and safe to share.
type I18n struct {
	locale  string
	primary map[string]string
}

var global atomic.Pointer[I18n]

// Global 返回全局 i18n 实例
// Global returns the process-wide translator, detecting the locale from
// the environment on first use.
func Global() *I18n {
	if g := global.Load(); g != nil {
		return g
	}
	global.CompareAndSwap(nil, New(""))
	return global.Load()
}

// Init replaces the process-wide translator.
func Init(locale string) {
	global.Store(New(locale))
}

// T 全局翻译快捷函数
// T is a global translation shortcut
func T(key string, args ...any) string {
	return Global().T(key, args...)
}

// New 创建 i18n 实例；空 locale 从环境变量检测，不支持的 locale 退回英文
// New returns a translator for locale. An empty locale is detected from
// the environment; unsupported locales fall back to English.
func New(locale string) *I18n {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		locale = DetectLocale()
	}
	matched, ok := Match(locale)
	if !ok {
		matched = DefaultLocale
	}
	return &I18n{locale: matched, primary: catalogs[matched]}
}

// T 翻译函数 / Translation function
func (i *I18n) T(key string, args ...any) string {
	tmpl, ok := i.lookup(key)
	if !ok {
		return key
	}
	if len(args) == 0 {
		return tmpl
	}
	return fmt.Sprintf(tmpl, args...)
}

// Has reports whether key exists in the catalog.
func (i *I18n) Has(key string) bool {
	_, ok := i.lookup(key)
	return ok
}

func (i *I18n) lookup(key string) (string, bool) {
	if v, ok := i.primary[key]; ok {
		return v, true
	}
	v, ok := catalogs[DefaultLocale][key]
	return v, ok
}

// Locale 返回当前 locale
// Locale returns current locale
func (i *I18n) Locale() string {
	return i.locale
}

// Supported lists the locales with a catalog, sorted.
func Supported() []string {
	out := make([]string, 0, len(catalogs))
	for l := range catalogs {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Match maps a POSIX or BCP 47 style tag such as "da_DK.UTF-8" to a
// supported locale.
func Match(tag string) (string, bool) {
	norm := normalizeLocale(tag)
	lang, _, _ := strings.Cut(strings.ToLower(norm), "-")
	if _, ok := catalogs[lang]; ok {
		return lang, true
	}
	return norm, false
}

// DetectLocale 自动检测 locale
// DetectLocale reads the first set variable among LOCALAGENT_LANG, LANG,
// LC_ALL and LC_MESSAGES. "C" and "POSIX" count as unset.
func DetectLocale() string {
	for _, env := range []string{"LOCALAGENT_LANG", "LANG", "LC_ALL", "LC_MESSAGES"} {
		v := strings.TrimSpace(os.Getenv(env))
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		if l, ok := Match(v); ok {
			return l
		}
		return normalizeLocale(v)
	}
	return DefaultLocale
}

func normalizeLocale(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultLocale
	}
	// 去掉 .UTF-8 与 @modifier 后缀 / Drop the .UTF-8 and @modifier parts
	if idx := strings.IndexAny(s, ".@"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.ReplaceAll(s, "_", "-")
	if l, _, _ := strings.Cut(strings.ToLower(s), "-"); l == "da" || l == "en" {
		return l
	}
	return s
}
