package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrPathOutsideRoots = errors.New("path outside allowed media roots")

// MediaRoots 限定音频与图片文件只能来自用户允许的目录。
// MediaRoots confines audio and image inputs to the directories the user allowed.
type MediaRoots struct {
	roots []string
}

func NewMediaRoots(roots ...string) (*MediaRoots, error) {
	m := &MediaRoots{}
	for _, root := range roots {
		if strings.TrimSpace(root) == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("abs media root: %w", err)
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			// Roots that do not exist yet are kept as given.
			resolved = abs
		}
		m.roots = append(m.roots, resolved)
	}
	if len(m.roots) == 0 {
		return nil, errors.New("no media roots configured")
	}
	return m, nil
}

func (m *MediaRoots) Roots() []string {
	return append([]string(nil), m.roots...)
}

// Resolve returns the symlink-resolved absolute form of path when it lies
// inside one of the roots. Relative paths are taken against the first root.
func (m *MediaRoots) Resolve(path string) (string, error) {
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(m.roots[0], target)
	}

	resolved, err := resolveWithParentSymlink(filepath.Clean(target))
	if err != nil {
		return "", err
	}

	for _, root := range m.roots {
		rel, err := filepath.Rel(root, resolved)
		if err != nil {
			continue
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			continue
		}
		return resolved, nil
	}
	return "", ErrPathOutsideRoots
}

func resolveWithParentSymlink(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("resolve symlink: %w", err)
	}

	parent := filepath.Dir(path)
	base := filepath.Base(path)
	parentResolved, perr := filepath.EvalSymlinks(parent)
	if perr != nil {
		if errors.Is(perr, os.ErrNotExist) {
			parentResolved = parent
		} else {
			return "", fmt.Errorf("resolve parent symlink: %w", perr)
		}
	}
	return filepath.Join(parentResolved, base), nil
}
