package corpus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// DefaultIgnorePatterns are skipped by CollectFiles in addition to ignore files.
var DefaultIgnorePatterns = []string{
	".git/**",
	".vecrag/**",
	"node_modules/**",
	"vendor/**",
	"__pycache__/**",
	"*.tmp",
	"*~",
	".#*",
}

// IgnoreFiles are read from the walk root and merged into the patterns.
var IgnoreFiles = []string{".gitignore", ".vecragignore"}

// NewIgnoreMatcher builds a gitignore-style matcher from patterns and the
// ignore files found in root.
func NewIgnoreMatcher(root string, patterns []string) *gitignore.GitIgnore {
	lines := make([]string, 0, len(patterns))
	lines = append(lines, patterns...)

	for _, name := range IgnoreFiles {
		content, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				lines = append(lines, line)
			}
		}
	}
	return gitignore.CompileIgnoreLines(lines...)
}

// CollectFiles expands paths into the supported files beneath them.
// Directories are walked recursively; files named explicitly are kept if
// their format is supported. Results are absolute paths in walk order.
func CollectFiles(ctx context.Context, paths []string, patterns []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)

	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("abs path %s: %w", path, err)
		}

		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if !info.IsDir() {
			if IsSupported(abs) {
				add(abs)
			}
			continue
		}

		ignore := NewIgnoreMatcher(abs, patterns)
		err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			rel, err := filepath.Rel(abs, p)
			if err != nil || rel == "." {
				return nil
			}
			rel = filepath.ToSlash(rel)

			if ignore.MatchesPath(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			if IsSupported(p) {
				add(p)
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("walk %s: %w", path, err)
		}
	}
	return files, nil
}
