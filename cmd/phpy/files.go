package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// collectFiles expands include entries below root into the sorted list of
// source files to index. Files named explicitly are kept even when their
// extension or an exclude pattern would reject them.
func collectFiles(root string, include, exclude, extensions []string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	add := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}

	for _, entry := range include {
		path := entry
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		path = filepath.Clean(path)

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("include %s: %w", entry, err)
		}
		if !info.IsDir() {
			add(path)
			continue
		}

		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrPermission) {
					return nil
				}
				return err
			}
			if p != path && excluded(relTo(root, p), exclude) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !hasExtension(p, extensions) {
				return nil
			}
			add(p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", entry, err)
		}
	}

	slices.Sort(files)
	return files, nil
}

func relTo(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// excluded matches rel (slash separated) against the patterns. A pattern
// without a slash matches any single path segment; one with a slash matches
// a leading path. Both forms accept filepath.Match globs.
func excluded(rel string, patterns []string) bool {
	segments := strings.Split(rel, "/")
	for _, raw := range patterns {
		pattern := strings.Trim(filepath.ToSlash(raw), "/")
		if pattern == "" {
			continue
		}
		if !strings.Contains(pattern, "/") {
			for _, seg := range segments {
				if matchGlob(pattern, seg) {
					return true
				}
			}
			continue
		}
		depth := strings.Count(pattern, "/") + 1
		if depth <= len(segments) && matchGlob(pattern, strings.Join(segments[:depth], "/")) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, name string) bool {
	if pattern == name {
		return true
	}
	ok, err := filepath.Match(pattern, name)
	return err == nil && ok
}

func hasExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := filepath.Ext(path)
	return slices.ContainsFunc(extensions, func(e string) bool { return strings.EqualFold(e, ext) })
}
