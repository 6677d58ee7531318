package workspace

import (
	"os"
	"path/filepath"
	"strings"
)

// inspectNodeCap bounds the walk so a pathological workspace cannot hang the
// request.
const inspectNodeCap = 8000

// topFileLimit caps the sample of paths returned to the caller.
const topFileLimit = 20

// Summary describes the current workspace contents.
type Summary struct {
	Exists        bool     `json:"exists"`
	IsEmpty       bool     `json:"is_empty"`
	FileCount     int      `json:"file_count"`
	SrcFileCount  int      `json:"src_file_count"`
	TestFileCount int      `json:"test_file_count"`
	HasGit        bool     `json:"has_git"`
	TopFiles      []string `json:"top_files"`
}

// Inspect walks the workspace and summarizes it. The walk visits at most
// 8000 nodes and skips .git, node_modules, and all .elisa metadata.
func (m *Manager) Inspect() Summary {
	var s Summary

	info, err := os.Stat(m.root)
	if err != nil || !info.IsDir() {
		return s
	}
	s.Exists = true

	if _, err := os.Stat(filepath.Join(m.root, ".git")); err == nil {
		s.HasGit = true
	}

	visited := 0
	filepath.WalkDir(m.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		visited++
		if visited > inspectNodeCap {
			return filepath.SkipAll
		}
		name := d.Name()
		if d.IsDir() {
			if path == m.root {
				return nil
			}
			if name == ".git" || name == "node_modules" || strings.HasPrefix(name, ".elisa") {
				return filepath.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(m.root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		s.FileCount++
		if strings.HasPrefix(rel, "src/") {
			s.SrcFileCount++
		}
		if strings.HasPrefix(rel, "tests/") {
			s.TestFileCount++
		}
		if len(s.TopFiles) < topFileLimit {
			s.TopFiles = append(s.TopFiles, rel)
		}
		return nil
	})

	s.IsEmpty = s.FileCount == 0
	return s
}
