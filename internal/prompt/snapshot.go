package prompt

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// snapshotFileCap bounds the manifest so huge workspaces do not blow up the
// prompt.
const snapshotFileCap = 200

// digestSignatureCap bounds signatures per file in the digest.
const digestSignatureCap = 40

// Snapshot walks the workspace's src and tests directories and returns the
// manifest plus the structural digest of source files.
func Snapshot(workDir string) (files []string, digest string) {
	var sources []string
	for _, sub := range []string{"src", "tests"} {
		root := filepath.Join(workDir, sub)
		filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if len(files) >= snapshotFileCap {
				return filepath.SkipAll
			}
			rel, relErr := filepath.Rel(workDir, path)
			if relErr != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)
			files = append(files, rel)
			if sub == "src" && isSourceFile(rel) {
				sources = append(sources, path)
			}
			return nil
		})
	}

	if len(sources) == 0 {
		return files, ""
	}

	var b strings.Builder
	for _, path := range sources {
		sigs := extractSignatures(path)
		if len(sigs) == 0 {
			continue
		}
		rel, err := filepath.Rel(workDir, path)
		if err != nil {
			rel = path
		}
		fmt.Fprintf(&b, "%s:\n", filepath.ToSlash(rel))
		for _, sig := range sigs {
			fmt.Fprintf(&b, "  %s\n", sig)
		}
	}
	return files, b.String()
}

func isSourceFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py", ".js", ".ts", ".jsx", ".tsx", ".go", ".c", ".cpp", ".h", ".ino", ".rs", ".java":
		return true
	}
	return false
}

// signaturePrefixes mark lines worth surfacing in the digest.
var signaturePrefixes = []string{
	"def ", "async def ", "class ",
	"function ", "export function ", "async function ", "export default function ",
	"func ", "fn ", "pub fn ",
	"void ", "int ", "float ", "bool ",
}

// extractSignatures pulls function and class declaration lines out of one
// source file.
func extractSignatures(path string) []string {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	var sigs []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 256*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		for _, prefix := range signaturePrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				sig := strings.TrimSuffix(strings.TrimSuffix(trimmed, "{"), ":")
				sigs = append(sigs, strings.TrimSpace(sig))
				break
			}
		}
		if len(sigs) >= digestSignatureCap {
			break
		}
	}
	return sigs
}
