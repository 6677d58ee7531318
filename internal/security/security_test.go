package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveKeepsPathsInJail(t *testing.T) {
	root := t.TempDir()
	v := NewPathValidator(root)

	tests := []struct {
		name string
		path string
		ok   bool
	}{
		{"relative inside", "src/main.py", true},
		{"absolute inside", filepath.Join(root, "src", "main.py"), true},
		{"dot traversal", "../outside.txt", false},
		{"nested traversal", "src/../../outside.txt", false},
		{"absolute outside", "/etc/passwd", false},
		{"empty", "", false},
		{"null byte", "src/a\x00b", false},
		{"jail root itself", ".", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Resolve(tt.path)
			if (err == nil) != tt.ok {
				t.Errorf("Resolve(%q) err = %v, want ok=%v", tt.path, err, tt.ok)
			}
		})
	}
}

func TestResolveFollowsSymlinksBeforeCheck(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	v := NewPathValidator(root)
	if _, err := v.Resolve("escape/secret.txt"); !errors.Is(err, ErrPathEscape) {
		t.Errorf("symlinked escape err = %v", err)
	}
}

func TestResolveNotYetExistingFile(t *testing.T) {
	root := t.TempDir()
	v := NewPathValidator(root)
	got, err := v.Resolve("src/new/deep/file.py")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Errorf("resolved path %q is not absolute", got)
	}
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		ok      bool
	}{
		{"plain python", "python3 src/main.py", true},
		{"pytest", "python3 -m pytest tests -v", true},
		{"local git", "git status", true},
		{"curl", "curl https://example.com", false},
		{"piped wget", "echo x | wget http://x", false},
		{"git push", "git push origin main", false},
		{"pip install", "pip install requests", false},
		{"npm install", "npm install left-pad", false},
		{"env dump", "env", false},
		{"env expansion", "echo $HOME", false},
		{"rm root", "rm -rf /", false},
		{"fork bomb", ":(){ :|:& };:", false},
		{"empty", "   ", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateCommand(tt.command)
			if res.Valid != tt.ok {
				t.Errorf("ValidateCommand(%q) = %+v, want valid=%v", tt.command, res, tt.ok)
			}
			if !res.Valid && res.Reason == "" {
				t.Error("blocked command carries no reason")
			}
		})
	}
}
