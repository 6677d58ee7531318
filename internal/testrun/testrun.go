// Package testrun executes the project's test suite and normalizes the raw
// runner output into per-test results plus aggregate counters.
package testrun

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"elisa/internal/logging"
)

// DefaultTimeout bounds one full suite run.
const DefaultTimeout = 120 * time.Second

// Result is one normalized test outcome.
type Result struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details,omitempty"`
}

// Report aggregates a whole run.
type Report struct {
	Tests       []Result `json:"tests"`
	Passed      int      `json:"passed"`
	Failed      int      `json:"failed"`
	Total       int      `json:"total"`
	CoveragePct float64  `json:"coverage_pct,omitempty"`
	HasCoverage bool     `json:"has_coverage,omitempty"`
}

// Capability runs the test suite for a workspace.
type Capability interface {
	Run(ctx context.Context, workDir string) (*Report, error)
}

// PytestRunner shells out to pytest over the workspace tests directory.
type PytestRunner struct {
	Timeout time.Duration
}

// NewPytestRunner returns a runner with the default timeout.
func NewPytestRunner() *PytestRunner {
	return &PytestRunner{Timeout: DefaultTimeout}
}

// Run executes the suite. A workspace without test files yields an empty
// report. Test failures are reported in the result, not as an error; the
// error return is for runs that could not start.
func (r *PytestRunner) Run(ctx context.Context, workDir string) (*Report, error) {
	if !hasTestFiles(filepath.Join(workDir, "tests")) {
		return &Report{}, nil
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "python3", "-m", "pytest", "tests", "-v", "--tb=line")
	cmd.Dir = workDir
	cmd.Env = []string{"PATH=" + os.Getenv("PATH"), "PYTHONDONTWRITEBYTECODE=1"}
	out, err := cmd.CombinedOutput()

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("test run timed out after %s", timeout)
	}

	report := ParseOutput(string(out))
	if report.Total == 0 && err != nil {
		// The runner never got to executing tests (missing interpreter,
		// collection error). Surface the tail of the output.
		report.Tests = []Result{{Name: "test suite", Passed: false, Details: tail(string(out), 500)}}
		report.Failed = 1
		report.Total = 1
	}
	logging.Info("test run finished", "passed", report.Passed, "failed", report.Failed, "total", report.Total)
	return report, nil
}

var (
	resultLine   = regexp.MustCompile(`^(\S+::\S+)\s+(PASSED|FAILED|ERROR)\b(.*)$`)
	coverageLine = regexp.MustCompile(`^TOTAL\s+.*\s(\d+)%\s*$`)
)

// ParseOutput normalizes verbose pytest output into a report.
func ParseOutput(out string) *Report {
	report := &Report{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if m := resultLine.FindStringSubmatch(line); m != nil {
			res := Result{
				Name:    m[1],
				Passed:  m[2] == "PASSED",
				Details: strings.TrimSpace(m[3]),
			}
			report.Tests = append(report.Tests, res)
			if res.Passed {
				report.Passed++
			} else {
				report.Failed++
			}
			report.Total++
			continue
		}
		if m := coverageLine.FindStringSubmatch(line); m != nil {
			if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
				report.CoveragePct = pct
				report.HasCoverage = true
			}
		}
	}
	return report
}

func hasTestFiles(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			if hasTestFiles(filepath.Join(dir, e.Name())) {
				return true
			}
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "test_") || strings.HasSuffix(name, "_test.py") {
			return true
		}
	}
	return false
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
