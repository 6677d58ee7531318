package testrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const verboseOutput = `============================= test session starts ==============================
collected 3 items

tests/test_blink.py::test_led_turns_on PASSED                            [ 33%]
tests/test_blink.py::test_led_turns_off PASSED                           [ 66%]
tests/test_blink.py::test_interval FAILED                                [100%]

=================================== FAILURES ===================================
/work/tests/test_blink.py:12: AssertionError: expected 1.0, got 2.0
=========================== short test summary info ============================
FAILED tests/test_blink.py::test_interval
========================= 2 passed, 1 failed in 0.12s ==========================
`

func TestParseOutput(t *testing.T) {
	report := ParseOutput(verboseOutput)

	if report.Total != 3 || report.Passed != 2 || report.Failed != 1 {
		t.Fatalf("counters = %d/%d/%d", report.Passed, report.Failed, report.Total)
	}
	if report.Tests[0].Name != "tests/test_blink.py::test_led_turns_on" || !report.Tests[0].Passed {
		t.Errorf("first result = %+v", report.Tests[0])
	}
	if report.Tests[2].Passed {
		t.Errorf("failed test marked passed: %+v", report.Tests[2])
	}
	if report.HasCoverage {
		t.Error("coverage reported without a coverage table")
	}
}

func TestParseOutputCoverage(t *testing.T) {
	out := verboseOutput + `
---------- coverage ----------
Name           Stmts   Miss  Cover
src/blink.py      20      3    85%
TOTAL             20      3    85%
`
	report := ParseOutput(out)
	if !report.HasCoverage || report.CoveragePct != 85 {
		t.Errorf("coverage = %v %v", report.HasCoverage, report.CoveragePct)
	}
}

func TestParseOutputEmpty(t *testing.T) {
	report := ParseOutput("no tests ran in 0.01s")
	if report.Total != 0 || len(report.Tests) != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestRunSkipsWorkspaceWithoutTests(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "tests"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tests", "helper.py"), []byte("x = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := NewPytestRunner().Run(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if report.Total != 0 {
		t.Errorf("report for empty suite = %+v", report)
	}
}

func TestHasTestFilesNested(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "unit")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nested, "test_core.py"), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	if !hasTestFiles(dir) {
		t.Error("nested test file not found")
	}
}
