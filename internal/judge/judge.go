// Package judge scores a finished build deterministically: four weighted
// checks over task completion, test health, and keyword traceability of
// requirements and behavioral tests against the build corpus.
package judge

import (
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"elisa/internal/gitstore"
	"elisa/internal/spec"
	"elisa/internal/task"
	"elisa/internal/testrun"
	"elisa/internal/textutil"
)

// Check names.
const (
	CheckTaskCompletion = "task_completion"
	CheckTestHealth     = "test_health"
	CheckRequirements   = "requirement_traceability"
	CheckBehavioral     = "behavioral_traceability"
)

// Check weights and pass thresholds.
const (
	maxTaskCompletion = 35
	maxTestHealth     = 25
	maxRequirements   = 25
	maxBehavioral     = 15

	requirementCoverageFloor = 0.6
	behavioralCoverageFloor  = 0.5
)

// Corpus caps.
const (
	corpusFileCap = 80
	corpusByteCap = 180 * 1024
)

// sourceExtensions is the allowlist for corpus files under the workspace.
var sourceExtensions = map[string]bool{
	".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".html": true, ".css": true, ".json": true, ".md": true, ".txt": true,
	".ino": true, ".cpp": true, ".c": true, ".h": true,
	".yaml": true, ".yml": true, ".toml": true,
}

// Check is one scored dimension.
type Check struct {
	Name     string `json:"name"`
	Score    int    `json:"score"`
	MaxScore int    `json:"max_score"`
	Passed   bool   `json:"passed"`
	Details  string `json:"details"`
}

// Verdict is the judge's output for one run.
type Verdict struct {
	Score          int      `json:"score"`
	Passed         bool     `json:"passed"`
	Checks         []Check  `json:"checks"`
	BlockingIssues []string `json:"blocking_issues,omitempty"`
	Threshold      int      `json:"threshold"`
}

// Input is everything the judge looks at.
type Input struct {
	Spec    spec.ProjectSpec
	Tasks   []*task.Task
	Report  *testrun.Report
	Commits []gitstore.CommitRecord
	WorkDir string
}

// Evaluate scores the run against the threshold. The verdict's Passed is the
// raw result before any human override.
func Evaluate(in Input, threshold int) Verdict {
	corpus := buildCorpus(in)

	checks := []Check{
		taskCompletion(in.Tasks),
		testHealth(in.Spec, in.Report),
		traceability(CheckRequirements, maxRequirements, requirementCoverageFloor, requirementItems(in.Spec), corpus),
		traceability(CheckBehavioral, maxBehavioral, behavioralCoverageFloor, behavioralItems(in.Spec), corpus),
	}

	total, max := 0, 0
	for _, c := range checks {
		total += c.Score
		max += c.MaxScore
	}
	score := int(math.Round(100 * float64(total) / float64(max)))

	var blocking []string
	for _, c := range checks {
		if !c.Passed && (c.Name == CheckTaskCompletion || c.Name == CheckBehavioral) {
			blocking = append(blocking, c.Details)
		}
	}

	return Verdict{
		Score:          score,
		Passed:         score >= threshold && len(blocking) == 0,
		Checks:         checks,
		BlockingIssues: blocking,
		Threshold:      threshold,
	}
}

func taskCompletion(tasks []*task.Task) Check {
	done, failed := 0, 0
	for _, t := range tasks {
		switch t.Status {
		case task.StatusDone:
			done++
		case task.StatusFailed:
			failed++
		}
	}
	total := len(tasks)

	c := Check{Name: CheckTaskCompletion, MaxScore: maxTaskCompletion}
	if total == 0 {
		c.Details = "No tasks were planned"
		return c
	}
	c.Score = int(math.Round(maxTaskCompletion * float64(done) / float64(total)))
	c.Passed = done == total && failed == 0
	if c.Passed {
		c.Details = fmt.Sprintf("All %d tasks completed", total)
	} else {
		c.Details = fmt.Sprintf("%d of %d tasks completed, %d failed", done, total, failed)
	}
	return c
}

func testHealth(sp spec.ProjectSpec, report *testrun.Report) Check {
	c := Check{Name: CheckTestHealth, MaxScore: maxTestHealth}
	required := sp.Workflow.TestingEnabled || sp.HasBehavioralTests()

	if !required {
		c.Score = maxTestHealth
		c.Passed = true
		c.Details = "No tests required"
		return c
	}
	if report == nil || report.Total == 0 {
		c.Details = "Tests were required but none ran"
		return c
	}
	c.Score = int(math.Round(maxTestHealth * float64(report.Passed) / float64(report.Total)))
	c.Passed = report.Failed == 0
	if c.Passed {
		c.Details = fmt.Sprintf("All %d tests passed", report.Total)
	} else {
		c.Details = fmt.Sprintf("%d of %d tests failed", report.Failed, report.Total)
	}
	return c
}

// traceability scores how much of each item's vocabulary appears in the
// build corpus.
func traceability(name string, maxScore int, floor float64, items []string, corpus map[string]bool) Check {
	c := Check{Name: name, MaxScore: maxScore}
	if len(items) == 0 {
		c.Score = maxScore
		c.Passed = true
		c.Details = "Nothing declared to trace"
		return c
	}

	sum := 0.0
	low := 0
	for _, item := range items {
		cov := coverage(item, corpus)
		sum += cov
		if cov < floor {
			low++
		}
	}
	avg := sum / float64(len(items))

	c.Score = int(math.Round(float64(maxScore) * avg))
	c.Passed = avg >= floor
	if c.Passed {
		c.Details = fmt.Sprintf("Average coverage %.2f across %d items", avg, len(items))
	} else {
		c.Details = fmt.Sprintf("Average coverage %.2f below %.2f, %d of %d items weakly traced", avg, floor, low, len(items))
	}
	return c
}

// coverage = |tokens(item) ∩ corpus| / |tokens(item)|.
func coverage(item string, corpus map[string]bool) float64 {
	tokens := textutil.TokenSet(item)
	if len(tokens) == 0 {
		return 1
	}
	hit := 0
	for tok := range tokens {
		if corpus[tok] {
			hit++
		}
	}
	return float64(hit) / float64(len(tokens))
}

func requirementItems(sp spec.ProjectSpec) []string {
	var out []string
	for _, req := range sp.Requirements {
		if strings.TrimSpace(req.Description) != "" {
			out = append(out, req.Description)
		}
	}
	return out
}

func behavioralItems(sp spec.ProjectSpec) []string {
	var out []string
	for _, bt := range sp.Workflow.BehavioralTests {
		out = append(out, bt.When+" "+bt.Then)
	}
	return out
}

// buildCorpus collects the token set the traceability checks match against.
func buildCorpus(in Input) map[string]bool {
	corpus := make(map[string]bool)
	add := func(text string) {
		for tok := range textutil.TokenSet(text) {
			corpus[tok] = true
		}
	}

	for _, t := range in.Tasks {
		add(t.Name)
		add(t.Description)
		for _, crit := range t.AcceptanceCriteria {
			add(crit)
		}
	}
	for _, c := range in.Commits {
		add(c.Message)
	}
	if in.Report != nil {
		for _, res := range in.Report.Tests {
			add(res.Name)
			add(res.Details)
		}
	}
	for _, text := range sourceTexts(in.WorkDir) {
		add(text)
	}
	return corpus
}

// sourceTexts reads up to corpusFileCap allowlisted files, corpusByteCap
// bytes total, under the workspace.
func sourceTexts(workDir string) []string {
	if workDir == "" {
		return nil
	}
	var out []string
	files := 0
	bytes := 0

	filepath.WalkDir(workDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" || strings.HasPrefix(name, ".elisa") {
				return filepath.SkipDir
			}
			return nil
		}
		if files >= corpusFileCap || bytes >= corpusByteCap {
			return filepath.SkipAll
		}
		if !sourceExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if bytes+len(data) > corpusByteCap {
			data = data[:corpusByteCap-bytes]
		}
		files++
		bytes += len(data)
		out = append(out, string(data))
		return nil
	})
	return out
}
