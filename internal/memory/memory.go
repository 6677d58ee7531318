// Package memory persists outcomes of past build runs and feeds them back
// into planning: similar-run context for the planner prompt and reusable
// skill/rule suggestions ranked by how well they worked before.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"elisa/internal/fileutil"
	"elisa/internal/spec"
	"elisa/internal/textutil"
)

const storeVersion = 1

// Outcome aggregates how one run ended.
type Outcome struct {
	TasksCompleted int     `json:"tasks_completed"`
	TasksTotal     int     `json:"tasks_total"`
	TestsPassed    int     `json:"tests_passed"`
	TestsFailed    int     `json:"tests_failed"`
	Coverage       float64 `json:"coverage"`
	TotalTokens    int     `json:"total_tokens"`
	CostUSD        float64 `json:"cost_usd"`
	JudgeScore     int     `json:"judge_score"`
	Overridden     bool    `json:"overridden"`
	Success        bool    `json:"success"`
}

// Record is one remembered run.
type Record struct {
	SessionID    string         `json:"session_id"`
	CreatedAt    time.Time      `json:"created_at"`
	Goal         string         `json:"goal"`
	ProjectType  string         `json:"project_type"`
	DeployTarget string         `json:"deploy_target"`
	Keywords     []string       `json:"keywords"`
	Skills       []spec.Pattern `json:"skills,omitempty"`
	Rules        []spec.Pattern `json:"rules,omitempty"`
	Highlights   []string       `json:"highlights,omitempty"`
	Outcome      Outcome        `json:"outcome"`
}

type storeDoc struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

// SimilarRun is a past record scored against the current spec.
type SimilarRun struct {
	Record
	Similarity float64
}

// Suggestion is a reusable pattern from a past successful run.
type Suggestion struct {
	Pattern spec.Pattern `json:"pattern"`
	Kind    string       `json:"kind"` // skill | rule
	Weight  float64      `json:"weight"`
	Source  string       `json:"source"` // goal of the run it came from
}

// Ranking thresholds and weights.
const (
	plannerMinSimilarity = 0.2
	suggestMinSimilarity = 0.18

	weightJaccard  = 0.6
	weightType     = 0.25
	weightDeploy   = 0.15
	weightSuccess  = 0.05
	defaultPlanner = 3
	defaultSuggest = 4
)

// Store is the on-disk run memory. Safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	path       string
	maxRecords int
	records    []Record
}

// Open loads the store at path, creating an empty one when the file does
// not exist. A corrupt file is an error, not silent data loss.
func Open(path string, maxRecords int) (*Store, error) {
	if maxRecords <= 0 {
		return nil, fmt.Errorf("memory max records must be positive, got %d", maxRecords)
	}
	s := &Store{path: path, maxRecords: maxRecords}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading memory store: %w", err)
	}

	var doc storeDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing memory store %s: %w", path, err)
	}
	s.records = doc.Records
	return s, nil
}

// NewRecord builds a record for a finished run, deriving keywords from the
// goal and requirement descriptions.
func NewRecord(id string, sp spec.ProjectSpec, outcome Outcome, highlights []string) Record {
	texts := []string{sp.Goal}
	for _, req := range sp.Requirements {
		texts = append(texts, req.Description)
	}
	return Record{
		SessionID:    id,
		CreatedAt:    time.Now().UTC(),
		Goal:         sp.Goal,
		ProjectType:  sp.ProjectType,
		DeployTarget: sp.Deployment.Target,
		Keywords:     textutil.Keywords(texts...),
		Skills:       sp.Skills,
		Rules:        sp.Rules,
		Highlights:   highlights,
		Outcome:      outcome,
	}
}

// RecordRun appends a record, replacing any earlier record for the same
// session and evicting the oldest records past the cap. The file is
// rewritten atomically.
func (s *Store) RecordRun(rec Record) error {
	if rec.SessionID == "" {
		return errors.New("memory record has no session id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	for _, r := range s.records {
		if r.SessionID != rec.SessionID {
			kept = append(kept, r)
		}
	}
	s.records = append(kept, rec)
	if over := len(s.records) - s.maxRecords; over > 0 {
		s.records = append([]Record(nil), s.records[over:]...)
	}
	return s.saveLocked()
}

// Records returns a copy of all remembered runs, oldest first.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// Len reports the number of remembered runs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) saveLocked() error {
	doc := storeDoc{Version: storeVersion, Records: s.records}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding memory store: %w", err)
	}
	return fileutil.AtomicWrite(s.path, data, 0o644)
}

// PlannerContext returns up to limit past runs similar enough to inform the
// plan for the given spec, best match first.
func (s *Store) PlannerContext(sp spec.ProjectSpec, limit int) []SimilarRun {
	if limit <= 0 {
		limit = defaultPlanner
	}
	scored := s.scoreAgainst(sp)

	var out []SimilarRun
	for _, run := range scored {
		if run.Similarity < plannerMinSimilarity {
			continue
		}
		out = append(out, run)
		if len(out) == limit {
			break
		}
	}
	return out
}

// SuggestReusablePatterns proposes skills and rules from similar successful
// runs. Patterns already present in the spec are excluded, duplicates keep
// their highest-weighted occurrence.
func (s *Store) SuggestReusablePatterns(sp spec.ProjectSpec, limit int) []Suggestion {
	if limit <= 0 {
		limit = defaultSuggest
	}

	own := make(map[string]bool)
	for _, p := range sp.Skills {
		own[patternKey(p)] = true
	}
	for _, p := range sp.Rules {
		own[patternKey(p)] = true
	}

	best := make(map[string]Suggestion)
	for _, run := range s.scoreAgainst(sp) {
		if run.Similarity < suggestMinSimilarity || !run.Outcome.Success {
			continue
		}
		weight := run.Similarity * qualityFactor(run.Outcome)
		add := func(p spec.Pattern, kind string) {
			key := patternKey(p)
			if key == "" || own[key] {
				return
			}
			if prev, ok := best[key]; !ok || weight > prev.Weight {
				best[key] = Suggestion{Pattern: p, Kind: kind, Weight: weight, Source: run.Goal}
			}
		}
		for _, p := range run.Skills {
			add(p, "skill")
		}
		for _, p := range run.Rules {
			add(p, "rule")
		}
	}

	out := make([]Suggestion, 0, len(best))
	for _, sug := range best {
		out = append(out, sug)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Pattern.Name < out[j].Pattern.Name
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// scoreAgainst ranks every record by similarity to the spec, best first.
// Recency breaks ties.
func (s *Store) scoreAgainst(sp spec.ProjectSpec) []SimilarRun {
	texts := []string{sp.Goal}
	for _, req := range sp.Requirements {
		texts = append(texts, req.Description)
	}
	keywords := textutil.Keywords(texts...)

	s.mu.Lock()
	records := append([]Record(nil), s.records...)
	s.mu.Unlock()

	out := make([]SimilarRun, 0, len(records))
	for _, rec := range records {
		out = append(out, SimilarRun{Record: rec, Similarity: similarity(sp, keywords, rec)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func similarity(sp spec.ProjectSpec, keywords []string, rec Record) float64 {
	score := weightJaccard * textutil.Jaccard(keywords, rec.Keywords)
	if sp.ProjectType != "" && strings.EqualFold(sp.ProjectType, rec.ProjectType) {
		score += weightType
	}
	if sp.Deployment.Target != "" && strings.EqualFold(sp.Deployment.Target, rec.DeployTarget) {
		score += weightDeploy
	}
	if rec.Outcome.Success {
		score += weightSuccess
	}
	return score
}

// qualityFactor discounts a run's patterns by how well the run went: how
// much of its plan completed and what the judge scored it.
func qualityFactor(o Outcome) float64 {
	completion := 0.0
	if o.TasksTotal > 0 {
		completion = float64(o.TasksCompleted) / float64(o.TasksTotal)
	}
	quality := float64(o.JudgeScore) / 100
	if quality < 0 {
		quality = 0
	} else if quality > 1 {
		quality = 1
	}
	return (0.35 + 0.65*completion) * (0.4 + 0.6*quality)
}

func patternKey(p spec.Pattern) string {
	name := strings.ToLower(strings.TrimSpace(p.Name))
	prompt := strings.ToLower(strings.TrimSpace(p.Prompt))
	if name == "" && prompt == "" {
		return ""
	}
	return name + "\x00" + prompt
}
