// Package spec models the declarative project specification produced by the
// block editor. The inbound document is an open JSON payload: decoding is
// defensive, every field is coerced through a typed accessor, and unknown
// fields never fail construction.
package spec

import (
	"encoding/json"
	"errors"
	"strings"
)

// Agent roles.
const (
	RoleBuilder  = "builder"
	RoleTester   = "tester"
	RoleReviewer = "reviewer"
	RoleCustom   = "custom"
)

// Deployment targets.
const (
	TargetPreview = "preview"
	TargetWeb     = "web"
	TargetESP32   = "esp32"
	TargetBoth    = "both"
)

// ErrNoGoal is returned by Validate for specs without a project goal.
var ErrNoGoal = errors.New("spec has no project goal")

// Requirement is one project requirement.
type Requirement struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// AgentSpec declares a role-typed agent persona.
type AgentSpec struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	Persona string `json:"persona"`
}

// Portal wires an external-world capability into the agent tool surface.
type Portal struct {
	Name      string         `json:"name"`
	Kind      string         `json:"kind"` // serial | mcp | cli
	Endpoint  string         `json:"endpoint"`
	Transport string         `json:"transport"`
	Options   map[string]any `json:"options"`
}

// Deployment describes where the built project ships.
type Deployment struct {
	Target    string `json:"target"`
	AutoFlash bool   `json:"auto_flash"`
}

// BehavioralTest is a single when/then expectation.
type BehavioralTest struct {
	When string `json:"when"`
	Then string `json:"then"`
}

// Workflow carries the build switches.
type Workflow struct {
	TestingEnabled  bool             `json:"testing_enabled"`
	ReviewEnabled   bool             `json:"review_enabled"`
	HumanGates      bool             `json:"human_gates"`
	BehavioralTests []BehavioralTest `json:"behavioral_tests"`
}

// ProjectSpec is the read-only input document for one build run.
type ProjectSpec struct {
	Goal         string        `json:"goal"`
	ProjectType  string        `json:"project_type"`
	Requirements []Requirement `json:"requirements"`
	Agents       []AgentSpec   `json:"agents"`
	Portals      []Portal      `json:"portals"`
	Deployment   Deployment    `json:"deployment"`
	Workflow     Workflow      `json:"workflow"`

	// Reusable patterns carried into planning and excluded from
	// memory suggestions.
	Skills []Pattern `json:"skills"`
	Rules  []Pattern `json:"rules"`

	// Raw keeps the original payload for persistence.
	Raw map[string]any `json:"-"`
}

// Pattern is a named reusable prompt fragment (skill or rule).
type Pattern struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// Parse decodes an open spec document. It never fails on unknown or
// ill-typed fields; missing values decay to zero values.
func Parse(raw map[string]any) ProjectSpec {
	s := ProjectSpec{Raw: raw}

	project := getMap(raw, "project")
	if project == nil {
		project = raw
	}
	s.Goal = getString(project, "goal")
	s.ProjectType = getString(project, "type")
	if s.ProjectType == "" {
		s.ProjectType = getString(project, "project_type")
	}

	for _, item := range getSlice(raw, "requirements") {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		s.Requirements = append(s.Requirements, Requirement{
			Type:        getString(m, "type"),
			Description: getString(m, "description"),
		})
	}

	for _, item := range getSlice(raw, "agents") {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		a := AgentSpec{
			Name:    getString(m, "name"),
			Role:    normalizeRole(getString(m, "role")),
			Persona: getString(m, "persona"),
		}
		if a.Name != "" {
			s.Agents = append(s.Agents, a)
		}
	}

	for _, item := range getSlice(raw, "portals") {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		p := Portal{
			Name:      getString(m, "name"),
			Kind:      getString(m, "kind"),
			Endpoint:  getString(m, "endpoint"),
			Transport: getString(m, "transport"),
			Options:   getMap(m, "options"),
		}
		if p.Name != "" {
			s.Portals = append(s.Portals, p)
		}
	}

	dep := getMap(raw, "deployment")
	s.Deployment = Deployment{
		Target:    normalizeTarget(getString(dep, "target")),
		AutoFlash: getBool(dep, "auto_flash"),
	}

	wf := getMap(raw, "workflow")
	s.Workflow = Workflow{
		TestingEnabled: getBool(wf, "testing_enabled"),
		ReviewEnabled:  getBool(wf, "review_enabled"),
		HumanGates:     getBool(wf, "human_gates"),
	}
	for _, item := range getSlice(wf, "behavioral_tests") {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		bt := BehavioralTest{When: getString(m, "when"), Then: getString(m, "then")}
		if bt.When != "" || bt.Then != "" {
			s.Workflow.BehavioralTests = append(s.Workflow.BehavioralTests, bt)
		}
	}

	s.Skills = parsePatterns(getSlice(raw, "skills"))
	s.Rules = parsePatterns(getSlice(raw, "rules"))

	return s
}

// ParseJSON decodes a spec from raw JSON bytes.
func ParseJSON(data []byte) (ProjectSpec, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return ProjectSpec{}, err
	}
	return Parse(raw), nil
}

// Validate rejects specs a build cannot start from.
func (s ProjectSpec) Validate() error {
	if strings.TrimSpace(s.Goal) == "" {
		return ErrNoGoal
	}
	return nil
}

// AgentByName returns the declared agent with the given name.
func (s ProjectSpec) AgentByName(name string) (AgentSpec, bool) {
	for _, a := range s.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentSpec{}, false
}

// HasBehavioralTests reports whether any when/then pair is declared.
func (s ProjectSpec) HasBehavioralTests() bool {
	return len(s.Workflow.BehavioralTests) > 0
}

func parsePatterns(items []any) []Pattern {
	var out []Pattern
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		p := Pattern{Name: getString(m, "name"), Prompt: getString(m, "prompt")}
		if p.Name != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleBuilder, "":
		return RoleBuilder
	case RoleTester:
		return RoleTester
	case RoleReviewer:
		return RoleReviewer
	default:
		return RoleCustom
	}
}

func normalizeTarget(target string) string {
	switch strings.ToLower(strings.TrimSpace(target)) {
	case TargetWeb:
		return TargetWeb
	case TargetESP32:
		return TargetESP32
	case TargetBoth:
		return TargetBoth
	default:
		return TargetPreview
	}
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getBool(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func getMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func getSlice(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	if v, ok := m[key].([]any); ok {
		return v
	}
	return nil
}
