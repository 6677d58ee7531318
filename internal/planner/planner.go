// Package planner turns a project spec into an acyclic task graph with
// agent assignments. The plan comes from the language model, seeded with
// lessons from similar past runs; a deterministic fallback covers model
// failures, and every plan is validated before the executor sees it.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"elisa/internal/client"
	"elisa/internal/logging"
	"elisa/internal/memory"
	"elisa/internal/spec"
	"elisa/internal/task"
)

// ErrPlanInvalid marks plans the executor must never start from.
var ErrPlanInvalid = errors.New("plan failed validation")

const planMaxCompletionTokens = 4000

// Plan is the planner's output.
type Plan struct {
	Tasks       []*task.Task
	Agents      []task.Agent
	Explanation string
}

// AgentByName returns the planned agent with the given name.
func (p *Plan) AgentByName(name string) (task.Agent, bool) {
	for _, a := range p.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return task.Agent{}, false
}

// Memory is the slice of the build memory the planner consumes.
type Memory interface {
	PlannerContext(sp spec.ProjectSpec, limit int) []memory.SimilarRun
	SuggestReusablePatterns(sp spec.ProjectSpec, limit int) []memory.Suggestion
}

// Planner plans builds. A nil memory disables seeding.
type Planner struct {
	model  client.LanguageModel
	memory Memory
}

// New creates a planner.
func New(model client.LanguageModel, mem Memory) *Planner {
	return &Planner{model: model, memory: mem}
}

// Plan produces a validated task graph for the spec. Model failures fall
// back to a deterministic plan; validation failures are fatal.
func (p *Planner) Plan(ctx context.Context, sp spec.ProjectSpec) (*Plan, error) {
	agents := plannedAgents(sp)

	plan, err := p.modelPlan(ctx, sp, agents)
	if err != nil {
		logging.Warn("model plan failed, using fallback plan", "error", err)
		plan = fallbackPlan(sp, agents)
	}
	plan.Agents = agents

	if sp.Workflow.ReviewEnabled {
		appendReviewTask(plan)
	}

	if err := validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// plannedAgents lifts agents from the spec, guaranteeing at least one
// builder and, when review is enabled, a reviewer.
func plannedAgents(sp spec.ProjectSpec) []task.Agent {
	var agents []task.Agent
	for _, a := range sp.Agents {
		agents = append(agents, task.Agent{Name: a.Name, Role: a.Role, Persona: a.Persona, Status: task.AgentIdle})
	}
	if len(agents) == 0 {
		agents = append(agents, task.Agent{Name: "builder", Role: spec.RoleBuilder, Status: task.AgentIdle})
	}
	if sp.Workflow.ReviewEnabled && !hasRole(agents, spec.RoleReviewer) {
		agents = append(agents, task.Agent{Name: "reviewer", Role: spec.RoleReviewer, Status: task.AgentIdle})
	}
	return agents
}

func hasRole(agents []task.Agent, role string) bool {
	for _, a := range agents {
		if a.Role == role {
			return true
		}
	}
	return false
}

// planDoc is the JSON shape the model is asked to produce.
type planDoc struct {
	Tasks []struct {
		ID                 string   `json:"id"`
		Name               string   `json:"name"`
		Description        string   `json:"description"`
		AgentName          string   `json:"agent_name"`
		Dependencies       []string `json:"dependencies"`
		AcceptanceCriteria []string `json:"acceptance_criteria"`
	} `json:"tasks"`
	Explanation string `json:"plan_explanation"`
}

func (p *Planner) modelPlan(ctx context.Context, sp spec.ProjectSpec, agents []task.Agent) (*Plan, error) {
	stream, err := p.model.Stream(ctx, client.ChatRequest{
		Model: p.model.Model(),
		Messages: []client.Message{
			{Role: client.RoleSystem, Content: plannerSystemPrompt},
			{Role: client.RoleUser, Content: p.planRequest(sp, agents)},
		},
		MaxCompletionTokens: planMaxCompletionTokens,
	})
	if err != nil {
		return nil, err
	}
	resp, err := stream.Collect()
	if err != nil {
		return nil, err
	}

	raw := extractJSON(resp.Text)
	if raw == "" {
		return nil, fmt.Errorf("plan response contains no JSON object")
	}
	var doc planDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("plan has no tasks")
	}

	plan := &Plan{Explanation: doc.Explanation}
	for i, dt := range doc.Tasks {
		id := strings.TrimSpace(dt.ID)
		if id == "" {
			id = fmt.Sprintf("t%d", i+1)
		}
		plan.Tasks = append(plan.Tasks, &task.Task{
			ID:                 id,
			Name:               dt.Name,
			Description:        dt.Description,
			Status:             task.StatusPending,
			AgentName:          dt.AgentName,
			Dependencies:       dt.Dependencies,
			AcceptanceCriteria: dt.AcceptanceCriteria,
		})
	}
	return plan, nil
}

// planRequest renders the user prompt, including lessons from memory.
func (p *Planner) planRequest(sp spec.ProjectSpec, agents []task.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Goal\n%s\n", sp.Goal)
	if sp.ProjectType != "" {
		fmt.Fprintf(&b, "\nProject type: %s\n", sp.ProjectType)
	}

	if len(sp.Requirements) > 0 {
		b.WriteString("\n## Requirements\n")
		for _, req := range sp.Requirements {
			fmt.Fprintf(&b, "- [%s] %s\n", req.Type, req.Description)
		}
	}

	b.WriteString("\n## Agents\n")
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s (%s)\n", a.Name, a.Role)
	}

	if len(sp.Workflow.BehavioralTests) > 0 {
		b.WriteString("\n## Behavioral Tests\n")
		for _, bt := range sp.Workflow.BehavioralTests {
			fmt.Fprintf(&b, "- When %s, then %s.\n", bt.When, bt.Then)
		}
	}

	if p.memory != nil {
		if runs := p.memory.PlannerContext(sp, 0); len(runs) > 0 {
			b.WriteString("\n## Lessons From Similar Builds\n")
			for _, run := range runs {
				outcome := "failed"
				if run.Outcome.Success {
					outcome = "succeeded"
				}
				fmt.Fprintf(&b, "- %q %s (%d/%d tasks, judge score %d)\n",
					run.Goal, outcome, run.Outcome.TasksCompleted, run.Outcome.TasksTotal, run.Outcome.JudgeScore)
				for _, h := range run.Highlights {
					fmt.Fprintf(&b, "  - %s\n", h)
				}
			}
		}
		if sugs := p.memory.SuggestReusablePatterns(sp, 0); len(sugs) > 0 {
			b.WriteString("\n## Patterns That Helped Before\n")
			for _, sug := range sugs {
				fmt.Fprintf(&b, "- (%s) %s: %s\n", sug.Kind, sug.Pattern.Name, sug.Pattern.Prompt)
			}
		}
	}
	return b.String()
}

const plannerSystemPrompt = `You are a build planner. Break the project goal into small, independently verifiable tasks and assign each to one of the listed agents by name.

Respond with a single JSON object:
{
  "tasks": [
    {"id": "t1", "name": "...", "description": "...", "agent_name": "...",
     "dependencies": [], "acceptance_criteria": ["..."]}
  ],
  "plan_explanation": "one short paragraph"
}

Rules:
- Dependencies reference task ids and must form an acyclic graph.
- Every agent_name must be one of the listed agents.
- Builder tasks create code under src/; tester tasks create tests under tests/.
- Keep the plan small: one task per requirement plus setup is usually enough.`

// fallbackPlan derives a linear plan straight from the spec.
func fallbackPlan(sp spec.ProjectSpec, agents []task.Agent) *Plan {
	builder := agents[0].Name
	for _, a := range agents {
		if a.Role == spec.RoleBuilder {
			builder = a.Name
			break
		}
	}

	plan := &Plan{Explanation: "Deterministic plan derived from the project requirements."}
	scaffold := &task.Task{
		ID:                 "t1",
		Name:               "Set up the project skeleton",
		Description:        fmt.Sprintf("Create the initial source layout for: %s", sp.Goal),
		Status:             task.StatusPending,
		AgentName:          builder,
		AcceptanceCriteria: []string{"src/ contains a runnable entry point"},
	}
	plan.Tasks = append(plan.Tasks, scaffold)

	for i, req := range sp.Requirements {
		plan.Tasks = append(plan.Tasks, &task.Task{
			ID:                 fmt.Sprintf("t%d", i+2),
			Name:               fmt.Sprintf("Implement requirement %d", i+1),
			Description:        req.Description,
			Status:             task.StatusPending,
			AgentName:          builder,
			Dependencies:       []string{scaffold.ID},
			AcceptanceCriteria: []string{req.Description},
		})
	}

	if sp.Workflow.TestingEnabled || sp.HasBehavioralTests() {
		if tester, ok := firstWithRole(agents, spec.RoleTester); ok {
			deps := make([]string, 0, len(plan.Tasks))
			for _, t := range plan.Tasks {
				deps = append(deps, t.ID)
			}
			plan.Tasks = append(plan.Tasks, &task.Task{
				ID:                 fmt.Sprintf("t%d", len(plan.Tasks)+1),
				Name:               "Write the test suite",
				Description:        "Cover the implemented behavior with tests under tests/.",
				Status:             task.StatusPending,
				AgentName:          tester.Name,
				Dependencies:       deps,
				AcceptanceCriteria: []string{"all tests pass"},
			})
		}
	}
	return plan
}

func firstWithRole(agents []task.Agent, role string) (task.Agent, bool) {
	for _, a := range agents {
		if a.Role == role {
			return a, true
		}
	}
	return task.Agent{}, false
}

// appendReviewTask adds a final review task depending on every other task.
func appendReviewTask(plan *Plan) {
	reviewer, ok := firstWithRole(plan.Agents, spec.RoleReviewer)
	if !ok {
		return
	}
	deps := make([]string, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if t.ID == "review" {
			return
		}
		deps = append(deps, t.ID)
	}
	plan.Tasks = append(plan.Tasks, &task.Task{
		ID:                 "review",
		Name:               "Review the completed work",
		Description:        "Review the workspace for correctness, clarity, and unmet acceptance criteria.",
		Status:             task.StatusPending,
		AgentName:          reviewer.Name,
		Dependencies:       deps,
		AcceptanceCriteria: []string{"review notes recorded"},
	})
}

// validate rejects plans the executor cannot run: no tasks, unresolved
// agent names, duplicate ids, unknown dependencies, or cycles.
func validate(plan *Plan) error {
	if len(plan.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks", ErrPlanInvalid)
	}
	for _, t := range plan.Tasks {
		if _, ok := plan.AgentByName(t.AgentName); !ok {
			return fmt.Errorf("%w: task %q assigned to unknown agent %q", ErrPlanInvalid, t.ID, t.AgentName)
		}
	}
	if _, err := task.NewScheduler(plan.Tasks, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrPlanInvalid, err)
	}
	return nil
}

// extractJSON pulls the first JSON object out of a model response that may
// wrap it in prose or a code fence.
func extractJSON(text string) string {
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			text = rest[:j]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}
