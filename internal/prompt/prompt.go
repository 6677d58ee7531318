// Package prompt assembles the system and user prompts for one agent
// dispatch. Assembly is a pure function of its input so retries and tests
// are reproducible.
package prompt

import (
	"fmt"
	"strings"

	"elisa/internal/spec"
	"elisa/internal/task"
)

// Input is everything one dispatch's prompts depend on.
type Input struct {
	Task  *task.Task
	Agent spec.AgentSpec

	// Context is the predecessor summary block, empty when none.
	Context string

	// Files is the workspace manifest (relative paths under src and tests).
	Files []string

	// Digest is the structural digest of source files, empty when no
	// sources exist.
	Digest string

	// Attempt is 0 for the first try, k for retry k.
	Attempt int

	// Compact drops the manifest and digest sections. Used when a previous
	// attempt overflowed the model's context window.
	Compact bool

	// MaxTurns is the turn budget quoted in the efficiency section.
	MaxTurns int

	Workflow spec.Workflow
}

// System builds the system prompt: role template, then turn-efficiency
// guidance, then thinking steps.
func System(in Input) string {
	var b strings.Builder

	role := in.Agent.Role
	persona := strings.TrimSpace(in.Agent.Persona)
	switch role {
	case spec.RoleTester:
		fmt.Fprintf(&b, testerTemplate, in.Agent.Name, persona)
	case spec.RoleReviewer:
		fmt.Fprintf(&b, reviewerTemplate, in.Agent.Name, persona)
	case spec.RoleBuilder:
		fmt.Fprintf(&b, builderTemplate, in.Agent.Name, persona)
	default:
		fmt.Fprintf(&b, customTemplate, in.Agent.Name, persona)
	}

	b.WriteString("\n\n## Turn Efficiency\n")
	fmt.Fprintf(&b, "You have a limited budget of %d turns. Every tool call spends a turn.\n", in.MaxTurns)
	b.WriteString("Read the file manifest and structural digest in the task message before exploring: most orientation questions are already answered there.\n")
	switch role {
	case spec.RoleTester:
		b.WriteString("Prioritize testing over exploration. Begin writing and running tests within your first 3 turns.\n")
	case spec.RoleReviewer:
		b.WriteString("Prioritize review over exploration. Begin reading the changed files within your first 3 turns.\n")
	}

	b.WriteString("\n## Thinking Steps\n")
	b.WriteString("1. Check the file manifest for what already exists.\n")
	b.WriteString("2. Check the structural digest for the shape of the existing code.\n")
	b.WriteString("3. Plan the smallest set of changes that satisfies the acceptance criteria.\n")
	b.WriteString("4. Make the changes, then verify them.\n")

	return b.String()
}

// User builds the user prompt for a dispatch. Section order is fixed: retry
// header, task block, predecessor context, manifest, digest, behavioral
// tests (tester only).
func User(in Input) string {
	var b strings.Builder

	if in.Attempt >= 1 {
		fmt.Fprintf(&b, "## Retry Attempt %d\n", in.Attempt)
		b.WriteString("Your previous attempt at this task did not succeed. The workspace still contains everything you produced. Skip orientation and go straight to implementation: fix what is broken rather than starting over.\n\n")
	}

	fmt.Fprintf(&b, "# Task: %s\n\n%s\n", in.Task.Name, strings.TrimSpace(in.Task.Description))

	if len(in.Task.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Acceptance Criteria\n")
		for _, c := range in.Task.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	if strings.TrimSpace(in.Context) != "" {
		b.WriteString("\n## Context From Previous Tasks\n")
		b.WriteString(strings.TrimSpace(in.Context))
		b.WriteString("\n")
	}

	if !in.Compact {
		b.WriteString("\n## FILES ALREADY IN WORKSPACE\n")
		if len(in.Files) == 0 {
			b.WriteString("(workspace is empty)\n")
		} else {
			for _, f := range in.Files {
				fmt.Fprintf(&b, "- %s\n", f)
			}
		}

		// The digest always follows the manifest so the model reads names
		// before signatures.
		if strings.TrimSpace(in.Digest) != "" {
			b.WriteString("\n## Structural Digest\n")
			b.WriteString(strings.TrimSpace(in.Digest))
			b.WriteString("\n")
		}
	}

	if in.Agent.Role == spec.RoleTester && len(in.Workflow.BehavioralTests) > 0 {
		b.WriteString("\n## Behavioral Tests to Verify\n")
		for _, bt := range in.Workflow.BehavioralTests {
			fmt.Fprintf(&b, "- When %s, then %s.\n", bt.When, bt.Then)
		}
	}

	return b.String()
}
