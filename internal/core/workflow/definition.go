package workflow

import (
	"strings"

	"github.com/roea-ai/reel/pkg/types"
)

// KindLookup resolves agent kinds by name.
type KindLookup interface {
	Lookup(name string) (*types.AgentKind, error)
}

// ValidateDefinition checks the structure of a definition without consulting
// the agent catalog.
func ValidateDefinition(def *types.WorkflowDefinition) error {
	if def == nil || def.Name == "" {
		return types.ValidationError("workflow name is required")
	}
	if len(def.Steps) == 0 {
		return types.ValidationError("workflow %s has no steps", def.Name)
	}
	if r := def.Requirement; r != nil && (r.CPU < 0 || r.MemoryMB < 0 || r.DiskMB < 0) {
		return types.ValidationError("workflow %s: negative resource requirement", def.Name)
	}

	seen := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Name == "" {
			return types.ValidationError("workflow %s: step %d has no name", def.Name, i+1)
		}
		if seen[step.Name] {
			return types.ValidationError("workflow %s: duplicate step %s", def.Name, step.Name)
		}
		if step.Agent == "" || step.Action == "" {
			return types.ValidationError("workflow %s: step %s needs an agent and an action", def.Name, step.Name)
		}
		switch step.Continue {
		case "", types.ContinueOnSuccess, types.ContinueAlways:
		default:
			return types.ValidationError("workflow %s: step %s has unknown continue policy %q", def.Name, step.Name, step.Continue)
		}
		if step.Timeout < 0 {
			return types.ValidationError("workflow %s: step %s has a negative timeout", def.Name, step.Name)
		}
		for param, ref := range step.Inputs {
			source, _, _ := strings.Cut(ref, ".")
			if !seen[source] {
				return types.ValidationError("workflow %s: step %s input %s refers to %q, which is not an earlier step",
					def.Name, step.Name, param, ref)
			}
		}
		seen[step.Name] = true
	}

	for i, rs := range def.Recovery {
		switch rs.Action {
		case types.RecoverRestartAgent, types.RecoverFallbackData, types.RecoverSkipRemaining, types.RecoverNotify:
		default:
			return types.ValidationError("workflow %s: recovery %d has unknown action %q", def.Name, i+1, rs.Action)
		}
		if rs.When.Step != "" && !seen[rs.When.Step] {
			return types.ValidationError("workflow %s: recovery %d matches unknown step %s", def.Name, i+1, rs.When.Step)
		}
	}
	return nil
}

// CheckAgents verifies that every step targets a known kind that supports
// the step's action.
func CheckAgents(def *types.WorkflowDefinition, kinds KindLookup) error {
	for i := range def.Steps {
		step := &def.Steps[i]
		kind, err := kinds.Lookup(step.Agent)
		if err != nil {
			return types.ValidationError("workflow %s: step %s uses unknown agent kind %s", def.Name, step.Name, step.Agent).Wrap(err)
		}
		if !kind.HasCapability(step.Action) {
			return types.ValidationError("workflow %s: agent kind %s cannot %s", def.Name, step.Agent, step.Action)
		}
	}
	return nil
}

// EstimateRequirement returns the definition override, or the per-dimension
// maximum over the kinds its steps use.
func EstimateRequirement(def *types.WorkflowDefinition, kinds KindLookup) (types.Requirement, error) {
	if def.Requirement != nil {
		return *def.Requirement, nil
	}
	var req types.Requirement
	for i := range def.Steps {
		kind, err := kinds.Lookup(def.Steps[i].Agent)
		if err != nil {
			return req, err
		}
		req = req.Max(kind.Requirement)
	}
	return req, nil
}

func cloneDefinition(def *types.WorkflowDefinition) *types.WorkflowDefinition {
	c := *def
	c.Steps = make([]types.Step, len(def.Steps))
	for i, s := range def.Steps {
		s.Params = types.CloneMap(s.Params)
		s.FallbackData = types.CloneMap(s.FallbackData)
		if s.Inputs != nil {
			in := make(map[string]string, len(s.Inputs))
			for k, v := range s.Inputs {
				in[k] = v
			}
			s.Inputs = in
		}
		c.Steps[i] = s
	}
	c.RequiredParams = append([]string(nil), def.RequiredParams...)
	if def.Requirement != nil {
		r := *def.Requirement
		c.Requirement = &r
	}
	c.Recovery = append([]types.RecoverySpec(nil), def.Recovery...)
	return &c
}
