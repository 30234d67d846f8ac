package workflow

import (
	"fmt"

	"github.com/gokay-avci/unifiedlab/pkg/types"
)

// EvaluateCondition applies a logic condition to a switch result. The
// external_script variant is not implemented and returns an error; callers
// must not treat an erroring condition as a pass.
func EvaluateCondition(cond *types.LogicCondition, result *types.CalculationResult) (bool, error) {
	if cond == nil {
		return true, nil
	}
	switch cond.Kind {
	case types.LogicAlwaysTrue:
		return true, nil
	case types.LogicEnergyBelow:
		if result == nil {
			return false, nil
		}
		return result.Energy < cond.Threshold, nil
	case types.LogicBandGapAbove:
		if result == nil {
			return false, nil
		}
		return result.BandGap > cond.Threshold, nil
	case types.LogicExternalScript:
		return false, fmt.Errorf("external script condition %q is not supported", cond.Script)
	default:
		return false, fmt.Errorf("unknown logic condition kind %q", cond.Kind)
	}
}

// ResolveLogicBranch evaluates a Switch node's condition against its
// result. When the condition does not pass, every node strictly downstream
// of the switch is marked pruned with status Failed; the switch itself is
// untouched. Returns the indices newly pruned. Non-switch nodes are
// ignored.
func (g *Graph) ResolveLogicBranch(switchIdx int, result *types.CalculationResult) []int {
	node := g.Node(switchIdx)
	if node == nil || node.Type != types.NodeTypeSwitch {
		return nil
	}

	pass, err := EvaluateCondition(node.Condition, result)
	if err != nil {
		g.logger.Warn().
			Str("job_id", node.Job.ID.String()).
			Err(err).
			Msg("Logic condition failed to evaluate, pruning branch")
	}
	if pass {
		return nil
	}

	// BFS over the dependents of the switch.
	var pruned []int
	queue := append([]int(nil), g.children[switchIdx]...)
	seen := make(map[int]bool)
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		if seen[idx] {
			continue
		}
		seen[idx] = true

		n := g.nodes[idx]
		if !n.Pruned {
			n.Pruned = true
			n.Job.Status = types.JobStatusFailed
			n.Job.ErrorLog = PrunedError
			pruned = append(pruned, idx)
		}
		queue = append(queue, g.children[idx]...)
	}

	g.logger.Info().
		Str("switch_job_id", node.Job.ID.String()).
		Int("pruned", len(pruned)).
		Msg("Logic condition failed, pruned downstream branch")
	return pruned
}
