package workflow

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/gokay-avci/unifiedlab/pkg/types"
)

// physicsTemplate is the job blueprint a generator carries for its
// children.
type physicsTemplate struct {
	Name         string                `json:"name,omitempty"`
	Engine       string                `json:"engine"`
	Config       map[string]any        `json:"config,omitempty"`
	Structure    map[string]any        `json:"structure,omitempty"`
	Resources    types.ResourceRequest `json:"resources"`
	RequiredTags []string              `json:"required_tags,omitempty"`
}

// ExpandGenerator materializes a generator's candidates as Compute nodes
// depending on the generator, plus an optional follow-on Generator node
// fanning in from all fresh children (the recursion). Idempotent per node:
// a generator expands at most once. Returns the indices of newly created
// nodes.
func (g *Graph) ExpandGenerator(genIdx int, candidates []map[string]any, template map[string]any, nextAgentConfig map[string]any) []int {
	node := g.Node(genIdx)
	if node == nil || node.Type != types.NodeTypeGenerator {
		return nil
	}
	if node.Expanded {
		return nil
	}
	node.Expanded = true

	tmpl := decodeTemplate(template)
	var created []int
	var computeIdxs []int

	for _, candidate := range candidates {
		job := jobFromTemplate(tmpl, candidate, node.Job.ID)
		before := g.Len()
		idx := g.AddSmartNode(job, types.NodeTypeCompute, []int{genIdx}, node.Priority, node.Persist)
		computeIdxs = append(computeIdxs, idx)
		if g.Len() > before {
			created = append(created, idx)
		}
	}

	if nextAgentConfig != nil && len(computeIdxs) > 0 {
		next := &types.Job{
			ID:        uuid.New(),
			Name:      node.Job.Name,
			Engine:    node.Job.Engine,
			Status:    types.JobStatusPending,
			Config:    nextAgentConfig,
			Resources: node.Job.Resources,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		next.SetFlowContext(types.FlowKeyNodeType, string(types.NodeTypeGenerator))
		next.SetFlowContext(types.FlowKeyGeneratedBy, node.Job.ID.String())

		before := g.Len()
		idx := g.AddSmartNode(next, types.NodeTypeGenerator, computeIdxs, node.Priority, node.Persist)
		if g.Len() > before {
			created = append(created, idx)
		}
	}

	g.RecomputePriorities()

	g.logger.Info().
		Str("generator_job_id", node.Job.ID.String()).
		Int("candidates", len(candidates)).
		Int("created", len(created)).
		Msg("Expanded generator")
	return created
}

func decodeTemplate(template map[string]any) physicsTemplate {
	var tmpl physicsTemplate
	data, err := json.Marshal(template)
	if err != nil {
		return tmpl
	}
	_ = json.Unmarshal(data, &tmpl)
	return tmpl
}

// jobFromTemplate clones the template and injects the candidate plus the
// generating job's id into the parameters.
func jobFromTemplate(tmpl physicsTemplate, candidate map[string]any, genID uuid.UUID) *types.Job {
	config := deepCopyMap(tmpl.Config)
	if config == nil {
		config = make(map[string]any)
	}
	config["candidate"] = candidate
	config[types.FlowKeyGeneratedBy] = genID.String()

	structure := deepCopyMap(tmpl.Structure)
	if structure == nil {
		structure = candidate
	}

	resources := tmpl.Resources
	if resources.Cores <= 0 {
		resources.Cores = 1
	}

	job := &types.Job{
		ID:           uuid.New(),
		Name:         tmpl.Name,
		Engine:       tmpl.Engine,
		Status:       types.JobStatusPending,
		Config:       config,
		Structure:    structure,
		Resources:    resources,
		RequiredTags: tmpl.RequiredTags,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	job.SetFlowContext(types.FlowKeyNodeType, string(types.NodeTypeCompute))
	job.SetFlowContext(types.FlowKeyGeneratedBy, genID.String())
	return job
}

// deepCopyMap clones via a JSON round trip; generator templates are plain
// data so fidelity is exact.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
