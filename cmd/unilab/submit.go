package main

import (
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gokay-avci/unifiedlab/pkg/transport"
	"github.com/gokay-avci/unifiedlab/pkg/types"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a workflow description",
	Long: `Submit jobs from a YAML workflow file. The submission is appended to
an inbox stream and picked up by the coordinator on its next tick.

Examples:
  # Submit a workflow
  unilab submit --root /scratch/unilab -f workflow.yaml`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().String("root", "", "Shared root directory (required)")
	submitCmd.Flags().StringP("file", "f", "", "YAML workflow file (required)")
	submitCmd.Flags().String("as", "importer", "Inbox identity to submit under")
	_ = submitCmd.MarkFlagRequired("root")
	_ = submitCmd.MarkFlagRequired("file")
}

// workflowFile is the YAML shape accepted by submit.
type workflowFile struct {
	Jobs []workflowJob `yaml:"jobs"`
}

type workflowJob struct {
	Name         string         `yaml:"name"`
	Engine       string         `yaml:"engine"`
	NodeType     string         `yaml:"node_type,omitempty"`
	Config       map[string]any `yaml:"config,omitempty"`
	Structure    map[string]any `yaml:"structure,omitempty"`
	Cores        int            `yaml:"cores"`
	GPUs         int            `yaml:"gpus"`
	MemoryMB     int64          `yaml:"memory_mb,omitempty"`
	RequiredTags []string       `yaml:"required_tags,omitempty"`
	Priority     int            `yaml:"priority,omitempty"`
	Persist      bool           `yaml:"persist,omitempty"`
	DependsOn    []string       `yaml:"depends_on,omitempty"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	root, _ := cmd.Flags().GetString("root")
	filename, _ := cmd.Flags().GetString("file")
	identity, _ := cmd.Flags().GetString("as")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read workflow file: %v", err)
	}

	var wf workflowFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return fmt.Errorf("failed to parse workflow file: %v", err)
	}
	if len(wf.Jobs) == 0 {
		return fmt.Errorf("workflow file %s declares no jobs", filename)
	}

	sub, err := buildSubmission(&wf)
	if err != nil {
		return err
	}

	tr, err := transport.New(root, transport.RoleWorker, identity, transport.DefaultOptions())
	if err != nil {
		return fmt.Errorf("failed to open transport: %v", err)
	}
	defer tr.Close()

	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to serialize submission: %v", err)
	}
	if err := tr.SendToCoordinator(types.KindJobSubmit, payload); err != nil {
		return fmt.Errorf("failed to submit: %v", err)
	}

	fmt.Printf("Submitted %d job(s) with %d dependency edge(s)\n", len(sub.Jobs), len(sub.Deps))
	for _, job := range sub.Jobs {
		fmt.Printf("  %s  %s\n", job.ID, job.Name)
	}
	return nil
}

// buildSubmission assigns UUIDs and resolves depends_on names to edges.
func buildSubmission(wf *workflowFile) (*types.JobSubmit, error) {
	ids := make(map[string]uuid.UUID, len(wf.Jobs))
	for _, j := range wf.Jobs {
		if j.Name == "" {
			return nil, fmt.Errorf("every job needs a name")
		}
		if _, dup := ids[j.Name]; dup {
			return nil, fmt.Errorf("duplicate job name %q", j.Name)
		}
		ids[j.Name] = uuid.New()
	}

	sub := &types.JobSubmit{}
	for _, j := range wf.Jobs {
		if j.Engine == "" {
			return nil, fmt.Errorf("job %q has no engine", j.Name)
		}
		cores := j.Cores
		if cores <= 0 {
			cores = 1
		}

		job := &types.Job{
			ID:           ids[j.Name],
			Name:         j.Name,
			Engine:       j.Engine,
			Status:       types.JobStatusPending,
			Config:       j.Config,
			Structure:    j.Structure,
			Resources:    types.ResourceRequest{Cores: cores, GPUs: j.GPUs, MemoryMB: j.MemoryMB},
			RequiredTags: j.RequiredTags,
			Priority:     j.Priority,
			Persist:      j.Persist,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}
		if j.NodeType != "" {
			job.SetFlowContext(types.FlowKeyNodeType, j.NodeType)
		}
		sub.Jobs = append(sub.Jobs, job)

		for _, dep := range j.DependsOn {
			parent, ok := ids[dep]
			if !ok {
				return nil, fmt.Errorf("job %q depends on unknown job %q", j.Name, dep)
			}
			sub.Deps = append(sub.Deps, types.DependencyEdge{Parent: parent, Child: ids[j.Name]})
		}
	}
	return sub, nil
}
