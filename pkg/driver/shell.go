package driver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/gokay-avci/unifiedlab/pkg/log"
	"github.com/gokay-avci/unifiedlab/pkg/resources"
	"github.com/gokay-avci/unifiedlab/pkg/types"
)

// scrubPrefixes are environment prefixes stripped before launching a
// clean subprocess. Inherited batch and MPI context confuses engines that
// spawn their own MPI world.
var scrubPrefixes = []string{
	"SLURM_", "PBS_", "OMPI_", "PMI_", "PMIX_", "MPI_",
}

// ShellDriver runs one-shot subprocess engines. The command line comes
// from the job config key "command" and runs through the shell inside the
// job workspace. The engine reports its result as a single JSON object on
// the last non-empty line of stdout.
type ShellDriver struct {
	logger zerolog.Logger
}

// NewShellDriver is the Factory for the "shell" engine.
func NewShellDriver(cfg map[string]any) (Driver, error) {
	return &ShellDriver{logger: log.WithComponent("driver.shell")}, nil
}

// Execute implements Driver.
func (d *ShellDriver) Execute(ctx context.Context, job *types.Job, sb *resources.Sandbox, workDir string) (*types.CalculationResult, error) {
	command, _ := job.Config["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("job %s has no command in config", job.ID)
	}

	// Write the job inputs where the command can find them.
	inputPath := filepath.Join(workDir, "job.json")
	inputData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize job inputs: %w", err)
	}
	if err := os.WriteFile(inputPath, inputData, 0644); err != nil {
		return nil, fmt.Errorf("failed to write job inputs: %w", err)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = workDir
	cmd.Env = append(scrubEnv(os.Environ()), sb.Env()...)
	cmd.Env = append(cmd.Env, "UNILAB_JOB_FILE="+inputPath)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	d.logger.Debug().
		Str("job_id", job.ID.String()).
		Str("command", command).
		Msg("Launching shell engine")

	if err := cmd.Run(); err != nil {
		// Keep the tail of stderr for the error log.
		tail := stderr.String()
		if len(tail) > 2048 {
			tail = tail[len(tail)-2048:]
		}
		return nil, fmt.Errorf("command failed: %v: %s", err, strings.TrimSpace(tail))
	}

	result, err := parseResultLine(stdout.String())
	if err != nil {
		return nil, err
	}
	return result, nil
}

// scrubEnv drops variables whose prefixes mark inherited batch or MPI
// context.
func scrubEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		scrubbed := false
		for _, prefix := range scrubPrefixes {
			if strings.HasPrefix(kv, prefix) {
				scrubbed = true
				break
			}
		}
		if !scrubbed {
			out = append(out, kv)
		}
	}
	return out
}

// parseResultLine decodes the last non-empty stdout line as the result.
func parseResultLine(output string) (*types.CalculationResult, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var result types.CalculationResult
		if err := json.Unmarshal([]byte(line), &result); err != nil {
			return nil, fmt.Errorf("engine emitted no parsable result line: %w", err)
		}
		return &result, nil
	}
	return nil, fmt.Errorf("engine emitted no output")
}
