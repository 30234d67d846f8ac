package driver

import (
	"context"
	"time"

	"github.com/gokay-avci/unifiedlab/pkg/resources"
	"github.com/gokay-avci/unifiedlab/pkg/types"
)

// MockDriver returns canned results, used by tests and dry runs.
type MockDriver struct {
	// Fn produces the result for a job. Nil means "return an empty
	// converged result".
	Fn func(job *types.Job) (*types.CalculationResult, error)

	// Delay simulates execution time.
	Delay time.Duration
}

// Execute implements Driver.
func (d *MockDriver) Execute(ctx context.Context, job *types.Job, sb *resources.Sandbox, workDir string) (*types.CalculationResult, error) {
	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.Fn == nil {
		return &types.CalculationResult{Converged: true}, nil
	}
	return d.Fn(job)
}
