package resources

import (
	"strconv"
	"strings"
)

// Sandbox is an allocation receipt naming the specific cores and GPUs
// assigned to one job, plus an optional memory limit.
type Sandbox struct {
	Cores    []int
	GPUs     []int
	MemoryMB int64
}

// Env returns the environment variables that constrain a child process to
// the sandbox: thread-count hints for numeric libraries, GPU visibility
// for both NVIDIA and AMD stacks, and the core list as a hint for wrappers
// that perform hard pinning. An empty GPU list masks all GPUs explicitly.
func (s *Sandbox) Env() []string {
	threads := strconv.Itoa(len(s.Cores))
	gpuList := joinInts(s.GPUs)
	coreList := joinInts(s.Cores)

	return []string{
		"OMP_NUM_THREADS=" + threads,
		"MKL_NUM_THREADS=" + threads,
		"OPENBLAS_NUM_THREADS=" + threads,
		"CUDA_VISIBLE_DEVICES=" + gpuList,
		"ROCR_VISIBLE_DEVICES=" + gpuList,
		"UNILAB_CPU_LIST=" + coreList,
	}
}

func joinInts(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
