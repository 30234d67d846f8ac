package resources

import (
	"bufio"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/gokay-avci/unifiedlab/pkg/log"
)

// BatchSystem classifies the environment the process landed in.
type BatchSystem string

const (
	BatchSlurm BatchSystem = "slurm"
	BatchPBS   BatchSystem = "pbs"
	BatchNone  BatchSystem = "local"
)

// Topology is the detected hardware and scheduler context of one node.
type Topology struct {
	System   BatchSystem
	Cores    int
	GPUs     int
	MemoryMB int64
}

// DetectTopology inspects the environment and classifies the node. Inside
// a batch allocation the core count comes from the batch system's
// CPUs-on-node variable, falling back to the visible core count; GPU count
// comes from nvidia-smi, with a single-GPU fallback on Apple silicon.
func DetectTopology() Topology {
	logger := log.WithComponent("resources")

	t := Topology{System: BatchNone, Cores: runtime.NumCPU()}

	switch {
	case os.Getenv("SLURM_JOB_ID") != "":
		t.System = BatchSlurm
		if n, ok := envInt("SLURM_CPUS_ON_NODE"); ok {
			t.Cores = n
		}
	case os.Getenv("PBS_JOBID") != "":
		t.System = BatchPBS
		if n, ok := envInt("NCPUS"); ok {
			t.Cores = n
		}
	}

	t.GPUs = detectGPUs()
	t.MemoryMB = detectMemoryMB()

	logger.Info().
		Str("system", string(t.System)).
		Int("cores", t.Cores).
		Int("gpus", t.GPUs).
		Int64("memory_mb", t.MemoryMB).
		Msg("Detected node topology")
	return t
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	// SLURM may report "16(x2)"; take the leading integer.
	v = strings.SplitN(v, "(", 2)[0]
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// detectGPUs counts devices via nvidia-smi; a workstation with Apple
// silicon reports one accelerator, anything else without the tool reports
// zero.
func detectGPUs() int {
	out, err := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Output()
	if err == nil {
		count := 0
		for _, line := range strings.Split(string(out), "\n") {
			if strings.TrimSpace(line) != "" {
				count++
			}
		}
		return count
	}
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return 1
	}
	return 0
}

func detectMemoryMB() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb / 1024
	}
	return 0
}
