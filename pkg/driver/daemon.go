package driver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/gokay-avci/unifiedlab/pkg/log"
	"github.com/gokay-avci/unifiedlab/pkg/resources"
	"github.com/gokay-avci/unifiedlab/pkg/types"
)

// defaultBootTimeout bounds the READY handshake after kernel launch.
const defaultBootTimeout = 60 * time.Second

// DaemonDriver hosts a persistent engine kernel: a long-lived child
// process speaking a JSON-line request/response protocol on its pipes.
// The kernel boots once, announces READY, and then serves one request per
// line. If the kernel dies, the cached instance is invalidated so the
// next job reboots it.
type DaemonDriver struct {
	command     string
	bootTimeout time.Duration

	mu     sync.Mutex
	kernel *kernel
	logger zerolog.Logger
}

type kernel struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
}

// daemonRequest is one line sent to the kernel.
type daemonRequest struct {
	JobID     string         `json:"job_id"`
	Config    map[string]any `json:"config,omitempty"`
	Structure map[string]any `json:"structure,omitempty"`
	WorkDir   string         `json:"work_dir"`
}

// daemonResponse is one line read back.
type daemonResponse struct {
	OK     bool                     `json:"ok"`
	Error  string                   `json:"error,omitempty"`
	Result *types.CalculationResult `json:"result,omitempty"`
}

// NewDaemonDriver is the Factory for the "daemon" engine. cfg must carry
// the kernel command under "command"; "boot_timeout_sec" overrides the
// handshake bound.
func NewDaemonDriver(cfg map[string]any) (Driver, error) {
	command, _ := cfg["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("daemon driver requires a command")
	}
	timeout := defaultBootTimeout
	switch sec := cfg["boot_timeout_sec"].(type) {
	case float64:
		if sec > 0 {
			timeout = time.Duration(sec * float64(time.Second))
		}
	case int:
		if sec > 0 {
			timeout = time.Duration(sec) * time.Second
		}
	}
	return &DaemonDriver{
		command:     command,
		bootTimeout: timeout,
		logger:      log.WithComponent("driver.daemon"),
	}, nil
}

// Execute implements Driver. Requests are serialized per driver instance;
// the mutex is held only across one request/response exchange on the
// kernel's pipes.
func (d *DaemonDriver) Execute(ctx context.Context, job *types.Job, sb *resources.Sandbox, workDir string) (*types.CalculationResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.kernel == nil {
		k, err := d.boot(sb)
		if err != nil {
			return nil, fmt.Errorf("kernel boot failed: %w", err)
		}
		d.kernel = k
	}

	req := daemonRequest{
		JobID:     job.ID.String(),
		Config:    job.Config,
		Structure: job.Structure,
		WorkDir:   workDir,
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize kernel request: %w", err)
	}

	if _, err := d.kernel.stdin.Write(append(line, '\n')); err != nil {
		d.invalidate()
		return nil, fmt.Errorf("kernel died on write: %w", err)
	}

	if !d.kernel.stdout.Scan() {
		err := d.kernel.stdout.Err()
		d.invalidate()
		if err == nil {
			err = io.EOF
		}
		return nil, fmt.Errorf("kernel died on read: %w", err)
	}

	var resp daemonResponse
	if err := json.Unmarshal(d.kernel.stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("kernel sent undecodable response: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("kernel rejected job: %s", resp.Error)
	}
	return resp.Result, nil
}

// boot launches the kernel and waits for the READY handshake within the
// boot timeout.
func (d *DaemonDriver) boot(sb *resources.Sandbox) (*kernel, error) {
	cmd := exec.Command("/bin/sh", "-c", d.command)
	cmd.Env = append(scrubEnv(os.Environ()), sb.Env()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), 16<<20)

	readyCh := make(chan error, 1)
	go func() {
		for scanner.Scan() {
			if strings.TrimSpace(scanner.Text()) == "READY" {
				readyCh <- nil
				return
			}
		}
		if err := scanner.Err(); err != nil {
			readyCh <- err
			return
		}
		readyCh <- io.EOF
	}()

	select {
	case err := <-readyCh:
		if err != nil {
			cmd.Process.Kill()
			return nil, fmt.Errorf("kernel exited before READY: %w", err)
		}
	case <-time.After(d.bootTimeout):
		cmd.Process.Kill()
		return nil, fmt.Errorf("kernel did not report READY within %s", d.bootTimeout)
	}

	d.logger.Info().Str("command", d.command).Msg("Engine kernel booted")
	return &kernel{cmd: cmd, stdin: stdin, stdout: scanner}, nil
}

// invalidate kills and drops the cached kernel so the next job reboots
// it.
func (d *DaemonDriver) invalidate() {
	if d.kernel == nil {
		return
	}
	if d.kernel.cmd.Process != nil {
		d.kernel.cmd.Process.Kill()
		go d.kernel.cmd.Wait()
	}
	d.kernel = nil
	d.logger.Warn().Msg("Engine kernel invalidated, next job will reboot it")
}
