package workflow

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// hookRunner runs transition hooks. Variants embed it.
type hookRunner struct {
	hooks Hooks
	env   []string
}

func (h *hookRunner) configureHooks(p Params) {
	h.hooks = p.Hooks
	h.env = append(os.Environ(),
		"PIPETRACK_RUN_UUID="+p.RunUUID,
		"PIPETRACK_PROJECT_ID="+p.ProjectID,
		"PIPETRACK_LOG_DIR="+p.LogDir,
		"PIPETRACK_OUTPUT_DIR="+p.OutputDir,
	)
}

func (h *hookRunner) OnStart(ctx context.Context) error {
	return h.run(ctx, "on_start", h.hooks.OnStart)
}

func (h *hookRunner) OnSuccess(ctx context.Context) error {
	return h.run(ctx, "on_success", h.hooks.OnSuccess)
}

func (h *hookRunner) OnFail(ctx context.Context) error {
	return h.run(ctx, "on_fail", h.hooks.OnFail)
}

func (h *hookRunner) OnComplete(ctx context.Context) error {
	return h.run(ctx, "on_complete", h.hooks.OnComplete)
}

func (h *hookRunner) run(ctx context.Context, name, command string) error {
	if command == "" {
		return nil
	}
	timeout := h.hooks.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = h.env
	cmd.WaitDelay = time.Second
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s hook failed: %w\nOutput: %s", name, err, string(output))
	}
	return nil
}
