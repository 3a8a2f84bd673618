package handlers

import (
	"bytes"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

const maxStderrInError = 4096

// ExecConfig describes an external command that implements a task type.
type ExecConfig struct {
	Command string `validate:"required"`
	Args    []string
	// Extra environment variables in KEY=VALUE form, added to the scheduler's own environment.
	Env     []string
	WorkDir string
}

// ExecHandler runs an external command per attempt. The payload is written to the command's stdin and its stdout is
// the task result. The process is killed when the task is cancelled. A non-zero exit status is an execution failure.
type ExecHandler struct {
	config ExecConfig
}

func NewExecHandler(config ExecConfig) *ExecHandler {
	return &ExecHandler{config: config}
}

func (h *ExecHandler) Handle(ctx *ExecutionContext, payload []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, h.config.Command, h.config.Args...)
	cmd.Dir = h.config.WorkDir
	cmd.Env = append(os.Environ(), h.config.Env...)
	cmd.Env = append(cmd.Env, "GPUSCHED_TASK_ID="+ctx.TaskId, "GPUSCHED_TASK_TYPE="+string(ctx.TaskType))
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	ctx.Log.Debugf("running %s", h.config.Command)
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrapf(ctxErr, "%s interrupted", h.config.Command)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderrInError {
			msg = msg[len(msg)-maxStderrInError:]
		}
		if msg != "" {
			return nil, errors.Wrapf(err, "%s failed: %s", h.config.Command, msg)
		}
		return nil, errors.Wrapf(err, "%s failed", h.config.Command)
	}
	return stdout.Bytes(), nil
}
