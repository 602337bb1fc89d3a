package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/testherd/testherd/types"
)

// Command execution constants
const (
	// WorkspaceEnvVar tells the spawned process where its scratch workspace
	// lives.
	WorkspaceEnvVar = "TESTHERD_WORKSPACE"

	// maxCapturedOutputBytes bounds how much combined output is kept for
	// diagnostics of a failed command.
	maxCapturedOutputBytes = 16 * 1024
)

// CommandWork adapts an argv into a UnitWork: the command is run under the
// attempt's context, exit status zero is success, and a non-zero exit (or a
// spawn failure) is an attempt failure carrying the output tail as
// diagnostics. When the attempt's timeout budget elapses, the context kills
// the process and the attempt is recorded as timed out.
func CommandWork(argv []string, env []string) types.UnitWork {
	return func(ctx context.Context, ec types.ExecContext) error {
		if len(argv) == 0 {
			return errors.New("empty command")
		}

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Env = append(os.Environ(), env...)
		if ws, ok := ec.(*Workspace); ok {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", WorkspaceEnvVar, ws.Dir))
			cmd.Dir = ws.Dir
		}

		var out bytes.Buffer
		tail := newTailBuffer(&out, maxCapturedOutputBytes)
		cmd.Stdout = tail
		cmd.Stderr = tail

		runErr := cmd.Run()
		if runErr == nil {
			return nil
		}

		// Surface the attempt-budget expiry as a deadline error so the
		// executor records timed_out rather than a plain failure.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		exitErr := &exec.ExitError{}
		if errors.As(runErr, &exitErr) {
			return fmt.Errorf("command exited with code %d\n%s", exitErr.ExitCode(), out.String())
		}
		return fmt.Errorf("failed to run command: %w", runErr)
	}
}

// tailBuffer keeps only the last n bytes written to it.
type tailBuffer struct {
	buf *bytes.Buffer
	max int
}

func newTailBuffer(buf *bytes.Buffer, max int) *tailBuffer {
	return &tailBuffer{buf: buf, max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.max {
		t.buf.Reset()
		t.buf.Write(p[n-t.max:])
		return n, nil
	}
	if over := t.buf.Len() + n - t.max; over > 0 {
		rest := t.buf.Bytes()[over:]
		remaining := make([]byte, len(rest))
		copy(remaining, rest)
		t.buf.Reset()
		t.buf.Write(remaining)
	}
	t.buf.Write(p)
	return n, nil
}
