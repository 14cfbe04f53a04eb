package database

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// runProcess runs program with stdin/stdout wired to the given streams and
// stderr captured. os/exec drains every pipe on its own goroutine, so a
// chatty child never blocks on a full buffer.
func runProcess(ctx context.Context, program string, args, env []string, stdin io.Reader, stdout io.Writer) error {
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = stdin
	if stdout == nil {
		stdout = io.Discard
	}
	cmd.Stdout = stdout

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// Bound the pipe drain after a kill; grandchildren may hold stdout open.
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return fmt.Errorf("%s: %w", program, cause)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ProcessError{
			Program:  program,
			ExitCode: exitErr.ExitCode(),
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
	}
	return fmt.Errorf("run %s: %w", program, err)
}
