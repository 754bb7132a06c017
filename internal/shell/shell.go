package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

var ErrTimeout = errors.New("command timed out")

// Runner is the execution seam used by every package that shells out.
// Production code passes Run; tests substitute a fake that records argv.
type Runner func(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error)

func Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Env = []string{"PATH=/usr/sbin:/usr/bin:/sbin:/bin", "LANG=C", "LC_ALL=C"}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: exitCode(err)}
	if cctx.Err() == context.DeadlineExceeded {
		return res, ErrTimeout
	}
	return res, err
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// CommandError carries the failed command line and the tail of its stderr.
type CommandError struct {
	Name   string
	Args   []string
	Result Result
}

func (e *CommandError) Error() string {
	line := shellquote.Join(append([]string{e.Name}, e.Args...)...)
	msg := fmt.Sprintf("%s: exit code %d", line, e.Result.Code)
	if tail := stderrTail(e.Result.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func stderrTail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// Exec runs a command via run and converts any failure into a *CommandError
// (or a timeout into ErrTimeout).
func Exec(ctx context.Context, run Runner, timeout time.Duration, name string, args ...string) error {
	res, err := run(ctx, timeout, name, args...)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return &CommandError{Name: name, Args: args, Result: res}
}

// Output runs a command and returns its trimmed stdout.
func Output(ctx context.Context, run Runner, timeout time.Duration, name string, args ...string) (string, error) {
	res, err := run(ctx, timeout, name, args...)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		return "", &CommandError{Name: name, Args: args, Result: res}
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// ExecChroot runs a command inside root via chroot(1).
func ExecChroot(ctx context.Context, run Runner, timeout time.Duration, root, name string, args ...string) error {
	chrootArgs := append([]string{root, name}, args...)
	return Exec(ctx, run, timeout, "chroot", chrootArgs...)
}
