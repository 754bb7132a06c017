package shell

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesOutput(t *testing.T) {
	res, err := Run(context.Background(), 5*time.Second, "sh", "-c", "echo out; echo err >&2")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "out" {
		t.Fatalf("stdout: %q", res.Stdout)
	}
	if strings.TrimSpace(string(res.Stderr)) != "err" {
		t.Fatalf("stderr: %q", res.Stderr)
	}
	if res.Code != 0 {
		t.Fatalf("code: %d", res.Code)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), 5*time.Second, "sh", "-c", "exit 3")
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Code != 3 {
		t.Fatalf("code: %d", res.Code)
	}
}

func TestRunTimeout(t *testing.T) {
	_, err := Run(context.Background(), 50*time.Millisecond, "sleep", "5")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestExecWrapsFailure(t *testing.T) {
	fake := func(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
		return Result{Stderr: []byte("device is busy\n"), Code: 32}, errors.New("exit status 32")
	}
	err := Exec(context.Background(), fake, time.Second, "umount", "/mnt/var")
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	msg := ce.Error()
	if !strings.Contains(msg, "umount /mnt/var") || !strings.Contains(msg, "exit code 32") || !strings.Contains(msg, "device is busy") {
		t.Fatalf("message: %s", msg)
	}
}

func TestOutputTrims(t *testing.T) {
	fake := func(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
		return Result{Stdout: []byte("  abcd-1234\n")}, nil
	}
	out, err := Output(context.Background(), fake, time.Second, "blkid")
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	if out != "abcd-1234" {
		t.Fatalf("out: %q", out)
	}
}

func TestExecChrootArgs(t *testing.T) {
	var gotName string
	var gotArgs []string
	fake := func(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
		gotName = name
		gotArgs = args
		return Result{}, nil
	}
	if err := ExecChroot(context.Background(), fake, time.Second, "/mnt", "sdbootutil", "add-all-kernels"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if gotName != "chroot" {
		t.Fatalf("name: %s", gotName)
	}
	want := []string{"/mnt", "sdbootutil", "add-all-kernels"}
	if len(gotArgs) != len(want) {
		t.Fatalf("args: %v", gotArgs)
	}
	for i := range want {
		if gotArgs[i] != want[i] {
			t.Fatalf("args: %v", gotArgs)
		}
	}
}
