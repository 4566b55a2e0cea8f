package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Builtins returns the handlers every worker knows: exec, sleep and echo.
func Builtins() Registry {
	return Registry{
		"exec":  Exec,
		"sleep": Sleep,
		"echo":  Echo,
	}
}

// Exec runs args with /bin/sh -c and returns its combined output. A non-zero
// exit fails the task with the output attached.
func Exec(ctx context.Context, args, _ string) (string, error) {
	if strings.TrimSpace(args) == "" {
		return "", fmt.Errorf("exec: empty command")
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", args)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	output := strings.TrimRight(out.String(), "\n")
	if ctx.Err() != nil {
		return output, ctx.Err()
	}
	if err != nil {
		if output == "" {
			return "", fmt.Errorf("exec %q: %w", args, err)
		}
		return output, fmt.Errorf("exec %q: %w\n%s", args, err, output)
	}
	return output, nil
}

// Sleep waits for args, either a Go duration ("1.5s") or plain seconds ("2").
func Sleep(ctx context.Context, args, _ string) (string, error) {
	d, err := parseDuration(strings.TrimSpace(args))
	if err != nil {
		return "", fmt.Errorf("sleep: %w", err)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return d.String(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Echo returns args unchanged.
func Echo(_ context.Context, args, _ string) (string, error) {
	return args, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("missing duration")
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
