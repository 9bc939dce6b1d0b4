package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// ExecDriver runs one engine process per turn, PTY-backed so the engine sees
// a terminal and line-buffers its output (spec §4.4 "Exec engine").
type ExecDriver struct {
	Bin string
}

func NewExecDriver(bin string) *ExecDriver {
	return &ExecDriver{Bin: bin}
}

var sessionIDPattern = regexp.MustCompile(`(?i)session id:\s*(\S+)`)

// RunTurn shells out to `<bin> exec [--resume <threadId>] -o <outPath>
// [--sandbox <policy>] [--add-dir <path>]... [--config k=v]... <
// prompt-on-stdin` (spec §4.4).
func (d *ExecDriver) RunTurn(ctx context.Context, prompt string, opts TurnOptions) (Result, error) {
	outPath := filepath.Join(os.TempDir(), fmt.Sprintf("bus-exec-out-%d.json", os.Getpid()))
	defer os.Remove(outPath)

	args := []string{"exec"}
	if opts.ThreadID != "" {
		args = append(args, "--resume", opts.ThreadID)
	}
	args = append(args, "-o", outPath)
	if opts.Sandbox != "" {
		args = append(args, "--sandbox", string(opts.Sandbox))
	}
	for _, dir := range opts.AddDirs {
		args = append(args, "--add-dir", dir)
	}
	for k, v := range opts.ConfigKV {
		args = append(args, "--config", fmt.Sprintf("%s=%s", k, v))
	}

	cmd := exec.Command(d.Bin, args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), renderCredHelperEnv(opts.CredHelperCfg)...)
	if opts.EngineHomeDir != "" {
		cmd.Env = append(cmd.Env, "ENGINE_HOME="+opts.EngineHomeDir)
	}

	ptmx, pts, err := pty.Open()
	if err != nil {
		return Result{}, fmt.Errorf("opening pty: %w", err)
	}
	defer ptmx.Close()

	cmd.Stdin = strings.NewReader(prompt)
	cmd.Stdout = pts
	cmd.Stderr = pts

	if err := cmd.Start(); err != nil {
		pts.Close()
		return Result{}, fmt.Errorf("starting engine: %w", err)
	}
	pts.Close()

	var stderrBuf bytes.Buffer
	var threadID string
	var mu sync.Mutex
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		scanner := bufio.NewScanner(ptmx)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			stderrBuf.WriteString(line)
			stderrBuf.WriteString("\n")
			mu.Unlock()
			if m := sessionIDPattern.FindStringSubmatch(line); m != nil {
				mu.Lock()
				threadID = m[1]
				mu.Unlock()
			}
		}
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
		<-waitDone
		<-copyDone
		mu.Lock()
		tail := stderrBuf.String()
		tid := threadID
		mu.Unlock()
		return Result{Status: TurnInterrupted, ThreadID: tid, StderrTail: tail}, nil

	case waitErr := <-waitDone:
		<-copyDone
		mu.Lock()
		tail := stderrBuf.String()
		tid := threadID
		mu.Unlock()

		if waitErr != nil {
			var exitErr *exec.ExitError
			if !errors.As(waitErr, &exitErr) {
				return Result{}, fmt.Errorf("running engine: %w", waitErr)
			}
			return Result{Status: TurnFailed, ThreadID: tid, StderrTail: tail}, fmt.Errorf("engine exited %s: %w", exitErr.String(), waitErr)
		}

		final, err := os.ReadFile(outPath)
		if err != nil {
			return Result{Status: TurnFailed, ThreadID: tid, StderrTail: tail}, fmt.Errorf("reading engine output file: %w", err)
		}
		return Result{Status: TurnCompleted, FinalOutput: string(final), ThreadID: tid, StderrTail: tail}, nil
	}
}

func (d *ExecDriver) Close() error { return nil }

// renderCredHelperEnv turns a pre-built GIT_CONFIG_KEY_n/VALUE_n map into a
// process environment slice including the required GIT_CONFIG_COUNT (spec
// §4.4 "Git credential helper override").
func renderCredHelperEnv(kv map[string]string) []string {
	if len(kv) == 0 {
		return nil
	}
	env := make([]string, 0, len(kv)+1)
	env = append(env, fmt.Sprintf("GIT_CONFIG_COUNT=%d", len(kv)))
	i := 0
	for k, v := range kv {
		env = append(env, fmt.Sprintf("GIT_CONFIG_KEY_%d=%s", i, k))
		env = append(env, fmt.Sprintf("GIT_CONFIG_VALUE_%d=%s", i, v))
		i++
	}
	return env
}
