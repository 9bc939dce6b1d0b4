package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
)

// rpcRequest/rpcResponse/rpcNotification mirror the newline-delimited
// JSON-RPC 2.0 shapes the app-server speaks on stdio (spec §4.4).
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// AppServerDriver holds a long-lived engine subprocess and a goroutine
// reading its JSON-RPC stream, dispatching responses to in-flight callers by
// request id (spec §4.4 "App-server engine"; §9 redesign note: "the
// app-server implementation holds a goroutine/thread pool reading the
// JSON-RPC stream and a map of in-flight request ids → response channels").
type AppServerDriver struct {
	cmd    *exec.Cmd
	stdin  *bufio.Writer
	nextID int64

	mu      sync.Mutex
	pending map[int64]chan rpcResponse

	notifyMu sync.Mutex
	onNotify func(rpcNotification)

	currentTurnID string
}

// NewAppServerDriver starts bin as a persistent subprocess and performs the
// initialize/initialized handshake.
func NewAppServerDriver(bin string, args []string, env []string) (*AppServerDriver, error) {
	cmd := exec.Command(bin, args...)
	cmd.Env = env
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting app-server: %w", err)
	}

	d := &AppServerDriver{
		cmd:     cmd,
		stdin:   bufio.NewWriter(stdin),
		pending: make(map[int64]chan rpcResponse),
	}
	go d.readLoop(stdout)

	if _, err := d.call("initialize", nil); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := d.notify("initialized", nil); err != nil {
		return nil, fmt.Errorf("initialized: %w", err)
	}
	return d, nil
}

func (d *AppServerDriver) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()

		var probe struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}

		if probe.ID != nil && probe.Method == "" {
			var resp rpcResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				continue
			}
			d.mu.Lock()
			ch, ok := d.pending[resp.ID]
			if ok {
				delete(d.pending, resp.ID)
			}
			d.mu.Unlock()
			if ok {
				ch <- resp
			}
			continue
		}

		var n rpcNotification
		if err := json.Unmarshal(line, &n); err != nil {
			continue
		}
		d.notifyMu.Lock()
		cb := d.onNotify
		d.notifyMu.Unlock()
		if cb != nil {
			cb(n)
		}
	}
}

func (d *AppServerDriver) call(method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddInt64(&d.nextID, 1)
	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return nil, err
		}
	}

	ch := make(chan rpcResponse, 1)
	d.mu.Lock()
	d.pending[id] = ch
	d.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := d.writeLine(line); err != nil {
		return nil, err
	}

	resp := <-ch
	if resp.Error != nil {
		return nil, fmt.Errorf("app-server error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

func (d *AppServerDriver) notify(method string, params interface{}) error {
	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return err
		}
	}
	n := rpcNotification{JSONRPC: "2.0", Method: method, Params: raw}
	line, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return d.writeLine(line)
}

func (d *AppServerDriver) writeLine(line []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.stdin.Write(line); err != nil {
		return err
	}
	if err := d.stdin.WriteByte('\n'); err != nil {
		return err
	}
	return d.stdin.Flush()
}

// RunTurn starts or resumes a thread, starts a turn, and blocks until
// turn/completed or ctx is cancelled (in which case it sends
// turn/interrupt).
func (d *AppServerDriver) RunTurn(ctx context.Context, prompt string, opts TurnOptions) (Result, error) {
	threadID := opts.ThreadID
	if threadID == "" {
		res, err := d.call("thread/start", nil)
		if err != nil {
			return Result{}, fmt.Errorf("thread/start: %w", err)
		}
		threadID = extractThreadID(res)
	} else {
		res, err := d.call("thread/resume", map[string]string{"threadId": threadID})
		if err != nil {
			return Result{}, fmt.Errorf("thread/resume: %w", err)
		}
		threadID = extractThreadID(res)
	}

	completed := make(chan Result, 1)
	var finalText string
	var turnID string

	d.notifyMu.Lock()
	d.onNotify = func(n rpcNotification) {
		switch n.Method {
		case "turn/started":
			var p struct {
				Turn struct {
					ID string `json:"id"`
				} `json:"turn"`
			}
			_ = json.Unmarshal(n.Params, &p)
			turnID = p.Turn.ID
			d.currentTurnID = turnID
		case "item/agentMessage/delta":
			var p struct {
				Delta string `json:"delta"`
			}
			_ = json.Unmarshal(n.Params, &p)
			finalText += p.Delta
		case "turn/completed":
			var p struct {
				Status string `json:"status"`
			}
			_ = json.Unmarshal(n.Params, &p)
			completed <- Result{Status: TurnStatus(p.Status), FinalOutput: finalText, ThreadID: threadID}
		}
	}
	d.notifyMu.Unlock()

	startParams := map[string]interface{}{
		"input":         prompt,
		"sandboxPolicy": string(opts.Sandbox),
	}
	turnRes, err := d.call("turn/start", startParams)
	if err != nil {
		return Result{}, fmt.Errorf("turn/start: %w", err)
	}
	if turnID == "" {
		turnID = extractTurnID(turnRes)
		d.currentTurnID = turnID
	}

	select {
	case <-ctx.Done():
		_, _ = d.call("turn/interrupt", map[string]string{"turnId": turnID})
		select {
		case r := <-completed:
			r.Status = TurnInterrupted
			return r, nil
		default:
			return Result{Status: TurnInterrupted, ThreadID: threadID}, nil
		}
	case r := <-completed:
		return r, nil
	}
}

// StartReview issues review/start for target and waits for the resulting
// turn/completed notification, the same way RunTurn waits for a regular
// turn (spec §4.4 "review/start(target) (optional)"; §4.7 step 4).
func (d *AppServerDriver) StartReview(ctx context.Context, target ReviewTarget) (Result, error) {
	completed := make(chan Result, 1)
	var finalText string

	d.notifyMu.Lock()
	d.onNotify = func(n rpcNotification) {
		switch n.Method {
		case "item/agentMessage/delta":
			var p struct {
				Delta string `json:"delta"`
			}
			_ = json.Unmarshal(n.Params, &p)
			finalText += p.Delta
		case "turn/completed":
			var p struct {
				Status string `json:"status"`
			}
			_ = json.Unmarshal(n.Params, &p)
			completed <- Result{Status: TurnStatus(p.Status), FinalOutput: finalText}
		}
	}
	d.notifyMu.Unlock()

	params := map[string]interface{}{
		"target": map[string]interface{}{
			"scope":           target.Scope,
			"commitSha":       target.CommitSha,
			"reviewedCommits": target.ReviewedCommits,
		},
	}
	if _, err := d.call("review/start", params); err != nil {
		return Result{}, fmt.Errorf("review/start: %w", err)
	}

	select {
	case <-ctx.Done():
		return Result{Status: TurnInterrupted}, nil
	case r := <-completed:
		return r, nil
	}
}

func (d *AppServerDriver) Close() error {
	if d.cmd == nil || d.cmd.Process == nil {
		return nil
	}
	return d.cmd.Process.Kill()
}

func extractThreadID(raw json.RawMessage) string {
	var p struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	_ = json.Unmarshal(raw, &p)
	return p.Thread.ID
}

func extractTurnID(raw json.RawMessage) string {
	var p struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	_ = json.Unmarshal(raw, &p)
	return p.Turn.ID
}
