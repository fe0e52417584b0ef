package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/oturner/toolrelay/internal/jsonrpc"
	"github.com/oturner/toolrelay/internal/registry"
	"github.com/oturner/toolrelay/internal/result"
	"github.com/oturner/toolrelay/internal/trace"
)

// StdioEngine runs a tool service as a subprocess and speaks
// newline-delimited JSON-RPC over its stdin/stdout. Single-shot: the
// envelope is written, stdin is closed to signal end-of-input, and the
// process runs to completion (or is killed at the deadline).
type StdioEngine struct {
	logger *slog.Logger
	rec    *trace.Recorder
}

// NewStdioEngine creates the subprocess engine.
func NewStdioEngine(logger *slog.Logger, rec *trace.Recorder) *StdioEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioEngine{
		logger: logger.With("engine", registry.KindStdio),
		rec:    rec,
	}
}

// Kind implements Engine.
func (e *StdioEngine) Kind() string { return registry.KindStdio }

// Call implements Engine.
func (e *StdioEngine) Call(ctx context.Context, svc *registry.ServiceConfig, req *jsonrpc.Request, pol Policy) result.Result {
	cfg, ok := svc.Transport.(registry.StdioTransport)
	if !ok {
		return result.Fail(svc.Name, e.Kind(), result.CodeTransportUnsupported,
			fmt.Sprintf("service %s is not a stdio service", svc.Name))
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return result.Fail(svc.Name, e.Kind(), result.CodeMissingCommand,
			"stdio transport has no command configured")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return result.Fail(svc.Name, e.Kind(), result.CodeRequestFailed,
			"marshal request: "+err.Error())
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = bytes.NewReader(append(payload, '\n'))

	e.logger.Debug("starting subprocess", "command", cfg.Command, "args", cfg.Args)
	e.rec.Trace(svc.Name, e.Kind(), trace.StageAttempt, "spawning subprocess", map[string]any{
		"command": cfg.Command, "rpc_method": req.Method,
	})

	if err := cmd.Start(); err != nil {
		return result.Fail(svc.Name, e.Kind(), result.CodeRequestFailed,
			fmt.Sprintf("start %s: %v", cfg.Command, err))
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(pol.Timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return classifyTransportErr(svc.Name, e.Kind(), pol.Cancel, ctx.Err())
	case <-pol.Cancel:
		_ = cmd.Process.Kill()
		<-done
		return result.Fail(svc.Name, e.Kind(), result.CodeCancelled, "call cancelled")
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-done
		return result.Fail(svc.Name, e.Kind(), result.CodeTimeout,
			fmt.Sprintf("subprocess did not finish within %s", pol.Timeout))
	case waitErr = <-done:
	}

	if waitErr != nil && stderr.Len() > 0 {
		return result.Fail(svc.Name, e.Kind(), result.CodeProcessFailed,
			fmt.Sprintf("subprocess failed (%v): %s", waitErr, strings.TrimSpace(stderr.String())))
	}

	if len(bytes.TrimSpace(stdout.Bytes())) == 0 {
		return result.Fail(svc.Name, e.Kind(), result.CodeNoOutput,
			"subprocess produced no output")
	}

	return e.scanOutput(svc.Name, req.ID, stdout.Bytes())
}

// scanOutput walks the subprocess stdout line by line looking for the
// correlated reply. Servers commonly emit log lines or notifications
// before the response, so non-JSON lines, notifications, and replies
// with a different id are skipped. The line matching the request id
// must carry a result or an error; anything else is a schema fault.
func (e *StdioEngine) scanOutput(service, id string, out []byte) result.Result {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	sawJSON := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || (line[0] != '{' && line[0] != '[') {
			continue
		}

		var resp jsonrpc.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			e.logger.Debug("skipping non-JSON subprocess line", "line", preview(line))
			continue
		}
		sawJSON = true

		// Correlation first: notifications carry no id and replies to
		// other calls carry a different one; both are skipped. Only
		// the line answering this request is judged for shape.
		if idStr := jsonrpc.IDString(resp.ID); idStr != id {
			e.logger.Debug("skipping unmatched subprocess line", "id", idStr)
			continue
		}
		if !resp.Complete() {
			return result.Fail(service, e.Kind(), result.CodeSchemaInvalid,
				"subprocess reply carries neither result nor error")
		}

		return decodeReply(service, e.Kind(), line)
	}

	if sawJSON {
		return result.Fail(service, e.Kind(), result.CodeSchemaInvalid,
			"no reply matched the request id")
	}
	return result.Fail(service, e.Kind(), result.CodeInvalidPayload,
		"subprocess output contained no JSON reply")
}
