package engine

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/oturner/toolrelay/internal/jsonrpc"
	"github.com/oturner/toolrelay/internal/registry"
	"github.com/oturner/toolrelay/internal/result"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func stdioService(command string, args ...string) *registry.ServiceConfig {
	return &registry.ServiceConfig{
		Name:      "local",
		Transport: registry.StdioTransport{Command: command, Args: args},
	}
}

func stdioPolicy() Policy {
	return Policy{Timeout: 5 * time.Second}
}

// writeScript drops an executable shell script into a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "service.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStdio_Success(t *testing.T) {
	requireShell(t)

	// Echo a reply reusing the incoming envelope's id, with a log line
	// and a notification ahead of it that must be skipped.
	script := writeScript(t, `
read line
id=$(printf '%s' "$line" | sed 's/.*"id":"\([^"]*\)".*/\1/')
echo "starting up"
echo '{"jsonrpc":"2.0","method":"notifications/progress","params":{}}'
printf '{"jsonrpc":"2.0","id":"%s","result":{"tools":[{"name":"echo"}]}}\n' "$id"
`)

	req := jsonrpc.NewRequest("tools/list", nil)
	res := NewStdioEngine(testLogger(), nil).Call(t.Context(), stdioService(script), req, stdioPolicy())

	if !res.Success {
		t.Fatalf("Call failed: %s (%s)", res.Error, res.Code)
	}
	data, ok := res.Data.(map[string]any)
	if !ok || data["tools"] == nil {
		t.Errorf("data = %+v, want tools list", res.Data)
	}
}

func TestStdio_EnvPassedToProcess(t *testing.T) {
	requireShell(t)

	script := writeScript(t, `
read line
id=$(printf '%s' "$line" | sed 's/.*"id":"\([^"]*\)".*/\1/')
printf '{"jsonrpc":"2.0","id":"%s","result":{"token":"%s"}}\n' "$id" "$SERVICE_TOKEN"
`)
	svc := &registry.ServiceConfig{
		Name: "local",
		Transport: registry.StdioTransport{
			Command: script,
			Env:     map[string]string{"SERVICE_TOKEN": "s3cret"},
		},
	}

	req := jsonrpc.NewRequest("ping", nil)
	res := NewStdioEngine(testLogger(), nil).Call(t.Context(), svc, req, stdioPolicy())

	if !res.Success {
		t.Fatalf("Call failed: %s (%s)", res.Error, res.Code)
	}
	data, _ := res.Data.(map[string]any)
	if data["token"] != "s3cret" {
		t.Errorf("token = %v, want value from configured env", data["token"])
	}
}

func TestStdio_NotificationBeforeReplyIsSkipped(t *testing.T) {
	requireShell(t)

	// A progress notification precedes the correlated reply, the way
	// stdio servers routinely report long-running work. It carries no
	// id and must not be mistaken for a malformed reply.
	script := writeScript(t, `
read line
id=$(printf '%s' "$line" | sed 's/.*"id":"\([^"]*\)".*/\1/')
echo '{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":0.5}}'
printf '{"jsonrpc":"2.0","id":"%s","result":{"ok":true}}\n' "$id"
`)

	req := jsonrpc.NewRequest("tools/call", map[string]any{"name": "slow"})
	res := NewStdioEngine(testLogger(), nil).Call(t.Context(), stdioService(script), req, stdioPolicy())

	if !res.Success {
		t.Fatalf("Call failed: %s (%s)", res.Error, res.Code)
	}
	data, _ := res.Data.(map[string]any)
	if data["ok"] != true {
		t.Errorf("data = %+v, want the correlated reply", res.Data)
	}
}

func TestStdio_OnlyNotificationsIsSchemaFault(t *testing.T) {
	requireShell(t)

	res := NewStdioEngine(testLogger(), nil).Call(t.Context(),
		stdioService("sh", "-c", `echo '{"jsonrpc":"2.0","method":"notifications/progress","params":{}}'`),
		jsonrpc.NewRequest("tools/list", nil), stdioPolicy())

	if res.Code != result.CodeSchemaInvalid {
		t.Fatalf("res = %+v, want SCHEMA_INVALID when no line matched", res)
	}
}

func TestStdio_ProcessFailed(t *testing.T) {
	requireShell(t)

	res := NewStdioEngine(testLogger(), nil).Call(t.Context(),
		stdioService("sh", "-c", "echo boom >&2; exit 1"),
		jsonrpc.NewRequest("tools/list", nil), stdioPolicy())

	if res.Success || res.Code != result.CodeProcessFailed {
		t.Fatalf("res = %+v, want PROCESS_FAILED", res)
	}
	if !strings.Contains(res.Error, "boom") {
		t.Errorf("error = %q, want stderr content", res.Error)
	}
}

func TestStdio_NoOutput(t *testing.T) {
	requireShell(t)

	res := NewStdioEngine(testLogger(), nil).Call(t.Context(),
		stdioService("sh", "-c", "exit 0"),
		jsonrpc.NewRequest("tools/list", nil), stdioPolicy())

	if res.Code != result.CodeNoOutput {
		t.Fatalf("res = %+v, want NO_OUTPUT", res)
	}
}

func TestStdio_EchoedEnvelopeIsSchemaFault(t *testing.T) {
	requireShell(t)

	// cat echoes the request back: valid JSON-RPC with the right id but
	// neither result nor error.
	res := NewStdioEngine(testLogger(), nil).Call(t.Context(),
		stdioService("sh", "-c", "cat"),
		jsonrpc.NewRequest("tools/list", nil), stdioPolicy())

	if res.Code != result.CodeSchemaInvalid {
		t.Fatalf("res = %+v, want SCHEMA_INVALID", res)
	}
}

func TestStdio_NonJSONOutput(t *testing.T) {
	requireShell(t)

	res := NewStdioEngine(testLogger(), nil).Call(t.Context(),
		stdioService("sh", "-c", "echo hello world"),
		jsonrpc.NewRequest("tools/list", nil), stdioPolicy())

	if res.Code != result.CodeInvalidPayload {
		t.Fatalf("res = %+v, want INVALID_PAYLOAD", res)
	}
}

func TestStdio_Timeout(t *testing.T) {
	requireShell(t)

	pol := Policy{Timeout: 100 * time.Millisecond}
	start := time.Now()
	res := NewStdioEngine(testLogger(), nil).Call(t.Context(),
		stdioService("sh", "-c", "sleep 10"),
		jsonrpc.NewRequest("tools/list", nil), pol)

	if res.Code != result.CodeTimeout {
		t.Fatalf("res = %+v, want TIMEOUT", res)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("kill took %s", elapsed)
	}
}

func TestStdio_Cancellation(t *testing.T) {
	requireShell(t)

	cancelCh := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(cancelCh)
	}()

	pol := Policy{Timeout: 10 * time.Second, Cancel: cancelCh}
	res := NewStdioEngine(testLogger(), nil).Call(t.Context(),
		stdioService("sh", "-c", "sleep 10"),
		jsonrpc.NewRequest("tools/list", nil), pol)

	if res.Code != result.CodeCancelled {
		t.Fatalf("res = %+v, want CANCELLED", res)
	}
}

func TestStdio_MissingCommand(t *testing.T) {
	res := NewStdioEngine(testLogger(), nil).Call(t.Context(),
		stdioService("  "),
		jsonrpc.NewRequest("tools/list", nil), stdioPolicy())

	if res.Code != result.CodeMissingCommand {
		t.Fatalf("res = %+v, want MISSING_COMMAND", res)
	}
}
