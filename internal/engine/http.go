package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/oturner/toolrelay/internal/httpkit"
	"github.com/oturner/toolrelay/internal/jsonrpc"
	"github.com/oturner/toolrelay/internal/registry"
	"github.com/oturner/toolrelay/internal/result"
	"github.com/oturner/toolrelay/internal/trace"
)

// maxHTTPBody caps how much of a response body is read.
const maxHTTPBody = 10 << 20

// HTTPEngine performs single request/response JSON-RPC over plain HTTP.
// No internal reconnection: one POST, one body, one classification.
type HTTPEngine struct {
	logger *slog.Logger
	rec    *trace.Recorder
}

// NewHTTPEngine creates the streamable-HTTP engine.
func NewHTTPEngine(logger *slog.Logger, rec *trace.Recorder) *HTTPEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPEngine{
		logger: logger.With("engine", registry.KindHTTP),
		rec:    rec,
	}
}

// Kind implements Engine.
func (e *HTTPEngine) Kind() string { return registry.KindHTTP }

// Call implements Engine.
func (e *HTTPEngine) Call(ctx context.Context, svc *registry.ServiceConfig, req *jsonrpc.Request, pol Policy) result.Result {
	cfg, ok := svc.Transport.(registry.HTTPTransport)
	if !ok {
		return result.Fail(svc.Name, e.Kind(), result.CodeTransportUnsupported,
			fmt.Sprintf("service %s is not an HTTP service", svc.Name))
	}
	if cfg.URL == "" {
		return result.Fail(svc.Name, e.Kind(), result.CodeMissingURL,
			"http transport has no url configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return result.Fail(svc.Name, e.Kind(), result.CodeRequestFailed,
			"marshal request: "+err.Error())
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	callCtx, cancel := context.WithTimeout(ctx, pol.Timeout)
	defer cancel()
	callCtx = watchCancel(callCtx, cancel, pol.Cancel)

	httpReq, err := http.NewRequestWithContext(callCtx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return result.Fail(svc.Name, e.Kind(), result.CodeRequestFailed,
			"create request: "+err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	client := httpkit.NewClient(httpkit.WithTimeout(pol.Timeout))

	e.logger.Debug("sending HTTP request", "url", cfg.URL, "method", req.Method)
	e.rec.Trace(svc.Name, e.Kind(), trace.StageAttempt, "http request", map[string]any{
		"url": cfg.URL, "rpc_method": req.Method,
	})

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return classifyTransportErr(svc.Name, e.Kind(), pol.Cancel, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return result.Fail(svc.Name, e.Kind(), result.CodeBadStatus,
			fmt.Sprintf("service returned %d: %s", httpResp.StatusCode, errBody))
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxHTTPBody))
	if err != nil {
		return classifyTransportErr(svc.Name, e.Kind(), pol.Cancel, err)
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return result.Fail(svc.Name, e.Kind(), result.CodeSchemaInvalid,
			"empty response body")
	}

	return decodeReply(svc.Name, e.Kind(), respBody)
}

// watchCancel cancels the derived context when the cancel channel
// closes, so blocking HTTP I/O honors interactive cancellation.
func watchCancel(ctx context.Context, cancel context.CancelFunc, ch <-chan struct{}) context.Context {
	if ch == nil {
		return ctx
	}
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

// classifyTransportErr maps a connection-level error to a coded result.
// Cancellation wins over timeout; timeout wins over generic failure.
func classifyTransportErr(service, kind string, cancelCh <-chan struct{}, err error) result.Result {
	if cancelCh != nil {
		select {
		case <-cancelCh:
			return result.Fail(service, kind, result.CodeCancelled, "call cancelled")
		default:
		}
	}
	if errors.Is(err, context.Canceled) {
		return result.Fail(service, kind, result.CodeCancelled, "call cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeoutErr(err) {
		return result.Fail(service, kind, result.CodeTimeout, "request timed out: "+err.Error())
	}
	return result.Fail(service, kind, result.CodeRequestFailed, err.Error())
}

// isTimeoutErr reports whether err is a net-level timeout.
func isTimeoutErr(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// sleepInterruptible waits for d unless the context or cancel channel
// fires first. Returns false when interrupted.
func sleepInterruptible(ctx context.Context, cancelCh <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-cancelCh:
		return false
	case <-timer.C:
		return true
	}
}
