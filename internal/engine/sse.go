package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oturner/toolrelay/internal/buildinfo"
	"github.com/oturner/toolrelay/internal/httpkit"
	"github.com/oturner/toolrelay/internal/jsonrpc"
	"github.com/oturner/toolrelay/internal/registry"
	"github.com/oturner/toolrelay/internal/result"
	"github.com/oturner/toolrelay/internal/trace"
)

// protocolVersion is the MCP protocol version advertised during the
// legacy initialize handshake.
const protocolVersion = "2024-11-05"

// legacyPostTries bounds how often a legacy-mode POST (initialize,
// initialized, the real request) is retried before the attempt fails.
// Stale session ids commonly reject the first POST after a reconnect.
const legacyPostTries = 3

// SSEEngine executes one JSON-RPC call over a text/event-stream
// connection. It supports the modern single-phase protocol (POST with
// a streaming response carrying the correlated reply) and the legacy
// two-phase protocol (GET stream, endpoint discovery, initialize
// handshake over a side POST channel, replies on the original stream).
//
// Each call runs up to MaxReconnects+1 connection attempts. Within one
// attempt a single select loop waits on stream lines, the idle timer,
// the total timer, and cancellation; there is no polling.
type SSEEngine struct {
	logger   *slog.Logger
	rec      *trace.Recorder
	maxEvent int
	backoff  time.Duration
}

// NewSSEEngine creates the SSE engine.
func NewSSEEngine(logger *slog.Logger, rec *trace.Recorder) *SSEEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEEngine{
		logger:   logger.With("engine", registry.KindSSE),
		rec:      rec,
		maxEvent: maxEventBytes,
		backoff:  500 * time.Millisecond,
	}
}

// Kind implements Engine.
func (e *SSEEngine) Kind() string { return registry.KindSSE }

// Call implements Engine.
func (e *SSEEngine) Call(ctx context.Context, svc *registry.ServiceConfig, req *jsonrpc.Request, pol Policy) result.Result {
	cfg, ok := svc.Transport.(registry.SSETransport)
	if !ok {
		return result.Fail(svc.Name, e.Kind(), result.CodeTransportUnsupported,
			fmt.Sprintf("service %s is not an SSE service", svc.Name))
	}
	if cfg.URL == "" {
		return result.Fail(svc.Name, e.Kind(), result.CodeMissingURL,
			"sse transport has no url configured")
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return result.Fail(svc.Name, e.Kind(), result.CodeMissingURL,
			"bad sse url: "+err.Error())
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return result.Fail(svc.Name, e.Kind(), result.CodeRequestFailed,
			"marshal request: "+err.Error())
	}

	attempts := pol.MaxReconnects + 1
	if attempts < 1 {
		attempts = 1
	}

	var last result.Result
	for i := 0; i < attempts; i++ {
		if i > 0 {
			e.rec.Trace(svc.Name, e.Kind(), trace.StageReconnect, "reconnecting", map[string]any{
				"attempt": i + 1, "max": attempts,
			})
			e.logger.Debug("reconnecting SSE stream",
				"service", svc.Name, "attempt", i+1, "max", attempts)
			if !sleepInterruptible(ctx, pol.Cancel, e.backoff) {
				return result.Fail(svc.Name, e.Kind(), result.CodeCancelled, "call cancelled")
			}
		}

		// Legacy handshake state is scoped to one connection attempt
		// and rebuilt from scratch on reconnect.
		a := &sseAttempt{
			engine: e,
			svc:    svc,
			cfg:    cfg,
			base:   base,
			req:    req,
			body:   reqBody,
			pol:    pol,
		}
		res := a.run(ctx)
		if res.Success || res.IsTerminal() {
			return res
		}
		last = res

		switch res.Code {
		case result.CodeRequestFailed, result.CodeBadStatus,
			result.CodeStreamInitFailed, result.CodeTimeout:
			// Transient: fall through to the next connection attempt.
		default:
			return res
		}
	}

	return last
}

// sseAttempt threads the state of one connection attempt: the pending
// legacy handshake, the discovered POST endpoint, and the internal
// initialize id. No outer-scope mutation.
type sseAttempt struct {
	engine *SSEEngine
	svc    *registry.ServiceConfig
	cfg    registry.SSETransport
	base   *url.URL
	req    *jsonrpc.Request
	body   []byte
	pol    Policy

	legacy      bool
	postURL     string
	initID      string
	initialized bool
}

// streamLine is one read from the stream's reader goroutine.
type streamLine struct {
	text string
	err  error
}

// run opens the stream and drives the select loop until a terminal
// outcome for this attempt.
func (a *sseAttempt) run(ctx context.Context) result.Result {
	e := a.engine
	kind := e.Kind()

	method := strings.ToUpper(a.cfg.Method)
	if method == "" {
		method = http.MethodPost
	}
	a.legacy = a.cfg.Legacy || method == http.MethodGet
	if a.legacy {
		// The legacy protocol always opens the stream with a bare GET;
		// the request travels over the discovered POST endpoint.
		method = http.MethodGet
	}

	var body *bytes.Reader
	if !a.legacy {
		body = bytes.NewReader(a.body)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	streamCtx = watchCancel(streamCtx, cancel, a.pol.Cancel)

	var httpReq *http.Request
	var err error
	if body != nil {
		httpReq, err = http.NewRequestWithContext(streamCtx, method, a.cfg.URL, body)
	} else {
		httpReq, err = http.NewRequestWithContext(streamCtx, method, a.cfg.URL, nil)
	}
	if err != nil {
		return result.Fail(a.svc.Name, kind, result.CodeRequestFailed, "create request: "+err.Error())
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range a.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	// Streaming read: the client timeout must be zero, the idle and
	// total timers below bound the attempt instead.
	client := httpkit.NewClient(httpkit.WithTimeout(0))

	e.rec.Trace(a.svc.Name, kind, trace.StageAttempt, "opening stream", map[string]any{
		"url": a.cfg.URL, "method": method, "legacy": a.legacy, "rpc_method": a.req.Method,
	})

	resp, err := client.Do(httpReq)
	if err != nil {
		return classifyTransportErr(a.svc.Name, kind, a.pol.Cancel, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(resp.Body, 64*1024)
		return result.Fail(a.svc.Name, kind, result.CodeBadStatus,
			fmt.Sprintf("service returned %d: %s", resp.StatusCode, errBody))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		return result.Fail(a.svc.Name, kind, result.CodeStreamInitFailed,
			fmt.Sprintf("expected text/event-stream, got %q", ct))
	}

	// Reader goroutine feeds lines into the select loop. Closing the
	// response body (via the deferred drain or stream ctx cancel)
	// unblocks it on every exit path.
	lines := make(chan streamLine, 32)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
		for scanner.Scan() {
			lines <- streamLine{text: scanner.Text()}
		}
		if err := scanner.Err(); err != nil {
			lines <- streamLine{err: err}
		}
	}()

	idle := time.NewTimer(a.pol.IdleTimeout)
	defer idle.Stop()
	total := time.NewTimer(a.pol.TotalTimeout)
	defer total.Stop()

	parser := newSSEParser(e.maxEvent)

	for {
		// Cancellation beats a simultaneously ready timer or line.
		if res, done := checkInterrupt(ctx, a.svc.Name, kind, a.pol.Cancel); done {
			return res
		}

		select {
		case <-ctx.Done():
			return classifyTransportErr(a.svc.Name, kind, a.pol.Cancel, ctx.Err())
		case <-a.pol.Cancel:
			return result.Fail(a.svc.Name, kind, result.CodeCancelled, "call cancelled")
		case <-idle.C:
			return result.Fail(a.svc.Name, kind, result.CodeTimeout,
				fmt.Sprintf("no data received for %s", a.pol.IdleTimeout))
		case <-total.C:
			return result.Fail(a.svc.Name, kind, result.CodeTimeout,
				fmt.Sprintf("call exceeded total timeout %s", a.pol.TotalTimeout))
		case ln, ok := <-lines:
			if !ok {
				// End of stream: flush a final unterminated event.
				if ev := parser.flush(); ev != nil {
					if res, done := a.handleEvent(ctx, ev); done {
						return res
					}
				}
				return result.Fail(a.svc.Name, kind, result.CodeRequestFailed,
					"stream closed before a matching reply arrived")
			}
			if ln.err != nil {
				if errors.Is(ln.err, bufio.ErrTooLong) {
					return result.Fail(a.svc.Name, kind, result.CodeResponseTooLarge,
						"stream line exceeds size cap")
				}
				return classifyTransportErr(a.svc.Name, kind, a.pol.Cancel, ln.err)
			}

			// Every received line, heartbeats included, resets the
			// idle timer.
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(a.pol.IdleTimeout)

			if a.cfg.Debug {
				e.logger.Debug("sse line", "service", a.svc.Name, "line", ln.text)
			}

			ev, perr := parser.feed(ln.text)
			if perr != nil {
				return result.Fail(a.svc.Name, kind, result.CodeResponseTooLarge,
					"event payload exceeds 1 MiB cap")
			}
			if ev == nil {
				continue
			}
			if res, done := a.handleEvent(ctx, ev); done {
				return res
			}
		}
	}
}

// handleEvent classifies one flushed event. It returns done=true with
// the attempt's outcome, or done=false to keep reading the stream.
func (a *sseAttempt) handleEvent(ctx context.Context, ev *sseEvent) (result.Result, bool) {
	e := a.engine
	kind := e.Kind()

	if ev.name == "binary" || strings.ContainsRune(ev.data, '\x00') ||
		strings.HasPrefix(ev.data, "�") {
		return result.Fail(a.svc.Name, kind, result.CodeBinaryUnsupported,
			"stream delivered binary content"), true
	}

	// Legacy endpoint discovery: the first endpoint event names the
	// POST target; the initialize handshake starts immediately. An
	// endpoint event on a stream opened in modern mode means the server
	// only speaks the legacy protocol, so the attempt switches over and
	// resends the request through the discovered endpoint.
	if a.postURL == "" && ev.name == "endpoint" {
		a.legacy = true
		target, err := a.base.Parse(strings.TrimSpace(ev.data))
		if err != nil {
			return result.Fail(a.svc.Name, kind, result.CodeStreamInitFailed,
				"unresolvable endpoint payload: "+err.Error()), true
		}
		a.postURL = target.String()
		e.rec.Trace(a.svc.Name, kind, trace.StageHandshake, "endpoint discovered", map[string]any{
			"post_url": a.postURL,
		})

		if err := a.sendInitialize(ctx); err != nil {
			return result.Fail(a.svc.Name, kind, result.CodeRequestFailed,
				"initialize post failed: "+err.Error()), true
		}
		return result.Result{}, false
	}

	trimmed := strings.TrimSpace(ev.data)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return result.Result{}, false
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
		// Heartbeats and progress blobs are not errors; keep reading.
		e.logger.Debug("ignoring unparseable event", "service", a.svc.Name, "data", preview([]byte(trimmed)))
		return result.Result{}, false
	}

	respID := jsonrpc.IDString(resp.ID)

	// The caller's reply: matched by its own id, or by the SSE event
	// id as a fallback for servers that only tag the frame.
	if respID == a.req.ID || (respID == "" && ev.id == a.req.ID) {
		return a.finish(trimmed), true
	}

	// Legacy handshake progress: a reply to the internal initialize id.
	if a.legacy && a.initID != "" && respID == a.initID {
		if resp.Error != nil {
			return result.Fail(a.svc.Name, kind, result.CodeRemoteError,
				"initialize rejected: "+resp.Error.Message), true
		}
		if err := a.completeHandshake(ctx); err != nil {
			return result.Fail(a.svc.Name, kind, result.CodeRequestFailed,
				"handshake post failed: "+err.Error()), true
		}
		return result.Result{}, false
	}

	e.logger.Debug("ignoring uncorrelated event", "service", a.svc.Name, "id", respID)
	return result.Result{}, false
}

// finish decodes the correlated reply payload into the final result.
func (a *sseAttempt) finish(payload string) result.Result {
	res := decodeReply(a.svc.Name, a.engine.Kind(), []byte(payload))
	a.engine.rec.Trace(a.svc.Name, a.engine.Kind(), trace.StageResult, "reply matched", map[string]any{
		"success": res.Success, "code": string(res.Code),
	})
	return res
}

// sendInitialize posts the legacy initialize request on the discovered
// endpoint. The reply arrives asynchronously on the GET stream.
func (a *sseAttempt) sendInitialize(ctx context.Context) error {
	a.initID = uuid.NewString()
	init := &jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      a.initID,
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "toolrelay",
				"version": buildinfo.Version,
			},
		},
	}
	data, err := json.Marshal(init)
	if err != nil {
		return err
	}
	a.engine.rec.Trace(a.svc.Name, a.engine.Kind(), trace.StageHandshake, "initialize sent", nil)
	return a.post(ctx, data)
}

// completeHandshake acknowledges the initialize result and sends the
// real request over the POST channel.
func (a *sseAttempt) completeHandshake(ctx context.Context) error {
	if a.initialized {
		return nil
	}
	a.initialized = true

	notif, err := json.Marshal(jsonrpc.NewNotification("notifications/initialized", nil))
	if err != nil {
		return err
	}
	if err := a.post(ctx, notif); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	a.engine.rec.Trace(a.svc.Name, a.engine.Kind(), trace.StageHandshake, "handshake complete", nil)

	if err := a.post(ctx, a.body); err != nil {
		return fmt.Errorf("request post: %w", err)
	}
	return nil
}

// post sends one JSON body to the legacy endpoint, retrying a bounded
// number of times. Responses on this channel carry no payload we need;
// only the status matters.
func (a *sseAttempt) post(ctx context.Context, body []byte) error {
	client := httpkit.NewClient(httpkit.WithTimeout(15 * time.Second))

	var lastErr error
	for try := 1; try <= legacyPostTries; try++ {
		if try > 1 {
			if !sleepInterruptible(ctx, a.pol.Cancel, 200*time.Millisecond) {
				if err := ctx.Err(); err != nil {
					return err
				}
				return errors.New("call cancelled")
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.postURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range a.cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		status := resp.StatusCode
		httpkit.DrainAndClose(resp.Body, 64*1024)
		if status >= 200 && status <= 299 {
			return nil
		}
		lastErr = fmt.Errorf("endpoint returned %d", status)
	}
	return fmt.Errorf("after %d tries: %w", legacyPostTries, lastErr)
}
