package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oturner/toolrelay/internal/jsonrpc"
	"github.com/oturner/toolrelay/internal/registry"
	"github.com/oturner/toolrelay/internal/result"
	"github.com/oturner/toolrelay/internal/trace"
)

// WSEngine performs single send/receive JSON-RPC over a WebSocket.
// The connection lives for exactly one call; no internal reconnection.
type WSEngine struct {
	logger *slog.Logger
	rec    *trace.Recorder
}

// NewWSEngine creates the WebSocket engine.
func NewWSEngine(logger *slog.Logger, rec *trace.Recorder) *WSEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSEngine{
		logger: logger.With("engine", registry.KindWebSocket),
		rec:    rec,
	}
}

// Kind implements Engine.
func (e *WSEngine) Kind() string { return registry.KindWebSocket }

// Call implements Engine.
func (e *WSEngine) Call(ctx context.Context, svc *registry.ServiceConfig, req *jsonrpc.Request, pol Policy) result.Result {
	cfg, ok := svc.Transport.(registry.WSTransport)
	if !ok {
		return result.Fail(svc.Name, e.Kind(), result.CodeTransportUnsupported,
			fmt.Sprintf("service %s is not a websocket service", svc.Name))
	}
	if cfg.URL == "" {
		return result.Fail(svc.Name, e.Kind(), result.CodeMissingURL,
			"websocket transport has no url configured")
	}

	wsURL, err := toWSURL(cfg.URL)
	if err != nil {
		return result.Fail(svc.Name, e.Kind(), result.CodeMissingURL,
			"bad websocket url: "+err.Error())
	}

	deadline := time.Now().Add(pol.Timeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	dialCtx = watchCancel(dialCtx, cancel, pol.Cancel)

	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	// Large read buffer: tool results (file listings, schemas) can be big.
	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024,
		WriteBufferSize: 64 * 1024,
	}

	e.logger.Debug("dialing websocket", "url", wsURL)
	e.rec.Trace(svc.Name, e.Kind(), trace.StageAttempt, "websocket dial", map[string]any{
		"url": wsURL, "rpc_method": req.Method,
	})

	conn, httpResp, err := dialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		if httpResp != nil && httpResp.StatusCode != http.StatusSwitchingProtocols {
			return result.Fail(svc.Name, e.Kind(), result.CodeBadStatus,
				fmt.Sprintf("websocket handshake rejected with %d", httpResp.StatusCode))
		}
		return classifyTransportErr(svc.Name, e.Kind(), pol.Cancel, err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(req); err != nil {
		return classifyTransportErr(svc.Name, e.Kind(), pol.Cancel, err)
	}

	// Read until the correlated reply or the deadline. Servers may
	// push notifications first; those are skipped by id.
	_ = conn.SetReadDeadline(deadline)
	for {
		if res, done := checkInterrupt(dialCtx, svc.Name, e.Kind(), pol.Cancel); done {
			return res
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return classifyTransportErr(svc.Name, e.Kind(), pol.Cancel, err)
		}

		var resp jsonrpc.Response
		if err := json.Unmarshal(msg, &resp); err != nil {
			return result.Fail(svc.Name, e.Kind(), result.CodeInvalidPayload,
				"websocket payload is not valid JSON: "+preview(msg))
		}
		if idStr := jsonrpc.IDString(resp.ID); idStr != "" && idStr != req.ID {
			e.logger.Debug("skipping unmatched websocket message", "id", idStr)
			continue
		}
		if !resp.Complete() {
			// Probably a notification; keep waiting for the reply.
			e.logger.Debug("skipping websocket notification", "payload", preview(msg))
			continue
		}

		return decodeReply(svc.Name, e.Kind(), msg)
	}
}

// checkInterrupt reports a cancellation that arrived between reads.
func checkInterrupt(ctx context.Context, service, kind string, cancelCh <-chan struct{}) (result.Result, bool) {
	select {
	case <-cancelCh:
		return result.Fail(service, kind, result.CodeCancelled, "call cancelled"), true
	default:
	}
	select {
	case <-ctx.Done():
		return classifyTransportErr(service, kind, cancelCh, ctx.Err()), true
	default:
	}
	return result.Result{}, false
}

// toWSURL maps http(s) schemes to ws(s) so configs can reuse the same
// url shape across transports.
func toWSURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
