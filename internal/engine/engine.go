// Package engine implements the four transport engines that carry a
// JSON-RPC call to a tool service: server-sent events (modern and
// legacy two-phase), WebSocket, subprocess stdio, and plain HTTP.
//
// Every engine has the same contract: one call in, one result.Result
// out, never a panic and never a Go error. Connection handling, timeout
// enforcement, and payload classification all happen behind Call; the
// dispatcher above only decides whether to run the whole call again.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/oturner/toolrelay/internal/jsonrpc"
	"github.com/oturner/toolrelay/internal/registry"
	"github.com/oturner/toolrelay/internal/result"
)

// Policy is the effective per-call policy after the dispatcher merges
// call-site overrides with service defaults.
type Policy struct {
	// Timeout bounds a single-shot engine's whole exchange.
	Timeout time.Duration

	// IdleTimeout is the maximum gap between received lines on a
	// streaming connection.
	IdleTimeout time.Duration

	// TotalTimeout bounds one streaming connection attempt regardless
	// of activity.
	TotalTimeout time.Duration

	// MaxReconnects bounds transport-level reconnection inside one
	// call attempt (SSE only).
	MaxReconnects int

	// Cancel, when non-nil, aborts the call as soon as it is closed.
	// Cancellation takes priority over timeouts and reconnection.
	Cancel <-chan struct{}
}

// Engine executes one JSON-RPC call over a specific transport kind.
type Engine interface {
	// Kind returns the transport kind this engine serves.
	Kind() string

	// Call performs the exchange and classifies the outcome. It never
	// returns a Go error; every failure becomes a coded Result.
	Call(ctx context.Context, svc *registry.ServiceConfig, req *jsonrpc.Request, pol Policy) result.Result
}

// compatReply is the secondary response shape some services return
// instead of a JSON-RPC envelope.
type compatReply struct {
	Success *bool  `json:"success"`
	Data    any    `json:"data"`
	Error   string `json:"error"`
}

// decodeReply classifies a complete reply body. Order matters: a valid
// JSON-RPC error is the service's considered answer (REMOTE_ERROR), a
// result is success, the {success, data} compatibility shape comes
// next, and well-formed JSON with none of those is SCHEMA_INVALID.
// Bodies that are not JSON at all are INVALID_PAYLOAD.
func decodeReply(service, kind string, body []byte) result.Result {
	trimmed := bytes.TrimSpace(body)

	var resp jsonrpc.Response
	if err := json.Unmarshal(trimmed, &resp); err == nil {
		if resp.Error != nil {
			msg := resp.Error.Message
			if msg == "" {
				if raw, err := json.Marshal(resp.Error); err == nil {
					msg = string(raw)
				}
			}
			return result.Fail(service, kind, result.CodeRemoteError, msg)
		}
		if resp.Result != nil {
			var data any
			if err := json.Unmarshal(resp.Result, &data); err != nil {
				return result.Fail(service, kind, result.CodeInvalidPayload,
					"unparseable result payload: "+err.Error())
			}
			return result.OK(service, kind, data)
		}

		var compat compatReply
		if err := json.Unmarshal(trimmed, &compat); err == nil && compat.Success != nil {
			if *compat.Success {
				return result.OK(service, kind, compat.Data)
			}
			msg := compat.Error
			if msg == "" {
				msg = "service reported failure"
			}
			return result.Fail(service, kind, result.CodeRemoteError, msg)
		}

		return result.Fail(service, kind, result.CodeSchemaInvalid,
			"response carries neither result nor error")
	}

	return result.Fail(service, kind, result.CodeInvalidPayload,
		"response is not valid JSON: "+preview(trimmed))
}

// preview truncates a payload for inclusion in error messages.
func preview(b []byte) string {
	const max = 120
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
