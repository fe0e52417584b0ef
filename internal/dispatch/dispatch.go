// Package dispatch routes JSON-RPC calls to the transport engine of
// the resolved service and runs the outer retry loop. It is the only
// entry point external collaborators use to invoke tools: one call in,
// one result.Result out, exception-free by contract.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oturner/toolrelay/internal/engine"
	"github.com/oturner/toolrelay/internal/jsonrpc"
	"github.com/oturner/toolrelay/internal/registry"
	"github.com/oturner/toolrelay/internal/result"
	"github.com/oturner/toolrelay/internal/trace"
)

// DefaultMaxReconnects is the canonical transport-level reconnection
// bound. The historical behavior varied between 0 and 1 per call site;
// 1 is the documented default here.
const DefaultMaxReconnects = 1

// retryBackoff is the pause between full-call retry attempts.
const retryBackoff = 500 * time.Millisecond

// Options are per-call overrides. Zero values mean "use the service's
// configured policy, then the hard defaults".
type Options struct {
	// Service names the target service; empty means the registry's
	// default service.
	Service string

	// Timeout, IdleTimeout, and TotalTimeout override the service
	// policy when positive.
	Timeout      time.Duration
	IdleTimeout  time.Duration
	TotalTimeout time.Duration

	// Retry overrides the number of full call attempts when positive.
	Retry int

	// MaxReconnects overrides the SSE reconnection bound. Zero means
	// DefaultMaxReconnects; a negative value disables reconnection.
	MaxReconnects int

	// Cancel, when non-nil, aborts the in-flight call once closed.
	Cancel <-chan struct{}
}

// Dispatcher resolves services and executes calls through the engine
// matching each service's transport kind. Safe for concurrent use:
// the registry is immutable and every call owns its own connection.
type Dispatcher struct {
	reg     *registry.Registry
	engines map[string]engine.Engine
	rec     *trace.Recorder
	logger  *slog.Logger
	backoff time.Duration
}

// New creates a Dispatcher with all four transport engines wired.
func New(reg *registry.Registry, logger *slog.Logger, rec *trace.Recorder) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dispatch")

	engines := map[string]engine.Engine{}
	for _, e := range []engine.Engine{
		engine.NewSSEEngine(logger, rec),
		engine.NewWSEngine(logger, rec),
		engine.NewStdioEngine(logger, rec),
		engine.NewHTTPEngine(logger, rec),
	} {
		engines[e.Kind()] = e
	}

	return &Dispatcher{
		reg:     reg,
		engines: engines,
		rec:     rec,
		logger:  logger,
		backoff: retryBackoff,
	}
}

// Invoke executes one JSON-RPC method against the resolved service.
// A missing service is a configuration fault: it returns immediately
// with SERVICE_NOT_FOUND and no network attempt. Transient failures
// drive up to the effective retry count of full attempts, each with a
// freshly generated request id so a stale reply from a previous
// attempt can never be matched. A remote JSON-RPC error is definitive
// and is returned without retrying.
func (d *Dispatcher) Invoke(ctx context.Context, method string, params any, opts Options) result.Result {
	svc := d.reg.Resolve(opts.Service)
	if svc == nil {
		name := opts.Service
		if name == "" {
			name = d.reg.DefaultName()
		}
		return result.Fail(name, "", result.CodeServiceNotFound,
			fmt.Sprintf("no tool service named %q is configured", name))
	}

	eng, ok := d.engines[svc.Transport.Kind()]
	if !ok {
		return result.Fail(svc.Name, svc.Transport.Kind(), result.CodeTransportUnsupported,
			fmt.Sprintf("no engine for transport %q", svc.Transport.Kind()))
	}

	pol := d.mergePolicy(svc, opts)
	retries := opts.Retry
	if retries < 1 {
		retries = svc.Retry
	}
	if retries < 1 {
		retries = 1
	}

	d.rec.Trace(svc.Name, svc.Transport.Kind(), trace.StageDispatch, "invoke", map[string]any{
		"rpc_method": method, "retries": retries,
	})

	var last result.Result
	ran := false
	for attempt := 1; attempt <= retries; attempt++ {
		// Fresh envelope per attempt: new id, same method and params.
		req := jsonrpc.NewRequest(method, params)

		d.logger.Debug("dispatching call",
			"service", svc.Name,
			"transport", svc.Transport.Kind(),
			"method", method,
			"attempt", attempt,
			"of", retries,
		)

		res := eng.Call(ctx, svc, req, pol)
		ran = true
		if res.Success {
			return res
		}
		last = res
		if res.IsTerminal() {
			return res
		}

		d.logger.Warn("call attempt failed",
			"service", svc.Name,
			"method", method,
			"attempt", attempt,
			"code", string(res.Code),
			"error", res.Error,
		)

		if attempt < retries {
			timer := time.NewTimer(d.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return result.Fail(svc.Name, svc.Transport.Kind(), result.CodeCancelled,
					"call cancelled")
			case <-opts.Cancel:
				timer.Stop()
				return result.Fail(svc.Name, svc.Transport.Kind(), result.CodeCancelled,
					"call cancelled")
			case <-timer.C:
			}
		}
	}

	if !ran {
		return result.Fail(svc.Name, svc.Transport.Kind(), result.CodeUnknown,
			"no attempt was executed")
	}
	return last
}

// mergePolicy layers call-site overrides over the service policy.
// The registry guarantees service values are set, so the hard-default
// tier only matters for idle/total derivation on overrides.
func (d *Dispatcher) mergePolicy(svc *registry.ServiceConfig, opts Options) engine.Policy {
	pol := engine.Policy{
		Timeout:       svc.Timeout,
		IdleTimeout:   svc.IdleTimeout,
		TotalTimeout:  svc.TotalTimeout,
		MaxReconnects: DefaultMaxReconnects,
		Cancel:        opts.Cancel,
	}

	if opts.Timeout > 0 {
		pol.Timeout = opts.Timeout
		// An overridden timeout pulls the derived tiers with it
		// unless they are overridden too.
		pol.IdleTimeout = opts.Timeout
		if pol.TotalTimeout < opts.Timeout {
			pol.TotalTimeout = opts.Timeout
		}
	}
	if opts.IdleTimeout > 0 {
		pol.IdleTimeout = opts.IdleTimeout
	}
	if opts.TotalTimeout > 0 {
		pol.TotalTimeout = opts.TotalTimeout
	}
	if pol.TotalTimeout < pol.IdleTimeout {
		pol.TotalTimeout = pol.IdleTimeout
	}
	if opts.MaxReconnects > 0 {
		pol.MaxReconnects = opts.MaxReconnects
	} else if opts.MaxReconnects < 0 {
		pol.MaxReconnects = 0
	}

	return pol
}

// CallTool invokes a named tool. It exists so callers cannot pass a
// tool name where the RPC method belongs: the method is always
// tools/call and the tool name travels in params.
func (d *Dispatcher) CallTool(ctx context.Context, name string, args map[string]any, opts Options) result.Result {
	params := map[string]any{
		"name": name,
	}
	if args != nil {
		params["arguments"] = args
	}
	return d.Invoke(ctx, "tools/call", params, opts)
}

// ListTools lists the service's tools. Listing is cheap and safe to
// repeat, so it runs a single attempt.
func (d *Dispatcher) ListTools(ctx context.Context, service string) result.Result {
	return d.list(ctx, "tools/list", service)
}

// ListResources lists the service's resources.
func (d *Dispatcher) ListResources(ctx context.Context, service string) result.Result {
	return d.list(ctx, "resources/list", service)
}

// ListPrompts lists the service's prompts.
func (d *Dispatcher) ListPrompts(ctx context.Context, service string) result.Result {
	return d.list(ctx, "prompts/list", service)
}

func (d *Dispatcher) list(ctx context.Context, method, service string) result.Result {
	return d.Invoke(ctx, method, nil, Options{Service: service, Retry: 1})
}
