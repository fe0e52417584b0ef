// Package registry holds the immutable set of configured tool services.
// A Registry is built once at startup from the raw config document and
// is read-only afterward, so concurrent lookups need no locking.
//
// Load is deliberately lenient: a malformed service entry is skipped
// with a warning instead of failing the whole load. One broken entry in
// a shared config file should not take down every other service.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oturner/toolrelay/internal/config"
)

// Transport kind names as they appear in configuration.
const (
	KindSSE       = "sse"
	KindWebSocket = "websocket"
	KindStdio     = "stdio"
	KindHTTP      = "streamableHttp"
)

// Policy floors and defaults. Values below a floor are raised to it;
// unset values take the default.
const (
	DefaultTimeout = 60 * time.Second
	MinTimeout     = 10 * time.Second
	MinIdleTimeout = 5 * time.Second
	DefaultRetry   = 1
)

// Transport is a validated transport descriptor. The set of
// implementations is closed: SSE, WebSocket, Stdio, HTTP.
type Transport interface {
	// Kind returns the configuration name of this transport.
	Kind() string
}

// SSETransport describes a server-sent-events endpoint, covering both
// the modern single-phase protocol and the legacy two-phase handshake.
type SSETransport struct {
	URL     string
	Method  string
	Headers map[string]string
	Debug   bool
	Legacy  bool
}

func (SSETransport) Kind() string { return KindSSE }

// WSTransport describes a WebSocket endpoint.
type WSTransport struct {
	URL     string
	Headers map[string]string
}

func (WSTransport) Kind() string { return KindWebSocket }

// StdioTransport describes a subprocess spoken to over stdin/stdout.
type StdioTransport struct {
	Command string
	Args    []string
	Env     map[string]string
}

func (StdioTransport) Kind() string { return KindStdio }

// HTTPTransport describes a plain request/response JSON-RPC endpoint.
type HTTPTransport struct {
	URL     string
	Method  string
	Headers map[string]string
}

func (HTTPTransport) Kind() string { return KindHTTP }

// ServiceConfig is one validated, immutable service definition.
type ServiceConfig struct {
	Name         string
	Transport    Transport
	Timeout      time.Duration
	IdleTimeout  time.Duration
	TotalTimeout time.Duration
	Retry        int
}

// Registry maps service names to their configs. Immutable after Load.
type Registry struct {
	services    map[string]ServiceConfig
	order       []string
	defaultName string
}

// Load validates the raw document into a Registry. Entries with an
// empty or duplicate name, or an unsupported transport kind, are
// skipped with a warning. A blank transport type means "sse" for
// backward compatibility with older config files. The default service
// name is cleared (with a warning) when it references no entry.
func Load(doc *config.Document, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "registry")

	r := &Registry{services: make(map[string]ServiceConfig)}
	if doc == nil {
		return r
	}

	for i, spec := range doc.Services {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			logger.Warn("skipping service with empty name", "index", i)
			continue
		}
		if _, dup := r.services[name]; dup {
			logger.Warn("skipping duplicate service name", "name", name)
			continue
		}

		transport, err := buildTransport(spec.Transport)
		if err != nil {
			logger.Warn("skipping service with bad transport",
				"name", name,
				"error", err,
			)
			continue
		}

		sc := ServiceConfig{
			Name:      name,
			Transport: transport,
			Timeout:   clampSeconds(spec.TimeoutSec, DefaultTimeout, MinTimeout),
			Retry:     spec.Retry.Int(),
		}
		if sc.Retry < DefaultRetry {
			sc.Retry = DefaultRetry
		}
		sc.IdleTimeout = clampSeconds(spec.IdleTimeoutSec, sc.Timeout, MinIdleTimeout)
		sc.TotalTimeout = clampSeconds(spec.TotalTimeoutSec, maxDuration(sc.Timeout, sc.IdleTimeout), MinTimeout)

		r.services[name] = sc
		r.order = append(r.order, name)
	}

	if doc.DefaultService != "" {
		if _, ok := r.services[doc.DefaultService]; ok {
			r.defaultName = doc.DefaultService
		} else {
			logger.Warn("default service not configured, clearing",
				"default_service", doc.DefaultService,
			)
		}
	}

	logger.Info("service registry loaded",
		"services", len(r.services),
		"default", r.defaultName,
	)
	return r
}

// buildTransport validates a raw transport spec into a tagged variant.
func buildTransport(spec config.TransportSpec) (Transport, error) {
	kind := strings.TrimSpace(spec.Type)
	if kind == "" {
		// Older config files predate the type field; they were all SSE.
		kind = KindSSE
	}

	switch kind {
	case KindSSE:
		return SSETransport{
			URL:     spec.URL,
			Method:  spec.Method,
			Headers: spec.Headers,
			Debug:   spec.Debug,
			Legacy:  spec.Legacy,
		}, nil
	case KindWebSocket:
		return WSTransport{URL: spec.URL, Headers: spec.Headers}, nil
	case KindStdio:
		return StdioTransport{
			Command: spec.Command,
			Args:    spec.Args,
			Env:     spec.Env,
		}, nil
	case KindHTTP:
		return HTTPTransport{
			URL:     spec.URL,
			Method:  spec.Method,
			Headers: spec.Headers,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported transport type %q", kind)
	}
}

// Resolve returns the named service, the default service when name is
// empty, or nil when neither resolves. It never fails.
func (r *Registry) Resolve(name string) *ServiceConfig {
	if name == "" {
		name = r.defaultName
	}
	if name == "" {
		return nil
	}
	sc, ok := r.services[name]
	if !ok {
		return nil
	}
	return &sc
}

// DefaultName returns the configured default service name, or "".
func (r *Registry) DefaultName() string {
	return r.defaultName
}

// IsAnyServiceAvailable reports whether at least one service is
// configured. Config-only: no network I/O.
func (r *Registry) IsAnyServiceAvailable() bool {
	return len(r.services) > 0
}

// Names returns the configured service names in load order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Summarize renders a human-readable description of the configured
// services for capability prompts. Config-only: no network I/O.
func (r *Registry) Summarize() string {
	if len(r.services) == 0 {
		return "no tool services configured"
	}

	names := make([]string, 0, len(r.services))
	names = append(names, r.order...)
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%d tool service(s) configured:\n", len(names))
	for _, name := range names {
		sc := r.services[name]
		marker := " "
		if name == r.defaultName {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %s [%s] timeout=%s idle=%s total=%s retry=%d\n",
			marker, name, sc.Transport.Kind(),
			sc.Timeout, sc.IdleTimeout, sc.TotalTimeout, sc.Retry)
	}
	return strings.TrimRight(b.String(), "\n")
}

// clampSeconds converts a raw seconds value to a duration, applying the
// default when unset (zero or negative) and the floor otherwise.
func clampSeconds(v config.FlexInt, def, floor time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	d := time.Duration(v) * time.Second
	if d < floor {
		return floor
	}
	return d
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
