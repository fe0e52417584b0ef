// Toolrelay invokes external tool services over the MCP JSON-RPC
// protocol. It supports SSE (modern and legacy two-phase), WebSocket,
// subprocess stdio, and plain HTTP transports behind a single uniform
// call surface.
//
// Usage:
//
//	toolrelay services                 Show configured services
//	toolrelay init [dir]               Write an example config file
//	toolrelay list-tools               Call tools/list on a service
//	toolrelay list-resources           Call resources/list on a service
//	toolrelay list-prompts             Call prompts/list on a service
//	toolrelay call <tool> [json-args]  Invoke a tool via tools/call
//	toolrelay version                  Print version and build information
//	toolrelay -o json version          Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/oturner/toolrelay/internal/buildinfo"
	"github.com/oturner/toolrelay/internal/config"
	"github.com/oturner/toolrelay/internal/defaults"
	"github.com/oturner/toolrelay/internal/dispatch"
	"github.com/oturner/toolrelay/internal/registry"
	"github.com/oturner/toolrelay/internal/result"
	"github.com/oturner/toolrelay/internal/trace"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// cliFlags holds the parsed command line.
type cliFlags struct {
	configPath string
	outputFmt  string
	service    string
	logLevel   string
	traceFile  string
	timeout    time.Duration
	retries    int
	cancelable bool
	command    string
	cmdArgs    []string
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible
// to call run() concurrently from tests, and the surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var f cliFlags

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			f.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			f.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			f.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			f.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-service" && i+1 < len(args):
			f.service = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-service="):
			f.service = strings.TrimPrefix(args[i], "-service=")
		case args[i] == "-log-level" && i+1 < len(args):
			f.logLevel = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-log-level="):
			f.logLevel = strings.TrimPrefix(args[i], "-log-level=")
		case args[i] == "-trace-file" && i+1 < len(args):
			f.traceFile = args[i+1]
			i++
		case args[i] == "-timeout" && i+1 < len(args):
			sec, err := strconv.Atoi(args[i+1])
			if err != nil {
				return fmt.Errorf("bad -timeout value %q", args[i+1])
			}
			f.timeout = time.Duration(sec) * time.Second
			i++
		case args[i] == "-retries" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return fmt.Errorf("bad -retries value %q", args[i+1])
			}
			f.retries = n
			i++
		case args[i] == "-cancelable":
			f.cancelable = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && f.command == "":
			f.command = args[i]
		default:
			if f.command != "" {
				f.cmdArgs = append(f.cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if f.outputFmt == "" {
		f.outputFmt = "text"
	}
	if f.outputFmt != "text" && f.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", f.outputFmt)
	}

	switch f.command {
	case "init":
		dir := "."
		if len(f.cmdArgs) > 0 {
			dir = f.cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "services":
		return runServices(stdout, stderr, f)
	case "list-tools":
		return runCall(ctx, stdout, stderr, f, "tools/list")
	case "list-resources":
		return runCall(ctx, stdout, stderr, f, "resources/list")
	case "list-prompts":
		return runCall(ctx, stdout, stderr, f, "prompts/list")
	case "call":
		if len(f.cmdArgs) == 0 {
			return fmt.Errorf("usage: toolrelay call <tool> [json-args]")
		}
		return runCall(ctx, stdout, stderr, f, "tools/call")
	case "version":
		return runVersion(stdout, f.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", f.command)
	}
}

// setup loads the config, builds the logger, registry, trace recorder,
// and dispatcher shared by every network subcommand.
func setup(stderr io.Writer, f cliFlags) (*dispatch.Dispatcher, *registry.Registry, func(), error) {
	path, err := config.FindConfig(f.configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	doc, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}
	if !doc.Enabled {
		return nil, nil, nil, fmt.Errorf("tool services are disabled in %s", path)
	}

	levelStr := f.logLevel
	if levelStr == "" {
		levelStr = doc.LogLevel
	}
	level, err := config.ParseLogLevel(levelStr)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	reg := registry.Load(doc, logger)

	cleanup := func() {}
	var rec *trace.Recorder
	tracePath := f.traceFile
	if tracePath == "" {
		tracePath = doc.TraceFile
	}
	if tracePath != "" {
		sink, err := trace.NewFileSink(tracePath)
		if err != nil {
			// Tracing is best effort: log and continue without it.
			logger.Warn("trace file unavailable", "path", tracePath, "error", err)
		} else {
			rec = trace.NewRecorder(sink)
			cleanup = func() { _ = sink.Close() }
		}
	} else if level <= slog.LevelDebug {
		rec = trace.NewRecorder(trace.NewLogSink(logger))
	}

	return dispatch.New(reg, logger, rec), reg, cleanup, nil
}

// runServices prints the registry summary. Config-only: no network I/O.
func runServices(stdout, stderr io.Writer, f cliFlags) error {
	_, reg, cleanup, err := setup(stderr, f)
	if err != nil {
		return err
	}
	defer cleanup()

	if !reg.IsAnyServiceAvailable() {
		fmt.Fprintln(stdout, "no tool services configured")
		return nil
	}
	fmt.Fprintln(stdout, reg.Summarize())
	return nil
}

// runCall executes one RPC against the selected service and prints the
// uniform result envelope.
func runCall(ctx context.Context, stdout, stderr io.Writer, f cliFlags, method string) error {
	d, _, cleanup, err := setup(stderr, f)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := dispatch.Options{
		Service: f.service,
		Timeout: f.timeout,
		Retry:   f.retries,
	}

	// Ctrl-C (and, on a terminal, the Esc or q key) cancels the
	// in-flight call and reports CANCELLED instead of killing the
	// process mid-call.
	if f.cancelable {
		cancelCh := make(chan struct{})
		opts.Cancel = cancelCh
		stop := watchForCancel(cancelCh)
		defer stop()
	}

	var res result.Result
	switch method {
	case "tools/call":
		args, err := parseToolArgs(f.cmdArgs)
		if err != nil {
			return err
		}
		res = d.CallTool(ctx, f.cmdArgs[0], args, opts)
	default:
		opts.Retry = 1
		res = d.Invoke(ctx, method, nil, opts)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("call failed: %s (%s)", res.Error, res.Code)
	}
	return nil
}

// parseToolArgs decodes the optional JSON argument object for a
// tools/call invocation.
func parseToolArgs(cmdArgs []string) (map[string]any, error) {
	if len(cmdArgs) < 2 {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(cmdArgs[1]), &args); err != nil {
		return nil, fmt.Errorf("tool arguments must be a JSON object: %w", err)
	}
	return args, nil
}

// watchForCancel closes ch on SIGINT/SIGTERM, or when an interactive
// terminal user presses Esc or q. Returns a stop function.
func watchForCancel(ch chan struct{}) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	closeOnce := func() {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}

	go func() {
		select {
		case <-sigs:
			closeOnce()
		case <-done:
		}
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		go func() {
			buf := make([]byte, 1)
			for {
				n, err := os.Stdin.Read(buf)
				if err != nil {
					return
				}
				if n == 1 && (buf[0] == 0x1b || buf[0] == 'q') {
					closeOnce()
					return
				}
				select {
				case <-done:
					return
				default:
				}
			}
		}()
	}

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// runInit writes the embedded example config into dir, refusing to
// overwrite an existing file.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "toolrelay.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}
	if err := os.WriteFile(path, defaults.ConfigYAML, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "toolrelay - MCP tool service client")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: toolrelay [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  services               Show configured services (no network I/O)")
	fmt.Fprintln(w, "  init [dir]             Write an example config file (default: .)")
	fmt.Fprintln(w, "  list-tools             Call tools/list on a service")
	fmt.Fprintln(w, "  list-resources         Call resources/list on a service")
	fmt.Fprintln(w, "  list-prompts           Call prompts/list on a service")
	fmt.Fprintln(w, "  call <tool> [json]     Invoke a tool via tools/call")
	fmt.Fprintln(w, "  version                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>     Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -service <name>    Target service (default: config default_service)")
	fmt.Fprintln(w, "  -timeout <sec>     Override the call timeout")
	fmt.Fprintln(w, "  -retries <n>       Override the full-call retry count")
	fmt.Fprintln(w, "  -cancelable        Allow Ctrl-C / Esc to cancel the in-flight call")
	fmt.Fprintln(w, "  -trace-file <path> Append per-attempt trace records as JSON lines")
	fmt.Fprintln(w, "  -log-level <lvl>   trace, debug, info, warn, error")
	fmt.Fprintln(w, "  -o, --output fmt   Output format: text (default) or json")
	return nil
}
