package registry

import (
	"strings"
	"testing"
	"time"

	"github.com/oturner/toolrelay/internal/config"
)

func docOf(specs ...config.ServiceSpec) *config.Document {
	return &config.Document{Enabled: true, Services: specs}
}

func sseSpec(name, url string) config.ServiceSpec {
	return config.ServiceSpec{
		Name:      name,
		Transport: config.TransportSpec{Type: KindSSE, URL: url},
	}
}

func TestLoad_SkipsEmptyAndDuplicateNames(t *testing.T) {
	reg := Load(docOf(
		sseSpec("", "http://a"),
		sseSpec("alpha", "http://a"),
		sseSpec("alpha", "http://b"),
	), nil)

	if got := len(reg.Names()); got != 1 {
		t.Fatalf("loaded %d services, want 1", got)
	}
	sc := reg.Resolve("alpha")
	if sc == nil {
		t.Fatal("alpha not resolvable")
	}
	// First entry wins on duplicates.
	if sc.Transport.(SSETransport).URL != "http://a" {
		t.Errorf("duplicate overwrote original: %+v", sc.Transport)
	}
}

func TestLoad_SkipsUnsupportedTransport(t *testing.T) {
	reg := Load(docOf(config.ServiceSpec{
		Name:      "grpc-thing",
		Transport: config.TransportSpec{Type: "grpc"},
	}), nil)

	if reg.IsAnyServiceAvailable() {
		t.Error("unsupported transport was loaded")
	}
}

func TestLoad_BlankKindDefaultsToSSE(t *testing.T) {
	reg := Load(docOf(config.ServiceSpec{
		Name:      "old-style",
		Transport: config.TransportSpec{URL: "http://legacy"},
	}), nil)

	sc := reg.Resolve("old-style")
	if sc == nil {
		t.Fatal("old-style not resolvable")
	}
	if sc.Transport.Kind() != KindSSE {
		t.Errorf("kind = %q, want %q", sc.Transport.Kind(), KindSSE)
	}
}

func TestLoad_PolicyClampsAndDefaults(t *testing.T) {
	tests := []struct {
		name      string
		spec      config.ServiceSpec
		timeout   time.Duration
		idle      time.Duration
		total     time.Duration
		retry     int
	}{
		{
			name:    "all unset",
			spec:    sseSpec("a", "http://a"),
			timeout: DefaultTimeout,
			idle:    DefaultTimeout,
			total:   DefaultTimeout,
			retry:   1,
		},
		{
			name: "below floors",
			spec: config.ServiceSpec{
				Name:           "b",
				Transport:      config.TransportSpec{Type: KindSSE, URL: "http://b"},
				TimeoutSec:     2,
				IdleTimeoutSec: 1,
				Retry:          -3,
			},
			timeout: MinTimeout,
			idle:    MinIdleTimeout,
			total:   MinTimeout,
			retry:   1,
		},
		{
			name: "explicit values",
			spec: config.ServiceSpec{
				Name:            "c",
				Transport:       config.TransportSpec{Type: KindSSE, URL: "http://c"},
				TimeoutSec:      30,
				IdleTimeoutSec:  15,
				TotalTimeoutSec: 90,
				Retry:           3,
			},
			timeout: 30 * time.Second,
			idle:    15 * time.Second,
			total:   90 * time.Second,
			retry:   3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := Load(docOf(tt.spec), nil).Resolve(tt.spec.Name)
			if sc == nil {
				t.Fatal("service not loaded")
			}
			if sc.Timeout != tt.timeout {
				t.Errorf("Timeout = %s, want %s", sc.Timeout, tt.timeout)
			}
			if sc.IdleTimeout != tt.idle {
				t.Errorf("IdleTimeout = %s, want %s", sc.IdleTimeout, tt.idle)
			}
			if sc.TotalTimeout != tt.total {
				t.Errorf("TotalTimeout = %s, want %s", sc.TotalTimeout, tt.total)
			}
			if sc.Retry != tt.retry {
				t.Errorf("Retry = %d, want %d", sc.Retry, tt.retry)
			}
		})
	}
}

func TestLoad_TotalDefaultsToMaxOfTimeoutAndIdle(t *testing.T) {
	sc := Load(docOf(config.ServiceSpec{
		Name:           "d",
		Transport:      config.TransportSpec{Type: KindSSE, URL: "http://d"},
		TimeoutSec:     20,
		IdleTimeoutSec: 45,
	}), nil).Resolve("d")
	if sc == nil {
		t.Fatal("service not loaded")
	}
	if sc.TotalTimeout != 45*time.Second {
		t.Errorf("TotalTimeout = %s, want 45s", sc.TotalTimeout)
	}
}

func TestLoad_DefaultServiceClearedWhenMissing(t *testing.T) {
	doc := docOf(sseSpec("real", "http://real"))
	doc.DefaultService = "ghost"
	reg := Load(doc, nil)

	if reg.DefaultName() != "" {
		t.Errorf("DefaultName = %q, want cleared", reg.DefaultName())
	}
	if reg.Resolve("") != nil {
		t.Error("empty name resolved despite cleared default")
	}
}

func TestResolve(t *testing.T) {
	doc := docOf(sseSpec("alpha", "http://a"), sseSpec("beta", "http://b"))
	doc.DefaultService = "beta"
	reg := Load(doc, nil)

	if sc := reg.Resolve("alpha"); sc == nil || sc.Name != "alpha" {
		t.Errorf("Resolve(alpha) = %+v", sc)
	}
	if sc := reg.Resolve(""); sc == nil || sc.Name != "beta" {
		t.Errorf("Resolve(\"\") = %+v, want default beta", sc)
	}
	if sc := reg.Resolve("ghost"); sc != nil {
		t.Errorf("Resolve(ghost) = %+v, want nil", sc)
	}
}

func TestSummarize(t *testing.T) {
	empty := Load(nil, nil)
	if !strings.Contains(empty.Summarize(), "no tool services") {
		t.Errorf("empty Summarize = %q", empty.Summarize())
	}

	doc := docOf(
		sseSpec("alpha", "http://a"),
		config.ServiceSpec{
			Name:      "tools",
			Transport: config.TransportSpec{Type: KindStdio, Command: "mcp-server"},
		},
	)
	doc.DefaultService = "alpha"
	s := Load(doc, nil).Summarize()

	for _, want := range []string{"alpha", "tools", KindStdio, "* alpha"} {
		if !strings.Contains(s, want) {
			t.Errorf("Summarize missing %q:\n%s", want, s)
		}
	}
}

func TestRegistry_ConcurrentResolve(t *testing.T) {
	reg := Load(docOf(sseSpec("alpha", "http://a")), nil)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				if reg.Resolve("alpha") == nil {
					t.Error("Resolve failed under concurrency")
					return
				}
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
