package otel

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingProvider(t *testing.T, cfg Config, id Identity) (*Provider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	cfg.Enabled = true
	p, err := initWith(context.Background(), cfg, id, exp)
	if err != nil {
		t.Fatalf("initWith: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, exp
}

func resourceValue(t *testing.T, p *Provider, key attribute.Key) (string, bool) {
	t.Helper()
	v, ok := p.Resource.Set().Value(key)
	return v.Emit(), ok
}

func TestInit_ResourceIdentifiesRole(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		id        Identity
		service   string
		role      string
		image     string
		sessionID string
	}{
		{
			name:    "daemon by default",
			id:      Identity{},
			service: "clawbox",
			role:    "daemon",
		},
		{
			name:      "agent inside a sandbox",
			id:        Identity{Role: RoleAgent, Image: "clawbox/agent:1.4", SessionID: "s-1"},
			service:   "clawbox-agent",
			role:      "agent",
			image:     "clawbox/agent:1.4",
			sessionID: "s-1",
		},
		{
			name:    "configured service name wins",
			cfg:     Config{ServiceName: "clawbox-staging"},
			id:      Identity{Role: RoleDaemon, Image: "clawbox/agent:1.4"},
			service: "clawbox-staging",
			role:    "daemon",
			image:   "clawbox/agent:1.4",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newRecordingProvider(t, tt.cfg, tt.id)

			if got, _ := resourceValue(t, p, "service.name"); got != tt.service {
				t.Errorf("service.name = %q, want %q", got, tt.service)
			}
			if got, _ := resourceValue(t, p, "service.version"); got != Version {
				t.Errorf("service.version = %q, want %q", got, Version)
			}
			if got, _ := resourceValue(t, p, AttrRole); got != tt.role {
				t.Errorf("role = %q, want %q", got, tt.role)
			}
			got, ok := resourceValue(t, p, AttrImage)
			if ok != (tt.image != "") || got != tt.image {
				t.Errorf("image = %q (present %v), want %q", got, ok, tt.image)
			}
			got, ok = resourceValue(t, p, AttrSessionID)
			if ok != (tt.sessionID != "") || got != tt.sessionID {
				t.Errorf("session = %q (present %v), want %q", got, ok, tt.sessionID)
			}
		})
	}
}

func TestInit_SpansCarryAgentResource(t *testing.T) {
	p, exp := newRecordingProvider(t, Config{}, Identity{Role: RoleAgent, Image: "clawbox/agent:1.4", SessionID: "s-9"})

	_, span := StartServerSpan(context.Background(), p.Tracer, "agent.query", AttrResume.Bool(true))
	EndSpan(span, errors.New("claude exited"))
	if err := p.TracerProvider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("kind = %v, want server", s.SpanKind)
	}
	if v, _ := s.Resource.Set().Value(AttrRole); v.AsString() != "agent" {
		t.Errorf("span role = %q", v.AsString())
	}
	if v, _ := s.Resource.Set().Value(AttrSessionID); v.AsString() != "s-9" {
		t.Errorf("span session = %q", v.AsString())
	}
	if s.Status.Description != "claude exited" {
		t.Errorf("status = %+v", s.Status)
	}
}

func TestInit_SampleRateOutOfRangeKeepsEverything(t *testing.T) {
	for _, rate := range []float64{0, -1, 7} {
		p, exp := newRecordingProvider(t, Config{SampleRate: rate}, Identity{})
		for i := 0; i < 20; i++ {
			_, span := p.Tracer.Start(context.Background(), "sweep")
			span.End()
		}
		_ = p.TracerProvider.ForceFlush(context.Background())
		if n := len(exp.GetSpans()); n != 20 {
			t.Errorf("rate %v: sampled %d of 20", rate, n)
		}
	}
}

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Exporter: "not-checked"}, Identity{Role: RoleAgent})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.TracerProvider != nil || p.Resource != nil {
		t.Fatal("disabled telemetry built an sdk provider")
	}
	_, span := p.Tracer.Start(context.Background(), "query")
	if span.SpanContext().IsValid() {
		t.Error("disabled tracer produced a recording span")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "zipkin"}, Identity{})
	if err == nil || !strings.Contains(err.Error(), `unknown exporter "zipkin"`) {
		t.Fatalf("err = %v", err)
	}
}

func TestOTLPOptions(t *testing.T) {
	tests := []struct {
		endpoint string
		want     int
	}{
		{"", 2},
		{"collector:4318", 2},
		{"https://otel.example.com/v1/traces", 1},
		{"http://collector:4318/v1/traces", 1},
	}
	for _, tt := range tests {
		if got := len(otlpOptions(tt.endpoint)); got != tt.want {
			t.Errorf("otlpOptions(%q) = %d options, want %d", tt.endpoint, got, tt.want)
		}
	}
}

func TestSandboxEnv_RoundTrip(t *testing.T) {
	daemon := Config{Enabled: true, Exporter: ExporterStdout, Endpoint: "collector:4318", SampleRate: 0.25, ServiceName: "clawbox"}
	env := SandboxEnv(daemon)

	got := ConfigFromEnv(func(k string) string { return env[k] })
	if !got.Enabled || got.Exporter != ExporterStdout || got.Endpoint != "collector:4318" || got.SampleRate != 0.25 {
		t.Fatalf("round trip = %+v", got)
	}
	if got.ServiceName != "" {
		t.Errorf("service name leaked into sandbox: %q", got.ServiceName)
	}
}

func TestSandboxEnv_DefaultsAndDisabled(t *testing.T) {
	if env := SandboxEnv(Config{Endpoint: "collector:4318"}); env != nil {
		t.Errorf("disabled env = %v", env)
	}
	if cfg := ConfigFromEnv(func(string) string { return "" }); cfg.Enabled {
		t.Errorf("empty env enabled telemetry: %+v", cfg)
	}

	env := SandboxEnv(Config{Enabled: true})
	if env[EnvExporter] != ExporterOTLP {
		t.Errorf("exporter = %q", env[EnvExporter])
	}
	if _, ok := env[EnvEndpoint]; ok {
		t.Error("empty endpoint exported")
	}

	cfg := ConfigFromEnv(func(k string) string {
		if k == EnvSampleRate {
			return "lots"
		}
		return map[string]string{EnvEndpoint: "collector:4318"}[k]
	})
	if !cfg.Enabled || cfg.SampleRate != 0 {
		t.Errorf("bad sample rate handling: %+v", cfg)
	}
}

func TestHeaders_ContinueTrace(t *testing.T) {
	daemon, _ := newRecordingProvider(t, Config{}, Identity{Role: RoleDaemon})
	agent, exp := newRecordingProvider(t, Config{}, Identity{Role: RoleAgent})

	ctx, client := StartClientSpan(context.Background(), daemon.Tracer, "agent.query")
	h := http.Header{}
	InjectHeaders(ctx, h)
	client.End()
	if h.Get("traceparent") == "" {
		t.Fatal("no traceparent header")
	}

	remote := ExtractHeaders(context.Background(), h)
	_, server := StartServerSpan(remote, agent.Tracer, "agent.query")
	server.End()
	_ = agent.TracerProvider.ForceFlush(context.Background())

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d", len(spans))
	}
	if spans[0].SpanContext.TraceID() != client.SpanContext().TraceID() {
		t.Error("agent span started a new trace")
	}
	if spans[0].Parent.SpanID() != client.SpanContext().SpanID() {
		t.Error("agent span is not a child of the daemon span")
	}
}

func TestExtractHeaders_NoTraceLeavesContext(t *testing.T) {
	ctx := ExtractHeaders(context.Background(), http.Header{})
	if trace.SpanContextFromContext(ctx).IsValid() {
		t.Fatal("extracted a span context from empty headers")
	}
}
