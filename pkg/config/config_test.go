package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/ccrecon/pkg/engine"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	rc := cfg.RunConfig()
	def := engine.DefaultRunConfig()
	if rc.Mode != def.Mode || rc.OnError != def.OnError || rc.RetryAttempts != def.RetryAttempts || rc.RetryDelay != def.RetryDelay {
		t.Errorf("Expected engine defaults, got %+v", rc)
	}
	if cfg.Controller.Timeout.Duration() != 30*time.Second {
		t.Errorf("Expected 30s timeout, got %v", cfg.Controller.Timeout.Duration())
	}
	if cfg.Journal.Enabled || cfg.Policy.Enabled {
		t.Error("Expected journal and policy to be off by default")
	}
}

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
controller:
  base_url: https://dnac.example.net
  insecure: true
  rate_limit: 5
run:
  mode: check
  retry_attempts: 0
  task_deadline: 2m
  metadata:
    allow_delete: true
log:
  level: DEBUG
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Controller.BaseURL != "https://dnac.example.net" || !cfg.Controller.Insecure {
		t.Errorf("Unexpected controller section %+v", cfg.Controller)
	}
	if cfg.Controller.ReadRetries != 3 {
		t.Errorf("Expected untouched read retries to keep the default, got %d", cfg.Controller.ReadRetries)
	}

	rc := cfg.RunConfig()
	if rc.Mode != engine.ModeCheck {
		t.Errorf("Expected check mode, got %s", rc.Mode)
	}
	if rc.RetryAttempts != 0 {
		t.Errorf("Expected explicit zero retries, got %d", rc.RetryAttempts)
	}
	if rc.TaskDeadline != 2*time.Minute {
		t.Errorf("Expected 2m deadline, got %v", rc.TaskDeadline)
	}
	if rc.Metadata["allow_delete"] != true {
		t.Errorf("Expected metadata to be carried, got %v", rc.Metadata)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected level to be lower-cased, got %s", cfg.Log.Level)
	}

	tc := cfg.TrackerConfig()
	if tc.Deadline != 2*time.Minute || tc.InitialInterval != time.Second {
		t.Errorf("Unexpected tracker config %+v", tc)
	}

	hc := cfg.HTTPConfig()
	if hc.RateLimit != 5 || hc.Retry.Attempts != 3 {
		t.Errorf("Unexpected HTTP config %+v", hc)
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("CCRECON_TEST_PASSWORD", "s3cret")

	cfg, err := Parse([]byte(`
controller:
  username: ${CCRECON_TEST_USER:admin}
  password: ${CCRECON_TEST_PASSWORD}
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Controller.Username != "admin" {
		t.Errorf("Expected default username, got %q", cfg.Controller.Username)
	}
	if cfg.Controller.Password != "s3cret" {
		t.Errorf("Expected password from the environment, got %q", cfg.Controller.Password)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad mode", "run:\n  mode: replace\n", "Mode"},
		{"bad policy", "run:\n  on_error: retry\n", "OnError"},
		{"bad duration", "run:\n  retry_delay: soon\n", "soon"},
		{"bad url", "controller:\n  base_url: not a url\n", "BaseURL"},
		{"journal without path", "journal:\n  enabled: true\n  path: \"\"\n", "Path"},
		{"otlp without endpoint", "tracing:\n  enabled: true\n  exporter: otlp\n", "Endpoint"},
		{"fanout", "run:\n  read_fanout: 0\n", "ReadFanout"},
		{"sampling", "tracing:\n  sampling_rate: 2\n", "SamplingRate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParse_TracingEnabledPicksExporter(t *testing.T) {
	cfg, err := Parse([]byte("tracing:\n  enabled: true\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Tracing.Exporter != "stdout" {
		t.Errorf("Expected stdout exporter, got %s", cfg.Tracing.Exporter)
	}

	tc := cfg.TelemetryConfig("1.2.3")
	if !tc.Tracing.Enabled || tc.Tracing.Exporter != "stdout" || tc.ServiceVersion != "1.2.3" {
		t.Errorf("Unexpected telemetry config %+v", tc.Tracing)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("Expected a valid telemetry config, got %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ccrecon.yaml")
	if err := os.WriteFile(path, []byte("policy:\n  enabled: true\n  protected_kinds: [tag]\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Policy.Enabled || len(cfg.Policy.ProtectedKinds) != 1 || cfg.Policy.ProtectedKinds[0] != "tag" {
		t.Errorf("Unexpected policy section %+v", cfg.Policy)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for a missing file")
	}
}

func TestValidationError_String(t *testing.T) {
	tests := []struct {
		err  ValidationError
		want string
	}{
		{ValidationError{Message: "boom"}, "boom"},
		{ValidationError{File: "a.yaml", Line: 3, Column: 5, Path: "resources[0]", Message: "boom"}, "a.yaml:3:5: resources[0]: boom"},
		{ValidationError{File: "a.star", Message: "boom"}, "a.star: boom"},
	}
	for _, tt := range tests {
		if got := tt.err.String(); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}
