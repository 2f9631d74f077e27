package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/ccrecon/pkg/engine"
	"github.com/openfroyo/ccrecon/pkg/rpc"
	"github.com/openfroyo/ccrecon/pkg/telemetry"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	run := engine.DefaultRunConfig()
	tracker := engine.DefaultTrackerConfig()
	retry := rpc.DefaultRetryPolicy()

	return &Config{
		Controller: ControllerConfig{
			Timeout:        Duration(30 * time.Second),
			ReadRetries:    retry.Attempts,
			RetryBase:      Duration(retry.Base),
			RetryMax:       Duration(retry.Max),
			PollInterval:   Duration(tracker.InitialInterval),
			MaxPollBackoff: Duration(tracker.MaxInterval),
		},
		Run: RunSettings{
			Mode:          run.Mode,
			OnError:       run.OnError,
			TaskDeadline:  Duration(run.TaskDeadline),
			ReadFanout:    run.ReadFanout,
			Verify:        run.Verify,
			RetryAttempts: run.RetryAttempts,
			RetryDelay:    Duration(run.RetryDelay),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "ccrecon",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Journal: JournalConfig{
			Path: "ccrecon.db",
		},
		Policy: PolicyConfig{
			ProtectedKinds: []string{"site", "global-pool"},
		},
	}
}

// Load reads and parses the configuration file. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes configuration YAML over the defaults. Environment variables
// in the form ${VAR} or ${VAR:default} are expanded first.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if cfg.Tracing.Enabled && cfg.Tracing.Exporter == "none" {
		cfg.Tracing.Exporter = "stdout"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the struct tags of every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RunConfig converts the run section for the orchestrator.
func (c *Config) RunConfig() engine.RunConfig {
	metadata := make(map[string]interface{}, len(c.Run.Metadata))
	for k, v := range c.Run.Metadata {
		metadata[k] = v
	}
	return engine.RunConfig{
		Mode:          c.Run.Mode,
		OnError:       c.Run.OnError,
		TaskDeadline:  c.Run.TaskDeadline.Duration(),
		ReadFanout:    c.Run.ReadFanout,
		Verify:        c.Run.Verify,
		RetryAttempts: c.Run.RetryAttempts,
		RetryDelay:    c.Run.RetryDelay.Duration(),
		Metadata:      metadata,
	}
}

// TrackerConfig converts the polling settings for the task tracker.
func (c *Config) TrackerConfig() engine.TrackerConfig {
	return engine.TrackerConfig{
		InitialInterval: c.Controller.PollInterval.Duration(),
		MaxInterval:     c.Controller.MaxPollBackoff.Duration(),
		Deadline:        c.Run.TaskDeadline.Duration(),
	}
}

// HTTPConfig converts the controller section for the REST client.
func (c *Config) HTTPConfig() rpc.HTTPConfig {
	return rpc.HTTPConfig{
		BaseURL:   c.Controller.BaseURL,
		Username:  c.Controller.Username,
		Password:  c.Controller.Password,
		Timeout:   c.Controller.Timeout.Duration(),
		Insecure:  c.Controller.Insecure,
		RateLimit: c.Controller.RateLimit,
		Retry: rpc.RetryPolicy{
			Attempts: c.Controller.ReadRetries,
			Base:     c.Controller.RetryBase.Duration(),
			Max:      c.Controller.RetryMax.Duration(),
		},
	}
}

// TelemetryConfig converts the log, metrics and tracing sections.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	tc.Logging.Level = c.Log.Level
	tc.Logging.Format = c.Log.Format
	tc.Logging.Output = c.Log.Output
	tc.Logging.EnableCaller = c.Log.Caller

	tc.Metrics.Enabled = c.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Metrics.ListenAddress
	tc.Metrics.Path = c.Metrics.Path
	tc.Metrics.Namespace = c.Metrics.Namespace

	tc.Tracing.Enabled = c.Tracing.Enabled
	tc.Tracing.Exporter = c.Tracing.Exporter
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Tracing.SamplingRate
	tc.Tracing.Insecure = c.Tracing.Insecure
	for k, v := range c.Tracing.Headers {
		tc.Tracing.Headers[k] = v
	}
	return tc
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}.
func expandEnvVars(input string) string {
	return envPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}
