package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/ccrecon/pkg/engine"
)

// Config is the ccrecon configuration file.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Run        RunSettings      `yaml:"run"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Journal    JournalConfig    `yaml:"journal"`
	Policy     PolicyConfig     `yaml:"policy"`
	Catalog    CatalogConfig    `yaml:"catalog"`
}

// ControllerConfig holds the connection settings for Catalyst Center.
type ControllerConfig struct {
	BaseURL  string   `yaml:"base_url" validate:"omitempty,url"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Insecure bool     `yaml:"insecure"`
	Timeout  Duration `yaml:"timeout" validate:"gte=0"`

	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`

	// Read retries for transport and server faults.
	ReadRetries    int      `yaml:"read_retries" validate:"gte=1,lte=10"`
	RetryBase      Duration `yaml:"retry_base" validate:"gte=0"`
	RetryMax       Duration `yaml:"retry_max" validate:"gte=0"`
	PollInterval   Duration `yaml:"poll_interval" validate:"gte=0"`
	MaxPollBackoff Duration `yaml:"max_poll_interval" validate:"gte=0"`
}

// RunSettings mirrors engine.RunConfig.
type RunSettings struct {
	Mode          engine.Mode            `yaml:"mode" validate:"oneof=check merged deleted query"`
	OnError       engine.FailurePolicy   `yaml:"on_error" validate:"oneof=auto fail-fast continue-on-error"`
	TaskDeadline  Duration               `yaml:"task_deadline" validate:"gte=0"`
	ReadFanout    int                    `yaml:"read_fanout" validate:"gte=1,lte=64"`
	Verify        bool                   `yaml:"verify"`
	RetryAttempts int                    `yaml:"retry_attempts" validate:"gte=0,lte=10"`
	RetryDelay    Duration               `yaml:"retry_delay" validate:"gte=0"`
	Metadata      map[string]interface{} `yaml:"metadata"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=console json"`
	Output string `yaml:"output" validate:"required"`
	Caller bool   `yaml:"caller"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address" validate:"omitempty,hostname_port"`
	Path          string `yaml:"path" validate:"startswith=/"`
	Namespace     string `yaml:"namespace" validate:"required"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Exporter     string            `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint     string            `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64           `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool              `yaml:"insecure"`
	Headers      map[string]string `yaml:"headers"`
}

// JournalConfig contains run journal settings.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// PolicyConfig contains plan guard settings.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths are extra .rego files or directories.
	Paths []string `yaml:"paths" validate:"dive,required"`

	// ProtectedKinds may only be deleted when the run sets allow_delete.
	ProtectedKinds []string `yaml:"protected_kinds" validate:"dive,required"`

	// Disabled names policies, built-in or loaded, to switch off.
	Disabled []string `yaml:"disabled" validate:"dive,required"`
}

// CatalogConfig lists CUE files extending the built-in catalog.
type CatalogConfig struct {
	Paths []string `yaml:"paths" validate:"dive,required"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ValidationError represents a declaration problem with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path locates the declaration (e.g., "resources[2]" or "resources.hq").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning).
	Severity string `json:"severity"`
}

// String renders the error as file:line:col: path: message.
func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
			if e.Column > 0 {
				fmt.Fprintf(&b, ":%d", e.Column)
			}
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// DeclarationSet is the result of loading declaration files.
type DeclarationSet struct {
	// Declarations in file order, then document order.
	Declarations []engine.Declaration `json:"declarations"`

	// SourceFiles lists every file that was read.
	SourceFiles []string `json:"sourceFiles"`

	// Errors holds the problems found; offending declarations are dropped.
	Errors []ValidationError `json:"errors,omitempty"`

	LoadedAt time.Time `json:"loadedAt"`
}

// Err joins the recorded errors, or returns nil.
func (s *DeclarationSet) Err() error {
	var errs []error
	for _, e := range s.Errors {
		if e.Severity == severityError {
			errs = append(errs, errors.New(e.String()))
		}
	}
	return errors.Join(errs...)
}

func (s *DeclarationSet) addError(e ValidationError) {
	if e.Severity == "" {
		e.Severity = severityError
	}
	s.Errors = append(s.Errors, e)
}

const severityError = "error"

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the exported globals of the script.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Steps is the number of Starlark computation steps used.
	Steps uint64 `json:"steps"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
