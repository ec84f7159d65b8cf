// Package config loads the brickflow runtime configuration and compiles mod
// files into validated pipelines.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/polisai/brickflow/internal/governance"
	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/engine"
	"github.com/polisai/brickflow/pkg/frames"
	"github.com/polisai/brickflow/pkg/logging"
	"github.com/polisai/brickflow/pkg/policy"
	"github.com/polisai/brickflow/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Config holds the global configuration of a brickflow process.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Frames    FramesConfig              `yaml:"frames"`
	Gate      GateConfig                `yaml:"gate"`
	Transport TransportConfig           `yaml:"transport"`
	Pipeline  PipelineConfig            `yaml:"pipeline"`
	Telemetry telemetry.Config          `yaml:"telemetry"`
	Redaction telemetry.RedactionPolicy `yaml:"redaction"`
	Logging   logging.Config            `yaml:"logging"`
}

// ServerConfig holds the frame agent listener settings.
type ServerConfig struct {
	Address        string `yaml:"address" validate:"required"`
	MetricsAddress string `yaml:"metrics_address"`
}

// FramesConfig describes the frame topology seen from this process.
type FramesConfig struct {
	Current frames.Frame   `yaml:"current"`
	Others  []frames.Frame `yaml:"others" validate:"dive"`
	// Remote is the privileged remote surface, if any.
	Remote *RemoteConfig `yaml:"remote"`
	// Document is a YAML element tree used for root resolution.
	Document string `yaml:"document"`
}

// RemoteConfig addresses the privileged remote surface.
type RemoteConfig struct {
	ID      string `yaml:"id" validate:"required"`
	Address string `yaml:"address" validate:"required,url"`
}

// GateConfig configures the remote allow-list.
type GateConfig struct {
	AllowedBricks []string `yaml:"allowed_bricks" validate:"dive,brick_id"`
	// ModuleFiles replace the default allow-list module with Rego sources.
	ModuleFiles []string    `yaml:"module_files"`
	Mode        policy.Mode `yaml:"mode" validate:"omitempty,oneof=fail-closed fail-open"`
}

// TransportConfig tunes calls to other frames.
type TransportConfig struct {
	Timeout        time.Duration                           `yaml:"timeout"`
	BreakerFailure int                                     `yaml:"breaker_failures" validate:"gte=0"`
	BreakerTimeout time.Duration                           `yaml:"breaker_timeout"`
	RateLimits     map[string]governance.RateLimiterConfig `yaml:"rate_limits"`
}

// PipelineConfig locates mod files and sets per-run options.
type PipelineConfig struct {
	File               string        `yaml:"file"`
	Dir                string        `yaml:"dir"`
	DestinationTimeout time.Duration `yaml:"destination_timeout"`
	RequireRenderer    bool          `yaml:"require_renderer"`
	Watch              bool          `yaml:"watch"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Address: ":8090"},
		Frames: FramesConfig{Current: frames.Frame{ID: "local", Surface: "local"}},
		Gate:   GateConfig{Mode: policy.ModeFailClosed},
		Transport: TransportConfig{
			Timeout:        10 * time.Second,
			BreakerFailure: 5,
			BreakerTimeout: 30 * time.Second,
		},
		Telemetry: telemetry.Config{ServiceName: "brickflow"},
		Logging:   logging.Config{Level: "info"},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// decode parses YAML, falling back to JSON for files YAML rejects.
func decode(data []byte, out any) error {
	err := yaml.Unmarshal(data, out)
	if err == nil {
		return nil
	}
	if jsonErr := json.Unmarshal(data, out); jsonErr != nil {
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("BRICKFLOW_ADDR"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("BRICKFLOW_METRICS_ADDR"); val != "" {
		cfg.Server.MetricsAddress = val
	}
	if val := os.Getenv("BRICKFLOW_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.Endpoint = val
	}
	if val := os.Getenv("BRICKFLOW_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("BRICKFLOW_PIPELINE_FILE"); val != "" {
		cfg.Pipeline.File = val
	}
	if val := os.Getenv("BRICKFLOW_PIPELINE_DIR"); val != "" {
		cfg.Pipeline.Dir = val
	}
	if val := os.Getenv("BRICKFLOW_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("BRICKFLOW_REQUIRE_RENDERER"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Pipeline.RequireRenderer = b
		}
	}
	if val := os.Getenv("BRICKFLOW_REMOTE_BRICKS"); val != "" {
		cfg.Gate.AllowedBricks = splitList(val)
	}
}

func splitList(val string) []string {
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate performs validation of the entire configuration and fills defaults.
func (c *Config) Validate() error {
	if err := engine.Validator().Struct(c); err != nil {
		return describeValidation(err)
	}
	if err := c.Frames.Validate(); err != nil {
		return fmt.Errorf("frames configuration: %w", err)
	}
	if err := validateLogLevel(&c.Logging); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if c.Pipeline.File != "" && c.Pipeline.Dir != "" {
		return fmt.Errorf("pipeline configuration: file and dir are mutually exclusive")
	}
	if c.Gate.Mode == "" {
		c.Gate.Mode = policy.ModeFailClosed
	}
	return nil
}

// Validate checks that frame ids are unique and relationships point at known frames.
func (c *FramesConfig) Validate() error {
	if strings.TrimSpace(c.Current.ID) == "" {
		return fmt.Errorf("current frame id is required")
	}
	known := map[string]bool{c.Current.ID: true}
	for _, f := range c.Others {
		if f.ID == "" {
			return fmt.Errorf("frame id is required")
		}
		if known[f.ID] {
			return fmt.Errorf("duplicate frame %q", f.ID)
		}
		known[f.ID] = true
	}
	for _, f := range append([]frames.Frame{c.Current}, c.Others...) {
		for _, ref := range []string{f.Parent, f.Opener, f.Target} {
			if ref != "" && !known[ref] {
				return fmt.Errorf("frame %q references unknown frame %q", f.ID, ref)
			}
		}
	}
	if c.Remote != nil && known[c.Remote.ID] {
		return fmt.Errorf("remote id %q collides with a frame id", c.Remote.ID)
	}
	return nil
}

// validateLogLevel sets the default log level and normalizes it to lowercase.
func validateLogLevel(c *logging.Config) error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	}
	return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
}

func describeValidation(err error) error {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return err
	}
	parts := make([]string, 0, len(ves))
	for _, fe := range ves {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", domain.ErrConfigInvalid, strings.Join(parts, "; "))
}

// Source returns the configured mod file or directory, if any.
func (p PipelineConfig) Source() string {
	if p.File != "" {
		return p.File
	}
	return p.Dir
}

// Tree builds the frame topology.
func (c *FramesConfig) Tree() (*frames.Tree, error) {
	tree := frames.NewTree(c.Current)
	for _, f := range c.Others {
		if err := tree.Add(f); err != nil {
			return nil, err
		}
	}
	if c.Remote != nil {
		tree.SetRemote(domain.Destination{ID: c.Remote.ID, Surface: "remote", Address: c.Remote.Address})
	}
	return tree, nil
}

// LoadDocument reads the configured element tree. It returns nil when no
// document is configured.
func (c *FramesConfig) LoadDocument() (*frames.Document, error) {
	if c.Document == "" {
		return nil, nil
	}
	//nolint:gosec // Document path is controlled by admin/operator
	f, err := os.Open(c.Document)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer func() { _ = f.Close() }()
	return frames.LoadDocument(f)
}

// GateModules reads the configured Rego module files keyed by base name.
func (g GateConfig) GateModules() (map[string]string, error) {
	if len(g.ModuleFiles) == 0 {
		return nil, nil
	}
	modules := make(map[string]string, len(g.ModuleFiles))
	for _, path := range g.ModuleFiles {
		//nolint:gosec // Module paths are controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read gate module %s: %w", path, err)
		}
		modules[filepath.Base(path)] = string(data)
	}
	return modules, nil
}
