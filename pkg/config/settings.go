package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/batlogic/axiom/pkg/codegen"
	"github.com/batlogic/axiom/pkg/engine"
	"github.com/batlogic/axiom/pkg/telemetry"
	"github.com/batlogic/axiom/pkg/values"
)

// Settings is the axiom settings file.
type Settings struct {
	// Runtime configures the compilation engine.
	Runtime RuntimeSettings `yaml:"runtime"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Store configures persistence of compile runs and the error log.
	Store StoreSettings `yaml:"store"`

	// Policy configures linting of patch descriptions.
	Policy PolicySettings `yaml:"policy"`
}

// RuntimeSettings configures an engine.Runtime.
type RuntimeSettings struct {
	// Voices is the number of voices an extracted group allocates.
	Voices int `yaml:"voices" validate:"gte=1,lte=32"`

	// ReleaseDelay is the number of compile passes a replaced module is kept
	// alive for.
	ReleaseDelay uint64 `yaml:"release_delay" validate:"gte=1"`

	// Backend names the code-generation backend.
	Backend string `yaml:"backend" validate:"required,oneof=native"`

	// ScriptTimeout bounds custom node script evaluation. Zero disables the
	// bound.
	ScriptTimeout time.Duration `yaml:"script_timeout" validate:"gte=0"`
}

// StoreSettings configures the SQLite store.
type StoreSettings struct {
	// Path is the database file. Empty disables persistence.
	Path string `yaml:"path"`
}

// PolicySettings configures patch linting.
type PolicySettings struct {
	// Enabled indicates if patches are linted before they are applied.
	Enabled bool `yaml:"enabled"`

	// Paths lists additional policy files or directories.
	Paths []string `yaml:"paths"`

	// Mode is the enforcement mode (advisory, enforcing).
	Mode string `yaml:"mode" validate:"omitempty,oneof=advisory enforcing"`
}

// DefaultSettings returns the settings used when no file is given.
func DefaultSettings() *Settings {
	return &Settings{
		Runtime: RuntimeSettings{
			Voices:        values.MaxVoices,
			ReleaseDelay:  engine.DefaultReleaseDelay,
			Backend:       "native",
			ScriptTimeout: 5 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
		Policy: PolicySettings{
			Enabled: true,
			Mode:    "enforcing",
		},
	}
}

// LoadSettings reads a YAML settings file. Fields missing from the file keep
// their defaults.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
	}
	return ParseSettings(data)
}

// ParseSettings decodes YAML settings on top of the defaults and validates
// the result.
func ParseSettings(data []byte) (*Settings, error) {
	s := DefaultSettings()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the settings against their validation tags.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return s.Telemetry.Validate()
}

// RuntimeOptions converts the runtime section into engine options. tel may
// be nil.
func (s *Settings) RuntimeOptions(tel *telemetry.Telemetry) []engine.Option {
	opts := []engine.Option{
		engine.WithVoices(s.Runtime.Voices),
		engine.WithReleaseDelay(s.Runtime.ReleaseDelay),
		engine.WithScriptTimeout(s.Runtime.ScriptTimeout),
	}
	switch s.Runtime.Backend {
	case "native":
		opts = append(opts, engine.WithBackend(codegen.NewNativeBackend()))
	}
	if tel != nil {
		opts = append(opts, engine.WithTelemetry(tel))
	}
	return opts
}
