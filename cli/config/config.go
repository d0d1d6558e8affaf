// Package config loads dwiflow.yaml, the defaults of `dwiflow run`.
package config

import (
	"fmt"
	"time"
)

// Config is a dwiflow.yaml file. Every value is optional; flags given on
// the command line take precedence.
type Config struct {
	BIDS          string   `yaml:"bids"`
	Subjects      []string `yaml:"subjects"`
	Sessions      []string `yaml:"sessions"`
	Acquisitions  []string `yaml:"acquisitions"`
	RemoveVolumes string   `yaml:"remove_volumes"`
	Policy        string   `yaml:"policy"`
	LogLevel      string   `yaml:"log_level"`
	// Protocols adds or overrides acquisition tags: single or dual.
	Protocols    map[string]string  `yaml:"protocols"`
	Registration RegistrationConfig `yaml:"registration"`
	Tractography TractographyConfig `yaml:"tractography"`
	Tools        ToolsConfig        `yaml:"tools"`
	Resources    string             `yaml:"resources"`
	Storage      StorageConfig      `yaml:"storage"`
	Adapter      AdapterConfig      `yaml:"adapter"`
}

// RegistrationConfig selects strategies and templates.
type RegistrationConfig struct {
	Strategies []string `yaml:"strategies"`
	// FSLDir locates the stock templates and atlases.
	FSLDir        string `yaml:"fsl_dir"`
	FATemplate    string `yaml:"fa_template"`
	FATemplateURL string `yaml:"fa_template_url"`
	T1Template    string `yaml:"t1_template"`
}

// TractographyConfig parameterises FOD estimation and tractometry.
type TractographyConfig struct {
	Response string   `yaml:"response"`
	Maps     []string `yaml:"maps"`
}

// ToolsConfig overrides external command names.
type ToolsConfig struct {
	DipyDTI     string `yaml:"dipy_dti"`
	DipyDKI     string `yaml:"dipy_dki"`
	NODDI       string `yaml:"noddi"`
	RotateBvecs string `yaml:"rotate_bvecs"`
	TractSeg    string `yaml:"tractseg"`
	Tracking    string `yaml:"tracking"`
	Tractometry string `yaml:"tractometry"`
}

// StorageConfig selects the run summary sink.
type StorageConfig struct {
	Dataset     string `yaml:"dataset"`
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// AdapterConfig selects the completion notifier.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Duration is a time.Duration written as a string ("10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
