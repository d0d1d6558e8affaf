package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dwiflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	t.Setenv("DWIFLOW_TEST_FSL", "/opt/fsl")
	path := writeTemp(t, `bids: /data/bids
subjects: [all]
sessions: ["1", "2"]
acquisitions: [hermes, abcd]
remove_volumes: /data/exclude.txt
policy: halt
log_level: debug
protocols:
  multiband: single
registration:
  strategies: [t1-nonlinear, fa-linear]
  fsl_dir: ${DWIFLOW_TEST_FSL}
  fa_template_url: ${DWIFLOW_TEST_UNSET:-https://example.org/fa.nii.gz}
tractography:
  response: average
  maps: [FA, MD, NDI]
tools:
  noddi: /opt/amico/run_noddi
  tractseg: TractSeg
resources: /opt/dwiflow/resources
storage:
  dataset: dwiflow
  backend: s3
  path: bucket/prefix
  region: eu-west-1
  s3_path_style: true
adapter:
  type: webhook
  url: https://hooks.example.org/dwiflow
  headers:
    Authorization: Bearer token
  timeout: 10s
  retries: 2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		field, got, want string
	}{
		{"bids", cfg.BIDS, "/data/bids"},
		{"remove_volumes", cfg.RemoveVolumes, "/data/exclude.txt"},
		{"policy", cfg.Policy, "halt"},
		{"log_level", cfg.LogLevel, "debug"},
		{"protocols.multiband", cfg.Protocols["multiband"], "single"},
		{"registration.fsl_dir", cfg.Registration.FSLDir, "/opt/fsl"},
		{"registration.fa_template_url", cfg.Registration.FATemplateURL, "https://example.org/fa.nii.gz"},
		{"tractography.response", cfg.Tractography.Response, "average"},
		{"tools.noddi", cfg.Tools.NODDI, "/opt/amico/run_noddi"},
		{"resources", cfg.Resources, "/opt/dwiflow/resources"},
		{"storage.backend", cfg.Storage.Backend, "s3"},
		{"storage.path", cfg.Storage.Path, "bucket/prefix"},
		{"adapter.url", cfg.Adapter.URL, "https://hooks.example.org/dwiflow"},
		{"adapter.headers", cfg.Adapter.Headers["Authorization"], "Bearer token"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.field, tt.got, tt.want)
		}
	}
	if !slices.Equal(cfg.Sessions, []string{"1", "2"}) || !slices.Equal(cfg.Acquisitions, []string{"hermes", "abcd"}) {
		t.Errorf("sessions = %v, acquisitions = %v", cfg.Sessions, cfg.Acquisitions)
	}
	if !slices.Equal(cfg.Registration.Strategies, []string{"t1-nonlinear", "fa-linear"}) {
		t.Errorf("strategies = %v", cfg.Registration.Strategies)
	}
	if !cfg.Storage.S3PathStyle {
		t.Error("expected storage.s3_path_style=true")
	}
	if cfg.Adapter.Timeout.Duration != 10*time.Second {
		t.Errorf("adapter.timeout = %v", cfg.Adapter.Timeout.Duration)
	}
	if cfg.Adapter.Retries == nil || *cfg.Adapter.Retries != 2 {
		t.Error("expected adapter.retries=2")
	}
}

func TestLoad_Empty(t *testing.T) {
	cfg, err := Load(writeTemp(t, ""))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BIDS != "" || cfg.Adapter.Retries != nil {
		t.Errorf("cfg = %+v, want zero", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "bids: /x\nexecutor: node\n", "executor"},
		{"bad duration", "adapter:\n  timeout: soon\n", "invalid duration"},
		{"bad yaml", "bids: [unclosed\n", "invalid YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTemp(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v", err)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("DWIFLOW_SET", "value")
	t.Setenv("DWIFLOW_EMPTY", "")
	tests := []struct {
		in, want string
	}{
		{"a: ${DWIFLOW_SET}", "a: value"},
		{"a: ${DWIFLOW_UNSET_X}", "a: "},
		{"a: ${DWIFLOW_UNSET_X:-fallback}", "a: fallback"},
		{"a: ${DWIFLOW_EMPTY:-fallback}", "a: fallback"},
		{"a: ${DWIFLOW_SET:-fallback}", "a: value"},
		{"a: $DWIFLOW_SET", "a: $DWIFLOW_SET"},
		{"${DWIFLOW_SET}/${DWIFLOW_SET}", "value/value"},
	}
	for _, tt := range tests {
		if got := ExpandEnv(tt.in); got != tt.want {
			t.Errorf("ExpandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
