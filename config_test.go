package goredact

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brunobiangulo/goredact/locate"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.OutputDir != "./anonymized-datas" || cfg.API.MaxUpload != 16<<20 || cfg.Detector.Threshold != 0.4 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"language", func(c *Config) { c.Language = "fr" }, "language"},
		{"output dir", func(c *Config) { c.OutputDir = " " }, "output_dir"},
		{"color", func(c *Config) { c.Color = "green" }, "color"},
		{"char", func(c *Config) { c.Char = "ab" }, "char"},
		{"pin", func(c *Config) { c.Encrypt = "12345" }, "PIN"},
		{"mask style", func(c *Config) { c.MaskStyle = "blur" }, "mask_style"},
		{"workers", func(c *Config) { c.Workers = -1 }, "negative"},
		{"detector kind", func(c *Config) { c.Detector.Kind = "spacy" }, "detector kind"},
		{"presidio url", func(c *Config) { c.Detector.Kind = "presidio"; c.Detector.PresidioURL = "" }, "presidio_url"},
		{"threshold", func(c *Config) { c.Detector.Threshold = 1.5 }, "threshold"},
		{"tie break", func(c *Config) { c.Detector.TieBreak = "last" }, "tie_break"},
		{"pattern", func(c *Config) {
			c.Detector.Patterns = []PatternConfig{{Type: "EMPLOYEE_ID", Regex: "E(\\d+"}}
		}, "pattern EMPLOYEE_ID"},
		{"store", func(c *Config) { c.Store.Driver = "postgres" }, "store driver"},
		{"port", func(c *Config) { c.API.Port = 70000 }, "port"},
		{"upload limit", func(c *Config) { c.API.MaxUpload = 0 }, "max_upload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goredact.yaml")
	yml := `
language: en
output_dir: /tmp/redacted
color: black
workers: 3
task_ttl: 2h
detector:
  kind: chain
  presidio_url: http://presidio:3000
  tie_break: first
  patterns:
    - type: EMPLOYEE_ID
      regex: 'E\d{6}'
      score: 0.7
store:
  driver: sqlite
  path: /var/lib/goredact/tasks.db
api:
  port: 8088
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Language != "en" || cfg.Color != "black" || cfg.Workers != 3 || cfg.TaskTTL != 2*time.Hour {
		t.Errorf("top level = %+v", cfg)
	}
	if cfg.Detector.Kind != "chain" || cfg.Detector.TieBreak != locate.TieFirst || len(cfg.Detector.Patterns) != 1 {
		t.Errorf("detector = %+v", cfg.Detector)
	}
	if cfg.Store.Driver != "sqlite" || cfg.API.Port != 8088 {
		t.Errorf("store/api = %+v %+v", cfg.Store, cfg.API)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Char != "*" || cfg.API.MaxUpload != 16<<20 || cfg.Detector.Timeout != 10*time.Second {
		t.Errorf("defaults lost: char=%q max=%d timeout=%v", cfg.Char, cfg.API.MaxUpload, cfg.Detector.Timeout)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Language != DefaultConfig().Language {
		t.Errorf("language = %q", cfg.Language)
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("workers: [1, 2"), 0644)
	if _, err := LoadConfig(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadConfigDotEnv(t *testing.T) {
	tests := []struct {
		name    string
		dotenv  string // empty means no .env file
		wantErr bool
		wantOut string
	}{
		{name: "absent"},
		{name: "valid", dotenv: "GOREDACT_OUTPUT_DIR=from-dotenv\n", wantOut: "from-dotenv"},
		{name: "unterminated quote", dotenv: "GOREDACT_OUTPUT_DIR=\"from-dotenv\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			t.Chdir(dir)
			os.Unsetenv("GOREDACT_OUTPUT_DIR")
			t.Cleanup(func() { os.Unsetenv("GOREDACT_OUTPUT_DIR") })
			if tt.dotenv != "" {
				if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(tt.dotenv), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			cfg, err := LoadConfig("")
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("err = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if tt.wantOut != "" && cfg.OutputDir != tt.wantOut {
				t.Errorf("output dir = %q, want %q", cfg.OutputDir, tt.wantOut)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GOREDACT_LANGUAGE", "en")
	t.Setenv("GOREDACT_WORKERS", "7")
	t.Setenv("GOREDACT_STORE_DRIVER", "sqlite")
	t.Setenv("GOREDACT_API_KEY", "secret")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Language != "en" || cfg.Workers != 7 || cfg.Store.Driver != "sqlite" || cfg.API.Key != "secret" {
		t.Errorf("env not applied: %+v", cfg)
	}

	t.Setenv("GOREDACT_WORKERS", "many")
	if _, err := LoadConfig(""); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("bad GOREDACT_WORKERS err = %v", err)
	}
}

func TestResolveStorePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Path = "/data/tasks.db"
	if got := cfg.resolveStorePath(); got != "/data/tasks.db" {
		t.Errorf("explicit path = %q", got)
	}
	cfg.Store.Path = ""
	if got := cfg.resolveStorePath(); !strings.HasSuffix(got, "tasks.db") {
		t.Errorf("default path = %q", got)
	}
}
