package goredact

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/goredact/detect"
	"github.com/brunobiangulo/goredact/locate"
	"github.com/brunobiangulo/goredact/strategy"
)

// Config holds all configuration for the redaction engine.
type Config struct {
	// Language is the default document language: "zh" or "en".
	Language string `json:"language" yaml:"language"`
	Verbose  bool   `json:"verbose" yaml:"verbose"`

	// OutputDir receives redacted files unless a task names its output.
	OutputDir string `json:"output_dir" yaml:"output_dir"`

	// Defaults for task options left empty.
	Color     string `json:"color" yaml:"color"`
	Char      string `json:"char" yaml:"char"`
	Encrypt   string `json:"encrypt,omitempty" yaml:"encrypt"`
	MaskToken string `json:"mask_token" yaml:"mask_token"`
	MaskStyle string `json:"mask_style" yaml:"mask_style"` // fixed | keep_prefix

	// Task execution
	Workers   int           `json:"workers" yaml:"workers"`       // 0 = one per CPU
	QueueSize int           `json:"queue_size" yaml:"queue_size"` // pending tasks accepted before ErrQueueFull
	TaskTTL   time.Duration `json:"task_ttl" yaml:"task_ttl"`     // finished tasks older than this are cleaned up

	Detector DetectorConfig `json:"detector" yaml:"detector"`
	OCR      OCRConfig      `json:"ocr" yaml:"ocr"`

	// PDFVerify re-extracts written PDFs and warns when redacted text is
	// still readable.
	PDFVerify bool `json:"pdf_verify" yaml:"pdf_verify"`

	Store StoreConfig `json:"store" yaml:"store"`
	API   APIConfig   `json:"api" yaml:"api"`
}

// DetectorConfig selects and tunes the PII recognizer.
type DetectorConfig struct {
	// Kind is "regex" (offline), "presidio", or "chain" (both, merged).
	Kind        string        `json:"kind" yaml:"kind"`
	PresidioURL string        `json:"presidio_url" yaml:"presidio_url"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	Threshold   float64       `json:"threshold" yaml:"threshold"`
	// Entities limits presidio to these entity types; empty means all.
	Entities []string        `json:"entities,omitempty" yaml:"entities"`
	Patterns []PatternConfig `json:"patterns,omitempty" yaml:"patterns"`
	// Names are literal person names always detected as PERSON.
	Names    []string        `json:"names,omitempty" yaml:"names"`
	TieBreak locate.TieBreak `json:"tie_break" yaml:"tie_break"`
}

// PatternConfig is a custom regex recognizer.
type PatternConfig struct {
	Type      string   `json:"type" yaml:"type"`
	Regex     string   `json:"regex" yaml:"regex"`
	Score     float64  `json:"score" yaml:"score"`
	Languages []string `json:"languages,omitempty" yaml:"languages"`
}

// OCRConfig configures text recognition for images.
type OCRConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`
}

// StoreConfig selects where task records live.
type StoreConfig struct {
	// Driver is "memory" (default) or "sqlite".
	Driver string `json:"driver" yaml:"driver"`
	// Path is the SQLite file. If empty, defaults to ~/.goredact/tasks.db
	Path string `json:"path" yaml:"path"`
}

// APIConfig configures the HTTP service.
type APIConfig struct {
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`
	Key         string `json:"key,omitempty" yaml:"key"`
	CORSOrigins string `json:"cors_origins" yaml:"cors_origins"`
	UploadDir   string `json:"upload_dir" yaml:"upload_dir"`
	MaxUpload   int64  `json:"max_upload" yaml:"max_upload"` // bytes
}

// DefaultConfig returns a Config that runs fully offline with the regex
// recognizer and an in-memory task store.
func DefaultConfig() Config {
	return Config{
		Language:  "zh",
		OutputDir: "./anonymized-datas",
		Color:     "white",
		Char:      "*",
		MaskToken: strategy.DefaultMaskToken,
		MaskStyle: strategy.MaskFixed,
		QueueSize: 256,
		TaskTTL:   24 * time.Hour,
		Detector: DetectorConfig{
			Kind:        "regex",
			PresidioURL: "http://localhost:5002",
			Timeout:     10 * time.Second,
			Threshold:   detect.DefaultScoreThreshold,
			TieBreak:    locate.TieScore,
		},
		OCR:       OCRConfig{Enabled: true, MinConfidence: detect.MinWordConfidence},
		PDFVerify: true,
		Store:     StoreConfig{Driver: "memory"},
		API: APIConfig{
			Host:      "0.0.0.0",
			Port:      5000,
			UploadDir: "./uploads",
			MaxUpload: 16 << 20,
		},
	}
}

// LoadConfig reads a YAML file over the defaults, then applies .env and
// GOREDACT_* environment overrides. An empty path or a missing file yields
// the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			slog.Warn("config: file not found, using defaults", "path", path)
		case err != nil:
			return Config{}, fmt.Errorf("reading config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
			}
		}
	}

	// Load .env from the current directory when there is one.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("%w: .env: %v", ErrInvalidConfig, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from GOREDACT_* environment variables.
func (c *Config) ApplyEnv() error {
	str := map[string]*string{
		"GOREDACT_LANGUAGE":     &c.Language,
		"GOREDACT_OUTPUT_DIR":   &c.OutputDir,
		"GOREDACT_DETECTOR":     &c.Detector.Kind,
		"GOREDACT_PRESIDIO_URL": &c.Detector.PresidioURL,
		"GOREDACT_STORE_DRIVER": &c.Store.Driver,
		"GOREDACT_STORE_PATH":   &c.Store.Path,
		"GOREDACT_API_KEY":      &c.API.Key,
		"GOREDACT_UPLOAD_DIR":   &c.API.UploadDir,
	}
	for name, field := range str {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*field = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("GOREDACT_WORKERS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: GOREDACT_WORKERS=%q", ErrInvalidConfig, v)
		}
		c.Workers = n
	}
	return nil
}

// Validate checks value ranges and names.
func (c Config) Validate() error {
	var problems []string
	bad := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if c.Language != "zh" && c.Language != "en" {
		bad("language %q (want zh or en)", c.Language)
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		bad("output_dir is empty")
	}
	if _, err := strategy.ParseColor(c.Color); err != nil {
		bad("color %q", c.Color)
	}
	if _, err := strategy.ParseChar(c.Char); err != nil {
		bad("char %q", c.Char)
	}
	if c.Encrypt != "" && !strategy.ValidPIN(c.Encrypt) {
		bad("encrypt must be a 6-digit PIN")
	}
	switch c.MaskStyle {
	case "", strategy.MaskFixed, strategy.MaskKeepPrefix:
	default:
		bad("mask_style %q", c.MaskStyle)
	}
	if c.Workers < 0 || c.QueueSize < 0 || c.TaskTTL < 0 {
		bad("workers, queue_size and task_ttl must not be negative")
	}

	switch c.Detector.Kind {
	case "regex":
	case "presidio", "chain":
		if c.Detector.PresidioURL == "" {
			bad("detector %s needs presidio_url", c.Detector.Kind)
		}
	default:
		bad("detector kind %q (want regex, presidio or chain)", c.Detector.Kind)
	}
	if c.Detector.Threshold < 0 || c.Detector.Threshold > 1 {
		bad("detector threshold %v outside [0,1]", c.Detector.Threshold)
	}
	switch c.Detector.TieBreak {
	case "", locate.TieScore, locate.TieFirst:
	default:
		bad("tie_break %q (want score or first)", c.Detector.TieBreak)
	}
	for _, p := range c.Detector.Patterns {
		if p.Type == "" {
			bad("pattern %q has no entity type", p.Regex)
		}
		if _, err := regexp.Compile(p.Regex); err != nil {
			bad("pattern %s: %v", p.Type, err)
		}
	}

	switch c.Store.Driver {
	case "", "memory", "sqlite":
	default:
		bad("store driver %q (want memory or sqlite)", c.Store.Driver)
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		bad("api port %d", c.API.Port)
	}
	if c.API.MaxUpload <= 0 {
		bad("api max_upload must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// resolveStorePath computes the SQLite path from config fields.
func (c *Config) resolveStorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "goredact-tasks.db" // fallback to cwd
	}
	return filepath.Join(home, ".goredact", "tasks.db")
}
