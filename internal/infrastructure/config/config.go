package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Runtime   RuntimeConfig
	Capture   CaptureConfig
	Session   SessionConfig
	Storage   StorageConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// RuntimeConfig holds container runtime configuration.
type RuntimeConfig struct {
	// ImageMapFile points at a YAML file mapping subject labels to runtime
	// images; empty means the built-in defaults are used.
	ImageMapFile string `envconfig:"IMAGE_MAP_FILE" default:""`
	// Credential is the shared workbench password baked into sandbox images.
	Credential string `envconfig:"SANDBOX_CREDENTIAL" default:"letmein"`
	BuildDir   string `envconfig:"IMAGE_BUILD_DIR" default:"./images"`
}

// CaptureConfig holds capture pipeline configuration.
type CaptureConfig struct {
	NavigationTimeoutSec int    `envconfig:"CAPTURE_NAV_TIMEOUT" default:"20"`
	AuthTimeoutSec       int    `envconfig:"CAPTURE_AUTH_TIMEOUT" default:"10"`
	DialogAttempts       int    `envconfig:"CAPTURE_DIALOG_ATTEMPTS" default:"3"`
	VerifyPasses         int    `envconfig:"CAPTURE_VERIFY_PASSES" default:"3"`
	MaxConcurrent        int    `envconfig:"CAPTURE_MAX_CONCURRENT" default:"4"`
	ScheduleIntervalSec  int    `envconfig:"CAPTURE_INTERVAL" default:"120"`
	OutputDir            string `envconfig:"CAPTURE_OUTPUT_DIR" default:"./artifacts"`
	// UploadURL, when set, sends artifacts to the external persistence
	// collaborator instead of local disk.
	UploadURL string `envconfig:"CAPTURE_UPLOAD_URL" default:""`
}

// SessionConfig holds timed session configuration.
type SessionConfig struct {
	// Warning thresholds in seconds of remaining time.
	WarnThresholds []int  `envconfig:"SESSION_WARN_THRESHOLDS" default:"300,60,20"`
	ArchiveDir     string `envconfig:"SESSION_ARCHIVE_DIR" default:"./sessions"`
	// GraderURL is the black-box grading collaborator for auto-submission.
	GraderURL string `envconfig:"GRADER_URL" default:""`
}

// StorageConfig holds durable record storage configuration.
type StorageConfig struct {
	RecordDB string `envconfig:"RECORD_DB" default:"./codeproctor.db"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"50"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"100"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8000", Host: "0.0.0.0"},
		Runtime: RuntimeConfig{
			Credential: "letmein",
			BuildDir:   "./images",
		},
		Capture: CaptureConfig{
			NavigationTimeoutSec: 20,
			AuthTimeoutSec:       10,
			DialogAttempts:       3,
			VerifyPasses:         3,
			MaxConcurrent:        4,
			ScheduleIntervalSec:  120,
			OutputDir:            "./artifacts",
		},
		Session: SessionConfig{
			WarnThresholds: []int{300, 60, 20},
			ArchiveDir:     "./sessions",
		},
		Storage: StorageConfig{RecordDB: "./codeproctor.db"},
		Logging: LogConfig{Level: "info"},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
	}
}

// imageMapFile is the YAML shape of an image mapping file.
type imageMapFile struct {
	Subjects map[string]struct {
		Image    string `yaml:"image"`
		BuildDir string `yaml:"build_dir"`
	} `yaml:"subjects"`
}

// SubjectImage pairs a subject label with its resolved image settings.
type SubjectImage struct {
	Image    string
	BuildDir string
}

// LoadImageMap reads the subject to image mapping, falling back to the
// built-in defaults when no file is configured.
func (c *RuntimeConfig) LoadImageMap() (map[string]SubjectImage, error) {
	if c.ImageMapFile == "" {
		return defaultImageMap(c.BuildDir), nil
	}

	data, err := os.ReadFile(c.ImageMapFile)
	if err != nil {
		return nil, fmt.Errorf("reading image map: %w", err)
	}
	var parsed imageMapFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing image map: %w", err)
	}
	if len(parsed.Subjects) == 0 {
		return nil, fmt.Errorf("image map %s declares no subjects", c.ImageMapFile)
	}

	out := make(map[string]SubjectImage, len(parsed.Subjects))
	for label, entry := range parsed.Subjects {
		if entry.Image == "" {
			return nil, fmt.Errorf("image map subject %q has no image", label)
		}
		buildDir := entry.BuildDir
		if buildDir == "" {
			buildDir = c.BuildDir
		}
		out[label] = SubjectImage{Image: entry.Image, BuildDir: buildDir}
	}
	return out, nil
}

func defaultImageMap(buildDir string) map[string]SubjectImage {
	return map[string]SubjectImage{
		"Python": {Image: "codeproctor/sandbox-python:latest", BuildDir: buildDir + "/python"},
		"Java":   {Image: "codeproctor/sandbox-java:latest", BuildDir: buildDir + "/java"},
		"C":      {Image: "codeproctor/sandbox-c:latest", BuildDir: buildDir + "/c"},
		"Web":    {Image: "codeproctor/sandbox-web:latest", BuildDir: buildDir + "/web"},
	}
}
