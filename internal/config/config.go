package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains the state directory and bind address configuration.
type Paths struct {
	StateDir string `toml:"state_dir"`
	APIBind  string `toml:"api_bind"`
}

// ComfyUI describes where the generation backend lives and how it is polled.
type ComfyUI struct {
	RootDir                 string   `toml:"root_dir"`
	InputDir                string   `toml:"input_dir"`
	DefaultServer           string   `toml:"default_server"`
	RequestTimeoutSeconds   int      `toml:"request_timeout_seconds"`
	TimeoutTotalSeconds     int      `toml:"timeout_total_seconds"`
	PollIntervalMillis      int      `toml:"poll_interval_ms"`
	StallNoNewOutputSeconds int      `toml:"stall_no_new_output_seconds"`
	StallNoOutputSeconds    int      `toml:"stall_no_output_seconds"`
	UploadInputs            bool     `toml:"upload_inputs"`
	DownloadConcurrency     int      `toml:"download_concurrency"`
	RequiredNodes           []string `toml:"required_nodes"`
	FaceProbeWorkflow       string   `toml:"faceprobe_workflow"`
	FaceProbeTimeoutSeconds int      `toml:"faceprobe_timeout_seconds"`
}

// Render holds the dimension limits applied during prepare.
type Render struct {
	MaxWidth      int `toml:"max_width"`
	MaxHeight     int `toml:"max_height"`
	DefaultWidth  int `toml:"default_width"`
	DefaultHeight int `toml:"default_height"`
}

// LipsyncProvider is one entry of the lip-sync provider registry.
type LipsyncProvider struct {
	Command      string   `toml:"command"`
	ArgsTemplate []string `toml:"args_template"`
	Workdir      string   `toml:"workdir"`
}

// Lipsync contains the provider registry keyed by provider id.
type Lipsync struct {
	Providers map[string]LipsyncProvider `toml:"providers"`
}

// FFmpeg names the codec engine binaries.
type FFmpeg struct {
	FFmpegBinary  string `toml:"ffmpeg_binary"`
	FFprobeBinary string `toml:"ffprobe_binary"`
}

// Notifications configures run completion alerts. An empty NtfyTopic
// disables them.
type Notifications struct {
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates every configuration value used by vidax.
//
// Configuration sections by subsystem:
//   - Paths: state directory (run registry, history index) and API bind address
//   - ComfyUI: generation backend location, polling and stall thresholds
//   - Render: maximum and fallback render dimensions
//   - Lipsync: external lip-sync provider registry
//   - FFmpeg: codec engine binaries
//   - Notifications: ntfy alerts when runs finish
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	ComfyUI       ComfyUI       `toml:"comfyui"`
	Render        Render        `toml:"render"`
	Lipsync       Lipsync       `toml:"lipsync"`
	FFmpeg        FFmpeg        `toml:"ffmpeg"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/vidax/config.toml")
}

// Load locates, parses, and validates a configuration file. A .env file in
// the working directory is loaded first so environment fallbacks can see it.
func Load(path string) (*Config, string, bool, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, "", false, err
	}

	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// loadDotEnv reads KEY=VALUE pairs without overriding variables already set.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("vidax.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the state directory.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Paths.StateDir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", c.Paths.StateDir, err)
	}
	return nil
}

// RegistryPath is the location of the run registry document.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.Paths.StateDir, "runs.json")
}

// HistoryPath is the location of the run history database.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.Paths.StateDir, "history.db")
}

// PollSettings bundles the generation polling knobs as durations.
type PollSettings struct {
	TimeoutTotal     time.Duration
	PollInterval     time.Duration
	StallNoNewOutput time.Duration
	StallNoOutput    time.Duration
}

// GenerationPolling converts the configured polling knobs to durations.
func (c *Config) GenerationPolling() PollSettings {
	return PollSettings{
		TimeoutTotal:     time.Duration(c.ComfyUI.TimeoutTotalSeconds) * time.Second,
		PollInterval:     time.Duration(c.ComfyUI.PollIntervalMillis) * time.Millisecond,
		StallNoNewOutput: time.Duration(c.ComfyUI.StallNoNewOutputSeconds) * time.Second,
		StallNoOutput:    time.Duration(c.ComfyUI.StallNoOutputSeconds) * time.Second,
	}
}

// Provider looks up a lip-sync provider by id.
func (c *Config) Provider(id string) (LipsyncProvider, bool) {
	if c == nil || c.Lipsync.Providers == nil {
		return LipsyncProvider{}, false
	}
	p, ok := c.Lipsync.Providers[strings.TrimSpace(id)]
	return p, ok
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
