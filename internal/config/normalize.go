package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeComfyUI(); err != nil {
		return err
	}
	c.normalizeLipsync()
	c.normalizeFFmpeg()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := lookupEnv("VA_STATE_DIR"); ok {
		c.Paths.StateDir = value
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	var err error
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeComfyUI() error {
	if strings.TrimSpace(c.ComfyUI.RootDir) == "" {
		if value, ok := lookupEnv("COMFYUI_DIR"); ok {
			c.ComfyUI.RootDir = value
		}
	}
	if value, ok := lookupEnv("COMFYUI_URL"); ok {
		c.ComfyUI.DefaultServer = value
	}
	c.ComfyUI.DefaultServer = strings.TrimRight(strings.TrimSpace(c.ComfyUI.DefaultServer), "/")

	var err error
	if root := strings.TrimSpace(c.ComfyUI.RootDir); root != "" {
		// Accept a path pointing at custom_nodes, which is how installers often report it.
		if filepath.Base(filepath.Clean(root)) == "custom_nodes" {
			root = filepath.Dir(filepath.Clean(root))
		}
		if c.ComfyUI.RootDir, err = expandPath(root); err != nil {
			return fmt.Errorf("comfyui.root_dir: %w", err)
		}
	}
	if strings.TrimSpace(c.ComfyUI.InputDir) == "" && c.ComfyUI.RootDir != "" {
		c.ComfyUI.InputDir = filepath.Join(c.ComfyUI.RootDir, "input")
	}
	if c.ComfyUI.InputDir, err = expandPath(strings.TrimSpace(c.ComfyUI.InputDir)); err != nil {
		return fmt.Errorf("comfyui.input_dir: %w", err)
	}

	if c.ComfyUI.RequestTimeoutSeconds == 0 {
		c.ComfyUI.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
	if c.ComfyUI.TimeoutTotalSeconds == 0 {
		c.ComfyUI.TimeoutTotalSeconds = defaultTimeoutTotalSeconds
	}
	if c.ComfyUI.PollIntervalMillis == 0 {
		c.ComfyUI.PollIntervalMillis = defaultPollIntervalMillis
	}
	if c.ComfyUI.StallNoNewOutputSeconds == 0 {
		c.ComfyUI.StallNoNewOutputSeconds = defaultStallNoNewOutputSeconds
	}
	if c.ComfyUI.StallNoOutputSeconds == 0 {
		c.ComfyUI.StallNoOutputSeconds = defaultStallNoOutputSeconds
	}
	if c.ComfyUI.DownloadConcurrency <= 0 {
		c.ComfyUI.DownloadConcurrency = defaultDownloadConcurrency
	}
	if c.ComfyUI.FaceProbeTimeoutSeconds <= 0 {
		c.ComfyUI.FaceProbeTimeoutSeconds = defaultFaceProbeTimeoutSeconds
	}
	nodes := make([]string, 0, len(c.ComfyUI.RequiredNodes))
	seen := make(map[string]struct{}, len(c.ComfyUI.RequiredNodes))
	for _, node := range c.ComfyUI.RequiredNodes {
		node = strings.TrimSpace(node)
		if node == "" {
			continue
		}
		if _, ok := seen[node]; ok {
			continue
		}
		seen[node] = struct{}{}
		nodes = append(nodes, node)
	}
	c.ComfyUI.RequiredNodes = nodes
	c.ComfyUI.FaceProbeWorkflow = strings.TrimSpace(c.ComfyUI.FaceProbeWorkflow)
	return nil
}

func (c *Config) normalizeLipsync() {
	if len(c.Lipsync.Providers) == 0 {
		return
	}
	normalized := make(map[string]LipsyncProvider, len(c.Lipsync.Providers))
	for id, provider := range c.Lipsync.Providers {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		provider.Command = strings.TrimSpace(provider.Command)
		provider.Workdir = strings.TrimSpace(provider.Workdir)
		if provider.Workdir != "" {
			if expanded, err := expandPath(provider.Workdir); err == nil {
				provider.Workdir = expanded
			}
		}
		normalized[id] = provider
	}
	c.Lipsync.Providers = normalized
}

func (c *Config) normalizeFFmpeg() {
	c.FFmpeg.FFmpegBinary = strings.TrimSpace(c.FFmpeg.FFmpegBinary)
	if c.FFmpeg.FFmpegBinary == "" {
		c.FFmpeg.FFmpegBinary = "ffmpeg"
	}
	c.FFmpeg.FFprobeBinary = strings.TrimSpace(c.FFmpeg.FFprobeBinary)
	if c.FFmpeg.FFprobeBinary == "" {
		c.FFmpeg.FFprobeBinary = "ffprobe"
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		c.Notifications.NtfyTopic = strings.TrimSpace(os.Getenv("NTFY_TOPIC"))
	}
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		c.Notifications.RequestTimeoutSeconds = defaultNtfyTimeoutSeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}
