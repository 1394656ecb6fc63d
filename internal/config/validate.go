package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateComfyUI(); err != nil {
		return err
	}
	if err := c.validateRender(); err != nil {
		return err
	}
	if err := c.validateLipsync(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateComfyUI() error {
	if c.ComfyUI.DefaultServer != "" {
		parsed, err := url.Parse(c.ComfyUI.DefaultServer)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("comfyui.default_server must be an absolute URL, got %q", c.ComfyUI.DefaultServer)
		}
	}
	if c.ComfyUI.RequestTimeoutSeconds < 0 {
		return errors.New("comfyui.request_timeout_seconds must be positive")
	}
	if c.ComfyUI.TimeoutTotalSeconds < 0 {
		return errors.New("comfyui.timeout_total_seconds must be positive")
	}
	if c.ComfyUI.PollIntervalMillis < 0 {
		return errors.New("comfyui.poll_interval_ms must be positive")
	}
	if c.ComfyUI.StallNoNewOutputSeconds < 0 || c.ComfyUI.StallNoOutputSeconds < 0 {
		return errors.New("comfyui stall thresholds must be positive")
	}
	if c.ComfyUI.StallNoOutputSeconds < c.ComfyUI.StallNoNewOutputSeconds {
		return errors.New("comfyui.stall_no_output_seconds must be at least comfyui.stall_no_new_output_seconds")
	}
	return nil
}

func (c *Config) validateRender() error {
	if c.Render.MaxWidth < 2 || c.Render.MaxHeight < 2 {
		return errors.New("render.max_width and render.max_height must be at least 2")
	}
	if c.Render.DefaultWidth < 0 || c.Render.DefaultHeight < 0 {
		return errors.New("render.default_width and render.default_height must not be negative")
	}
	return nil
}

func (c *Config) validateLipsync() error {
	ids := make([]string, 0, len(c.Lipsync.Providers))
	for id := range c.Lipsync.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if c.Lipsync.Providers[id].Command == "" {
			return fmt.Errorf("lipsync.providers.%s.command must be set", id)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
}
