// Package config loads, normalizes, and validates vidax configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, loads a local .env file, and honours
// environment fallbacks such as VA_STATE_DIR and COMFYUI_DIR. The Config type
// is constructed once at startup and passed down, so the state directory, the
// generation backend location, and the lip-sync provider registry are
// discovered in one pass.
package config
