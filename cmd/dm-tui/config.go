// ABOUTME: Client configuration for dm-tui: TOML file, environment and flag overrides
// ABOUTME: Resolves the gateway URL, token and participant ids

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const envToken = "DM_TOKEN"

type tuiConfig struct {
	Server    string `toml:"server"`
	Token     string `toml:"token"`
	TokenFile string `toml:"token_file"`
	Self      string `toml:"self"`
	Peer      string `toml:"peer"`
	PageSize  int    `toml:"page_size"`
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "dm")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "dm")
}

func defaultConfigPath() string { return filepath.Join(configDir(), "tui.toml") }

// loadTUIConfig reads path if it exists. A missing file yields defaults.
func loadTUIConfig(path string) (*tuiConfig, error) {
	cfg := &tuiConfig{
		Server:    "http://localhost:8080",
		TokenFile: filepath.Join(configDir(), "token"),
	}
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in %s: %v", path, undecoded)
	}
	return cfg, nil
}

// resolveToken picks the token: DM_TOKEN, then the config value, then the
// token file.
func (c *tuiConfig) resolveToken() string {
	if token := os.Getenv(envToken); token != "" {
		return token
	}
	if c.Token != "" {
		return c.Token
	}
	if c.TokenFile == "" {
		return ""
	}
	data, err := os.ReadFile(c.TokenFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
