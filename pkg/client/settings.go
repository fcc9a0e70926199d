package client

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings stores client preferences persisted as YAML.
type Settings struct {
	Server      string `yaml:"server"`
	Username    string `yaml:"username,omitempty"`
	DownloadDir string `yaml:"download_dir,omitempty"`
	ShowTyping  bool   `yaml:"show_typing"`
}

// DefaultSettings returns default settings.
func DefaultSettings() *Settings {
	return &Settings{
		Server:     "127.0.0.1:55000",
		ShowTyping: true,
	}
}

// SettingsPath returns the default settings location under the user's
// config directory, falling back to the working directory.
func SettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "roomchat-client.yaml"
	}
	return filepath.Join(dir, "roomchat", "client.yaml")
}

// LoadSettings loads settings from path or returns defaults when the file is
// missing or unreadable.
func LoadSettings(path string) *Settings {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		slog.Error("parse settings", "path", path, "err", err)
		return DefaultSettings()
	}
	return s
}

// Save writes settings to path.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("client: marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("client: create settings dir: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
