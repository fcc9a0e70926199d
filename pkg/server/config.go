package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/roomchat/pkg/logging"
	"github.com/NicolasHaas/roomchat/pkg/protocol"
	"github.com/NicolasHaas/roomchat/pkg/store"
)

const (
	envPrefix         = "ROOMCHAT"
	defaultConfigName = "roomchat.yaml"

	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// LoadConfig builds the configuration from defaults, the YAML file at path,
// ROOMCHAT_* environment variables and finally any flags in flags that were
// set explicitly. Flags are looked up by key name with "_" replaced by "-".
// A missing config file is created with the defaults. It returns the
// resolved config file path.
func LoadConfig(path string, flags *pflag.FlagSet) (Config, string, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	for key, value := range cfg.settings() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key := range cfg.settings() {
			if f := flags.Lookup(strings.ReplaceAll(key, "_", "-")); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return cfg, "", fmt.Errorf("server: bind flag %s: %w", f.Name, err)
				}
			}
		}
	}

	if path == "" {
		path = defaultConfigName
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return cfg, path, fmt.Errorf("server: read config: %w", err)
		}
		if werr := WriteDefaultConfig(path); werr != nil {
			slog.Warn("failed to write default config", "path", path, "err", werr)
		} else {
			slog.Info("created default config", "path", path)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, path, fmt.Errorf("server: unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, path, err
	}
	return cfg, path, nil
}

// settings flattens cfg into viper keys. Durations are rendered as strings
// so the generated YAML file reads "30s" rather than nanoseconds.
func (c Config) settings() map[string]any {
	return map[string]any{
		"listen_addr":          c.ListenAddr,
		"data_dir":             c.DataDir,
		"store_backend":        c.StoreBackend,
		"users_file":           c.UsersFile,
		"bans_file":            c.BansFile,
		"db_path":              c.DBPath,
		"activity_log":         c.ActivityLog,
		"admin_password":       c.AdminPassword,
		"max_file_size":        c.MaxFileSize,
		"max_frame_size":       c.MaxFrameSize,
		"auth_timeout":         c.AuthTimeout.String(),
		"write_timeout":        c.WriteTimeout.String(),
		"shutdown_timeout":     c.ShutdownTimeout.String(),
		"metrics_addr":         c.MetricsAddr,
		"metrics_log_interval": c.MetricsLogInterval.String(),
		"log_level":            c.LogLevel,
		"log_format":           c.LogFormat,
	}
}

// WriteDefaultConfig writes DefaultConfig as YAML to path.
func WriteDefaultConfig(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(DefaultConfig().settings())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("server: unknown store_backend %q (valid: %s, %s)", c.StoreBackend, BackendFile, BackendSQLite)
	}
	if c.ListenAddr == "" {
		return errors.New("server: listen_addr must not be empty")
	}
	if c.MaxFileSize <= 0 {
		return errors.New("server: max_file_size must be positive")
	}
	if c.MaxFrameSize <= 0 {
		return errors.New("server: max_frame_size must be positive")
	}
	// base64 inflates by 4/3; leave room for the JSON envelope.
	if need := c.MaxFileSize*4/3 + 1024; int64(c.MaxFrameSize) < need {
		return fmt.Errorf("server: max_frame_size %d cannot carry a %d byte file (need at least %d)", c.MaxFrameSize, c.MaxFileSize, need)
	}
	if c.AuthTimeout <= 0 {
		return errors.New("server: auth_timeout must be positive")
	}
	if err := logging.Validate(c.LogLevel); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// resolve returns path, joined to DataDir when relative.
func (c Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

func (c Config) UsersPath() string       { return c.resolve(c.UsersFile) }
func (c Config) BansPath() string        { return c.resolve(c.BansFile) }
func (c Config) DatabasePath() string    { return c.resolve(c.DBPath) }
func (c Config) ActivityLogPath() string { return c.resolve(c.ActivityLog) }

// OpenStore opens the configured persistence backend.
func OpenStore(cfg Config) (store.DataStore, error) {
	switch cfg.StoreBackend {
	case BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath()), 0o755); err != nil {
			return nil, fmt.Errorf("server: create data directory: %w", err)
		}
		return store.NewSQLite(cfg.DatabasePath())
	default:
		return store.NewFileStore(cfg.UsersPath(), cfg.BansPath())
	}
}

// UserYAML represents a user in YAML export.
type UserYAML struct {
	Username  string `yaml:"username"`
	CreatedAt string `yaml:"created_at,omitempty"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// BanYAML represents a ban in YAML export.
type BanYAML struct {
	Username  string `yaml:"username"`
	CreatedAt string `yaml:"created_at,omitempty"`
}

// BansExport is the top-level YAML for ban export.
type BansExport struct {
	Bans []BanYAML `yaml:"bans"`
}

func exportTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// ExportUsersYAML exports all users as YAML. Passwords are never included.
func ExportUsersYAML(st store.DataStore) ([]byte, error) {
	users, err := st.ListUsers()
	if err != nil {
		return nil, err
	}

	export := UsersExport{Users: []UserYAML{}}
	for _, u := range users {
		export.Users = append(export.Users, UserYAML{
			Username:  u.Username,
			CreatedAt: exportTime(u.CreatedAt),
		})
	}
	return yaml.Marshal(&export)
}

// ExportBansYAML exports the ban list as YAML.
func ExportBansYAML(st store.DataStore) ([]byte, error) {
	bans, err := st.ListBans()
	if err != nil {
		return nil, err
	}

	export := BansExport{Bans: []BanYAML{}}
	for _, b := range bans {
		export.Bans = append(export.Bans, BanYAML{
			Username:  b.Username,
			CreatedAt: exportTime(b.CreatedAt),
		})
	}
	return yaml.Marshal(&export)
}

// frameLimit returns the reader limit for cfg.
func (c Config) frameLimit() int {
	if c.MaxFrameSize <= 0 {
		return protocol.DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}
