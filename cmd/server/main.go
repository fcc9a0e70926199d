package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/NicolasHaas/roomchat/pkg/auditlog"
	"github.com/NicolasHaas/roomchat/pkg/logging"
	"github.com/NicolasHaas/roomchat/pkg/server"
	"github.com/NicolasHaas/roomchat/pkg/store"
	"github.com/NicolasHaas/roomchat/pkg/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "roomchat-server",
		Short:        "Multi-user TCP chat server with rooms, private messages and file sharing",
		Version:      version.Full(),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "roomchat.yaml", "YAML config file (created with defaults if missing)")
	addConfigFlags(rootCmd.PersistentFlags())

	// load resolves the config and sets up logging to logOut.
	load := func(cmd *cobra.Command, logOut io.Writer) (server.Config, error) {
		cfg, path, err := server.LoadConfig(configPath, cmd.Flags())
		if err != nil {
			return cfg, err
		}
		if err := logging.Setup(logging.Options{
			Level:  cfg.LogLevel,
			Format: cfg.LogFormat,
			Output: logOut,
		}); err != nil {
			return cfg, fmt.Errorf("invalid logging config: %w", err)
		}
		slog.Debug("configuration loaded", "path", path)
		return cfg, nil
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd, os.Stdout)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	rootCmd.RunE = serveCmd.RunE

	rootCmd.AddCommand(
		serveCmd,
		newExportCmd(load),
		newVersionCmd(),
	)
	return rootCmd
}

// addConfigFlags registers one flag per overridable config key. Flags are
// bound by name in server.LoadConfig, so only explicitly set flags win.
func addConfigFlags(fs *pflag.FlagSet) {
	def := server.DefaultConfig()
	fs.String("listen-addr", def.ListenAddr, "TCP bind address")
	fs.String("data-dir", def.DataDir, "Base directory for relative data paths")
	fs.String("store-backend", def.StoreBackend, "Persistence backend: file or sqlite")
	fs.String("users-file", def.UsersFile, "Credentials file (file backend)")
	fs.String("bans-file", def.BansFile, "Ban list file (file backend)")
	fs.String("db-path", def.DBPath, "SQLite database file (sqlite backend)")
	fs.String("activity-log", def.ActivityLog, "Activity log file (empty to disable)")
	fs.String("admin-password", def.AdminPassword, "Shared password for /admin")
	fs.Int64("max-file-size", def.MaxFileSize, "Maximum decoded file upload in bytes")
	fs.String("metrics-addr", def.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	fs.String("log-level", def.LogLevel, "Log level: "+logging.LevelNames())
	fs.String("log-format", def.LogFormat, "Log format: text or json")
}

func serve(cfg server.Config) error {
	st, err := server.OpenStore(cfg)
	if err != nil {
		slog.Error("open store", "backend", cfg.StoreBackend, "err", err)
		return err
	}

	deps := server.Dependencies{Store: st}
	if path := cfg.ActivityLogPath(); path != "" {
		activity, err := auditlog.Open(path)
		if err != nil {
			_ = st.Close()
			slog.Error("open activity log", "path", path, "err", err)
			return err
		}
		deps.Activity = activity
	}

	srv := server.New(cfg, deps)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		return err
	}
	return nil
}

func newExportCmd(load func(*cobra.Command, io.Writer) (server.Config, error)) *cobra.Command {
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export persisted data as YAML",
	}

	export := func(name string, fn func(store.DataStore) ([]byte, error)) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: "Export " + name + " as YAML",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := load(cmd, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				st, err := server.OpenStore(cfg)
				if err != nil {
					return fmt.Errorf("open store: %w", err)
				}
				defer func() { _ = st.Close() }()

				data, err := fn(st)
				if err != nil {
					return fmt.Errorf("export %s: %w", name, err)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			},
		}
	}

	exportCmd.AddCommand(
		export("users", server.ExportUsersYAML),
		export("bans", server.ExportBansYAML),
	)
	return exportCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Full())
			return err
		},
	}
}
