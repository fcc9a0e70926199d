package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/NicolasHaas/roomchat/pkg/client"
	"github.com/NicolasHaas/roomchat/pkg/logging"
	"github.com/NicolasHaas/roomchat/pkg/version"
)

type options struct {
	settingsPath string
	server       string
	username     string
	password     string
	register     bool
	downloadDir  string
	logLevel     string
	save         bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:          "roomchat",
		Short:        "Terminal client for a roomchat server",
		Version:      version.Full(),
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.settingsPath, "settings", client.SettingsPath(), "Client settings file")
	f.StringVarP(&opts.server, "server", "s", "", "Server address host:port (default from settings)")
	f.StringVarP(&opts.username, "user", "u", "", "Username (default from settings)")
	f.StringVarP(&opts.password, "password", "p", "", "Password (or ROOMCHAT_PASSWORD)")
	f.BoolVar(&opts.register, "register", false, "Create the account before logging in")
	f.StringVar(&opts.downloadDir, "download-dir", "", "Save received files into this directory")
	f.StringVar(&opts.logLevel, "log-level", "warn", "Log level: "+logging.LevelNames())
	f.BoolVar(&opts.save, "save", false, "Remember server and username in the settings file")
	return cmd
}

func run(cmd *cobra.Command, opts options) error {
	if err := logging.Setup(logging.Options{Level: opts.logLevel, Output: cmd.ErrOrStderr()}); err != nil {
		return err
	}

	settings := client.LoadSettings(opts.settingsPath)
	if opts.server != "" {
		settings.Server = opts.server
	}
	if opts.username != "" {
		settings.Username = opts.username
	}
	if opts.downloadDir != "" {
		settings.DownloadDir = opts.downloadDir
	}
	password := opts.password
	if password == "" {
		password = os.Getenv("ROOMCHAT_PASSWORD")
	}
	if settings.Username == "" || password == "" {
		return errors.New("username and password are required (--user, --password)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	authCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if opts.register {
		c, err := dial(ctx, settings.Server)
		if err != nil {
			return err
		}
		msg, err := c.Register(authCtx, settings.Username, password)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "*** "+msg)
	}

	c, err := dial(ctx, settings.Server)
	if err != nil {
		return err
	}
	if err := c.Login(authCtx, settings.Username, password); err != nil {
		return err
	}

	if opts.save {
		if err := settings.Save(opts.settingsPath); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "could not save settings: %v\n", err)
		}
	}

	fmt.Fprintf(out, "Connected to %s as %s. Type /help for commands, /quit to exit.\n",
		settings.Server, settings.Username)
	return client.NewConsole(c, settings, out).Run(ctx, cmd.InOrStdin())
}

func dial(ctx context.Context, addr string) (*client.Client, error) {
	if !strings.Contains(addr, ":") {
		addr += ":55000"
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return client.Dial(dialCtx, addr)
}
