package main

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	oa "github.com/panyam/monitorauth"
	"github.com/panyam/monitorauth/client"
)

// app is the state shared by all subcommands of one invocation
type app struct {
	cfgPath   string
	baseURL   string
	backend   string
	storePath string
	logLevel  string

	cfg     *oa.Config
	session *client.SessionManager
	closers []func() error
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "sessionctl",
		Short:         "Manage a monitoring service session",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgPath, "config", "", "config file (yaml, json or toml)")
	flags.StringVar(&a.baseURL, "base-url", "", "auth API root, overrides base_url")
	flags.StringVar(&a.backend, "store", "", "credential store: file, keyring, sqlite or memory")
	flags.StringVar(&a.storePath, "store-path", "", "store directory (file) or database file (sqlite)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level, overrides log.level")

	rootCmd.AddCommand(
		newLoginCmd(a),
		newRegisterCmd(a),
		newLogoutCmd(a),
		newStatusCmd(a),
		newWhoamiCmd(a),
		newUpdateCmd(a),
		newDeleteAccountCmd(a),
		newWatchCmd(a),
	)
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := oa.LoadConfig(a.cfgPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.BaseURL = a.baseURL
	}
	if flags.Changed("store") {
		cfg.Store.Backend = a.backend
	}
	if flags.Changed("store-path") {
		cfg.Store.Path = a.storePath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	setupLogging(cmd.ErrOrStderr(), cfg)

	api, err := client.NewTransport(cfg.BaseURL,
		client.WithTimeout(cfg.RequestTimeout),
		client.WithUserAgent("sessionctl/1"),
		client.WithCircuitBreaker(client.BreakerSettings{}),
	)
	if err != nil {
		return err
	}

	secrets, prefs, closer, err := openStores(cfg.Store)
	if err != nil {
		return err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	a.session = client.NewSessionManager(api, secrets, prefs,
		client.WithRefreshInterval(cfg.RefreshInterval),
		client.WithRefreshThreshold(cfg.RefreshThreshold),
	)
	return nil
}

func (a *app) teardown() error {
	if a.session != nil {
		a.session.Close()
	}
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func setupLogging(w io.Writer, cfg *oa.Config) {
	cfg.ApplyLogLevel()
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
