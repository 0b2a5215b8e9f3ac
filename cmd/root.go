// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/forensync/internal/config"
	"github.com/xkilldash9x/forensync/internal/network"
	"github.com/xkilldash9x/forensync/internal/notify"
	"github.com/xkilldash9x/forensync/internal/observability"
	"github.com/xkilldash9x/forensync/internal/service"
	"github.com/xkilldash9x/forensync/internal/validation"
)

const envPrefix = "FORENSYNC"

// app carries state shared by every subcommand of one root command instance.
type app struct {
	cfgFile string
	noColor bool
	v       *viper.Viper
	cfg     *config.Config
	factory service.ComponentFactory
}

// NewRootCommand builds a fresh command tree wired to the production factory.
func NewRootCommand() *cobra.Command {
	cmd, _ := newRootCmd(service.NewComponentFactory())
	return cmd
}

// newRootCmd builds the command tree around factory. Tests pass their own.
func newRootCmd(factory service.ComponentFactory) (*cobra.Command, *app) {
	a := &app{factory: factory}

	rootCmd := &cobra.Command{
		Use:           "forensync",
		Short:         "Forensync is a terminal client for the forensics analysis dashboard.",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		// With Args set, cobra parses flag values after --version instead of
		// reading them as subcommand names.
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, a.cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return err
			}
			a.v = v
			a.cfg = cfg

			observability.Initialize(cfg.Logger(), observability.WriterSyncer(cmd.ErrOrStderr()))
			observability.GetLogger().Debug("Starting forensync", zap.String("version", Version))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./forensync.yaml or ~/.forensync/forensync.yaml)")
	rootCmd.PersistentFlags().String("api-url", "", "backend base URL (overrides api.base_url)")
	rootCmd.PersistentFlags().String("session-file", "", "where the session token is stored (overrides session.file)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "disable colored notifications")
	rootCmd.SetVersionTemplate(`{{printf "forensync version %s\n" .Version}}`)

	rootCmd.AddCommand(
		newVersionCmd(),
		newLoginCmd(a),
		newRegisterCmd(a),
		newLogoutCmd(a),
		newWhoamiCmd(a),
		newOAuthCmd(a),
		newFilesCmd(a),
		newAnalysisCmd(a),
		newDashboardCmd(a),
		newWatchCmd(a),
		newHistoryCmd(a),
		newMockServerCmd(a),
		newConfigCmd(a),
	)
	return rootCmd, a
}

// Execute runs a fresh root command. Errors that were already shown to the
// user as notifications are not printed a second time.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	if !alreadyNotified(err) {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}
	observability.GetLogger().Debug("Command execution failed", zap.Error(err))
	return err
}

// initializeConfig reads the config file and environment into v and binds the
// persistent flags that override single keys.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.forensync")
		v.SetConfigName("forensync")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	flags := cmd.Root().PersistentFlags()
	for key, flag := range map[string]string{
		"api.base_url": "api-url",
		"session.file": "session-file",
		"logger.level": "log-level",
	} {
		if f := flags.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// notifier prints user-facing errors on stderr.
func (a *app) notifier(cmd *cobra.Command) notify.Notifier {
	return notify.NewWriterNotifier(cmd.ErrOrStderr(), !a.noColor)
}

// components builds the client stack for one command run. The caller owns Shutdown.
func (a *app) components(cmd *cobra.Command, opts service.Options) (*service.Components, error) {
	if opts.Notifier == nil {
		opts.Notifier = a.notifier(cmd)
	}
	return a.factory.Create(cmd.Context(), a.cfg, opts, observability.GetLogger())
}

// alreadyNotified reports whether err was shown to the user by the API client
// or a form check.
func alreadyNotified(err error) bool {
	var apiErr *network.APIError
	var transportErr *network.TransportError
	return errors.As(err, &apiErr) || errors.As(err, &transportErr) || errors.Is(err, validation.ErrInvalidForm)
}
