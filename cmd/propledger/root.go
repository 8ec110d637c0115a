package main

import (
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"propledger/internal/config"
	"propledger/internal/logger"
)

var (
	storageKeys = []string{config.KeyStorageDriver, config.KeySQLitePath, config.KeyPostgresDSN}
	clientKeys  = []string{config.KeyServerURL, config.KeySessionFile, config.KeyRestoreTimeout}
)

// app is shared by every subcommand. Each command owns its flags, and the
// running command rebinds them so its values win over sibling registrations.
type app struct {
	v      *viper.Viper
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	log    *zap.Logger
	// ready receives the listen address once serve accepts connections.
	ready chan<- string
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{v: config.New(), in: in, out: out, errOut: errOut, log: zap.NewNop()}
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	return newApp(in, out, errOut).rootCommand()
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "propledger",
		Short:         "Multi-tenant property revenue service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setupLogger()
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	mustBind(a.v, root.PersistentFlags(), config.KeyLogFormat, config.KeyLogLevel)

	root.AddCommand(
		a.serveCommand(),
		a.migrateCommand(),
		a.seedCommand(),
		a.loginCommand(),
		a.logoutCommand(),
		a.revenueCommand(),
	)
	return root
}

// withFlags registers keys on cmd and rebinds them before cmd runs.
func (a *app) withFlags(cmd *cobra.Command, keys ...string) *cobra.Command {
	mustBind(a.v, cmd.Flags(), keys...)
	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		return config.BindFlags(a.v, cmd.Flags(), keys...)
	}
	return cmd
}

func (a *app) config() (config.Config, error) { return config.Load(a.v) }

func (a *app) setupLogger() error {
	format := a.v.GetString(config.KeyLogFormat)
	level, err := zapcore.ParseLevel(a.v.GetString(config.KeyLogLevel))
	if err != nil {
		return err
	}
	a.log = logger.New(a.errOut, logger.Config{Format: logger.Format(format), Level: level})
	return nil
}

// mustBind panics on an unknown key, which is a programming error.
func mustBind(v *viper.Viper, fs *pflag.FlagSet, keys ...string) {
	if err := config.BindFlags(v, fs, keys...); err != nil {
		panic(err)
	}
}
