package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/cli/globalflag"

	"github.com/autopeer-io/fleetview/pkg/log"
)

const (
	configFlagName = "config"
	envPrefix      = "FLEETVIEW"
	usageColumns   = 100
)

// RunFunc is the main body of a command.
type RunFunc func() error

// ReloadFunc is called after the configuration file changed. It reads the
// settings it can apply at runtime from v; the options struct is not touched.
type ReloadFunc func(v *viper.Viper) error

// App is a cobra command wired to viper: flags, FLEETVIEW_* environment
// variables and an optional config file all feed the same options struct.
type App struct {
	name        string
	shortDesc   string
	description string
	options     NamedFlagSetOptions
	runFunc     RunFunc
	reloadFunc  ReloadFunc
	validArgs   cobra.PositionalArgs
	silence     bool

	viper *viper.Viper
	cmd   *cobra.Command
}

// Option configures an App.
type Option func(*App)

func WithDescription(desc string) Option {
	return func(a *App) { a.description = desc }
}

func WithOptions(opts NamedFlagSetOptions) Option {
	return func(a *App) { a.options = opts }
}

func WithRunFunc(run RunFunc) Option {
	return func(a *App) { a.runFunc = run }
}

// WithConfigReload watches the config file and calls fn after every change.
func WithConfigReload(fn ReloadFunc) Option {
	return func(a *App) { a.reloadFunc = fn }
}

// WithDefaultValidArgs rejects positional arguments.
func WithDefaultValidArgs() Option {
	return func(a *App) {
		a.validArgs = func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				if len(arg) > 0 {
					return fmt.Errorf("%q does not take any arguments, got %q", cmd.CommandPath(), args)
				}
			}
			return nil
		}
	}
}

// WithSilence suppresses cobra's usage and error output.
func WithSilence() Option {
	return func(a *App) { a.silence = true }
}

func NewApp(name, shortDesc string, opts ...Option) *App {
	a := &App{
		name:      name,
		shortDesc: shortDesc,
		viper:     viper.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.buildCommand()
	return a
}

// Command returns the underlying cobra command.
func (a *App) Command() *cobra.Command {
	return a.cmd
}

// Run executes the command and exits the process on failure.
func (a *App) Run() {
	if err := a.cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func (a *App) buildCommand() {
	cmd := &cobra.Command{
		Use:           a.name,
		Short:         a.shortDesc,
		Long:          a.description,
		SilenceUsage:  true,
		SilenceErrors: a.silence,
		Args:          a.validArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run()
		},
	}

	var namedfs cliflag.NamedFlagSets
	if a.options != nil {
		namedfs = a.options.Flags()
	}
	namedfs.FlagSet("global").StringP(configFlagName, "c", "",
		"Read configuration from the specified file (yaml, json or toml). Flags and FLEETVIEW_* environment variables take precedence.")
	globalflag.AddGlobalFlags(namedfs.FlagSet("global"), cmd.Name())

	fs := cmd.Flags()
	for _, f := range namedfs.FlagSets {
		fs.AddFlagSet(f)
	}

	cliflag.SetUsageAndHelpFunc(cmd, namedfs, usageColumns)

	a.cmd = cmd
}

func (a *App) run() error {
	if a.options != nil {
		if err := a.loadConfig(); err != nil {
			return err
		}
		if err := a.completeAndValidate(); err != nil {
			return err
		}
		if lo, ok := a.options.(LoggerOptions); ok {
			log.Init(lo.LogOptions())
		}
		defer func() { _ = log.Sync() }()
	}

	log.Info("Starting "+a.name, "config", a.viper.ConfigFileUsed())

	if a.reloadFunc != nil && a.viper.ConfigFileUsed() != "" {
		a.watchConfig()
	}

	if a.runFunc == nil {
		return nil
	}
	return a.runFunc()
}

func (a *App) loadConfig() error {
	v := a.viper
	if err := v.BindPFlags(a.cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file := v.GetString(configFlagName); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %q: %w", file, err)
		}
	}

	if err := v.Unmarshal(a.options); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}
	return nil
}

func (a *App) completeAndValidate() error {
	if err := a.options.Complete(); err != nil {
		return fmt.Errorf("failed to complete options: %w", err)
	}
	return a.options.Validate()
}

func (a *App) watchConfig() {
	a.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		log.Info("Configuration file changed", "file", e.Name)

		if err := a.reloadFunc(a.viper); err != nil {
			log.Error(err, "Failed to apply reloaded configuration")
		}
	})
	a.viper.WatchConfig()
}
