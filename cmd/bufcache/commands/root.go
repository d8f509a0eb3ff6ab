package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/config"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/logging"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "bufcache",
	Short: "Drive the GPU buffer cache with scripted workloads",
	Long: `bufcache runs Lua scenarios against the guest GPU buffer cache.

Each scenario maps guest memory, binds buffers through the emulated
engine registers and issues draws, dispatches and DMA operations. The
cache keeps guest and host copies coherent while the scenario checks
the results with expect().`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.bufcache/bufcache.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode")
	rootCmd.PersistentFlags().String("backend", "", "host backend: memory, vulkan or auto")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	rootCmd.RegisterFlagCompletionFunc("backend", completeBackends)

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	viper.BindPFlag("runtime.backend", rootCmd.PersistentFlags().Lookup("backend"))
	viper.BindPFlag("no-color", rootCmd.PersistentFlags().Lookup("no-color"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	viper.SetEnvPrefix("BUFCACHE")
	viper.AutomaticEnv()

	if viper.GetBool("no-color") || !isTerminal() {
		disableStyles()
	}
}

// loadConfig reads the configuration and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if backend := viper.GetString("runtime.backend"); backend != "" {
		cfg.Runtime.Backend = backend
	}

	level := logging.ResolveLevel(cfg.Logging.Level, verbose, quiet)
	if err := logging.Init(level, cfg.Logging.File, cfg.Logging.Console); err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}

	if verbose && viper.ConfigFileUsed() != "" {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
	return cfg, nil
}
