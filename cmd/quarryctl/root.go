package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"go.quarry.dev/quarry/pkg/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "quarryctl",
	Short: "Ping, serve, or proxy Minecraft Java Edition connections",
}

// Execute runs the root command, dispatching to one of the registered
// subcommands.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./quarryctl.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(proxyCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("quarryctl")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("QUARRY")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig() // absence of a config file is not an error; defaults + flags still apply
}

// loadConfig unmarshals viper's view into cfg over top of config.Default(),
// seeded with defaults first since quarryctl has no generated starter file.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("quarryctl: error loading config: %w", err)
	}
	return cfg, nil
}

func viperDebug() bool { return viper.GetBool("debug") }

// initLogger installs a console-encoded, colorized, ISO8601-timestamped
// zap logger as the package globals.
func initLogger(debug bool) error {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(l)
	return nil
}
