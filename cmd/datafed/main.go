package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/datafedhq/datafed/internal/engine"
	"github.com/datafedhq/datafed/pkg/config"
	"github.com/datafedhq/datafed/pkg/logger"
)

var (
	configFile string
	version    = "0.1.0"

	// set at build time
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func printVersionInfo() {
	fmt.Printf("datafed v%s\n", version)
	fmt.Printf("Built: %s, from commit: %s\n", BuildTime, GitCommit)
	fmt.Printf("Go version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "datafed",
	Short: "DataFed federation hub",
	Long: "Command line interface for the DataFed hub: run the node, issue and retract shares, " +
		"inspect and replay outbound messages.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Lookup("version") != nil && cmd.Flags().Lookup("version").Changed {
			printVersionInfo()
			return nil
		}
		return cmd.Help()
	},
}

func loadConfig() (*config.Config, error) {
	cfg := config.New()
	if _, err := os.Stat(configFile); err == nil {
		if err := cfg.LoadFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", configFile, err)
		}
	}
	return cfg, nil
}

// withEngine runs fn against a started engine and tears it down afterwards
func withEngine(fn func(context.Context, *engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logger.New("datafed", version)
	e := engine.NewEngine(cfg)
	e.SetLogger(log)

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Stop(ctx)

	return fn(ctx, e)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.ExpandEnv("$HOME/.datafed/config.yaml"), "Path to config file")
	rootCmd.Flags().Bool("version", false, "Show version information and exit")

	setupCommands()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
