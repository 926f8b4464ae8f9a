package main

import (
	"fmt"
	"os"

	"github.com/iopscan/iopscan/internal/cache"
	"github.com/iopscan/iopscan/internal/config"
	"github.com/iopscan/iopscan/internal/daemon"
	"github.com/iopscan/iopscan/internal/logging"
	"github.com/iopscan/iopscan/internal/ui"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	rootCmd = &cobra.Command{
		Use:   "iopscan",
		Short: "On-device IOP screening for fundus photographs",
		Long: `iopscan screens fundus photographs for elevated intraocular pressure risk
with a locally cached classification model.

The model is downloaded once from its origin and reused from the local cache.

Key Commands:
  scan      - Classify one or more fundus images
  model     - Fetch, inspect or clear the cached model
  history   - Show previous scan results
  serve     - Run the HTTP scan service`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/iopscan/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose output")
}

func initConfig() {
	// Initialize our config system
	if err := config.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing config: %v\n", err)
		os.Exit(1)
	}

	// If user specified a config file, load it
	if cfgFile != "" {
		if err := config.LoadFile(cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}

	// Create all necessary directories
	if err := config.CreateAllDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directories: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *logging.Logger {
	return logging.Stderr(verbose || config.Get().UI.Verbose)
}

// newLocalDaemon builds the scan stack in-process, with download progress bars when enabled
func newLocalDaemon(opts ...daemon.Option) (*daemon.Daemon, error) {
	cfg := config.Get()
	if cfg.UI.ProgressBar {
		opts = append(opts, daemon.WithProgress(func(name string, total int64) cache.Tracker {
			return ui.NewProgressBar(total, name, os.Stderr)
		}))
	}

	d, err := daemon.New(cfg, newLogger(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return d, nil
}

func serviceURL(port int) string {
	if port == 0 {
		port = config.Get().Server.Port
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}
