package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/iopscan/iopscan/internal/config"
	"github.com/iopscan/iopscan/internal/ui"
	"github.com/spf13/cobra"
)

var modelFetchForce bool

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Manage the cached classification model",
	Long: `Fetch, inspect or clear the locally cached classification model.

The model is a model.json descriptor plus its weight files, downloaded from
model.base_url into <models_dir>/<model.name>/.`,
}

var modelFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download and load the model",
	Long: `Downloads the model if it is not cached yet and loads it once to verify it.

A corrupt cache is cleared and downloaded again. Use --force to discard the
cache and download everything from scratch.`,
	Args: cobra.NoArgs,
	RunE: runModelFetch,
}

var modelStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cached model files",
	Args:  cobra.NoArgs,
	RunE:  runModelStatus,
}

var modelClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the cached model files",
	Args:  cobra.NoArgs,
	RunE:  runModelClear,
}

var modelPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the model origin is reachable",
	Args:  cobra.NoArgs,
	RunE:  runModelPing,
}

func init() {
	rootCmd.AddCommand(modelCmd)
	modelCmd.AddCommand(modelFetchCmd, modelStatusCmd, modelClearCmd, modelPingCmd)

	modelFetchCmd.Flags().BoolVar(&modelFetchForce, "force", false, "clear the cache and download again")
}

func runModelFetch(cmd *cobra.Command, args []string) error {
	d, err := newLocalDaemon()
	if err != nil {
		return err
	}
	defer d.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Get()
	fmt.Printf("Fetching model %s from %s\n", cfg.Model.Name, cfg.Model.BaseURL)

	start := time.Now()
	handle, err := d.Loader().Load(ctx, modelFetchForce)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}

	spec := handle.Spec()
	fmt.Printf("\n✅ Model ready in %s\n", ui.FormatDuration(time.Since(start)))
	fmt.Printf("  Cache: %s\n", d.Loader().Dir())
	fmt.Printf("  Backend: %s\n", d.Config().Model.Backend)
	fmt.Printf("  Input: %dx%d, %s\n", spec.Size, spec.Size, spec.Normalization)
	fmt.Printf("  Files: %d\n", len(handle.Descriptor().Shards())+1)

	return nil
}

func runModelStatus(cmd *cobra.Command, args []string) error {
	d, err := newLocalDaemon()
	if err != nil {
		return err
	}
	defer d.Shutdown()

	cfg := config.Get()
	fmt.Printf("Model: %s\n", cfg.Model.Name)
	fmt.Printf("  Origin: %s\n", cfg.Model.BaseURL)
	fmt.Printf("  Cache: %s\n", d.Loader().Dir())
	fmt.Printf("  Disk usage: %s\n", ui.FormatBytes(d.Paths().GetDiskUsage().Total))

	report, err := d.Cache().Inspect(d.Loader().Dir())
	if err != nil {
		if _, statErr := os.Stat(d.Paths().DescriptorPath(cfg.Model.Name)); os.IsNotExist(statErr) {
			fmt.Println("  Status: not cached")
			fmt.Println("\nRun 'iopscan model fetch' to download it.")
			return nil
		}
		fmt.Printf("  Status: invalid (%v)\n", err)
		fmt.Println("\nRun 'iopscan model fetch --force' to download it again.")
		return nil
	}

	fmt.Println("  Status: cached")
	if report.Format != "" {
		fmt.Printf("  Format: %s\n", report.Format)
	}
	if verbose && report.DescriptorHash != "" {
		fmt.Printf("  Descriptor hash: %s\n", report.DescriptorHash)
	}
	fmt.Printf("  Size: %s\n", ui.FormatBytes(report.TotalSize))
	fmt.Println("  Files:")
	for _, shard := range report.Shards {
		fmt.Printf("    %-40s %10s", ui.TruncateString(shard.Name, 40), ui.FormatBytes(shard.Size))
		if verbose {
			fmt.Printf("  %s", shard.SHA256)
		}
		fmt.Println()
	}

	return nil
}

func runModelClear(cmd *cobra.Command, args []string) error {
	d, err := newLocalDaemon()
	if err != nil {
		return err
	}
	defer d.Shutdown()

	if err := d.ClearModelCache(context.Background()); err != nil {
		return err
	}

	fmt.Printf("✅ Cleared model cache %s\n", d.Loader().Dir())
	return nil
}

func runModelPing(cmd *cobra.Command, args []string) error {
	d, err := newLocalDaemon()
	if err != nil {
		return err
	}
	defer d.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	baseURL := d.Config().Model.BaseURL
	status, err := d.Cache().Ping(ctx, baseURL)
	if err != nil {
		return fmt.Errorf("model origin %s is not reachable: %w", baseURL, err)
	}

	fmt.Printf("✅ Model origin reachable (HTTP %d)\n", status)
	return nil
}
