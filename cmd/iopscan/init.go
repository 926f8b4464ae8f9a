package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/iopscan/iopscan/internal/config"
	"github.com/spf13/cobra"
)

var (
	initForce   bool
	initPath    string
	initCleanup bool
	initBaseURL string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize or clean up iopscan directories and configuration",
	Long: `Initialize the iopscan environment by creating necessary directories
and a default configuration file if they don't already exist.

This command will create:
  - Base directory (~/.iopscan by default)
  - Models directory for the cached model
  - Scratch directory for temporary images
  - History directory for scan results
  - Configuration file (~/.config/iopscan/config.yaml)

Use --path to initialize in a custom location instead of the default.
Use --cleanup to remove all iopscan directories and configuration.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing configuration")
	initCmd.Flags().StringVar(&initPath, "path", "", "initialize in a custom path instead of default")
	initCmd.Flags().BoolVar(&initCleanup, "cleanup", false, "remove all iopscan directories and configuration")
	initCmd.Flags().StringVar(&initBaseURL, "model-url", "", "base URL the model is downloaded from")
}

func runInit(cmd *cobra.Command, args []string) error {
	// Determine base directory
	var baseDir string
	if initPath != "" {
		baseDir = initPath
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(homeDir, ".iopscan")
	}

	configPath := config.UserConfigPath()
	if initPath != "" {
		// If custom path, put config in the same directory
		configPath = filepath.Join(baseDir, "config", "config.yaml")
	}

	if initCleanup {
		return cleanupIopscan(baseDir, filepath.Dir(configPath))
	}

	fmt.Printf("Initializing iopscan in: %s\n\n", baseDir)

	dirs := []struct {
		path string
		desc string
	}{
		{baseDir, "Base directory"},
		{filepath.Join(baseDir, "models"), "Models directory"},
		{filepath.Join(baseDir, "tmp"), "Scratch directory"},
		{filepath.Join(baseDir, "history"), "History directory"},
		{filepath.Dir(configPath), "Configuration directory"},
	}

	for _, dir := range dirs {
		if err := createDirectory(dir.path, dir.desc); err != nil {
			return err
		}
	}

	if err := createConfigFile(configPath, baseDir); err != nil {
		return err
	}

	fmt.Println("\n✅ iopscan initialization complete!")
	fmt.Println("\nNext steps:")
	if initBaseURL == "" {
		fmt.Printf("  1. Set model.base_url in %s\n", configPath)
	} else {
		fmt.Println("  1. Run 'iopscan model fetch' to download the model")
	}
	fmt.Println("  2. Run 'iopscan scan <image>' to screen a fundus photograph")

	if initPath != "" {
		fmt.Printf("\nNote: You initialized in a custom location: %s\n", baseDir)
		fmt.Printf("Pass --config %s or set IOPSCAN_HOME=%s to use it\n", configPath, baseDir)
	}

	return nil
}

func createDirectory(path, description string) error {
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			fmt.Printf("  ✓ %s already exists: %s\n", description, path)
			return nil
		}
		return fmt.Errorf("%s exists but is not a directory: %s", description, path)
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", description, err)
	}

	fmt.Printf("  ✅ Created %s: %s\n", description, path)
	return nil
}

func createConfigFile(configPath, baseDir string) error {
	if _, err := os.Stat(configPath); err == nil {
		if !initForce {
			fmt.Printf("  ✓ Configuration already exists: %s\n", configPath)
			fmt.Println("    (use --force to overwrite)")
			return nil
		}
		fmt.Printf("  ⚠️  Overwriting existing configuration\n")
	}

	configContent := fmt.Sprintf(`# iopscan Configuration
# Generated by 'iopscan init'

# Storage configuration
storage:
  base_dir: %s
  models_dir: %s
  scratch_dir: %s
  history_dir: %s

# Model configuration
model:
  name: iop-classifier
  base_url: %q   # directory URL serving model.json and its weight files
  backend: onnx
  input_size: 224
  normalization: zero_centered   # zero_centered or unit_scaled

# Inference runtime
runtime:
  library_path: ""   # onnxruntime shared library, empty = platform default

# Network configuration
network:
  timeout: 60               # seconds to wait for response headers
  download_rate_limit: 0    # bytes/sec, 0 = unlimited
  ping_before_download: false

# Image quality gate
quality:
  blur_check: true
  blur_threshold: 35
  reject_blurry: false

# HTTP service
server:
  port: 8740
  max_upload_mb: 10

# UI configuration
ui:
  progress_bar: true
  verbose: false
  output_format: text   # text or json
`,
		baseDir,
		filepath.Join(baseDir, "models"),
		filepath.Join(baseDir, "tmp"),
		filepath.Join(baseDir, "history"),
		initBaseURL,
	)

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("failed to create configuration file: %w", err)
	}

	fmt.Printf("  ✅ Created configuration: %s\n", configPath)
	return nil
}

// cleanupIopscan removes all iopscan directories and configuration
func cleanupIopscan(baseDir, configDir string) error {
	fmt.Printf("Cleaning up iopscan installation...\n\n")

	fmt.Printf("⚠️  WARNING: This will remove:\n")
	fmt.Printf("  - Base directory: %s\n", baseDir)
	fmt.Printf("  - Configuration: %s\n", configDir)

	fmt.Printf("\nThis action cannot be undone. The cached model and scan history will be deleted.\n")
	fmt.Printf("Are you sure? Type 'yes' to continue: ")

	var response string
	fmt.Scanln(&response)

	if response != "yes" {
		fmt.Println("Cleanup cancelled.")
		return nil
	}

	fmt.Println()

	if err := removeDirectory(baseDir, "Base directory"); err != nil {
		fmt.Printf("  ⚠️  Failed to remove base directory: %v\n", err)
	}
	if err := removeDirectory(configDir, "Configuration directory"); err != nil {
		fmt.Printf("  ⚠️  Failed to remove configuration: %v\n", err)
	}

	fmt.Println("\n✅ iopscan cleanup complete!")
	fmt.Println("\nTo reinstall, run: iopscan init")

	return nil
}

// removeDirectory removes a directory and all its contents
func removeDirectory(path, description string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Printf("  ✓ %s does not exist: %s\n", description, path)
		return nil
	}

	if err := os.RemoveAll(path); err != nil {
		return err
	}

	fmt.Printf("  ✅ Removed %s: %s\n", description, path)
	return nil
}
