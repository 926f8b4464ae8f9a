package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// Config represents the iopscan configuration
type Config struct {
	// Storage paths
	Storage StorageConfig `mapstructure:"storage"`

	// Model artifact settings
	Model ModelConfig `mapstructure:"model"`

	// Inference runtime settings
	Runtime RuntimeConfig `mapstructure:"runtime"`

	// Network settings
	Network NetworkConfig `mapstructure:"network"`

	// Image quality gate
	Quality QualityConfig `mapstructure:"quality"`

	// HTTP service settings
	Server ServerConfig `mapstructure:"server"`

	// UI settings
	UI UIConfig `mapstructure:"ui"`
}

type StorageConfig struct {
	BaseDir    string `mapstructure:"base_dir"`
	ModelsDir  string `mapstructure:"models_dir"`
	ScratchDir string `mapstructure:"scratch_dir"`
	HistoryDir string `mapstructure:"history_dir"`
}

type ModelConfig struct {
	Name          string `mapstructure:"name"`
	BaseURL       string `mapstructure:"base_url"`
	Backend       string `mapstructure:"backend"`
	InputSize     int    `mapstructure:"input_size"`
	Normalization string `mapstructure:"normalization"`
}

type RuntimeConfig struct {
	// Path to the onnxruntime shared library, empty for the platform default
	LibraryPath string `mapstructure:"library_path"`
}

type NetworkConfig struct {
	Timeout            int   `mapstructure:"timeout"`
	DownloadRateLimit  int64 `mapstructure:"download_rate_limit"`
	PingBeforeDownload bool  `mapstructure:"ping_before_download"`
}

type QualityConfig struct {
	BlurCheck     bool    `mapstructure:"blur_check"`
	BlurThreshold float64 `mapstructure:"blur_threshold"`
	RejectBlurry  bool    `mapstructure:"reject_blurry"`
}

type ServerConfig struct {
	Port        int   `mapstructure:"port"`
	MaxUploadMB int64 `mapstructure:"max_upload_mb"`
}

type UIConfig struct {
	ProgressBar  bool   `mapstructure:"progress_bar"`
	Verbose      bool   `mapstructure:"verbose"`
	OutputFormat string `mapstructure:"output_format"`
}

var (
	cfg *Config
	v   *viper.Viper
)

// Initialize sets up the configuration
func Initialize() error {
	v = viper.New()

	// Set config name and type
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Add config paths
	// 1. Same directory as executable
	if exe, err := os.Executable(); err == nil {
		v.AddConfigPath(filepath.Dir(exe))
	}

	// 2. Current working directory
	v.AddConfigPath(".")

	// 3. User config directory
	if configDir := getUserConfigDir(); configDir != "" {
		v.AddConfigPath(configDir)
	}

	setDefaults(v)

	v.SetEnvPrefix("IOPSCAN")
	v.AutomaticEnv()

	// Read config file if exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return load()
}

// LoadFile re-reads configuration from an explicit file
func LoadFile(path string) error {
	if v == nil {
		return fmt.Errorf("config not initialized")
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return load()
}

func load() error {
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	expandPaths(c)
	cfg = c
	return nil
}

// setDefaults sets all default values
func setDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.base_dir", getDefaultBaseDir())
	v.SetDefault("storage.models_dir", "")  // Will be set to base_dir/models
	v.SetDefault("storage.scratch_dir", "") // Will be set to base_dir/tmp
	v.SetDefault("storage.history_dir", "") // Will be set to base_dir/history

	// Model defaults
	v.SetDefault("model.name", "iop-classifier")
	v.SetDefault("model.base_url", "")
	v.SetDefault("model.backend", "onnx")
	v.SetDefault("model.input_size", 224)
	v.SetDefault("model.normalization", "zero_centered")

	v.SetDefault("runtime.library_path", "")

	// Network defaults
	v.SetDefault("network.timeout", 60)
	v.SetDefault("network.download_rate_limit", 0) // Unlimited
	v.SetDefault("network.ping_before_download", false)

	// Quality defaults
	v.SetDefault("quality.blur_check", true)
	v.SetDefault("quality.blur_threshold", 35.0)
	v.SetDefault("quality.reject_blurry", false)

	// Server defaults
	v.SetDefault("server.port", 8740)
	v.SetDefault("server.max_upload_mb", 10)

	// UI defaults
	v.SetDefault("ui.progress_bar", true)
	v.SetDefault("ui.verbose", false)
	v.SetDefault("ui.output_format", "text") // text or json
}

// getDefaultBaseDir returns the default base directory
func getDefaultBaseDir() string {
	if dir := os.Getenv("IOPSCAN_HOME"); dir != "" {
		return dir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".iopscan"
	}

	return filepath.Join(home, ".iopscan")
}

// getUserConfigDir returns the user's config directory
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "iopscan")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "iopscan")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "iopscan")
		}
		return filepath.Join(home, "AppData", "Roaming", "iopscan")
	default:
		return filepath.Join(home, ".config", "iopscan")
	}
}

// UserConfigPath returns where `iopscan init` writes config.yaml
func UserConfigPath() string {
	dir := getUserConfigDir()
	if dir == "" {
		return "config.yaml"
	}
	return filepath.Join(dir, "config.yaml")
}

// expandPaths expands relative paths and sets defaults
func expandPaths(cfg *Config) {
	if cfg.Storage.BaseDir != "" {
		cfg.Storage.BaseDir = expandPath(cfg.Storage.BaseDir)
	}

	cfg.Storage.ModelsDir = subDir(cfg.Storage.BaseDir, cfg.Storage.ModelsDir, "models")
	cfg.Storage.ScratchDir = subDir(cfg.Storage.BaseDir, cfg.Storage.ScratchDir, "tmp")
	cfg.Storage.HistoryDir = subDir(cfg.Storage.BaseDir, cfg.Storage.HistoryDir, "history")

	if cfg.Runtime.LibraryPath != "" {
		cfg.Runtime.LibraryPath = expandPath(cfg.Runtime.LibraryPath)
	}
}

func subDir(base, configured, name string) string {
	if configured == "" {
		return filepath.Join(base, name)
	}
	return expandPath(configured)
}

// expandPath expands ~ and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	return os.ExpandEnv(path)
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		panic("config not initialized")
	}
	return cfg
}

// CreateAllDirs creates all configured directories
func CreateAllDirs() error {
	dirs := []string{
		cfg.Storage.BaseDir,
		cfg.Storage.ModelsDir,
		cfg.Storage.ScratchDir,
		cfg.Storage.HistoryDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
