package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"

	"filedrop/channel"
	"filedrop/chunk"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "filedrop"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "FILEDROP_DATA_DIR"
	// EnvPrefix prefixes every environment override, e.g. FILEDROP_CHUNK_SIZE.
	EnvPrefix = "FILEDROP"
	// DefaultListenAddress is the TCP address used when no user override exists.
	DefaultListenAddress = ":9999"
	// DefaultChunkSize is the payload size of one chunk envelope.
	DefaultChunkSize = 1 << 20
	// DefaultConcurrencyLimit bounds in-flight chunk sends per file.
	DefaultConcurrencyLimit = 16
	// DefaultMaxFileSize is the largest file accepted for sending or receiving.
	DefaultMaxFileSize int64 = 1 << 30
	// DefaultWorkerQueueSize bounds the reassembly worker inbox.
	DefaultWorkerQueueSize = 256
	// ReassemblyWorker assembles files on a dedicated goroutine.
	ReassemblyWorker = "worker"
	// ReassemblySync assembles files on the receiving goroutine.
	ReassemblySync = "sync"
	// configFileName is the persisted configuration file.
	configFileName = "config.toml"
)

// Config contains persistent local-node settings. Every field can be
// overridden from the environment with the FILEDROP_ prefix.
type Config struct {
	DeviceID         string `toml:"device_id" envconfig:"DEVICE_ID"`
	DeviceName       string `toml:"device_name" envconfig:"DEVICE_NAME"`
	ListenAddress    string `toml:"listen_address" envconfig:"LISTEN_ADDRESS"`
	DownloadDir      string `toml:"download_dir" envconfig:"DOWNLOAD_DIR"`
	ChunkSize        int    `toml:"chunk_size" envconfig:"CHUNK_SIZE"`
	ConcurrencyLimit int    `toml:"concurrency_limit" envconfig:"CONCURRENCY_LIMIT"`
	MaxFileSize      int64  `toml:"max_file_size" envconfig:"MAX_FILE_SIZE"`
	WorkerQueueSize  int    `toml:"worker_queue_size" envconfig:"WORKER_QUEUE_SIZE"`
	Reassembly       string `toml:"reassembly" envconfig:"REASSEMBLY"`
	LogLevel         string `toml:"log_level" envconfig:"LOG_LEVEL"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// A non-empty override wins, then FILEDROP_DATA_DIR. Both may start with ~.
func ResolveDataDir(override string) (string, error) {
	if override == "" {
		override = os.Getenv(DataDirEnv)
	}
	if override != "" {
		dir, err := homedir.Expand(override)
		if err != nil {
			return "", fmt.Errorf("expand data dir %q: %w", override, err)
		}
		return dir, nil
	}

	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.toml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "files"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and decodes config.toml from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if _, err := toml.Decode(string(raw), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save encodes and writes config.toml to disk.
func Save(path string, cfg *Config) error {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// ApplyEnv overlays FILEDROP_* environment variables onto cfg. Overrides are
// never persisted.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("processing env var overrides: %w", err)
	}
	return nil
}

// LoadOrCreate ensures directories and config exist, applies environment
// overrides, validates the result and returns it with the config path.
func LoadOrCreate(dataDirOverride string) (*Config, string, error) {
	dataDir, err := ResolveDataDir(dataDirOverride)
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = Default(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return cfg, cfgPath, nil
}

// Default returns a fresh config with a new device id.
func Default(dataDir string) *Config {
	cfg := &Config{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

// Validate rejects values no transfer could run with.
func (c *Config) Validate() error {
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be >= 1, got %d", c.ChunkSize)
	}
	if size := chunk.MaxEncodedSize(c.ChunkSize); size > channel.MaxFrameSize {
		return fmt.Errorf("chunk_size %d encodes to %d bytes, above the %d byte frame limit (use at most %d)",
			c.ChunkSize, size, channel.MaxFrameSize, chunk.MaxChunkSizeFor(channel.MaxFrameSize))
	}
	if c.ConcurrencyLimit < 1 {
		return fmt.Errorf("concurrency_limit must be >= 1, got %d", c.ConcurrencyLimit)
	}
	if c.MaxFileSize < 1 {
		return fmt.Errorf("max_file_size must be >= 1, got %d", c.MaxFileSize)
	}
	if c.WorkerQueueSize < 1 {
		return fmt.Errorf("worker_queue_size must be >= 1, got %d", c.WorkerQueueSize)
	}
	switch c.Reassembly {
	case ReassemblyWorker, ReassemblySync:
	default:
		return fmt.Errorf("invalid reassembly mode %q", c.Reassembly)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "filedrop device"
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
		updated = true
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "files")
		updated = true
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = DefaultConcurrencyLimit
		updated = true
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
		updated = true
	}
	if cfg.WorkerQueueSize <= 0 {
		cfg.WorkerQueueSize = DefaultWorkerQueueSize
		updated = true
	}
	if cfg.Reassembly == "" {
		cfg.Reassembly = ReassemblyWorker
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = logrus.InfoLevel.String()
		updated = true
	}

	return updated
}
