package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig   BasicConfig               `json:"basic_config"`
	Databases     map[string]DatabaseConfig `json:"databases"`
	Redis         RedisConfig               `json:"redis"`
	ObjectStorage ObjectStorageConfig       `json:"object_storage"`
	GCS           GCSConfig                 `json:"gcs"`
	HTTPFetch     HTTPFetchConfig           `json:"http_fetch"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address"`
	FileBaseDir       string `json:"file_base_dir"`
	LogLevel          string `json:"log_level"`
	MinWorkers        int    `json:"min_workers"`
	MaxWorkers        int    `json:"max_workers"`
	QueueSize         int    `json:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout"` // seconds
	TextCacheTTL      int    `json:"text_cache_ttl"`      // minutes
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ObjectStorageConfig configures the MinIO/S3 endpoint used for s3:// locators.
type ObjectStorageConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

// GCSConfig configures gs:// locators. Empty credentials fall back to ADC.
type GCSConfig struct {
	Enabled         bool   `json:"enabled"`
	CredentialsFile string `json:"credentials_file"`
}

type HTTPFetchConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
	TimeoutSeconds    int     `json:"timeout_seconds"`
	MaxBytes          int64   `json:"max_bytes"`
	// AllowedHosts limits http(s) locators to these hosts; empty allows any host.
	AllowedHosts []string `json:"allowed_hosts"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	baseDir := filepath.Dir(absPath)
	for name, db := range cfg.Databases {
		if isSQLite(name) && db.DSN != "" && !strings.HasPrefix(db.DSN, ":memory:") &&
			!strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(baseDir, db.DSN)
			cfg.Databases[name] = db
		}
	}
	if cfg.BasicConfig.FileBaseDir != "" && !filepath.IsAbs(cfg.BasicConfig.FileBaseDir) {
		cfg.BasicConfig.FileBaseDir = filepath.Join(baseDir, cfg.BasicConfig.FileBaseDir)
	}

	return &cfg, nil
}

func isSQLite(name string) bool {
	name = strings.ToLower(name)
	return name == "sqlite" || name == "sqlite3"
}
