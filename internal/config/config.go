package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Reporter ReporterConfig `yaml:"reporter"`
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	ListenAddr               string        `yaml:"listenAddr"`
	TickInterval             time.Duration `yaml:"tickInterval"`
	HeartbeatTimeout         time.Duration `yaml:"heartbeatTimeout"`
	DefaultAssignmentTimeout time.Duration `yaml:"defaultAssignmentTimeout"`
	SendBuffer               int           `yaml:"sendBuffer"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

type ReporterConfig struct {
	Webserver string        `yaml:"webserver"`
	Timeout   time.Duration `yaml:"timeout"`
	QueueSize int           `yaml:"queueSize"`
}

type APIConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	File string `yaml:"file,omitempty"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:               ":9527",
			TickInterval:             5 * time.Second,
			HeartbeatTimeout:         20 * time.Second,
			DefaultAssignmentTimeout: 7200 * time.Second,
			SendBuffer:               64,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(BaseDir(), "farm.db"),
		},
		Redis: RedisConfig{
			Enabled: true,
			Addr:    "127.0.0.1:6379",
		},
		Reporter: ReporterConfig{
			Webserver: "http://127.0.0.1:3000",
			Timeout:   10 * time.Second,
			QueueSize: 256,
		},
		API: APIConfig{
			Port: 9528,
		},
	}
}

func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".testfarm")
}

// ConfigPath honours FARM_CONFIG, falling back to ~/.testfarm/config.yaml.
func ConfigPath() string {
	if p := os.Getenv("FARM_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(BaseDir(), "config.yaml")
}

// Load reads the config file over the defaults, then applies .env and
// environment overrides. A missing file is not an error.
func Load() (Config, error) {
	_ = godotenv.Load()
	return LoadFile(ConfigPath())
}

func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("FARM_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("FARM_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("FARM_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("FARM_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("FARM_WEBSERVER"); v != "" {
		cfg.Reporter.Webserver = v
	}
	if v := os.Getenv("FARM_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FARM_API_PORT: %w", err)
		}
		cfg.API.Port = port
	}
	if v := os.Getenv("FARM_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.TickInterval <= 0 {
		errs = append(errs, errors.New("server.tickInterval must be positive"))
	}
	if c.Server.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("server.heartbeatTimeout must be positive"))
	}
	if c.Server.DefaultAssignmentTimeout <= 0 {
		errs = append(errs, errors.New("server.defaultAssignmentTimeout must be positive"))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q not supported", c.Database.Driver))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func Save(cfg Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func EnsureDirs() error {
	if err := os.MkdirAll(BaseDir(), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", BaseDir(), err)
	}
	return nil
}
