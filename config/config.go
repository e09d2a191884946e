package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Model  ModelConfig  `mapstructure:"model"`
	Cache  CacheConfig  `mapstructure:"cache"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Local  LocalConfig  `mapstructure:"local"`
	Log    LogConfig    `mapstructure:"log"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxUpload    int64         `mapstructure:"max_upload"`
}

type ModelConfig struct {
	URL              string `mapstructure:"url"`
	Size             int    `mapstructure:"size"`
	LibraryPath      string `mapstructure:"library_path"`
	Threads          int    `mapstructure:"threads"`
	Preload          bool   `mapstructure:"preload"`
	PreserveUnmasked bool   `mapstructure:"preserve_unmasked"`
	// Disabled 不创建神经网络引擎，auto 直接走本地
	Disabled bool `mapstructure:"disabled"`
}

type CacheConfig struct {
	// Backend disk | redis | none
	Backend       string        `mapstructure:"backend"`
	Dir           string        `mapstructure:"dir"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	PruneSchedule string        `mapstructure:"prune_schedule"`
	// Results 是否缓存 HTTP 修复结果
	Results bool `mapstructure:"results"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type LocalConfig struct {
	Iterations int `mapstructure:"iterations"`
	Radius     int `mapstructure:"radius"`
	Workers    int `mapstructure:"workers"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load 从 YAML 文件加载配置，环境变量 INPAINT_<SECTION>_<KEY> 优先
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("INPAINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// New 使用默认配置路径加载配置，失败时返回默认配置
func New(configPath string) *Config {
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := Load(configPath)
	if err != nil {
		return Default()
	}
	return cfg
}

func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "disk", "redis", "none":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Model.Size <= 0 {
		return errors.New("model.size must be positive")
	}
	if c.Local.Iterations <= 0 || c.Local.Radius <= 0 {
		return errors.New("local.iterations and local.radius must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.max_upload", d.Server.MaxUpload)

	v.SetDefault("model.url", d.Model.URL)
	v.SetDefault("model.size", d.Model.Size)
	v.SetDefault("model.library_path", d.Model.LibraryPath)
	v.SetDefault("model.threads", d.Model.Threads)
	v.SetDefault("model.preload", d.Model.Preload)
	v.SetDefault("model.preserve_unmasked", d.Model.PreserveUnmasked)
	v.SetDefault("model.disabled", d.Model.Disabled)

	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.max_age", d.Cache.MaxAge)
	v.SetDefault("cache.prune_schedule", d.Cache.PruneSchedule)
	v.SetDefault("cache.results", d.Cache.Results)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.ttl", d.Redis.TTL)

	v.SetDefault("local.iterations", d.Local.Iterations)
	v.SetDefault("local.radius", d.Local.Radius)
	v.SetDefault("local.workers", d.Local.Workers)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         ":8080",
			Mode:         "debug",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			MaxUpload:    20 * 1024 * 1024,
		},
		Model: ModelConfig{
			URL:     "https://huggingface.co/Carve/LaMa-ONNX/resolve/main/lama_fp32.onnx",
			Size:    512,
			Threads: 1,
		},
		Cache: CacheConfig{
			Backend:       "disk",
			Dir:           "./cache",
			MaxAge:        30 * 24 * time.Hour,
			PruneSchedule: "@daily",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  24 * time.Hour,
		},
		Local: LocalConfig{
			Iterations: 5,
			Radius:     10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
