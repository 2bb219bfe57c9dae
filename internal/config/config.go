package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PipelineConfig 融合管线统一配置
type PipelineConfig struct {
	Meta      MetaConfig      `yaml:"meta" mapstructure:"meta"`
	Gateway   GatewayConfig   `yaml:"gateway" mapstructure:"gateway"`
	HTTP      HTTPConfig      `yaml:"http" mapstructure:"http"`
	Limits    LimitsConfig    `yaml:"limits" mapstructure:"limits"`
	Health    HealthConfig    `yaml:"health" mapstructure:"health"`
	Reconnect ReconnectConfig `yaml:"reconnect" mapstructure:"reconnect"`
	Fusion    FusionConfig    `yaml:"fusion" mapstructure:"fusion"`
	Archive   ArchiveConfig   `yaml:"archive" mapstructure:"archive"`
}

type MetaConfig struct {
	Project       string `yaml:"project" mapstructure:"project"`
	ConfigVersion string `yaml:"config_version" mapstructure:"config_version"`
}

type GatewayConfig struct {
	Addr              string        `yaml:"addr" mapstructure:"addr"`
	Path              string        `yaml:"path" mapstructure:"path"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	EnableCompression bool          `yaml:"enable_compression" mapstructure:"enable_compression"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

type LimitsConfig struct {
	MaxSessions    int           `yaml:"max_sessions" mapstructure:"max_sessions"`
	Workers        int           `yaml:"workers" mapstructure:"workers"`
	WorkerCapacity int32         `yaml:"worker_capacity" mapstructure:"worker_capacity"`
	CloseGrace     time.Duration `yaml:"close_grace" mapstructure:"close_grace"`
}

type HealthConfig struct {
	Interval  time.Duration `yaml:"interval" mapstructure:"interval"`
	MaxMissed int           `yaml:"max_missed" mapstructure:"max_missed"`
}

type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
	Multiplier      float64       `yaml:"multiplier" mapstructure:"multiplier"`
}

type FusionConfig struct {
	TickInterval       time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`
	Staleness          time.Duration `yaml:"staleness" mapstructure:"staleness"`
	DominanceThreshold float64       `yaml:"dominance_threshold" mapstructure:"dominance_threshold"`
	SendTimeout        time.Duration `yaml:"send_timeout" mapstructure:"send_timeout"`
}

type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	DBName   string `yaml:"dbname" mapstructure:"dbname"`
	SSLMode  string `yaml:"sslmode" mapstructure:"sslmode"`
}

// setDefaults 注册全部默认值（无配置文件也能运行）
func setDefaults(v *viper.Viper) {
	v.SetDefault("meta.project", "emotion-fusion-pipeline")
	v.SetDefault("meta.config_version", "1.0")

	v.SetDefault("gateway.addr", ":8080")
	v.SetDefault("gateway.path", "/ws")
	v.SetDefault("gateway.handshake_timeout", "10s")
	v.SetDefault("gateway.read_timeout", "60s")
	v.SetDefault("gateway.enable_compression", true)

	v.SetDefault("http.addr", ":8081")

	v.SetDefault("limits.max_sessions", 1000)
	v.SetDefault("limits.workers", 4)
	v.SetDefault("limits.worker_capacity", 250)
	v.SetDefault("limits.close_grace", "30s")

	v.SetDefault("health.interval", "5s")
	v.SetDefault("health.max_missed", 2)

	v.SetDefault("reconnect.initial_interval", "1s")
	v.SetDefault("reconnect.max_interval", "8s")
	v.SetDefault("reconnect.multiplier", 2.0)

	v.SetDefault("fusion.tick_interval", "100ms")
	v.SetDefault("fusion.staleness", "2s")
	v.SetDefault("fusion.dominance_threshold", 0.8)
	v.SetDefault("fusion.send_timeout", "100ms")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.host", "localhost")
	v.SetDefault("archive.port", 5432)
	v.SetDefault("archive.user", "postgres")
	v.SetDefault("archive.password", "")
	v.SetDefault("archive.dbname", "fusion")
	v.SetDefault("archive.sslmode", "disable")
}

// loadFromFile 从文件加载配置；path为空时按默认搜索路径查找
func loadFromFile(path string) (*PipelineConfig, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fusion")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FUSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 默认搜索路径下找不到配置文件时退回默认值，其余错误上抛
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("read config failed: %w", err)
		}
	}

	config := &PipelineConfig{}
	if err := v.Unmarshal(config); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config failed: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, nil, err
	}
	return config, v, nil
}

// Validate 配置一致性检查
func (c *PipelineConfig) Validate() error {
	if c.Limits.MaxSessions <= 0 {
		return fmt.Errorf("limits.max_sessions must be positive, got %d", c.Limits.MaxSessions)
	}
	if c.Limits.Workers <= 0 {
		return fmt.Errorf("limits.workers must be positive, got %d", c.Limits.Workers)
	}
	if c.Limits.WorkerCapacity <= 0 {
		return fmt.Errorf("limits.worker_capacity must be positive, got %d", c.Limits.WorkerCapacity)
	}
	if c.Health.MaxMissed < 1 {
		return fmt.Errorf("health.max_missed must be at least 1, got %d", c.Health.MaxMissed)
	}
	if c.Fusion.TickInterval <= 0 {
		return fmt.Errorf("fusion.tick_interval must be positive, got %s", c.Fusion.TickInterval)
	}
	if c.Fusion.SendTimeout > c.Fusion.TickInterval {
		return fmt.Errorf("fusion.send_timeout (%s) must not exceed fusion.tick_interval (%s)",
			c.Fusion.SendTimeout, c.Fusion.TickInterval)
	}
	if c.Fusion.DominanceThreshold < 0 || c.Fusion.DominanceThreshold > 1 {
		return fmt.Errorf("fusion.dominance_threshold must be in [0,1], got %f", c.Fusion.DominanceThreshold)
	}
	return nil
}
