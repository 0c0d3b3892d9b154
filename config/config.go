// =============================================================================
// 📦 AgentWire 配置结构
// =============================================================================
// 统一配置结构，覆盖 Agent、传输、日志与指标
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/agentwire/agent"
	"github.com/BaSui01/agentwire/transport"
)

// Config 是 AgentWire 的完整配置结构
type Config struct {
	// Agent 默认 Agent 配置
	Agent AgentConfig `yaml:"agent" env:"AGENT"`

	// Transport 传输配置
	Transport TransportConfig `yaml:"transport" env:"TRANSPORT"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// AgentConfig Agent 配置
type AgentConfig struct {
	// 名称
	Name string `yaml:"name" env:"NAME"`
	// 主题前缀
	Prefix string `yaml:"prefix" env:"PREFIX"`
	// 任务停止宽限期
	GracePeriod time.Duration `yaml:"grace_period" env:"GRACE_PERIOD"`
	// 默认请求超时
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	// 重启预算窗口内的最大重启次数（0 表示不限制）
	MaxRestarts int `yaml:"max_restarts" env:"MAX_RESTARTS"`
	// 重启预算窗口
	RestartInterval time.Duration `yaml:"restart_interval" env:"RESTART_INTERVAL"`
	// 是否启用控制面
	EnableControl bool `yaml:"enable_control" env:"ENABLE_CONTROL"`
}

// ToAgent converts to the agent package's configuration type.
func (c AgentConfig) ToAgent() agent.Config {
	return agent.Config{
		Name:           c.Name,
		Prefix:         c.Prefix,
		GracePeriod:    c.GracePeriod,
		DefaultTimeout: c.DefaultTimeout,
		RestartPolicy: agent.RestartPolicy{
			MaxRestarts: c.MaxRestarts,
			Interval:    c.RestartInterval,
		},
		EnableControl: c.EnableControl,
	}
}

// TransportConfig 传输配置
type TransportConfig struct {
	// 模式: memory, redis
	Mode string `yaml:"mode" env:"MODE"`
	// Redis 配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
}

// ToTransport converts to the transport package's configuration type.
func (c TransportConfig) ToTransport() transport.Config {
	return transport.Config{
		Mode: c.Mode,
		Redis: transport.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		},
	}
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// DefaultConfig 返回带默认值的配置
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			GracePeriod:    3 * time.Second,
			DefaultTimeout: 10 * time.Second,
			EnableControl:  true,
		},
		Transport: TransportConfig{
			Mode: "memory",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "agentwire",
		},
	}
}
