// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	JobStore   JobStoreConfig   `mapstructure:"jobstore"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Cost       CostConfig       `mapstructure:"cost"`
	RateLimits RateLimitsConfig `mapstructure:"rate_limits"`
	Callback   CallbackConfig   `mapstructure:"callback"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	RateLimit    bool `mapstructure:"rate_limit"`
	RateLimitRPS int  `mapstructure:"rate_limit_rps"`
}

// JobStoreConfig 任务存储配置
type JobStoreConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	// DSN Postgres 连接串，type=postgres 时必填；支持 ${DATABASE_URL} 环境变量占位
	DSN string `mapstructure:"dsn"`
	// NotifyChannel LISTEN/NOTIFY 唤醒通道名，空则默认 gh_job_ready
	NotifyChannel string `mapstructure:"notify_channel"`
}

// RedisConfig Redis 配置（进度流、队列派发、共享限流存储；可选）
type RedisConfig struct {
	Addr     string `mapstructure:"addr"` // 支持 ${REDIS_URL}
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// WorkerConfig Worker 进程配置
type WorkerConfig struct {
	// ID Worker 标识；空则取 WORKER_ID 环境变量或 hostname
	ID string `mapstructure:"id"`
	// MaxConcurrent 同时执行的 Job 上限；约定每 Worker 1 个以隔离浏览器会话，<=0 时默认 1
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// HeartbeatInterval 心跳间隔，如 "30s"
	HeartbeatInterval string `mapstructure:"heartbeat_interval"`
	// StuckThreshold 心跳过期回收阈值，如 "120s"；可被 STUCK_JOB_THRESHOLD 覆盖
	StuckThreshold string `mapstructure:"stuck_threshold"`
	// DrainGrace 首次收到退出信号后等待在执行 Job 的宽限时间，如 "60s"
	DrainGrace string `mapstructure:"drain_grace"`
	// StatusPort Worker 状态 HTTP 端口，<=0 不启动
	StatusPort int `mapstructure:"status_port"`
	// LifecycleHookURL 平台生命周期钩子地址（如 ASG complete-lifecycle 代理）；可选
	LifecycleHookURL string `mapstructure:"lifecycle_hook_url"`
}

// DispatchConfig 派发配置
type DispatchConfig struct {
	// Mode notify（LISTEN/NOTIFY + 兜底轮询，默认）| queue（Redis 队列消费）
	Mode string `mapstructure:"mode"`
	// PollInterval 兜底轮询间隔，如 "5s"
	PollInterval string `mapstructure:"poll_interval"`
	// QueueJobTypes queue 模式下订阅的 job_type 列表
	QueueJobTypes []string `mapstructure:"queue_job_types"`
}

// CostConfig 预算配置（空项使用内置默认）
type CostConfig struct {
	// ActionLimits job_type -> 动作上限；缺省 50
	ActionLimits map[string]int `mapstructure:"action_limits"`
}

// RateLimitsConfig 限流配置
type RateLimitsConfig struct {
	// Store memory（默认）| redis（多 Worker 共享）
	Store string `mapstructure:"store"`
	// Tiers tier -> 窗口限额；缺省使用内置默认
	Tiers map[string]TierLimitConfig `mapstructure:"tiers"`
}

// TierLimitConfig 单 tier 的窗口限额；-1 表示不限
type TierLimitConfig struct {
	Hourly         int `mapstructure:"hourly"`
	Daily          int `mapstructure:"daily"`
	PlatformHourly int `mapstructure:"platform_hourly"`
	PlatformDaily  int `mapstructure:"platform_daily"`
}

// CallbackConfig 回调配置
type CallbackConfig struct {
	// Timeout 单次请求超时，如 "10s"
	Timeout string `mapstructure:"timeout"`
}

// SecretsConfig Secret Store 配置
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"` // vault | env | memory
	Config   map[string]string `mapstructure:"config"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

// replaceEnvVars 替换配置中的 ${VAR} 环境变量占位（DSN、Redis、secrets）
func replaceEnvVars(config *Config) {
	config.JobStore.DSN = expandEnv(config.JobStore.DSN)
	config.Redis.Addr = expandEnv(config.Redis.Addr)
	config.Redis.Password = expandEnv(config.Redis.Password)
	for k, v := range config.Secrets.Config {
		config.Secrets.Config[k] = expandEnv(v)
	}
	if config.Worker.ID == "" {
		config.Worker.ID = os.Getenv("WORKER_ID")
	}
	// 运维可用 STUCK_JOB_THRESHOLD 覆盖回收阈值，无需改配置文件
	if v := os.Getenv("STUCK_JOB_THRESHOLD"); v != "" {
		config.Worker.StuckThreshold = v
	}
	if config.JobStore.DSN == "" {
		config.JobStore.DSN = os.Getenv("DATABASE_URL")
	}
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		if val := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")); val != "" {
			return val
		}
		return ""
	}
	return s
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}

// Duration 解析配置中的时长字符串，无效或空时返回 defaultVal
func Duration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
