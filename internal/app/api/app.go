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

// Package api 装配 API 进程：HTTP 入口、限流网关、派发通知。
// 控制面 / 数据面分界：jobstore.type=postgres 时 API 不执行任何 Job，
// 取活与执行全部在 Worker 进程；memory 模式下为单进程开发形态，
// 进程内再挂一条完整执行管线。
package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	hertzconfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/redis/go-redis/v9"

	httpapi "ghosthands/internal/api"
	"ghosthands/internal/callback"
	"ghosthands/internal/cost"
	"ghosthands/internal/dispatch"
	"ghosthands/internal/executor"
	"ghosthands/internal/hitl"
	"ghosthands/internal/job"
	"ghosthands/internal/ratelimit"
	"ghosthands/pkg/config"
	"ghosthands/pkg/log"
	"ghosthands/pkg/secrets"
)

// otelProviderShutdown 优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用
type App struct {
	cfg    *config.Config
	logger *log.Logger

	store     job.Store
	wake      job.WakeupQueue
	redis     *redis.Client
	limitMem  *ratelimit.MemStore
	handler   *httpapi.Handler
	registry  *executor.Registry
	embedded  *dispatch.Dispatcher
	hertz     *server.Hertz
	otelProv  otelProviderShutdown
	sweepStop context.CancelFunc
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(cfg *config.Config) (*App, error) {
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		})
	}

	switch cfg.JobStore.Type {
	case "postgres":
		store, err := job.NewStorePg(context.Background(), cfg.JobStore.DSN, cfg.JobStore.NotifyChannel)
		if err != nil {
			return nil, fmt.Errorf("init job store: %w", err)
		}
		// Insert 自己发 pg_notify，API 进程不再需要进程内唤醒
		a.store = store
	case "", "memory":
		a.store = job.NewStoreMem()
		a.wake = job.NewWakeupMem()
	default:
		return nil, fmt.Errorf("unknown jobstore type %q", cfg.JobStore.Type)
	}

	var limitStore ratelimit.Store
	if cfg.RateLimits.Store == "redis" {
		if a.redis == nil {
			return nil, fmt.Errorf("rate_limits.store=redis requires redis.addr")
		}
		limitStore = ratelimit.NewRedisStore(a.redis)
	} else {
		mem := ratelimit.NewMemStore()
		a.limitMem = mem
		limitStore = mem
	}
	gateway := ratelimit.NewGateway(limitStore, tierLimits(cfg.RateLimits.Tiers))

	var queue *dispatch.Queue
	if cfg.Dispatch.Mode == "queue" {
		if a.redis == nil {
			return nil, fmt.Errorf("dispatch.mode=queue requires redis.addr")
		}
		queue = dispatch.NewQueue(a.redis)
	}

	a.handler = httpapi.NewHandler(a.store, gateway, a.wake, queue, cfg.Dispatch.QueueJobTypes, logger)

	if a.wake != nil {
		if err := a.buildEmbeddedWorker(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// buildEmbeddedWorker memory 模式的进程内执行管线，共享同一个 StoreMem
func (a *App) buildEmbeddedWorker() error {
	secretStore, err := secrets.NewStore(secrets.Config{
		Provider: a.cfg.Secrets.Provider,
		Config:   a.cfg.Secrets.Config,
	})
	if err != nil {
		return fmt.Errorf("init secret store: %w", err)
	}
	notifier := callback.NewNotifier(config.Duration(a.cfg.Callback.Timeout, 10*time.Second), a.logger)
	control := cost.NewControl(job.NewUsageStoreMem(), a.store)
	coord := hitl.NewCoordinator(a.store, notifier, a.logger)

	workerID := a.cfg.Worker.ID
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	a.registry = executor.NewRegistry()
	exec := executor.NewExecutor(workerID, executor.Deps{
		Store:        a.store,
		Control:      control,
		Notifier:     notifier,
		Registry:     a.registry,
		HITL:         coord,
		Secrets:      secretStore,
		Logger:       a.logger,
		ActionLimits: a.cfg.Cost.ActionLimits,
	})
	a.embedded = dispatch.NewDispatcher(dispatch.Config{
		WorkerID:      workerID,
		PollInterval:  config.Duration(a.cfg.Dispatch.PollInterval, dispatch.DefaultPollInterval),
		MaxConcurrent: a.cfg.Worker.MaxConcurrent,
	}, a.store, exec, a.wake.C(), a.logger)
	return nil
}

// Registry 进程内执行管线的 handler 注册表；postgres 模式返回 nil
func (a *App) Registry() *executor.Registry { return a.registry }

// Run 启动 HTTP 服务，addr 如 ":8080"
func (a *App) Run(addr string) error {
	a.logger.Info("API 服务启动", "addr", addr, "jobstore", a.cfg.JobStore.Type)

	hlog.SetLogger(hertzLogger(a.cfg))

	serverOpts := []hertzconfig.Option{server.WithHostPorts(addr)}
	var traceMW bool
	var traceCfg *hertztracing.Config
	if a.cfg.Monitoring.Tracing.Enable && a.cfg.Monitoring.Tracing.ExportEndpoint != "" {
		serviceName := a.cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "ghosthands-api"
		}
		opts := []provider.Option{
			provider.WithServiceName(serviceName),
			provider.WithExportEndpoint(a.cfg.Monitoring.Tracing.ExportEndpoint),
		}
		if a.cfg.Monitoring.Tracing.Insecure {
			opts = append(opts, provider.WithInsecure())
		}
		a.otelProv = provider.NewOpenTelemetryProvider(opts...)
		tracerOpt, tc := hertztracing.NewServerTracer()
		serverOpts = append(serverOpts, tracerOpt)
		traceMW, traceCfg = true, tc
		a.logger.Info("链路追踪已启用", "service_name", serviceName)
	}

	a.hertz = server.Default(serverOpts...)
	if traceMW {
		a.hertz.Use(hertztracing.ServerMiddleware(traceCfg))
	}
	httpapi.RegisterRoutes(a.hertz, a.handler, httpapi.RouterOptions{
		EnableCORS: a.cfg.API.CORS.Enable,
		QPSLimit:   qpsLimit(a.cfg),
	})

	bg, cancel := context.WithCancel(context.Background())
	a.sweepStop = cancel
	if a.limitMem != nil {
		a.limitMem.StartSweeper(bg, time.Minute)
	}
	if a.embedded != nil {
		go a.embedded.Run(bg)
	}

	return a.hertz.Run()
}

// Shutdown 优雅关闭
func (a *App) Shutdown(ctx context.Context) error {
	if a.sweepStop != nil {
		a.sweepStop()
	}
	if a.embedded != nil {
		a.embedded.Drain()
	}
	if a.otelProv != nil {
		_ = a.otelProv.Shutdown(ctx)
	}
	var err error
	if a.hertz != nil {
		err = a.hertz.Shutdown(ctx)
	}
	if a.wake != nil {
		a.wake.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	return err
}

// hertzLogger 把 Hertz 框架日志接到 slog，级别与业务日志对齐
func hertzLogger(cfg *config.Config) hlog.FullLogger {
	output := os.Stdout
	levelVar := &slog.LevelVar{}
	switch cfg.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	return hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	)
}

func qpsLimit(cfg *config.Config) int {
	if !cfg.API.Middleware.RateLimit {
		return 0
	}
	if cfg.API.Middleware.RateLimitRPS > 0 {
		return cfg.API.Middleware.RateLimitRPS
	}
	return 100
}

// tierLimits 把配置表转换为网关限额表；空表用内置默认
func tierLimits(tiers map[string]config.TierLimitConfig) map[string]ratelimit.TierLimits {
	if len(tiers) == 0 {
		return nil
	}
	out := make(map[string]ratelimit.TierLimits, len(tiers))
	for name, t := range tiers {
		out[name] = ratelimit.TierLimits{
			Hourly:         t.Hourly,
			Daily:          t.Daily,
			PlatformHourly: t.PlatformHourly,
			PlatformDaily:  t.PlatformDaily,
		}
	}
	return out
}
