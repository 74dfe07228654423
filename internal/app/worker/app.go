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

// Package worker 装配 Worker 进程：存储、执行器、取活端与生命周期。
// Worker 是数据面，行数据必须与 API 共享，因此只接受 postgres 存储。
package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"ghosthands/internal/callback"
	"ghosthands/internal/cost"
	"ghosthands/internal/dispatch"
	"ghosthands/internal/executor"
	"ghosthands/internal/hitl"
	"ghosthands/internal/job"
	"ghosthands/internal/progress"
	wk "ghosthands/internal/worker"
	"ghosthands/pkg/config"
	"ghosthands/pkg/log"
	"ghosthands/pkg/secrets"
	"ghosthands/pkg/tracing"
)

// App Worker 应用
type App struct {
	cfg      *config.Config
	logger   *log.Logger
	store    *job.StorePg
	redis    *redis.Client
	registry *executor.Registry
	runtime  *wk.Runtime
	tp       *sdktrace.TracerProvider
	workerID string
}

// NewApp 创建 Worker 应用（由 cmd/worker 调用）
func NewApp(cfg *config.Config) (*App, error) {
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	if cfg.JobStore.Type != "postgres" || cfg.JobStore.DSN == "" {
		return nil, fmt.Errorf("worker requires jobstore.type=postgres with a dsn")
	}
	store, err := job.NewStorePg(context.Background(), cfg.JobStore.DSN, cfg.JobStore.NotifyChannel)
	if err != nil {
		return nil, fmt.Errorf("init job store: %w", err)
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	logger = logger.With("worker_id", workerID)

	a := &App{cfg: cfg, logger: logger, store: store, workerID: workerID}

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		})
	}

	if cfg.Dispatch.Mode == "queue" && a.redis == nil {
		return nil, fmt.Errorf("dispatch.mode=queue requires redis.addr")
	}

	if cfg.Monitoring.Tracing.Enable && cfg.Monitoring.Tracing.ExportEndpoint != "" {
		serviceName := cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "ghosthands-worker"
		}
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    serviceName,
			ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
			Insecure:       cfg.Monitoring.Tracing.Insecure,
		})
		if err != nil {
			logger.Warn("链路追踪初始化失败", "error", err)
		} else {
			a.tp = tp
		}
	}

	secretStore, err := secrets.NewStore(secrets.Config{
		Provider: cfg.Secrets.Provider,
		Config:   cfg.Secrets.Config,
	})
	if err != nil {
		return nil, fmt.Errorf("init secret store: %w", err)
	}

	notifier := callback.NewNotifier(config.Duration(cfg.Callback.Timeout, 10*time.Second), logger)
	control := cost.NewControl(job.NewUsageStorePg(store), store)
	coord := hitl.NewCoordinator(store, notifier, logger)

	var publisher progress.Publisher
	if a.redis != nil {
		publisher = progress.NewRedisPublisher(a.redis)
	}

	a.registry = executor.NewRegistry()
	exec := executor.NewExecutor(workerID, executor.Deps{
		Store:        store,
		Control:      control,
		Notifier:     notifier,
		Registry:     a.registry,
		HITL:         coord,
		Secrets:      secretStore,
		Publisher:    publisher,
		Logger:       logger,
		ActionLimits: cfg.Cost.ActionLimits,
	})

	var hook wk.LifecycleHook
	if cfg.Worker.LifecycleHookURL != "" {
		hook = wk.NewHTTPHook(cfg.Worker.LifecycleHookURL)
	}
	a.runtime = wk.NewRuntime(wk.RuntimeConfig{
		WorkerID:          workerID,
		HeartbeatInterval: config.Duration(cfg.Worker.HeartbeatInterval, wk.DefaultHeartbeatInterval),
		StuckThreshold:    config.Duration(cfg.Worker.StuckThreshold, wk.DefaultStuckThreshold),
		DrainGrace:        config.Duration(cfg.Worker.DrainGrace, wk.DefaultDrainGrace),
	}, store, job.NewRegistryPg(store), hook, logger)

	runner := a.runtime.WrapRunner(exec)
	a.runtime.SetDispatcher(a.buildDispatcher(runner))
	return a, nil
}

// buildDispatcher 按派发模式选取活端：notify 走 LISTEN/NOTIFY + 兜底轮询，
// queue 走 Redis 队列消费
func (a *App) buildDispatcher(runner dispatch.Runner) wk.Dispatcher {
	poll := config.Duration(a.cfg.Dispatch.PollInterval, dispatch.DefaultPollInterval)
	if a.cfg.Dispatch.Mode == "queue" && a.redis != nil {
		return dispatch.NewQueueConsumer(
			dispatch.NewQueue(a.redis), a.store, runner,
			a.workerID, a.cfg.Dispatch.QueueJobTypes, a.logger)
	}
	listener := dispatch.NewPgListener(a.cfg.JobStore.DSN, a.store.NotifyChannel(), a.logger)
	return dispatch.NewDispatcher(dispatch.Config{
		WorkerID:      a.workerID,
		PollInterval:  poll,
		MaxConcurrent: a.cfg.Worker.MaxConcurrent,
	}, a.store, runner, listener.Listen(context.Background()), a.logger)
}

// Registry 任务 handler 注册表；部署方在 Run 前按 job_type 注入实现
func (a *App) Registry() *executor.Registry { return a.registry }

// Run 阻塞运行直到收到退出信号或 ctx 取消
func (a *App) Run(ctx context.Context, signals <-chan os.Signal) error {
	if a.cfg.Worker.StatusPort > 0 {
		h := a.runtime.StatusServer(a.cfg.Worker.StatusPort)
		go h.Spin()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = h.Shutdown(shutCtx)
		}()
	}
	err := a.runtime.Run(ctx, signals)
	a.close()
	return err
}

func (a *App) close() {
	if a.tp != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.tp.Shutdown(shutCtx)
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.store.Close()
}
