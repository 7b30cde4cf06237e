// Package main API Server 入口
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskpilot/internal/agentexec"
	"taskpilot/internal/apiserver/server"
	"taskpilot/internal/config"
	"taskpilot/internal/pipeline"
	"taskpilot/internal/shared/eventbus"
	redisbus "taskpilot/internal/shared/eventbus/redis"
	"taskpilot/internal/shared/objstore"
	"taskpilot/internal/shared/storage"
	"taskpilot/internal/shared/storage/dbutil"
	postgresdriver "taskpilot/internal/shared/storage/driver/postgres"
	sqlitedriver "taskpilot/internal/shared/storage/driver/sqlite"
	"taskpilot/internal/shared/storage/repository"
)

func main() {
	// 加载配置（自动加载 .env，根据 APP_ENV 切换数据源）
	cfg := config.Load()

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	// 初始化持久化存储
	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open datastore: %v", err)
	}
	defer store.Close()
	log.Printf("Connected to datastore [driver=%s]", cfg.Datastore.Driver)

	// 初始化事件总线（Redis Streams，可选）
	var bus eventbus.EventBus
	if cfg.Redis.Enabled {
		redisStore, err := redisbus.NewStoreFromURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		bus = redisStore
		log.Println("Connected to Redis")
	} else {
		bus = eventbus.NewNoOpEventBus()
		log.Println("Redis disabled, run event streaming is a no-op")
	}
	defer bus.Close()

	// 流水线引擎：守卫/钩子注册表 + 引擎本体
	guards := pipeline.NewGuardRegistry(store, cfg.Executor.MaxRetries)
	hooks := pipeline.NewHookRegistry(store, nil, pipeline.NewLogNotifier())
	engine := pipeline.NewEngine(store, store, store, guards, hooks)
	loader := pipeline.NewLoader(guards, hooks)

	// Agent 执行服务
	workspace := agentexec.NewWorkspaceManager(cfg.Executor.WorkspaceRoot)
	service := agentexec.NewService(store, engine, workspace, bus, agentexec.Options{
		DefaultTimeout: cfg.Executor.DefaultTimeout,
	})

	// start_agent 钩子的出口在服务就绪后注入（引擎与服务相互解耦）
	hooks.SetAgentStarter(service)

	// 对象存储（diff 产物，可选）
	if cfg.MinIO.Enabled {
		objects, err := objstore.NewClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("Failed to connect to MinIO: %v", err)
		}
		if err := objects.EnsureBucket(context.Background()); err != nil {
			log.Fatalf("Failed to ensure MinIO bucket: %v", err)
		}
		service.SetObjectStore(objects)
		log.Println("Connected to MinIO")
	}

	// 非生产环境注册模拟 Agent 后端，生产环境的后端由部署方注入
	if !cfg.IsProd() {
		service.RegisterCapability("mock", agentexec.NewMockCapability(2*time.Second))
		log.Println("Registered mock agent capability")
	}

	// 加载流水线定义目录并落库（保存时校验）
	if cfg.Pipelines.Dir != "" {
		if err := syncPipelines(context.Background(), store, loader, cfg.Pipelines.Dir); err != nil {
			log.Fatalf("Failed to load pipelines: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动恢复：清算上次进程遗留的 running 状态 Run
	recovered, err := service.Recover(ctx)
	if err != nil {
		log.Fatalf("Startup recovery failed: %v", err)
	}
	if len(recovered) > 0 {
		log.Printf("Recovered %d orphaned runs: %v", len(recovered), recovered)
	}

	// 监督器：恢复完成后再开始收割超时执行
	supervisor := agentexec.NewSupervisor(service, cfg.Executor.SupervisorTick)
	go supervisor.Start(ctx)

	h := server.NewHandler(store, engine, service, loader, bus)

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		cancel()
	}()

	log.Printf("API Server listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}

// openStore 按配置的驱动打开持久化存储并执行迁移
func openStore(cfg *config.Config) (storage.PersistentStore, error) {
	var db *sql.DB
	var dialect dbutil.Dialect
	var err error

	switch cfg.Datastore.Driver {
	case "postgres":
		db, err = postgresdriver.Open(cfg.DatabaseURL)
		dialect = postgresdriver.NewDialect()
	case "sqlite":
		db, err = sqlitedriver.Open(cfg.Datastore.DSN)
		dialect = sqlitedriver.NewDialect()
	default:
		return nil, fmt.Errorf("unknown datastore driver %q", cfg.Datastore.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := dialect.AutoMigrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return repository.NewStore(db, dialect), nil
}

// syncPipelines 加载流水线定义目录并 upsert 到存储
func syncPipelines(ctx context.Context, store storage.PersistentStore, loader *pipeline.Loader, dir string) error {
	pipelines, err := loader.LoadDir(dir)
	if err != nil {
		return err
	}

	for _, p := range pipelines {
		if err := store.CreatePipeline(ctx, p); err != nil {
			if !errors.Is(err, storage.ErrDuplicate) {
				return fmt.Errorf("pipeline %s: %w", p.ID, err)
			}
			if err := store.UpdatePipeline(ctx, p); err != nil {
				return fmt.Errorf("pipeline %s: %w", p.ID, err)
			}
		}
		log.Printf("Loaded pipeline %s (%d statuses, %d transitions)", p.ID, len(p.Statuses), len(p.Transitions))
	}
	return nil
}
